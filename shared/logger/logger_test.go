package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Formats(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		check  func(t *testing.T, out string)
	}{
		{
			name:   "json drops records below the level",
			config: Config{Level: "warn", Format: "json"},
			check: func(t *testing.T, out string) {
				lines := strings.Split(strings.TrimSpace(out), "\n")
				require.Len(t, lines, 1)

				var entry map[string]any
				require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
				assert.Equal(t, "WARN", entry["level"])
				assert.Equal(t, "dispatch fell back", entry["msg"])
				assert.Equal(t, "no_servers", entry["kind"])
			},
		},
		{
			name:   "json with source",
			config: Config{Level: "info", Format: "json", EnableSource: true},
			check: func(t *testing.T, out string) {
				assert.Contains(t, out, `"source"`)
			},
		},
		{
			name:   "console colors by default",
			config: Config{Level: "info", Format: "console"},
			check: func(t *testing.T, out string) {
				assert.Contains(t, out, "WRN")
				assert.Contains(t, out, "\x1b[")
			},
		},
		{
			name:   "console without colors",
			config: Config{Level: "info", Format: "console", NoColor: true},
			check: func(t *testing.T, out string) {
				assert.Contains(t, out, "WRN dispatch fell back kind=no_servers")
				assert.NotContains(t, out, "\x1b[")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			cfg := tt.config
			cfg.writer = &out

			logger, err := New(&cfg)
			require.NoError(t, err)

			logger.Info("job assigned")
			logger.Warn("dispatch fell back", slog.String("kind", "no_servers"))
			if cfg.Level == "warn" {
				assert.NotContains(t, out.String(), "job assigned")
			}
			tt.check(t, out.String())
			assert.NoError(t, logger.Close(), "closing a logger without a file is a no-op")
		})
	}
}

func TestNewDefault(t *testing.T) {
	logger := NewDefault()
	require.NotNil(t, logger)
	assert.True(t, logger.Enabled(t.Context(), slog.LevelInfo))
	assert.False(t, logger.Enabled(t.Context(), slog.LevelDebug))
	assert.NoError(t, logger.Close())
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buildstash.log")
	require.NoError(t, os.WriteFile(path, []byte("previous line\n"), 0o644))

	logger, err := New(&Config{Level: "info", Format: "console", Output: path})
	require.NoError(t, err)
	logger.Info("dispatch fell back", slog.String("kind", "no_servers"))
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.True(t, strings.HasPrefix(content, "previous line\n"), "file must be appended to")
	assert.Contains(t, content, "dispatch fell back")
	assert.Contains(t, content, "kind=no_servers")
	assert.NotContains(t, content, "\x1b[", "no color codes in files")

	_, err = New(&Config{Output: filepath.Join(t.TempDir(), "missing", "x.log")})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{level: "debug", want: slog.LevelDebug},
		{level: "DEBUG", want: slog.LevelDebug},
		{level: "info", want: slog.LevelInfo},
		{level: "Warning", want: slog.LevelWarn},
		{level: "warn", want: slog.LevelWarn},
		{level: "error", want: slog.LevelError},
		{level: "verbose", want: slog.LevelInfo},
		{level: "", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.level), tt.level)
	}
}
