package compilertest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuongbtq/buildstash/internal/compiler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunner_LocalAndPreprocessedCompilesMatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "defs.h"), []byte("#define N 3\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.c"), []byte("#include \"defs.h\"\nint main(void) { return N; }\n"), 0o644))

	c, err := compiler.Parse([]string{"cc", "-DFOO", "-c", "main.c", "-o", "main.o"}, dir)
	require.NoError(t, err)

	runner := &Runner{}
	ctx := context.Background()

	pp, err := runner.Run(ctx, c.PreprocessCommand(nil))
	require.NoError(t, err)
	require.True(t, pp.Success(), string(pp.Stderr))
	assert.Equal(t, []string{"main.c", "defs.h"}, compiler.ParseIncludes(pp.Stdout))
	assert.Contains(t, string(pp.Stdout), "/* define FOO */")

	local, err := runner.Run(ctx, c.LocalCommand(nil))
	require.NoError(t, err)
	require.True(t, local.Success())
	localObj, err := os.ReadFile(filepath.Join(dir, "main.o"))
	require.NoError(t, err)

	remoteDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(remoteDir, "main.i"), pp.Stdout, 0o644))
	remote := c.RemoteCommand("/usr/bin/cc", "main.i", "out.o")
	res, err := runner.Run(ctx, compiler.Command{Executable: remote.Executable, Args: remote.Arguments, Dir: remoteDir})
	require.NoError(t, err)
	require.True(t, res.Success())
	remoteObj, err := os.ReadFile(filepath.Join(remoteDir, "out.o"))
	require.NoError(t, err)

	assert.Equal(t, localObj, remoteObj)
	assert.Equal(t, 1, runner.Preprocessed())
	assert.Equal(t, 2, runner.Compiled())
	assert.Len(t, runner.Calls(), 3)
}

func TestRunner_Failures(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{name: "preprocessor error", source: "#error nope\n"},
		{name: "compile error", source: "int x = syntax error;\n"},
		{name: "missing header", source: "#include \"missing.h\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.c"), []byte(tt.source), 0o644))

			out, err := (&Runner{}).Run(context.Background(), compiler.Command{
				Executable: "cc",
				Args:       []string{"-c", "bad.c", "-o", "bad.o"},
				Dir:        dir,
			})
			require.NoError(t, err)
			assert.Equal(t, 1, out.Code)
			assert.NotEmpty(t, out.Stderr)
			assert.NoFileExists(t, filepath.Join(dir, "bad.o"))
		})
	}
}
