package buildserver

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/cuongbtq/buildstash/internal/compiler/compilertest"
	"github.com/cuongbtq/buildstash/internal/dist"
	"github.com/cuongbtq/buildstash/internal/toolchain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedRoot string

func (r fixedRoot) Root(dist.Toolchain) (string, error) { return string(r), nil }

func inputsOf(t *testing.T, files ...dist.InputFile) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, dist.WriteInputs(&buf, files))
	return &buf
}

func newTestExecutor(t *testing.T, roots ToolchainRoots, runner *compilertest.Runner) *Executor {
	t.Helper()
	e, err := NewExecutor(&ExecutorConfig{
		Logger:     slog.New(slog.DiscardHandler),
		Toolchains: roots,
		Runner:     runner,
		WorkDir:    t.TempDir(),
	})
	require.NoError(t, err)
	return e
}

func TestExecutor_Build(t *testing.T) {
	runner := &compilertest.Runner{}
	root := t.TempDir()
	e := newTestExecutor(t, fixedRoot(root), runner)

	res, err := e.Build(context.Background(), BuildRequest{
		JobID:     "job",
		Toolchain: testToolchain,
		Command: dist.CompileCommand{
			Executable: "/usr/bin/cc",
			Arguments:  []string{"-x", "cpp-output", "-c", "main.i", "-o", "main.o"},
			Cwd:        ".",
		},
		Outputs: []string{"main.o", "main.d"},
		Inputs:  inputsOf(t, dist.InputFile{Name: "main.i", Data: []byte("int x;\n")}),
	})
	require.NoError(t, err)
	assert.Equal(t, dist.RunJobComplete, res.Status)
	assert.True(t, res.Output.Success())
	require.Len(t, res.Outputs, 1, "missing outputs are skipped")
	assert.Equal(t, "main.o", res.Outputs[0].Name)
	assert.Equal(t, "object:int x;\n", string(res.Outputs[0].Data))

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, filepath.Join(root, "/usr/bin/cc"), calls[0].Executable)
}

func TestExecutor_CompilerErrorIsAResult(t *testing.T) {
	e := newTestExecutor(t, fixedRoot(t.TempDir()), &compilertest.Runner{})

	res, err := e.Build(context.Background(), BuildRequest{
		Command: dist.CompileCommand{
			Executable: "/usr/bin/cc",
			Arguments:  []string{"-x", "cpp-output", "-c", "main.i", "-o", "main.o"},
		},
		Outputs: []string{"main.o"},
		Inputs:  inputsOf(t, dist.InputFile{Name: "main.i", Data: []byte("syntax error\n")}),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Output.Code)
	assert.Empty(t, res.Outputs)
}

func TestExecutor_InternalFailures(t *testing.T) {
	store, err := toolchain.OpenStore(t.TempDir(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	tests := []struct {
		name  string
		roots ToolchainRoots
		req   BuildRequest
	}{
		{
			name:  "toolchain not installed",
			roots: store,
			req: BuildRequest{
				Toolchain: testToolchain,
				Command:   dist.CompileCommand{Executable: "/usr/bin/cc"},
				Inputs:    bytes.NewReader(nil),
			},
		},
		{
			name:  "relative executable",
			roots: fixedRoot(t.TempDir()),
			req: BuildRequest{
				Command: dist.CompileCommand{Executable: "cc"},
				Inputs:  bytes.NewReader(nil),
			},
		},
		{
			name:  "output escapes build dir",
			roots: fixedRoot(t.TempDir()),
			req: BuildRequest{
				Command: dist.CompileCommand{Executable: "/usr/bin/cc", Arguments: []string{"-c", "a.i"}},
				Outputs: []string{"../../etc/passwd"},
				Inputs:  inputsOf(t, dist.InputFile{Name: "a.i", Data: []byte("x")}),
			},
		},
		{
			name:  "cwd escapes build dir",
			roots: fixedRoot(t.TempDir()),
			req: BuildRequest{
				Command: dist.CompileCommand{Executable: "/usr/bin/cc", Cwd: "../.."},
				Inputs:  inputsOf(t),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestExecutor(t, tt.roots, &compilertest.Runner{})
			_, err := e.Build(context.Background(), tt.req)
			assert.Error(t, err)
		})
	}
}
