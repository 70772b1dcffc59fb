package compiler

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name         string
		args         []string
		wantErr      bool
		wantInput    string
		wantOutput   string
		wantLanguage Language
		wantPP       []string
		wantCommon   []string
	}{
		{
			name:         "basic c compile",
			args:         []string{"cc", "-c", "main.c", "-o", "main.o"},
			wantInput:    "main.c",
			wantOutput:   "main.o",
			wantLanguage: LanguageC,
		},
		{
			name:         "flags are split by phase",
			args:         []string{"gcc", "-DFOO=1", "-I", "include", "-O2", "-Wall", "-c", "src/a.cpp", "-obuild/a.o", "-std", "c++17"},
			wantInput:    "src/a.cpp",
			wantOutput:   "build/a.o",
			wantLanguage: LanguageCXX,
			wantPP:       []string{"-DFOO=1", "-I", "include"},
			wantCommon:   []string{"-O2", "-Wall", "-std", "c++17"},
		},
		{
			name:         "output defaults to object next to cwd",
			args:         []string{"cc", "-c", "dir/x.cc"},
			wantInput:    "dir/x.cc",
			wantOutput:   "x.o",
			wantLanguage: LanguageCXX,
		},
		{name: "link step", args: []string{"cc", "main.o", "-o", "main"}, wantErr: true},
		{name: "preprocess only", args: []string{"cc", "-E", "main.c"}, wantErr: true},
		{name: "assembly output", args: []string{"cc", "-S", "-c", "main.c"}, wantErr: true},
		{name: "multiple inputs", args: []string{"cc", "-c", "a.c", "b.c"}, wantErr: true},
		{name: "response file", args: []string{"cc", "@args.rsp"}, wantErr: true},
		{name: "dependency output", args: []string{"cc", "-MD", "-c", "main.c"}, wantErr: true},
		{name: "unknown source type", args: []string{"cc", "-c", "main.rs"}, wantErr: true},
		{name: "dangling -o", args: []string{"cc", "-c", "main.c", "-o"}, wantErr: true},
		{name: "no arguments", args: []string{"cc"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Parse(tt.args, "/work")
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNotCacheable)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.args[0], c.Executable)
			assert.Equal(t, tt.wantInput, c.Input)
			assert.Equal(t, tt.wantOutput, c.Output)
			assert.Equal(t, tt.wantLanguage, c.Language)
			assert.Equal(t, tt.wantPP, c.PreprocessorArgs)
			assert.Equal(t, tt.wantCommon, c.CommonArgs)
		})
	}
}

func TestCompilation_Commands(t *testing.T) {
	c, err := Parse([]string{"cc", "-DX", "-O2", "-c", "main.c", "-o", "out/main.o"}, "/work")
	require.NoError(t, err)

	pp := c.PreprocessCommand(nil)
	assert.Equal(t, "cc", pp.Executable)
	assert.Equal(t, []string{"-DX", "-O2", "-E", "main.c"}, pp.Args)
	assert.Equal(t, "/work", pp.Dir)

	local := c.LocalCommand([]string{"PATH=/bin"})
	assert.Equal(t, []string{"-DX", "-O2", "-c", "main.c", "-o", "out/main.o"}, local.Args)
	assert.Equal(t, []string{"PATH=/bin"}, local.Env)

	remote := c.RemoteCommand("/usr/bin/cc", "main.i", "main.o")
	assert.Equal(t, "/usr/bin/cc", remote.Executable)
	assert.Equal(t, []string{"-O2", "-x", "cpp-output", "-c", "main.i", "-o", "main.o"}, remote.Arguments)
	assert.Equal(t, ".", remote.Cwd)

	assert.Equal(t, []string{"c", "-O2"}, c.CacheArgs())
	assert.Equal(t, "/work/out/main.o", c.OutputPath())
}

func TestParseIncludes(t *testing.T) {
	pp := []byte(`# 1 "main.c"
# 1 "<built-in>"
# 1 "<command-line>"
# 1 "main.c"
# 1 "include/defs.h" 1
int x;
# 2 "main.c" 2
#line 7 "other.h"
#pragma once
# not a marker
int main(void) { return 0; }
`)
	assert.Equal(t, []string{"main.c", "include/defs.h", "other.h"}, ParseIncludes(pp))
	assert.Empty(t, ParseIncludes([]byte("int x;\n")))
}

func TestResolveExecutable(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bin"), 0o755))
	cc := filepath.Join(dir, "bin", "cc")
	require.NoError(t, os.WriteFile(cc, []byte("#!/bin/sh\n"), 0o755))
	cc, err := filepath.EvalSymlinks(cc)
	require.NoError(t, err)
	require.NoError(t, os.Symlink(cc, filepath.Join(dir, "bin", "gcc")))

	got, err := ResolveExecutable("bin/cc", dir)
	require.NoError(t, err)
	assert.Equal(t, cc, got)

	got, err = ResolveExecutable(cc, "/")
	require.NoError(t, err)
	assert.Equal(t, cc, got)

	got, err = ResolveExecutable("bin/gcc", dir)
	require.NoError(t, err)
	assert.Equal(t, cc, got, "symlinks are resolved")

	_, err = ResolveExecutable("bin/missing", dir)
	assert.Error(t, err)

	_, err = ResolveExecutable("definitely-not-a-compiler-on-path", dir)
	assert.Error(t, err)
}

func TestExecRunner(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}

	out, err := ExecRunner{}.Run(context.Background(), Command{
		Executable: "/bin/sh",
		Args:       []string{"-c", "echo out; echo err >&2; exit 3"},
		Dir:        t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Code)
	assert.Equal(t, "out\n", string(out.Stdout))
	assert.Equal(t, "err\n", string(out.Stderr))
	assert.False(t, out.Success())

	_, err = ExecRunner{}.Run(context.Background(), Command{Executable: "/nonexistent/cc"})
	assert.Error(t, err)
}
