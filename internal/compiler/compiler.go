// Package compiler understands gcc/clang-style invocations well enough to
// cache and distribute single-source compiles.
package compiler

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/cuongbtq/buildstash/internal/dist"
)

// ErrNotCacheable is returned by Parse for invocations that must run verbatim.
var ErrNotCacheable = errors.New("compilation not cacheable")

// Language of the source file.
type Language string

const (
	LanguageC   Language = "c"
	LanguageCXX Language = "c++"
)

// preprocessedLanguage is the -x value for already preprocessed input.
func (l Language) preprocessedLanguage() string {
	if l == LanguageCXX {
		return "c++-cpp-output"
	}
	return "cpp-output"
}

// PreprocessedExt is the file extension of preprocessed input.
func (l Language) PreprocessedExt() string {
	if l == LanguageCXX {
		return ".ii"
	}
	return ".i"
}

var sourceExts = map[string]Language{
	".c":   LanguageC,
	".cc":  LanguageCXX,
	".cpp": LanguageCXX,
	".cxx": LanguageCXX,
	".c++": LanguageCXX,
	".C":   LanguageCXX,
}

// Flags whose value is a separate argument and which only affect preprocessing.
var preprocessorValueFlags = map[string]bool{
	"-I":         true,
	"-D":         true,
	"-U":         true,
	"-include":   true,
	"-imacros":   true,
	"-isystem":   true,
	"-iquote":    true,
	"-idirafter": true,
}

// Flags whose value is a separate argument and which affect compilation.
var compileValueFlags = map[string]bool{
	"-arch":   true,
	"-target": true,
	"-std":    true,
}

// Compilation is a parsed cacheable compile of one source file.
type Compilation struct {
	Executable       string
	Cwd              string
	Input            string
	Output           string
	Language         Language
	PreprocessorArgs []string
	CommonArgs       []string

	args []string
}

// Command is a process invocation.
type Command struct {
	Executable string
	Args       []string
	Env        []string
	Dir        string
}

// Parse recognises `cc [flags] -c source [-o object]`. Anything it does not
// understand yields ErrNotCacheable.
func Parse(args []string, cwd string) (*Compilation, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("%w: no arguments", ErrNotCacheable)
	}

	c := &Compilation{
		Executable: args[0],
		Cwd:        cwd,
		args:       append([]string(nil), args...),
	}

	compileOnly := false
	for i := 1; i < len(args); i++ {
		arg := args[i]

		next := func() (string, error) {
			if i+1 >= len(args) {
				return "", fmt.Errorf("%w: %s needs a value", ErrNotCacheable, arg)
			}
			i++
			return args[i], nil
		}

		switch {
		case arg == "-c":
			compileOnly = true
		case arg == "-o":
			v, err := next()
			if err != nil {
				return nil, err
			}
			c.Output = v
		case strings.HasPrefix(arg, "-o") && len(arg) > 2:
			c.Output = arg[2:]
		case arg == "-E", arg == "-S", arg == "-x", strings.HasPrefix(arg, "-x"),
			strings.HasPrefix(arg, "-M"), strings.HasPrefix(arg, "@"),
			arg == "-", arg == "-save-temps", strings.HasPrefix(arg, "-fprofile-"):
			return nil, fmt.Errorf("%w: unsupported argument %q", ErrNotCacheable, arg)
		case preprocessorValueFlags[arg]:
			v, err := next()
			if err != nil {
				return nil, err
			}
			c.PreprocessorArgs = append(c.PreprocessorArgs, arg, v)
		case isJoinedPreprocessorFlag(arg):
			c.PreprocessorArgs = append(c.PreprocessorArgs, arg)
		case compileValueFlags[arg]:
			v, err := next()
			if err != nil {
				return nil, err
			}
			c.CommonArgs = append(c.CommonArgs, arg, v)
		case strings.HasPrefix(arg, "-"):
			c.CommonArgs = append(c.CommonArgs, arg)
		default:
			if c.Input != "" {
				return nil, fmt.Errorf("%w: multiple inputs", ErrNotCacheable)
			}
			c.Input = arg
		}
	}

	if !compileOnly {
		return nil, fmt.Errorf("%w: not a -c compile", ErrNotCacheable)
	}
	if c.Input == "" {
		return nil, fmt.Errorf("%w: no input file", ErrNotCacheable)
	}
	lang, ok := sourceExts[filepath.Ext(c.Input)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown source type %q", ErrNotCacheable, c.Input)
	}
	c.Language = lang
	if c.Output == "" {
		base := filepath.Base(c.Input)
		c.Output = strings.TrimSuffix(base, filepath.Ext(base)) + ".o"
	}

	return c, nil
}

func isJoinedPreprocessorFlag(arg string) bool {
	for _, prefix := range []string{"-I", "-D", "-U"} {
		if strings.HasPrefix(arg, prefix) && len(arg) > len(prefix) {
			return true
		}
	}
	return false
}

// PreprocessCommand writes the preprocessed source to stdout.
func (c *Compilation) PreprocessCommand(env []string) Command {
	args := make([]string, 0, len(c.PreprocessorArgs)+len(c.CommonArgs)+2)
	args = append(args, c.PreprocessorArgs...)
	args = append(args, c.CommonArgs...)
	args = append(args, "-E", c.Input)
	return Command{Executable: c.Executable, Args: args, Env: env, Dir: c.Cwd}
}

// LocalCommand is the original invocation.
func (c *Compilation) LocalCommand(env []string) Command {
	return Command{Executable: c.Executable, Args: append([]string(nil), c.args[1:]...), Env: env, Dir: c.Cwd}
}

// RemoteCommand compiles already preprocessed input. executable must be the
// absolute path that the toolchain archive stores the compiler under.
func (c *Compilation) RemoteCommand(executable, input, output string) dist.CompileCommand {
	args := make([]string, 0, len(c.CommonArgs)+6)
	args = append(args, c.CommonArgs...)
	args = append(args, "-x", c.Language.preprocessedLanguage(), "-c", input, "-o", output)
	return dist.CompileCommand{
		Executable: executable,
		Arguments:  args,
		Cwd:        ".",
	}
}

// CacheArgs are the arguments that influence the object produced from the
// preprocessed source.
func (c *Compilation) CacheArgs() []string {
	out := make([]string, 0, len(c.CommonArgs)+1)
	out = append(out, string(c.Language))
	out = append(out, c.CommonArgs...)
	return out
}

// OutputPath is the absolute path of the object file.
func (c *Compilation) OutputPath() string {
	if filepath.IsAbs(c.Output) {
		return c.Output
	}
	return filepath.Join(c.Cwd, c.Output)
}

// ResolveExecutable returns the absolute, symlink-free path of the compiler,
// looking bare names up in PATH the way the shell would.
func ResolveExecutable(executable, cwd string) (string, error) {
	path := executable
	if !strings.ContainsRune(executable, filepath.Separator) {
		found, err := exec.LookPath(executable)
		if err != nil {
			return "", fmt.Errorf("failed to find compiler %q: %w", executable, err)
		}
		path = found
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(cwd, path)
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("failed to stat compiler: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve compiler: %w", err)
	}
	return resolved, nil
}
