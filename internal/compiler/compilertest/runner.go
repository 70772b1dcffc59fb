// Package compilertest provides a deterministic stand-in for a C compiler.
//
// Preprocessing emits a line marker for the source, one comment per -D flag,
// and the source text with `#include "file"` lines replaced by the file
// content. A source line starting with #error fails preprocessing. Compiling
// writes "object:" followed by the preprocessed text to the -o file, so a
// local compile and a remote compile of the preprocessed text produce the
// same bytes. A line containing "syntax error" fails compilation.
package compilertest

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cuongbtq/buildstash/internal/compiler"
	"github.com/cuongbtq/buildstash/internal/dist"
)

var valueFlags = map[string]bool{
	"-o":       true,
	"-x":       true,
	"-I":       true,
	"-D":       true,
	"-U":       true,
	"-include": true,
	"-isystem": true,
	"-iquote":  true,
	"-std":     true,
	"-target":  true,
}

// Runner implements compiler.Runner. The zero value is ready to use.
type Runner struct {
	mu         sync.Mutex
	calls      []compiler.Command
	preprocess int
	compile    int
}

// Calls returns every command run so far.
func (r *Runner) Calls() []compiler.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]compiler.Command(nil), r.calls...)
}

// Preprocessed returns how many -E invocations ran.
func (r *Runner) Preprocessed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.preprocess
}

// Compiled returns how many -c invocations ran.
func (r *Runner) Compiled() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.compile
}

type invocation struct {
	preprocessOnly bool
	compileOnly    bool
	language       string
	input          string
	output         string
	defines        []string
}

func parse(args []string) (invocation, error) {
	var inv invocation
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "-E":
			inv.preprocessOnly = true
		case arg == "-c":
			inv.compileOnly = true
		case valueFlags[arg]:
			if i+1 >= len(args) {
				return inv, fmt.Errorf("%s needs a value", arg)
			}
			i++
			switch arg {
			case "-o":
				inv.output = args[i]
			case "-x":
				inv.language = args[i]
			case "-D":
				inv.defines = append(inv.defines, args[i])
			}
		case strings.HasPrefix(arg, "-D"):
			inv.defines = append(inv.defines, arg[2:])
		case strings.HasPrefix(arg, "-o"):
			inv.output = arg[2:]
		case strings.HasPrefix(arg, "-"):
		default:
			inv.input = arg
		}
	}
	if inv.input == "" {
		return inv, fmt.Errorf("no input files")
	}
	return inv, nil
}

func (r *Runner) Run(ctx context.Context, cmd compiler.Command) (dist.ProcessOutput, error) {
	if err := ctx.Err(); err != nil {
		return dist.ProcessOutput{}, err
	}

	inv, err := parse(cmd.Args)

	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	if err == nil && inv.preprocessOnly {
		r.preprocess++
	} else if err == nil && inv.compileOnly {
		r.compile++
	}
	r.mu.Unlock()

	if err != nil {
		return failure("cc: error: %v", err), nil
	}

	switch {
	case inv.preprocessOnly:
		pp, errOut := preprocess(cmd.Dir, inv)
		if errOut != nil {
			return *errOut, nil
		}
		return dist.ProcessOutput{Stdout: pp}, nil

	case inv.compileOnly:
		var pp []byte
		if isPreprocessed(inv) {
			data, err := os.ReadFile(resolve(cmd.Dir, inv.input))
			if err != nil {
				return failure("cc: error: %s: No such file or directory", inv.input), nil
			}
			pp = data
		} else {
			var errOut *dist.ProcessOutput
			pp, errOut = preprocess(cmd.Dir, inv)
			if errOut != nil {
				return *errOut, nil
			}
		}

		if bytes.Contains(pp, []byte("syntax error")) {
			return failure("%s: error: syntax error", inv.input), nil
		}

		output := inv.output
		if output == "" {
			base := filepath.Base(inv.input)
			output = strings.TrimSuffix(base, filepath.Ext(base)) + ".o"
		}
		object := append([]byte("object:"), pp...)
		if err := os.WriteFile(resolve(cmd.Dir, output), object, 0o644); err != nil {
			return failure("cc: error: cannot write %s: %v", output, err), nil
		}
		return dist.ProcessOutput{}, nil
	}

	return failure("cc: error: expected -E or -c"), nil
}

func isPreprocessed(inv invocation) bool {
	if strings.HasSuffix(inv.language, "cpp-output") {
		return true
	}
	ext := filepath.Ext(inv.input)
	return ext == ".i" || ext == ".ii"
}

func preprocess(dir string, inv invocation) ([]byte, *dist.ProcessOutput) {
	src, err := os.ReadFile(resolve(dir, inv.input))
	if err != nil {
		out := failure("cc: error: %s: No such file or directory", inv.input)
		return nil, &out
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# 1 %q\n", inv.input)
	for _, d := range inv.defines {
		fmt.Fprintf(&buf, "/* define %s */\n", d)
	}

	scanner := bufio.NewScanner(bytes.NewReader(src))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(trimmed, "#error"):
			out := failure("%s:%d: error: %s", inv.input, lineNo, strings.TrimSpace(strings.TrimPrefix(trimmed, "#error")))
			return nil, &out

		case strings.HasPrefix(trimmed, "#include \""):
			name := strings.TrimSuffix(strings.TrimPrefix(trimmed, "#include \""), "\"")
			header, err := os.ReadFile(resolve(dir, name))
			if err != nil {
				out := failure("%s:%d: fatal error: %s: No such file or directory", inv.input, lineNo, name)
				return nil, &out
			}
			fmt.Fprintf(&buf, "# 1 %q\n", name)
			buf.Write(header)
			if len(header) > 0 && header[len(header)-1] != '\n' {
				buf.WriteByte('\n')
			}
			fmt.Fprintf(&buf, "# %d %q\n", lineNo+1, inv.input)

		default:
			buf.WriteString(line)
			buf.WriteByte('\n')
		}
	}

	return buf.Bytes(), nil
}

func resolve(dir, name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}

func failure(format string, args ...any) dist.ProcessOutput {
	return dist.ProcessOutput{Code: 1, Stderr: []byte(fmt.Sprintf(format, args...) + "\n")}
}
