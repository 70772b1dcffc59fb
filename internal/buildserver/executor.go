package buildserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuongbtq/buildstash/internal/compiler"
	"github.com/cuongbtq/buildstash/internal/dist"
)

// BuildRequest is everything needed to run one job.
type BuildRequest struct {
	JobID     dist.JobID
	Toolchain dist.Toolchain
	Command   dist.CompileCommand
	Outputs   []string
	Inputs    io.Reader
}

// Builder runs builds. An error means the build could not be carried out at
// all; a compiler that ran and exited non-zero is a successful Build.
type Builder interface {
	Build(ctx context.Context, req BuildRequest) (dist.RunJobResult, error)
}

// ToolchainRoots resolves an installed toolchain to its directory.
type ToolchainRoots interface {
	Root(tc dist.Toolchain) (string, error)
}

// ExecutorConfig holds executor configuration
type ExecutorConfig struct {
	Logger        *slog.Logger
	Toolchains    ToolchainRoots
	Runner        compiler.Runner
	WorkDir       string
	HostToolchain bool // run the compiler from the host instead of the toolchain root
	Timeout       time.Duration
}

// Executor runs a compile command in a scratch directory.
type Executor struct {
	logger        *slog.Logger
	toolchains    ToolchainRoots
	runner        compiler.Runner
	workDir       string
	hostToolchain bool
	timeout       time.Duration
}

func NewExecutor(cfg *ExecutorConfig) (*Executor, error) {
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create build dir: %w", err)
	}
	runner := cfg.Runner
	if runner == nil {
		runner = compiler.ExecRunner{}
	}
	return &Executor{
		logger:        cfg.Logger,
		toolchains:    cfg.Toolchains,
		runner:        runner,
		workDir:       cfg.WorkDir,
		hostToolchain: cfg.HostToolchain,
		timeout:       cfg.Timeout,
	}, nil
}

func (e *Executor) Build(ctx context.Context, req BuildRequest) (dist.RunJobResult, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	executable, err := e.resolveExecutable(req)
	if err != nil {
		return dist.RunJobResult{}, err
	}

	dir, err := os.MkdirTemp(e.workDir, "job-")
	if err != nil {
		return dist.RunJobResult{}, fmt.Errorf("failed to create job dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if _, err := dist.ExtractInputs(req.Inputs, dir); err != nil {
		return dist.RunJobResult{}, fmt.Errorf("failed to materialise inputs: %w", err)
	}

	cwd, err := within(dir, req.Command.Cwd)
	if err != nil {
		return dist.RunJobResult{}, err
	}
	if err := os.MkdirAll(cwd, 0o755); err != nil {
		return dist.RunJobResult{}, fmt.Errorf("failed to create working dir: %w", err)
	}

	start := time.Now()
	output, err := e.runner.Run(ctx, compiler.Command{
		Executable: executable,
		Args:       req.Command.Arguments,
		Env:        req.Command.Env,
		Dir:        cwd,
	})
	if err != nil {
		return dist.RunJobResult{}, fmt.Errorf("failed to run compiler: %w", err)
	}

	e.logger.Debug("Compiler finished",
		slog.String("job_id", string(req.JobID)),
		slog.Int("exit_code", output.Code),
		slog.Duration("duration", time.Since(start)),
	)

	result := dist.RunJobResult{
		Status: dist.RunJobComplete,
		Output: output,
	}
	for _, name := range req.Outputs {
		path, err := within(cwd, name)
		if err != nil {
			return dist.RunJobResult{}, err
		}
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			// A failed compile legitimately produces nothing.
			continue
		}
		if err != nil {
			return dist.RunJobResult{}, fmt.Errorf("failed to read output %s: %w", name, err)
		}
		result.Outputs = append(result.Outputs, dist.OutputData{Name: name, Data: data})
	}

	return result, nil
}

func (e *Executor) resolveExecutable(req BuildRequest) (string, error) {
	if e.hostToolchain {
		return req.Command.Executable, nil
	}
	if !filepath.IsAbs(req.Command.Executable) {
		return "", fmt.Errorf("%w: executable %q is not absolute", dist.ErrProtocolViolation, req.Command.Executable)
	}
	root, err := e.toolchains.Root(req.Toolchain)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, req.Command.Executable), nil
}

// within joins name onto dir and rejects names that escape it.
func within(dir, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: absolute path %q", dist.ErrProtocolViolation, name)
	}
	path := filepath.Join(dir, name)
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q escapes build dir", dist.ErrProtocolViolation, name)
	}
	return path, nil
}
