package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/cuongbtq/buildstash/internal/api/dto"
	"github.com/cuongbtq/buildstash/internal/compiler"
	"github.com/cuongbtq/buildstash/internal/dist"
)

// Daemon compiles on behalf of the wrapper.
type Daemon interface {
	Compile(ctx context.Context, req dto.CompileRequest) (dto.CompileResponse, error)
}

// wrapper forwards one compiler invocation to the daemon, or runs it directly
// when no daemon is listening.
type wrapper struct {
	logger *slog.Logger
	daemon Daemon
	runner compiler.Runner
	stdout io.Writer
	stderr io.Writer
}

// Run returns the exit code to finish with.
func (w *wrapper) Run(ctx context.Context, args []string, cwd string, env []string) (int, error) {
	res, err := w.daemon.Compile(ctx, dto.CompileRequest{Args: args, Cwd: cwd, Env: env})
	if err == nil {
		return w.emit(dist.ProcessOutput{Code: res.Code, Stdout: res.Stdout, Stderr: res.Stderr})
	}
	if !errors.Is(err, dist.ErrUnreachable) {
		return 1, fmt.Errorf("daemon failed to compile: %w", err)
	}

	w.logger.Warn("Daemon unreachable, compiling locally",
		slog.String("compiler", args[0]),
		slog.String("error", err.Error()),
	)

	out, err := w.runner.Run(ctx, compiler.Command{
		Executable: args[0],
		Args:       args[1:],
		Env:        env,
		Dir:        cwd,
	})
	if err != nil {
		return 1, err
	}
	return w.emit(out)
}

func (w *wrapper) emit(out dist.ProcessOutput) (int, error) {
	if _, err := w.stdout.Write(out.Stdout); err != nil {
		return 1, err
	}
	if _, err := w.stderr.Write(out.Stderr); err != nil {
		return 1, err
	}
	return out.Code, nil
}
