package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/cuongbtq/buildstash/internal/dist"
)

// Runner runs a command to completion. A non-zero exit is reported in the
// output, not as an error; errors mean the process could not be run at all.
type Runner interface {
	Run(ctx context.Context, cmd Command) (dist.ProcessOutput, error)
}

// ExecRunner runs commands as child processes.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, c Command) (dist.ProcessOutput, error) {
	cmd := exec.CommandContext(ctx, c.Executable, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = c.Env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || ctx.Err() != nil {
			return dist.ProcessOutput{}, fmt.Errorf("failed to run %s: %w", c.Executable, err)
		}
	}

	return dist.ProcessOutput{
		Code:   cmd.ProcessState.ExitCode(),
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
	}, nil
}
