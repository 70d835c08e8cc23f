package convert

import (
	"context"
	"io"
	"os/exec"
	"time"
)

// CommandSpec describes one process to start.
type CommandSpec struct {
	Name   string
	Args   []string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Process is a started command.
type Process interface {
	// Wait blocks until the process exits. A non-zero exit is reported as an
	// error implementing ExitCode() int.
	Wait() error
}

// Runner starts processes. The process must stop when ctx is done.
type Runner interface {
	Start(ctx context.Context, spec CommandSpec) (Process, error)
}

// ExecRunner starts real OS processes.
type ExecRunner struct {
	// WaitDelay bounds how long Wait keeps copying I/O after the process
	// exits. Zero means one second.
	WaitDelay time.Duration
}

// Start implements Runner.
func (r ExecRunner) Start(ctx context.Context, spec CommandSpec) (Process, error) {
	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...)
	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr

	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = time.Second
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}
