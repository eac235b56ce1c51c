package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
)

const DefaultInterpreter = "php-cgi"

// Request describes a child process to start.
type Request struct {
	Command string
	Args    []string
	// Env is appended to the environment inherited from the parent.
	Env []string
	WD  string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Exit is the outcome of a finished process.
type Exit struct {
	Code   int
	TimeMS int64
}

// Process is a started child process.
type Process interface {
	// Wait blocks until the process exits or ctx is done.
	Wait(ctx context.Context) (*Exit, error)
}

// Runner starts isolated child processes. Implementations must kill the child when ctx is canceled.
type Runner interface {
	StartProc(ctx context.Context, req Request) (Process, error)
}

// Result is the captured outcome of a process run by Run.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	TimeMS   int64
}

// Run starts the process, waits for it, and returns its captured output.
// A process that cannot be started or that exits non-zero yields a *ProcessExecutionError.
// Any Stdout/Stderr writers on req are replaced.
func Run(ctx context.Context, r Runner, req Request) (*Result, error) {
	var stdout, stderr bytes.Buffer
	req.Stdout = &stdout
	req.Stderr = &stderr

	proc, err := r.StartProc(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("starting %s: %w", req.Command, ctx.Err())
		}
		return nil, &ProcessExecutionError{ExitCode: -1, Err: err}
	}

	exit, err := proc.Wait(ctx)
	if ctx.Err() != nil {
		return nil, fmt.Errorf("waiting for %s: %w", req.Command, ctx.Err())
	}
	if err != nil {
		return nil, &ProcessExecutionError{ExitCode: -1, Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), Err: err}
	}
	if exit.Code != 0 {
		return nil, &ProcessExecutionError{ExitCode: exit.Code, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	}
	return &Result{
		ExitCode: exit.Code,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		TimeMS:   exit.TimeMS,
	}, nil
}

// TempDirEnv returns the variables that point the child's temp files at dir.
func TempDirEnv(dir string) []string {
	return []string{
		"TMPDIR=" + dir,
		"TEMP=" + dir,
		"TMP=" + dir,
	}
}
