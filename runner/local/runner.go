package local

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/guseggert/cgikernel/runner"
	"go.uber.org/zap"
)

// Runner runs processes directly on the underlying host.
// Each process gets its own OS process, so nothing is shared with the caller besides the filesystem.
type Runner struct {
	Log *zap.SugaredLogger
}

func NewRunner(log *zap.SugaredLogger) *Runner {
	return &Runner{Log: log.Named("local_runner")}
}

type result struct {
	code   int
	timeMS int64
	err    error
}

type proc struct {
	wait func(context.Context) (*runner.Exit, error)
}

func (p *proc) Wait(ctx context.Context) (*runner.Exit, error) { return p.wait(ctx) }

func (r *Runner) StartProc(ctx context.Context, req runner.Request) (runner.Process, error) {
	cmd := exec.Command(req.Command, req.Args...)
	cmd.Env = append(os.Environ(), req.Env...)
	cmd.Stdin = req.Stdin
	cmd.Stdout = req.Stdout
	cmd.Stderr = req.Stderr
	cmd.Dir = req.WD
	// children that inherit stdout must not keep Wait open after a kill
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Start()
	if err != nil {
		return nil, fmt.Errorf("running command: %w", err)
	}
	r.Log.Debugw("process started", "Command", req.Command, "PID", cmd.Process.Pid, "WD", req.WD)

	// wait on the process to finish and send the result
	resultChan := make(chan result, 1)
	procExitedChan := make(chan struct{})
	go func() {
		exitCode := 0
		var resultErr error

		err := cmd.Wait()
		timeMS := time.Since(start).Milliseconds()
		close(procExitedChan)
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				resultErr = err
				exitCode = -1
			}
		}
		r.Log.Debugw("process exited", "PID", cmd.Process.Pid, "ExitCode", exitCode, "TimeMS", timeMS)
		resultChan <- result{code: exitCode, timeMS: timeMS, err: resultErr}
	}()

	// kill the process if the context is canceled
	go func() {
		select {
		case <-ctx.Done():
			r.Log.Debugf("context done, killing process %d: %s", cmd.Process.Pid, ctx.Err())
			cmd.Process.Kill()
		case <-procExitedChan:
		}
	}()

	return &proc{
		wait: func(ctx context.Context) (*runner.Exit, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case res := <-resultChan:
				return &runner.Exit{Code: res.code, TimeMS: res.timeMS}, res.err
			}
		},
	}, nil
}
