package runner

import "fmt"

// ProcessExecutionError is returned when the child process could not run or exited with a failure status.
// Stdout and Stderr hold whatever was captured, for diagnostics.
type ProcessExecutionError struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Err      error
}

func (e *ProcessExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("process execution failed: %s", e.Err)
	}
	return fmt.Sprintf("process exited with code %d: %s", e.ExitCode, truncate(e.Stderr, 200))
}

func (e *ProcessExecutionError) Unwrap() error { return e.Err }

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
