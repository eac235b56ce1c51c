package cgi

import "fmt"

// MalformedHeaderError is returned when a header line cannot be parsed,
// either because it has no name or because the Status pseudo-header is not numeric.
type MalformedHeaderError struct {
	Line   string
	Reason string
	Err    error
}

func (e *MalformedHeaderError) Error() string {
	return fmt.Sprintf("unable to parse header line %q, %s", e.Line, e.Reason)
}

func (e *MalformedHeaderError) Unwrap() error { return e.Err }

// MalformedOutputError is returned when process output has no blank line separating headers from the body.
type MalformedOutputError struct {
	Output []byte
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("process output has no header/body separator (%d bytes)", len(e.Output))
}
