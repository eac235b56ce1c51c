package cgi

import "bytes"

var headerBodySep = []byte("\r\n\r\n")

// SplitOutput splits raw CGI process output at the first blank line into the header block and the body.
func SplitOutput(out []byte) (string, []byte, error) {
	headers, body, ok := bytes.Cut(out, headerBodySep)
	if !ok {
		return "", nil, &MalformedOutputError{Output: out}
	}
	return string(headers), body, nil
}
