package process

// fdPayload carries a chunk of a stream. Done marks the end of the stream.
type fdPayload struct {
	B    []byte
	Done bool
}

// procReq is the process description, sent in the first request message only.
type procReq struct {
	Command string
	Args    []string
	Env     []string
	WD      string
}

// procRequestMessage is a request message.
// Only the first message needs to contain Req.
// Subsequent messages contain only stdin bytes, for streaming stdin.
type procRequestMessage struct {
	Req   *procReq
	Stdin fdPayload
}

type procResult struct {
	// Exited is true if the process exited. ExitCode and TimeMS must be provided in that case.
	Exited   bool
	ExitCode int
	TimeMS   int64
	// Err is set when the process could not be started.
	Err string
}

// procResponseMessage is a command response message.
// Only the last message of the stream will contain process exit information.
// Messages before the last may contain stdout or stderr bytes.
type procResponseMessage struct {
	Stdout fdPayload
	Stderr fdPayload
	Result procResult
}
