package process

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const readLimit = 32768

// Server runs one process per WebSocket connection.
type Server struct {
	Log *zap.SugaredLogger
	// Allow, if set, is consulted before starting a command.
	Allow func(command string) bool
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.Log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	wsConn.SetReadLimit(readLimit)
	s.Log.Debug("accepted WebSocket conn")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	runner := &serverProcRunner{
		log:    s.Log.Named("server_runner"),
		conn:   wsConn,
		ctx:    ctx,
		cancel: cancel,
		allow:  s.Allow,
	}
	runner.run()
}

type serverProcRunner struct {
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()
	allow  func(string) bool

	cmd    *exec.Cmd
	stdin  *io.PipeWriter
	stdinR *io.PipeReader

	wg sync.WaitGroup

	closeConnOnce sync.Once
}

func (r *serverProcRunner) shutdown() {
	if r.cmd != nil && r.cmd.Process != nil {
		r.cmd.Process.Kill()
	}
	r.cancel()
}

func (r *serverProcRunner) run() {
	startTime, err := r.readFirstMessageAndStart()
	if err != nil {
		r.log.Debugf("error starting process: %s", err)
		// the client learns about start failures through the result, not the close reason
		werr := wsjson.Write(r.ctx, r.conn, procResponseMessage{
			Result: procResult{Exited: true, ExitCode: -1, Err: err.Error()},
		})
		if werr != nil {
			r.log.Debugf("error sending start failure: %s", werr)
		}
		r.close(websocket.StatusNormalClosure, "")
		r.shutdown()
		return
	}
	r.log.Debugw("process started", "PID", r.cmd.Process.Pid)

	r.wg.Add(2)
	go r.readMessages()
	go r.waitAndWriteResult(startTime)

	r.wg.Wait()
}

func (r *serverProcRunner) close(code websocket.StatusCode, reason string) {
	// websocket reason can't be above 123 chars
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	r.closeConnOnce.Do(func() {
		err := r.conn.Close(code, reason)
		if err != nil {
			r.log.Debugf("error closing conn: %s", err)
		}
	})
}

// readMessages feeds stdin to the process until the client closes the connection.
func (r *serverProcRunner) readMessages() {
	defer r.wg.Done()
	defer r.shutdown()

	closedStdin := false
	closeStdin := func(err error) {
		if !closedStdin {
			r.stdin.CloseWithError(err)
			closedStdin = true
		}
	}

	for {
		var msg procRequestMessage
		err := wsjson.Read(r.ctx, r.conn, &msg)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			r.log.Debug("got normal closure from client, wrapping up")
			closeStdin(nil)
			return
		}
		if err != nil {
			r.log.Debugf("message reader got error: %s", err)
			closeStdin(err)
			r.close(websocket.StatusInternalError, err.Error())
			return
		}
		if len(msg.Stdin.B) > 0 && !closedStdin {
			_, err := r.stdin.Write(msg.Stdin.B)
			if err != nil {
				r.log.Debugf("stdin write error: %s", err)
				closeStdin(err)
			}
		}
		if msg.Stdin.Done {
			closeStdin(nil)
		}
	}
}

func (r *serverProcRunner) waitAndWriteResult(startTime time.Time) {
	defer r.wg.Done()

	err := r.cmd.Wait()
	timeMS := time.Since(startTime).Milliseconds()
	// unblock stdin writes the process will never read
	r.stdinR.Close()

	exitCode := r.cmd.ProcessState.ExitCode()
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			r.log.Debugf("unexpected exit error: %s", err)
		}
	}

	r.log.Debugf("process %d exited with code %d, sending message", r.cmd.Process.Pid, exitCode)
	err = wsjson.Write(r.ctx, r.conn, procResponseMessage{
		Result: procResult{
			Exited:   true,
			ExitCode: exitCode,
			TimeMS:   timeMS,
		},
	})
	if err != nil {
		r.log.Debugf("error sending exit code: %s", err)
		r.close(websocket.StatusInternalError, err.Error())
	}
}

func (r *serverProcRunner) readFirstMessageAndStart() (time.Time, error) {
	var msg procRequestMessage
	err := wsjson.Read(r.ctx, r.conn, &msg)
	if err != nil {
		return time.Time{}, fmt.Errorf("reading first message: %w", err)
	}
	if msg.Req == nil || msg.Req.Command == "" {
		return time.Time{}, fmt.Errorf("first message contained no command")
	}
	req := msg.Req
	if r.allow != nil && !r.allow(req.Command) {
		return time.Time{}, fmt.Errorf("command %q is not allowed", req.Command)
	}
	r.log.Debugw("got first message", "Command", req.Command, "Args", req.Args, "WD", req.WD)

	cmd := exec.Command(req.Command, req.Args...)
	cmd.Dir = req.WD
	cmd.Env = append(os.Environ(), req.Env...)
	// don't let a process that never drained stdin hold Wait open
	cmd.WaitDelay = time.Second

	cmd.Stderr = &wsJSONWriter{
		log:  r.log.Named("stderr_writer"),
		ctx:  r.ctx,
		conn: r.conn,
		writeMsg: func(b []byte) any {
			return procResponseMessage{Stderr: fdPayload{B: b}}
		},
	}
	cmd.Stdout = &wsJSONWriter{
		log:  r.log.Named("stdout_writer"),
		ctx:  r.ctx,
		conn: r.conn,
		writeMsg: func(b []byte) any {
			return procResponseMessage{Stdout: fdPayload{B: b}}
		},
	}

	stdinR, stdinW := io.Pipe()
	cmd.Stdin = stdinR
	r.stdin = stdinW
	r.stdinR = stdinR

	r.cmd = cmd

	err = cmd.Start()
	if err != nil {
		stdinW.Close()
		return time.Time{}, err
	}
	return time.Now(), nil
}
