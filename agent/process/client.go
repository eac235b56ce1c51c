package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/guseggert/cgikernel/runner"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Client starts processes on a remote Server. It implements runner.Runner.
type Client struct {
	HTTPClient *http.Client
	URL        string
	Logger     *zap.SugaredLogger
}

type Process struct {
	runner *clientProcRunner
}

func (p *Process) Wait(ctx context.Context) (*runner.Exit, error) {
	return p.runner.wait(ctx)
}

func (c *Client) StartProc(ctx context.Context, req runner.Request) (runner.Process, error) {
	c.Logger.Debugw("dialing WebSocket for run", "URL", c.URL)
	wsConn, _, err := websocket.Dial(ctx, c.URL, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		c.Logger.Debugf("dial error: %s", err)
		return nil, fmt.Errorf("establishing WebSocket conn to run: %w", err)
	}
	wsConn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(ctx)
	r := &clientProcRunner{
		conn:   wsConn,
		log:    c.Logger.Named("command_runner"),
		ctx:    ctx,
		cancel: cancel,
		req:    req,

		stdout: io.Discard,
		stderr: io.Discard,

		resultCh: make(chan cmdResult, 1),
	}
	if req.Stdout != nil {
		r.stdout = req.Stdout
	}
	if req.Stderr != nil {
		r.stderr = req.Stderr
	}

	err = r.run()
	if err != nil {
		return nil, err
	}
	return &Process{runner: r}, nil
}

type clientProcRunner struct {
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()
	req    runner.Request

	stderr io.Writer
	stdout io.Writer

	resultCh chan cmdResult

	wg sync.WaitGroup

	closeConnOnce sync.Once
}

type cmdResult struct {
	code   int
	timeMS int64
	err    error
}

func (r *clientProcRunner) run() error {
	err := wsjson.Write(r.ctx, r.conn, procRequestMessage{
		Req: &procReq{
			Command: r.req.Command,
			Args:    r.req.Args,
			Env:     r.req.Env,
			WD:      r.req.WD,
		},
	})
	if err != nil {
		r.close(websocket.StatusInternalError, err.Error())
		r.cancel()
		return fmt.Errorf("writing first message: %w", err)
	}

	r.wg.Add(2)
	go r.writeStdin()
	go r.readMessages()
	go func() {
		r.wg.Wait()
		r.cancel()
	}()
	return nil
}

func (r *clientProcRunner) wait(ctx context.Context) (*runner.Exit, error) {
	select {
	case res := <-r.resultCh:
		r.log.Debugf("got exit code %d with err: %v", res.code, res.err)
		if res.err != nil {
			return nil, res.err
		}
		return &runner.Exit{Code: res.code, TimeMS: res.timeMS}, nil
	case <-ctx.Done():
		err := ctx.Err()
		r.log.Debugf("wait context done: %s", err)
		// dropping the connection kills the remote process
		r.close(websocket.StatusGoingAway, "canceled")
		r.cancel()
		return nil, err
	}
}

func (r *clientProcRunner) close(code websocket.StatusCode, reason string) {
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

// readMessages copies remote stdout/stderr to the request writers until the exit result arrives.
func (r *clientProcRunner) readMessages() {
	defer r.wg.Done()

	for {
		var msg procResponseMessage
		err := wsjson.Read(r.ctx, r.conn, &msg)
		if websocket.CloseStatus(err) != -1 {
			r.resultCh <- cmdResult{code: -1, err: fmt.Errorf("conn unexpectedly closed: %w", err)}
			return
		}
		if err != nil {
			r.log.Debugf("message reader got error: %s", err)
			r.resultCh <- cmdResult{code: -1, err: err}
			r.close(websocket.StatusInternalError, err.Error())
			return
		}
		if len(msg.Stderr.B) > 0 {
			if _, err := r.stderr.Write(msg.Stderr.B); err != nil {
				r.log.Debugf("stderr write error: %s", err)
			}
		}
		if len(msg.Stdout.B) > 0 {
			if _, err := r.stdout.Write(msg.Stdout.B); err != nil {
				r.log.Debugf("stdout write error: %s", err)
			}
		}
		if msg.Result.Exited {
			res := cmdResult{code: msg.Result.ExitCode, timeMS: msg.Result.TimeMS}
			if msg.Result.Err != "" {
				res.err = errors.New(msg.Result.Err)
			}
			r.resultCh <- res
			r.close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

func (r *clientProcRunner) writeStdin() {
	defer r.wg.Done()

	writer := &wsJSONWriter{
		log:  r.log.Named("stdin_writer"),
		ctx:  r.ctx,
		conn: r.conn,
		writeMsg: func(b []byte) any {
			return procRequestMessage{Stdin: fdPayload{B: b}}
		},
		closeMsg: func() any {
			return procRequestMessage{Stdin: fdPayload{Done: true}}
		},
	}
	defer writer.Close()
	if r.req.Stdin == nil {
		return
	}
	_, err := io.Copy(writer, r.req.Stdin)
	r.log.Debugw("done copying stdin", "Error", err)
}
