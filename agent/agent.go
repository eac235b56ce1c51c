package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/guseggert/cgikernel/agent/process"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Agent is an HTTP agent that runs interpreter processes on behalf of a remote kernel.
// The agent does no authentication, so it listens on loopback by default and only runs
// the commands it has been told to allow.
type Agent struct {
	logger *zap.SugaredLogger

	listenAddr      string
	allowedCommands map[string]bool

	httpServer    *http.Server
	processServer *process.Server

	startedMut sync.Mutex
	started    chan struct{}
	addr       net.Addr
}

type Option func(a *Agent)

func WithListenAddr(s string) Option {
	return func(a *Agent) {
		a.listenAddr = s
	}
}

// WithAllowedCommands restricts the commands the agent will start.
func WithAllowedCommands(cmds ...string) Option {
	return func(a *Agent) {
		for _, c := range cmds {
			a.allowedCommands[c] = true
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = l.Named("agent").Sugar()
		a.processServer.Log = l.Named("process_server").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *Agent) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
		a.processServer.Log = a.processServer.Log.WithOptions(zap.IncreaseLevel(l))
	}
}

// NewAgent constructs a new agent.
func NewAgent(opts ...Option) (*Agent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	a := &Agent{
		logger:          logger.Named("agent").Sugar(),
		processServer:   &process.Server{Log: logger.Named("process_server").Sugar()},
		listenAddr:      "127.0.0.1:8081",
		allowedCommands: map[string]bool{},
		started:         make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if len(a.allowedCommands) == 0 {
		return nil, errors.New("at least one allowed command is required")
	}
	a.processServer.Allow = a.commandAllowed
	return a, nil
}

// Handler returns the agent's routes.
func (a *Agent) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", a.heartbeat)
	router.GET("/run", a.runWS)
	router.POST("/run", a.run)
	return router
}

// Run runs the agent and returns once it has stopped.
func (a *Agent) Run() error {
	listener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		close(a.started)
		return fmt.Errorf("listening TCP: %w", err)
	}

	server := &http.Server{Handler: a.Handler()}
	a.startedMut.Lock()
	a.httpServer = server
	a.addr = listener.Addr()
	close(a.started)
	a.startedMut.Unlock()
	a.logger.Infow("agent listening", "Addr", a.addr.String())

	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr blocks until the agent is listening and returns its address.
func (a *Agent) Addr() net.Addr {
	<-a.started
	return a.addr
}

func (a *Agent) Stop() error {
	<-a.started
	a.startedMut.Lock()
	defer a.startedMut.Unlock()
	if a.httpServer == nil {
		return nil
	}
	return a.httpServer.Close()
}

func (a *Agent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	response := struct {
		Time string
	}{
		Time: time.Now().UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(response)
	if err != nil {
		a.logger.Debugf("error marshaling heartbeat response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

func (a *Agent) commandAllowed(cmd string) bool {
	return a.allowedCommands[cmd]
}

func (a *Agent) runWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.processServer.ServeHTTP(w, r)
}

type PostRunRequest struct {
	Command    string
	Args       []string
	Stdin      string
	Env        []string
	WorkingDir string
}

type PostRunResponse struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// run is a simple command runner which takes a stdin buffer and sends all of stdout and stderr in the response.
// This is much easier to curl against when debugging a bootstrap, but doesn't support streaming.
func (a *Agent) run(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req PostRunRequest
	dec := json.NewDecoder(r.Body)
	err := dec.Decode(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Command == "" {
		http.Error(w, "request contained no command", http.StatusBadRequest)
		return
	}
	if !a.commandAllowed(req.Command) {
		http.Error(w, fmt.Sprintf("command %q is not allowed", req.Command), http.StatusForbidden)
		return
	}

	cmd := exec.Command(req.Command, req.Args...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	cmd.Env = append(os.Environ(), req.Env...)
	stderr := &bytes.Buffer{}
	stdout := &bytes.Buffer{}
	cmd.Stderr = stderr
	cmd.Stdout = stdout

	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	err = cmd.Start()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// If the request is aborted, kill the process.
	// In the normal case, this is a no-op as the process will already be finished when the context is done.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-r.Context().Done():
			cmd.Process.Kill()
		case <-done:
		}
	}()

	cmd.Wait()

	resp := PostRunResponse{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	b, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(b)
}
