package kernel

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/cgikernel/cgi"
	"github.com/guseggert/cgikernel/message"
	"github.com/guseggert/cgikernel/runner"
	"github.com/guseggert/cgikernel/runner/local"
	"github.com/guseggert/cgikernel/script"
	"go.uber.org/zap"
)

const (
	DefaultTimeout = 30 * time.Second

	// RequestIDHeader carries the ID used to correlate a response with the kernel's logs.
	RequestIDHeader = "X-Request-Id"
)

var defaultLogger *zap.SugaredLogger

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("error constructing default logger: %s", err))
	}
	defaultLogger = logger.Sugar()
}

// Kernel handles requests by running them through an interpreter in a separate process
// and rebuilding a response from the CGI output it prints.
// A Kernel holds no per-request state and is safe for concurrent use.
type Kernel struct {
	log      *zap.SugaredLogger
	runner   runner.Runner
	renderer *script.Renderer

	interpreter     string
	interpreterArgs []string
	rootDir         string
	tempDir         string
	env             []string
	timeout         time.Duration

	scriptTemplate string
	entryPoint     string
}

type Option func(k *Kernel)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(k *Kernel) {
		k.log = l
	}
}

// WithRunner sets where interpreter processes run. Defaults to the local host.
func WithRunner(r runner.Runner) Option {
	return func(k *Kernel) {
		k.runner = r
	}
}

// WithInterpreter sets the interpreter binary the script is piped to. Defaults to php-cgi.
func WithInterpreter(bin string, args ...string) Option {
	return func(k *Kernel) {
		k.interpreter = bin
		k.interpreterArgs = args
	}
}

// WithRootDir sets the working directory of the interpreter.
func WithRootDir(dir string) Option {
	return func(k *Kernel) {
		k.rootDir = dir
	}
}

// WithTempDir sets the temp directory exposed to the interpreter and used for upload spooling.
func WithTempDir(dir string) Option {
	return func(k *Kernel) {
		k.tempDir = dir
	}
}

// WithEnv adds KEY=VALUE variables to the interpreter environment.
func WithEnv(env ...string) Option {
	return func(k *Kernel) {
		k.env = append(k.env, env...)
	}
}

// WithTimeout bounds each request. Zero disables the kernel's own timeout.
func WithTimeout(d time.Duration) Option {
	return func(k *Kernel) {
		k.timeout = d
	}
}

// WithScriptTemplate replaces script.DefaultTemplate.
func WithScriptTemplate(tmpl string) Option {
	return func(k *Kernel) {
		k.scriptTemplate = tmpl
	}
}

// WithEntryPoint sets the SCRIPT_NAME reported to the target system.
func WithEntryPoint(path string) Option {
	return func(k *Kernel) {
		k.entryPoint = path
	}
}

// New builds a kernel. autoload and bootstrap are embedded in every script as-is.
func New(autoload, bootstrap string, opts ...Option) (*Kernel, error) {
	k := &Kernel{
		log:         defaultLogger,
		interpreter: runner.DefaultInterpreter,
		rootDir:     ".",
		tempDir:     os.TempDir(),
		timeout:     DefaultTimeout,
		entryPoint:  script.DefaultEntryPoint,
	}
	for _, o := range opts {
		o(k)
	}
	k.log = k.log.Named("kernel")
	if k.runner == nil {
		k.runner = local.NewRunner(k.log)
	}

	rootDir, err := filepath.Abs(k.rootDir)
	if err != nil {
		return nil, fmt.Errorf("resolving root dir: %w", err)
	}
	k.rootDir = rootDir

	renderer, err := script.NewRenderer(k.scriptTemplate, autoload, bootstrap)
	if err != nil {
		return nil, err
	}
	renderer.EntryPoint = k.entryPoint
	k.renderer = renderer
	return k, nil
}

// Handle runs req in a fresh interpreter process and returns the parsed response.
// req is not modified. Either a complete response or an error is returned, never both.
func (k *Kernel) Handle(ctx context.Context, req *message.Request) (*message.Response, error) {
	return k.handle(ctx, req, uuid.NewString())
}

func (k *Kernel) handle(ctx context.Context, req *message.Request, requestID string) (*message.Response, error) {
	log := k.log.With("RequestID", requestID)
	if k.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.timeout)
		defer cancel()
	}

	s, err := k.renderer.Render(k.renderer.Normalize(req))
	if err != nil {
		return nil, fmt.Errorf("rendering script: %w", err)
	}
	log.Debugw("rendered script", "Method", req.Method, "Path", req.Path, "Bytes", len(s))

	env := append(runner.TempDirEnv(k.tempDir), k.env...)
	res, err := runner.Run(ctx, k.runner, runner.Request{
		Command: k.interpreter,
		Args:    k.interpreterArgs,
		Env:     env,
		WD:      k.rootDir,
		Stdin:   bytes.NewReader(s),
	})
	if err != nil {
		log.Debugw("interpreter failed", "Error", err)
		return nil, err
	}
	if len(res.Stderr) > 0 {
		log.Debugw("interpreter wrote to stderr", "Stderr", string(res.Stderr))
	}

	resp, err := Assemble(res.Stdout)
	if err != nil {
		log.Debugw("unable to parse interpreter output", "Error", err)
		return nil, err
	}
	log.Infow("handled request", "Method", req.Method, "Path", req.Path, "Status", resp.StatusCode, "TimeMS", res.TimeMS)
	return resp, nil
}

// Assemble builds a response from raw CGI output: a header block, a blank line, then the body.
func Assemble(out []byte) (*message.Response, error) {
	block, body, err := cgi.SplitOutput(out)
	if err != nil {
		return nil, err
	}
	headers, err := cgi.ParseHeaders(block)
	if err != nil {
		return nil, err
	}
	status, err := cgi.StatusCode(headers)
	if err != nil {
		return nil, err
	}

	flat := headers.Flatten()
	delete(flat, cgi.HeaderCookie)
	delete(flat, cgi.HeaderStatus)

	var order []string
	for _, name := range headers.Names() {
		if _, ok := flat[name]; ok {
			order = append(order, name)
		}
	}

	return &message.Response{
		StatusCode:  status,
		Header:      flat,
		HeaderOrder: order,
		Body:        body,
		Cookies:     headers.Cookies(),
	}, nil
}
