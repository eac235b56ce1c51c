package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/guseggert/cgikernel/agent"
	"github.com/guseggert/cgikernel/cgi"
	"github.com/guseggert/cgikernel/kernel"
	"github.com/guseggert/cgikernel/message"
	"github.com/guseggert/cgikernel/runner"
	"github.com/guseggert/cgikernel/runner/docker"
	"github.com/guseggert/cgikernel/script"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func main() {
	app := &cli.App{
		Name:  "cgikernel",
		Usage: "serve HTTP requests by running each one through a CGI interpreter process",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "One of [debug,info,warn,error].",
				Value:   "info",
				EnvVars: []string{"CGIKERNEL_LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run an HTTP server that hands every request to the interpreter",
				Flags:  append(kernelFlags(), serveFlags()...),
				Action: serve,
			},
			{
				Name:   "run",
				Usage:  "handle a single request described by flags and print the response",
				Flags:  append(kernelFlags(), requestFlags()...),
				Action: runOnce,
			},
			{
				Name:   "agent",
				Usage:  "run an agent that starts interpreter processes for a remote kernel",
				Flags:  agentFlags(),
				Action: runAgent,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func kernelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "bootstrap",
			Usage:    "Path of the bootstrap entry that dispatches the request.",
			Required: true,
			EnvVars:  []string{"CGIKERNEL_BOOTSTRAP"},
		},
		&cli.StringFlag{
			Name:     "autoload",
			Usage:    "Path of the autoloader required before the bootstrap.",
			Required: true,
			EnvVars:  []string{"CGIKERNEL_AUTOLOAD"},
		},
		&cli.StringFlag{
			Name:    "interpreter",
			Usage:   "The interpreter binary the rendered script is piped to.",
			Value:   runner.DefaultInterpreter,
			EnvVars: []string{"CGIKERNEL_INTERPRETER"},
		},
		&cli.StringFlag{
			Name:    "root-dir",
			Usage:   "Working directory of the interpreter.",
			Value:   ".",
			EnvVars: []string{"CGIKERNEL_ROOT_DIR"},
		},
		&cli.StringFlag{
			Name:    "temp-dir",
			Usage:   "Temp directory for the interpreter and for spooled uploads.",
			Value:   os.TempDir(),
			EnvVars: []string{"CGIKERNEL_TEMP_DIR"},
		},
		&cli.StringFlag{
			Name:    "entry-point",
			Usage:   "The SCRIPT_NAME reported to the application.",
			Value:   script.DefaultEntryPoint,
			EnvVars: []string{"CGIKERNEL_ENTRY_POINT"},
		},
		&cli.DurationFlag{
			Name:    "timeout",
			Usage:   "Maximum duration of a request, 0 for none.",
			Value:   kernel.DefaultTimeout,
			EnvVars: []string{"CGIKERNEL_TIMEOUT"},
		},
		&cli.StringSliceFlag{
			Name:    "env",
			Usage:   "Extra KEY=VALUE variables for the interpreter.",
			EnvVars: []string{"CGIKERNEL_ENV"},
		},
		&cli.StringFlag{
			Name:    "agent-url",
			Usage:   "Run interpreters on the agent at this URL instead of locally.",
			EnvVars: []string{"CGIKERNEL_AGENT_URL"},
		},
		&cli.StringFlag{
			Name:    "docker-image",
			Usage:   "Run interpreters in a container of this image instead of locally.",
			EnvVars: []string{"CGIKERNEL_DOCKER_IMAGE"},
		},
		&cli.StringFlag{
			Name:    "docker-agent-bin",
			Usage:   "A cgikernel binary that runs inside the image. Defaults to this executable.",
			EnvVars: []string{"CGIKERNEL_DOCKER_AGENT_BIN"},
		},
	}
}

func serveFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "listen-addr",
			Usage:   "The address for the HTTP server to listen on.",
			Value:   "127.0.0.1:8080",
			EnvVars: []string{"CGIKERNEL_LISTEN_ADDR"},
		},
	}
}

func requestFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "method",
			Value: http.MethodGet,
		},
		&cli.StringFlag{
			Name:  "path",
			Value: "/",
		},
		&cli.StringSliceFlag{
			Name:  "query",
			Usage: "Query parameter as NAME=VALUE, repeatable.",
		},
		&cli.StringSliceFlag{
			Name:  "header",
			Usage: "Request header as NAME=VALUE, repeatable.",
		},
		&cli.StringSliceFlag{
			Name:  "cookie",
			Usage: "Request cookie as NAME=VALUE, repeatable.",
		},
		&cli.StringFlag{
			Name:  "body",
			Usage: "Raw request body. Use - to read it from stdin.",
		},
	}
}

func agentFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "listen-addr",
			Usage:   "The address for the agent to listen on.",
			Value:   "127.0.0.1:8081",
			EnvVars: []string{"CGIKERNEL_AGENT_LISTEN_ADDR"},
		},
		&cli.StringSliceFlag{
			Name:    "allow",
			Usage:   "Command the agent may start, repeatable.",
			Value:   cli.NewStringSlice(runner.DefaultInterpreter),
			EnvVars: []string{"CGIKERNEL_AGENT_ALLOW"},
		},
	}
}

func newLogger(c *cli.Context) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.String("log-level"))
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

// buildKernel returns the kernel and a func that releases whatever its runner holds.
func buildKernel(c *cli.Context, logger *zap.SugaredLogger) (*kernel.Kernel, func(), error) {
	opts := []kernel.Option{
		kernel.WithLogger(logger),
		kernel.WithInterpreter(c.String("interpreter")),
		kernel.WithRootDir(c.String("root-dir")),
		kernel.WithTempDir(c.String("temp-dir")),
		kernel.WithEntryPoint(c.String("entry-point")),
		kernel.WithTimeout(c.Duration("timeout")),
		kernel.WithEnv(c.StringSlice("env")...),
	}
	cleanup := func() {}

	agentURL := c.String("agent-url")
	image := c.String("docker-image")
	switch {
	case agentURL != "" && image != "":
		return nil, nil, errors.New("only one of --agent-url and --docker-image may be set")
	case agentURL != "":
		client, err := agent.NewClient(logger, agentURL)
		if err != nil {
			return nil, nil, fmt.Errorf("building agent client: %w", err)
		}
		ctx, cancel := context.WithTimeout(c.Context, 30*time.Second)
		defer cancel()
		err = client.WaitForServer(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("waiting for agent at %s: %w", agentURL, err)
		}
		opts = append(opts, kernel.WithRunner(client))
	case image != "":
		dockerOpts := []docker.Option{
			docker.WithLogger(logger),
			docker.WithMounts(c.String("root-dir"), c.String("temp-dir")),
			docker.WithAllowedCommands(c.String("interpreter")),
		}
		if bin := c.String("docker-agent-bin"); bin != "" {
			dockerOpts = append(dockerOpts, docker.WithAgentBin(bin))
		}
		dr, err := docker.NewRunner(image, dockerOpts...)
		if err != nil {
			return nil, nil, err
		}
		err = dr.Start(c.Context)
		if err != nil {
			dr.Stop(context.Background())
			return nil, nil, fmt.Errorf("starting container: %w", err)
		}
		cleanup = func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := dr.Stop(ctx); err != nil {
				logger.Errorf("error stopping container: %s", err)
			}
		}
		opts = append(opts, kernel.WithRunner(dr))
	}

	k, err := kernel.New(c.String("autoload"), c.String("bootstrap"), opts...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return k, cleanup, nil
}

func serve(c *cli.Context) error {
	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	k, cleanup, err := buildKernel(c, sugar)
	if err != nil {
		return err
	}
	defer cleanup()

	server := &http.Server{
		Addr:    c.String("listen-addr"),
		Handler: k.Handler(),
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		sugar.Infow("listening", "Addr", server.Addr)
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func runOnce(c *cli.Context) error {
	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	k, cleanup, err := buildKernel(c, logger.Sugar())
	if err != nil {
		return err
	}
	defer cleanup()

	req, err := requestFromFlags(c)
	if err != nil {
		return err
	}
	resp, err := k.Handle(c.Context, req)
	if err != nil {
		return err
	}
	return printResponse(c.App.Writer, resp)
}

func requestFromFlags(c *cli.Context) (*message.Request, error) {
	req := message.NewRequest(strings.ToUpper(c.String("method")), c.String("path"))
	for _, kv := range c.StringSlice("query") {
		name, value, err := splitPair("query", kv)
		if err != nil {
			return nil, err
		}
		req.Query.Add(name, value)
	}
	for _, kv := range c.StringSlice("header") {
		name, value, err := splitPair("header", kv)
		if err != nil {
			return nil, err
		}
		req.Header.Add(name, value)
	}
	for _, kv := range c.StringSlice("cookie") {
		name, value, err := splitPair("cookie", kv)
		if err != nil {
			return nil, err
		}
		req.Cookies[name] = value
	}

	switch body := c.String("body"); body {
	case "":
	case "-":
		b, err := io.ReadAll(c.App.Reader)
		if err != nil {
			return nil, fmt.Errorf("reading body from stdin: %w", err)
		}
		req.Body = b
	default:
		req.Body = []byte(body)
	}
	req.Server["REQUEST_METHOD"] = req.Method
	return req, nil
}

func splitPair(kind, kv string) (string, string, error) {
	name, value, ok := strings.Cut(kv, "=")
	if !ok || name == "" {
		return "", "", fmt.Errorf("%s %q must be NAME=VALUE", kind, kv)
	}
	return name, value, nil
}

func printResponse(w io.Writer, resp *message.Response) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%d %s\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	for _, name := range resp.HeaderOrder {
		if name == cgi.HeaderSetCookie {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", name, resp.Header[name])
	}
	for _, ck := range resp.Cookies {
		fmt.Fprintf(&b, "%s: %s\n", cgi.HeaderSetCookie, ck.HTTPCookie().String())
	}
	b.WriteString("\n")
	b.Write(resp.Body)
	_, err := io.WriteString(w, b.String())
	return err
}

func runAgent(c *cli.Context) error {
	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	a, err := agent.NewAgent(
		agent.WithLogger(logger),
		agent.WithListenAddr(c.String("listen-addr")),
		agent.WithAllowedCommands(c.StringSlice("allow")...),
	)
	if err != nil {
		return fmt.Errorf("building agent: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	group, ctx := errgroup.WithContext(ctx)
	group.Go(a.Run)
	group.Go(func() error {
		<-ctx.Done()
		return a.Stop()
	})
	return group.Wait()
}
