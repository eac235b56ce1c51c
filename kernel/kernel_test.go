package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/cgikernel/cgi"
	"github.com/guseggert/cgikernel/message"
	"github.com/guseggert/cgikernel/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var log = zap.NewNop().Sugar()

// fakeRunner answers every process with canned output. If echo is set, the rendered script
// is appended to stdout so tests can see what the process was given.
type fakeRunner struct {
	stdout   string
	stderr   string
	code     int
	startErr error
	block    bool
	echo     bool

	mut    sync.Mutex
	reqs   []runner.Request
	stdins []string
}

type fakeProc struct {
	block bool
	code  int
}

func (p *fakeProc) Wait(ctx context.Context) (*runner.Exit, error) {
	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &runner.Exit{Code: p.code}, nil
}

func (f *fakeRunner) StartProc(ctx context.Context, req runner.Request) (runner.Process, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	stdin, err := io.ReadAll(req.Stdin)
	if err != nil {
		return nil, err
	}
	f.mut.Lock()
	f.reqs = append(f.reqs, req)
	f.stdins = append(f.stdins, string(stdin))
	f.mut.Unlock()

	io.WriteString(req.Stdout, f.stdout)
	if f.echo {
		req.Stdout.Write(stdin)
	}
	io.WriteString(req.Stderr, f.stderr)
	return &fakeProc{block: f.block, code: f.code}, nil
}

func newKernel(t *testing.T, r runner.Runner, opts ...Option) *Kernel {
	opts = append([]Option{WithLogger(log), WithRunner(r), WithTempDir(t.TempDir())}, opts...)
	k, err := New("/app/vendor/autoload.php", "/app/bootstrap.php", opts...)
	require.NoError(t, err)
	return k
}

func TestAssemble(t *testing.T) {
	cases := []struct {
		name       string
		out        string
		expStatus  int
		expHeaders map[string]string
		expOrder   []string
		expBody    string
		expCookies []string
		expErr     interface{}
	}{
		{
			name:       "created with json body",
			out:        "Status: 201 Created\r\nContent-Type: application/json\r\n\r\n{\"ok\":true}",
			expStatus:  201,
			expHeaders: map[string]string{"Content-Type": "application/json"},
			expOrder:   []string{"Content-Type"},
			expBody:    `{"ok":true}`,
		},
		{
			name:       "status is not forwarded",
			out:        "Status: 404 Not Found\r\nContent-Type: text/html\r\n\r\n",
			expStatus:  404,
			expHeaders: map[string]string{"Content-Type": "text/html"},
			expOrder:   []string{"Content-Type"},
			expBody:    "",
		},
		{
			name:       "no status defaults to 200",
			out:        "content-type: text/plain\r\nx-powered-by: test\r\n\r\nhi",
			expStatus:  200,
			expHeaders: map[string]string{"Content-Type": "text/plain", "X-Powered-By": "test"},
			expOrder:   []string{"Content-Type", "X-Powered-By"},
			expBody:    "hi",
		},
		{
			name:      "cookies are reconstructed independently",
			out:       "Set-Cookie: a=1; Path=/x; HttpOnly\r\nSet-Cookie: b=2\r\nCookie: leaked=1\r\n\r\n",
			expStatus: 200,
			expHeaders: map[string]string{
				"Set-Cookie": "a=1; Path=/x; HttpOnly, b=2",
			},
			expOrder:   []string{"Set-Cookie"},
			expCookies: []string{"a", "b"},
		},
		{
			name:       "body keeps later separators",
			out:        "Content-Type: text/plain\r\n\r\nline\r\n\r\nmore",
			expStatus:  200,
			expHeaders: map[string]string{"Content-Type": "text/plain"},
			expOrder:   []string{"Content-Type"},
			expBody:    "line\r\n\r\nmore",
		},
		{
			name:   "no separator",
			out:    "Content-Type: text/plain\r\nbody without separator",
			expErr: &cgi.MalformedOutputError{},
		},
		{
			name:   "empty output",
			out:    "",
			expErr: &cgi.MalformedOutputError{},
		},
		{
			name:   "garbage header line",
			out:    "Content-Type: text/plain\r\nthis is not a header\r\n\r\n",
			expErr: &cgi.MalformedHeaderError{},
		},
		{
			name:   "non-numeric status",
			out:    "Status: abc\r\n\r\n",
			expErr: &cgi.MalformedHeaderError{},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			resp, err := Assemble([]byte(c.out))
			switch expErr := c.expErr.(type) {
			case *cgi.MalformedOutputError:
				require.ErrorAs(t, err, &expErr)
				assert.Nil(t, resp)
				return
			case *cgi.MalformedHeaderError:
				require.ErrorAs(t, err, &expErr)
				assert.Nil(t, resp)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expStatus, resp.StatusCode)
			assert.Equal(t, c.expHeaders, resp.Header)
			assert.Equal(t, c.expOrder, resp.HeaderOrder)
			assert.Equal(t, c.expBody, string(resp.Body))

			var names []string
			for _, ck := range resp.Cookies {
				names = append(names, ck.Name)
			}
			assert.Equal(t, c.expCookies, names)
		})
	}
}

func TestHandle(t *testing.T) {
	r := &fakeRunner{stdout: "Status: 201 Created\r\nContent-Type: application/json\r\n\r\n{\"ok\":true}"}
	k := newKernel(t, r, WithRootDir("/srv/app"), WithEnv("APP_ENV=test"), WithInterpreter("php-cgi", "-d", "display_errors=0"))

	req := message.NewRequest(http.MethodPost, "/api/items")
	req.Query.Add("page", "2")
	req.Query.Add("name", "it's")

	resp, err := k.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 201, resp.StatusCode)
	assert.Equal(t, map[string]string{"Content-Type": "application/json"}, resp.Header)
	assert.Equal(t, `{"ok":true}`, string(resp.Body))
	assert.Empty(t, resp.Cookies)

	require.Len(t, r.reqs, 1)
	procReq := r.reqs[0]
	assert.Equal(t, "php-cgi", procReq.Command)
	assert.Equal(t, []string{"-d", "display_errors=0"}, procReq.Args)
	assert.Equal(t, "/srv/app", procReq.WD)
	assert.Contains(t, procReq.Env, "TMPDIR="+k.tempDir)
	assert.Contains(t, procReq.Env, "TEMP="+k.tempDir)
	assert.Contains(t, procReq.Env, "TMP="+k.tempDir)
	assert.Contains(t, procReq.Env, "APP_ENV=test")

	stdin := r.stdins[0]
	assert.Contains(t, stdin, `require '/app/vendor/autoload.php';`)
	assert.Contains(t, stdin, `require '/app/bootstrap.php';`)
	assert.Contains(t, stdin, `"path":"/api/items"`)
	assert.Contains(t, stdin, `it\'s`)

	// the caller's request is not normalized in place
	assert.Equal(t, "", req.Query.Get("q"))
	assert.Empty(t, req.Server)
}

func TestHandleErrors(t *testing.T) {
	cases := []struct {
		name   string
		runner *fakeRunner
		check  func(t *testing.T, err error)
	}{
		{
			name:   "non-zero exit",
			runner: &fakeRunner{stdout: "partial", stderr: "PHP Fatal error", code: 255},
			check: func(t *testing.T, err error) {
				var execErr *runner.ProcessExecutionError
				require.ErrorAs(t, err, &execErr)
				assert.Equal(t, 255, execErr.ExitCode)
				assert.Equal(t, "PHP Fatal error", string(execErr.Stderr))
				assert.Equal(t, "partial", string(execErr.Stdout))
			},
		},
		{
			name:   "interpreter cannot start",
			runner: &fakeRunner{startErr: errors.New("exec: \"php-cgi\": executable file not found")},
			check: func(t *testing.T, err error) {
				var execErr *runner.ProcessExecutionError
				require.ErrorAs(t, err, &execErr)
				assert.Equal(t, -1, execErr.ExitCode)
			},
		},
		{
			name:   "missing separator",
			runner: &fakeRunner{stdout: "Content-Type: text/html"},
			check: func(t *testing.T, err error) {
				var outErr *cgi.MalformedOutputError
				require.ErrorAs(t, err, &outErr)
				assert.Equal(t, "Content-Type: text/html", string(outErr.Output))
			},
		},
		{
			name:   "malformed header",
			runner: &fakeRunner{stdout: "oops\r\n\r\n"},
			check: func(t *testing.T, err error) {
				var hdrErr *cgi.MalformedHeaderError
				require.ErrorAs(t, err, &hdrErr)
			},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			k := newKernel(t, c.runner)
			resp, err := k.Handle(context.Background(), message.NewRequest(http.MethodGet, "/"))
			require.Error(t, err)
			assert.Nil(t, resp)
			c.check(t, err)
			assert.Equal(t, http.StatusBadGateway, StatusForError(err))
		})
	}
}

func TestHandleTimeout(t *testing.T) {
	k := newKernel(t, &fakeRunner{block: true}, WithTimeout(50*time.Millisecond))

	_, err := k.Handle(context.Background(), message.NewRequest(http.MethodGet, "/slow"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, http.StatusGatewayTimeout, StatusForError(err))
}

func TestHandleConcurrent(t *testing.T) {
	r := &fakeRunner{stdout: "Content-Type: text/plain\r\n\r\n", echo: true}
	k := newKernel(t, r)

	var group errgroup.Group
	for i := 0; i < 20; i++ {
		path := fmt.Sprintf("/item/%d", i)
		group.Go(func() error {
			resp, err := k.Handle(context.Background(), message.NewRequest(http.MethodGet, path))
			if err != nil {
				return err
			}
			if !strings.Contains(string(resp.Body), `"path":"`+path+`"`) {
				return fmt.Errorf("response for %s rendered another request: %s", path, resp.Body)
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
	assert.Len(t, r.reqs, 20)
}

func TestServeHTTP(t *testing.T) {
	r := &fakeRunner{
		stdout: "Status: 302 Found\r\n" +
			"Location: /login\r\n" +
			"Set-Cookie: session=abc; Path=/; HttpOnly\r\n" +
			"Set-Cookie: theme=dark; Max-Age=60\r\n" +
			"\r\n",
	}
	k := newKernel(t, r)
	handler := k.Handler()

	req := httptest.NewRequest(http.MethodGet, "/account?tab=1", nil)
	req.AddCookie(&http.Cookie{Name: "seen", Value: "yes"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	res := rec.Result()
	assert.Equal(t, http.StatusFound, res.StatusCode)
	assert.Equal(t, "/login", res.Header.Get("Location"))
	assert.Empty(t, res.Header.Get("Status"))
	assert.NotEmpty(t, res.Header.Get(RequestIDHeader))

	cookies := res.Cookies()
	require.Len(t, cookies, 2)
	assert.Equal(t, "session", cookies[0].Name)
	assert.Equal(t, "abc", cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)
	assert.Equal(t, "theme", cookies[1].Name)
	assert.Equal(t, 60, cookies[1].MaxAge)

	stdin := r.stdins[0]
	assert.Contains(t, stdin, `"seen":"yes"`)
	assert.Contains(t, stdin, `{"name":"tab","value":"1"}`)
	assert.Contains(t, stdin, `{"name":"q","value":"account"}`)
}

func TestServeHTTPErrors(t *testing.T) {
	cases := []struct {
		name      string
		runner    *fakeRunner
		opts      []Option
		expStatus int
	}{
		{
			name:      "process failure",
			runner:    &fakeRunner{code: 1},
			expStatus: http.StatusBadGateway,
		},
		{
			name:      "malformed output",
			runner:    &fakeRunner{stdout: "no separator"},
			expStatus: http.StatusBadGateway,
		},
		{
			name:      "status below range",
			runner:    &fakeRunner{stdout: "Status: 42 Weird\r\n\r\nx"},
			expStatus: http.StatusBadGateway,
		},
		{
			name:      "zero status",
			runner:    &fakeRunner{stdout: "Status: 0\r\n\r\nx"},
			expStatus: http.StatusBadGateway,
		},
		{
			name:      "negative status",
			runner:    &fakeRunner{stdout: "Status: -1\r\n\r\nx"},
			expStatus: http.StatusBadGateway,
		},
		{
			name:      "timeout",
			runner:    &fakeRunner{block: true},
			opts:      []Option{WithTimeout(20 * time.Millisecond)},
			expStatus: http.StatusGatewayTimeout,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			k := newKernel(t, c.runner, c.opts...)
			rec := httptest.NewRecorder()
			k.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
			assert.Equal(t, c.expStatus, rec.Code)
		})
	}
}

func TestServeHTTPKeepsRequestID(t *testing.T) {
	k := newKernel(t, &fakeRunner{code: 1})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	k.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
}

func TestHealthz(t *testing.T) {
	r := &fakeRunner{}
	k := newKernel(t, r)
	rec := httptest.NewRecorder()
	k.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Empty(t, r.reqs)
}

// TestLocalShellInterpreter runs a real child process, using sh in place of php-cgi.
func TestLocalShellInterpreter(t *testing.T) {
	tmpl := "printf 'Status: 201 Created\\r\\nContent-Type: application/json\\r\\nSet-Cookie: a=1; path=/x\\r\\n\\r\\n'\n" +
		"cat <<'EOF'\n{{ .Request }}\nEOF\n"
	k, err := New("", "",
		WithLogger(log),
		WithInterpreter("sh"),
		WithScriptTemplate(tmpl),
		WithTempDir(t.TempDir()),
	)
	require.NoError(t, err)

	req := message.NewRequest(http.MethodGet, "/hello/world")
	req.Query.Add("x", "1")
	resp, err := k.Handle(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 201, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header["Content-Type"])
	require.Len(t, resp.Cookies, 1)
	assert.Equal(t, "/x", resp.Cookies[0].Path)

	var rendered message.Request
	require.NoError(t, json.Unmarshal(resp.Body, &rendered))
	assert.Equal(t, "/hello/world", rendered.Path)
	assert.Equal(t, "hello/world", rendered.Query.Get("q"))
	assert.Equal(t, "1", rendered.Query.Get("x"))
	assert.Equal(t, "/index.php", rendered.Server["SCRIPT_NAME"])
	assert.Equal(t, "localhost", rendered.Server["HTTP_HOST"])
}
