package script

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/guseggert/cgikernel/message"
)

const (
	DefaultEntryPoint = "/index.php"
	ServerSoftware    = "cgikernel"

	// PathQueryField is the query field that carries the request path to the front controller.
	PathQueryField = "q"

	boundarySeed = "cgi-http-kernel"
)

// DefaultTemplate is a PHP front controller. It decodes the request, rebuilds the
// superglobals a stock front controller reads ($_GET, $_POST, $_COOKIE, $_FILES, $_SERVER,
// $_REQUEST) from it, exposes the decoded body as $request['body'], and includes the
// bootstrap entry, which dispatches the request and prints a CGI response.
const DefaultTemplate = `<?php
require '{{ .Autoload }}';
$request = json_decode('{{ .Request }}', true);

$pairs = function ($params) {
  $out = [];
  foreach ((array) $params as $param) {
    $out[] = rawurlencode($param['name']) . '=' . rawurlencode($param['value']);
  }
  return implode('&', $out);
};
$queryString = $pairs($request['query']);
parse_str($queryString, $_GET);
parse_str($pairs($request['form']), $_POST);
$_COOKIE = (array) $request['cookies'];
$_REQUEST = array_merge($_GET, $_POST);

$_FILES = [];
foreach ((array) $request['files'] as $file) {
  $_FILES[$file['field']] = [
    'name' => $file['name'],
    'type' => $file['content_type'],
    'tmp_name' => $file['path'],
    'error' => UPLOAD_ERR_OK,
    'size' => $file['size'],
  ];
}

foreach ((array) $request['headers'] as $name => $values) {
  $key = strtoupper(str_replace('-', '_', $name));
  if ($key !== 'CONTENT_TYPE' && $key !== 'CONTENT_LENGTH') {
    $key = 'HTTP_' . $key;
  }
  $_SERVER[$key] = implode(', ', $values);
}
foreach ((array) $request['server'] as $name => $value) {
  $_SERVER[$name] = $value;
}
$_SERVER['REQUEST_METHOD'] = $request['method'];
$_SERVER['QUERY_STRING'] = $queryString;

$request['body'] = $request['body'] === null ? '' : base64_decode($request['body']);
$_SERVER['SCRIPT_NAME'] = '{{ .EntryPoint }}';
require '{{ .Bootstrap }}';
`

// Script is the rendered source handed to the interpreter on stdin.
type Script []byte

// Renderer renders requests into standalone scripts.
// Every path is embedded as a single-quoted literal, escaped with Quote.
type Renderer struct {
	// Autoload is the path of the class/module loader required first.
	Autoload string
	// Bootstrap is the entry of the target system.
	Bootstrap string
	// EntryPoint is reported to the target system as SCRIPT_NAME.
	EntryPoint string

	tmpl *template.Template
}

// NewRenderer parses tmplText, or DefaultTemplate if it is empty.
func NewRenderer(tmplText, autoload, bootstrap string) (*Renderer, error) {
	if tmplText == "" {
		tmplText = DefaultTemplate
	}
	tmpl, err := template.New("script").Option("missingkey=error").Parse(tmplText)
	if err != nil {
		return nil, fmt.Errorf("parsing script template: %w", err)
	}
	return &Renderer{
		Autoload:   autoload,
		Bootstrap:  bootstrap,
		EntryPoint: DefaultEntryPoint,
		tmpl:       tmpl,
	}, nil
}

type templateData struct {
	Autoload   string
	Bootstrap  string
	EntryPoint string
	Request    string
}

// Normalize prepares a copy of req the way a CGI front controller expects to see it.
// req itself is left untouched.
func (r *Renderer) Normalize(req *message.Request) *message.Request {
	n := req.Clone()
	if len(n.Files) > 0 {
		n.Header.Set("Content-Type", "multipart/form-data; boundary="+MultipartBoundary())
	}
	n.Query.Set(PathQueryField, strings.TrimLeft(n.Path, "/"))
	n.Server["REQUEST_URI"] = n.Path
	n.Server["HTTP_HOST"] = "localhost"
	n.Server["SCRIPT_NAME"] = r.EntryPoint
	n.Server["SERVER_SOFTWARE"] = ServerSoftware
	return n
}

// Render serializes an already normalized request into a script.
func (r *Renderer) Render(req *message.Request) (Script, error) {
	serialized, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("serializing request: %w", err)
	}
	data := templateData{
		Autoload:   Quote(r.Autoload),
		Bootstrap:  Quote(r.Bootstrap),
		EntryPoint: Quote(r.EntryPoint),
		Request:    Quote(string(serialized)),
	}
	var buf bytes.Buffer
	err = r.tmpl.Execute(&buf, data)
	if err != nil {
		return nil, fmt.Errorf("executing script template: %w", err)
	}
	return buf.Bytes(), nil
}

// MultipartBoundary returns the fixed boundary used for requests carrying files.
func MultipartBoundary() string {
	sum := md5.Sum([]byte(boundarySeed))
	return hex.EncodeToString(sum[:])
}
