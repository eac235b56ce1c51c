package message

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// FromHTTP converts an inbound HTTP request. Query and form parameters keep their wire order.
// Uploaded files are spooled into spoolDir; callers should call RemoveFiles when done.
func FromHTTP(r *http.Request, spoolDir string) (*Request, error) {
	req := NewRequest(r.Method, r.URL.Path)
	req.Header = r.Header.Clone()
	req.Query = parseParams(r.URL.RawQuery)
	for _, c := range r.Cookies() {
		req.Cookies[c.Name] = c.Value
	}

	req.Server["REQUEST_METHOD"] = r.Method
	req.Server["QUERY_STRING"] = r.URL.RawQuery
	req.Server["SERVER_PROTOCOL"] = r.Proto
	req.Server["REMOTE_ADDR"] = r.RemoteAddr
	if r.TLS != nil {
		req.Server["HTTPS"] = "on"
	}

	if r.Body == nil {
		return req, nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}

	mediaType, params, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		err := req.readMultipart(body, params["boundary"], spoolDir)
		if err != nil {
			req.RemoveFiles()
			return nil, fmt.Errorf("reading multipart body: %w", err)
		}
	case mediaType == "application/x-www-form-urlencoded":
		req.Form = parseParams(string(body))
		req.Body = body
	default:
		req.Body = body
	}
	return req, nil
}

func (r *Request) readMultipart(body []byte, boundary, spoolDir string) error {
	if boundary == "" {
		return errors.New("missing boundary")
	}
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if part.FileName() == "" {
			b, err := io.ReadAll(part)
			if err != nil {
				return fmt.Errorf("reading field %q: %w", part.FormName(), err)
			}
			r.Form.Add(part.FormName(), string(b))
			continue
		}
		file, err := spool(part, spoolDir)
		if err != nil {
			return fmt.Errorf("spooling file %q: %w", part.FileName(), err)
		}
		r.Files = append(r.Files, file)
	}
}

func spool(part *multipart.Part, dir string) (UploadedFile, error) {
	path := filepath.Join(dir, "cgikernel-upload-"+uuid.NewString())
	f, err := os.Create(path)
	if err != nil {
		return UploadedFile{}, err
	}
	defer f.Close()

	n, err := io.Copy(f, part)
	if err != nil {
		os.Remove(path)
		return UploadedFile{}, err
	}
	return UploadedFile{
		Field:       part.FormName(),
		Name:        part.FileName(),
		Path:        path,
		ContentType: part.Header.Get("Content-Type"),
		Size:        n,
	}, nil
}

// RemoveFiles deletes the spooled copies of uploaded files.
func (r *Request) RemoveFiles() error {
	var errs []error
	for _, f := range r.Files {
		err := os.Remove(f.Path)
		if err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// parseParams parses a URL-encoded string without losing the order of its pairs.
// Pairs that fail to unescape are kept verbatim.
func parseParams(raw string) Params {
	var params Params
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		name, value, _ := strings.Cut(pair, "=")
		if n, err := url.QueryUnescape(name); err == nil {
			name = n
		}
		if v, err := url.QueryUnescape(value); err == nil {
			value = v
		}
		params.Add(name, value)
	}
	return params
}
