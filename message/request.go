package message

import (
	"net/http"
)

// Param is a single query parameter.
type Param struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Params is an ordered list of query parameters. A name may repeat.
type Params []Param

// Get returns the first value for name.
func (p Params) Get(name string) string {
	for _, kv := range p {
		if kv.Name == name {
			return kv.Value
		}
	}
	return ""
}

// Values returns every value for name in order.
func (p Params) Values(name string) []string {
	var vals []string
	for _, kv := range p {
		if kv.Name == name {
			vals = append(vals, kv.Value)
		}
	}
	return vals
}

func (p *Params) Add(name, value string) {
	*p = append(*p, Param{Name: name, Value: value})
}

// Set replaces all values for name with value. The parameter keeps the position of its
// first occurrence, or is appended if it was not present.
func (p *Params) Set(name, value string) {
	out := (*p)[:0]
	found := false
	for _, kv := range *p {
		if kv.Name != name {
			out = append(out, kv)
			continue
		}
		if !found {
			out = append(out, Param{Name: name, Value: value})
			found = true
		}
	}
	if !found {
		out = append(out, Param{Name: name, Value: value})
	}
	*p = out
}

// UploadedFile is a file submitted with the request. Path points at a spooled copy of the contents.
type UploadedFile struct {
	Field       string `json:"field"`
	Name        string `json:"name"`
	Path        string `json:"path"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Request is the request handed to the isolated process.
type Request struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Query   Params            `json:"query"`
	Form    Params            `json:"form"`
	Header  http.Header       `json:"headers"`
	Files   []UploadedFile    `json:"files"`
	Server  map[string]string `json:"server"`
	Cookies map[string]string `json:"cookies"`
	Body    []byte            `json:"body"`
}

// NewRequest returns an empty request for method and path.
func NewRequest(method, path string) *Request {
	return &Request{
		Method:  method,
		Path:    path,
		Header:  http.Header{},
		Server:  map[string]string{},
		Cookies: map[string]string{},
	}
}

// Clone returns a deep copy of r.
func (r *Request) Clone() *Request {
	c := &Request{
		Method:  r.Method,
		Path:    r.Path,
		Query:   append(Params(nil), r.Query...),
		Form:    append(Params(nil), r.Form...),
		Header:  r.Header.Clone(),
		Files:   append([]UploadedFile(nil), r.Files...),
		Server:  make(map[string]string, len(r.Server)),
		Cookies: make(map[string]string, len(r.Cookies)),
		Body:    append([]byte(nil), r.Body...),
	}
	if c.Header == nil {
		c.Header = http.Header{}
	}
	for k, v := range r.Server {
		c.Server[k] = v
	}
	for k, v := range r.Cookies {
		c.Cookies[k] = v
	}
	return c
}
