package message

import (
	"net/http"

	"github.com/guseggert/cgikernel/cgi"
)

// Response is a response reconstructed from CGI process output.
// Header holds one flattened value per name; HeaderOrder lists the names in arrival order.
type Response struct {
	StatusCode  int
	Header      map[string]string
	HeaderOrder []string
	Body        []byte
	Cookies     []cgi.Cookie
}

// Write sends the response. Cookies are written as individual Set-Cookie headers
// instead of the flattened Set-Cookie value, which cannot be split back safely.
func (r *Response) Write(w http.ResponseWriter) error {
	h := w.Header()
	for _, name := range r.HeaderOrder {
		if name == cgi.HeaderSetCookie {
			continue
		}
		v, ok := r.Header[name]
		if !ok {
			continue
		}
		h.Set(name, v)
	}
	for _, c := range r.Cookies {
		http.SetCookie(w, c.HTTPCookie())
	}
	w.WriteHeader(r.StatusCode)
	_, err := w.Write(r.Body)
	return err
}
