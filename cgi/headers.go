package cgi

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	HeaderStatus    = "Status"
	HeaderSetCookie = "Set-Cookie"
	HeaderCookie    = "Cookie"

	DefaultStatusCode = 200

	minStatusCode = 100
	maxStatusCode = 999
)

// foldRE matches a header continuation: a line break followed by a tab or space.
var foldRE = regexp.MustCompile("\r\n[\t ]")

// HeaderMap is an ordered multimap of canonical header names to raw values.
// Values for the same name are kept in arrival order.
type HeaderMap struct {
	names  []string
	values map[string][]string
}

// NewHeaderMap returns an empty map.
func NewHeaderMap() *HeaderMap {
	return &HeaderMap{values: map[string][]string{}}
}

// Add appends a value under the canonical form of name.
func (h *HeaderMap) Add(name, value string) {
	name = CanonicalHeaderKey(name)
	if _, ok := h.values[name]; !ok {
		h.names = append(h.names, name)
	}
	h.values[name] = append(h.values[name], value)
}

// Values returns a copy of the values stored for name, matched case-insensitively.
func (h *HeaderMap) Values(name string) []string {
	return append([]string(nil), h.values[CanonicalHeaderKey(name)]...)
}

// Get returns the first value for name, or "" if there is none.
func (h *HeaderMap) Get(name string) string {
	vals := h.Values(name)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// Has reports whether name was present, even with an empty value.
func (h *HeaderMap) Has(name string) bool {
	_, ok := h.values[CanonicalHeaderKey(name)]
	return ok
}

// Names returns the canonical header names in the order they first appeared.
func (h *HeaderMap) Names() []string {
	return append([]string(nil), h.names...)
}

// Len returns the number of distinct header names.
func (h *HeaderMap) Len() int {
	return len(h.names)
}

// Flatten joins the values of each header with ", ".
func (h *HeaderMap) Flatten() map[string]string {
	flat := make(map[string]string, len(h.names))
	for _, name := range h.names {
		flat[name] = strings.Join(h.values[name], ", ")
	}
	return flat
}

// ParseHeaders parses a CRLF-delimited CGI header block, unfolding continuation lines.
// An empty block yields an empty map.
func ParseHeaders(block string) (*HeaderMap, error) {
	h := NewHeaderMap()
	if len(block) == 0 {
		return h, nil
	}

	unfolded := foldRE.ReplaceAllString(block, " ")
	for _, line := range strings.Split(unfolded, "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, &MalformedHeaderError{Line: line, Reason: "name missing"}
		}
		name = strings.Trim(name, "\t ")
		if name == "" {
			return nil, &MalformedHeaderError{Line: line, Reason: "name missing"}
		}
		h.Add(name, strings.Trim(value, "\t "))
	}
	return h, nil
}

// CanonicalHeaderKey capitalizes each hyphen-separated word of name, e.g. "x-my-header" becomes "X-My-Header".
func CanonicalHeaderKey(name string) string {
	words := strings.Split(name, "-")
	for i, w := range words {
		if w == "" {
			continue
		}
		w = strings.ToLower(w)
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, "-")
}

// StatusCode derives the response status from the Status pseudo-header, defaulting to 200.
// Codes outside 100-999 are rejected, since net/http cannot write them.
func StatusCode(h *HeaderMap) (int, error) {
	if !h.Has(HeaderStatus) {
		return DefaultStatusCode, nil
	}
	status := h.Get(HeaderStatus)
	code, _, _ := strings.Cut(status, " ")
	n, err := strconv.Atoi(code)
	if err != nil {
		return 0, &MalformedHeaderError{Line: HeaderStatus + ": " + status, Reason: "invalid status code", Err: err}
	}
	if n < minStatusCode || n > maxStatusCode {
		return 0, &MalformedHeaderError{Line: HeaderStatus + ": " + status, Reason: "status code out of range"}
	}
	return n, nil
}
