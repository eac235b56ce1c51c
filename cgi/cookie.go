package cgi

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	cookiePartSepRE = regexp.MustCompile(`;\s?`)
	// cookieTokenRE matches "name" or "name=value" anywhere in an attribute part.
	cookieTokenRE = regexp.MustCompile("([!#$%&'*+\\-.^_`|~0-9A-Za-z]+)(?:=(.*)|)")
)

// cookieTimeLayouts are the date formats accepted for the expires attribute.
var cookieTimeLayouts = []string{
	http.TimeFormat,
	"Mon, 02-Jan-2006 15:04:05 MST",
	time.RFC1123,
	time.RFC850,
	time.ANSIC,
}

// Cookie is a cookie reconstructed from a Set-Cookie header value.
// A zero Expires means the cookie lasts for the session.
type Cookie struct {
	Name     string
	Value    string
	Expires  time.Time
	MaxAge   int
	Path     string
	Domain   string
	Secure   bool
	HTTPOnly bool
	SameSite string
}

// ParseSetCookie parses a single Set-Cookie value. It never fails: attribute parts that
// do not look like "name" or "name=value" are dropped. The cookie name and value come from
// the first part; for later attributes the first occurrence of a name wins.
// ok is false only if no part of the value could be parsed at all.
func ParseSetCookie(value string) (c Cookie, ok bool) {
	c.Path = "/"

	attrs := map[string]string{}
	first := true
	for _, part := range cookiePartSepRE.Split(value, -1) {
		m := cookieTokenRE.FindStringSubmatch(part)
		if m == nil {
			continue
		}
		name, val := m[1], m[2]
		if first {
			c.Name, c.Value = name, val
			first = false
			continue
		}
		key := strings.ToLower(name)
		if _, seen := attrs[key]; !seen {
			attrs[key] = val
		}
	}
	if first {
		return Cookie{}, false
	}

	_, c.Secure = attrs["secure"]
	_, c.HTTPOnly = attrs["httponly"]
	if p := attrs["path"]; p != "" {
		c.Path = p
	}
	c.Domain = attrs["domain"]
	c.SameSite = attrs["samesite"]
	if exp, ok := attrs["expires"]; ok {
		c.Expires = parseCookieTime(exp)
	}
	if maxAge, ok := attrs["max-age"]; ok {
		if n, err := strconv.Atoi(maxAge); err == nil {
			c.MaxAge = n
		}
	}
	return c, true
}

func parseCookieTime(s string) time.Time {
	for _, layout := range cookieTimeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// Cookies reconstructs a cookie from every Set-Cookie value, in arrival order.
func (h *HeaderMap) Cookies() []Cookie {
	var cookies []Cookie
	for _, v := range h.Values(HeaderSetCookie) {
		if c, ok := ParseSetCookie(v); ok {
			cookies = append(cookies, c)
		}
	}
	return cookies
}

// HTTPCookie converts c for use with net/http.
func (c Cookie) HTTPCookie() *http.Cookie {
	hc := &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Path:     c.Path,
		Domain:   c.Domain,
		Expires:  c.Expires,
		MaxAge:   c.MaxAge,
		Secure:   c.Secure,
		HttpOnly: c.HTTPOnly,
	}
	switch strings.ToLower(c.SameSite) {
	case "lax":
		hc.SameSite = http.SameSiteLaxMode
	case "strict":
		hc.SameSite = http.SameSiteStrictMode
	case "none":
		hc.SameSite = http.SameSiteNoneMode
	}
	return hc
}
