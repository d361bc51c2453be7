// Package endpoint turns target URLs into resolved IPv4 socket addresses.
package endpoint

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultPort is used when a URL names no port.
const DefaultPort = 80

var ErrInvalidURL = errors.New("endpoint: invalid url")

// URL is a parsed target, split the way the request line needs it.
type URL struct {
	Raw      string
	Protocol string
	Host     string
	Port     int
	Path     string
	Query    string
	// Request is the request target, path plus query, "/" if empty.
	Request string
}

// Parse splits raw into its parts. The protocol and host are lower cased,
// and the port defaults to DefaultPort.
func Parse(raw string) (URL, error) {
	proto, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return URL{}, fmt.Errorf("%w: %q: missing protocol", ErrInvalidURL, raw)
	}
	u := URL{
		Raw:      raw,
		Protocol: strings.ToLower(proto),
		Port:     DefaultPort,
	}

	host := rest
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		host, u.Request = rest[:i], rest[i:]
	}
	if h, p, ok := strings.Cut(host, ":"); ok {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return URL{}, fmt.Errorf("%w: %q: bad port %q", ErrInvalidURL, raw, p)
		}
		host, u.Port = h, port
	}
	if host == "" {
		return URL{}, fmt.Errorf("%w: %q: missing host", ErrInvalidURL, raw)
	}
	u.Host = strings.ToLower(host)

	u.Path, u.Query, _ = strings.Cut(u.Request, "?")
	if u.Request == "" {
		u.Request = "/"
	}
	return u, nil
}

func (x URL) String() string { return x.Raw }
