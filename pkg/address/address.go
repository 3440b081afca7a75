// Package address parses and formats the URI-shaped addresses transports
// are configured with: tcp://, ssl://, kcp://, kcp+ssl:// (alias ssl+kcp://),
// http:// and https://.
package address

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Scheme identifies which transport owns an address.
type Scheme string

const (
	SchemeTCP    Scheme = "tcp"
	SchemeSSL    Scheme = "ssl"
	SchemeKCP    Scheme = "kcp"
	SchemeKCPSSL Scheme = "kcp+ssl"
	SchemeHTTP   Scheme = "http"
	SchemeHTTPS  Scheme = "https"
)

// Address is a parsed, value-type representation of a transport endpoint.
type Address struct {
	Scheme Scheme
	Host   string
	Port   int
	Path   string // only meaningful for http/https
}

// HostPort renders host:port, bracketing IPv6 hosts.
func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// String renders the canonical address template for the scheme.
func (a Address) String() string {
	switch a.Scheme {
	case SchemeHTTP, SchemeHTTPS:
		path := a.Path
		if path == "" {
			path = "/"
		}
		return fmt.Sprintf("%s://%s%s", a.Scheme, a.HostPort(), path)
	default:
		return fmt.Sprintf("%s://%s", a.Scheme, a.HostPort())
	}
}

// canHandle reports whether scheme belongs to this parser's family, aliasing
// ssl+kcp to kcp+ssl. Matching is case-insensitive for http/https and
// case-sensitive for the custom schemes, per the wire contract.
func canHandle(raw string) (Scheme, bool) {
	lower := strings.ToLower(raw)
	switch lower {
	case "http":
		return SchemeHTTP, true
	case "https":
		return SchemeHTTPS, true
	}
	switch raw {
	case "tcp":
		return SchemeTCP, true
	case "ssl":
		return SchemeSSL, true
	case "kcp":
		return SchemeKCP, true
	case "kcp+ssl", "ssl+kcp":
		return SchemeKCPSSL, true
	}
	return "", false
}

// CanHandle reports whether addr's scheme is one this package knows how to
// parse, without doing the full parse.
func CanHandle(addr string) bool {
	u, err := url.Parse(addr)
	if err != nil {
		return false
	}
	// url.Parse lowercases u.Scheme; match against the scheme as written.
	_, ok := canHandle(addr[:len(u.Scheme)])
	return ok
}

// Parse succeeds iff the scheme is recognized, the URI is syntactically
// valid, the host is non-empty, and the port is present and strictly
// positive. There is no partial result on failure.
func Parse(addr string) (Address, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return Address{}, fmt.Errorf("address: invalid uri %q: %w", addr, err)
	}

	scheme, ok := canHandle(addr[:len(u.Scheme)])
	if !ok {
		return Address{}, fmt.Errorf("address: unsupported scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return Address{}, fmt.Errorf("address: empty host in %q", addr)
	}

	portStr := u.Port()
	if portStr == "" {
		return Address{}, fmt.Errorf("address: missing port in %q", addr)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return Address{}, fmt.Errorf("address: non-positive or invalid port %q in %q", portStr, addr)
	}

	path := u.Path
	if (scheme == SchemeHTTP || scheme == SchemeHTTPS) && path == "" {
		path = "/"
	}

	return Address{Scheme: scheme, Host: host, Port: port, Path: path}, nil
}

// Template returns the canonical address template string for scheme, e.g.
// "tcp://<host>:<port>" or "http://<host>:<port><path>". Used for
// documentation and config validation messages.
func Template(scheme Scheme) string {
	switch scheme {
	case SchemeHTTP, SchemeHTTPS:
		return fmt.Sprintf("%s://<host>:<port><path>", scheme)
	default:
		return fmt.Sprintf("%s://<host>:<port>", scheme)
	}
}
