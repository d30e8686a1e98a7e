package transport

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Endpoint names one remote socket address, either as host+port or as an
// explicit URL ("tcp://host:port" or "ipc:///path/to/socket").
type Endpoint struct {
	Host string
	Port int
	URL  string
}

// ParseEndpoint accepts "host:port", "tcp://host:port" and "ipc://path".
func ParseEndpoint(s string) (Endpoint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Endpoint{}, fmt.Errorf("empty endpoint")
	}
	if strings.Contains(s, "://") {
		ep := Endpoint{URL: s}
		if _, _, err := ep.dialArgs(); err != nil {
			return Endpoint{}, err
		}
		return ep, nil
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: invalid port", s)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// IsZero reports whether the endpoint is unset.
func (e Endpoint) IsZero() bool {
	return e.URL == "" && e.Host == "" && e.Port == 0
}

// String returns the canonical URL form.
func (e Endpoint) String() string {
	if e.URL != "" {
		return e.URL
	}
	return "tcp://" + net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Equal compares endpoints by canonical form.
func (e Endpoint) Equal(o Endpoint) bool {
	return e.String() == o.String()
}

// WithPort returns a copy of a host+port endpoint on a different port.
func (e Endpoint) WithPort(port int) Endpoint {
	return Endpoint{Host: e.Host, Port: port}
}

func (e Endpoint) dialArgs() (network, address string, err error) {
	if e.URL == "" {
		if e.Port <= 0 {
			return "", "", fmt.Errorf("endpoint %s: missing port", e)
		}
		return "tcp", net.JoinHostPort(e.Host, strconv.Itoa(e.Port)), nil
	}
	scheme, rest, ok := strings.Cut(e.URL, "://")
	if !ok || rest == "" {
		return "", "", fmt.Errorf("endpoint %q: malformed url", e.URL)
	}
	switch scheme {
	case "tcp":
		if _, _, err := net.SplitHostPort(rest); err != nil {
			return "", "", fmt.Errorf("endpoint %q: %w", e.URL, err)
		}
		return "tcp", rest, nil
	case "ipc", "unix":
		return "unix", rest, nil
	}
	return "", "", fmt.Errorf("endpoint %q: unsupported scheme %q", e.URL, scheme)
}

// EndpointSource yields the endpoint to connect to. Implementations must be
// safe for concurrent use; subscribers call Endpoint on every spin.
type EndpointSource interface {
	Endpoint() (Endpoint, bool)
}

// StaticEndpoint is an EndpointSource that never changes.
type StaticEndpoint Endpoint

func (s StaticEndpoint) Endpoint() (Endpoint, bool) {
	ep := Endpoint(s)
	return ep, !ep.IsZero()
}

// EndpointFunc adapts a function to EndpointSource.
type EndpointFunc func() (Endpoint, bool)

func (f EndpointFunc) Endpoint() (Endpoint, bool) { return f() }
