// Package proxylist contains the representation of proxy servers, of the
// ordered lists of proxies returned by PAC scripts and manual rules, and
// of the bookkeeping of proxies that have recently failed.
package proxylist

//
// server.go - a single proxy server.
//

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Scheme is the scheme of a proxy server.
type Scheme int

const (
	// SchemeInvalid is the zero value and indicates an invalid server.
	SchemeInvalid = Scheme(iota)

	// SchemeDirect means that we should not use any proxy.
	SchemeDirect

	// SchemeHTTP is a plain text HTTP proxy.
	SchemeHTTP

	// SchemeHTTPS is an HTTP proxy reached using TLS.
	SchemeHTTPS

	// SchemeSOCKS4 is a SOCKSv4 proxy.
	SchemeSOCKS4

	// SchemeSOCKS5 is a SOCKSv5 proxy.
	SchemeSOCKS5

	// SchemeQUIC is an HTTP proxy reached using QUIC.
	SchemeQUIC
)

// uriSchemes maps URI schemes to [Scheme].
var uriSchemes = map[string]Scheme{
	"direct": SchemeDirect,
	"http":   SchemeHTTP,
	"https":  SchemeHTTPS,
	"socks":  SchemeSOCKS5,
	"socks4": SchemeSOCKS4,
	"socks5": SchemeSOCKS5,
	"quic":   SchemeQUIC,
}

// pacSchemes maps PAC result keywords to [Scheme].
var pacSchemes = map[string]Scheme{
	"DIRECT": SchemeDirect,
	"PROXY":  SchemeHTTP,
	"HTTP":   SchemeHTTP,
	"HTTPS":  SchemeHTTPS,
	"SOCKS":  SchemeSOCKS4,
	"SOCKS4": SchemeSOCKS4,
	"SOCKS5": SchemeSOCKS5,
	"QUIC":   SchemeQUIC,
}

// DefaultPort returns the default port for the scheme.
func (s Scheme) DefaultPort() int {
	switch s {
	case SchemeHTTP:
		return 80
	case SchemeHTTPS, SchemeQUIC:
		return 443
	case SchemeSOCKS4, SchemeSOCKS5:
		return 1080
	default:
		return 0
	}
}

// String returns the URI scheme.
func (s Scheme) String() string {
	switch s {
	case SchemeDirect:
		return "direct"
	case SchemeHTTP:
		return "http"
	case SchemeHTTPS:
		return "https"
	case SchemeSOCKS4:
		return "socks4"
	case SchemeSOCKS5:
		return "socks5"
	case SchemeQUIC:
		return "quic"
	default:
		return "invalid"
	}
}

// pacKeyword returns the keyword used by PAC results.
func (s Scheme) pacKeyword() string {
	switch s {
	case SchemeDirect:
		return "DIRECT"
	case SchemeHTTP:
		return "PROXY"
	case SchemeHTTPS:
		return "HTTPS"
	case SchemeSOCKS4:
		return "SOCKS"
	case SchemeSOCKS5:
		return "SOCKS5"
	case SchemeQUIC:
		return "QUIC"
	default:
		return "INVALID"
	}
}

// Server is a proxy server. The zero value is an invalid server.
type Server struct {
	// Scheme is the proxy scheme.
	Scheme Scheme

	// Host is the proxy host without brackets.
	Host string

	// Port is the proxy port.
	Port int
}

// Direct returns the [Server] meaning "do not use a proxy".
func Direct() Server {
	return Server{Scheme: SchemeDirect}
}

// IsDirect returns whether this server means "do not use a proxy".
func (s Server) IsDirect() bool {
	return s.Scheme == SchemeDirect
}

// IsValid returns whether this is a valid server.
func (s Server) IsValid() bool {
	return s.Scheme != SchemeInvalid
}

// HostPort returns the endpoint of the proxy.
func (s Server) HostPort() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// String returns the URI representation (e.g., "socks5://10.0.0.1:1080"). We
// use this representation as the key of the bad proxies map.
func (s Server) String() string {
	switch s.Scheme {
	case SchemeDirect:
		return "direct://"
	case SchemeInvalid:
		return "invalid://"
	default:
		return s.Scheme.String() + "://" + s.HostPort()
	}
}

// PACString returns the PAC representation (e.g., "PROXY 10.0.0.1:3128").
func (s Server) PACString() string {
	switch s.Scheme {
	case SchemeDirect, SchemeInvalid:
		return s.Scheme.pacKeyword()
	default:
		return s.Scheme.pacKeyword() + " " + s.HostPort()
	}
}

// ErrInvalidServer indicates that we cannot parse a proxy server.
var ErrInvalidServer = errors.New("proxylist: invalid proxy server")

// ParsePACServer parses a single PAC result entry (e.g., "PROXY a:80").
func ParsePACServer(entry string) (Server, error) {
	fields := strings.Fields(entry)
	if len(fields) <= 0 {
		return Server{}, fmt.Errorf("%w: empty entry", ErrInvalidServer)
	}
	scheme, found := pacSchemes[strings.ToUpper(fields[0])]
	if !found {
		return Server{}, fmt.Errorf("%w: unknown keyword %q", ErrInvalidServer, fields[0])
	}
	if scheme == SchemeDirect {
		if len(fields) != 1 {
			return Server{}, fmt.Errorf("%w: DIRECT takes no endpoint", ErrInvalidServer)
		}
		return Direct(), nil
	}
	if len(fields) != 2 {
		return Server{}, fmt.Errorf("%w: expected one endpoint in %q", ErrInvalidServer, entry)
	}
	return parseEndpoint(scheme, fields[1])
}

// ParseURIServer parses a proxy URI such as "socks5://10.0.0.1:1080" or
// "10.0.0.1:3128". When the scheme is missing we use defaultScheme.
func ParseURIServer(uri string, defaultScheme Scheme) (Server, error) {
	uri = strings.TrimSpace(uri)
	scheme := defaultScheme
	if idx := strings.Index(uri, "://"); idx >= 0 {
		value, found := uriSchemes[strings.ToLower(uri[:idx])]
		if !found {
			return Server{}, fmt.Errorf("%w: unknown scheme in %q", ErrInvalidServer, uri)
		}
		scheme = value
		uri = uri[idx+3:]
	}
	if scheme == SchemeDirect {
		return Direct(), nil
	}
	uri = strings.TrimSuffix(uri, "/")
	if idx := strings.LastIndex(uri, "@"); idx >= 0 {
		uri = uri[idx+1:] // credentials are not part of the server
	}
	return parseEndpoint(scheme, uri)
}

// parseEndpoint parses "host", "host:port", "[::1]" or "[::1]:port".
func parseEndpoint(scheme Scheme, endpoint string) (Server, error) {
	if endpoint == "" {
		return Server{}, fmt.Errorf("%w: empty endpoint", ErrInvalidServer)
	}
	host, portString, err := net.SplitHostPort(endpoint)
	if err != nil {
		// assume there's no port and try again with the default port
		host = strings.TrimSuffix(strings.TrimPrefix(endpoint, "["), "]")
		portString = strconv.Itoa(scheme.DefaultPort())
	}
	port, err := strconv.Atoi(portString)
	if err != nil || port <= 0 || port > 65535 {
		return Server{}, fmt.Errorf("%w: invalid port in %q", ErrInvalidServer, endpoint)
	}
	if strings.Contains(host, ":") && net.ParseIP(host) == nil {
		return Server{}, fmt.Errorf("%w: invalid host in %q", ErrInvalidServer, endpoint)
	}
	if host == "" || strings.ContainsAny(host, "/ @") {
		return Server{}, fmt.Errorf("%w: invalid host in %q", ErrInvalidServer, endpoint)
	}
	return Server{Scheme: scheme, Host: host, Port: port}, nil
}
