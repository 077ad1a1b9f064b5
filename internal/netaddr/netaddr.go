// Package netaddr parses the address strings accepted on the command line
// and resolves them to concrete endpoints.
//
// Accepted forms: "[v6]:port", "v6", "v4:port", "host:port", "port", "host".
// A bracketless string containing more than one colon is an IPv6 address
// without a port; an all-digit string is a bare port.
package netaddr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

var (
	// ErrNoPort is returned when a spec that requires a port lacks one.
	ErrNoPort = errors.New("missing port")
	// ErrNoHost is returned when a spec that requires a host lacks one.
	ErrNoHost = errors.New("missing host")
	// ErrResolve wraps name resolution failures.
	ErrResolve = errors.New("cannot resolve")
)

// Split separates an address spec into host and port parts. Either part may
// be empty; callers enforce which are required.
func Split(s string) (host, port string) {
	switch {
	case s == "":
		return "", ""
	case s[0] == '[':
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return s, ""
		}
		host = s[1:end]
		if rest := s[end+1:]; strings.HasPrefix(rest, ":") && len(rest) > 1 {
			port = rest[1:]
		}
		return host, port
	case strings.Count(s, ":") > 1:
		// Bracketless IPv6; a port would be ambiguous.
		return s, ""
	case strings.Contains(s, ":"):
		host, port, _ = strings.Cut(s, ":")
		return host, port
	case allDigits(s):
		return "", s
	default:
		return s, ""
	}
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Resolve turns spec into one endpoint per resolved address. The port part
// is mandatory; an empty host yields the wildcard of both families, so a
// listener caller can bind them all and a connecting caller tries each in
// order. network is "udp" or "tcp" and only affects service name lookup.
func Resolve(network, spec string) ([]netip.AddrPort, error) {
	host, port := Split(spec)
	if port == "" {
		return nil, fmt.Errorf("%w in %q", ErrNoPort, spec)
	}
	portNum, err := net.LookupPort(network, port)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrResolve, spec, err)
	}
	if host == "" {
		return []netip.AddrPort{
			netip.AddrPortFrom(netip.IPv4Unspecified(), uint16(portNum)),
			netip.AddrPortFrom(netip.IPv6Unspecified(), uint16(portNum)),
		}, nil
	}
	ips, err := net.DefaultResolver.LookupNetIP(context.Background(), "ip", host)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrResolve, spec, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%w %q: no addresses", ErrResolve, spec)
	}
	out := make([]netip.AddrPort, 0, len(ips))
	for _, ip := range ips {
		out = append(out, netip.AddrPortFrom(ip.Unmap(), uint16(portNum)))
	}
	return out, nil
}

// RequireHost rejects specs without an explicit host part. Connecting
// sockets need a destination; only listeners may default to the wildcard.
func RequireHost(spec string) error {
	if host, _ := Split(spec); host == "" {
		return fmt.Errorf("%w in %q", ErrNoHost, spec)
	}
	return nil
}
