// Package socket creates and wraps the raw sockets the tunnel relays
// between. Sockets are plain file descriptors driven with
// golang.org/x/sys/unix so the relay can multiplex them with poll(2).
package socket

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"

	"golang.org/x/sys/unix"

	"github.com/mdtunnel/udptunnel/internal/logging"
	"github.com/mdtunnel/udptunnel/internal/netaddr"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrSocket  = errors.New("socket")
	ErrBind    = errors.New("bind")
	ErrListen  = errors.New("listen")
	ErrConnect = errors.New("connect")
)

const listenBacklog = 128

// Conn owns one socket descriptor. It is not safe for concurrent use; a
// relay or acceptor is the sole owner for the socket's lifetime.
type Conn struct {
	fd int
}

// FromFD wraps an inherited descriptor, such as fd 0 under inetd.
func FromFD(fd int) *Conn { return &Conn{fd: fd} }

// FD returns the underlying descriptor for poll registration.
func (c *Conn) FD() int { return c.fd }

// File wraps the descriptor for handing to a spawned process. The returned
// file shares the descriptor; closing it closes the socket.
func (c *Conn) File(name string) *os.File { return os.NewFile(uintptr(c.fd), name) }

// Close releases the descriptor.
func (c *Conn) Close() error { return unix.Close(c.fd) }

// Read performs one read, retrying only on EINTR. A return of 0, nil means
// the peer shut down the stream.
func (c *Conn) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

// Write drains p completely so a frame header and its payload can never be
// split by a short write.
func (c *Conn) Write(p []byte) error {
	for len(p) > 0 {
		n, err := unix.Write(c.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// Recvfrom receives one datagram and its sender address.
func (c *Conn) Recvfrom(p []byte) (int, unix.Sockaddr, error) {
	for {
		n, from, err := unix.Recvfrom(c.fd, p, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, nil, err
		}
		return n, from, nil
	}
}

// Sendto sends one datagram to sa.
func (c *Conn) Sendto(p []byte, sa unix.Sockaddr) error {
	for {
		err := unix.Sendto(c.fd, p, 0, sa)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// SetNonblock toggles O_NONBLOCK.
func (c *Conn) SetNonblock(v bool) error { return unix.SetNonblock(c.fd, v) }

// ClearSocketError reads and clears any pending SO_ERROR, used after a
// tolerated ECONNREFUSED so the next operation starts clean.
func (c *Conn) ClearSocketError() error {
	_, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	return err
}

// LocalAddr formats the bound address, or "?" if it cannot be read.
func (c *Conn) LocalAddr() string {
	sa, err := unix.Getsockname(c.fd)
	if err != nil {
		return "?"
	}
	return FormatSockaddr(sa)
}

// LocalPort returns the bound port, or 0 if it cannot be read.
func (c *Conn) LocalPort() int {
	sa, err := unix.Getsockname(c.fd)
	if err != nil {
		return 0
	}
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return sa.Port
	case *unix.SockaddrInet6:
		return sa.Port
	}
	return 0
}

// ListenDatagram binds a datagram socket to spec, using the first resolved
// address that binds. The spec must carry a port.
func ListenDatagram(spec string) (*Conn, error) {
	aps, err := netaddr.Resolve("udp", spec)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, ap := range aps {
		fd, err := unix.Socket(family(ap), unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			lastErr = err
			continue
		}
		if err := unix.Bind(fd, sockaddrOf(ap)); err != nil {
			_ = unix.Close(fd)
			lastErr = err
			continue
		}
		c := &Conn{fd: fd}
		logging.L().Info("listening for UDP", "addr", c.LocalAddr())
		return c, nil
	}
	return nil, fmt.Errorf("%w %s: %v", ErrBind, spec, lastErr)
}

// ListenStream binds and listens on every address spec resolves to, one
// socket per family. IPv6 sockets are v6-only so the v4 socket owns v4
// traffic; address reuse is enabled on all of them.
func ListenStream(spec string) ([]*Conn, error) {
	aps, err := netaddr.Resolve("tcp", spec)
	if err != nil {
		return nil, err
	}
	var conns []*Conn
	closeAll := func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}
	for _, ap := range aps {
		fd, err := unix.Socket(family(ap), unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			continue
		}
		if family(ap) == unix.AF_INET6 {
			if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
				_ = unix.Close(fd)
				closeAll()
				return nil, fmt.Errorf("%w %s: setsockopt(IPV6_V6ONLY): %v", ErrListen, spec, err)
			}
		}
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			_ = unix.Close(fd)
			closeAll()
			return nil, fmt.Errorf("%w %s: setsockopt(SO_REUSEADDR): %v", ErrListen, spec, err)
		}
		if err := unix.Bind(fd, sockaddrOf(ap)); err != nil {
			_ = unix.Close(fd)
			closeAll()
			return nil, fmt.Errorf("%w %s: %v", ErrBind, spec, err)
		}
		if err := unix.Listen(fd, listenBacklog); err != nil {
			_ = unix.Close(fd)
			closeAll()
			return nil, fmt.Errorf("%w %s: %v", ErrListen, spec, err)
		}
		c := &Conn{fd: fd}
		conns = append(conns, c)
		logging.L().Info("listening for TCP", "addr", c.LocalAddr())
	}
	if len(conns) == 0 {
		return nil, fmt.Errorf("%w %s: no usable address", ErrSocket, spec)
	}
	return conns, nil
}

// DialDatagram creates an unconnected datagram socket for spec and returns
// it with the resolved destination. Host and port are both required; the
// caller sends explicitly with Sendto.
func DialDatagram(spec string) (*Conn, unix.Sockaddr, error) {
	if err := netaddr.RequireHost(spec); err != nil {
		return nil, nil, err
	}
	aps, err := netaddr.Resolve("udp", spec)
	if err != nil {
		return nil, nil, err
	}
	var lastErr error
	for _, ap := range aps {
		fd, err := unix.Socket(family(ap), unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			lastErr = err
			continue
		}
		dest := sockaddrOf(ap)
		logging.L().Debug("UDP destination", "addr", ap.String())
		return &Conn{fd: fd}, dest, nil
	}
	return nil, nil, fmt.Errorf("%w %s: %v", ErrSocket, spec, lastErr)
}

// DialStream connects a stream socket to spec, trying each resolved
// address in order. Host and port are both required.
func DialStream(spec string) (*Conn, error) {
	if err := netaddr.RequireHost(spec); err != nil {
		return nil, err
	}
	aps, err := netaddr.Resolve("tcp", spec)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, ap := range aps {
		fd, err := unix.Socket(family(ap), unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			lastErr = err
			continue
		}
		if err := connect(fd, sockaddrOf(ap)); err != nil {
			_ = unix.Close(fd)
			lastErr = err
			continue
		}
		logging.L().Info("TCP connection opened", "addr", ap.String())
		return &Conn{fd: fd}, nil
	}
	return nil, fmt.Errorf("%w %s: %v", ErrConnect, spec, lastErr)
}

func connect(fd int, sa unix.Sockaddr) error {
	for {
		err := unix.Connect(fd, sa)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

func family(ap netip.AddrPort) int {
	if ap.Addr().Unmap().Is4() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

func sockaddrOf(ap netip.AddrPort) unix.Sockaddr {
	if a := ap.Addr().Unmap(); a.Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: a.As4()}
	}
	sa := &unix.SockaddrInet6{Port: int(ap.Port()), Addr: ap.Addr().As16()}
	if zone := ap.Addr().Zone(); zone != "" {
		if ifi, err := net.InterfaceByName(zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return sa
}

// FormatSockaddr renders a socket address as "host:port", bracketing IPv6
// addresses. It returns an owned string.
func FormatSockaddr(sa unix.Sockaddr) string {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)).String()
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port)).String()
	case *unix.SockaddrUnix:
		return sa.Name
	default:
		return "unknown"
	}
}
