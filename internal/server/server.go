// Package server accepts tunnel connections on one or more listening
// stream sockets and hands each accepted connection to an isolated worker.
package server

import (
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/mdtunnel/udptunnel/internal/logging"
	"github.com/mdtunnel/udptunnel/internal/metrics"
	"github.com/mdtunnel/udptunnel/internal/socket"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrAccept = errors.New("accept")
	ErrSpawn  = errors.New("spawn")
)

// SpawnFunc takes ownership of an accepted connection and isolates it in a
// worker. The acceptor never touches the connection again.
type SpawnFunc func(conn *socket.Conn, peer unix.Sockaddr) error

// Acceptor owns the listener sockets and does nothing but accept-and-spawn.
type Acceptor struct {
	listeners []*socket.Conn
	spawn     SpawnFunc
	logger    *slog.Logger
}

// New builds an acceptor over listeners; spawn is invoked once per
// accepted connection.
func New(listeners []*socket.Conn, spawn SpawnFunc, logger *slog.Logger) *Acceptor {
	if logger == nil {
		logger = logging.L()
	}
	return &Acceptor{listeners: listeners, spawn: spawn, logger: logger}
}

// Serve accepts connections until a fatal error. Listener readiness is
// advisory, so accepts that would block are skipped, and interrupted waits
// are retried silently.
func (a *Acceptor) Serve() error {
	fds := make([]unix.PollFd, len(a.listeners))
	for i, l := range a.listeners {
		if err := l.SetNonblock(true); err != nil {
			return fmt.Errorf("%w: set nonblocking: %v", ErrAccept, err)
		}
		fds[i] = unix.PollFd{Fd: int32(l.FD()), Events: unix.POLLIN}
	}
	for {
		for i := range fds {
			fds[i].Revents = 0
		}
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			metrics.IncError(metrics.ErrAccept)
			return fmt.Errorf("%w: poll: %v", ErrAccept, err)
		}
		for i := range fds {
			if fds[i].Revents == 0 {
				continue
			}
			if err := a.acceptOne(int(fds[i].Fd)); err != nil {
				return err
			}
		}
	}
}

// acceptOne performs a single accept on a ready listener and spawns the
// worker. The worker retains the connection; the acceptor keeps only the
// listeners.
func (a *Acceptor) acceptOne(fd int) error {
	nfd, sa, err := unix.Accept4(fd, unix.SOCK_CLOEXEC)
	if err == unix.EAGAIN || err == unix.EINTR {
		return nil
	}
	if err != nil {
		metrics.IncError(metrics.ErrAccept)
		return fmt.Errorf("%w: %v", ErrAccept, err)
	}
	metrics.IncAccepted()
	logging.Notice(a.logger, "received a TCP connection", "remote", socket.FormatSockaddr(sa))
	if err := a.spawn(socket.FromFD(nfd), sa); err != nil {
		metrics.IncError(metrics.ErrSpawn)
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	return nil
}
