// Package relay moves datagrams between one UDP socket and one TCP stream.
// Each relay is a single-threaded poll(2) loop owning both sockets, the
// parse buffer, and the current UDP peer address.
package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mdtunnel/udptunnel/internal/frame"
	"github.com/mdtunnel/udptunnel/internal/logging"
	"github.com/mdtunnel/udptunnel/internal/metrics"
	"github.com/mdtunnel/udptunnel/internal/socket"
)

// Clean-termination sentinels. These end the tunnel without being failures.
var (
	// ErrStreamClosed means the peer shut down the TCP stream.
	ErrStreamClosed = errors.New("remote closed the connection")
	// ErrIdleTimeout means a configured per-direction deadline elapsed.
	ErrIdleTimeout = errors.New("idle timeout")
)

// deadlinePoll caps the multiplexer wait whenever a timeout is configured,
// so idle deadlines are checked with this granularity.
const deadlinePoll = 10 * time.Second

// Config describes one tunnel end.
type Config struct {
	Stream   *socket.Conn // connected stream socket
	Datagram *socket.Conn // bound or unbound datagram socket

	// Peer is the initial datagram destination. Server workers seed it
	// from the configured egress address; clients leave it nil until the
	// first datagram arrives.
	Peer unix.Sockaddr

	// ExpectHandshake makes the stream parser require the token before
	// the first frame (server side).
	ExpectHandshake bool
	Token           frame.Token

	// Idle limits per inbound direction; zero disables.
	StreamTimeout   time.Duration
	DatagramTimeout time.Duration

	Logger *slog.Logger
}

// Relay is the per-tunnel event loop state. Not safe for concurrent use;
// Run owns everything.
type Relay struct {
	stream   *socket.Conn
	datagram *socket.Conn
	peer     unix.Sockaddr

	dec   *frame.Decoder
	inBuf [frame.MaxPayload]byte
	out   []byte

	streamTimeout   time.Duration
	datagramTimeout time.Duration
	lastStream      time.Time
	lastDatagram    time.Time

	// pollInterval is deadlinePoll unless a test shortens it.
	pollInterval time.Duration

	logger *slog.Logger
}

// New assembles a relay from cfg.
func New(cfg Config) *Relay {
	l := cfg.Logger
	if l == nil {
		l = logging.L()
	}
	return &Relay{
		stream:          cfg.Stream,
		datagram:        cfg.Datagram,
		peer:            cfg.Peer,
		dec:             frame.NewDecoder(cfg.ExpectHandshake, cfg.Token),
		out:             make([]byte, 0, frame.BufferSize),
		streamTimeout:   cfg.StreamTimeout,
		datagramTimeout: cfg.DatagramTimeout,
		pollInterval:    deadlinePoll,
		logger:          l,
	}
}

// Run relays until the stream closes, an idle deadline expires, or a fatal
// I/O error occurs. Clean terminations return ErrStreamClosed,
// ErrIdleTimeout, or frame.ErrHandshake; anything else is fatal.
func (r *Relay) Run() error {
	now := time.Now()
	timed := r.streamTimeout > 0 || r.datagramTimeout > 0
	if r.streamTimeout > 0 {
		r.lastStream = now
	}
	if r.datagramTimeout > 0 {
		r.lastDatagram = now
	}

	fds := []unix.PollFd{
		{Fd: int32(r.stream.FD()), Events: unix.POLLIN},
		{Fd: int32(r.datagram.FD()), Events: unix.POLLIN},
	}
	waitMs := -1
	if timed {
		waitMs = int(r.pollInterval / time.Millisecond)
	}

	for {
		fds[0].Revents = 0
		fds[1].Revents = 0
		n, err := unix.Poll(fds, waitMs)
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			if err := r.checkDeadlines(); err != nil {
				return err
			}
			continue
		}
		if fds[0].Revents != 0 {
			if err := r.pumpStream(); err != nil {
				return err
			}
			if r.streamTimeout > 0 {
				r.lastStream = time.Now()
			}
		}
		if fds[1].Revents != 0 {
			if err := r.pumpDatagram(); err != nil {
				return err
			}
			if r.datagramTimeout > 0 {
				r.lastDatagram = time.Now()
			}
		}
	}
}

func (r *Relay) checkDeadlines() error {
	if r.streamTimeout > 0 && time.Since(r.lastStream) > r.streamTimeout {
		logging.Notice(r.logger, "exiting after TCP input timeout", "timeout", r.streamTimeout)
		return fmt.Errorf("tcp: %w", ErrIdleTimeout)
	}
	if r.datagramTimeout > 0 && time.Since(r.lastDatagram) > r.datagramTimeout {
		logging.Notice(r.logger, "exiting after UDP input timeout", "timeout", r.datagramTimeout)
		return fmt.Errorf("udp: %w", ErrIdleTimeout)
	}
	return nil
}

// pumpStream performs one stream read and forwards every frame it
// completes as a datagram.
func (r *Relay) pumpStream() error {
	n, err := r.stream.Read(r.dec.Buffer())
	if err != nil {
		metrics.IncError(metrics.ErrTCPRead)
		return fmt.Errorf("read(tcp): %w", err)
	}
	if n == 0 {
		logging.Notice(r.logger, "remote closed the connection")
		return ErrStreamClosed
	}
	hadHandshake := r.dec.Handshaken()
	r.dec.Advance(n)
	for {
		payload, err := r.dec.Next()
		if err != nil {
			metrics.IncHandshakeFail()
			r.logger.Info("received a bad handshake, exiting")
			return err
		}
		if payload == nil {
			break
		}
		metrics.IncFramesIn()
		r.logger.Debug("received frame", "len", len(payload))
		if err := r.sendDatagram(payload); err != nil {
			return err
		}
	}
	if !hadHandshake && r.dec.Handshaken() {
		r.logger.Debug("received a good handshake")
	}
	return nil
}

// sendDatagram forwards one payload to the current peer. An unknown peer
// drops the payload; ECONNREFUSED is tolerated because the datagram peer
// may be transiently absent.
func (r *Relay) sendDatagram(p []byte) error {
	if r.peer == nil {
		r.logger.Info("ignoring a packet for a still unknown UDP destination")
		metrics.IncDroppedNoPeer()
		return nil
	}
	err := r.datagram.Sendto(p, r.peer)
	if err == nil {
		metrics.IncDatagramsOut(len(p))
		return nil
	}
	if err == unix.ECONNREFUSED {
		r.logger.Info("sendto(udp) returned ECONNREFUSED: ignored", "peer", socket.FormatSockaddr(r.peer))
		metrics.IncRefusedSend()
		if cerr := r.datagram.ClearSocketError(); cerr != nil {
			metrics.IncError(metrics.ErrUDPWrite)
			return fmt.Errorf("getsockopt(SO_ERROR): %w", cerr)
		}
		return nil
	}
	metrics.IncError(metrics.ErrUDPWrite)
	return fmt.Errorf("sendto(udp): %w", err)
}

// pumpDatagram performs one datagram receive, records the sender as the
// new peer, and writes the framed payload to the stream.
func (r *Relay) pumpDatagram() error {
	n, from, err := r.datagram.Recvfrom(r.inBuf[:])
	if err != nil {
		if err == unix.EAGAIN {
			return nil
		}
		metrics.IncError(metrics.ErrUDPRead)
		return fmt.Errorf("recvfrom(udp): %w", err)
	}
	if n == 0 {
		return nil // ignore empty packets
	}
	r.peer = from
	metrics.IncDatagramsIn(n)
	r.logger.Debug("received datagram", "len", n, "from", socket.FormatSockaddr(from))

	out, err := frame.Append(r.out[:0], r.inBuf[:n])
	if err != nil {
		return err
	}
	if err := r.stream.Write(out); err != nil {
		metrics.IncError(metrics.ErrTCPWrite)
		return fmt.Errorf("send(tcp): %w", err)
	}
	metrics.IncFramesOut()
	return nil
}
