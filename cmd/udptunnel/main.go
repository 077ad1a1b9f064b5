package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/mdtunnel/udptunnel/internal/frame"
	"github.com/mdtunnel/udptunnel/internal/logging"
	"github.com/mdtunnel/udptunnel/internal/metrics"
	"github.com/mdtunnel/udptunnel/internal/netaddr"
	"github.com/mdtunnel/udptunnel/internal/relay"
	"github.com/mdtunnel/udptunnel/internal/server"
	"github.com/mdtunnel/udptunnel/internal/socket"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	passed := activation.Files(false)
	cfg, err := parseArgs(args, len(passed))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n\n", err)
		usage(os.Stderr)
		return 2
	}
	if cfg.help {
		usage(os.Stdout)
		return 0
	}
	l := setupLogger(cfg)
	logging.Set(l)

	if cfg.server {
		return runServer(cfg, passed, l)
	}
	return runClient(cfg, passed, l)
}

// runClient listens for datagrams and encapsulates them in a stream
// connection to the configured destination.
func runClient(cfg *appConfig, passed []*os.File, l *slog.Logger) int {
	var udp *socket.Conn
	var err error
	switch {
	case cfg.inetd:
		udp = socket.FromFD(0)
	case len(passed) > 0:
		udp, err = socket.AdoptDatagramListener(passed)
	default:
		udp, err = socket.ListenDatagram(cfg.source)
	}
	if err != nil {
		return startupFailed(l, err)
	}
	tcp, err := socket.DialStream(cfg.dest)
	if err != nil {
		return startupFailed(l, err)
	}
	notifyReady(l)
	startMetrics(cfg)

	tok := frame.DefaultToken
	if err := tcp.Write(tok[:]); err != nil {
		l.Error("send(tcp, handshake)", "error", err)
		return 1
	}
	r := relay.New(relay.Config{
		Stream:          tcp,
		Datagram:        udp,
		ExpectHandshake: false,
		Token:           tok,
		DatagramTimeout: time.Duration(cfg.timeout) * time.Second,
		Logger:          l,
	})
	return exitCode(r.Run(), l)
}

// runServer accepts stream connections and relays each one to the
// configured datagram destination in an isolated worker.
func runServer(cfg *appConfig, passed []*os.File, l *slog.Logger) int {
	if cfg.inetd {
		// Single-connection mode: the connected stream socket is fd 0 and
		// no acceptor runs.
		return runWorker(cfg, socket.FromFD(0), l)
	}
	var listeners []*socket.Conn
	var err error
	if len(passed) > 0 {
		listeners, err = socket.AdoptStreamListeners(passed)
	} else {
		listeners, err = socket.ListenStream(cfg.source)
	}
	if err != nil {
		return startupFailed(l, err)
	}
	notifyReady(l)
	startMetrics(cfg)
	metrics.SetReadinessFunc(func() bool { return true })

	stopMDNS, err := startMDNS(cfg, listeners[0].LocalPort())
	if err != nil {
		l.Warn("mdns registration failed", "error", err)
	} else {
		defer stopMDNS()
	}

	exe, err := os.Executable()
	if err != nil {
		l.Error("cannot locate own executable", "error", err)
		return 1
	}
	w := &server.Worker{Path: exe, Args: workerArgs(cfg), Logger: l}
	if err := server.New(listeners, w.Spawn, l).Serve(); err != nil {
		l.Error("accept loop failed", "error", err)
		return 1
	}
	return 0
}

// runWorker drives one accepted connection: a fresh datagram socket to the
// configured destination, seeded as the peer, and a relay expecting the
// handshake on the stream.
func runWorker(cfg *appConfig, tcp *socket.Conn, l *slog.Logger) int {
	udp, dest, err := socket.DialDatagram(cfg.dest)
	if err != nil {
		return startupFailed(l, err)
	}
	r := relay.New(relay.Config{
		Stream:          tcp,
		Datagram:        udp,
		Peer:            dest,
		ExpectHandshake: true,
		Token:           frame.DefaultToken,
		StreamTimeout:   time.Duration(cfg.timeout) * time.Second,
		Logger:          l,
	})
	return exitCode(r.Run(), l)
}

// workerArgs rebuilds the argument vector for a spawned worker process:
// single-connection server mode with this invocation's relevant settings.
func workerArgs(cfg *appConfig) []string {
	args := []string{"--server", "--inetd"}
	if cfg.timeout > 0 {
		args = append(args, "--timeout", strconv.Itoa(cfg.timeout))
	}
	if cfg.syslogOn {
		args = append(args, "--syslog")
	}
	for i := 0; i < cfg.verbose; i++ {
		args = append(args, "--verbose")
	}
	if cfg.logFormat != "text" {
		args = append(args, "--log-format", cfg.logFormat)
	}
	return append(args, cfg.dest)
}

func startMetrics(cfg *appConfig) {
	if cfg.metricsAddr != "" {
		metrics.StartHTTP(cfg.metricsAddr)
	}
}

// notifyReady tells a supervising service manager that initialization is
// complete. A no-op when no supervisor notification socket is set.
func notifyReady(l *slog.Logger) {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		l.Warn("sd_notify failed", "error", err)
	} else if ok {
		l.Debug("notified supervisor", "state", daemon.SdNotifyReady)
	}
}

// startupFailed logs a startup error and maps it to the exit code:
// malformed addresses are invocation errors, everything else is runtime.
func startupFailed(l *slog.Logger, err error) int {
	l.Error("startup failed", "error", err)
	if errors.Is(err, netaddr.ErrNoPort) || errors.Is(err, netaddr.ErrNoHost) ||
		errors.Is(err, socket.ErrActivation) {
		return 2
	}
	return 1
}

// exitCode classifies how the relay ended. Peer shutdown, idle timeouts
// and rejected handshakes are normal terminations.
func exitCode(err error, l *slog.Logger) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, relay.ErrStreamClosed),
		errors.Is(err, relay.ErrIdleTimeout),
		errors.Is(err, frame.ErrHandshake):
		return 0
	default:
		l.Error("tunnel failed", "error", err)
		return 1
	}
}
