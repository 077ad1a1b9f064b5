package server

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	"github.com/mdtunnel/udptunnel/internal/logging"
	"github.com/mdtunnel/udptunnel/internal/metrics"
	"github.com/mdtunnel/udptunnel/internal/socket"
)

// Worker spawns one isolated tunnel process per accepted connection. The
// process is this binary re-executed in single-connection mode with the
// accepted socket on descriptor 0, so a crashing tunnel cannot disturb its
// siblings or the acceptor. Exited workers are reaped by a Wait goroutine;
// none lingers as a zombie.
type Worker struct {
	Path   string   // binary to execute
	Args   []string // arguments for single-connection server mode
	Logger *slog.Logger
}

// Spawn launches the worker for conn and takes ownership of it: the
// descriptor is closed in this process once the child holds its copy.
func (w *Worker) Spawn(conn *socket.Conn, peer unix.Sockaddr) error {
	l := w.Logger
	if l == nil {
		l = logging.L()
	}
	f := conn.File("tunnel-conn")
	defer f.Close()

	cmd := exec.Command(w.Path, w.Args...)
	cmd.Stdin = f
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	metrics.ActiveWorkers.Inc()
	l.Debug("worker started", "pid", cmd.Process.Pid, "remote", socket.FormatSockaddr(peer))

	go func() {
		err := cmd.Wait()
		metrics.ActiveWorkers.Dec()
		if err != nil {
			l.Debug("worker exited", "pid", cmd.Process.Pid, "error", err)
		} else {
			l.Debug("worker exited", "pid", cmd.Process.Pid)
		}
	}()
	return nil
}
