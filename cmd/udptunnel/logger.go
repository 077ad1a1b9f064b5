package main

import (
	"log/slog"
	"os"

	"github.com/mdtunnel/udptunnel/internal/logging"
)

func setupLogger(cfg *appConfig) *slog.Logger {
	lvl := logging.LevelFromVerbosity(cfg.verbose)
	if cfg.syslogOn {
		if l, err := logging.NewSyslog("udptunnel", lvl); err == nil {
			return l
		}
		// The log daemon is unreachable; fall back to stderr.
	}
	return logging.New(cfg.logFormat, lvl, os.Stderr)
}
