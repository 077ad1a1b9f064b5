//go:build !windows

package logging

import (
	"context"
	"fmt"
	"log/slog"
	"log/syslog"
	"strings"
)

// NewSyslog creates a logger routed to the system log daemon. Severity is
// taken from the record level; the facility is fixed to daemon.
func NewSyslog(tag string, level slog.Leveler) (*slog.Logger, error) {
	w, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_NOTICE, tag)
	if err != nil {
		return nil, fmt.Errorf("syslog: %w", err)
	}
	return slog.New(&syslogHandler{w: w, level: level}), nil
}

// syslogHandler formats records as "msg key=value ..." and maps slog levels
// onto syslog severities.
type syslogHandler struct {
	w      *syslog.Writer
	level  slog.Leveler
	attrs  []string
	prefix string
}

func (h *syslogHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *syslogHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	for _, a := range h.attrs {
		b.WriteByte(' ')
		b.WriteString(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		b.WriteByte(' ')
		b.WriteString(h.formatAttr(a))
		return true
	})
	msg := b.String()
	switch {
	case r.Level >= slog.LevelError:
		return h.w.Err(msg)
	case r.Level >= slog.LevelWarn:
		return h.w.Warning(msg)
	case r.Level >= LevelNotice:
		return h.w.Notice(msg)
	case r.Level >= slog.LevelInfo:
		return h.w.Info(msg)
	default:
		return h.w.Debug(msg)
	}
}

func (h *syslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append([]string(nil), h.attrs...)
	for _, a := range attrs {
		nh.attrs = append(nh.attrs, h.formatAttr(a))
	}
	return &nh
}

func (h *syslogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	nh.prefix = h.prefix + name + "."
	return &nh
}

func (h *syslogHandler) formatAttr(a slog.Attr) string {
	return fmt.Sprintf("%s%s=%v", h.prefix, a.Key, a.Value.Resolve())
}
