// Package logging holds the swappable slog logger shared by gputask and
// its drivers.
package logging

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// nopHandler discards every record. Enabled reports false so callers skip
// formatting entirely.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

var discard = slog.New(nopHandler{})

// Discard returns a logger that drops all output.
func Discard() *slog.Logger { return discard }

// Slot holds a logger that may be replaced while other goroutines log.
// The zero value is ready to use and discards output.
type Slot struct {
	p atomic.Pointer[slog.Logger]
}

// Load returns the stored logger, or Discard if none was stored.
func (s *Slot) Load() *slog.Logger {
	if l := s.p.Load(); l != nil {
		return l
	}
	return discard
}

// Store replaces the logger. A nil logger restores silent output.
func (s *Slot) Store(l *slog.Logger) {
	if l == nil {
		l = discard
	}
	s.p.Store(l)
}
