// Package logging holds the logger shared by gpusubmit and its sub-packages.
//
// The root package owns the public SetLogger/Logger pair; sub-packages read
// the current logger through L so that a single call configures the whole
// stack without import cycles.
package logging

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

// nopHandler silently discards all log records.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// Nop returns a logger that discards everything.
func Nop() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically for thread safety.
var loggerPtr atomic.Pointer[slog.Logger]

var (
	subMu       sync.Mutex
	subscribers []func(*slog.Logger)
)

func init() {
	loggerPtr.Store(Nop())
}

// L returns the current logger.
func L() *slog.Logger { return loggerPtr.Load() }

// Set replaces the current logger and notifies subscribers.
// A nil logger restores the silent default.
func Set(l *slog.Logger) {
	if l == nil {
		l = Nop()
	}
	loggerPtr.Store(l)

	subMu.Lock()
	subs := slices.Clone(subscribers)
	subMu.Unlock()
	for _, fn := range subs {
		fn(l)
	}
}

// Subscribe registers fn to receive every logger passed to Set.
// Backends use it to forward the logger to the graphics layer they wrap.
// fn is called immediately with the current logger.
func Subscribe(fn func(*slog.Logger)) {
	subMu.Lock()
	subscribers = append(subscribers, fn)
	subMu.Unlock()
	fn(L())
}
