package flowlines

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// nopHandler is a slog.Handler that silently discards all log records.
// Enabled returns false so callers skip message formatting entirely.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger for flowlines and its sub-packages.
// By default, flowlines produces no log output.
//
// SetLogger is safe for concurrent use. Pass nil to restore the silent
// default.
//
// Log levels used by flowlines:
//   - [slog.LevelDebug]: per-tick transitions, dispatch sizes, buffer sizes
//   - [slog.LevelInfo]: lifecycle events (adapter selected, kernels ready, reset)
//   - [slog.LevelWarn]: non-fatal issues (binding set rebuild failed, release errors)
//
// Example:
//
//	flowlines.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)
}

// Logger returns the current logger used by flowlines.
// Sub-packages (config, gpu, software) call this to share the same
// logger configuration without introducing import cycles.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

// loggerSetter is implemented by devices that accept a logger.
type loggerSetter interface {
	SetLogger(*slog.Logger)
}

// propagateLogger passes the current logger to a device if it implements
// loggerSetter. Called when a Simulation is created.
func propagateLogger(dev any) {
	if ls, ok := dev.(loggerSetter); ok {
		ls.SetLogger(Logger())
	}
}
