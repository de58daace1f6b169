package gpusubmit

import (
	"log/slog"

	"github.com/gogpu/gpusubmit/internal/logging"
)

// SetLogger configures the logger for gpusubmit and all its sub-packages.
// By default, gpusubmit produces no log output. Call SetLogger to enable logging.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
// Pass nil to disable logging (restore default silent behavior).
//
// Backends that wrap another graphics layer receive the logger too; the
// HAL backend forwards it to gogpu/wgpu's hal.SetLogger.
//
// Log levels used by gpusubmit:
//   - [slog.LevelDebug]: pool misses, descriptor heap rotation, fence waits
//   - [slog.LevelInfo]: device lifecycle
//   - [slog.LevelWarn]: teardown with outstanding GPU work, dropped commands
//
// Example:
//
//	// Enable debug-level logging for full diagnostics:
//	gpusubmit.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	logging.Set(l)
}

// Logger returns the current logger used by gpusubmit.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return logging.L()
}
