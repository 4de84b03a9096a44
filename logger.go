package gputask

import (
	"log/slog"
	"sync"

	"github.com/gogpu/gputask/gpucore"
	"github.com/gogpu/gputask/internal/logging"
)

// logger is the active logger. SetLogger may replace it concurrently with
// logging from any goroutine.
var logger logging.Slot

// drivers holds the drivers of open devices so SetLogger can reach them.
var (
	driversMu sync.Mutex
	drivers   = make(map[gpucore.Driver]int)
)

// SetLogger configures the logger for gputask and the drivers of open devices.
// By default, gputask produces no log output. Call SetLogger to enable logging.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
// Pass nil to disable logging (restore default silent behavior).
//
// Log levels used by gputask:
//   - [slog.LevelDebug]: internal diagnostics (pipeline layouts, buffer sizes)
//   - [slog.LevelInfo]: important lifecycle events (adapter selected)
//   - [slog.LevelWarn]: non-fatal issues (release errors, skipped drivers)
//
// Example:
//
//	// Enable debug-level logging to stderr:
//	gputask.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	logger.Store(l)
	l = logger.Load()

	driversMu.Lock()
	defer driversMu.Unlock()
	for d := range drivers {
		propagateLogger(d, l)
	}
}

// Logger returns the current logger used by gputask.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return logger.Load()
}

// loggerSetter is implemented by drivers that accept a logger.
type loggerSetter interface {
	SetLogger(*slog.Logger)
}

// propagateLogger passes the logger to a driver if it implements
// the loggerSetter interface.
func propagateLogger(d gpucore.Driver, l *slog.Logger) {
	if ls, ok := d.(loggerSetter); ok {
		ls.SetLogger(l)
	}
}

// trackDriver registers d for logger propagation and hands it the current logger.
func trackDriver(d gpucore.Driver) {
	driversMu.Lock()
	drivers[d]++
	driversMu.Unlock()
	propagateLogger(d, Logger())
}

func untrackDriver(d gpucore.Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if drivers[d]--; drivers[d] <= 0 {
		delete(drivers, d)
	}
}
