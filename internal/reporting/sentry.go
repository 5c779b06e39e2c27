// Package reporting forwards unexpected failures to Sentry when a DSN is
// configured. Every function is a no-op otherwise.
package reporting

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
)

var enabled atomic.Bool

// Init configures the Sentry client. An empty dsn disables reporting.
func Init(dsn, environment, release string, logger *slog.Logger) error {
	if dsn == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize sentry: %w", err)
	}
	enabled.Store(true)
	logger.Info("error reporting enabled", "environment", environment)
	return nil
}

// Enabled reports whether Init installed a client.
func Enabled() bool {
	return enabled.Load()
}

// CaptureError reports err tagged with the source it came from.
func CaptureError(sourceID string, err error) {
	if !enabled.Load() || err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		if sourceID != "" {
			scope.SetTag("source", sourceID)
		}
		sentry.CaptureException(err)
	})
}

// ReportPanic matches source.PanicReporter and reports a recovered panic.
func ReportPanic(sourceID string, recovered any, stack []byte) {
	if !enabled.Load() {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("source", sourceID)
		scope.SetLevel(sentry.LevelFatal)
		scope.SetExtra("stack", string(stack))
		sentry.CaptureException(fmt.Errorf("panic in source %s: %v", sourceID, recovered))
	})
}

// Flush waits up to timeout for buffered events to be delivered.
func Flush(timeout time.Duration) {
	if !enabled.Load() {
		return
	}
	sentry.Flush(timeout)
}
