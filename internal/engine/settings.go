package engine

import (
	"log/slog"
	"time"
)

// Settings are the sync tunables shared by every adapter.
type Settings struct {
	MaxPages       int
	PageRetries    int
	RetryBaseDelay time.Duration
	MaxDuration    time.Duration
	RequestTimeout time.Duration
}

// Timeout returns the per-request timeout, defaulting to 30s.
func (s Settings) Timeout() time.Duration {
	if s.RequestTimeout <= 0 {
		return 30 * time.Second
	}
	return s.RequestTimeout
}

// Paginate returns pagination options for sourceID.
func (s Settings) Paginate(sourceID string, logger *slog.Logger) PaginateOptions {
	return PaginateOptions{
		SourceID:  sourceID,
		MaxPages:  s.MaxPages,
		Retries:   s.PageRetries,
		BaseDelay: s.RetryBaseDelay,
		Logger:    logger,
	}
}

// Options returns orchestrator options.
func (s Settings) Options(logger *slog.Logger) Options {
	return Options{Logger: logger, MaxDuration: s.MaxDuration}
}
