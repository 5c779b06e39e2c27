package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BadgerOps/fitsync/internal/observability"
	"github.com/BadgerOps/fitsync/internal/safety"
	"github.com/BadgerOps/fitsync/internal/source"
)

// DefaultMaxPages bounds pagination against very long provider histories.
const DefaultMaxPages = 50

// Page is one page of provider items.
type Page[T any] struct {
	Items   []T
	HasMore bool
	// Next is the cursor for cursor-paged APIs. Page-numbered APIs ignore it.
	Next string
}

// PageFunc fetches one page. page is 1-based; cursor is the previous page's
// Next value (empty for the first page).
type PageFunc[T any] func(ctx context.Context, page int, cursor string) (Page[T], error)

// PaginateOptions tunes Paginate.
type PaginateOptions struct {
	SourceID  string
	MaxPages  int           // 0 means DefaultMaxPages
	Retries   int           // attempts per page; 0 means 3
	BaseDelay time.Duration // backoff base; 0 means one second
	Logger    *slog.Logger

	// Sleep waits between retries. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retryable reports whether a page failure may succeed on another attempt.
// Auth and rate-limit failures are handled elsewhere and never retried here.
func retryable(err error) bool {
	if source.IsAuthError(err) {
		return false
	}
	var rle *source.RateLimitError
	if errors.As(err, &rle) {
		return false
	}
	if safety.ShouldNotRetry(err) {
		return false
	}
	return source.IsTransient(err) || safety.IsTemporary(err)
}

// Paginate calls fetch page by page until a page reports no more items or
// MaxPages is reached. Each page is retried with exponential backoff on
// transient failures. When a page cannot be fetched, the items gathered so
// far are returned together with a *source.FetchIncompleteError. Auth
// failures on the first page are returned as-is so callers can treat them
// as terminal.
func Paginate[T any](ctx context.Context, opts PaginateOptions, fetch PageFunc[T]) ([]T, error) {
	if opts.MaxPages <= 0 {
		opts.MaxPages = DefaultMaxPages
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}

	var (
		items  []T
		cursor string
	)
	for page := 1; page <= opts.MaxPages; page++ {
		p, err := fetchWithRetry(ctx, opts, fetch, page, cursor)
		if err != nil {
			if page == 1 && source.IsAuthError(err) {
				return nil, err
			}
			return items, &source.FetchIncompleteError{
				Source:  opts.SourceID,
				Page:    page,
				Fetched: len(items),
				Err:     err,
			}
		}
		items = append(items, p.Items...)
		if !p.HasMore || len(p.Items) == 0 {
			return items, nil
		}
		cursor = p.Next
		if page == opts.MaxPages {
			opts.Logger.Warn("page ceiling reached, stopping pagination",
				"source", opts.SourceID, "pages", page, "items", len(items))
		}
	}
	return items, nil
}

func fetchWithRetry[T any](ctx context.Context, opts PaginateOptions, fetch PageFunc[T], page int, cursor string) (Page[T], error) {
	var lastErr error
	for attempt := 1; attempt <= opts.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return Page[T]{}, lastErr
			}
			return Page[T]{}, err
		}

		p, err := fetch(ctx, page, cursor)
		if err == nil {
			return p, nil
		}
		lastErr = err

		if !retryable(err) || attempt == opts.Retries {
			break
		}

		delay := safety.BackoffDelay(attempt, opts.BaseDelay)
		opts.Logger.Warn("page fetch failed, retrying",
			"source", opts.SourceID, "page", page, "attempt", attempt, "delay", delay, "error", err)
		observability.RecordPageRetry(opts.SourceID)
		if err := opts.Sleep(ctx, delay); err != nil {
			return Page[T]{}, lastErr
		}
	}
	return Page[T]{}, lastErr
}
