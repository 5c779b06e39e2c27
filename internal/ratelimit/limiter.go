// Package ratelimit tracks a provider's request budget per time window and
// suspends callers until the window resets when the budget is spent.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BadgerOps/fitsync/internal/source"
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Limiter tracks the remaining budget and reset time of one rate window.
// The budget is either counted locally or overwritten from provider headers
// via Update.
type Limiter struct {
	mu sync.Mutex

	name      string
	limit     int
	remaining int
	resetAt   time.Time
	window    time.Duration
	aligned   bool
	clock     Clock

	// OnWait is called with the suspend duration whenever a caller blocks.
	OnWait func(name string, d time.Duration)
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithAlignedWindows makes windows start on wall-clock multiples of the
// window length (e.g. quarter hours, UTC midnight) instead of at first use.
func WithAlignedWindows() Option {
	return func(l *Limiter) { l.aligned = true }
}

// New creates a limiter allowing limit requests per window.
func New(name string, limit int, window time.Duration, opts ...Option) *Limiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	l := &Limiter{
		name:      name,
		limit:     limit,
		remaining: limit,
		window:    window,
		clock:     realClock{},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// nextReset returns the end of the window containing now.
func (l *Limiter) nextReset(now time.Time) time.Time {
	if l.aligned {
		return now.Truncate(l.window).Add(l.window)
	}
	return now.Add(l.window)
}

// roll starts a fresh window when the current one has elapsed. Caller holds mu.
func (l *Limiter) roll(now time.Time) {
	if l.resetAt.IsZero() {
		l.resetAt = l.nextReset(now)
		return
	}
	if !now.Before(l.resetAt) {
		l.remaining = l.limit
		l.resetAt = l.nextReset(now)
	}
}

// Wait consumes one unit of budget, blocking until the window resets if the
// budget is exhausted. If the reset lies beyond ctx's deadline it returns a
// *source.RateLimitError without waiting.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.clock.Now()
		l.roll(now)
		if l.remaining > 0 {
			l.remaining--
			l.mu.Unlock()
			return nil
		}
		resetAt := l.resetAt
		l.mu.Unlock()

		if deadline, ok := ctx.Deadline(); ok && deadline.Before(resetAt) {
			return &source.RateLimitError{Source: l.name, ResetAt: resetAt}
		}

		d := resetAt.Sub(now)
		if l.OnWait != nil {
			l.OnWait(l.name, d)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(d):
		}
	}
}

// Update overwrites the budget from provider-reported limit and usage.
func (l *Limiter) Update(limit, used int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.roll(l.clock.Now())
	if limit > 0 {
		l.limit = limit
	}
	l.remaining = l.limit - used
	if l.remaining < 0 {
		l.remaining = 0
	}
}

// Exhaust marks the window as spent, e.g. after an HTTP 429. A zero resetAt
// keeps the current window end.
func (l *Limiter) Exhaust(resetAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.roll(l.clock.Now())
	l.remaining = 0
	if resetAt.After(l.resetAt) {
		l.resetAt = resetAt
	}
}

// Remaining returns the budget left in the current window.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roll(l.clock.Now())
	return l.remaining
}

// ResetAt returns when the current window ends.
func (l *Limiter) ResetAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roll(l.clock.Now())
	return l.resetAt
}

// Group waits on several limiters in order, e.g. a short and a daily window.
type Group []*Limiter

// Wait consumes one unit from every limiter in the group.
func (g Group) Wait(ctx context.Context) error {
	for _, l := range g {
		if err := l.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ParsePair parses a header value of comma-separated integers such as
// "200,2000".
func ParsePair(v string) ([]int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	parts := strings.Split(v, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid rate limit value %q: %w", p, err)
		}
		out = append(out, n)
	}
	return out, nil
}
