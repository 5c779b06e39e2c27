// Package nike syncs runs from the Nike Run Club activity API.
package nike

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BadgerOps/fitsync/internal/observability"
	"github.com/BadgerOps/fitsync/internal/ratelimit"
	"github.com/BadgerOps/fitsync/internal/safety"
	"github.com/BadgerOps/fitsync/internal/source"
)

const (
	DefaultBaseURL  = "https://api.nike.com"
	DefaultTokenURL = "https://api.nike.com/idn/shim/oauth/2.0/token"

	defaultRequestsPerWindow = 60
	defaultWindow            = time.Minute
	maxRateLimitRetries      = 3
)

// Client talks to the Nike activity API. Requests are authenticated by the
// http.Client's transport.
type Client struct {
	sourceID string
	baseURL  string
	http     *http.Client
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
}

// NewClient creates a client with a locally counted request budget.
func NewClient(sourceID, baseURL string, hc *http.Client, perWindow int, window time.Duration, logger *slog.Logger, opts ...ratelimit.Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if perWindow <= 0 {
		perWindow = defaultRequestsPerWindow
	}
	if window <= 0 {
		window = defaultWindow
	}
	c := &Client{
		sourceID: sourceID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     hc,
		limiter:  ratelimit.New(sourceID, perWindow, window, opts...),
		logger:   logger,
	}
	c.limiter.OnWait = func(name string, d time.Duration) {
		c.logger.Info("request budget exhausted, waiting for window reset", "limiter", name, "wait", d)
		observability.RecordRateLimitWait(name, d)
	}
	return c
}

// ActivitiesAfterTime fetches the first page of activities that started
// after t.
func (c *Client) ActivitiesAfterTime(ctx context.Context, t time.Time) (*ActivityPage, error) {
	ms := int64(0)
	if !t.IsZero() {
		ms = t.UnixMilli()
	}
	return c.page(ctx, "/sport/v3/me/activities/after_time/"+strconv.FormatInt(ms, 10))
}

// ActivitiesAfterID fetches the page following the cursor returned in
// paging.after_id.
func (c *Client) ActivitiesAfterID(ctx context.Context, afterID string) (*ActivityPage, error) {
	return c.page(ctx, "/sport/v3/me/activities/after_id/"+url.PathEscape(afterID))
}

func (c *Client) page(ctx context.Context, path string) (*ActivityPage, error) {
	var p ActivityPage
	if err := c.get(ctx, path, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	u := c.baseURL + path

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			if source.IsAuthError(err) {
				return err
			}
			observability.RecordProviderRequest("nike", "error")
			return &source.TransientFetchError{Source: c.sourceID, Err: err}
		}
		observability.RecordProviderRequest("nike", strconv.Itoa(resp.StatusCode))

		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			resp.Body.Close()
			c.limiter.Exhaust(retryAfter(resp.Header, time.Now()))
			if attempt < maxRateLimitRetries {
				c.logger.Warn("nike returned 429, retrying after window reset", "source", c.sourceID, "attempt", attempt+1)
				continue
			}
			return &source.RateLimitError{Source: c.sourceID, ResetAt: c.limiter.ResetAt()}
		case http.StatusUnauthorized, http.StatusForbidden:
			resp.Body.Close()
			return &source.AuthError{Source: c.sourceID, Reason: fmt.Sprintf("nike rejected the request with status %d", resp.StatusCode)}
		}

		if err := safety.CheckResponse(resp); err != nil {
			resp.Body.Close()
			return err
		}
		body, err := safety.ReadAllWithLimit(resp.Body, safety.DefaultBodyLimit)
		resp.Body.Close()
		if err != nil {
			return &source.TransientFetchError{Source: c.sourceID, Err: err}
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to decode nike response: %w", err)
		}
		return nil
	}
}

// retryAfter reads a Retry-After header given in seconds. It returns the
// zero time when the header is absent or malformed.
func retryAfter(h http.Header, now time.Time) time.Time {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return time.Time{}
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return time.Time{}
	}
	return now.Add(time.Duration(secs) * time.Second)
}
