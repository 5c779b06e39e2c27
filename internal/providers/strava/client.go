// Package strava syncs activities from the Strava v3 API.
package strava

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
	DefaultBaseURL  = "https://www.strava.com/api/v3"
	DefaultAuthURL  = "https://www.strava.com/oauth/authorize"
	DefaultTokenURL = "https://www.strava.com/oauth/token"

	// MaxPageSize is the largest per_page Strava accepts.
	MaxPageSize = 200

	defaultShortLimit = 100
	defaultDailyLimit = 1000

	// maxRateLimitRetries bounds how often one request is re-sent after a 429.
	maxRateLimitRetries = 3
)

// Client is a thin Strava API client. The http.Client it is given is
// expected to authenticate requests (see oauth.Transport).
type Client struct {
	sourceID string
	baseURL  string
	http     *http.Client
	short    *ratelimit.Limiter
	daily    *ratelimit.Limiter
	logger   *slog.Logger
}

// NewClient creates a client against baseURL with the given budgets.
// Non-positive limits fall back to Strava's default read limits.
func NewClient(sourceID, baseURL string, hc *http.Client, shortLimit, dailyLimit int, logger *slog.Logger, opts ...ratelimit.Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if shortLimit <= 0 {
		shortLimit = defaultShortLimit
	}
	if dailyLimit <= 0 {
		dailyLimit = defaultDailyLimit
	}
	opts = append([]ratelimit.Option{ratelimit.WithAlignedWindows()}, opts...)
	c := &Client{
		sourceID: sourceID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     hc,
		short:    ratelimit.New(sourceID+":15min", shortLimit, 15*time.Minute, opts...),
		daily:    ratelimit.New(sourceID+":daily", dailyLimit, 24*time.Hour, opts...),
		logger:   logger,
	}
	c.short.OnWait = c.onWait
	c.daily.OnWait = c.onWait
	return c
}

func (c *Client) onWait(name string, d time.Duration) {
	c.logger.Info("rate limit budget exhausted, waiting for window reset", "limiter", name, "wait", d)
	observability.RecordRateLimitWait(name, d)
}

// Athlete is the subset of the authenticated athlete profile we use.
type Athlete struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"firstname"`
	LastName  string `json:"lastname"`
}

// GetAthlete fetches the authenticated athlete. It is the cheapest
// authenticated call and is used for connection tests.
func (c *Client) GetAthlete(ctx context.Context) (*Athlete, error) {
	var a Athlete
	if err := c.get(ctx, "/athlete", nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ListActivities fetches one page of the athlete's activities started
// after the given time. page is 1-based.
func (c *Client) ListActivities(ctx context.Context, after time.Time, page, perPage int) ([]SummaryActivity, error) {
	if perPage <= 0 || perPage > MaxPageSize {
		perPage = MaxPageSize
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	if !after.IsZero() {
		q.Set("after", strconv.FormatInt(after.Unix(), 10))
	}

	var out []SummaryActivity
	if err := c.get(ctx, "/athlete/activities", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// get issues a rate-limited GET and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	for attempt := 0; ; attempt++ {
		if err := (ratelimit.Group{c.short, c.daily}).Wait(ctx); err != nil {
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
			observability.RecordProviderRequest("strava", "error")
			return &source.TransientFetchError{Source: c.sourceID, Err: err}
		}
		observability.RecordProviderRequest("strava", strconv.Itoa(resp.StatusCode))
		c.observe(resp.Header)

		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			resp.Body.Close()
			c.exhaust(resp.Header)
			if attempt < maxRateLimitRetries {
				c.logger.Warn("strava returned 429, retrying after window reset", "source", c.sourceID, "attempt", attempt+1)
				continue
			}
			return &source.RateLimitError{Source: c.sourceID, ResetAt: c.short.ResetAt()}
		case http.StatusUnauthorized, http.StatusForbidden:
			resp.Body.Close()
			return &source.AuthError{Source: c.sourceID, Reason: fmt.Sprintf("strava rejected the request with status %d", resp.StatusCode)}
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
			return fmt.Errorf("failed to decode strava response: %w", err)
		}
		return nil
	}
}

// observe updates both windows from X-RateLimit-Limit/X-RateLimit-Usage,
// formatted as "short,daily".
func (c *Client) observe(h http.Header) {
	limits, err := ratelimit.ParsePair(h.Get("X-RateLimit-Limit"))
	if err != nil || len(limits) < 2 {
		return
	}
	usage, err := ratelimit.ParsePair(h.Get("X-RateLimit-Usage"))
	if err != nil || len(usage) < 2 {
		return
	}
	c.short.Update(limits[0], usage[0])
	c.daily.Update(limits[1], usage[1])
}

// exhaust marks the window that ran out as spent after a 429.
func (c *Client) exhaust(h http.Header) {
	limits, _ := ratelimit.ParsePair(h.Get("X-RateLimit-Limit"))
	usage, _ := ratelimit.ParsePair(h.Get("X-RateLimit-Usage"))
	if len(limits) >= 2 && len(usage) >= 2 && usage[1] >= limits[1] {
		c.daily.Exhaust(time.Time{})
		return
	}
	c.short.Exhaust(time.Time{})
}

// Remaining reports the budget left in the short and daily windows.
func (c *Client) Remaining() (short, daily int) {
	return c.short.Remaining(), c.daily.Remaining()
}
