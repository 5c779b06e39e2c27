// Package oauth provides the token plumbing shared by provider clients:
// a cached token source, a RoundTripper that retries once after a 401,
// and OAuth2 grants.
package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BadgerOps/fitsync/internal/source"
)

// TokenSource returns a valid token.
// It is safe for concurrent use by multiple goroutines.
type TokenSource interface {
	Token(context.Context) (*source.Token, error)
	ForceRefresh(context.Context) (*source.Token, error)
}

// RefreshFunc obtains a replacement for current, which may be nil.
type RefreshFunc func(ctx context.Context, current *source.Token) (*source.Token, error)

// CachedSource holds the current token and refreshes it on expiry or on
// demand. A failed refresh leaves the held token untouched.
type CachedSource struct {
	mu      sync.Mutex
	tok     *source.Token
	refresh RefreshFunc

	// Skew refreshes tokens slightly before they expire.
	Skew time.Duration
	// Now is the clock; nil means time.Now.
	Now func() time.Time
	// OnRefresh is called with each newly obtained token.
	OnRefresh func(*source.Token)
}

// NewCachedSource creates a source seeded with tok (may be nil).
func NewCachedSource(tok *source.Token, refresh RefreshFunc) *CachedSource {
	return &CachedSource{tok: tok, refresh: refresh, Skew: 30 * time.Second}
}

func (s *CachedSource) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Token returns the held token, refreshing it first if it has expired.
func (s *CachedSource) Token(ctx context.Context) (*source.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tok != nil && !s.tok.Expired(s.now().Add(s.Skew)) {
		return s.tok, nil
	}
	return s.refreshLocked(ctx)
}

// ForceRefresh forcibly refreshes the token regardless of expiry.
func (s *CachedSource) ForceRefresh(ctx context.Context) (*source.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshLocked(ctx)
}

func (s *CachedSource) refreshLocked(ctx context.Context) (*source.Token, error) {
	if s.refresh == nil {
		return nil, &source.AuthError{Reason: "token expired and no refresh path is configured"}
	}
	tok, err := s.refresh(ctx, s.tok)
	if err != nil {
		return nil, err
	}
	s.tok = tok
	if s.OnRefresh != nil {
		s.OnRefresh(tok)
	}
	return tok, nil
}

// Current returns the held token without refreshing.
func (s *CachedSource) Current() *source.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tok
}

// Set replaces the held token.
func (s *CachedSource) Set(tok *source.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tok = tok
}

// Transport is an http.RoundTripper that authenticates all requests
// using the provided TokenSource.
type Transport struct {
	// Source supplies the token to be used.
	Source TokenSource

	// Base is the base RoundTripper used to make the actual HTTP requests.
	// If nil, http.DefaultTransport is used.
	Base http.RoundTripper

	Logger *slog.Logger
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx := req.Context()
	token, err := t.Source.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("oauth: cannot get token: %w", err)
	}

	req2 := cloneRequest(req)
	req2.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := base.RoundTrip(req2)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	// A consumed body without GetBody cannot be replayed.
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return resp, nil
	}
	resp.Body.Close()

	logger.Warn("got 401 Unauthorized, attempting force refresh", "url", req.URL.Redacted())

	token, err = t.Source.ForceRefresh(ctx)
	if err != nil {
		return nil, fmt.Errorf("oauth: force refresh failed: %w", err)
	}

	req3 := cloneRequest(req)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("oauth: replay request body: %w", err)
		}
		req3.Body = body
	}
	req3.Header.Set("Authorization", "Bearer "+token.AccessToken)
	return base.RoundTrip(req3)
}

// cloneRequest returns a clone of the provided *http.Request.
// The clone is a shallow copy of the struct and its Header map.
func cloneRequest(r *http.Request) *http.Request {
	r2 := new(http.Request)
	*r2 = *r
	r2.Header = make(http.Header, len(r.Header))
	for k, s := range r.Header {
		r2.Header[k] = append([]string(nil), s...)
	}
	return r2
}

// NewClient wraps base with a Transport over src and applies timeout.
func NewClient(src TokenSource, base http.RoundTripper, timeout time.Duration, logger *slog.Logger) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &Transport{Source: src, Base: base, Logger: logger},
	}
}
