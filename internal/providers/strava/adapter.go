package strava

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BadgerOps/fitsync/internal/activity"
	"github.com/BadgerOps/fitsync/internal/config"
	"github.com/BadgerOps/fitsync/internal/engine"
	"github.com/BadgerOps/fitsync/internal/oauth"
	"github.com/BadgerOps/fitsync/internal/ratelimit"
	"github.com/BadgerOps/fitsync/internal/safety"
	"github.com/BadgerOps/fitsync/internal/source"
)

// Type is the source type name used in configuration.
const Type = "strava"

var defaultScopes = []string{"read", "activity:read_all"}

// Options configures an Adapter.
type Options struct {
	ID       string
	Name     string
	Config   config.StravaSourceConfig
	Records  engine.RecordStore
	Settings engine.Settings
	LastSync *time.Time
	Logger   *slog.Logger

	// OnToken is called whenever a new token is obtained, so rotated
	// refresh tokens can be persisted.
	OnToken func(*source.Token)

	// LimiterOptions are passed to the rate limiters (tests use a fake clock).
	LimiterOptions []ratelimit.Option
}

// Adapter implements source.DataSource for Strava.
type Adapter struct {
	id       string
	cfg      config.StravaSourceConfig
	client   *Client
	grant    *oauth.Grant
	tokens   *oauth.CachedSource
	records  engine.RecordStore
	settings engine.Settings
	status   *source.StatusTracker
	logger   *slog.Logger

	// configErr holds an endpoint problem found by New.
	configErr error

	mu   sync.RWMutex
	name string
}

// New creates a Strava adapter. Missing credentials and invalid endpoints
// are not an error here; they are reported by Authenticate.
func New(opts Options) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("source", opts.ID)
	cfg := opts.Config

	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = DefaultAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	configErr := checkEndpoints(opts.ID, cfg)
	if configErr != nil {
		logger.Warn("source misconfigured", "error", configErr)
	}
	if cfg.PageSize <= 0 || cfg.PageSize > MaxPageSize {
		cfg.PageSize = MaxPageSize
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes
	}

	timeout := opts.Settings.Timeout()
	a := &Adapter{
		id:       opts.ID,
		name:     opts.Name,
		cfg:      cfg,
		records:  opts.Records,
		settings: opts.Settings,
		status:   source.NewStatusTracker(opts.LastSync),
		logger:   logger,

		configErr: configErr,
	}

	// Strava expects a comma-separated scope list.
	a.grant = oauth.NewGrant(oauth.GrantConfig{
		Provider:     opts.ID,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Scopes:       []string{strings.Join(scopes, ",")},
		AuthURL:      cfg.AuthURL,
		TokenURL:     cfg.TokenURL,
	}, safety.NewHTTPClient(timeout))

	var seed *source.Token
	if cfg.AccessToken != "" {
		seed = &source.Token{AccessToken: cfg.AccessToken, RefreshToken: cfg.RefreshToken, TokenType: "Bearer"}
		if cfg.ExpiresAt > 0 {
			seed.ExpiresAt = time.Unix(cfg.ExpiresAt, 0)
		}
	}
	a.tokens = oauth.NewCachedSource(seed, a.refresh)
	a.tokens.OnRefresh = opts.OnToken

	hc := oauth.NewClient(a.tokens, safety.NewTransport(), timeout, logger)
	a.client = NewClient(opts.ID, cfg.BaseURL, hc, cfg.ShortLimit, cfg.DailyLimit, logger, opts.LimiterOptions...)
	return a
}

func checkEndpoints(id string, cfg config.StravaSourceConfig) error {
	for _, ep := range []struct{ field, url string }{
		{"base_url", cfg.BaseURL},
		{"auth_url", cfg.AuthURL},
		{"token_url", cfg.TokenURL},
	} {
		if _, err := safety.ValidateHTTPURL(ep.url); err != nil {
			return &source.ConfigurationError{Source: id, Field: ep.field, Reason: err.Error()}
		}
	}
	if cfg.RedirectURI != "" {
		if _, err := safety.ValidateRedirectURI(cfg.RedirectURI); err != nil {
			return &source.ConfigurationError{Source: id, Field: "redirect_uri", Reason: err.Error()}
		}
	}
	return nil
}

// refresh renews the token with the held refresh token, falling back to
// the configured one.
func (a *Adapter) refresh(ctx context.Context, current *source.Token) (*source.Token, error) {
	rt := a.cfg.RefreshToken
	if current != nil && current.RefreshToken != "" {
		rt = current.RefreshToken
	}
	if rt == "" {
		return nil, &source.AuthError{Source: a.id, Reason: "access token expired and no refresh token is configured"}
	}
	a.logger.Debug("refreshing strava access token")
	return a.grant.Refresh(ctx, rt)
}

func (a *Adapter) ID() string   { return a.id }
func (a *Adapter) Type() string { return Type }

// Name returns the display name.
func (a *Adapter) Name() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.name
}

// SetName implements source.NameSetter.
func (a *Adapter) SetName(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.name = name
}

// Validate implements source.Validator. Missing tokens are not reported
// here since they are obtained through the authorization flow.
func (a *Adapter) Validate() error { return a.configErr }

func (a *Adapter) validate() error {
	if a.configErr != nil {
		return a.configErr
	}
	held := a.tokens.Current()
	hasRefresh := a.cfg.RefreshToken != "" || (held != nil && held.RefreshToken != "")
	if held == nil && !hasRefresh {
		return &source.ConfigurationError{Source: a.id, Field: "refresh_token",
			Reason: "no access or refresh token; authorize with `fitsync auth strava`"}
	}
	if hasRefresh && (a.cfg.ClientID == "" || a.cfg.ClientSecret == "") {
		return &source.ConfigurationError{Source: a.id, Field: "client_id",
			Reason: "client_id and client_secret are required to refresh tokens"}
	}
	return nil
}

// Authenticate returns a valid token, refreshing through the token endpoint
// when the held one has expired.
func (a *Adapter) Authenticate(ctx context.Context) (*source.Token, error) {
	if err := a.validate(); err != nil {
		return nil, err
	}
	tok, err := a.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// CurrentToken implements source.TokenHolder.
func (a *Adapter) CurrentToken() *source.Token {
	return a.tokens.Current()
}

// AuthCodeURL implements source.Authorizer.
func (a *Adapter) AuthCodeURL(state string) string {
	return a.grant.AuthCodeURL(state)
}

// ExchangeCode implements source.Authorizer. The new token replaces the
// held one and is passed to OnToken.
func (a *Adapter) ExchangeCode(ctx context.Context, code string) (*source.Token, error) {
	if a.configErr != nil {
		return nil, a.configErr
	}
	if a.cfg.ClientID == "" || a.cfg.ClientSecret == "" {
		return nil, &source.ConfigurationError{Source: a.id, Field: "client_id",
			Reason: "client_id and client_secret are required for the authorization code exchange"}
	}
	tok, err := a.grant.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	a.tokens.Set(tok)
	if a.tokens.OnRefresh != nil {
		a.tokens.OnRefresh(tok)
	}
	a.logger.Info("strava authorization completed")
	return tok, nil
}

// TestConnection fetches the athlete profile.
func (a *Adapter) TestConnection(ctx context.Context) bool {
	if _, err := a.Authenticate(ctx); err != nil {
		a.logger.Warn("connection test failed", "error", err)
		return false
	}
	athlete, err := a.client.GetAthlete(ctx)
	if err != nil {
		a.logger.Warn("connection test failed", "error", err)
		return false
	}
	a.logger.Debug("connection test succeeded", "athlete_id", athlete.ID)
	return true
}

// FetchActivities pages through /athlete/activities and normalizes the
// results.
func (a *Adapter) FetchActivities(ctx context.Context, opts source.FetchOptions) ([]activity.Activity, error) {
	if a.configErr != nil {
		return nil, a.configErr
	}
	perPage := a.cfg.PageSize
	fetch := func(ctx context.Context, page int, _ string) (engine.Page[SummaryActivity], error) {
		items, err := a.client.ListActivities(ctx, opts.Since, page, perPage)
		if err != nil {
			return engine.Page[SummaryActivity]{}, err
		}
		return engine.Page[SummaryActivity]{Items: items, HasMore: len(items) == perPage}, nil
	}

	raw, err := engine.Paginate(ctx, a.settings.Paginate(a.id, a.logger), fetch)
	acts := make([]activity.Activity, 0, len(raw))
	for _, sa := range raw {
		acts = append(acts, Normalize(sa))
	}
	acts = opts.Apply(acts)
	if err != nil {
		return acts, fmt.Errorf("strava fetch: %w", err)
	}
	return acts, nil
}

// SyncActivities runs one sync attempt into the record store.
func (a *Adapter) SyncActivities(ctx context.Context, since time.Time) *source.SyncResult {
	return engine.Run(ctx, a, a.records, since, a.status, a.settings.Options(a.logger))
}

// SyncStatus implements source.DataSource.
func (a *Adapter) SyncStatus() source.SyncStatus {
	return a.status.Status()
}

// SetSchedule implements source.Scheduled.
func (a *Adapter) SetSchedule(interval time.Duration, next time.Time) {
	a.status.SetSchedule(interval, next)
}
