package nike

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
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
const Type = "nike"

// Options configures an Adapter.
type Options struct {
	ID             string
	Name           string
	Config         config.NikeSourceConfig
	Records        engine.RecordStore
	Settings       engine.Settings
	LastSync       *time.Time
	Logger         *slog.Logger
	OnToken        func(*source.Token)
	LimiterOptions []ratelimit.Option
}

// Adapter implements source.DataSource for Nike Run Club.
type Adapter struct {
	id       string
	method   source.AuthMethod
	cfg      config.NikeSourceConfig
	client   *Client
	tokens   *oauth.CachedSource
	records  engine.RecordStore
	settings engine.Settings
	status   *source.StatusTracker
	logger   *slog.Logger

	// configErr is set when the configuration is unusable; client and
	// tokens are nil then.
	configErr error

	mu   sync.RWMutex
	name string
}

// New creates a Nike adapter. The auth method is fixed at construction:
// a user-supplied access token is used as-is until it expires, a refresh
// token is exchanged on demand. An invalid configuration still yields an
// adapter; Authenticate reports the problem.
func New(opts Options) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("source", opts.ID)

	a := &Adapter{
		id:       opts.ID,
		name:     opts.Name,
		cfg:      opts.Config,
		records:  opts.Records,
		settings: opts.Settings,
		status:   source.NewStatusTracker(opts.LastSync),
		logger:   logger,
	}
	if err := a.configure(opts); err != nil {
		var ce *source.ConfigurationError
		if errors.As(err, &ce) {
			ce.Source = opts.ID
		}
		logger.Warn("source misconfigured", "error", err)
		a.configErr = err
	}
	return a
}

func (a *Adapter) configure(opts Options) error {
	cfg := &a.cfg
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if _, err := safety.ValidateHTTPURL(cfg.BaseURL); err != nil {
		return &source.ConfigurationError{Field: "base_url", Reason: err.Error()}
	}
	if _, err := safety.ValidateHTTPURL(cfg.TokenURL); err != nil {
		return &source.ConfigurationError{Field: "token_url", Reason: err.Error()}
	}

	var expiresAt time.Time
	if cfg.ExpiresAt > 0 {
		expiresAt = time.Unix(cfg.ExpiresAt, 0)
	}
	method, err := source.ParseAuthMethod(cfg.AccessToken, cfg.RefreshToken, expiresAt)
	if err != nil {
		return err
	}

	var tokens *oauth.CachedSource
	switch m := method.(type) {
	case source.AccessTokenAuth:
		tokens = oauth.NewCachedSource(&source.Token{
			AccessToken: m.Token,
			ExpiresAt:   m.ExpiresAt,
			TokenType:   "Bearer",
		}, nil)
	case source.RefreshTokenAuth:
		if cfg.ClientID == "" {
			return &source.ConfigurationError{Field: "client_id", Reason: "client_id is required with refresh_token"}
		}
		grant := oauth.NewGrant(oauth.GrantConfig{
			Provider: opts.ID,
			ClientID: cfg.ClientID,
			TokenURL: cfg.TokenURL,
		}, safety.NewHTTPClient(opts.Settings.Timeout()))
		tokens = oauth.NewCachedSource(nil, func(ctx context.Context, cur *source.Token) (*source.Token, error) {
			rt := m.Token
			if cur.CanRefresh() {
				rt = cur.RefreshToken
			}
			return grant.Refresh(ctx, rt)
		})
		tokens.OnRefresh = opts.OnToken
	}

	hc := oauth.NewClient(tokens, safety.NewTransport(), opts.Settings.Timeout(), a.logger)
	a.method = method
	a.tokens = tokens
	a.client = NewClient(opts.ID, cfg.BaseURL, hc, cfg.RequestsPerWindow, cfg.Window, a.logger, opts.LimiterOptions...)
	return nil
}

func (a *Adapter) ID() string   { return a.id }
func (a *Adapter) Type() string { return Type }

// AuthKind reports which credential the adapter was configured with, or
// "" when the configuration is invalid.
func (a *Adapter) AuthKind() string {
	if a.method == nil {
		return ""
	}
	return a.method.Kind()
}

// Validate implements source.Validator.
func (a *Adapter) Validate() error { return a.configErr }

func (a *Adapter) Name() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.name
}

func (a *Adapter) SetName(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.name = name
}

// Authenticate returns the held token, refreshing it when configured with
// a refresh token. An expired user-supplied token is an AuthError.
func (a *Adapter) Authenticate(ctx context.Context) (*source.Token, error) {
	if a.configErr != nil {
		return nil, a.configErr
	}
	tok, err := a.tokens.Token(ctx)
	if err != nil {
		if source.IsAuthError(err) {
			return nil, &source.AuthError{Source: a.id, Reason: "nike token unusable", Err: err}
		}
		return nil, err
	}
	return tok, nil
}

func (a *Adapter) CurrentToken() *source.Token {
	if a.tokens == nil {
		return nil
	}
	return a.tokens.Current()
}

// TestConnection fetches the most recent page of activities.
func (a *Adapter) TestConnection(ctx context.Context) bool {
	if _, err := a.Authenticate(ctx); err != nil {
		a.logger.Warn("connection test failed", "error", err)
		return false
	}
	if _, err := a.client.ActivitiesAfterTime(ctx, time.Now().Add(-24*time.Hour)); err != nil {
		a.logger.Warn("connection test failed", "error", err)
		return false
	}
	return true
}

// FetchActivities follows the after_id cursor chain starting at Since.
// Deleted activities are dropped.
func (a *Adapter) FetchActivities(ctx context.Context, opts source.FetchOptions) ([]activity.Activity, error) {
	if a.configErr != nil {
		return nil, a.configErr
	}
	fetch := func(ctx context.Context, page int, cursor string) (engine.Page[Activity], error) {
		var (
			p   *ActivityPage
			err error
		)
		if page == 1 {
			p, err = a.client.ActivitiesAfterTime(ctx, opts.Since)
		} else {
			p, err = a.client.ActivitiesAfterID(ctx, cursor)
		}
		if err != nil {
			return engine.Page[Activity]{}, err
		}
		return engine.Page[Activity]{
			Items:   p.Activities,
			HasMore: p.Paging.AfterID != "",
			Next:    p.Paging.AfterID,
		}, nil
	}

	raw, err := engine.Paginate(ctx, a.settings.Paginate(a.id, a.logger), fetch)
	acts := make([]activity.Activity, 0, len(raw))
	for _, na := range raw {
		if na.IsDeleted || na.ID == "" {
			continue
		}
		acts = append(acts, Normalize(na))
	}
	acts = opts.Apply(acts)
	if err != nil {
		return acts, fmt.Errorf("nike fetch: %w", err)
	}
	return acts, nil
}

func (a *Adapter) SyncActivities(ctx context.Context, since time.Time) *source.SyncResult {
	return engine.Run(ctx, a, a.records, since, a.status, a.settings.Options(a.logger))
}

func (a *Adapter) SyncStatus() source.SyncStatus {
	return a.status.Status()
}

func (a *Adapter) SetSchedule(interval time.Duration, next time.Time) {
	a.status.SetSchedule(interval, next)
}
