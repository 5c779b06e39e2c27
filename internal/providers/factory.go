// Package providers builds source adapters from persisted configuration.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BadgerOps/fitsync/internal/config"
	"github.com/BadgerOps/fitsync/internal/engine"
	"github.com/BadgerOps/fitsync/internal/providers/fileimport"
	"github.com/BadgerOps/fitsync/internal/providers/nike"
	"github.com/BadgerOps/fitsync/internal/providers/strava"
	"github.com/BadgerOps/fitsync/internal/source"
)

// SettingsStore persists a source's settings JSON.
type SettingsStore interface {
	UpdateSourceSettings(ctx context.Context, id string, settingsJSON string) error
}

// Deps are the shared dependencies handed to every adapter.
type Deps struct {
	Records  engine.RecordStore
	Settings SettingsStore // nil disables token persistence
	Sync     engine.Settings
	Logger   *slog.Logger
	// BaseURL is the server's external URL. Strava sources without a
	// redirect_uri get BaseURL + StravaCallbackPath.
	BaseURL string
}

// StravaCallbackPath is where the server receives Strava authorization
// redirects.
const StravaCallbackPath = "/auth/strava/callback"

// Types lists the supported source types.
func Types() []string {
	return []string{strava.Type, nike.Type, fileimport.Type}
}

// NewFactory returns an engine.SourceFactory over deps.
func NewFactory(deps Deps) engine.SourceFactory {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return func(cfg source.Config) (source.DataSource, error) {
		return Build(cfg, deps)
	}
}

// Build creates the adapter for cfg. Only settings that cannot be decoded
// or an unknown type fail here; other configuration problems are carried
// by the adapter and reported from Authenticate.
func Build(cfg source.Config, deps Deps) (source.DataSource, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Type {
	case strava.Type:
		sc, err := config.ParseSourceConfig[config.StravaSourceConfig](cfg.Settings)
		if err != nil {
			return nil, &source.ConfigurationError{Source: cfg.ID, Reason: err.Error()}
		}
		if sc.RedirectURI == "" && deps.BaseURL != "" {
			sc.RedirectURI = strings.TrimRight(deps.BaseURL, "/") + StravaCallbackPath
		}
		p := newPersister(cfg, deps, logger)
		return strava.New(strava.Options{
			ID:       cfg.ID,
			Name:     cfg.Name,
			Config:   *sc,
			Records:  deps.Records,
			Settings: deps.Sync,
			LastSync: cfg.LastSync,
			Logger:   logger,
			OnToken: p.save(func(s map[string]any, tok *source.Token) {
				s["access_token"] = tok.AccessToken
				if tok.RefreshToken != "" {
					s["refresh_token"] = tok.RefreshToken
				}
				if tok.ExpiresAt.IsZero() {
					delete(s, "expires_at")
				} else {
					s["expires_at"] = tok.ExpiresAt.Unix()
				}
			}),
		}), nil

	case nike.Type:
		nc, err := config.ParseSourceConfig[config.NikeSourceConfig](cfg.Settings)
		if err != nil {
			return nil, &source.ConfigurationError{Source: cfg.ID, Reason: err.Error()}
		}
		p := newPersister(cfg, deps, logger)
		return nike.New(nike.Options{
			ID:       cfg.ID,
			Name:     cfg.Name,
			Config:   *nc,
			Records:  deps.Records,
			Settings: deps.Sync,
			LastSync: cfg.LastSync,
			Logger:   logger,
			// Only a rotated refresh token is worth keeping; storing the
			// access token would make the two auth modes ambiguous.
			OnToken: p.save(func(s map[string]any, tok *source.Token) {
				if tok.RefreshToken != "" {
					s["refresh_token"] = tok.RefreshToken
				}
			}),
		}), nil

	case fileimport.Type:
		fc, err := config.ParseSourceConfig[config.FileSourceConfig](cfg.Settings)
		if err != nil {
			return nil, &source.ConfigurationError{Source: cfg.ID, Reason: err.Error()}
		}
		return fileimport.New(fileimport.Options{
			ID:       cfg.ID,
			Name:     cfg.Name,
			Config:   *fc,
			Records:  deps.Records,
			Settings: deps.Sync,
			LastSync: cfg.LastSync,
			Logger:   logger,
		}), nil

	default:
		return nil, &source.ConfigurationError{Source: cfg.ID, Field: "type", Reason: fmt.Sprintf("unsupported source type %q", cfg.Type)}
	}
}

// Validate builds the adapter for cfg and reports any configuration
// problem without contacting the provider.
func Validate(cfg source.Config, deps Deps) error {
	ds, err := Build(cfg, deps)
	if err != nil {
		return err
	}
	if v, ok := ds.(source.Validator); ok {
		return v.Validate()
	}
	return nil
}

// persister writes token changes back into a source's stored settings.
type persister struct {
	id     string
	store  SettingsStore
	logger *slog.Logger

	mu       sync.Mutex
	settings map[string]any
}

func newPersister(cfg source.Config, deps Deps, logger *slog.Logger) *persister {
	settings := make(map[string]any, len(cfg.Settings))
	for k, v := range cfg.Settings {
		settings[k] = v
	}
	return &persister{id: cfg.ID, store: deps.Settings, logger: logger, settings: settings}
}

func (p *persister) save(apply func(map[string]any, *source.Token)) func(*source.Token) {
	if p.store == nil {
		return nil
	}
	return func(tok *source.Token) {
		if tok == nil {
			return
		}
		p.mu.Lock()
		defer p.mu.Unlock()

		apply(p.settings, tok)
		data, err := json.Marshal(p.settings)
		if err != nil {
			p.logger.Error("failed to encode source settings", "source", p.id, "error", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.store.UpdateSourceSettings(ctx, p.id, string(data)); err != nil {
			p.logger.Error("failed to persist refreshed token", "source", p.id, "error", err)
			return
		}
		p.logger.Debug("persisted refreshed token", "source", p.id, "token", tok.String())
	}
}
