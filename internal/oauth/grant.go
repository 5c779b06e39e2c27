package oauth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/BadgerOps/fitsync/internal/source"
)

// Grant performs OAuth2 authorization-code and refresh-token grants against
// one provider.
type Grant struct {
	provider string
	cfg      oauth2.Config
	client   *http.Client
}

// GrantConfig describes a provider's OAuth2 client registration.
type GrantConfig struct {
	Provider     string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	AuthURL      string
	TokenURL     string
}

// NewGrant creates a Grant. Credentials are sent as form parameters, which
// both Strava and Nike require.
func NewGrant(gc GrantConfig, client *http.Client) *Grant {
	return &Grant{
		provider: gc.Provider,
		client:   client,
		cfg: oauth2.Config{
			ClientID:     gc.ClientID,
			ClientSecret: gc.ClientSecret,
			RedirectURL:  gc.RedirectURL,
			Scopes:       gc.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   gc.AuthURL,
				TokenURL:  gc.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
	}
}

func (g *Grant) ctx(ctx context.Context) context.Context {
	if g.client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, g.client)
}

// AuthCodeURL returns the URL the user visits to authorize access.
func (g *Grant) AuthCodeURL(state string, opts ...oauth2.AuthCodeOption) string {
	return g.cfg.AuthCodeURL(state, opts...)
}

// Exchange trades an authorization code for a token.
func (g *Grant) Exchange(ctx context.Context, code string) (*source.Token, error) {
	if code == "" {
		return nil, &source.AuthError{Source: g.provider, Reason: "authorization code is empty"}
	}
	tok, err := g.cfg.Exchange(g.ctx(ctx), code)
	if err != nil {
		return nil, g.classify("code exchange", err)
	}
	return FromOAuth2(tok), nil
}

// Refresh exchanges refreshToken for a new token. When the provider does
// not rotate the refresh token the old one is carried over.
func (g *Grant) Refresh(ctx context.Context, refreshToken string) (*source.Token, error) {
	if refreshToken == "" {
		return nil, &source.AuthError{Source: g.provider, Reason: "no refresh token available"}
	}
	ts := g.cfg.TokenSource(g.ctx(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return nil, g.classify("token refresh", err)
	}
	out := FromOAuth2(tok)
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}
	return out, nil
}

// classify maps token endpoint failures onto the error taxonomy: 5xx and
// network errors are transient, everything else is an auth failure.
func (g *Grant) classify(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil && re.Response.StatusCode >= 500 {
			return &source.TransientFetchError{Source: g.provider, Err: err}
		}
		reason := op + " rejected"
		if re.ErrorCode != "" {
			reason += ": " + re.ErrorCode
		}
		return &source.AuthError{Source: g.provider, Reason: reason, Err: err}
	}
	return &source.TransientFetchError{Source: g.provider, Err: err}
}

// FromOAuth2 converts an oauth2.Token into a source.Token.
func FromOAuth2(tok *oauth2.Token) *source.Token {
	out := &source.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		TokenType:    tok.TokenType,
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		out.Scopes = strings.FieldsFunc(scope, func(r rune) bool { return r == ',' || r == ' ' })
	}
	return out
}
