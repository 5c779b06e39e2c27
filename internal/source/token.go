package source

import (
	"fmt"
	"time"
)

// Token is a provider credential. A client replaces its token wholesale on
// refresh; tokens are never mutated in place.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
}

// Expired reports whether the token is no longer usable at now. A token
// whose expiry equals now is expired. A zero ExpiresAt never expires.
func (t *Token) Expired(now time.Time) bool {
	if t == nil {
		return true
	}
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(t.ExpiresAt)
}

// CanRefresh reports whether the token carries a refresh credential.
func (t *Token) CanRefresh() bool {
	return t != nil && t.RefreshToken != ""
}

// AuthMethod is the closed set of ways a provider accepts credentials.
// Exactly one of AccessTokenAuth or RefreshTokenAuth is configured per source.
type AuthMethod interface {
	authMethod()
	Kind() string
}

// AccessTokenAuth is a user-supplied bearer token. It is never refreshed.
type AccessTokenAuth struct {
	Token     string
	ExpiresAt time.Time // zero when unknown
}

func (AccessTokenAuth) authMethod()  {}
func (AccessTokenAuth) Kind() string { return "access_token" }

// RefreshTokenAuth is a long-lived refresh credential exchanged for access
// tokens on demand.
type RefreshTokenAuth struct {
	Token string
}

func (RefreshTokenAuth) authMethod()  {}
func (RefreshTokenAuth) Kind() string { return "refresh_token" }

// ParseAuthMethod builds an AuthMethod from configuration values. Exactly one
// of accessToken and refreshToken must be set.
func ParseAuthMethod(accessToken, refreshToken string, expiresAt time.Time) (AuthMethod, error) {
	switch {
	case accessToken != "" && refreshToken != "":
		return nil, &ConfigurationError{Field: "auth", Reason: "access_token and refresh_token are mutually exclusive"}
	case accessToken != "":
		return AccessTokenAuth{Token: accessToken, ExpiresAt: expiresAt}, nil
	case refreshToken != "":
		return RefreshTokenAuth{Token: refreshToken}, nil
	default:
		return nil, &ConfigurationError{Field: "auth", Reason: "one of access_token or refresh_token is required"}
	}
}

// String never includes secret material.
func (t *Token) String() string {
	if t == nil {
		return "<nil token>"
	}
	exp := "never"
	if !t.ExpiresAt.IsZero() {
		exp = t.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("token(type=%s expires=%s refreshable=%t)", t.TokenType, exp, t.CanRefresh())
}
