package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BadgerOps/fitsync/internal/source"
)

func TestTransportRetriesOnceAfter401(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var refreshes atomic.Int32
	src := NewCachedSource(&source.Token{AccessToken: "stale"}, func(ctx context.Context, cur *source.Token) (*source.Token, error) {
		refreshes.Add(1)
		return &source.Token{AccessToken: "fresh", RefreshToken: "r"}, nil
	})

	client := NewClient(src, nil, 5*time.Second, nil)
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, hits.Load())
	assert.EqualValues(t, 1, refreshes.Load())
	assert.Equal(t, "fresh", src.Current().AccessToken)
}

func TestTransportDoesNotLoopOnPersistent401(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	src := NewCachedSource(&source.Token{AccessToken: "a"}, func(ctx context.Context, cur *source.Token) (*source.Token, error) {
		return &source.Token{AccessToken: "b"}, nil
	})

	resp, err := NewClient(src, nil, 5*time.Second, nil).Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.EqualValues(t, 2, hits.Load())
}

func TestCachedSourceKeepsTokenOnRefreshFailure(t *testing.T) {
	old := &source.Token{AccessToken: "old", ExpiresAt: time.Now().Add(-time.Minute)}
	src := NewCachedSource(old, func(ctx context.Context, cur *source.Token) (*source.Token, error) {
		return nil, &source.AuthError{Reason: "revoked"}
	})

	_, err := src.Token(context.Background())
	require.Error(t, err)
	assert.True(t, source.IsAuthError(err))
	assert.Same(t, old, src.Current())
}

func TestCachedSourceWithoutRefresh(t *testing.T) {
	src := NewCachedSource(nil, nil)
	_, err := src.ForceRefresh(context.Background())
	assert.True(t, source.IsAuthError(err))
}

func TestGrantRefreshAndExchange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "cid", r.PostForm.Get("client_id"))
		assert.Equal(t, "secret", r.PostForm.Get("client_secret"))

		w.Header().Set("Content-Type", "application/json")
		switch r.PostForm.Get("grant_type") {
		case "refresh_token":
			if r.PostForm.Get("refresh_token") != "good" {
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
				return
			}
			// No refresh_token in the response: the old one must be kept.
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "acc-2", "token_type": "Bearer", "expires_in": 21600,
			})
		case "authorization_code":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "acc-1", "refresh_token": "ref-1", "token_type": "Bearer",
				"expires_in": 21600, "scope": "read,activity:read_all",
			})
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	g := NewGrant(GrantConfig{
		Provider: "strava", ClientID: "cid", ClientSecret: "secret",
		TokenURL: srv.URL, AuthURL: srv.URL + "/authorize",
	}, srv.Client())

	tok, err := g.Refresh(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "acc-2", tok.AccessToken)
	assert.Equal(t, "good", tok.RefreshToken)
	assert.False(t, tok.Expired(time.Now()))

	tok, err = g.Exchange(context.Background(), "code-123")
	require.NoError(t, err)
	assert.Equal(t, "ref-1", tok.RefreshToken)
	assert.Equal(t, []string{"read", "activity:read_all"}, tok.Scopes)

	_, err = g.Refresh(context.Background(), "revoked")
	var ae *source.AuthError
	require.True(t, errors.As(err, &ae), "expected AuthError, got %v", err)

	_, err = g.Refresh(context.Background(), "")
	assert.True(t, source.IsAuthError(err))
}

func TestGrantServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	g := NewGrant(GrantConfig{Provider: "nike", ClientID: "c", TokenURL: srv.URL}, srv.Client())
	_, err := g.Refresh(context.Background(), "r")
	assert.True(t, source.IsTransient(err), "expected transient error, got %v", err)
}
