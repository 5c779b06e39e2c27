package server

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BadgerOps/fitsync/internal/providers/strava"
	"github.com/BadgerOps/fitsync/internal/source"
)

// authStateTTL is how long an authorization redirect stays redeemable.
const authStateTTL = 10 * time.Minute

// authStates tracks outstanding OAuth state values. A state is
// "<source id>:<nonce>" and can be redeemed once.
type authStates struct {
	mu      sync.Mutex
	pending map[string]time.Time
	now     func() time.Time
}

func newAuthStates() *authStates {
	return &authStates{pending: make(map[string]time.Time), now: time.Now}
}

func (a *authStates) issue(sourceID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	for st, exp := range a.pending {
		if now.After(exp) {
			delete(a.pending, st)
		}
	}
	state := sourceID + ":" + uuid.NewString()
	a.pending[state] = now.Add(authStateTTL)
	return state
}

// redeem consumes state and returns the source id it was issued for.
func (a *authStates) redeem(state string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	exp, ok := a.pending[state]
	if !ok {
		return "", false
	}
	delete(a.pending, state)
	if a.now().After(exp) {
		return "", false
	}
	id, _, _ := strings.Cut(state, ":")
	return id, true
}

// stravaAuthorizer finds the Strava adapter for id, or the only Strava
// source when id is empty.
func (s *Server) stravaAuthorizer(id string) (string, source.Authorizer, error) {
	reg := s.manager.Registry()
	if id == "" {
		for _, cfg := range reg.Configs() {
			if cfg.Type != strava.Type {
				continue
			}
			if id != "" {
				return "", nil, errors.New("several strava sources configured; pass ?source=")
			}
			id = cfg.ID
		}
		if id == "" {
			return "", nil, errors.New("no strava source configured")
		}
	}
	ds, ok := reg.Get(id)
	if !ok || ds.Type() != strava.Type {
		return "", nil, errors.New("unknown strava source: " + id)
	}
	if v, ok := ds.(source.Validator); ok {
		if err := v.Validate(); err != nil {
			return "", nil, err
		}
	}
	az, ok := ds.(source.Authorizer)
	if !ok {
		return "", nil, errors.New("source does not support authorization: " + id)
	}
	return id, az, nil
}

// handleStravaAuthorize redirects the browser to Strava's consent page.
func (s *Server) handleStravaAuthorize(w http.ResponseWriter, r *http.Request) {
	id, az, err := s.stravaAuthorizer(r.URL.Query().Get("source"))
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	http.Redirect(w, r, az.AuthCodeURL(s.authStates.issue(id)), http.StatusFound)
}

// handleStravaCallback completes the authorization-code exchange. The
// adapter persists the resulting tokens into the source settings.
func (s *Server) handleStravaCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		jsonError(w, http.StatusBadRequest, "authorization denied: "+e)
		return
	}
	code := q.Get("code")
	if code == "" {
		jsonError(w, http.StatusBadRequest, "code is required")
		return
	}
	id, ok := s.authStates.redeem(q.Get("state"))
	if !ok {
		jsonError(w, http.StatusBadRequest, "unknown or expired state")
		return
	}
	_, az, err := s.stravaAuthorizer(id)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	tok, err := az.ExchangeCode(r.Context(), code)
	if err != nil {
		var ce *source.ConfigurationError
		if errors.As(err, &ce) {
			jsonError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Warn("strava code exchange failed", "source", id, "error", err)
		jsonError(w, http.StatusBadGateway, "code exchange failed: "+err.Error())
		return
	}

	resp := map[string]any{"source": id, "status": "authorized"}
	if !tok.ExpiresAt.IsZero() {
		resp["expiresAt"] = tok.ExpiresAt
	}
	writeJSON(w, http.StatusOK, resp)
}
