package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/BadgerOps/fitsync/internal/providers"
	"github.com/BadgerOps/fitsync/internal/source"
	"github.com/BadgerOps/fitsync/internal/store"
)

// redacted replaces credential values in responses. Sending it back in an
// update keeps the stored value.
const redacted = "********"

var validSourceID = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

type sourceConfigJSON struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	Enabled      bool           `json:"enabled"`
	Settings     map[string]any `json:"settings"`
	Status       string         `json:"status"`
	LastSync     *time.Time     `json:"lastSync"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	CreatedAt    time.Time      `json:"createdAt,omitempty"`
	UpdatedAt    time.Time      `json:"updatedAt,omitempty"`
}

type sourceConfigRequest struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Type     string         `json:"type"`
	Enabled  *bool          `json:"enabled"`
	Settings map[string]any `json:"settings"`
}

func decodeSourceRequest(r *http.Request) (*sourceConfigRequest, error) {
	var req sourceConfigRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	configs, err := s.store.ListSourceConfigs(r.Context())
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}

	result := make([]sourceConfigJSON, 0, len(configs))
	for _, sc := range configs {
		result = append(result, dbToJSON(sc))
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCreateSource(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSourceRequest(r)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if !slices.Contains(providers.Types(), req.Type) {
		jsonError(w, http.StatusBadRequest, "invalid type: must be one of "+strings.Join(providers.Types(), ", "))
		return
	}
	if req.ID == "" {
		req.ID = req.Type + "-" + uuid.NewString()[:8]
	}
	if !validSourceID.MatchString(req.ID) {
		jsonError(w, http.StatusBadRequest, "id must be lowercase letters, digits, '-' or '_'")
		return
	}

	cfg := source.Config{
		ID:       req.ID,
		Name:     req.Name,
		Type:     req.Type,
		Enabled:  req.Enabled == nil || *req.Enabled,
		Settings: req.Settings,
		Status:   source.StatusInactive,
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	if err := s.checkSettings(cfg); err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	sc, err := store.SourceConfigFrom(cfg)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.CreateSourceConfig(r.Context(), sc); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			jsonError(w, http.StatusConflict, "source with id '"+req.ID+"' already exists")
			return
		}
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.reloadSources(r)

	got, err := s.store.GetSourceConfig(r.Context(), req.ID)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, dbToJSON(*got))
}

func (s *Server) handleUpdateSource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		jsonError(w, http.StatusBadRequest, "source id required")
		return
	}

	existing, err := s.store.GetSourceConfig(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			jsonError(w, http.StatusNotFound, "source not found: "+id)
			return
		}
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}

	req, err := decodeSourceRequest(r)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Type != "" && !slices.Contains(providers.Types(), req.Type) {
		jsonError(w, http.StatusBadRequest, "invalid type")
		return
	}

	cfg, err := existing.ToSource()
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if req.Type != "" {
		cfg.Type = req.Type
	}
	if req.Name != "" {
		cfg.Name = req.Name
	}
	if req.Enabled != nil {
		cfg.Enabled = *req.Enabled
	}
	if req.Settings != nil {
		cfg.Settings = mergeRedacted(req.Settings, cfg.Settings)
	}
	if err := s.checkSettings(cfg); err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	sc, err := store.SourceConfigFrom(cfg)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	// A config edit clears the last build error; reload sets it again if
	// the adapter still cannot be built.
	sc.ErrorMessage = ""
	if sc.Status == string(source.StatusError) {
		sc.Status = string(source.StatusInactive)
	}
	if err := s.store.UpdateSourceConfig(r.Context(), sc); err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.reloadSources(r)

	got, err := s.store.GetSourceConfig(r.Context(), id)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, dbToJSON(*got))
}

func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		jsonError(w, http.StatusBadRequest, "source id required")
		return
	}

	if err := s.store.DeleteSourceConfig(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			jsonError(w, http.StatusNotFound, "source not found: "+id)
			return
		}
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.reloadSources(r)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggleSource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		jsonError(w, http.StatusBadRequest, "source id required")
		return
	}

	if err := s.store.ToggleSourceConfig(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			jsonError(w, http.StatusNotFound, "source not found: "+id)
			return
		}
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.reloadSources(r)

	got, err := s.store.GetSourceConfig(r.Context(), id)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, dbToJSON(*got))
}

// checkSettings builds a throwaway adapter so configuration mistakes are
// rejected with a 400 instead of surfacing as an errored source.
func (s *Server) checkSettings(cfg source.Config) error {
	return providers.Validate(cfg, providers.Deps{Logger: s.logger})
}

// reloadSources brings the registry in line with the stored configs.
func (s *Server) reloadSources(r *http.Request) {
	if err := s.manager.ReconfigureSources(r.Context()); err != nil {
		s.logger.Error("failed to reconfigure sources", "error", err)
	}
}

// isSecretKey reports whether a settings key holds a credential.
func isSecretKey(key string) bool {
	k := strings.ToLower(key)
	return strings.Contains(k, "secret") || (strings.Contains(k, "token") && !strings.HasSuffix(k, "_url"))
}

// mergeRedacted returns next with every redacted placeholder replaced by
// the previous value for that key.
func mergeRedacted(next, prev map[string]any) map[string]any {
	out := make(map[string]any, len(next))
	for k, v := range next {
		if v == redacted {
			if old, ok := prev[k]; ok {
				out[k] = old
			}
			continue
		}
		out[k] = v
	}
	return out
}

// dbToJSON converts a store.SourceConfig to the JSON response shape with
// credentials redacted.
func dbToJSON(sc store.SourceConfig) sourceConfigJSON {
	var settings map[string]any
	json.Unmarshal([]byte(sc.SettingsJSON), &settings)
	if settings == nil {
		settings = make(map[string]any)
	}
	for k, v := range settings {
		if s, ok := v.(string); ok && s != "" && isSecretKey(k) {
			settings[k] = redacted
		}
	}
	return sourceConfigJSON{
		ID:           sc.ID,
		Name:         sc.Name,
		Type:         sc.Type,
		Enabled:      sc.Enabled,
		Settings:     settings,
		Status:       sc.Status,
		LastSync:     sc.LastSync,
		ErrorMessage: sc.ErrorMessage,
		CreatedAt:    sc.CreatedAt,
		UpdatedAt:    sc.UpdatedAt,
	}
}
