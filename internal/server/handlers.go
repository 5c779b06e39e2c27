package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BadgerOps/fitsync/internal/activity"
	"github.com/BadgerOps/fitsync/internal/engine"
	"github.com/BadgerOps/fitsync/internal/source"
	"github.com/BadgerOps/fitsync/internal/store"
)

// maxRequestBody caps JSON request bodies.
const maxRequestBody = 1 << 20

// SyncRequestBody is the expected request body for POST /sync.
type SyncRequestBody struct {
	Since   string   `json:"since"`
	Sources []string `json:"sources"`
}

// SyncResultJSON is one source's entry in the POST /sync response.
type SyncResultJSON struct {
	*source.SyncResult
	Outcome    string `json:"outcome"`
	DurationMs int64  `json:"durationMs"`
}

// SyncSummary aggregates a POST /sync run.
type SyncSummary struct {
	Total               int `json:"total"`
	Succeeded           int `json:"succeeded"`
	Partial             int `json:"partial"`
	Failed              int `json:"failed"`
	ActivitiesProcessed int `json:"activitiesProcessed"`
	ActivitiesAdded     int `json:"activitiesAdded"`
	ActivitiesUpdated   int `json:"activitiesUpdated"`
}

// SyncResponseBody is the response from POST /sync.
type SyncResponseBody struct {
	Results []SyncResultJSON `json:"results"`
	Summary SyncSummary      `json:"summary"`
}

// parseSince accepts RFC3339 timestamps or plain YYYY-MM-DD dates (UTC
// midnight). An empty value means each source resumes from its last sync.
func parseSince(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid since %q: expected RFC3339 or YYYY-MM-DD", v)
}

func summarize(results []*source.SyncResult) SyncResponseBody {
	body := SyncResponseBody{Results: make([]SyncResultJSON, 0, len(results))}
	for _, res := range results {
		outcome := res.Outcome()
		body.Results = append(body.Results, SyncResultJSON{
			SyncResult: res,
			Outcome:    string(outcome),
			DurationMs: res.Duration().Milliseconds(),
		})
		body.Summary.Total++
		switch outcome {
		case source.OutcomeSuccess:
			body.Summary.Succeeded++
		case source.OutcomePartial:
			body.Summary.Partial++
		default:
			body.Summary.Failed++
		}
		body.Summary.ActivitiesProcessed += res.ActivitiesProcessed
		body.Summary.ActivitiesAdded += res.ActivitiesAdded
		body.Summary.ActivitiesUpdated += res.ActivitiesUpdated
	}
	return body
}

// handleSync triggers a sync of every enabled source, or of the listed
// ones. Source failures are reported in the body with a 200; only a
// malformed request is rejected.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequestBody
	err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		jsonError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	since, err := parseSince(req.Since)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	results, err := s.manager.SyncAll(r.Context(), since, req.Sources...)
	if err != nil {
		if errors.Is(err, engine.ErrUnknownSource) {
			jsonError(w, http.StatusBadRequest, err.Error())
			return
		}
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("manual sync finished", "sources", len(results))
	writeJSON(w, http.StatusOK, summarize(results))
}

// handleSyncStatus returns every configured source with its live state.
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Status())
}

// handleTestSources checks connectivity of every enabled source.
func (s *Server) handleTestSources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.TestConnections(r.Context()))
}

// handleListSyncRuns returns sync history, newest first.
func (s *Server) handleListSyncRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.store.ListSyncRuns(r.Context(), r.URL.Query().Get("source"), limit)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []store.SyncRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// ActivitiesResponseBody is the response from GET /api/activities.
type ActivitiesResponseBody struct {
	Total      int                 `json:"total"`
	Activities []activity.Activity `json:"activities"`
}

// handleListActivities returns stored activities, newest first.
func (s *Server) handleListActivities(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	src := r.URL.Query().Get("source")

	acts, err := s.records.ListActivities(r.Context(), src, limit)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := s.records.CountActivities(r.Context(), src)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if acts == nil {
		acts = []activity.Activity{}
	}
	writeJSON(w, http.StatusOK, ActivitiesResponseBody{Total: total, Activities: acts})
}

func (s *Server) handleGetActivity(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		jsonError(w, http.StatusBadRequest, "invalid activity id")
		return
	}
	a, err := s.records.GetActivity(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		jsonError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.CountSourceConfigs(r.Context()); err != nil {
		jsonError(w, http.StatusServiceUnavailable, "store unavailable: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// queryLimit reads the optional limit parameter. Zero lets the store pick
// its default.
func queryLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	if n > 1000 {
		n = 1000
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// jsonError writes a JSON error response.
func jsonError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
