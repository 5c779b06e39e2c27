package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/BadgerOps/fitsync/internal/activity"
	"github.com/BadgerOps/fitsync/internal/engine"
	"github.com/BadgerOps/fitsync/internal/store"
)

const testGPX = `<?xml version="1.0" encoding="UTF-8"?>
<gpx version="1.1" creator="test">
  <trk>
    <name>Canal loop</name>
    <type>running</type>
    <trkseg>
      <trkpt lat="51.5000" lon="-0.1200"><ele>10</ele><time>2024-03-01T07:00:00Z</time></trkpt>
      <trkpt lat="51.5020" lon="-0.1200"><ele>12</ele><time>2024-03-01T07:01:00Z</time></trkpt>
      <trkpt lat="51.5040" lon="-0.1200"><ele>11</ele><time>2024-03-01T07:02:00Z</time></trkpt>
    </trkseg>
  </trk>
</gpx>`

func writeGPX(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(testGPX), 0o644); err != nil {
		t.Fatal(err)
	}
}

func decodeSync(t *testing.T, w *httptest.ResponseRecorder) SyncResponseBody {
	t.Helper()
	var body SyncResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return body
}

func TestParseSince(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"", time.Time{}, false},
		{"2024-03-01", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), false},
		{"2024-03-01T09:30:00+02:00", time.Date(2024, 3, 1, 7, 30, 0, 0, time.UTC), false},
		{"yesterday", time.Time{}, true},
		{"2024-13-01", time.Time{}, true},
	}
	for _, tt := range tests {
		got, err := parseSince(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseSince(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseSince(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestHandleSyncImportsAndRecordsRun(t *testing.T) {
	srv, _ := setupTestServer(t)
	dir := t.TempDir()
	writeGPX(t, dir, "canal.gpx")
	createFileSource(t, srv, "watch", dir)

	w := do(t, srv, "POST", "/sync", `{}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeSync(t, w)
	if len(body.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(body.Results))
	}
	if body.Results[0].Outcome != "success" || body.Summary.ActivitiesAdded != 1 || body.Summary.Succeeded != 1 {
		t.Errorf("unexpected sync response: %+v", body)
	}

	w = do(t, srv, "GET", "/api/activities?source=file", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var acts ActivitiesResponseBody
	if err := json.NewDecoder(w.Body).Decode(&acts); err != nil {
		t.Fatalf("failed to decode activities: %v", err)
	}
	if acts.Total != 1 || len(acts.Activities) != 1 || acts.Activities[0].Name != "Canal loop" {
		t.Fatalf("unexpected activities: %+v", acts)
	}

	w = do(t, srv, "GET", "/api/activities/"+strconv.FormatInt(acts.Activities[0].ID, 10), "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for activity by id, got %d: %s", w.Code, w.Body.String())
	}
	var one activity.Activity
	if err := json.NewDecoder(w.Body).Decode(&one); err != nil {
		t.Fatalf("failed to decode activity: %v", err)
	}
	if one.ExternalID != "canal.gpx" || one.Name != "Canal loop" {
		t.Errorf("unexpected activity: %+v", one)
	}

	w = do(t, srv, "GET", "/api/sync/runs?source=watch", "")
	var runs []store.SyncRun
	if err := json.NewDecoder(w.Body).Decode(&runs); err != nil {
		t.Fatalf("failed to decode runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != "success" || runs[0].ActivitiesAdded != 1 {
		t.Errorf("unexpected runs: %+v", runs)
	}

	w = do(t, srv, "GET", "/sync", "")
	var report engine.StatusReport
	if err := json.NewDecoder(w.Body).Decode(&report); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if report.Summary.TotalSources != 1 || report.Summary.ActiveSources != 1 {
		t.Errorf("unexpected summary: %+v", report.Summary)
	}
	if report.Sources[0].LastSync == nil {
		t.Error("expected lastSync to be set after a successful sync")
	}
}

func TestHandleSyncReportsSourceFailureAsData(t *testing.T) {
	srv, _ := setupTestServer(t)
	good := t.TempDir()
	writeGPX(t, good, "canal.gpx")
	gone := t.TempDir()
	createFileSource(t, srv, "good", good)
	createFileSource(t, srv, "gone", gone)
	if err := os.RemoveAll(gone); err != nil {
		t.Fatal(err)
	}

	w := do(t, srv, "POST", "/sync", `{"since":"2024-01-01"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeSync(t, w)
	if body.Summary.Total != 2 || body.Summary.Succeeded != 1 || body.Summary.Failed != 1 {
		t.Errorf("unexpected summary: %+v", body.Summary)
	}
	for _, res := range body.Results {
		if res.Source == "gone" && (res.Success || len(res.Errors) == 0) {
			t.Errorf("expected failed result with errors for gone, got %+v", res.SyncResult)
		}
	}

	w = do(t, srv, "GET", "/sync", "")
	var report engine.StatusReport
	if err := json.NewDecoder(w.Body).Decode(&report); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	for _, s := range report.Sources {
		if s.ID == "gone" && s.ErrorMessage == "" {
			t.Error("expected errorMessage on failed source")
		}
	}
}

func TestHandleSyncFiltersSources(t *testing.T) {
	srv, _ := setupTestServer(t)
	createFileSource(t, srv, "a", t.TempDir())
	createFileSource(t, srv, "b", t.TempDir())

	w := do(t, srv, "POST", "/sync", `{"sources":["b"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeSync(t, w)
	if len(body.Results) != 1 || body.Results[0].Source != "b" {
		t.Errorf("expected only b to sync, got %+v", body.Results)
	}
}

func TestHandleSyncRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"since":`},
		{"bad since", `{"since":"last tuesday"}`},
		{"unknown source", `{"sources":["watch","nope"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, st := setupTestServer(t)
			createFileSource(t, srv, "watch", t.TempDir())

			w := do(t, srv, "POST", "/sync", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
			runs, err := st.ListSyncRuns(context.Background(), "", 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(runs) != 0 {
				t.Errorf("expected no sync to run, got %d runs", len(runs))
			}
		})
	}
}

func TestHandleSyncEmptyBody(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := do(t, srv, "POST", "/sync", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if body := decodeSync(t, w); body.Summary.Total != 0 {
		t.Errorf("expected empty summary, got %+v", body.Summary)
	}
}

func TestHandleGetActivityErrors(t *testing.T) {
	srv, _ := setupTestServer(t)
	tests := []struct {
		path string
		code int
	}{
		{"/api/activities/999", http.StatusNotFound},
		{"/api/activities/abc", http.StatusBadRequest},
		{"/api/activities/0", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if w := do(t, srv, "GET", tt.path, ""); w.Code != tt.code {
			t.Errorf("GET %s = %d, want %d", tt.path, w.Code, tt.code)
		}
	}
}

func TestHandleListActivitiesBadLimit(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := do(t, srv, "GET", "/api/activities?limit=-3", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	srv, _ := setupTestServer(t)

	if w := do(t, srv, "GET", "/healthz", ""); w.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", w.Code)
	}
	w := do(t, srv, "GET", "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("expected prometheus exposition format")
	}
}

func TestStravaAuthorizationFlow(t *testing.T) {
	var gotCode string
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotCode = r.PostForm.Get("code")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh","refresh_token":"granted-refresh","token_type":"Bearer","expires_in":21600}`))
	}))
	defer tokens.Close()

	srv, st := setupTestServer(t)
	body := `{"id":"strava-main","type":"strava","settings":{"client_id":"42","client_secret":"s3cret",` +
		`"redirect_uri":"http://localhost:8080/auth/strava/callback","token_url":` + quote(tokens.URL) + `}}`
	if w := do(t, srv, "POST", "/api/sources", body); w.Code != http.StatusCreated {
		t.Fatalf("create failed: %d: %s", w.Code, w.Body.String())
	}

	w := do(t, srv, "GET", "/auth/strava/authorize", "")
	if w.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d: %s", w.Code, w.Body.String())
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	state := loc.Query().Get("state")
	if !strings.HasPrefix(state, "strava-main:") {
		t.Fatalf("expected state naming the source, got %q", state)
	}
	if loc.Query().Get("client_id") != "42" {
		t.Errorf("expected client_id in authorize URL, got %s", loc)
	}

	callback := "/auth/strava/callback?code=abc&state=" + url.QueryEscape(state)
	w = do(t, srv, "GET", callback, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if gotCode != "abc" {
		t.Errorf("expected code abc at token endpoint, got %q", gotCode)
	}

	sc, err := st.GetSourceConfig(context.Background(), "strava-main")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(sc.SettingsJSON, `"refresh_token":"granted-refresh"`) {
		t.Errorf("expected refresh token persisted, got %s", sc.SettingsJSON)
	}

	// A state can be redeemed once.
	if w := do(t, srv, "GET", callback, ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected replayed state to be rejected, got %d", w.Code)
	}
}

func TestStravaCallbackRejectsUnknownState(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := do(t, srv, "GET", "/auth/strava/callback?code=abc&state=strava-main:forged", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	w = do(t, srv, "GET", "/auth/strava/callback?error=access_denied", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestStravaAuthorizeWithoutSource(t *testing.T) {
	srv, _ := setupTestServer(t)

	if w := do(t, srv, "GET", "/auth/strava/authorize", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestAuthStatesExpire(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	states := newAuthStates()
	states.now = func() time.Time { return now }

	state := states.issue("strava-main")
	now = now.Add(authStateTTL + time.Second)
	if _, ok := states.redeem(state); ok {
		t.Fatal("expected expired state to be rejected")
	}

	state = states.issue("strava-main")
	id, ok := states.redeem(state)
	if !ok || id != "strava-main" {
		t.Fatalf("redeem = %q, %v", id, ok)
	}
}

func TestWriteTimeoutFollowsSyncCeiling(t *testing.T) {
	tests := []struct {
		maxSync time.Duration
		want    time.Duration
	}{
		{30 * time.Minute, 31 * time.Minute},
		{0, 0},
		{-time.Second, 0},
	}
	for _, tt := range tests {
		if got := writeTimeout(tt.maxSync); got != tt.want {
			t.Errorf("writeTimeout(%v) = %v, want %v", tt.maxSync, got, tt.want)
		}
	}
}
