package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BadgerOps/fitsync/internal/activity"
	"github.com/BadgerOps/fitsync/internal/events"
	"github.com/BadgerOps/fitsync/internal/source"
	"github.com/BadgerOps/fitsync/internal/store"
)

// syncingSource runs the real orchestrator against a record store.
type syncingSource struct {
	*fakeSource
	records RecordStore
}

func (s *syncingSource) SyncActivities(ctx context.Context, since time.Time) *source.SyncResult {
	return Sync(ctx, s, s.records, since, Options{Logger: testLogger()})
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.SyncCompleted
}

func (c *capturePublisher) PublishSyncCompleted(ctx context.Context, ev events.SyncCompleted) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *capturePublisher) Close() error { return nil }

func newTestManager(t *testing.T) (*SyncManager, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "fitsync.db"), testLogger())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewSyncManager(source.NewRegistry(testLogger()), st, testLogger()), st
}

func seedConfig(t *testing.T, st *store.Store, id string, enabled bool, settings string) {
	t.Helper()
	err := st.CreateSourceConfig(context.Background(), &store.SourceConfig{
		ID:           id,
		Name:         id,
		Type:         "fake",
		Enabled:      enabled,
		SettingsJSON: settings,
		Status:       string(source.StatusInactive),
	})
	if err != nil {
		t.Fatalf("CreateSourceConfig(%s): %v", id, err)
	}
}

func TestManagerSyncAllRejectsUnknownSource(t *testing.T) {
	m, _ := newTestManager(t)
	fs := &fakeSource{id: "strava-main"}
	m.Registry().Register(&syncingSource{fakeSource: fs, records: newMemStore()}, source.Config{ID: "strava-main", Enabled: true})

	_, err := m.SyncAll(context.Background(), time.Time{}, "strava-main", "garmin")
	if !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("err = %v, want ErrUnknownSource", err)
	}
	if fs.authCalls != 0 {
		t.Error("no source should run when the request names an unknown source")
	}
}

func TestManagerSyncAllRecordsRunsAndEvents(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	seedConfig(t, st, "good", true, "{}")
	seedConfig(t, st, "bad", true, "{}")

	records := newMemStore()
	m.SetSourceFactory(func(cfg source.Config) (source.DataSource, error) {
		fs := &fakeSource{id: cfg.ID, acts: stravaActivities(2)}
		if cfg.ID == "bad" {
			fs.authErr = &source.AuthError{Source: cfg.ID, Reason: "token revoked"}
		}
		return &syncingSource{fakeSource: fs, records: records}, nil
	})
	pub := &capturePublisher{}
	m.SetPublisher(pub)

	if err := m.ReconfigureSources(ctx); err != nil {
		t.Fatalf("ReconfigureSources: %v", err)
	}

	results, err := m.SyncAll(ctx, time.Time{})
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Source != "bad" || results[0].Success {
		t.Errorf("results[0] = %+v, want failed bad", results[0])
	}
	if results[1].Source != "good" || !results[1].Success || results[1].ActivitiesAdded != 2 {
		t.Errorf("results[1] = %+v, want successful good with 2 added", results[1])
	}

	runs, err := st.ListSyncRuns(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListSyncRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("recorded %d runs, want 2", len(runs))
	}

	if len(pub.events) != 2 {
		t.Fatalf("published %d events, want 2", len(pub.events))
	}
	for _, ev := range pub.events {
		if ev.SyncRunID == 0 {
			t.Errorf("event for %s has no sync run id", ev.Source)
		}
	}

	sc, err := st.GetSourceConfig(ctx, "good")
	if err != nil {
		t.Fatalf("GetSourceConfig: %v", err)
	}
	if sc.Status != string(source.StatusActive) || sc.LastSync == nil {
		t.Errorf("good config = status %s lastSync %v, want active with lastSync", sc.Status, sc.LastSync)
	}
	sc, err = st.GetSourceConfig(ctx, "bad")
	if err != nil {
		t.Fatalf("GetSourceConfig: %v", err)
	}
	if sc.Status != string(source.StatusError) || sc.LastSync != nil {
		t.Errorf("bad config = status %s lastSync %v, want error without lastSync", sc.Status, sc.LastSync)
	}

	report := m.Status()
	want := Summary{TotalSources: 2, EnabledSources: 2, ActiveSources: 1}
	if report.Summary != want {
		t.Errorf("summary = %+v, want %+v", report.Summary, want)
	}
}

func TestManagerReconfigureKeepsUnchangedAdapters(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	seedConfig(t, st, "a", true, `{"k":"v"}`)
	seedConfig(t, st, "b", false, `{}`)

	builds := map[string]int{}
	m.SetSourceFactory(func(cfg source.Config) (source.DataSource, error) {
		builds[cfg.ID]++
		return &fakeSource{id: cfg.ID}, nil
	})

	if err := m.ReconfigureSources(ctx); err != nil {
		t.Fatalf("first reconfigure: %v", err)
	}
	if err := st.ToggleSourceConfig(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateSourceSettings(ctx, "a", `{"k":"changed"}`); err != nil {
		t.Fatal(err)
	}
	if err := m.ReconfigureSources(ctx); err != nil {
		t.Fatalf("second reconfigure: %v", err)
	}

	if builds["a"] != 2 {
		t.Errorf("a built %d times, want 2 after settings change", builds["a"])
	}
	if builds["b"] != 1 {
		t.Errorf("b built %d times, want 1 (toggle only)", builds["b"])
	}
	cfg, ok := m.Registry().Config("b")
	if !ok || !cfg.Enabled {
		t.Errorf("b config = %+v, want enabled after toggle", cfg)
	}

	if err := st.DeleteSourceConfig(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := m.ReconfigureSources(ctx); err != nil {
		t.Fatalf("third reconfigure: %v", err)
	}
	if _, ok := m.Registry().Get("a"); ok {
		t.Error("deleted source should be removed from the registry")
	}
}

func TestManagerReconfigureMarksBrokenSources(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	seedConfig(t, st, "broken", true, `{}`)

	m.SetSourceFactory(func(cfg source.Config) (source.DataSource, error) {
		return nil, fmt.Errorf("unsupported source type %q", cfg.Type)
	})
	if err := m.ReconfigureSources(ctx); err != nil {
		t.Fatalf("ReconfigureSources: %v", err)
	}

	if m.Registry().Len() != 0 {
		t.Errorf("registry has %d sources, want 0", m.Registry().Len())
	}
	sc, err := st.GetSourceConfig(ctx, "broken")
	if err != nil {
		t.Fatal(err)
	}
	if sc.Status != string(source.StatusError) || sc.ErrorMessage == "" {
		t.Errorf("broken config = %+v, want error status with message", sc)
	}
}

func TestManagerIgnoresRejectedOverlappingSync(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	seedConfig(t, st, "slow", true, "{}")

	entered := make(chan struct{})
	release := make(chan struct{})
	m.SetSourceFactory(func(cfg source.Config) (source.DataSource, error) {
		fs := &fakeSource{id: cfg.ID, fetchFunc: func(ctx context.Context) ([]activity.Activity, error) {
			close(entered)
			<-release
			return stravaActivities(1), nil
		}}
		return &syncingSource{fakeSource: fs, records: newMemStore()}, nil
	})
	pub := &capturePublisher{}
	m.SetPublisher(pub)
	if err := m.ReconfigureSources(ctx); err != nil {
		t.Fatalf("ReconfigureSources: %v", err)
	}

	done := make(chan []*source.SyncResult)
	go func() {
		results, _ := m.SyncAll(ctx, time.Time{})
		done <- results
	}()
	<-entered

	runs, err := st.ListSyncRuns(ctx, "slow", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != store.RunStatusRunning {
		t.Fatalf("runs during sync = %+v, want one running row", runs)
	}

	overlap, err := m.SyncAll(ctx, time.Time{}, "slow")
	if err != nil {
		t.Fatalf("overlapping SyncAll: %v", err)
	}
	if len(overlap) != 1 || !overlap[0].Rejected {
		t.Fatalf("overlapping results = %+v, want one rejected", overlap)
	}
	sc, err := st.GetSourceConfig(ctx, "slow")
	if err != nil {
		t.Fatal(err)
	}
	if sc.Status == string(source.StatusError) || sc.ErrorMessage != "" {
		t.Errorf("rejected attempt marked source: status=%q error=%q", sc.Status, sc.ErrorMessage)
	}

	close(release)
	results := <-done
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("first sync = %+v, want success", results)
	}

	runs, err = st.ListSyncRuns(ctx, "slow", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("recorded %d runs, want 1", len(runs))
	}
	if runs[0].Status != string(source.OutcomeSuccess) || runs[0].ActivitiesAdded != 1 || runs[0].EndTime.IsZero() {
		t.Errorf("finished run = %+v, want completed success with 1 added", runs[0])
	}
	if len(pub.events) != 1 || pub.events[0].SyncRunID != runs[0].ID {
		t.Errorf("events = %+v, want one event for run %d", pub.events, runs[0].ID)
	}
}

// validatingSource reports a configuration problem the way real adapters do.
type validatingSource struct {
	*syncingSource
	configErr error
}

func (v *validatingSource) Validate() error { return v.configErr }

func TestManagerReconfigureKeepsMisconfiguredSources(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	seedConfig(t, st, "files", true, `{}`)
	seedConfig(t, st, "nike-main", true, `{"refresh_token":"rt"}`)

	records := newMemStore()
	fakes := map[string]*fakeSource{}
	m.SetSourceFactory(func(cfg source.Config) (source.DataSource, error) {
		fs := &fakeSource{id: cfg.ID, acts: stravaActivities(1)}
		fakes[cfg.ID] = fs
		ds := &syncingSource{fakeSource: fs, records: records}
		if cfg.ID != "nike-main" {
			return ds, nil
		}
		ce := &source.ConfigurationError{Source: cfg.ID, Field: "client_id", Reason: "client_id is required with refresh_token"}
		fs.authErr = ce
		return &validatingSource{syncingSource: ds, configErr: ce}, nil
	})
	if err := m.ReconfigureSources(ctx); err != nil {
		t.Fatalf("ReconfigureSources: %v", err)
	}

	report := m.Status()
	if report.Summary.TotalSources != 2 {
		t.Fatalf("totalSources = %d, want 2", report.Summary.TotalSources)
	}
	cfg, ok := m.Registry().Config("nike-main")
	if !ok || cfg.Status != source.StatusError || cfg.ErrorMessage == "" {
		t.Errorf("registry config = %+v, want error status with message", cfg)
	}
	sc, err := st.GetSourceConfig(ctx, "nike-main")
	if err != nil {
		t.Fatal(err)
	}
	if sc.Status != string(source.StatusError) {
		t.Errorf("stored status = %q, want error", sc.Status)
	}

	results, err := m.SyncAll(ctx, time.Time{}, "nike-main")
	if err != nil {
		t.Fatalf("SyncAll(nike-main): %v", err)
	}
	if len(results) != 1 || results[0].Success {
		t.Fatalf("results = %+v, want one failed result", results)
	}
	if fakes["nike-main"].authCalls != 1 {
		t.Errorf("authCalls = %d, want 1", fakes["nike-main"].authCalls)
	}
	if len(records.rows) != 0 {
		t.Errorf("stored %d activities, want none", len(records.rows))
	}
}

func TestManagerReconfigureWithoutFactory(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.ReconfigureSources(context.Background()); err == nil {
		t.Error("expected error without a factory")
	}
}

func TestSchedulerAnnouncesNextSync(t *testing.T) {
	m, _ := newTestManager(t)
	tracker := source.NewStatusTracker(nil)
	ds := &scheduledSource{fakeSource: &fakeSource{id: "s"}, tracker: tracker}
	m.Registry().Register(ds, source.Config{ID: "s", Enabled: true})

	sched := NewScheduler(m, time.Hour, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go sched.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for tracker.Status().NextSync == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	sched.Wait()

	next := tracker.Status().NextSync
	if next == nil {
		t.Fatal("NextSync was never announced")
	}
	if d := time.Until(*next); d < 59*time.Minute || d > time.Hour {
		t.Errorf("NextSync in %v, want about one hour", d)
	}
}

type scheduledSource struct {
	*fakeSource
	tracker *source.StatusTracker
}

func (s *scheduledSource) SetSchedule(interval time.Duration, next time.Time) {
	s.tracker.SetSchedule(interval, next)
}

func (s *scheduledSource) SyncStatus() source.SyncStatus { return s.tracker.Status() }
