package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/fitsync/internal/config"
	"github.com/BadgerOps/fitsync/internal/source"
	"github.com/BadgerOps/fitsync/internal/store"
)

func testCmd() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	return cmd
}

func TestSourcesListRun_Empty(t *testing.T) {
	st := newTestStore(t)

	origStore := globalStore
	origRegistry := globalRegistry
	globalStore = st
	globalRegistry = source.NewRegistry(discardLogger())
	t.Cleanup(func() {
		globalStore = origStore
		globalRegistry = origRegistry
	})

	out := captureStdout(t, func() {
		if err := sourcesListRun(testCmd(), nil); err != nil {
			t.Fatalf("sourcesListRun returned error: %v", err)
		}
	})

	if !strings.Contains(out, "No sources configured.") {
		t.Fatalf("expected empty message, got: %s", out)
	}
}

func TestSourcesListRun_ShowsConfiguredSources(t *testing.T) {
	st := newTestStore(t)
	mustCreateSourceConfig(t, st, "strava-main", "strava", true)
	mustCreateSourceConfig(t, st, "watch-exports", "file", false)

	origStore := globalStore
	origRegistry := globalRegistry
	globalStore = st
	globalRegistry = source.NewRegistry(discardLogger())
	t.Cleanup(func() {
		globalStore = origStore
		globalRegistry = origRegistry
	})

	out := captureStdout(t, func() {
		if err := sourcesListRun(testCmd(), nil); err != nil {
			t.Fatalf("sourcesListRun returned error: %v", err)
		}
	})

	if !strings.Contains(out, "strava-main") || !strings.Contains(out, "watch-exports") {
		t.Fatalf("expected source ids in output, got: %s", out)
	}
	if !strings.Contains(out, "strava") || !strings.Contains(out, "file") {
		t.Fatalf("expected source types in output, got: %s", out)
	}
	if !strings.Contains(out, "yes") || !strings.Contains(out, "no") {
		t.Fatalf("expected enabled/loaded markers in output, got: %s", out)
	}
}

func TestSetSourceEnabled(t *testing.T) {
	st := newTestStore(t)
	mustCreateSourceConfig(t, st, "watch-exports", "file", true)

	origStore := globalStore
	globalStore = st
	t.Cleanup(func() { globalStore = origStore })

	captureStdout(t, func() {
		if err := setSourceEnabled(testCmd(), "watch-exports", false); err != nil {
			t.Fatalf("disable: %v", err)
		}
		// Disabling twice is a no-op, not a toggle.
		if err := setSourceEnabled(testCmd(), "watch-exports", false); err != nil {
			t.Fatalf("disable again: %v", err)
		}
	})

	sc, err := st.GetSourceConfig(context.Background(), "watch-exports")
	if err != nil {
		t.Fatal(err)
	}
	if sc.Enabled {
		t.Fatal("expected source to be disabled")
	}

	if err := setSourceEnabled(testCmd(), "missing", true); err == nil {
		t.Fatal("expected error for unknown source")
	}
}

func TestInitializeComponentsLoadsConfiguredSources(t *testing.T) {
	importDir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Server.DBPath = filepath.Join(t.TempDir(), "state", "fitsync.db")
	cfg.Sources["watch-exports"] = config.SourceConfig{"type": "file", "path": importDir}
	cfg.Sources["broken"] = config.SourceConfig{"type": "nike"}

	origCfg, origLogger := globalCfg, logger
	globalCfg, logger = cfg, discardLogger()
	t.Cleanup(func() {
		closeComponents()
		globalCfg, logger = origCfg, origLogger
		globalStore, globalRecords, globalRegistry, globalManager, globalPublisher = nil, nil, nil, nil, nil
	})

	if err := initializeComponents(context.Background()); err != nil {
		t.Fatalf("initializeComponents: %v", err)
	}

	if _, ok := globalRegistry.Get("watch-exports"); !ok {
		t.Error("expected watch-exports to be registered")
	}
	if _, ok := globalRegistry.Get("broken"); !ok {
		t.Error("expected misconfigured nike source to stay registered")
	}
	sc, err := globalStore.GetSourceConfig(context.Background(), "broken")
	if err != nil {
		t.Fatal(err)
	}
	if sc.Status != string(source.StatusError) || sc.ErrorMessage == "" {
		t.Errorf("expected broken source marked as errored, got status=%q error=%q", sc.Status, sc.ErrorMessage)
	}
}

func TestExampleConfigLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "fitsync.yaml")
	configInitForce = false
	captureStdout(t, func() {
		if err := configInitRun(testCmd(), []string{path}); err != nil {
			t.Fatalf("config init: %v", err)
		}
	})

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("loading example config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("example config invalid: %v", err)
	}
	if cfg.Sync.Interval != time.Hour {
		t.Errorf("expected 1h interval, got %s", cfg.Sync.Interval)
	}
	got := cfg.SourceConfigs()
	if len(got) != 3 {
		t.Fatalf("expected 3 sources, got %d", len(got))
	}
	for _, sc := range got {
		if sc.ID == "nike" && sc.Enabled {
			t.Error("expected example nike source to be disabled")
		}
	}

	if err := configInitRun(testCmd(), []string{path}); err == nil {
		t.Fatal("expected config init to refuse overwriting")
	}
}

func TestParseSinceFlag(t *testing.T) {
	got, err := parseSinceFlag("2024-03-01")
	if err != nil || !got.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("parseSinceFlag(date) = %v, %v", got, err)
	}
	if _, err := parseSinceFlag("last week"); err == nil {
		t.Fatal("expected error for unparseable value")
	}
	if got, err := parseSinceFlag(""); err != nil || !got.IsZero() {
		t.Fatalf("parseSinceFlag(empty) = %v, %v", got, err)
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" strava-main, ,nike ")
	if len(got) != 2 || got[0] != "strava-main" || got[1] != "nike" {
		t.Fatalf("splitList = %q", got)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:", discardLogger())
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func mustCreateSourceConfig(t *testing.T, st *store.Store, id, typ string, enabled bool) {
	t.Helper()
	sc := &store.SourceConfig{
		ID:           id,
		Name:         id,
		Type:         typ,
		Enabled:      enabled,
		SettingsJSON: "{}",
		Status:       string(source.StatusInactive),
	}
	if err := st.CreateSourceConfig(context.Background(), sc); err != nil {
		t.Fatalf("creating source config %s: %v", id, err)
	}
}

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	fn()

	_ = w.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading captured stdout: %v", err)
	}
	_ = r.Close()
	return string(data)
}
