package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BadgerOps/fitsync/internal/events"
	"github.com/BadgerOps/fitsync/internal/reporting"
	"github.com/BadgerOps/fitsync/internal/source"
	"github.com/BadgerOps/fitsync/internal/store"
)

// ErrUnknownSource is returned when a sync names a source that is not
// registered.
var ErrUnknownSource = errors.New("unknown source")

// SourceFactory builds an adapter for a persisted source config.
type SourceFactory func(cfg source.Config) (source.DataSource, error)

// SyncManager wires the registry to the application store: it rebuilds
// adapters from persisted configs, records sync history and publishes
// completion events.
type SyncManager struct {
	registry  *source.Registry
	store     *store.Store
	publisher events.Publisher
	factory   SourceFactory
	logger    *slog.Logger

	// mu serializes ReconfigureSources.
	mu sync.Mutex
	// fingerprints tracks the settings each registered adapter was built
	// from so unchanged sources keep their adapter (and token) on reload.
	fingerprints map[string]string

	runMu sync.Mutex
	// running maps a source id to the sync_runs row of its attempt in
	// progress.
	running map[string]int64
}

// SourceStatus summarizes one configured source.
type SourceStatus struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Type         string            `json:"type"`
	Enabled      bool              `json:"enabled"`
	Status       source.Status     `json:"status"`
	LastSync     *time.Time        `json:"lastSync"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	SyncStatus   source.SyncStatus `json:"syncStatus"`
}

// Summary aggregates counts across all configured sources.
type Summary struct {
	TotalSources   int `json:"totalSources"`
	EnabledSources int `json:"enabledSources"`
	ActiveSources  int `json:"activeSources"`
}

// StatusReport is the response body of GET /sync.
type StatusReport struct {
	Sources []SourceStatus `json:"sources"`
	Summary Summary        `json:"summary"`
}

// NewSyncManager creates a new SyncManager. The registry's config saver is
// pointed at st so sync outcomes are persisted.
func NewSyncManager(registry *source.Registry, st *store.Store, logger *slog.Logger) *SyncManager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &SyncManager{
		registry:     registry,
		store:        st,
		publisher:    events.Nop{},
		logger:       logger,
		fingerprints: make(map[string]string),
		running:      make(map[string]int64),
	}
	registry.SetConfigSaver(st)
	registry.SetRunObserver(m)
	return m
}

// SetSourceFactory sets the factory used by ReconfigureSources.
func (m *SyncManager) SetSourceFactory(f SourceFactory) {
	m.factory = f
}

// SetPublisher installs an event publisher. nil restores the no-op one.
func (m *SyncManager) SetPublisher(p events.Publisher) {
	if p == nil {
		p = events.Nop{}
	}
	m.publisher = p
}

// Registry returns the underlying source registry.
func (m *SyncManager) Registry() *source.Registry {
	return m.registry
}

// Store returns the application store.
func (m *SyncManager) Store() *store.Store {
	return m.store
}

// SyncAll syncs every enabled source, or only ids when given. Unknown ids
// are rejected before any source runs. Per-source failures are reported in
// the results, never as an error.
func (m *SyncManager) SyncAll(ctx context.Context, since time.Time, ids ...string) ([]*source.SyncResult, error) {
	var unknown []string
	for _, id := range ids {
		if _, ok := m.registry.Get(id); !ok {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, strings.Join(unknown, ", "))
	}

	results := m.registry.SyncAll(ctx, since, ids...)
	for _, res := range results {
		m.record(ctx, res)
	}
	return results, nil
}

// record persists a sync_runs row for res and publishes a completion event.
// SyncStarted implements source.RunObserver: it opens a running sync_runs
// row that record later completes.
func (m *SyncManager) SyncStarted(ctx context.Context, sourceID string, start time.Time) {
	run := &store.SyncRun{Source: sourceID, StartTime: start, Status: store.RunStatusRunning}
	if err := m.store.CreateSyncRun(ctx, run); err != nil {
		m.logger.Error("failed to record sync start", "source", sourceID, "error", err)
		return
	}
	m.runMu.Lock()
	m.running[sourceID] = run.ID
	m.runMu.Unlock()
}

// record completes the run row for res and publishes the completion event.
// Rejected attempts are not recorded.
func (m *SyncManager) record(ctx context.Context, res *source.SyncResult) {
	if res.Rejected {
		return
	}

	m.runMu.Lock()
	runID, ok := m.running[res.Source]
	delete(m.running, res.Source)
	m.runMu.Unlock()

	run := store.SyncRunFromResult(res)
	run.ID = runID
	if ok {
		if err := m.store.UpdateSyncRun(ctx, run); err != nil {
			m.logger.Error("failed to record sync run", "source", res.Source, "error", err)
		}
	} else if err := m.store.CreateSyncRun(ctx, run); err != nil {
		m.logger.Error("failed to record sync run", "source", res.Source, "error", err)
	}

	if res.Outcome() == source.OutcomeFailed && len(res.Errors) > 0 {
		reporting.CaptureError(res.Source, errors.New(res.Errors[0]))
	}

	ev := events.SyncCompleted{
		Source:              res.Source,
		Outcome:             string(res.Outcome()),
		ActivitiesProcessed: res.ActivitiesProcessed,
		ActivitiesAdded:     res.ActivitiesAdded,
		ActivitiesUpdated:   res.ActivitiesUpdated,
		Errors:              res.Errors,
		StartTime:           res.StartTime,
		EndTime:             res.EndTime,
		SyncRunID:           run.ID,
	}
	if err := m.publisher.PublishSyncCompleted(ctx, ev); err != nil {
		m.logger.Warn("failed to publish sync event", "source", res.Source, "error", err)
	}
}

// Status reports every configured source with its live sync state.
func (m *SyncManager) Status() StatusReport {
	configs := m.registry.Configs()
	live := m.registry.AllSyncStatus()

	report := StatusReport{Sources: make([]SourceStatus, 0, len(configs))}
	for _, cfg := range configs {
		report.Sources = append(report.Sources, SourceStatus{
			ID:           cfg.ID,
			Name:         cfg.Name,
			Type:         cfg.Type,
			Enabled:      cfg.Enabled,
			Status:       cfg.Status,
			LastSync:     cfg.LastSync,
			ErrorMessage: cfg.ErrorMessage,
			SyncStatus:   live[cfg.ID],
		})
		report.Summary.TotalSources++
		if cfg.Enabled {
			report.Summary.EnabledSources++
		}
		if cfg.Status == source.StatusActive {
			report.Summary.ActiveSources++
		}
	}
	return report
}

// TestConnections checks every enabled source.
func (m *SyncManager) TestConnections(ctx context.Context) map[string]bool {
	return m.registry.TestAllConnections(ctx)
}

func fingerprint(sc *store.SourceConfig) string {
	return sc.Type + "\x00" + sc.Name + "\x00" + sc.SettingsJSON
}

// ReconfigureSources loads source configs from the store and brings the
// registry in line: new or changed sources get a fresh adapter, unchanged
// ones keep theirs with the updated config, deleted ones are removed.
// Sources whose adapter cannot be built are marked as errored and left
// out; adapters reporting a configuration problem stay registered so their
// syncs fail at Authenticate.
func (m *SyncManager) ReconfigureSources(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.factory == nil {
		return fmt.Errorf("source factory not set")
	}

	stored, err := m.store.ListSourceConfigs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load source configs: %w", err)
	}

	seen := make(map[string]bool, len(stored))
	for i := range stored {
		sc := &stored[i]
		seen[sc.ID] = true

		cfg, err := sc.ToSource()
		if err != nil {
			m.markBroken(ctx, cfg, err)
			continue
		}

		fp := fingerprint(sc)
		if ds, ok := m.registry.Get(sc.ID); ok && m.fingerprints[sc.ID] == fp {
			m.registry.Register(ds, cfg)
			continue
		}

		ds, err := m.factory(cfg)
		if err != nil {
			m.markBroken(ctx, cfg, err)
			continue
		}
		if v, ok := ds.(source.Validator); ok {
			if verr := v.Validate(); verr != nil {
				m.markMisconfigured(ctx, &cfg, verr)
			}
		}
		m.registry.Register(ds, cfg)
		m.fingerprints[sc.ID] = fp
	}

	var removed []string
	for _, id := range m.registry.IDs() {
		if !seen[id] {
			m.registry.Remove(id)
			delete(m.fingerprints, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)

	m.logger.Info("sources reconfigured", "registered", m.registry.Len(), "removed", len(removed))
	return nil
}

// markBroken drops a source that cannot be built and records why.
func (m *SyncManager) markBroken(ctx context.Context, cfg source.Config, err error) {
	m.logger.Warn("skipping source: failed to build adapter", "source", cfg.ID, "type", cfg.Type, "error", err)
	m.registry.Remove(cfg.ID)
	delete(m.fingerprints, cfg.ID)

	cfg.Status = source.StatusError
	cfg.ErrorMessage = err.Error()
	if serr := m.store.SaveSourceConfig(ctx, cfg); serr != nil {
		m.logger.Error("failed to persist source error", "source", cfg.ID, "error", serr)
	}
}

// markMisconfigured records a configuration problem on cfg. The adapter
// stays registered.
func (m *SyncManager) markMisconfigured(ctx context.Context, cfg *source.Config, err error) {
	m.logger.Warn("source misconfigured", "source", cfg.ID, "type", cfg.Type, "error", err)
	if cfg.Status == source.StatusError && cfg.ErrorMessage == err.Error() {
		return
	}
	cfg.Status = source.StatusError
	cfg.ErrorMessage = err.Error()
	if serr := m.store.SaveSourceConfig(ctx, *cfg); serr != nil {
		m.logger.Error("failed to persist source error", "source", cfg.ID, "error", serr)
	}
}
