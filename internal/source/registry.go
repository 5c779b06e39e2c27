package source

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

// ConfigSaver persists source configs after the registry updates them.
type ConfigSaver interface {
	SaveSourceConfig(ctx context.Context, cfg Config) error
}

// PanicReporter is told about panics recovered at the registry boundary.
type PanicReporter func(sourceID string, recovered any, stack []byte)

// RunObserver is told when a sync attempt for a source actually starts.
// Attempts rejected because one is already running are not announced.
type RunObserver interface {
	SyncStarted(ctx context.Context, sourceID string, start time.Time)
}

type entry struct {
	ds  DataSource
	cfg Config
}

// Registry holds the configured data sources and runs fan-out operations
// across them. One failing or panicking source never affects the others.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	// inflight holds the ids with a sync attempt running. It is keyed by
	// id so a replaced adapter cannot start a second attempt.
	inflight map[string]bool

	workers  int
	saver    ConfigSaver
	onPanic  PanicReporter
	observer RunObserver
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries:  make(map[string]*entry),
		inflight: make(map[string]bool),
		logger:   logger,
	}
}

// SetConcurrency bounds how many sources sync at once. Zero or less means
// one goroutine per source.
func (r *Registry) SetConcurrency(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers = n
}

// SetConfigSaver installs the persistence hook for config updates.
func (r *Registry) SetConfigSaver(s ConfigSaver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saver = s
}

// SetPanicReporter installs the hook called for recovered panics.
func (r *Registry) SetPanicReporter(f PanicReporter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPanic = f
}

// SetRunObserver installs the hook called when a sync attempt starts.
func (r *Registry) SetRunObserver(o RunObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = o
}

// Register adds a source. A registration with the same id is replaced.
// If cfg.ID is empty the adapter's ID is used.
func (r *Registry) Register(ds DataSource, cfg Config) {
	if cfg.ID == "" {
		cfg.ID = ds.ID()
	}
	if cfg.Type == "" {
		cfg.Type = ds.Type()
	}
	if cfg.Status == "" {
		cfg.Status = StatusInactive
	}
	if ns, ok := ds.(NameSetter); ok && cfg.Name != "" {
		ns.SetName(cfg.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[cfg.ID]; exists {
		r.logger.Info("replacing registered source", "source", cfg.ID)
	}
	r.entries[cfg.ID] = &entry{ds: ds, cfg: cfg}
}

// Remove deletes a source by id. Unknown ids are ignored.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Get returns the adapter registered under id.
func (r *Registry) Get(id string) (DataSource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.ds, true
}

// Config returns a copy of the config registered under id.
func (r *Registry) Config(id string) (Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Config{}, false
	}
	return e.cfg, true
}

// Configs returns copies of all configs ordered by id.
func (r *Registry) Configs() []Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Config, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns all registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered sources.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// SetEnabled flips a source on or off without touching its adapter.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("source not found: %s", id)
	}
	e.cfg.Enabled = enabled
	return nil
}

type target struct {
	index int
	ds    DataSource
	cfg   Config
}

// targets snapshots the enabled sources, optionally restricted to ids.
func (r *Registry) targets(ids []string) []target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var want map[string]bool
	if len(ids) > 0 {
		want = make(map[string]bool, len(ids))
		for _, id := range ids {
			want[id] = true
		}
	}

	keys := make([]string, 0, len(r.entries))
	for id := range r.entries {
		keys = append(keys, id)
	}
	sort.Strings(keys)

	var out []target
	for _, id := range keys {
		e := r.entries[id]
		if !e.cfg.Enabled {
			r.logger.Debug("skipping disabled source", "source", id)
			continue
		}
		if want != nil && !want[id] {
			continue
		}
		out = append(out, target{index: len(out), ds: e.ds, cfg: e.cfg})
	}
	return out
}

// fanOut runs fn for every target on a bounded worker pool and waits.
func (r *Registry) fanOut(ctx context.Context, targets []target, fn func(context.Context, target)) {
	r.mu.RLock()
	workers := r.workers
	r.mu.RUnlock()
	if workers <= 0 || workers > len(targets) {
		workers = len(targets)
	}

	jobs := make(chan target, len(targets))
	for _, t := range targets {
		jobs <- t
	}
	close(jobs)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range jobs {
				fn(ctx, t)
			}
		}()
	}
	wg.Wait()
}

// recovered converts a panic value into an error and reports it.
func (r *Registry) recovered(id string, rec any) error {
	stack := debug.Stack()
	r.logger.Error("source panicked", "source", id, "panic", rec)

	r.mu.RLock()
	report := r.onPanic
	r.mu.RUnlock()
	if report != nil {
		report(id, rec, stack)
	}
	return fmt.Errorf("source panicked: %v", rec)
}

// SyncAll runs SyncActivities on every enabled source concurrently and
// returns one result per source, ordered by source id. A zero since means
// each source resumes from its own LastSync. When ids is non-empty only
// those sources run.
func (r *Registry) SyncAll(ctx context.Context, since time.Time, ids ...string) []*SyncResult {
	targets := r.targets(ids)
	results := make([]*SyncResult, len(targets))
	if len(targets) == 0 {
		return results
	}

	r.logger.Info("starting sync", "sources", len(targets))

	r.fanOut(ctx, targets, func(ctx context.Context, t target) {
		from := since
		if from.IsZero() && t.cfg.LastSync != nil {
			from = *t.cfg.LastSync
		}
		results[t.index] = r.syncOne(ctx, t.ds, t.cfg.ID, from)
	})

	for _, res := range results {
		r.applyResult(ctx, res)
	}
	return results
}

func (r *Registry) syncOne(ctx context.Context, ds DataSource, id string, since time.Time) (res *SyncResult) {
	start := time.Now()
	r.mu.Lock()
	if r.inflight[id] {
		r.mu.Unlock()
		r.logger.Info("sync skipped: already in progress", "source", id)
		return RejectedResult(id, start)
	}
	r.inflight[id] = true
	observer := r.observer
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.inflight, id)
		r.mu.Unlock()
	}()
	defer func() {
		if rec := recover(); rec != nil {
			res = FailedResult(id, start, r.recovered(id, rec))
		}
	}()

	if observer != nil {
		observer.SyncStarted(ctx, id, start)
	}
	res = ds.SyncActivities(ctx, since)
	if res == nil {
		res = FailedResult(id, start, fmt.Errorf("source returned no result"))
	}
	res.Source = id
	return res
}

// applyResult folds a result into the registered config and persists it.
// Rejected attempts leave the config untouched.
func (r *Registry) applyResult(ctx context.Context, res *SyncResult) {
	if res.Rejected {
		return
	}
	r.mu.Lock()
	e, ok := r.entries[res.Source]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.cfg.ApplyResult(res)
	cfg := e.cfg
	saver := r.saver
	r.mu.Unlock()

	if res.Success {
		r.logger.Info("source synced", "source", res.Source,
			"processed", res.ActivitiesProcessed,
			"added", res.ActivitiesAdded,
			"updated", res.ActivitiesUpdated,
			"duration", res.Duration())
	} else {
		r.logger.Warn("source sync failed", "source", res.Source,
			"outcome", res.Outcome(),
			"errors", len(res.Errors),
			"first_error", cfg.ErrorMessage)
	}

	if saver != nil {
		if err := saver.SaveSourceConfig(ctx, cfg); err != nil {
			r.logger.Error("failed to persist source config", "source", res.Source, "error", err)
		}
	}
}

// TestAllConnections checks every enabled source concurrently. A panic in
// one check is reported as false for that source.
func (r *Registry) TestAllConnections(ctx context.Context) map[string]bool {
	targets := r.targets(nil)
	var mu sync.Mutex
	out := make(map[string]bool, len(targets))

	r.fanOut(ctx, targets, func(ctx context.Context, t target) {
		ok := r.testOne(ctx, t.ds, t.cfg.ID)
		mu.Lock()
		out[t.cfg.ID] = ok
		mu.Unlock()
	})
	return out
}

func (r *Registry) testOne(ctx context.Context, ds DataSource, id string) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			_ = r.recovered(id, rec)
			ok = false
		}
	}()
	return ds.TestConnection(ctx)
}

// AllSyncStatus returns the status of every registered source, enabled or
// not.
func (r *Registry) AllSyncStatus() map[string]SyncStatus {
	r.mu.RLock()
	snapshot := make(map[string]DataSource, len(r.entries))
	for id, e := range r.entries {
		snapshot[id] = e.ds
	}
	r.mu.RUnlock()

	out := make(map[string]SyncStatus, len(snapshot))
	for id, ds := range snapshot {
		out[id] = r.statusOne(ds, id)
	}
	return out
}

func (r *Registry) statusOne(ds DataSource, id string) (st SyncStatus) {
	defer func() {
		if rec := recover(); rec != nil {
			_ = r.recovered(id, rec)
			st = SyncStatus{Phase: PhaseIdle}
		}
	}()
	return ds.SyncStatus()
}
