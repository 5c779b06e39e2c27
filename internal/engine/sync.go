// Package engine runs sync attempts: authenticate, fetch, then reconcile
// fetched activities into the record store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BadgerOps/fitsync/internal/activity"
	"github.com/BadgerOps/fitsync/internal/observability"
	"github.com/BadgerOps/fitsync/internal/source"
	"github.com/BadgerOps/fitsync/internal/store"
)

// ErrSyncInProgress is reported when a source is asked to sync while an
// attempt for it is already running.
var ErrSyncInProgress = source.ErrSyncInProgress

// RecordStore is the persistence contract the engine depends on.
type RecordStore interface {
	FindByExternalID(ctx context.Context, externalID, src string) (*activity.Activity, error)
	Insert(ctx context.Context, a *activity.Activity) (int64, error)
	Update(ctx context.Context, id int64, a *activity.Activity) error
}

// Upserter is implemented by stores that can insert-or-update by natural
// key in one statement. Reconcile prefers it when available.
type Upserter interface {
	Upsert(ctx context.Context, a *activity.Activity) (id int64, created bool, err error)
}

// PhaseObserver receives phase transitions during an attempt.
type PhaseObserver interface {
	SetPhase(p source.Phase)
}

// Options tunes a single Sync call.
type Options struct {
	Logger   *slog.Logger
	Observer PhaseObserver

	// MaxDuration bounds the whole attempt. Zero means no ceiling beyond ctx.
	MaxDuration time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

func (o *Options) phase(p source.Phase) {
	if o.Observer != nil {
		o.Observer.SetPhase(p)
	}
}

// needsAuth reports whether src has to authenticate before fetching.
// Sources that do not expose their token always authenticate.
func needsAuth(src source.DataSource, now time.Time) bool {
	h, ok := src.(source.TokenHolder)
	if !ok {
		return true
	}
	tok := h.CurrentToken()
	return tok == nil || tok.Expired(now)
}

// Sync performs one attempt for src against st. It never returns nil and
// never returns an error: failures are carried in the result.
func Sync(ctx context.Context, src source.DataSource, st RecordStore, since time.Time, opts Options) *source.SyncResult {
	opts.defaults()
	if opts.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.MaxDuration)
		defer cancel()
	}

	id := src.ID()
	logger := opts.Logger.With("source", id)
	res := &source.SyncResult{
		Source:    id,
		StartTime: opts.Now(),
		Errors:    []string{},
	}
	reconcileFailures := 0

	defer func() {
		res.Success = len(res.Errors) == 0
		res.EndTime = opts.Now()
		opts.phase(source.PhaseCompleted)
		observability.RecordSync(id, string(res.Outcome()), res.Duration(),
			res.ActivitiesAdded, res.ActivitiesUpdated, reconcileFailures, res.Success)
	}()

	if needsAuth(src, res.StartTime) {
		opts.phase(source.PhaseAuthenticating)
		if _, err := src.Authenticate(ctx); err != nil {
			logger.Error("authentication failed", "error", err)
			res.Errors = append(res.Errors, err.Error())
			return res
		}
	}

	opts.phase(source.PhaseFetching)
	acts, err := src.FetchActivities(ctx, source.FetchOptions{Since: since})
	if err != nil {
		logger.Warn("fetch returned an error", "fetched", len(acts), "error", err)
		res.Errors = append(res.Errors, err.Error())
	}
	if len(acts) == 0 {
		return res
	}

	opts.phase(source.PhaseReconciling)
	for i := range acts {
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("reconciliation aborted after %d of %d activities: %v", i, len(acts), err))
			break
		}
		res.ActivitiesProcessed++
		created, err := Reconcile(ctx, st, &acts[i])
		if err != nil {
			reconcileFailures++
			logger.Warn("failed to reconcile activity", "external_id", acts[i].ExternalID, "error", err)
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		if created {
			res.ActivitiesAdded++
		} else {
			res.ActivitiesUpdated++
		}
	}

	logger.Debug("reconciliation finished",
		"processed", res.ActivitiesProcessed,
		"added", res.ActivitiesAdded,
		"updated", res.ActivitiesUpdated,
		"errors", len(res.Errors))
	return res
}

// Reconcile inserts a or updates the stored record with the same
// (ExternalID, Source). On success a.ID holds the stored id. Errors are
// always *source.ReconciliationError.
func Reconcile(ctx context.Context, st RecordStore, a *activity.Activity) (created bool, err error) {
	defer func() {
		if err != nil {
			err = &source.ReconciliationError{ExternalID: a.ExternalID, Err: err}
		}
	}()

	if a.ExternalID == "" || a.Source == "" {
		return false, errors.New("activity has no external id or source")
	}

	if u, ok := st.(Upserter); ok {
		id, created, err := u.Upsert(ctx, a)
		if err != nil {
			return false, err
		}
		a.ID = id
		return created, nil
	}

	existing, err := st.FindByExternalID(ctx, a.ExternalID, a.Source)
	if err != nil {
		return false, err
	}
	if existing != nil {
		if err := st.Update(ctx, existing.ID, a); err != nil {
			return false, err
		}
		a.ID = existing.ID
		return false, nil
	}

	id, err := st.Insert(ctx, a)
	if errors.Is(err, store.ErrDuplicate) {
		// Another writer inserted between lookup and insert.
		existing, ferr := st.FindByExternalID(ctx, a.ExternalID, a.Source)
		if ferr != nil || existing == nil {
			return false, err
		}
		if err := st.Update(ctx, existing.ID, a); err != nil {
			return false, err
		}
		a.ID = existing.ID
		return false, nil
	}
	if err != nil {
		return false, err
	}
	a.ID = id
	return true, nil
}

// Tracker is the status bookkeeping Run needs from an adapter.
type Tracker interface {
	PhaseObserver
	Begin() bool
	End(res *source.SyncResult)
}

// Run wraps Sync with single-flight bookkeeping on tracker. A second
// concurrent Run for the same tracker returns a failed result immediately.
func Run(ctx context.Context, src source.DataSource, st RecordStore, since time.Time, tracker Tracker, opts Options) *source.SyncResult {
	if !tracker.Begin() {
		return source.RejectedResult(src.ID(), time.Now())
	}
	opts.Observer = tracker
	res := Sync(ctx, src, st, since, opts)
	tracker.End(res)
	return res
}
