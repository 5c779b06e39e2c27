// Package source defines the contract every fitness data provider
// implements, plus the registry that fans sync work out across them.
package source

import (
	"context"
	"errors"
	"time"

	"github.com/BadgerOps/fitsync/internal/activity"
)

// FetchOptions narrows what FetchActivities returns.
type FetchOptions struct {
	Since         time.Time // zero fetches full history (bounded by the page ceiling)
	Limit         int       // 0 means no limit
	Offset        int
	ActivityTypes []activity.Type // empty means all types
}

// Matches reports whether a passes the ActivityTypes filter.
func (o FetchOptions) Matches(a *activity.Activity) bool {
	if len(o.ActivityTypes) == 0 {
		return true
	}
	for _, t := range o.ActivityTypes {
		if a.Type == t {
			return true
		}
	}
	return false
}

// Apply filters by type and then applies Offset and Limit.
func (o FetchOptions) Apply(acts []activity.Activity) []activity.Activity {
	out := acts[:0:0]
	for i := range acts {
		if o.Matches(&acts[i]) {
			out = append(out, acts[i])
		}
	}
	if o.Offset > 0 {
		if o.Offset >= len(out) {
			return nil
		}
		out = out[o.Offset:]
	}
	if o.Limit > 0 && len(out) > o.Limit {
		out = out[:o.Limit]
	}
	return out
}

// Phase is the stage a sync attempt is in.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseAuthenticating Phase = "authenticating"
	PhaseFetching       Phase = "fetching"
	PhaseReconciling    Phase = "reconciling"
	PhaseCompleted      Phase = "completed"
)

// SyncStatus is a point-in-time view of an adapter's sync state.
type SyncStatus struct {
	LastSync  *time.Time `json:"lastSync"`
	IsRunning bool       `json:"isRunning"`
	NextSync  *time.Time `json:"nextSync,omitempty"`
	Phase     Phase      `json:"phase"`
}

// Outcome classifies a finished sync attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailed  Outcome = "failed"
)

// SyncResult is the immutable report of one sync attempt for one source.
type SyncResult struct {
	Source              string    `json:"source"`
	Success             bool      `json:"success"`
	ActivitiesProcessed int       `json:"activitiesProcessed"`
	ActivitiesAdded     int       `json:"activitiesAdded"`
	ActivitiesUpdated   int       `json:"activitiesUpdated"`
	Errors              []string  `json:"errors"`
	StartTime           time.Time `json:"startTime"`
	EndTime             time.Time `json:"endTime"`
	// Rejected marks an attempt refused because another one was already
	// running for the source. It is reported to the caller but never
	// recorded as the source's outcome.
	Rejected bool `json:"rejected,omitempty"`
}

// Outcome derives success, partial or failed from the counts and errors.
func (r *SyncResult) Outcome() Outcome {
	switch {
	case len(r.Errors) == 0:
		return OutcomeSuccess
	case r.ActivitiesAdded+r.ActivitiesUpdated > 0:
		return OutcomePartial
	default:
		return OutcomeFailed
	}
}

// Duration is EndTime minus StartTime.
func (r *SyncResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// FailedResult builds a result for an attempt that never got going.
func FailedResult(sourceID string, start time.Time, err error) *SyncResult {
	return &SyncResult{
		Source:    sourceID,
		Success:   false,
		Errors:    []string{err.Error()},
		StartTime: start,
		EndTime:   time.Now(),
	}
}

// ErrSyncInProgress is reported when a source is asked to sync while an
// earlier attempt is still running.
var ErrSyncInProgress = errors.New("sync already in progress")

// RejectedResult builds the result for an attempt refused with
// ErrSyncInProgress.
func RejectedResult(sourceID string, start time.Time) *SyncResult {
	res := FailedResult(sourceID, start, ErrSyncInProgress)
	res.Rejected = true
	return res
}

// DataSource is the uniform contract every provider adapter satisfies.
type DataSource interface {
	// ID returns the configured source id (e.g. "strava-main").
	ID() string

	// Type returns the provider kind (e.g. "strava", "nike", "file").
	Type() string

	// Authenticate obtains a usable token, refreshing when a refresh
	// credential exists. Configuration problems surface as
	// *ConfigurationError before any network call.
	Authenticate(ctx context.Context) (*Token, error)

	// TestConnection reports whether the provider is reachable with the
	// current credentials. It never returns an error.
	TestConnection(ctx context.Context) bool

	// FetchActivities returns normalized activities. On a pagination
	// failure it returns what it has together with *FetchIncompleteError.
	FetchActivities(ctx context.Context, opts FetchOptions) ([]activity.Activity, error)

	// SyncActivities runs one full sync attempt. It never returns nil.
	SyncActivities(ctx context.Context, since time.Time) *SyncResult

	// SyncStatus reports the adapter's current sync state.
	SyncStatus() SyncStatus
}

// TokenHolder is implemented by adapters that keep a token between calls,
// letting the orchestrator skip authentication while it is still valid.
type TokenHolder interface {
	CurrentToken() *Token
}

// NameSetter is an optional interface for adapters whose display name comes
// from configuration.
type NameSetter interface {
	SetName(name string)
}

// Authorizer is implemented by adapters that support the OAuth2
// authorization-code flow.
type Authorizer interface {
	AuthCodeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*Token, error)
}

// Validator is implemented by adapters that accept an invalid
// configuration and report it from Authenticate. Validate returns the
// same *ConfigurationError without touching the network.
type Validator interface {
	Validate() error
}
