package source

import (
	"sync"
	"time"
)

// StatusTracker keeps an adapter's sync state in a thread-safe manner.
// Adapters embed one and delegate SyncStatus to it.
type StatusTracker struct {
	mu sync.Mutex

	phase     Phase
	running   bool
	lastSync  *time.Time
	startTime time.Time
	interval  time.Duration
	nextSync  *time.Time
}

// NewStatusTracker creates an idle tracker. lastSync may be nil.
func NewStatusTracker(lastSync *time.Time) *StatusTracker {
	t := &StatusTracker{phase: PhaseIdle}
	if lastSync != nil {
		ts := *lastSync
		t.lastSync = &ts
	}
	return t
}

// Begin marks an attempt as running. It returns false if one is already
// in flight, in which case the caller must not proceed.
func (t *StatusTracker) Begin() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return false
	}
	t.running = true
	t.phase = PhaseIdle
	t.startTime = time.Now()
	return true
}

// SetPhase records the current phase of the running attempt.
func (t *StatusTracker) SetPhase(p Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = p
}

// End closes the running attempt. lastSync advances to the attempt's start
// time only when res succeeded.
func (t *StatusTracker) End(res *SyncResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.running = false
	t.phase = PhaseCompleted
	if res != nil && res.Success {
		ts := res.StartTime
		t.lastSync = &ts
	}
	if t.interval > 0 {
		next := time.Now().Add(t.interval)
		t.nextSync = &next
	}
}

// SetSchedule records when the next scheduled attempt is due. A zero
// interval clears it.
func (t *StatusTracker) SetSchedule(interval time.Duration, next time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.interval = interval
	if interval <= 0 || next.IsZero() {
		t.nextSync = nil
		return
	}
	t.nextSync = &next
}

// Status returns a snapshot safe for JSON serialization.
func (t *StatusTracker) Status() SyncStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := SyncStatus{IsRunning: t.running, Phase: t.phase}
	if t.lastSync != nil {
		ts := *t.lastSync
		st.LastSync = &ts
	}
	if t.nextSync != nil {
		ns := *t.nextSync
		st.NextSync = &ns
	}
	return st
}

// Scheduled is implemented by adapters whose StatusTracker can receive
// schedule updates from the scheduler.
type Scheduled interface {
	SetSchedule(interval time.Duration, next time.Time)
}
