package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BadgerOps/fitsync/internal/source"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert violates a unique key.
	ErrDuplicate = errors.New("duplicate record")
)

// RunStatusRunning marks a sync run that has not finished yet.
const RunStatusRunning = "running"

// SyncRun records one sync attempt for one source
type SyncRun struct {
	ID                  int64     `json:"id"`
	Source              string    `json:"source"`
	StartTime           time.Time `json:"startTime"`
	EndTime             time.Time `json:"endTime"`
	ActivitiesProcessed int       `json:"activitiesProcessed"`
	ActivitiesAdded     int       `json:"activitiesAdded"`
	ActivitiesUpdated   int       `json:"activitiesUpdated"`
	ErrorCount          int       `json:"errorCount"`
	Status              string    `json:"status"` // "running", "success", "partial", "failed"
	ErrorMessage        string    `json:"errorMessage,omitempty"`
}

// SyncRunFromResult builds a finished run from a sync result.
func SyncRunFromResult(res *source.SyncResult) *SyncRun {
	run := &SyncRun{
		Source:              res.Source,
		StartTime:           res.StartTime,
		EndTime:             res.EndTime,
		ActivitiesProcessed: res.ActivitiesProcessed,
		ActivitiesAdded:     res.ActivitiesAdded,
		ActivitiesUpdated:   res.ActivitiesUpdated,
		ErrorCount:          len(res.Errors),
		Status:              string(res.Outcome()),
	}
	if len(res.Errors) > 0 {
		run.ErrorMessage = res.Errors[0]
	}
	return run
}

// SourceConfig is the persisted form of source.Config
type SourceConfig struct {
	ID           string
	Name         string
	Type         string
	Enabled      bool
	SettingsJSON string
	Status       string
	LastSync     *time.Time
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ToSource decodes the settings JSON into a source.Config.
func (sc *SourceConfig) ToSource() (source.Config, error) {
	cfg := source.Config{
		ID:           sc.ID,
		Name:         sc.Name,
		Type:         sc.Type,
		Enabled:      sc.Enabled,
		Status:       source.Status(sc.Status),
		LastSync:     sc.LastSync,
		ErrorMessage: sc.ErrorMessage,
	}
	if sc.SettingsJSON != "" {
		if err := json.Unmarshal([]byte(sc.SettingsJSON), &cfg.Settings); err != nil {
			return cfg, fmt.Errorf("failed to decode settings for %s: %w", sc.ID, err)
		}
	}
	return cfg, nil
}

// SourceConfigFrom encodes a source.Config for persistence.
func SourceConfigFrom(cfg source.Config) (*SourceConfig, error) {
	settings := cfg.Settings
	if settings == nil {
		settings = map[string]any{}
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to encode settings for %s: %w", cfg.ID, err)
	}
	status := string(cfg.Status)
	if status == "" {
		status = string(source.StatusInactive)
	}
	return &SourceConfig{
		ID:           cfg.ID,
		Name:         cfg.Name,
		Type:         cfg.Type,
		Enabled:      cfg.Enabled,
		SettingsJSON: string(data),
		Status:       status,
		LastSync:     cfg.LastSync,
		ErrorMessage: cfg.ErrorMessage,
	}, nil
}
