package source

import "time"

// Status is the health of a configured source as last observed.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusError    Status = "error"
)

// Config is a configured source. Settings are provider-specific and opaque
// to the registry.
type Config struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	Enabled      bool           `json:"enabled"`
	Settings     map[string]any `json:"settings,omitempty"`
	Status       Status         `json:"status"`
	LastSync     *time.Time     `json:"lastSync,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
}

// ApplyResult folds a sync outcome into the config. LastSync only advances
// on full success so a partial fetch is retried from the same point.
func (c *Config) ApplyResult(res *SyncResult) {
	if res == nil {
		return
	}
	if res.Success {
		ts := res.StartTime
		c.LastSync = &ts
		c.Status = StatusActive
		c.ErrorMessage = ""
		return
	}
	c.Status = StatusError
	if len(res.Errors) > 0 {
		c.ErrorMessage = res.Errors[0]
	} else {
		c.ErrorMessage = "sync failed"
	}
}
