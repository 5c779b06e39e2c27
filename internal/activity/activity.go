// Package activity defines the canonical workout record that every data
// source normalizes into.
package activity

import "time"

// Source tags identify which provider produced an activity.
const (
	SourceStrava = "strava"
	SourceNike   = "nike"
	SourceFile   = "file"
)

// LatLng is a WGS84 coordinate pair in decimal degrees.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Activity is the provider-agnostic workout record.
//
// Metric fields are pointers: nil means the provider did not report the
// value, which is different from a reported zero.
type Activity struct {
	ID         int64  `json:"id,omitempty"` // local id, 0 until persisted
	ExternalID string `json:"externalId"`
	Source     string `json:"source"`

	Name    string `json:"name"`
	Type    Type   `json:"type"`
	RawType string `json:"rawType,omitempty"` // provider-native type string

	StartDate      time.Time `json:"startDate"`
	StartDateLocal time.Time `json:"startDateLocal"`
	Timezone       string    `json:"timezone,omitempty"`

	Distance         *float64 `json:"distance,omitempty"`      // meters
	MovingTime       *int     `json:"movingTime,omitempty"`    // seconds
	ElapsedTime      *int     `json:"elapsedTime,omitempty"`   // seconds
	ElevationGain    *float64 `json:"elevationGain,omitempty"` // meters
	AverageSpeed     *float64 `json:"averageSpeed,omitempty"`  // m/s
	MaxSpeed         *float64 `json:"maxSpeed,omitempty"`      // m/s
	AverageHeartrate *float64 `json:"averageHeartrate,omitempty"`
	MaxHeartrate     *float64 `json:"maxHeartrate,omitempty"`
	AverageCadence   *float64 `json:"averageCadence,omitempty"`
	AveragePower     *float64 `json:"averagePower,omitempty"` // watts
	Calories         *float64 `json:"calories,omitempty"`     // kcal

	StartLatLng *LatLng `json:"startLatLng,omitempty"`
	EndLatLng   *LatLng `json:"endLatLng,omitempty"`
	Polyline    string  `json:"polyline,omitempty"`
}

// Key returns the natural key used by record stores.
func (a *Activity) Key() string {
	return a.Source + ":" + a.ExternalID
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// FloatIfPositive returns a pointer to v when v > 0, nil otherwise. Used for
// providers that encode "not recorded" as zero.
func FloatIfPositive(v float64) *float64 {
	if v <= 0 {
		return nil
	}
	return &v
}
