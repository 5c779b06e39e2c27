package strava

import (
	"strconv"
	"strings"
	"time"

	"github.com/BadgerOps/fitsync/internal/activity"
)

// SummaryActivity is an activity as returned by GET /athlete/activities.
// Optional metrics are pointers so absent fields stay absent.
type SummaryActivity struct {
	ID                 int64        `json:"id"`
	Name               string       `json:"name"`
	Type               string       `json:"type"`
	SportType          string       `json:"sport_type"`
	StartDate          time.Time    `json:"start_date"`
	StartDateLocal     time.Time    `json:"start_date_local"`
	Timezone           string       `json:"timezone"`
	Distance           *float64     `json:"distance"`
	MovingTime         *int         `json:"moving_time"`
	ElapsedTime        *int         `json:"elapsed_time"`
	TotalElevationGain *float64     `json:"total_elevation_gain"`
	AverageSpeed       *float64     `json:"average_speed"`
	MaxSpeed           *float64     `json:"max_speed"`
	HasHeartrate       bool         `json:"has_heartrate"`
	AverageHeartrate   *float64     `json:"average_heartrate"`
	MaxHeartrate       *float64     `json:"max_heartrate"`
	AverageCadence     *float64     `json:"average_cadence"`
	AverageWatts       *float64     `json:"average_watts"`
	Calories           *float64     `json:"calories"`
	StartLatLng        []float64    `json:"start_latlng"`
	EndLatLng          []float64    `json:"end_latlng"`
	Map                *ActivityMap `json:"map"`
}

// ActivityMap carries the encoded route.
type ActivityMap struct {
	SummaryPolyline string `json:"summary_polyline"`
}

// Normalize converts a Strava activity into the canonical model.
func Normalize(sa SummaryActivity) activity.Activity {
	raw := sa.SportType
	if raw == "" {
		raw = sa.Type
	}

	a := activity.Activity{
		ExternalID:     strconv.FormatInt(sa.ID, 10),
		Source:         activity.SourceStrava,
		Name:           sa.Name,
		Type:           activity.NormalizeType(raw),
		RawType:        raw,
		StartDate:      sa.StartDate.UTC(),
		StartDateLocal: sa.StartDateLocal,
		Timezone:       ianaZone(sa.Timezone),
		Distance:       sa.Distance,
		MovingTime:     sa.MovingTime,
		ElapsedTime:    sa.ElapsedTime,
		ElevationGain:  sa.TotalElevationGain,
		AverageSpeed:   sa.AverageSpeed,
		MaxSpeed:       sa.MaxSpeed,
		AverageCadence: sa.AverageCadence,
		AveragePower:   sa.AverageWatts,
		Calories:       sa.Calories,
		StartLatLng:    latLng(sa.StartLatLng),
		EndLatLng:      latLng(sa.EndLatLng),
	}
	if sa.HasHeartrate {
		a.AverageHeartrate = sa.AverageHeartrate
		a.MaxHeartrate = sa.MaxHeartrate
	}
	if sa.Map != nil {
		a.Polyline = sa.Map.SummaryPolyline
	}
	return a
}

// ianaZone extracts "Europe/London" from "(GMT+00:00) Europe/London".
func ianaZone(tz string) string {
	if i := strings.LastIndex(tz, ") "); i >= 0 {
		return tz[i+2:]
	}
	return tz
}

// latLng returns nil for Strava's empty coordinate arrays.
func latLng(v []float64) *activity.LatLng {
	if len(v) != 2 {
		return nil
	}
	return &activity.LatLng{Lat: v[0], Lng: v[1]}
}
