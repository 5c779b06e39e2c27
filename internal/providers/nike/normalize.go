package nike

import (
	"strings"
	"time"

	"github.com/BadgerOps/fitsync/internal/activity"
)

// ActivityPage is one page of GET /sport/v3/me/activities/...
type ActivityPage struct {
	Activities []Activity `json:"activities"`
	Paging     Paging     `json:"paging"`
}

// Paging carries the cursor for the next page. An empty AfterID means the
// last page.
type Paging struct {
	AfterID   string `json:"after_id"`
	AfterTime int64  `json:"after_time"`
}

// Activity is a Nike activity summary.
type Activity struct {
	ID               string            `json:"id"`
	Type             string            `json:"type"`
	StartEpochMs     int64             `json:"start_epoch_ms"`
	EndEpochMs       int64             `json:"end_epoch_ms"`
	ActiveDurationMs int64             `json:"active_duration_ms"`
	IsDeleted        bool              `json:"is_deleted"`
	Tags             map[string]string `json:"tags"`
	Summaries        []Summary         `json:"summaries"`
}

// Summary is one aggregated metric, e.g. {"metric":"distance","summary":"total","value":5.02}.
type Summary struct {
	Metric  string  `json:"metric"`
	Summary string  `json:"summary"`
	Value   float64 `json:"value"`
}

func (a *Activity) summary(metric, kind string) *float64 {
	for _, s := range a.Summaries {
		if s.Metric == metric && s.Summary == kind {
			v := s.Value
			return &v
		}
	}
	return nil
}

// Normalize converts a Nike activity into the canonical model. Distances
// arrive in kilometers. The payload carries no zone, so StartDateLocal and
// Timezone stay unset.
func Normalize(na Activity) activity.Activity {
	raw := na.Type
	if strings.EqualFold(raw, "run") && strings.EqualFold(na.Tags["location"], "indoors") {
		raw = "treadmill_run"
	}

	start := time.UnixMilli(na.StartEpochMs).UTC()
	name := na.Tags["com.nike.name"]
	if name == "" {
		name = "Nike " + string(activity.NormalizeType(raw))
	}

	a := activity.Activity{
		ExternalID:    na.ID,
		Source:        activity.SourceNike,
		Name:          name,
		Type:          activity.NormalizeType(raw),
		RawType:       raw,
		StartDate:     start,
		ElevationGain: na.summary("ascent", "total"),
		Calories:      na.summary("calories", "total"),
	}
	if na.ActiveDurationMs > 0 {
		a.MovingTime = activity.Int(int(na.ActiveDurationMs / 1000))
	}
	if na.EndEpochMs > na.StartEpochMs {
		a.ElapsedTime = activity.Int(int((na.EndEpochMs - na.StartEpochMs) / 1000))
	}
	if km := na.summary("distance", "total"); km != nil {
		a.Distance = activity.Float(*km * 1000)
		if a.MovingTime != nil && *a.MovingTime > 0 {
			a.AverageSpeed = activity.Float(*a.Distance / float64(*a.MovingTime))
		}
	}
	if hr := na.summary("heart_rate", "mean"); hr != nil {
		a.AverageHeartrate = hr
	}
	if hr := na.summary("heart_rate", "max"); hr != nil {
		a.MaxHeartrate = hr
	}
	return a
}
