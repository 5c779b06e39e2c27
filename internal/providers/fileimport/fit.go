package fileimport

import (
	"bytes"
	"fmt"
	"time"

	"github.com/muktihari/fit/decoder"
	"github.com/muktihari/fit/profile/mesgdef"
	"github.com/muktihari/fit/profile/typedef"

	"github.com/BadgerOps/fitsync/internal/activity"
)

// FIT invalid sentinels for the base types we read.
const (
	invalidUint8  = 0xFF
	invalidUint16 = 0xFFFF
	invalidUint32 = 0xFFFFFFFF
	invalidSint32 = 0x7FFFFFFF

	semicircles = 11930464.7111 // 2^31 / 180
)

// parseFIT summarizes a FIT activity file. Multiple sessions (multisport or
// auto-pause splits) are merged. Files without a session message fall back
// to their record stream.
func parseFIT(data []byte) (*parsed, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty FIT data")
	}

	dec := decoder.New(bytes.NewReader(data))
	var (
		sessions []*mesgdef.Session
		records  []*mesgdef.Record
		created  time.Time
	)
	for dec.Next() {
		fit, err := dec.Decode()
		if err != nil {
			return nil, fmt.Errorf("decode fit: %w", err)
		}
		for i := range fit.Messages {
			msg := &fit.Messages[i]
			switch msg.Num {
			case typedef.MesgNumFileId:
				if fid := mesgdef.NewFileId(msg); created.IsZero() && !fid.TimeCreated.IsZero() {
					created = fid.TimeCreated.UTC()
				}
			case typedef.MesgNumSession:
				sessions = append(sessions, mesgdef.NewSession(msg))
			case typedef.MesgNumRecord:
				if rec := mesgdef.NewRecord(msg); !rec.Timestamp.IsZero() {
					records = append(records, rec)
				}
			}
		}
	}

	var p *parsed
	if len(sessions) > 0 {
		p = fromSessions(sessions)
	} else {
		p = fromRecords(records)
	}
	if p == nil {
		return nil, fmt.Errorf("fit file has no session or record messages")
	}
	if p.start.IsZero() {
		p.start = created
	}
	if p.start.IsZero() {
		return nil, fmt.Errorf("fit file has no timestamps")
	}
	if p.startLatLng == nil && len(records) > 0 {
		p.startLatLng = recordPosition(records[0])
	}
	if len(records) > 0 {
		p.endLatLng = recordPosition(records[len(records)-1])
	}
	return p, nil
}

func fromSessions(sessions []*mesgdef.Session) *parsed {
	first := sessions[0]
	p := &parsed{
		start:   first.StartTime.UTC(),
		rawType: sportName(first.Sport, first.SubSport),
		name:    first.SportProfileName,
	}

	var (
		dist, elapsed, timer, cal, ascent float64
		haveDist, haveCal, haveAscent     bool
		hrWeighted, hrSeconds, maxHR      float64
		maxSpeed                          float64
	)
	for _, s := range sessions {
		if s.TotalDistance != invalidUint32 {
			dist += float64(s.TotalDistance) / 100
			haveDist = true
		}
		if s.TotalElapsedTime != invalidUint32 {
			elapsed += float64(s.TotalElapsedTime) / 1000
		}
		if s.TotalTimerTime != invalidUint32 {
			timer += float64(s.TotalTimerTime) / 1000
		}
		if s.TotalCalories != invalidUint16 {
			cal += float64(s.TotalCalories)
			haveCal = true
		}
		if s.TotalAscent != invalidUint16 {
			ascent += float64(s.TotalAscent)
			haveAscent = true
		}
		if s.AvgHeartRate != invalidUint8 && s.TotalTimerTime != invalidUint32 {
			secs := float64(s.TotalTimerTime) / 1000
			hrWeighted += float64(s.AvgHeartRate) * secs
			hrSeconds += secs
		}
		if s.MaxHeartRate != invalidUint8 && float64(s.MaxHeartRate) > maxHR {
			maxHR = float64(s.MaxHeartRate)
		}
		if s.MaxSpeed != invalidUint16 && float64(s.MaxSpeed)/1000 > maxSpeed {
			maxSpeed = float64(s.MaxSpeed) / 1000
		}
	}

	if haveDist {
		p.distance = activity.Float(dist)
	}
	if elapsed > 0 {
		p.elapsed = activity.Int(int(elapsed))
	}
	if timer > 0 {
		p.moving = activity.Int(int(timer))
		if haveDist {
			p.avgSpeed = activity.Float(dist / timer)
		}
	}
	if haveCal {
		p.calories = activity.Float(cal)
	}
	if haveAscent {
		p.elevationGain = activity.Float(ascent)
	}
	if hrSeconds > 0 {
		p.avgHR = activity.Float(hrWeighted / hrSeconds)
	}
	p.maxHR = activity.FloatIfPositive(maxHR)
	p.maxSpeed = activity.FloatIfPositive(maxSpeed)

	if len(sessions) == 1 {
		if first.AvgCadence != invalidUint8 {
			p.avgCadence = activity.Float(float64(first.AvgCadence))
		}
		if first.AvgPower != invalidUint16 {
			p.avgPower = activity.Float(float64(first.AvgPower))
		}
	}
	if first.StartPositionLat != invalidSint32 && first.StartPositionLong != invalidSint32 {
		p.startLatLng = &activity.LatLng{
			Lat: float64(first.StartPositionLat) / semicircles,
			Lng: float64(first.StartPositionLong) / semicircles,
		}
	}
	return p
}

func fromRecords(records []*mesgdef.Record) *parsed {
	if len(records) == 0 {
		return nil
	}
	first, last := records[0], records[len(records)-1]
	p := &parsed{start: first.Timestamp.UTC()}
	if d := last.Timestamp.Sub(first.Timestamp); d > 0 {
		p.elapsed = activity.Int(int(d.Seconds()))
	}
	if last.Distance != invalidUint32 {
		p.distance = activity.Float(float64(last.Distance) / 100)
	}

	var hrSum, hrMax float64
	var hrCount int
	for _, r := range records {
		if r.HeartRate == invalidUint8 {
			continue
		}
		hr := float64(r.HeartRate)
		hrSum += hr
		hrCount++
		if hr > hrMax {
			hrMax = hr
		}
	}
	if hrCount > 0 {
		p.avgHR = activity.Float(hrSum / float64(hrCount))
		p.maxHR = activity.Float(hrMax)
	}
	return p
}

func recordPosition(r *mesgdef.Record) *activity.LatLng {
	if r.PositionLat == invalidSint32 || r.PositionLong == invalidSint32 {
		return nil
	}
	return &activity.LatLng{
		Lat: float64(r.PositionLat) / semicircles,
		Lng: float64(r.PositionLong) / semicircles,
	}
}

// sportName maps a FIT sport to a provider type string understood by
// activity.NormalizeType.
func sportName(sport typedef.Sport, sub typedef.SubSport) string {
	switch sub {
	case typedef.SubSportTreadmill:
		return "treadmill_run"
	case typedef.SubSportTrail:
		if sport == typedef.SportRunning {
			return "trail_run"
		}
	case typedef.SubSportVirtualActivity:
		switch sport {
		case typedef.SportRunning:
			return "virtual_run"
		case typedef.SportCycling:
			return "virtual_ride"
		}
	case typedef.SubSportMountain:
		if sport == typedef.SportCycling {
			return "mountain_bike_ride"
		}
	case typedef.SubSportStrengthTraining:
		return "strength_training"
	case typedef.SubSportYoga:
		return "yoga"
	case typedef.SubSportElliptical:
		return "elliptical"
	case typedef.SubSportStairClimbing:
		return "stair_stepper"
	case typedef.SubSportIndoorRowing:
		return "indoor_rowing"
	case typedef.SubSportHiit:
		return "hiit"
	}
	return sport.String()
}
