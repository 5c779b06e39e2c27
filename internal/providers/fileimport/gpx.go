package fileimport

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"math"
	"time"

	"github.com/BadgerOps/fitsync/internal/activity"
)

// movingSpeed is the slowest pace counted towards moving time, in m/s.
const movingSpeed = 0.5

type gpxFile struct {
	Metadata struct {
		Name string    `xml:"name"`
		Time time.Time `xml:"time"`
	} `xml:"metadata"`
	Tracks []gpxTrack `xml:"trk"`
}

type gpxTrack struct {
	Name     string       `xml:"name"`
	Type     string       `xml:"type"`
	Segments []gpxSegment `xml:"trkseg"`
}

type gpxSegment struct {
	Points []gpxPoint `xml:"trkpt"`
}

// Extension elements are matched by local name, so both the Garmin
// TrackPointExtension v1 and v2 namespaces decode.
type gpxPoint struct {
	Lat     float64   `xml:"lat,attr"`
	Lon     float64   `xml:"lon,attr"`
	Ele     *float64  `xml:"ele"`
	Time    time.Time `xml:"time"`
	HR      *float64  `xml:"extensions>TrackPointExtension>hr"`
	Cadence *float64  `xml:"extensions>TrackPointExtension>cad"`
}

// parseGPX summarizes every track point in the file into one activity.
// Name and type come from the first track.
func parseGPX(data []byte) (*parsed, error) {
	var doc gpxFile
	if err := xml.NewDecoder(bytes.NewReader(data)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode gpx: %w", err)
	}

	var points []gpxPoint
	for _, trk := range doc.Tracks {
		for _, seg := range trk.Segments {
			points = append(points, seg.Points...)
		}
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("gpx contains no track points")
	}

	p := &parsed{name: doc.Metadata.Name, start: doc.Metadata.Time}
	if len(doc.Tracks) > 0 {
		if doc.Tracks[0].Name != "" {
			p.name = doc.Tracks[0].Name
		}
		p.rawType = doc.Tracks[0].Type
	}

	first, last := points[0], points[len(points)-1]
	if !first.Time.IsZero() {
		p.start = first.Time
	}
	if p.start.IsZero() {
		return nil, fmt.Errorf("gpx has no timestamps")
	}
	p.startLatLng = &activity.LatLng{Lat: first.Lat, Lng: first.Lon}
	p.endLatLng = &activity.LatLng{Lat: last.Lat, Lng: last.Lon}
	if !last.Time.IsZero() && last.Time.After(p.start) {
		p.elapsed = activity.Int(int(last.Time.Sub(p.start).Seconds()))
	}

	var (
		dist, gain, moving float64
		hrSum, hrMax       float64
		hrCount            int
		cadSum             float64
		cadCount           int
		haveEle            bool
	)
	for i, pt := range points {
		if pt.HR != nil {
			hrSum += *pt.HR
			hrCount++
			hrMax = math.Max(hrMax, *pt.HR)
		}
		if pt.Cadence != nil {
			cadSum += *pt.Cadence
			cadCount++
		}
		if i == 0 {
			continue
		}
		prev := points[i-1]
		d := haversine(prev.Lat, prev.Lon, pt.Lat, pt.Lon)
		dist += d
		if prev.Ele != nil && pt.Ele != nil {
			haveEle = true
			if delta := *pt.Ele - *prev.Ele; delta > 0 {
				gain += delta
			}
		}
		if dt := pt.Time.Sub(prev.Time).Seconds(); dt > 0 && d/dt >= movingSpeed {
			moving += dt
		}
	}

	p.distance = activity.Float(dist)
	if haveEle {
		p.elevationGain = activity.Float(gain)
	}
	if moving > 0 {
		p.moving = activity.Int(int(moving))
		p.avgSpeed = activity.Float(dist / moving)
	}
	if hrCount > 0 {
		p.avgHR = activity.Float(hrSum / float64(hrCount))
		p.maxHR = activity.Float(hrMax)
	}
	if cadCount > 0 {
		p.avgCadence = activity.Float(cadSum / float64(cadCount))
	}
	return p, nil
}

const earthRadius = 6371000.0 // meters

// haversine returns the great-circle distance between two points in meters.
func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadius * math.Asin(math.Sqrt(a))
}
