// Package presence derives recency status and trail statistics from samples.
// Nothing here is stored: results depend on the wall clock at evaluation.
package presence

import (
	"fmt"
	"time"

	"crewmap/geo"
	"crewmap/models"
)

type Status string

const (
	Live     Status = "live"
	Active   Status = "active"
	Inactive Status = "inactive"
	Offline  Status = "offline"
)

const (
	LiveWithin     = 30 * time.Second
	ActiveWithin   = 5 * time.Minute
	InactiveWithin = time.Hour
)

// Rank orders statuses by recency, live highest.
func (s Status) Rank() int {
	switch s {
	case Live:
		return 3
	case Active:
		return 2
	case Inactive:
		return 1
	default:
		return 0
	}
}

// Classify buckets the time since last. A nil last means never seen.
func Classify(last *time.Time, now time.Time) Status {
	if last == nil {
		return Offline
	}
	elapsed := now.Sub(*last)
	switch {
	case elapsed < LiveWithin:
		return Live
	case elapsed < ActiveWithin:
		return Active
	case elapsed < InactiveWithin:
		return Inactive
	default:
		return Offline
	}
}

// TrailDistance sums Haversine distances between consecutive samples. The
// samples must already be filtered and ordered by Timestamp.
func TrailDistance(samples []models.LocationSample) float64 {
	var total float64
	for i := 1; i < len(samples); i++ {
		total += geo.DistanceMeters(point(samples[i-1]), point(samples[i]))
	}
	return total
}

// WithinRetention keeps samples whose Timestamp is no older than window.
func WithinRetention(samples []models.LocationSample, now time.Time, window time.Duration) []models.LocationSample {
	cutoff := now.Add(-window)
	out := make([]models.LocationSample, 0, len(samples))
	for _, s := range samples {
		if !s.Timestamp.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// FormatSince renders elapsed time the way the crew list shows it.
func FormatSince(last *time.Time, now time.Time) string {
	if last == nil {
		return "never"
	}
	d := now.Sub(*last)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func point(s models.LocationSample) geo.Point {
	return geo.Point{Lat: s.Latitude, Lon: s.Longitude}
}
