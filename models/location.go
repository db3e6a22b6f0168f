package models

import (
	"sort"
	"time"
)

// LocationSample is the canonical, persisted position record. Samples are
// append-only and ordered by Timestamp, not by insertion.
type LocationSample struct {
	ID         int64     `json:"id,omitempty"`
	DriverID   string    `json:"driver_id"`
	CrewID     string    `json:"crew_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   *float64  `json:"accuracy,omitempty"`
	Speed      *float64  `json:"speed,omitempty"` // meters per second
	Heading    *float64  `json:"heading,omitempty"`
	Altitude   *float64  `json:"altitude,omitempty"`
	Geohash    string    `json:"geohash,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	ReceivedAt time.Time `json:"received_at"`
}

// SortByTimestamp orders samples ascending by their source timestamp.
func SortByTimestamp(samples []LocationSample) {
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Timestamp.Before(samples[j].Timestamp)
	})
}
