package presence

import (
	"sort"
	"time"

	"crewmap/models"
)

// DriverView is one row of the crew map. Status and Since follow the newest
// sample's own timestamp; LastSeen is when the device last reached the server.
type DriverView struct {
	Driver      models.Driver           `json:"driver"`
	Status      Status                  `json:"status"`
	Since       string                  `json:"since"`
	LastSeen    *time.Time              `json:"last_seen,omitempty"`
	LastSample  *models.LocationSample  `json:"last_sample,omitempty"`
	Trail       []models.LocationSample `json:"trail"`
	TrailMeters float64                 `json:"trail_meters"`
}

// Snapshot is the crew map at one instant.
type Snapshot struct {
	CrewID  string       `json:"crew_id"`
	At      time.Time    `json:"at"`
	Drivers []DriverView `json:"drivers"`
}

// BuildSnapshot groups samples per driver, drops those outside the retention
// window, sorts each trail by Timestamp and classifies every driver by its
// newest sample. lastSeen holds fresher last-seen times (from the liveness
// cache) that win over the driver row when newer.
func BuildSnapshot(crewID string, drivers []models.Driver, samples []models.LocationSample,
	lastSeen map[string]time.Time, now time.Time, retention time.Duration) Snapshot {
	byDriver := make(map[string][]models.LocationSample)
	for _, s := range WithinRetention(samples, now, retention) {
		byDriver[s.DriverID] = append(byDriver[s.DriverID], s)
	}

	snap := Snapshot{CrewID: crewID, At: now, Drivers: make([]DriverView, 0, len(drivers))}
	for _, d := range drivers {
		trail := byDriver[d.ID]
		models.SortByTimestamp(trail)
		if trail == nil {
			trail = []models.LocationSample{}
		}

		view := DriverView{
			Driver:      d,
			LastSeen:    freshest(d.LastSeen, lastSeen[d.ID]),
			Trail:       trail,
			TrailMeters: TrailDistance(trail),
		}
		var sampled *time.Time
		if n := len(trail); n > 0 {
			last := trail[n-1]
			view.LastSample = &last
			sampled = &last.Timestamp
		}
		view.Status = Classify(sampled, now)
		view.Since = FormatSince(sampled, now)
		snap.Drivers = append(snap.Drivers, view)
	}

	sort.SliceStable(snap.Drivers, func(i, j int) bool {
		return snap.Drivers[i].Status.Rank() > snap.Drivers[j].Status.Rank()
	})
	return snap
}

func freshest(stored *time.Time, cached time.Time) *time.Time {
	if cached.IsZero() {
		return stored
	}
	if stored == nil || cached.After(*stored) {
		return &cached
	}
	return stored
}
