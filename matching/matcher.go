// Package matching finds crewmates close to a point from their latest fixes.
package matching

import (
	"context"
	"errors"
	"fmt"

	"crewmap/geo"
	"crewmap/models"
)

// LatestSource returns the newest sample of every driver in a crew.
type LatestSource interface {
	Latest(ctx context.Context, crewID string) ([]models.LocationSample, error)
}

// ErrNoCrewmates means nobody in the crew is within the search radius.
var ErrNoCrewmates = errors.New("no crewmates in range")

// Crewmate is a driver near the query point.
type Crewmate struct {
	DriverID       string                `json:"driver_id"`
	DistanceMeters float64               `json:"distance_meters"`
	Sample         models.LocationSample `json:"sample"`
}

type Matcher struct {
	latest LatestSource
}

func NewMatcher(latest LatestSource) *Matcher {
	return &Matcher{latest: latest}
}

// Nearby returns crewmates within radiusMeters of center, nearest first.
// exclude is skipped, so a driver does not find themselves.
func (m *Matcher) Nearby(ctx context.Context, crewID string, center geo.Point, radiusMeters float64, exclude string) ([]Crewmate, error) {
	samples, err := m.latest.Latest(ctx, crewID)
	if err != nil {
		return nil, fmt.Errorf("loading latest positions: %w", err)
	}

	byDriver := make(map[string]models.LocationSample, len(samples))
	idx := geo.NewIndex()
	for _, s := range samples {
		if s.DriverID == exclude {
			continue
		}
		byDriver[s.DriverID] = s
		idx.Insert(geo.Entry{ID: s.DriverID, Point: geo.Point{Lat: s.Latitude, Lon: s.Longitude}})
	}

	hits := idx.Nearby(center, radiusMeters)
	out := make([]Crewmate, 0, len(hits))
	for _, h := range hits {
		out = append(out, Crewmate{
			DriverID:       h.ID,
			DistanceMeters: h.DistanceMeters,
			Sample:         byDriver[h.ID],
		})
	}
	return out, nil
}

// Nearest returns the closest crewmate within radiusMeters.
func (m *Matcher) Nearest(ctx context.Context, crewID string, center geo.Point, radiusMeters float64, exclude string) (*Crewmate, error) {
	mates, err := m.Nearby(ctx, crewID, center, radiusMeters, exclude)
	if err != nil {
		return nil, err
	}
	if len(mates) == 0 {
		return nil, fmt.Errorf("%w: %.0fm", ErrNoCrewmates, radiusMeters)
	}
	return &mates[0], nil
}
