package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"crewmap/database"
	"crewmap/models"
)

// memStore is an in-memory Store that also satisfies the pipeline and resolver.
type memStore struct {
	mu        sync.Mutex
	crews     map[string]*models.Crew // by id
	drivers   map[string]*models.Driver
	locations []models.LocationSample
	appendErr error
}

func newMemStore() *memStore {
	return &memStore{crews: map[string]*models.Crew{}, drivers: map[string]*models.Driver{}}
}

func (m *memStore) GetDriver(_ context.Context, id string) (*models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memStore) GetDriverByNickname(_ context.Context, crewID, nickname string) (*models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.drivers {
		if d.CrewID == crewID && d.Nickname == nickname {
			cp := *d
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (m *memStore) ListDrivers(_ context.Context, crewID string, activeOnly bool) ([]models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Driver
	for _, d := range m.drivers {
		if d.CrewID == crewID && (!activeOnly || d.IsActive) {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (m *memStore) CreateDriver(_ context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.drivers {
		if o.CrewID == d.CrewID && o.Nickname == d.Nickname {
			return fmt.Errorf("%w: drivers_crew_nickname_key", database.ErrConflict)
		}
	}
	d.CreatedAt = time.Now()
	cp := *d
	m.drivers[d.ID] = &cp
	return nil
}

func (m *memStore) SetDriverActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return database.ErrNotFound
	}
	d.IsActive = active
	return nil
}

func (m *memStore) TouchLastSeen(_ context.Context, driverID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.drivers[driverID]; ok {
		d.LastSeen = &at
	}
	return nil
}

func (m *memStore) GetCrewByCode(_ context.Context, code string) (*models.Crew, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.crews {
		if c.Code == strings.ToUpper(code) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (m *memStore) CreateCrew(_ context.Context, c *models.Crew) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.Code = strings.ToUpper(c.Code)
	for _, o := range m.crews {
		if o.Code == c.Code {
			return fmt.Errorf("%w: crews_code_key", database.ErrConflict)
		}
	}
	c.CreatedAt = time.Now()
	cp := *c
	m.crews[c.ID] = &cp
	return nil
}

func (m *memStore) AppendLocation(_ context.Context, l *models.LocationSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	l.ID = int64(len(m.locations) + 1)
	m.locations = append(m.locations, *l)
	return nil
}

func (m *memStore) ListLocationsSince(_ context.Context, crewID string, since time.Time) ([]models.LocationSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.LocationSample
	for _, l := range m.locations {
		if l.CrewID == crewID && !l.Timestamp.Before(since) {
			out = append(out, l)
		}
	}
	models.SortByTimestamp(out)
	return out, nil
}

func (m *memStore) saved() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locations)
}

var errDiskFull = errors.New("disk full")
