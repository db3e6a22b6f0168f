// Package api exposes the device webhooks and the crew map endpoints over HTTP.
package api

import (
	"context"
	"math/rand"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"crewmap/fanout"
	"crewmap/ingest"
	"crewmap/matching"
	"crewmap/metrics"
	"crewmap/models"
	"crewmap/protocol"
)

// Store is the persistence the HTTP layer reads and writes.
type Store interface {
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	GetDriverByNickname(ctx context.Context, crewID, nickname string) (*models.Driver, error)
	ListDrivers(ctx context.Context, crewID string, activeOnly bool) ([]models.Driver, error)
	CreateDriver(ctx context.Context, d *models.Driver) error
	SetDriverActive(ctx context.Context, id string, active bool) error
	GetCrewByCode(ctx context.Context, code string) (*models.Crew, error)
	CreateCrew(ctx context.Context, c *models.Crew) error
	ListLocationsSince(ctx context.Context, crewID string, since time.Time) ([]models.LocationSample, error)
}

// Ingester is the ingestion pipeline.
type Ingester interface {
	Ingest(ctx context.Context, fix models.RawFix) (*models.LocationSample, error)
	IngestBatch(ctx context.Context, items []protocol.Item) ingest.BatchResult
}

// LivenessReader serves fresh last-seen times and positions from the cache.
type LivenessReader interface {
	LastSeen(ctx context.Context, crewID string) (map[string]time.Time, error)
	Latest(ctx context.Context, crewID string) ([]models.LocationSample, error)
}

// Pinger reports backend health.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) PingContext(ctx context.Context) error { return f(ctx) }

// Deps wires the server. Liveness, Subscriber and Metrics are optional.
type Deps struct {
	Store      Store
	Ingester   Ingester
	Liveness   LivenessReader
	Subscriber fanout.Subscriber
	Metrics    *metrics.Metrics
	Health     map[string]Pinger
	Log        logrus.FieldLogger

	Retention     time.Duration
	CORSOrigins   []string
	MaxBatchBytes int64
}

type Server struct {
	Deps
	matcher  *matching.Matcher
	validate *validator.Validate
	now      func() time.Time
	intn     func(int) int
}

func NewServer(d Deps) *Server {
	if d.Retention <= 0 {
		d.Retention = 24 * time.Hour
	}
	if d.MaxBatchBytes <= 0 {
		d.MaxBatchBytes = 5 << 20
	}
	if len(d.CORSOrigins) == 0 {
		d.CORSOrigins = []string{"*"}
	}
	s := &Server{
		Deps:     d,
		validate: validator.New(),
		now:      time.Now,
		intn:     rand.Intn,
	}

	var latest matching.LatestSource = storeLatest{s}
	if d.Liveness != nil {
		latest = d.Liveness
	}
	s.matcher = matching.NewMatcher(latest)
	return s
}

// storeLatest derives each driver's newest sample from the retained trail when
// no liveness cache is configured.
type storeLatest struct{ s *Server }

func (l storeLatest) Latest(ctx context.Context, crewID string) ([]models.LocationSample, error) {
	samples, err := l.s.Store.ListLocationsSince(ctx, crewID, l.s.now().Add(-l.s.Retention))
	if err != nil {
		return nil, err
	}
	newest := make(map[string]models.LocationSample)
	for _, smp := range samples {
		if cur, ok := newest[smp.DriverID]; !ok || smp.Timestamp.After(cur.Timestamp) {
			newest[smp.DriverID] = smp
		}
	}
	out := make([]models.LocationSample, 0, len(newest))
	for _, smp := range newest {
		out = append(out, smp)
	}
	models.SortByTimestamp(out)
	return out, nil
}
