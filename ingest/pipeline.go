// Package ingest turns normalized fixes into persisted location samples.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"crewmap/geo"
	"crewmap/identity"
	"crewmap/metrics"
	"crewmap/models"
	"crewmap/protocol"
)

// Store is the write side of the backing store.
type Store interface {
	AppendLocation(ctx context.Context, sample *models.LocationSample) error
	TouchLastSeen(ctx context.Context, driverID string, at time.Time) error
}

// Resolver maps a device token to a driver and crew.
type Resolver interface {
	Resolve(ctx context.Context, token string) (identity.Identity, error)
}

// Liveness caches last-seen times and latest samples for fast presence reads.
type Liveness interface {
	MarkSeen(ctx context.Context, sample models.LocationSample, at time.Time) error
}

// Publisher fans new samples out to subscribers.
type Publisher interface {
	Publish(ctx context.Context, sample models.LocationSample) error
}

// Pipeline validates, resolves, persists and announces fixes. It keeps no
// state between calls; coordination happens in the store.
type Pipeline struct {
	store     Store
	resolver  Resolver
	liveness  Liveness
	publisher Publisher
	metrics   *metrics.Metrics
	log       logrus.FieldLogger

	geohashPrecision uint
	now              func() time.Time
}

type Option func(*Pipeline)

func WithLiveness(l Liveness) Option {
	return func(p *Pipeline) { p.liveness = l }
}

func WithPublisher(pub Publisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

func WithGeohashPrecision(n uint) Option {
	return func(p *Pipeline) { p.geohashPrecision = n }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func NewPipeline(store Store, resolver Resolver, log logrus.FieldLogger, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:            store,
		resolver:         resolver,
		log:              log,
		geohashPrecision: geo.SamplePrecision,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ingest runs one fix through the pipeline. Errors wrap models.ErrInvalidPayload,
// models.ErrUnknownDevice or models.ErrStorageFailure.
func (p *Pipeline) Ingest(ctx context.Context, fix models.RawFix) (*models.LocationSample, error) {
	start := p.now()
	sample, err := p.ingest(ctx, fix)
	p.observe(fix.Protocol, err, p.now().Sub(start))
	return sample, err
}

func (p *Pipeline) ingest(ctx context.Context, fix models.RawFix) (*models.LocationSample, error) {
	if err := fix.Validate(); err != nil {
		return nil, err
	}

	id, err := p.resolver.Resolve(ctx, fix.DriverToken)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownDevice, fix.DriverToken)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: resolving %q: %v", models.ErrStorageFailure, fix.DriverToken, err)
	}

	receivedAt := p.now().UTC()
	ts := fix.Timestamp
	if ts.IsZero() {
		ts = receivedAt
	}
	sample := &models.LocationSample{
		DriverID:   id.DriverID,
		CrewID:     id.CrewID,
		Latitude:   fix.Latitude,
		Longitude:  fix.Longitude,
		Accuracy:   fix.Accuracy,
		Speed:      fix.Speed,
		Heading:    fix.Heading,
		Altitude:   fix.Altitude,
		Geohash:    geo.Encode(fix.Latitude, fix.Longitude, p.geohashPrecision),
		Timestamp:  ts.UTC(),
		ReceivedAt: receivedAt,
	}
	if err := p.store.AppendLocation(ctx, sample); err != nil {
		return nil, fmt.Errorf("%w: appending location: %v", models.ErrStorageFailure, err)
	}

	log := p.log.WithFields(logrus.Fields{
		"driver_id": sample.DriverID,
		"crew_id":   sample.CrewID,
		"protocol":  fix.Protocol,
		"via":       id.Via,
	})

	// lastSeen tracks when the device last talked to us, not the fix time.
	if err := p.store.TouchLastSeen(ctx, sample.DriverID, receivedAt); err != nil {
		p.countLivenessFailure()
		log.WithError(err).Warn("failed to update driver last_seen")
	}
	if p.liveness != nil {
		if err := p.liveness.MarkSeen(ctx, *sample, receivedAt); err != nil {
			p.countLivenessFailure()
			log.WithError(err).Warn("failed to update liveness cache")
		}
	}
	if p.publisher != nil {
		if err := p.publisher.Publish(ctx, *sample); err != nil {
			if p.metrics != nil {
				p.metrics.FanoutFailures.Inc()
			}
			log.WithError(err).Warn("failed to publish location")
		}
	}

	log.WithField("timestamp", sample.Timestamp).Debug("location saved")
	return sample, nil
}

// BatchResult counts the outcome of a batch. Failed items never fail the batch.
type BatchResult struct {
	Saved  int `json:"saved"`
	Errors int `json:"errors"`
}

// IngestBatch ingests every item independently. Items that failed to decode
// count as errors without reaching the store.
func (p *Pipeline) IngestBatch(ctx context.Context, items []protocol.Item) BatchResult {
	var res BatchResult
	for i, item := range items {
		if item.Err != nil {
			res.Errors++
			p.observe(item.Fix.Protocol, item.Err, 0)
			p.log.WithError(item.Err).WithField("index", i).Warn("skipping malformed batch item")
			continue
		}
		if _, err := p.Ingest(ctx, item.Fix); err != nil {
			res.Errors++
			p.log.WithError(err).WithField("index", i).Warn("batch item rejected")
			continue
		}
		res.Saved++
	}
	return res
}

// Outcome maps an Ingest error to a metrics outcome label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeAccepted
	case errors.Is(err, models.ErrInvalidPayload):
		return metrics.OutcomeInvalid
	case errors.Is(err, models.ErrUnknownDevice):
		return metrics.OutcomeUnknownDevice
	default:
		return metrics.OutcomeStorageFailure
	}
}

func (p *Pipeline) observe(proto models.Protocol, err error, took time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.ObserveIngest(string(proto), Outcome(err), took)
}

func (p *Pipeline) countLivenessFailure() {
	if p.metrics != nil {
		p.metrics.LivenessFailure.Inc()
	}
}
