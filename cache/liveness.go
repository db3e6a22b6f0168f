package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"crewmap/models"
)

// Liveness keeps, per crew, each driver's last ingestion time and most recent
// sample in Redis hashes:
//
//	crew:<id>:lastseen  driverID -> RFC3339Nano ingestion time
//	crew:<id>:latest    driverID -> JSON LocationSample
type Liveness struct {
	rdb *redis.Client
	log logrus.FieldLogger
}

func NewLiveness(rdb *redis.Client, log logrus.FieldLogger) *Liveness {
	return &Liveness{rdb: rdb, log: log}
}

func lastSeenKey(crewID string) string { return fmt.Sprintf("crew:%s:lastseen", crewID) }
func latestKey(crewID string) string   { return fmt.Sprintf("crew:%s:latest", crewID) }

// MarkSeen records the ingestion time and, unless an equal-or-newer sample is
// already cached, the sample itself.
func (l *Liveness) MarkSeen(ctx context.Context, sample models.LocationSample, at time.Time) error {
	if err := l.rdb.HSet(ctx, lastSeenKey(sample.CrewID), sample.DriverID, at.UTC().Format(time.RFC3339Nano)).Err(); err != nil {
		return err
	}

	current, err := l.latest(ctx, sample.CrewID, sample.DriverID)
	if err != nil {
		return err
	}
	// Batches and retries can deliver older fixes after newer ones.
	if current != nil && !current.Timestamp.Before(sample.Timestamp) {
		return nil
	}
	payload, err := json.Marshal(sample)
	if err != nil {
		return err
	}
	return l.rdb.HSet(ctx, latestKey(sample.CrewID), sample.DriverID, payload).Err()
}

func (l *Liveness) latest(ctx context.Context, crewID, driverID string) (*models.LocationSample, error) {
	raw, err := l.rdb.HGet(ctx, latestKey(crewID), driverID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s models.LocationSample
	if err := json.Unmarshal(raw, &s); err != nil {
		// Unreadable entries are replaced by the next sample.
		l.log.WithError(err).WithFields(logrus.Fields{"crew_id": crewID, "driver_id": driverID}).
			Warn("discarding corrupt cached sample")
		return nil, nil
	}
	return &s, nil
}

// LastSeen returns the ingestion time of every driver in the crew that has reported.
func (l *Liveness) LastSeen(ctx context.Context, crewID string) (map[string]time.Time, error) {
	values, err := l.rdb.HGetAll(ctx, lastSeenKey(crewID)).Result()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]time.Time, len(values))
	for driverID, v := range values {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			continue
		}
		seen[driverID] = t
	}
	return seen, nil
}

// Latest returns the newest cached sample of every driver in the crew.
func (l *Liveness) Latest(ctx context.Context, crewID string) ([]models.LocationSample, error) {
	values, err := l.rdb.HGetAll(ctx, latestKey(crewID)).Result()
	if err != nil {
		return nil, err
	}
	samples := make([]models.LocationSample, 0, len(values))
	for driverID, v := range values {
		var s models.LocationSample
		if err := json.Unmarshal([]byte(v), &s); err != nil {
			l.log.WithError(err).WithFields(logrus.Fields{"crew_id": crewID, "driver_id": driverID}).
				Warn("skipping corrupt cached sample")
			continue
		}
		samples = append(samples, s)
	}
	models.SortByTimestamp(samples)
	return samples, nil
}
