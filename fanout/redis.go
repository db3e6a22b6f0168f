package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"crewmap/models"
)

// RedisHub publishes and subscribes over Redis pub/sub, one channel per crew.
type RedisHub struct {
	rdb *redis.Client
	log logrus.FieldLogger
}

func NewRedisHub(rdb *redis.Client, log logrus.FieldLogger) *RedisHub {
	return &RedisHub{rdb: rdb, log: log}
}

// Channel is the pub/sub channel carrying a crew's new samples.
func Channel(crewID string) string {
	return fmt.Sprintf("crew:%s:locations", crewID)
}

func (h *RedisHub) Publish(ctx context.Context, sample models.LocationSample) error {
	payload, err := json.Marshal(sample)
	if err != nil {
		return err
	}
	return h.rdb.Publish(ctx, Channel(sample.CrewID), payload).Err()
}

func (h *RedisHub) Subscribe(ctx context.Context, crewID string) (<-chan models.LocationSample, error) {
	pubsub := h.rdb.Subscribe(ctx, Channel(crewID))
	// Wait for the subscription to be confirmed so no publish is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	out := make(chan models.LocationSample, 16)
	go func() {
		defer close(out)
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var s models.LocationSample
				if err := json.Unmarshal([]byte(msg.Payload), &s); err != nil {
					h.log.WithError(err).WithField("channel", msg.Channel).Warn("dropping undecodable sample")
					continue
				}
				select {
				case out <- s:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
