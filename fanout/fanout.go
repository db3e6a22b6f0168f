// Package fanout delivers newly appended location samples to subscribers.
// Delivery is at-least-once and unordered; consumers re-sort by timestamp.
package fanout

import (
	"context"
	"errors"

	"crewmap/models"
)

type Publisher interface {
	Publish(ctx context.Context, sample models.LocationSample) error
}

// Subscriber streams samples for one crew until ctx is cancelled, then closes the channel.
type Subscriber interface {
	Subscribe(ctx context.Context, crewID string) (<-chan models.LocationSample, error)
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, sample models.LocationSample) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, sample); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
