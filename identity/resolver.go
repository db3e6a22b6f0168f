// Package identity maps an inbound device token to a driver and crew.
package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"crewmap/database"
	"crewmap/models"
)

// ErrNotFound means no strategy recognised the token.
var ErrNotFound = errors.New("identity not found")

// Identity is a resolved (driver, crew) pair. Via names the strategy that matched.
type Identity struct {
	DriverID string
	CrewID   string
	Via      string
}

// Store is the read-only lookup surface the strategies need.
type Store interface {
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	GetCrewByCode(ctx context.Context, code string) (*models.Crew, error)
	GetDriverByNickname(ctx context.Context, crewID, nickname string) (*models.Driver, error)
}

// Strategy is one identifier scheme. It returns ErrNotFound to let the next
// strategy try; any other error aborts resolution.
type Strategy interface {
	Name() string
	Resolve(ctx context.Context, store Store, token string) (Identity, error)
}

// Resolver tries its strategies in order; the first match wins.
type Resolver struct {
	store      Store
	strategies []Strategy
}

// DefaultStrategies resolves a driver UUID first, then CREWCODE:nickname.
func DefaultStrategies() []Strategy {
	return []Strategy{DirectID{}, CrewNickname{}}
}

// NewResolver builds a resolver. Without explicit strategies DefaultStrategies is used.
func NewResolver(store Store, strategies ...Strategy) *Resolver {
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	return &Resolver{store: store, strategies: strategies}
}

// Resolve never creates drivers.
func (r *Resolver) Resolve(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrNotFound
	}
	for _, s := range r.strategies {
		id, err := s.Resolve(ctx, r.store, token)
		if err == nil {
			id.Via = s.Name()
			return id, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Identity{}, err
		}
	}
	return Identity{}, ErrNotFound
}

// DirectID treats the token as a driver primary key.
type DirectID struct{}

func (DirectID) Name() string { return "driver-id" }

func (DirectID) Resolve(ctx context.Context, store Store, token string) (Identity, error) {
	// Driver ids are UUIDs; anything else cannot match and must not reach the uuid column.
	if _, err := uuid.Parse(token); err != nil {
		return Identity{}, ErrNotFound
	}
	d, err := store.GetDriver(ctx, token)
	if err != nil {
		return Identity{}, lookupErr(err)
	}
	return Identity{DriverID: d.ID, CrewID: d.CrewID}, nil
}

// CrewNickname handles the human-typeable CREWCODE:nickname form. The crew
// code is matched case-insensitively, the nickname exactly. Anything after a
// second colon is ignored.
type CrewNickname struct{}

func (CrewNickname) Name() string { return "crew-nickname" }

func (CrewNickname) Resolve(ctx context.Context, store Store, token string) (Identity, error) {
	code, rest, ok := strings.Cut(token, ":")
	nickname, _, _ := strings.Cut(rest, ":")
	if !ok || code == "" || nickname == "" {
		return Identity{}, ErrNotFound
	}
	crew, err := store.GetCrewByCode(ctx, models.NormalizeCrewCode(code))
	if err != nil {
		return Identity{}, lookupErr(err)
	}
	d, err := store.GetDriverByNickname(ctx, crew.ID, nickname)
	if err != nil {
		return Identity{}, lookupErr(err)
	}
	return Identity{DriverID: d.ID, CrewID: crew.ID}, nil
}

func lookupErr(err error) error {
	if errors.Is(err, database.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
