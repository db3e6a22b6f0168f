package syncengine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// PositionSource yields raw fixes until ctx is done or the source runs dry, at
// which point the channel is closed.
type PositionSource interface {
	Positions(ctx context.Context) (<-chan Fix, error)
}

// Transmitter sends one fix upstream.
type Transmitter interface {
	Transmit(ctx context.Context, fix Fix) error
}

// StateStore persists carried state across agent restarts.
type StateStore interface {
	LoadState() (State, error)
	SaveState(State) error
}

// Stats counts what the agent did with the fixes it saw.
type Stats struct {
	Seen    int
	Sent    int
	Skipped int
	Failed  int
}

// Agent drives the decision function against a live position stream. It is
// single-threaded: one fix is evaluated and transmitted at a time.
type Agent struct {
	cfg    Config
	source PositionSource
	tx     Transmitter
	store  StateStore
	log    logrus.FieldLogger
	now    func() time.Time

	state State
	stats Stats
}

type AgentOption func(*Agent)

// WithStateStore restores state on start and saves it after every commit.
func WithStateStore(s StateStore) AgentOption {
	return func(a *Agent) { a.store = s }
}

func WithAgentClock(now func() time.Time) AgentOption {
	return func(a *Agent) { a.now = now }
}

func NewAgent(cfg Config, source PositionSource, tx Transmitter, log logrus.FieldLogger, opts ...AgentOption) *Agent {
	a := &Agent{
		cfg:    cfg,
		source: source,
		tx:     tx,
		log:    log,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// State returns the carried state. Only safe to call when Run is not active.
func (a *Agent) State() State { return a.state }

// Run consumes the source until it closes or ctx is cancelled. Transmit
// failures are logged and the fix is dropped; state only advances on success.
func (a *Agent) Run(ctx context.Context) (Stats, error) {
	if a.store != nil {
		st, err := a.store.LoadState()
		if err != nil {
			return a.stats, fmt.Errorf("loading sync state: %w", err)
		}
		a.state = st
	}

	fixes, err := a.source.Positions(ctx)
	if err != nil {
		return a.stats, fmt.Errorf("opening position source: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return a.stats, nil
		case fix, ok := <-fixes:
			if !ok {
				return a.stats, nil
			}
			a.handle(ctx, fix)
		}
	}
}

func (a *Agent) handle(ctx context.Context, fix Fix) {
	now := a.now()
	if fix.Timestamp.IsZero() {
		fix.Timestamp = now
	}
	a.stats.Seen++

	d := ShouldSync(a.cfg, fix, a.state, now)
	log := a.log.WithFields(logrus.Fields{
		"lat":    fix.Latitude,
		"lon":    fix.Longitude,
		"reason": d.Reason,
	})
	if !d.Sync {
		a.stats.Skipped++
		log.Debug("fix skipped")
		return
	}

	if err := a.tx.Transmit(ctx, fix); err != nil {
		a.stats.Failed++
		log.WithError(err).Warn("transmit failed")
		return
	}
	a.stats.Sent++
	a.state = a.state.Commit(fix, now, a.cfg)
	log.Info("fix synced")

	if a.store != nil {
		if err := a.store.SaveState(a.state); err != nil {
			log.WithError(err).Warn("failed to persist sync state")
		}
	}
}
