package syncengine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewmap/models"
	"crewmap/protocol"
)

type sliceSource []Fix

func (s sliceSource) Positions(ctx context.Context) (<-chan Fix, error) {
	out := make(chan Fix)
	go func() {
		defer close(out)
		for _, fix := range s {
			select {
			case out <- fix:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type fakeTransmitter struct {
	sent  []Fix
	fails map[int]error
	calls int
}

func (t *fakeTransmitter) Transmit(_ context.Context, fix Fix) error {
	t.calls++
	if err := t.fails[t.calls]; err != nil {
		return err
	}
	t.sent = append(t.sent, fix)
	return nil
}

type memStateStore struct {
	state State
	saves int
}

func (m *memStateStore) LoadState() (State, error) { return m.state, nil }

func (m *memStateStore) SaveState(s State) error {
	m.state = s
	m.saves++
	return nil
}

// steppingClock advances one second per call.
func steppingClock(start time.Time) func() time.Time {
	now := start
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

func TestAgent_Run(t *testing.T) {
	log, _ := test.NewNullLogger()
	src := sliceSource{
		{Latitude: -26.2, Longitude: 28.04},
		{Latitude: -26.2, Longitude: 28.04},
		{Latitude: -26.2005, Longitude: 28.04},
		{Latitude: -26.21, Longitude: 28.04, Accuracy: f(500)},
	}
	tx := &fakeTransmitter{}
	store := &memStateStore{}

	a := NewAgent(DefaultConfig(), src, tx, log, WithStateStore(store), WithAgentClock(steppingClock(t0)))
	stats, err := a.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Stats{Seen: 4, Sent: 2, Skipped: 2}, stats)
	require.Len(t, tx.sent, 2)
	assert.Equal(t, -26.2005, tx.sent[1].Latitude)
	assert.False(t, tx.sent[0].Timestamp.IsZero(), "missing timestamps are filled in")
	assert.Equal(t, 2, store.saves)
	assert.Equal(t, -26.2005, store.state.LastSynced.Latitude)
}

func TestAgent_FailedTransmitLeavesStateUntouched(t *testing.T) {
	log, _ := test.NewNullLogger()
	src := sliceSource{
		{Latitude: 1, Longitude: 1},
		{Latitude: 1, Longitude: 1},
	}
	tx := &fakeTransmitter{fails: map[int]error{1: errors.New("offline")}}

	a := NewAgent(DefaultConfig(), src, tx, log, WithAgentClock(steppingClock(t0)))
	stats, err := a.Run(context.Background())
	require.NoError(t, err)

	// The first fix failed, so the second is still a first position.
	assert.Equal(t, Stats{Seen: 2, Sent: 1, Failed: 1}, stats)
	assert.Equal(t, 2, tx.calls)
	assert.NotNil(t, a.State().LastSynced)
}

func TestAgent_ResumesPersistedState(t *testing.T) {
	log, _ := test.NewNullLogger()
	store := &memStateStore{state: syncedAt(1, 1, nil, nil, false)}
	tx := &fakeTransmitter{}

	a := NewAgent(DefaultConfig(), sliceSource{{Latitude: 1, Longitude: 1}}, tx, log,
		WithStateStore(store), WithAgentClock(func() time.Time { return t0.Add(10 * time.Second) }))
	stats, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Empty(t, tx.sent)
}

func TestAgent_StopsOnCancel(t *testing.T) {
	log, _ := test.NewNullLogger()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := NewAgent(DefaultConfig(), blockingSource{}, &fakeTransmitter{}, log)
	_, err := a.Run(ctx)
	assert.NoError(t, err)
}

type blockingSource struct{}

func (blockingSource) Positions(context.Context) (<-chan Fix, error) {
	return make(chan Fix), nil
}

func TestOsmAndTransmitter_RoundTripsThroughParser(t *testing.T) {
	var got models.RawFix
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		got, err = protocol.ParseOsmAnd(r.URL.Query(), time.Now())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Write([]byte("OK"))
	}))
	defer srv.Close()

	tx := NewOsmAndTransmitter(srv.URL+"/webhooks/osmand", "driver-1", srv.Client())
	fix := Fix{Latitude: -26.2041, Longitude: 28.0473, Speed: f(4.5), Heading: f(270), Accuracy: f(8), Timestamp: t0}
	require.NoError(t, tx.Transmit(context.Background(), fix))

	assert.Equal(t, "driver-1", got.DriverToken)
	assert.Equal(t, -26.2041, got.Latitude)
	assert.Equal(t, 28.0473, got.Longitude)
	assert.Equal(t, t0, got.Timestamp)
	assert.Equal(t, 4.5, *got.Speed)
	assert.Equal(t, 270.0, *got.Heading)
	assert.Equal(t, 8.0, *got.Accuracy)
	assert.Nil(t, got.Altitude)
}

func TestOsmAndTransmitter_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Device not found", http.StatusNotFound)
	}))
	defer srv.Close()

	err := NewOsmAndTransmitter(srv.URL, "nobody", nil).Transmit(context.Background(), Fix{Timestamp: t0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestJSONLinesSource(t *testing.T) {
	log, _ := test.NewNullLogger()
	in := strings.NewReader(`{"latitude":1,"longitude":2,"speed":3}
not json

{"latitude":4,"longitude":5,"timestamp":"2024-05-01T08:00:00Z"}
`)
	ch, err := NewJSONLinesSource(in, log).Positions(context.Background())
	require.NoError(t, err)

	var fixes []Fix
	for fix := range ch {
		fixes = append(fixes, fix)
	}
	require.Len(t, fixes, 2)
	assert.Equal(t, 3.0, *fixes[0].Speed)
	assert.Equal(t, t0, fixes[1].Timestamp)
}
