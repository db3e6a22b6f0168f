package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewmap/identity"
	"crewmap/ingest"
	"crewmap/matching"
	"crewmap/metrics"
	"crewmap/models"
	"crewmap/presence"
)

const (
	crewID   = "c0d1e2f3-0000-4000-8000-000000000001"
	bobID    = "b0b00000-0000-4000-8000-000000000001"
	annID    = "a0000000-0000-4000-8000-000000000002"
	crewCode = "CONVOY-ABC234"
)

var testNow = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	store   *memStore
	srv     *Server
	handler http.Handler
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, mutate ...func(*Deps)) *fixture {
	t.Helper()
	store := newMemStore()
	store.crews[crewID] = &models.Crew{ID: crewID, Code: crewCode}
	store.drivers[bobID] = &models.Driver{ID: bobID, CrewID: crewID, Nickname: "Bob", Color: models.DriverColors[0], IsActive: true}
	store.drivers[annID] = &models.Driver{ID: annID, CrewID: crewID, Nickname: "Ann", Color: models.DriverColors[1], IsActive: true}

	log, _ := test.NewNullLogger()
	m := metrics.New()
	clock := func() time.Time { return testNow }
	pipeline := ingest.NewPipeline(store, identity.NewResolver(store), log,
		ingest.WithMetrics(m),
		ingest.WithClock(clock),
	)

	deps := Deps{Store: store, Ingester: pipeline, Metrics: m, Log: log}
	for _, fn := range mutate {
		fn(&deps)
	}
	srv := NewServer(deps)
	srv.now = clock
	n := 0
	srv.intn = func(max int) int {
		n++
		return n % max
	}
	return &fixture{store: store, srv: srv, handler: srv.RegisterRoutes(), metrics: m}
}

func (f *fixture) do(method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v), rec.Body.String())
}

func osmandQuery(id, lat, lon string) string {
	q := url.Values{"id": {id}, "lat": {lat}, "lon": {lon}, "timestamp": {strconv.FormatInt(testNow.Add(-10*time.Second).Unix(), 10)}}
	return q.Encode()
}

func TestOsmAndWebhook(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		status int
	}{
		{"accepted", osmandQuery(bobID, "-26.2041", "28.0473"), http.StatusOK},
		{"missing lat", url.Values{"id": {bobID}, "lon": {"28"}}.Encode(), http.StatusBadRequest},
		{"latitude out of range", osmandQuery(bobID, "91", "28"), http.StatusBadRequest},
		{"non numeric", osmandQuery(bobID, "north", "28"), http.StatusBadRequest},
		{"unknown device", osmandQuery("ghost", "1", "1"), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec := f.do(http.MethodGet, "/webhooks/osmand?"+tt.query, nil, "")
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.status == http.StatusOK {
				assert.Equal(t, "OK", rec.Body.String())
				assert.Equal(t, 1, f.store.saved())
			} else {
				assert.Zero(t, f.store.saved())
			}
		})
	}
}

func TestOsmAndWebhook_UnknownDeviceHint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/webhooks/osmand?"+osmandQuery("ghost", "1", "1"), nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "Driver not found", body["error"])
	assert.Equal(t, "ghost", body["deviceIdReceived"])
	assert.Contains(t, body["hint"], "<CREW CODE>:<nickname>")
}

func TestOsmAndWebhook_StorageFailure(t *testing.T) {
	f := newFixture(t)
	f.store.appendErr = errDiskFull

	rec := f.do(http.MethodPost, "/webhooks/osmand?"+osmandQuery(bobID, "1", "1"), nil, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IngestTotal.WithLabelValues("osmand", metrics.OutcomeStorageFailure)))
}

func TestOsmAndRoutes_RootPath(t *testing.T) {
	f := newFixture(t)
	h := f.srv.OsmAndRoutes()

	req := httptest.NewRequest(http.MethodPost, "/?"+osmandQuery(bobID, "1", "1"), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestTraccarWebhook_CrewNicknameForm(t *testing.T) {
	f := newFixture(t)
	form := url.Values{"deviceid": {"convoy-abc234:Ann"}, "lat": {"-26.2"}, "lon": {"28.04"}, "heading": {"90"}}

	rec := f.do(http.MethodPost, "/webhooks/traccar", strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "OK", rec.Body.String())

	require.Equal(t, 1, f.store.saved())
	assert.Equal(t, annID, f.store.locations[0].DriverID)
	assert.Equal(t, 90.0, *f.store.locations[0].Heading)
}

func TestTraccarWebhook_UnknownDeviceHint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/webhooks/traccar?deviceid=CONVOY-ABC234:Ghost&lat=1&lon=1", nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "Driver not found", body["error"])
	assert.Equal(t, "CONVOY-ABC234:Ghost", body["deviceIdReceived"])
	assert.Contains(t, body["hint"], "<CREW CODE>:<nickname>")
}

func TestTraccarWebhook_MissingFields(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/webhooks/traccar?lat=1&lon=1", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOverlandWebhook_PartialBatch(t *testing.T) {
	f := newFixture(t)
	body := `{"locations":[
	  {"type":"Feature","geometry":{"type":"Point","coordinates":[28.04,-26.20]},"properties":{"device_id":"` + bobID + `","timestamp":"2024-05-01T07:59:00Z","speed":-1}},
	  {"type":"Feature","geometry":{"type":"Point","coordinates":[28.05,-26.21]},"properties":{"device_id":"nobody","timestamp":"2024-05-01T07:59:10Z"}},
	  {"type":"Feature","geometry":{"type":"Point","coordinates":[28.06,-26.22]},"properties":{"device_id":"CONVOY-ABC234:Ann","timestamp":"2024-05-01T07:59:20Z"}}
	]}`

	rec := f.do(http.MethodPost, "/webhooks/overland", strings.NewReader(body), "application/json")
	require.Equal(t, http.StatusOK, rec.Code)

	var res struct {
		Result string `json:"result"`
		Saved  int    `json:"saved"`
		Errors int    `json:"errors"`
	}
	decodeBody(t, rec, &res)
	assert.Equal(t, "ok", res.Result)
	assert.Equal(t, 2, res.Saved)
	assert.Equal(t, 1, res.Errors)
	assert.Nil(t, f.store.locations[0].Speed, "negative speed means unknown")
}

func TestOverlandWebhook_Malformed(t *testing.T) {
	f := newFixture(t)
	for _, body := range []string{`{"points":[]}`, `[1,2]`, `not json`} {
		rec := f.do(http.MethodPost, "/webhooks/overland", strings.NewReader(body), "application/json")
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	rec := f.do(http.MethodGet, "/webhooks/overland", nil, "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestOverlandWebhook_BodyTooLarge(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.MaxBatchBytes = 64 })
	body := `{"locations":[` + strings.Repeat(`{"type":"Feature"},`, 20) + `{}]}`

	rec := f.do(http.MethodPost, "/webhooks/overland", strings.NewReader(body), "application/json")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Zero(t, f.store.saved())
}

func TestCreateAndJoinCrew(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/crews", strings.NewReader(`{"name":"Road Trip","nickname":"Zed"}`), "application/json")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created membership
	decodeBody(t, rec, &created)
	assert.True(t, strings.HasPrefix(created.Crew.Code, "CONVOY-"))
	assert.Len(t, created.Crew.Code, len("CONVOY-")+6)
	assert.Equal(t, "Zed", created.Driver.Nickname)
	assert.Contains(t, models.DriverColors, created.Driver.Color)

	join := `{"code":"` + strings.ToLower(created.Crew.Code) + `","nickname":"Yan"}`
	rec = f.do(http.MethodPost, "/crews/join", strings.NewReader(join), "application/json")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var joined membership
	decodeBody(t, rec, &joined)
	assert.Equal(t, created.Crew.ID, joined.Driver.CrewID)
	assert.NotEqual(t, created.Driver.Color, joined.Driver.Color, "unused palette colors come first")

	rec = f.do(http.MethodPost, "/crews/join", strings.NewReader(join), "application/json")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodPost, "/crews/join", strings.NewReader(`{"code":"CONVOY-NOPE22","nickname":"Yan"}`), "application/json")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodPost, "/crews", strings.NewReader(`{"name":"No nickname"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCrewSnapshot(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/webhooks/osmand?"+osmandQuery(bobID, "-26.2", "28.04"), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(http.MethodGet, "/webhooks/osmand?"+osmandQuery(bobID, "-26.201", "28.04"), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/crews/convoy-abc234/snapshot", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap presence.Snapshot
	decodeBody(t, rec, &snap)

	require.Len(t, snap.Drivers, 2)
	bob := snap.Drivers[0]
	assert.Equal(t, bobID, bob.Driver.ID)
	assert.Equal(t, presence.Live, bob.Status)
	assert.Len(t, bob.Trail, 2)
	assert.InDelta(t, 111.2, bob.TrailMeters, 0.5)
	assert.Equal(t, presence.Offline, snap.Drivers[1].Status)
}

func TestCrewSnapshot_UnknownAndExpired(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/crews/CONVOY-ZZZZZZ/snapshot", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	past := testNow.Add(-time.Hour)
	f.store.crews[crewID].ExpiresAt = &past
	rec = f.do(http.MethodGet, "/crews/"+crewCode+"/drivers", nil, "")
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestNearbyCrewmates(t *testing.T) {
	f := newFixture(t)
	f.do(http.MethodGet, "/webhooks/osmand?"+osmandQuery(bobID, "-26.2", "28.04"), nil, "")
	f.do(http.MethodGet, "/webhooks/osmand?"+osmandQuery(annID, "-26.2005", "28.04"), nil, "")

	rec := f.do(http.MethodGet, "/crews/"+crewCode+"/nearby?lat=-26.2&lon=28.04&radius=500&exclude="+bobID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var mates []matching.Crewmate
	decodeBody(t, rec, &mates)
	require.Len(t, mates, 1)
	assert.Equal(t, annID, mates[0].DriverID)

	rec = f.do(http.MethodGet, "/crews/"+crewCode+"/nearby?lat=-26.2&lon=28.04&nearest=1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var nearest matching.Crewmate
	decodeBody(t, rec, &nearest)
	assert.Equal(t, bobID, nearest.DriverID)

	rec = f.do(http.MethodGet, "/crews/"+crewCode+"/nearby?lat=10&lon=10&nearest=1", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodGet, "/crews/"+crewCode+"/nearby?lat=95&lon=28", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(http.MethodGet, "/crews/"+crewCode+"/nearby?lat=1&lon=1&radius=-5", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListCrewDrivers(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodDelete, "/drivers/"+annID, nil, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(http.MethodGet, "/crews/"+crewCode+"/drivers", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var drivers []models.Driver
	decodeBody(t, rec, &drivers)
	require.Len(t, drivers, 1)
	assert.Equal(t, "Bob", drivers[0].Nickname)
}

func TestGetAndDeactivateDriver(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/drivers/"+bobID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var d models.Driver
	decodeBody(t, rec, &d)
	assert.Equal(t, "Bob", d.Nickname)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/drivers/42", nil, "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/drivers/00000000-0000-4000-8000-000000000000", nil, "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/drivers/00000000-0000-4000-8000-000000000000", nil, "").Code)

	require.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/drivers/"+bobID, nil, "").Code)
	assert.False(t, f.store.drivers[bobID].IsActive)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Health = map[string]Pinger{
			"postgres": PingFunc(func(context.Context) error { return nil }),
			"redis":    PingFunc(func(context.Context) error { return errors.New("connection refused") }),
		}
	})
	rec := f.do(http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var report map[string]string
	decodeBody(t, rec, &report)
	assert.Equal(t, "ok", report["postgres"])
	assert.Equal(t, "connection refused", report["redis"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(http.MethodGet, "/webhooks/osmand?"+osmandQuery(bobID, "1", "1"), nil, "")

	rec := f.do(http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `crewmap_ingest_total{outcome="accepted",protocol="osmand"} 1`)
}

type chanSubscriber struct {
	ch chan models.LocationSample
}

func (c chanSubscriber) Subscribe(context.Context, string) (<-chan models.LocationSample, error) {
	return c.ch, nil
}

func TestCrewStream(t *testing.T) {
	sub := chanSubscriber{ch: make(chan models.LocationSample, 1)}
	f := newFixture(t, func(d *Deps) { d.Subscriber = sub })
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	sub.ch <- models.LocationSample{ID: 7, DriverID: bobID, CrewID: crewID, Latitude: 1, Longitude: 2, Timestamp: testNow}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/crews/" + crewCode + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got models.LocationSample
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, int64(7), got.ID)
	assert.Equal(t, bobID, got.DriverID)
}

func TestCrewStream_Unavailable(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/crews/"+crewCode+"/stream", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
