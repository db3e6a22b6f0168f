package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveIngest(t *testing.T) {
	m := New()
	m.ObserveIngest("osmand", OutcomeAccepted, 10*time.Millisecond)
	m.ObserveIngest("osmand", OutcomeAccepted, 20*time.Millisecond)
	m.ObserveIngest("overland", OutcomeUnknownDevice, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.IngestTotal.WithLabelValues("osmand", OutcomeAccepted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IngestTotal.WithLabelValues("overland", OutcomeUnknownDevice)))
}

func TestHandler(t *testing.T) {
	m := New()
	m.FanoutFailures.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "crewmap_fanout_failures_total 1")
}
