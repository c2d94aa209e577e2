package metrics

import (
	"io"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestString(t *testing.T) {
	m := New()
	atomic.AddInt64(&m.EventsReceivedTotal, 1)
	atomic.AddInt64(&m.EventsReceivedTotal, 1)
	atomic.StoreInt64(&m.ContextsCurrent, 3)

	out := m.String()
	assert.Contains(t, out, "events_received_total=2\n")
	assert.Contains(t, out, "contexts_current=3\n")
	assert.Contains(t, out, "spool_size_bytes=0\n")
}

func TestCollector(t *testing.T) {
	m := New()
	atomic.AddInt64(&m.RecordsEvictedTotal, 5)
	atomic.StoreInt64(&m.SpoolFilesCurrent, 2)

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	got := map[string]float64{}
	for _, f := range families {
		switch f.GetName() {
		case "pixelwatch_records_evicted_total":
			got[f.GetName()] = f.GetMetric()[0].GetCounter().GetValue()
		case "pixelwatch_spool_files_current":
			got[f.GetName()] = f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, map[string]float64{
		"pixelwatch_records_evicted_total": 5,
		"pixelwatch_spool_files_current":   2,
	}, got)
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveHTTP("POST", "/events", 202, 0.01)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), `pixelwatch_http_request_duration_seconds_count{method="POST",route="/events",status="202"} 1`)
	assert.Contains(t, string(body), "pixelwatch_events_received_total 0")
}
