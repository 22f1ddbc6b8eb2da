package observ

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogEmitsJSONLines(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)

	Log("source_failed", map[string]any{"symbol": "AAPL", "source": "test"})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "source_failed", line["event"])
	assert.Equal(t, "AAPL", line["symbol"])
	assert.NotEmpty(t, line["ts"])
}

func TestCountersAndLabels(t *testing.T) {
	IncCounter("test_total", map[string]string{"b": "2", "a": "1"})
	IncCounter("test_total", map[string]string{"a": "1", "b": "2"})
	IncCounterBy("test_total", nil, 3)

	reg.mu.Lock()
	defer reg.mu.Unlock()
	assert.Equal(t, int64(2), reg.counters["test_total"]["a=1,b=2"], "label order must not split series")
	assert.Equal(t, int64(3), reg.counters["test_total"][""])
}

func TestMetricsHandler(t *testing.T) {
	SetGauge("test_gauge", 4.5, nil)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var dump struct {
		Gauges map[string]map[string]float64 `json:"gauges"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dump))
	assert.Equal(t, 4.5, dump.Gauges["test_gauge"][""])
}

func TestHealthHandlerDegrades(t *testing.T) {
	// Hammer the counters into a clearly degraded shape.
	for i := 0; i < 30; i++ {
		IncCounter("datasource_requests_total", nil)
		IncCounter("quotes_served_total", nil)
		IncCounter("quotes_fallback_total", nil)
	}

	rec := httptest.NewRecorder()
	HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var health HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "failed", health.Status)
	assert.NotEmpty(t, health.Uptime)
}
