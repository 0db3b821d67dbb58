package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxypulse/proxypool/model"
)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.ObserveProbe("scenario", model.StepHTTP, true, 120*time.Millisecond)
	m.ObserveProbe("scenario", model.StepHTTP, false, time.Second)
	m.ObserveProbe("health", model.StepPing, true, 10*time.Millisecond)
	m.ObserveRotation("failover")
	m.ObserveAlert("critical", "high")
	m.ObserveBenchmark(model.KindScenario, 87.5)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProbesTotal.WithLabelValues("scenario", "http", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProbesTotal.WithLabelValues("scenario", "http", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RotationsTotal.WithLabelValues("failover")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsTotal.WithLabelValues("critical", "high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BenchmarksTotal.WithLabelValues(string(model.KindScenario))))
}

func TestMetrics_HealthSeriesFollowClassification(t *testing.T) {
	m := NewMetrics()

	m.ObserveHealth(7, 95, "healthy")
	m.ObserveHealth(7, 65, "warning")
	assert.Equal(t, 1, testutil.CollectAndCount(m.HealthScore))
	assert.Equal(t, 65.0, testutil.ToFloat64(m.HealthScore.WithLabelValues("7", "warning")))

	m.ForgetHealth(7)
	assert.Equal(t, 0, testutil.CollectAndCount(m.HealthScore))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.UpdatePoolSize(map[model.Status]int{model.StatusAlive: 3, model.StatusDead: 1})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `proxypulse_pool_entries{status="alive"} 3`)
	assert.Contains(t, string(body), "go_goroutines")

	// a second instance registers cleanly
	assert.NotPanics(t, func() { NewMetrics() })
}
