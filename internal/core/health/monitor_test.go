package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxypulse/internal/probe"
	"proxypulse/internal/shared/settings"
	"proxypulse/proxypool"
	"proxypulse/proxypool/model"
)

// scriptedProber replays a fixed list of outcomes per proxy id; the last
// outcome repeats once the script runs out.
type scriptedProber struct {
	mu      sync.Mutex
	scripts map[uint64][]probe.Outcome
	active  atomic.Int64
	peak    atomic.Int64
	delay   time.Duration
}

func (s *scriptedProber) Probe(_ context.Context, p model.ProxyEntry, _ model.TestStep) probe.Outcome {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		old := s.peak.Load()
		if n <= old || s.peak.CompareAndSwap(old, n) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	script := s.scripts[p.ID]
	if len(script) == 0 {
		return probe.Outcome{Success: true, ResponseTime: 100 * time.Millisecond}
	}
	out := script[0]
	if len(script) > 1 {
		s.scripts[p.ID] = script[1:]
	}
	return out
}

var (
	ok100   = probe.Outcome{Success: true, ResponseTime: 100 * time.Millisecond}
	refused = probe.Outcome{Err: errors.New("connection refused"), ResponseTime: 5 * time.Millisecond}
	timeout = probe.Outcome{Err: fmt.Errorf("dial: %w", context.DeadlineExceeded), ResponseTime: 10 * time.Millisecond}
)

func testConfig() Config {
	return Config{
		Enabled:           true,
		Interval:          time.Hour,
		Timeout:           time.Second,
		HealthThreshold:   90,
		WarningThreshold:  70,
		CriticalThreshold: 50,
		InclusiveBounds:   true,
		MaxAlerts:         50,
		MaxConcurrent:     4,
	}
}

func TestScore(t *testing.T) {
	assert.InDelta(t, 100.0, Score(100, 0, 5*time.Second), 1e-9)
	assert.InDelta(t, 70.0, Score(100, 5000, 5*time.Second), 1e-9)
	assert.InDelta(t, 70.0, Score(100, 9000, 5*time.Second), 1e-9)
	assert.InDelta(t, 0.7*80+0.3*50, Score(80, 2500, 5*time.Second), 1e-9)
	// zero ceiling falls back to the default
	assert.InDelta(t, Score(50, 1000, DefaultResponseCeiling), Score(50, 1000, 0), 1e-9)
}

func TestClassify_Boundaries(t *testing.T) {
	cfg := Config{HealthThreshold: 80, WarningThreshold: 60, CriticalThreshold: 40}

	tests := []struct {
		score     float64
		inclusive bool
		want      model.Classification
	}{
		{61, true, model.ClassWarning},
		{61, false, model.ClassWarning},
		{60, true, model.ClassWarning},
		{60, false, model.ClassCritical},
		{59, true, model.ClassCritical},
		{59, false, model.ClassCritical},
		{80, true, model.ClassHealthy},
		{80, false, model.ClassWarning},
		{40, true, model.ClassCritical},
		{40, false, model.ClassOffline},
		{0, true, model.ClassOffline},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v/inclusive=%v", tt.score, tt.inclusive), func(t *testing.T) {
			c := cfg
			c.InclusiveBounds = tt.inclusive
			assert.Equal(t, tt.want, Classify(tt.score, 0, c))
		})
	}
}

func TestClassify_FailuresForceOffline(t *testing.T) {
	cfg := Config{HealthThreshold: 80, WarningThreshold: 60, CriticalThreshold: 40, InclusiveBounds: true, OfflineAfterFailures: 3}
	assert.Equal(t, model.ClassHealthy, Classify(99, 2, cfg))
	assert.Equal(t, model.ClassOffline, Classify(99, 3, cfg))

	cfg.OfflineAfterFailures = 0
	assert.Equal(t, model.ClassHealthy, Classify(99, 30, cfg))
}

func TestMonitor_WarningAndRecoveryAlerts(t *testing.T) {
	reg := proxypool.NewRegistry()
	id := reg.Add(model.ProxyEntry{Host: "10.0.0.1", Port: 8080, Type: model.ProtoHTTP})

	prober := &scriptedProber{scripts: map[uint64][]probe.Outcome{
		id: {ok100, refused, refused, refused, ok100, ok100},
	}}
	m := NewMonitor(testConfig(), reg, prober, model.TestStep{Type: model.StepPing})

	var pushed []model.HealthAlert
	m.OnAlert(func(a model.HealthAlert) { pushed = append(pushed, a) })

	// success: SR 100, avg 100ms -> 99.4
	m.CheckNow(context.Background())
	hm, ok := m.MetricsFor(id)
	require.True(t, ok)
	assert.Equal(t, model.ClassHealthy, hm.Classification)
	assert.InDelta(t, 100.0, hm.AverageResponseTime, 1e-9)
	assert.Empty(t, m.Alerts())

	// three refusals: SR 85 -> 88.9, warning
	for i := 0; i < 3; i++ {
		m.CheckNow(context.Background())
	}
	hm, _ = m.MetricsFor(id)
	assert.Equal(t, model.ClassWarning, hm.Classification)
	assert.Equal(t, 3, hm.ConsecutiveFailures)
	assert.Equal(t, int64(3), hm.FailedChecks)
	assert.Equal(t, "connection refused", hm.LastError)
	// failures never move the average
	assert.InDelta(t, 100.0, hm.AverageResponseTime, 1e-9)

	alerts := m.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, model.AlertWarning, alerts[0].Type)
	assert.Equal(t, model.SeverityMedium, alerts[0].Severity)
	assert.Equal(t, id, alerts[0].ProxyID)

	// SR 86 is still warning, SR 87 recovers
	m.CheckNow(context.Background())
	assert.Len(t, m.Alerts(), 1)
	m.CheckNow(context.Background())

	alerts = m.Alerts()
	require.Len(t, alerts, 2)
	assert.Equal(t, model.AlertRecovery, alerts[1].Type)
	assert.Equal(t, model.SeverityLow, alerts[1].Severity)
	assert.Len(t, pushed, 2)

	p, _ := reg.Get(id)
	assert.Equal(t, model.StatusAlive, p.Status)
	assert.Equal(t, int64(100), p.Ping)
}

func TestMonitor_TimeoutsGoOffline(t *testing.T) {
	reg := proxypool.NewRegistry()
	id := reg.Add(model.ProxyEntry{Host: "10.0.0.1", Port: 8080})

	prober := &scriptedProber{scripts: map[uint64][]probe.Outcome{id: {timeout}}}
	cfg := testConfig()
	cfg.OfflineAfterFailures = 2
	m := NewMonitor(cfg, reg, prober, model.TestStep{Type: model.StepPing})

	m.CheckNow(context.Background())
	hm, _ := m.MetricsFor(id)
	assert.InDelta(t, 90.0, hm.SuccessRate, 1e-9, "a timeout costs 10 points")
	assert.Equal(t, model.ClassHealthy, hm.Classification)

	p, _ := reg.Get(id)
	assert.Equal(t, model.StatusPending, p.Status, "one failure does not condemn the entry")

	m.CheckNow(context.Background())
	hm, _ = m.MetricsFor(id)
	assert.Equal(t, model.ClassOffline, hm.Classification)

	alerts := m.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, model.AlertCritical, alerts[0].Type)
	assert.Equal(t, model.SeverityCritical, alerts[0].Severity)

	p, _ = reg.Get(id)
	assert.Equal(t, model.StatusDead, p.Status)
}

func TestMonitor_AcknowledgeClearAndCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAlerts = 2
	m := NewMonitor(cfg, proxypool.NewRegistry(), &scriptedProber{}, model.TestStep{})

	for i := 1; i <= 3; i++ {
		m.Raise(model.HealthAlert{ProxyID: uint64(i), Type: model.AlertFailover, Severity: model.SeverityHigh})
	}
	alerts := m.Alerts()
	require.Len(t, alerts, 2)
	assert.Equal(t, uint64(2), alerts[0].ProxyID)
	assert.Equal(t, uint64(3), alerts[1].ProxyID)
	assert.NotEmpty(t, alerts[0].ID)
	assert.False(t, alerts[0].Timestamp.IsZero())

	assert.True(t, m.Acknowledge(alerts[1].ID))
	assert.False(t, m.Acknowledge("nope"))
	assert.True(t, m.Alerts()[1].Acknowledged)
	assert.False(t, m.Alerts()[0].Acknowledged)

	assert.Equal(t, 2, m.ClearAlerts())
	assert.Empty(t, m.Alerts())
}

func TestMonitor_ForgetsRemovedEntries(t *testing.T) {
	reg := proxypool.NewRegistry()
	a := reg.Add(model.ProxyEntry{Host: "10.0.0.1", Port: 1})
	b := reg.Add(model.ProxyEntry{Host: "10.0.0.2", Port: 2})
	m := NewMonitor(testConfig(), reg, &scriptedProber{}, model.TestStep{})

	assert.Equal(t, 2, m.CheckNow(context.Background()))
	assert.Len(t, m.Metrics(), 2)

	reg.Remove(a)
	m.CheckNow(context.Background())
	metrics := m.Metrics()
	require.Len(t, metrics, 1)
	assert.Equal(t, b, metrics[0].ProxyID)
}

func TestMonitor_BoundedConcurrency(t *testing.T) {
	reg := proxypool.NewRegistry()
	for i := 0; i < 12; i++ {
		reg.Add(model.ProxyEntry{Host: "10.0.0.1", Port: 9000 + i})
	}
	prober := &scriptedProber{delay: 20 * time.Millisecond}
	cfg := testConfig()
	cfg.MaxConcurrent = 3
	m := NewMonitor(cfg, reg, prober, model.TestStep{})

	assert.Equal(t, 12, m.CheckNow(context.Background()))
	assert.LessOrEqual(t, prober.peak.Load(), int64(3))
	assert.Len(t, m.Metrics(), 12)
}

func TestMonitor_SettingsUpdate(t *testing.T) {
	m := NewMonitor(testConfig(), proxypool.NewRegistry(), &scriptedProber{}, model.TestStep{})

	err := m.OnSettingsUpdate(settings.ModuleMonitoring, &settings.MonitoringSettings{
		Enabled:           true,
		IntervalSeconds:   30,
		TimeoutMs:         2000,
		HealthThreshold:   85,
		WarningThreshold:  65,
		CriticalThreshold: 45,
		InclusiveBounds:   false,
		MaxAlerts:         10,
		MaxConcurrent:     2,
	})
	require.NoError(t, err)

	cfg := m.Config()
	assert.Equal(t, 30*time.Second, cfg.Interval)
	assert.Equal(t, 2*time.Second, cfg.Timeout)
	assert.False(t, cfg.InclusiveBounds)
	assert.Equal(t, 65.0, cfg.WarningThreshold)
	assert.Equal(t, DefaultResponseCeiling, cfg.ResponseCeiling)

	// other modules are ignored, wrong payloads are rejected
	assert.NoError(t, m.OnSettingsUpdate(settings.ModuleRotation, "whatever"))
	assert.Error(t, m.OnSettingsUpdate(settings.ModuleMonitoring, "whatever"))
}

func TestMonitor_StartStop(t *testing.T) {
	reg := proxypool.NewRegistry()
	reg.Add(model.ProxyEntry{Host: "10.0.0.1", Port: 1})
	m := NewMonitor(testConfig(), reg, &scriptedProber{}, model.TestStep{})

	require.NoError(t, m.Start(context.Background()))
	assert.ErrorIs(t, m.Start(context.Background()), ErrAlreadyRunning)
	assert.True(t, m.Running())

	require.Eventually(t, func() bool { return len(m.Metrics()) == 1 }, 2*time.Second, 10*time.Millisecond)

	m.Stop()
	assert.False(t, m.Running())
	m.Stop()
}
