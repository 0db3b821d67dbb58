package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxypulse/internal/core/loadgen"
	"proxypulse/internal/core/orchestrator"
	"proxypulse/internal/core/rotation"
	"proxypulse/internal/probe"
	"proxypulse/internal/shared/config"
	"proxypulse/internal/shared/types"
	"proxypulse/proxypool"
	"proxypulse/proxypool/model"
)

// portProber succeeds for even ports and fails for odd ones. With block set
// it waits for the probe deadline instead.
type portProber struct {
	block bool
}

func (p portProber) Probe(ctx context.Context, proxy model.ProxyEntry, _ model.TestStep) probe.Outcome {
	if p.block {
		<-ctx.Done()
		return probe.Outcome{Err: ctx.Err()}
	}
	if proxy.Port%2 == 1 {
		return probe.Outcome{Err: errors.New("connection refused"), ResponseTime: 3 * time.Millisecond}
	}
	return probe.Outcome{Success: true, ResponseTime: 20 * time.Millisecond, StatusCode: 200}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events map[string]int
}

func (r *recordingPublisher) Publish(eventType string, _ interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil {
		r.events = make(map[string]int)
	}
	r.events[eventType]++
}

func (r *recordingPublisher) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[eventType]
}

func testConfig(t *testing.T) *types.Config {
	t.Helper()
	cfg := &types.Config{}
	config.ApplyDefaults(cfg, t.TempDir())
	cfg.ProbeConf.TimeoutMs = 200
	return cfg
}

func newEngine(t *testing.T, cfg *types.Config, prober probe.Prober) *Engine {
	t.Helper()
	e, err := NewWithProber(cfg, prober)
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	return e
}

func waitTest(t *testing.T, e *Engine) TestRun {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.WaitTest(ctx))
	run, ok := e.TestStatus()
	require.True(t, ok)
	return run
}

func TestEngine_AddRemoveProxy(t *testing.T) {
	e := newEngine(t, testConfig(t), portProber{})

	p, err := e.AddProxy(model.ProxyEntry{Host: " 10.0.0.1 ", Port: 8080, Type: "SOCKS5", Status: model.StatusAlive, Ping: 5})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.ID)
	assert.Equal(t, "10.0.0.1", p.Host)
	assert.Equal(t, model.ProtoSOCKS5, p.Type)
	assert.Equal(t, model.StatusPending, p.Status, "callers cannot seed status")
	assert.Zero(t, p.Ping)
	assert.Equal(t, "manual", p.Source)

	_, err = e.AddProxy(model.ProxyEntry{Host: "10.0.0.1", Port: 8080, Type: model.ProtoSOCKS5})
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = e.AddProxy(model.ProxyEntry{Host: "10.0.0.1", Port: 0})
	assert.Error(t, err)
	_, err = e.AddProxy(model.ProxyEntry{Host: "", Port: 80})
	assert.Error(t, err)

	require.NoError(t, e.RemoveProxy(p.ID))
	assert.ErrorIs(t, e.RemoveProxy(p.ID), ErrNotFound)
	assert.Empty(t, e.Proxies(proxypool.Filter{}))
}

func TestEngine_ImportText(t *testing.T) {
	e := newEngine(t, testConfig(t), portProber{})
	_, err := e.AddProxy(model.ProxyEntry{Host: "1.1.1.1", Port: 80, Type: model.ProtoHTTP})
	require.NoError(t, err)

	report := e.ImportText("1.1.1.1:80\n2.2.2.2:3128\nsocks5://3.3.3.3:1080\nbroken line\n", model.ProtoHTTP)
	assert.Equal(t, 2, report.Added)
	assert.Equal(t, 1, report.Duplicates)
	assert.Equal(t, 1, report.Invalid)
	assert.Len(t, report.IDs, 2)

	socks := e.Proxies(proxypool.Filter{Type: model.ProtoSOCKS5})
	require.Len(t, socks, 1)
	assert.Equal(t, "import", socks[0].Source)
}

func TestEngine_BulkTestUpdatesPoolAndHistory(t *testing.T) {
	e := newEngine(t, testConfig(t), portProber{})
	pub := &recordingPublisher{}
	e.SetPublisher(pub)

	e.ImportText("10.0.0.1:8080\n10.0.0.2:8081\n10.0.0.3:8082\n", model.ProtoHTTP)

	run, err := e.StartTest(nil, nil)
	require.NoError(t, err)
	assert.True(t, run.Running)
	assert.Equal(t, 3, run.Total)
	assert.Equal(t, []string{orchestrator.ScenarioConnectivity}, run.ScenarioIDs)

	run = waitTest(t, e)
	assert.False(t, run.Running)
	assert.False(t, run.Cancelled)
	assert.Equal(t, 3, run.Completed)
	assert.Equal(t, 3, run.Results)

	assert.Len(t, e.Proxies(proxypool.Filter{Status: model.StatusAlive}), 2)
	assert.Len(t, e.Proxies(proxypool.Filter{Status: model.StatusDead}), 1)

	history := e.Benchmarks(0, 0)
	require.Len(t, history, 3)
	for _, b := range history {
		assert.Equal(t, b.TotalRequests, b.SuccessfulRequests+b.FailedRequests)
		assert.Equal(t, model.KindScenario, b.Kind)
	}
	assert.Len(t, e.Benchmarks(2, 0), 1)
	assert.Len(t, e.Benchmarks(0, 2), 2)

	assert.Equal(t, 3, pub.count(EventTestProgress))
	assert.GreaterOrEqual(t, pub.count(EventStatusUpdate), 1)
}

func TestEngine_StartTestValidation(t *testing.T) {
	e := newEngine(t, testConfig(t), portProber{})

	_, err := e.StartTest(nil, nil)
	assert.ErrorIs(t, err, ErrNotFound, "empty pool")

	e.ImportText("10.0.0.1:8080", model.ProtoHTTP)
	_, err = e.StartTest(nil, []string{"nope"})
	assert.ErrorIs(t, err, orchestrator.ErrUnknownScenario)

	_, err = e.StartTest([]uint64{42}, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_BusyAndCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.PoolConf.MaxConcurrency = 1
	e := newEngine(t, cfg, portProber{block: true})
	e.ImportText("10.0.0.1:8080\n10.0.0.2:8082\n10.0.0.3:8084\n10.0.0.4:8086\n", model.ProtoHTTP)

	_, err := e.SaveScenario(model.TestScenario{
		ID:      "slow",
		Name:    "slow",
		Mode:    model.ModeSequential,
		Timeout: 200 * time.Millisecond,
		Steps:   []model.TestStep{{ID: "a", Type: model.StepHTTP}},
	})
	require.NoError(t, err)

	_, err = e.StartTest(nil, []string{"slow"})
	require.NoError(t, err)

	_, err = e.StartTest(nil, []string{"slow"})
	assert.ErrorIs(t, err, ErrBusy)
	_, err = e.StartLoadTest(1, "", loadgen.Config{Duration: time.Second, Concurrency: 1, TargetRPS: 1})
	assert.ErrorIs(t, err, ErrBusy)

	assert.True(t, e.CancelTest())
	run, ok := e.TestStatus()
	require.True(t, ok)
	assert.False(t, run.Running)
	assert.True(t, run.Cancelled)
	assert.Less(t, run.Results, 4)
	assert.False(t, e.CancelTest(), "nothing left to cancel")

	// the slot is free again
	_, err = e.StartTest([]uint64{1}, []string{"slow"})
	require.NoError(t, err)
	waitTest(t, e)
}

func TestEngine_LoadTest(t *testing.T) {
	e := newEngine(t, testConfig(t), portProber{})
	pub := &recordingPublisher{}
	e.SetPublisher(pub)
	e.ImportText("10.0.0.1:8080", model.ProtoHTTP)

	_, err := e.StartLoadTest(99, "", loadgen.Config{Duration: time.Second, Concurrency: 1, TargetRPS: 1})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = e.StartLoadTest(1, "", loadgen.Config{})
	assert.Error(t, err)

	run, err := e.StartLoadTest(1, orchestrator.ScenarioConnectivity, loadgen.Config{
		Duration:    300 * time.Millisecond,
		Concurrency: 2,
		TargetRPS:   20,
	})
	require.NoError(t, err)
	assert.Equal(t, JobLoad, run.Kind)

	run = waitTest(t, e)
	assert.Equal(t, 1, run.Results)

	history := e.Benchmarks(1, 0)
	require.Len(t, history, 1)
	assert.Equal(t, model.KindLoad, history[0].Kind)
	assert.Positive(t, history[0].TotalRequests)
	assert.Positive(t, pub.count(EventLoadProgress))
}

func TestEngine_CancelledLoadTestIsRecorded(t *testing.T) {
	e := newEngine(t, testConfig(t), portProber{block: true})
	e.ImportText("10.0.0.1:8080", model.ProtoHTTP)
	_, err := e.SaveScenario(model.TestScenario{
		ID:      "hang",
		Name:    "hang",
		Mode:    model.ModeSequential,
		Timeout: 5 * time.Second,
		Steps:   []model.TestStep{{ID: "a", Type: model.StepHTTP}},
	})
	require.NoError(t, err)

	_, err = e.StartLoadTest(1, "hang", loadgen.Config{Duration: 10 * time.Second, Concurrency: 2, TargetRPS: 20})
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	assert.True(t, e.CancelTest())
	assert.Less(t, time.Since(start), 2*time.Second)

	run, ok := e.TestStatus()
	require.True(t, ok)
	assert.True(t, run.Cancelled)
	assert.Equal(t, 1, run.Results)

	history := e.Benchmarks(1, 0)
	require.Len(t, history, 1)
	assert.Equal(t, model.KindLoad, history[0].Kind)
	assert.Positive(t, history[0].TotalRequests)
	assert.Equal(t, history[0].TotalRequests, history[0].FailedRequests)
}

func TestEngine_HistoryIsBounded(t *testing.T) {
	cfg := testConfig(t)
	cfg.PoolConf.HistorySize = 2
	cfg.PoolConf.MaxConcurrency = 1
	e := newEngine(t, cfg, portProber{})
	e.ImportText("10.0.0.1:8080\n10.0.0.2:8082\n10.0.0.3:8084\n", model.ProtoHTTP)

	_, err := e.StartTest(nil, nil)
	require.NoError(t, err)
	waitTest(t, e)

	history := e.Benchmarks(0, 0)
	require.Len(t, history, 2)
	assert.Equal(t, uint64(2), history[0].ProxyID)
	assert.Equal(t, uint64(3), history[1].ProxyID)
}

func TestEngine_PersistsPool(t *testing.T) {
	cfg := testConfig(t)
	e, err := NewWithProber(cfg, portProber{})
	require.NoError(t, err)
	e.ImportText("10.0.0.1:8080\nsocks5://u:p@10.0.0.2:1080\n", model.ProtoHTTP)
	e.Stop()

	reloaded := newEngine(t, cfg, portProber{})
	entries := reloaded.Proxies(proxypool.Filter{})
	require.Len(t, entries, 2)
	assert.Equal(t, "u", entries[1].Username)
	assert.Equal(t, model.ProtoSOCKS5, entries[1].Type)
}

func TestEngine_NoPoolWritesAfterStop(t *testing.T) {
	cfg := testConfig(t)
	e, err := NewWithProber(cfg, portProber{})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		e.ImportText(fmt.Sprintf("10.0.1.%d:8080", i+1), model.ProtoHTTP)
	}
	e.Stop()

	reloaded, err := NewWithProber(cfg, portProber{})
	require.NoError(t, err)
	assert.Equal(t, 20, reloaded.registry.Len())
	reloaded.Stop()

	// pool changes after Stop stay in memory
	require.NoError(t, os.Remove(cfg.PoolConf.StorageFile))
	_, err = e.AddProxy(model.ProxyEntry{Host: "10.0.2.1", Port: 8080})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.NoFileExists(t, cfg.PoolConf.StorageFile)
}

func TestEngine_SettingsReachRotation(t *testing.T) {
	e := newEngine(t, testConfig(t), portProber{})

	raw, _ := json.Marshal(map[string]interface{}{
		"strategy":             "best-performance",
		"interval_seconds":     30,
		"health_check_seconds": 10,
		"max_failures":         2,
		"max_concurrent":       3,
		"enable_auto_failover": true,
	})
	require.NoError(t, e.UpdateSettings("rotation", raw))
	assert.Equal(t, rotation.StrategyBestPerformance, e.RotationStatus().Config.Strategy)
	assert.Equal(t, 30*time.Second, e.RotationStatus().Config.Interval)

	require.NoError(t, e.UpdateSettings("monitoring", []byte(`{"inclusive_bounds": true}`)))
	assert.True(t, e.MonitoringStatus().Config.InclusiveBounds)

	assert.Error(t, e.UpdateSettings("rotation", []byte(`{"strategy":"fastest"}`)))
	assert.Error(t, e.UpdateSettings("unknown", []byte(`{}`)))
}

func TestEngine_RotationAndAlerts(t *testing.T) {
	e := newEngine(t, testConfig(t), portProber{})
	pub := &recordingPublisher{}
	e.SetPublisher(pub)
	e.ImportText("10.0.0.1:8080\n10.0.0.2:8082\n", model.ProtoHTTP)

	ev, ok := e.Rotate()
	require.True(t, ok)
	assert.Equal(t, uint64(1), ev.To)
	assert.Equal(t, rotation.ReasonManual, ev.Reason)

	next, ok := e.NextProxy()
	require.True(t, ok)
	assert.Equal(t, uint64(1), next.ID)
	assert.Equal(t, 1, pub.count(EventRotation))

	status := e.RotationStatus()
	require.NotNil(t, status.Current)
	assert.Len(t, status.History, 1)

	assert.Equal(t, 2, e.CheckHealthNow(context.Background()))
	assert.Len(t, e.HealthMetrics(), 2)

	assert.ErrorIs(t, e.AcknowledgeAlert("missing"), ErrNotFound)
	assert.Equal(t, 0, e.ClearAlerts())
}

func TestEngine_StartStop(t *testing.T) {
	cfg := testConfig(t)
	cfg.RotationConf.AutoStart = true
	cfg.MonitoringConf.Enabled = true
	e := newEngine(t, cfg, portProber{})

	require.NoError(t, e.Start())
	assert.True(t, e.Status().Rotation)
	assert.True(t, e.Status().Monitoring)

	e.Stop()
	assert.False(t, e.Status().Rotation)
	assert.False(t, e.Status().Monitoring)
}
