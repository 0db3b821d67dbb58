// Package health scores every pool member on a schedule, classifies it and
// raises alerts when the classification changes.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"proxypulse/internal/probe"
	"proxypulse/internal/shared/logger"
	"proxypulse/internal/shared/settings"
	"proxypulse/proxypool"
	"proxypulse/proxypool/model"
)

// DefaultResponseCeiling 是健康分里 speed 项归零的平均响应时间。
const DefaultResponseCeiling = 5000 * time.Millisecond

// ErrAlreadyRunning is returned by Start on a running monitor.
var ErrAlreadyRunning = errors.New("health monitor already running")

// Config 是健康监控的运行参数。
type Config struct {
	Enabled              bool
	Interval             time.Duration
	Timeout              time.Duration
	HealthThreshold      float64
	WarningThreshold     float64
	CriticalThreshold    float64
	InclusiveBounds      bool
	OfflineAfterFailures int
	ResponseCeiling      time.Duration
	MaxAlerts            int
	MaxConcurrent        int
}

// ConfigFromSettings 把 settings.json 中的 monitoring 模块转换为 Config。
func ConfigFromSettings(s *settings.MonitoringSettings) Config {
	return Config{
		Enabled:              s.Enabled,
		Interval:             time.Duration(s.IntervalSeconds) * time.Second,
		Timeout:              time.Duration(s.TimeoutMs) * time.Millisecond,
		HealthThreshold:      s.HealthThreshold,
		WarningThreshold:     s.WarningThreshold,
		CriticalThreshold:    s.CriticalThreshold,
		InclusiveBounds:      s.InclusiveBounds,
		OfflineAfterFailures: s.OfflineAfterFailures,
		ResponseCeiling:      time.Duration(s.ResponseCeilingMs) * time.Millisecond,
		MaxAlerts:            s.MaxAlerts,
		MaxConcurrent:        s.MaxConcurrent,
	}
}

func (c Config) normalized() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.ResponseCeiling <= 0 {
		c.ResponseCeiling = DefaultResponseCeiling
	}
	if c.MaxAlerts <= 0 {
		c.MaxAlerts = 200
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	return c
}

// Recorder 接收健康相关的指标。
type Recorder interface {
	ObserveProbe(source string, stepType model.StepType, success bool, responseTime time.Duration)
	ObserveHealth(proxyID uint64, score float64, class string)
	ForgetHealth(proxyID uint64)
	ObserveAlert(alertType, severity string)
}

// Monitor 定时对池中每个成员打分、分级，并在分级变化时产生告警。
// 它实现了 settings.ConfigurableModule 接口。
type Monitor struct {
	registry *proxypool.Registry
	checker  *Checker
	step     model.TestStep

	config atomic.Value // Config

	mu      sync.Mutex
	metrics map[uint64]*model.HealthMetrics
	alerts  []model.HealthAlert

	onAlert  func(model.HealthAlert)
	onUpdate func(model.HealthMetrics)
	recorder Recorder

	runMu    sync.Mutex
	running  bool
	stopChan chan struct{}
	reload   chan struct{}
	wg       sync.WaitGroup
}

// NewMonitor 创建健康监控器。step 是每次检查使用的探测步骤。
func NewMonitor(cfg Config, registry *proxypool.Registry, prober probe.Prober, step model.TestStep) *Monitor {
	m := &Monitor{
		registry: registry,
		checker:  NewChecker(prober, step),
		step:     step,
		metrics:  make(map[uint64]*model.HealthMetrics),
		reload:   make(chan struct{}, 1),
	}
	m.config.Store(cfg.normalized())
	return m
}

// OnAlert 设置新告警的回调，例如推送到 websocket。
func (m *Monitor) OnAlert(fn func(model.HealthAlert)) { m.onAlert = fn }

// OnUpdate 设置每次检查完一个代理后的回调。
func (m *Monitor) OnUpdate(fn func(model.HealthMetrics)) { m.onUpdate = fn }

// SetRecorder 设置指标接收者。
func (m *Monitor) SetRecorder(r Recorder) { m.recorder = r }

// Config 返回当前生效的配置。
func (m *Monitor) Config() Config {
	return m.config.Load().(Config)
}

// UpdateConfig 替换配置，新的间隔在下一个周期生效，新的阈值用于下一次检查。
func (m *Monitor) UpdateConfig(cfg Config) {
	cfg = cfg.normalized()
	m.config.Store(cfg)

	m.mu.Lock()
	if len(m.alerts) > cfg.MaxAlerts {
		m.alerts = append([]model.HealthAlert(nil), m.alerts[len(m.alerts)-cfg.MaxAlerts:]...)
	}
	m.mu.Unlock()

	l := logger.WithComponent("Health")
	l.Info().Dur("interval", cfg.Interval).Bool("inclusive_bounds", cfg.InclusiveBounds).Msg("Monitoring config updated.")
	select {
	case m.reload <- struct{}{}:
	default:
	}
}

// OnSettingsUpdate 实现了 settings.ConfigurableModule 接口。
func (m *Monitor) OnSettingsUpdate(moduleKey string, newSettings interface{}) error {
	if moduleKey != settings.ModuleMonitoring {
		return nil
	}
	s, ok := newSettings.(*settings.MonitoringSettings)
	if !ok {
		return fmt.Errorf("health: received incorrect settings type for %s module", moduleKey)
	}
	m.UpdateConfig(ConfigFromSettings(s))
	return nil
}

// Start 立即检查一次，然后按 Interval 定时检查。
func (m *Monitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return ErrAlreadyRunning
	}
	m.running = true
	m.stopChan = make(chan struct{})

	l := logger.WithComponent("Health")
	l.Info().Dur("interval", m.Config().Interval).Msg("Health monitor starting.")

	m.wg.Add(1)
	go m.loop(ctx, m.stopChan)
	return nil
}

// Stop 停止定时检查，已经发出的探测会自然结束。
func (m *Monitor) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	close(m.stopChan)
	m.running = false
	m.runMu.Unlock()

	m.wg.Wait()
	l := logger.WithComponent("Health")
	l.Info().Msg("Health monitor stopped.")
}

// Running reports whether the ticker is armed.
func (m *Monitor) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.running
}

func (m *Monitor) loop(ctx context.Context, stop <-chan struct{}) {
	defer m.wg.Done()

	// 立即执行一次
	m.CheckNow(ctx)

	ticker := time.NewTicker(m.Config().Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-m.reload:
			ticker.Reset(m.Config().Interval)
		case <-ticker.C:
			m.CheckNow(ctx)
		}
	}
}

// CheckNow 探测池中的每个成员并更新其健康指标，返回探测数量。
func (m *Monitor) CheckNow(ctx context.Context) int {
	cfg := m.Config()
	entries := m.registry.All()

	present := make(map[uint64]struct{}, len(entries))
	for _, e := range entries {
		present[e.ID] = struct{}{}
	}
	m.mu.Lock()
	for id := range m.metrics {
		if _, ok := present[id]; !ok {
			m.forgetLocked(id)
		}
	}
	m.mu.Unlock()

	m.checker.Check(ctx, entries, cfg.Timeout, cfg.MaxConcurrent, func(p model.ProxyEntry, out probe.Outcome) {
		if m.recorder != nil {
			m.recorder.ObserveProbe("health", m.step.Type, out.Success, out.ResponseTime)
		}
		m.apply(p.ID, out)
	})

	l := logger.WithComponent("Health")
	l.Debug().Int("checked", len(entries)).Msg("Health check round finished.")
	return len(entries)
}

// apply 根据一次探测结果更新指标、重新分级，并在需要时产生告警。
func (m *Monitor) apply(id uint64, out probe.Outcome) {
	cfg := m.Config()
	rt := out.ResponseTime.Milliseconds()

	m.mu.Lock()
	hm, ok := m.metrics[id]
	if !ok {
		hm = &model.HealthMetrics{
			ProxyID:        id,
			SuccessRate:    100,
			Classification: model.ClassHealthy,
		}
		m.metrics[id] = hm
	}
	prev := hm.Classification

	hm.TotalChecks++
	hm.LastCheck = time.Now()
	hm.LastResponseTime = rt
	if out.Success {
		hm.SuccessRate = min(100, hm.SuccessRate+1)
		hm.ConsecutiveFailures = 0
		hm.LastError = ""
		if hm.AverageResponseTime == 0 {
			hm.AverageResponseTime = float64(rt)
		} else {
			hm.AverageResponseTime = (hm.AverageResponseTime + float64(rt)) / 2
		}
	} else {
		penalty := 5.0
		if out.TimedOut() {
			penalty = 10
		}
		hm.SuccessRate = max(0, hm.SuccessRate-penalty)
		hm.ConsecutiveFailures++
		hm.FailedChecks++
		if out.Err != nil {
			hm.LastError = out.Err.Error()
		}
	}

	hm.HealthScore = Score(hm.SuccessRate, hm.AverageResponseTime, cfg.ResponseCeiling)
	hm.Classification = Classify(hm.HealthScore, hm.ConsecutiveFailures, cfg)

	alert, raised := transitionAlert(id, prev, *hm)
	if raised {
		m.appendAlertLocked(alert, cfg.MaxAlerts)
	}
	snapshot := *hm
	m.mu.Unlock()

	if out.Success {
		m.registry.RecordOutcome(id, proxypool.Outcome{Alive: true, Ping: max(1, rt)})
	} else if snapshot.Classification == model.ClassOffline {
		m.registry.RecordOutcome(id, proxypool.Outcome{Alive: false})
	}

	if m.recorder != nil {
		m.recorder.ObserveHealth(id, snapshot.HealthScore, string(snapshot.Classification))
	}
	if m.onUpdate != nil {
		m.onUpdate(snapshot)
	}
	if raised {
		m.publish(alert)
	}
}

// transitionAlert 在分级恶化或恢复为 healthy 时生成告警。
func transitionAlert(id uint64, prev model.Classification, hm model.HealthMetrics) (model.HealthAlert, bool) {
	cur := hm.Classification
	var (
		typ      model.AlertType
		severity model.Severity
		message  string
	)
	switch {
	case cur.Rank() > prev.Rank():
		switch cur {
		case model.ClassWarning:
			typ, severity = model.AlertWarning, model.SeverityMedium
		case model.ClassCritical:
			typ, severity = model.AlertCritical, model.SeverityHigh
		default:
			typ, severity = model.AlertCritical, model.SeverityCritical
		}
		message = fmt.Sprintf("proxy %d degraded from %s to %s", id, prev, cur)
	case cur == model.ClassHealthy && prev != model.ClassHealthy:
		typ, severity = model.AlertRecovery, model.SeverityLow
		message = fmt.Sprintf("proxy %d recovered from %s", id, prev)
	default:
		return model.HealthAlert{}, false
	}

	details := map[string]string{
		"from":         string(prev),
		"to":           string(cur),
		"health_score": strconv.FormatFloat(hm.HealthScore, 'f', 1, 64),
		"success_rate": strconv.FormatFloat(hm.SuccessRate, 'f', 1, 64),
	}
	if hm.LastError != "" {
		details["error"] = hm.LastError
	}
	return model.HealthAlert{
		ID:        uuid.NewString(),
		ProxyID:   id,
		Type:      typ,
		Severity:  severity,
		Message:   message,
		Details:   details,
		Timestamp: hm.LastCheck,
	}, true
}

func (m *Monitor) appendAlertLocked(a model.HealthAlert, limit int) {
	if len(m.alerts) >= limit {
		m.alerts = append(m.alerts[:0], m.alerts[len(m.alerts)-limit+1:]...)
	}
	m.alerts = append(m.alerts, a)
}

func (m *Monitor) publish(a model.HealthAlert) {
	l := logger.WithComponent("Health")
	ev := l.Warn()
	if a.Type == model.AlertRecovery {
		ev = l.Info()
	}
	ev.Uint64("proxy_id", a.ProxyID).Str("type", string(a.Type)).Str("severity", string(a.Severity)).Msg(a.Message)

	if m.recorder != nil {
		m.recorder.ObserveAlert(string(a.Type), string(a.Severity))
	}
	if m.onAlert != nil {
		m.onAlert(a)
	}
}

// Raise 实现 rotation.AlertSink，记录外部产生的告警（例如故障切换）。
func (m *Monitor) Raise(a model.HealthAlert) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	a.Acknowledged = false

	m.mu.Lock()
	m.appendAlertLocked(a, m.Config().MaxAlerts)
	m.mu.Unlock()
	m.publish(a)
}

// Metrics 返回所有代理健康指标的拷贝，按 id 排序。
func (m *Monitor) Metrics() []model.HealthMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.HealthMetrics, 0, len(m.metrics))
	for _, hm := range m.metrics {
		out = append(out, *hm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProxyID < out[j].ProxyID })
	return out
}

// MetricsFor 返回单个代理的健康指标。
func (m *Monitor) MetricsFor(id uint64) (model.HealthMetrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hm, ok := m.metrics[id]
	if !ok {
		return model.HealthMetrics{}, false
	}
	return *hm, true
}

// Alerts 返回告警的拷贝，按产生顺序排列。
func (m *Monitor) Alerts() []model.HealthAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.HealthAlert, len(m.alerts))
	for i, a := range m.alerts {
		out[i] = a
		if a.Details != nil {
			d := make(map[string]string, len(a.Details))
			for k, v := range a.Details {
				d[k] = v
			}
			out[i].Details = d
		}
	}
	return out
}

// Acknowledge 标记一条告警为已确认，这是告警唯一可变的字段。
func (m *Monitor) Acknowledge(alertID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.alerts {
		if m.alerts[i].ID == alertID {
			m.alerts[i].Acknowledged = true
			return true
		}
	}
	return false
}

// ClearAlerts 清空所有告警，返回被清除的数量。
func (m *Monitor) ClearAlerts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.alerts)
	m.alerts = nil
	return n
}

// Forget 删除一个已离开池的代理的指标。
func (m *Monitor) Forget(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgetLocked(id)
}

func (m *Monitor) forgetLocked(id uint64) {
	if _, ok := m.metrics[id]; !ok {
		return
	}
	delete(m.metrics, id)
	if m.recorder != nil {
		m.recorder.ForgetHealth(id)
	}
}
