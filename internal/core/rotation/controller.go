// Package rotation keeps one "current" proxy, rotates it on a schedule and
// fails over when the current proxy keeps failing its health probes.
package rotation

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
	"golang.org/x/sync/errgroup"

	"proxypulse/internal/probe"
	"proxypulse/internal/shared/logger"
	"proxypulse/internal/shared/settings"
	"proxypulse/proxypool"
	"proxypulse/proxypool/model"
)

const historyLimit = 100 // 轮换历史的最大条数

// ErrAlreadyRunning is returned by Start on a running controller.
var ErrAlreadyRunning = errors.New("rotation controller already running")

// Reason 说明一次轮换的起因。
type Reason string

const (
	ReasonInitial   Reason = "initial"
	ReasonScheduled Reason = "scheduled"
	ReasonFailover  Reason = "failover"
	ReasonManual    Reason = "manual"
)

// Config 是轮换控制器的运行参数，可以在运行时替换。
type Config struct {
	Strategy            Strategy
	Interval            time.Duration
	HealthCheckInterval time.Duration
	MaxFailures         int
	MaxConcurrent       int
	EnableAutoFailover  bool
	EnableLoadBalancing bool
}

// ConfigFromSettings 把 settings.json 中的 rotation 模块转换为 Config。
func ConfigFromSettings(s *settings.RotationSettings) Config {
	return Config{
		Strategy:            Strategy(s.Strategy),
		Interval:            time.Duration(s.IntervalSeconds) * time.Second,
		HealthCheckInterval: time.Duration(s.HealthCheckSeconds) * time.Second,
		MaxFailures:         s.MaxFailures,
		MaxConcurrent:       s.MaxConcurrent,
		EnableAutoFailover:  s.EnableAutoFailover,
		EnableLoadBalancing: s.EnableLoadBalancing,
	}
}

func (c Config) normalized() Config {
	if c.Strategy == "" {
		c.Strategy = StrategyRoundRobin
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = time.Minute
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	return c
}

// Event 是一条轮换历史记录。From/To 为 0 表示没有代理。
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	From      uint64    `json:"from"`
	To        uint64    `json:"to"`
	Reason    Reason    `json:"reason"`
}

// Stats 是控制器为每个池成员维护的轮换统计。
type Stats struct {
	ProxyID             uint64    `json:"proxy_id"`
	Healthy             bool      `json:"healthy"`
	Failures            int       `json:"failures"`
	SuccessRate         float64   `json:"success_rate"`
	AverageResponseTime float64   `json:"average_response_time"` // ms
	UsageCount          int64     `json:"usage_count"`
	LastCheck           time.Time `json:"last_check"`
	LastError           string    `json:"last_error,omitempty"`
}

// AlertSink 接收故障切换产生的告警，通常是健康监控器。
type AlertSink interface {
	Raise(alert model.HealthAlert)
}

// Recorder 接收轮换相关的指标。
type Recorder interface {
	ObserveProbe(source string, stepType model.StepType, success bool, responseTime time.Duration)
	ObserveRotation(reason string)
}

// Controller 持有当前代理，并通过两个定时器驱动轮换和健康检查。
// 它实现了 settings.ConfigurableModule 接口，配置可以被热重载。
type Controller struct {
	registry *proxypool.Registry
	prober   probe.Prober
	step     model.TestStep
	timeout  time.Duration

	// 使用 atomic.Value 存储配置和选择策略，实现无锁读取和热重载
	config   atomic.Value // Config
	selector atomic.Value // Selector

	mu      sync.Mutex
	stats   map[uint64]*Stats
	current uint64
	history []Event

	sink     AlertSink
	onEvent  func(Event)
	recorder Recorder

	runMu    sync.Mutex
	running  bool
	stopChan chan struct{}
	reload   chan struct{}
	wg       sync.WaitGroup
}

// New 创建一个轮换控制器。step 是健康检查时使用的探测步骤。
func New(cfg Config, registry *proxypool.Registry, prober probe.Prober, step model.TestStep, timeout time.Duration) *Controller {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Controller{
		registry: registry,
		prober:   prober,
		step:     step,
		timeout:  timeout,
		stats:    make(map[uint64]*Stats),
		history:  make([]Event, 0, historyLimit),
		reload:   make(chan struct{}, 1),
	}
	c.applyConfig(cfg)
	return c
}

// SetAlertSink 设置故障切换告警的接收者。
func (c *Controller) SetAlertSink(s AlertSink) { c.sink = s }

// OnEvent 设置每次轮换后的回调，例如推送到 websocket。
func (c *Controller) OnEvent(fn func(Event)) { c.onEvent = fn }

// SetRecorder 设置指标接收者。
func (c *Controller) SetRecorder(r Recorder) { c.recorder = r }

func (c *Controller) applyConfig(cfg Config) {
	cfg = cfg.normalized()
	c.config.Store(cfg)
	c.selector.Store(newSelector(cfg.Strategy))
}

// Config 返回当前生效的配置。
func (c *Controller) Config() Config {
	return c.config.Load().(Config)
}

// UpdateConfig 替换配置。新的策略立即用于下一次选择，新的间隔在下一个周期生效。
func (c *Controller) UpdateConfig(cfg Config) {
	c.applyConfig(cfg)
	l := logger.WithComponent("Rotation")
	l.Info().Str("strategy", string(c.Config().Strategy)).Dur("interval", c.Config().Interval).Msg("Rotation config updated.")
	select {
	case c.reload <- struct{}{}:
	default:
	}
}

// OnSettingsUpdate 实现了 settings.ConfigurableModule 接口。
func (c *Controller) OnSettingsUpdate(moduleKey string, newSettings interface{}) error {
	if moduleKey != settings.ModuleRotation {
		return nil
	}
	s, ok := newSettings.(*settings.RotationSettings)
	if !ok {
		return fmt.Errorf("rotation: received incorrect settings type for %s module", moduleKey)
	}
	c.UpdateConfig(ConfigFromSettings(s))
	return nil
}

// Start 立即选择一次代理，然后启动轮换和健康检查两个定时器。
func (c *Controller) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return ErrAlreadyRunning
	}
	c.running = true
	c.stopChan = make(chan struct{})

	l := logger.WithComponent("Rotation")
	l.Info().Str("strategy", string(c.Config().Strategy)).Msg("Rotation controller starting.")

	c.Rotate(ReasonInitial)

	c.wg.Add(1)
	go c.loop(ctx, c.stopChan)
	return nil
}

// Stop 停止两个定时器。已经发出的探测会自然结束。
func (c *Controller) Stop() {
	c.runMu.Lock()
	if !c.running {
		c.runMu.Unlock()
		return
	}
	close(c.stopChan)
	c.running = false
	c.runMu.Unlock()

	c.wg.Wait()
	l := logger.WithComponent("Rotation")
	l.Info().Msg("Rotation controller stopped.")
}

// Running reports whether the tickers are armed.
func (c *Controller) Running() bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.running
}

func (c *Controller) loop(ctx context.Context, stop <-chan struct{}) {
	defer c.wg.Done()

	cfg := c.Config()
	rotateTicker := time.NewTicker(cfg.Interval)
	defer rotateTicker.Stop()
	checkTicker := time.NewTicker(cfg.HealthCheckInterval)
	defer checkTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-c.reload:
			cfg = c.Config()
			rotateTicker.Reset(cfg.Interval)
			checkTicker.Reset(cfg.HealthCheckInterval)
		case <-rotateTicker.C:
			c.Rotate(ReasonScheduled)
		case <-checkTicker.C:
			c.CheckNow(ctx)
		}
	}
}

// syncLocked 让统计表与注册表保持一致：新成员默认健康（注册表中已是 dead 的除外），
// 已移除的成员被删除，当前代理被移除时清空 current。
func (c *Controller) syncLocked() map[uint64]model.ProxyEntry {
	entries := c.registry.All()
	present := make(map[uint64]model.ProxyEntry, len(entries))
	for _, e := range entries {
		present[e.ID] = e
		if _, ok := c.stats[e.ID]; !ok {
			c.stats[e.ID] = &Stats{
				ProxyID:     e.ID,
				Healthy:     e.Status != model.StatusDead,
				SuccessRate: 100,
			}
		}
	}
	for id := range c.stats {
		if _, ok := present[id]; !ok {
			delete(c.stats, id)
			if c.current == id {
				c.current = 0
			}
		}
	}
	return present
}

func (c *Controller) sortedIDsLocked() []uint64 {
	ids := make([]uint64, 0, len(c.stats))
	for id := range c.stats {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (c *Controller) candidatesLocked() []Stats {
	out := make([]Stats, 0, len(c.stats))
	for _, id := range c.sortedIDsLocked() {
		if s := c.stats[id]; s.Healthy {
			out = append(out, *s)
		}
	}
	return out
}

// rotateLocked 选择新的当前代理并记录历史。
// force 为 false 时，没有候选或选中的就是当前代理都视为无操作；
// force 为 true（故障切换）时总会产生一条记录，To 可能为 0。
func (c *Controller) rotateLocked(reason Reason, force bool) (Event, bool) {
	sel := c.selector.Load().(Selector)
	id, err := sel.Select(c.candidatesLocked())
	if err != nil {
		if !force {
			return Event{}, false
		}
		id = 0
	}
	if id == c.current && !force {
		return Event{}, false
	}

	ev := Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		From:      c.current,
		To:        id,
		Reason:    reason,
	}
	c.current = id
	if s, ok := c.stats[id]; ok {
		s.UsageCount++
	}

	if len(c.history) >= historyLimit {
		c.history = c.history[1:]
	}
	c.history = append(c.history, ev)
	return ev, true
}

func (c *Controller) emit(ev Event) {
	l := logger.WithComponent("Rotation")
	l.Info().
		Str("reason", string(ev.Reason)).
		Uint64("from", ev.From).
		Uint64("to", ev.To).
		Msg("Current proxy rotated.")
	if c.recorder != nil {
		c.recorder.ObserveRotation(string(ev.Reason))
	}
	if c.onEvent != nil {
		c.onEvent(ev)
	}
}

// Rotate 按当前策略重新选择。没有候选时不做任何事，返回 false。
func (c *Controller) Rotate(reason Reason) (Event, bool) {
	c.mu.Lock()
	c.syncLocked()
	ev, ok := c.rotateLocked(reason, false)
	c.mu.Unlock()

	if !ok {
		l := logger.WithComponent("Rotation")
		l.Debug().Str("reason", string(reason)).Msg("Rotation skipped: no other healthy candidate.")
		return Event{}, false
	}
	c.emit(ev)
	return ev, true
}

// CheckNow 探测当前代理、过期的成员（上次检查早于半个检查周期或从未检查）
// 以及已经降级的成员，并发数受 MaxConcurrent 限制。返回探测的数量。
func (c *Controller) CheckNow(ctx context.Context) int {
	cfg := c.Config()
	staleAfter := cfg.HealthCheckInterval / 2
	now := time.Now()

	c.mu.Lock()
	present := c.syncLocked()
	targets := make([]model.ProxyEntry, 0, len(c.stats))
	for _, id := range c.sortedIDsLocked() {
		s := c.stats[id]
		stale := s.LastCheck.IsZero() || now.Sub(s.LastCheck) > staleAfter
		degraded := !s.Healthy || s.Failures > 0
		if id == c.current || stale || degraded {
			targets = append(targets, present[id])
		}
	}
	c.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(cfg.MaxConcurrent)
	for _, entry := range targets {
		g.Go(func() error {
			out := probe.Run(detached, c.prober, entry, c.step, c.timeout)
			if c.recorder != nil {
				c.recorder.ObserveProbe("rotation", c.step.Type, out.Success, out.ResponseTime)
			}
			c.record(entry.ID, out)
			return nil
		})
	}
	_ = g.Wait()

	// 一轮检查最多切换一次，候选只从本轮结束后仍健康的成员中选
	c.failover()
	return len(targets)
}

// record 更新一次探测后的统计。连续失败达到阈值的成员被标记为不健康。
func (c *Controller) record(id uint64, out probe.Outcome) {
	cfg := c.Config()
	rt := out.ResponseTime.Milliseconds()

	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stats[id]
	if !ok {
		return
	}
	s.LastCheck = time.Now()

	if out.Success {
		s.Failures = 0
		s.Healthy = true
		s.SuccessRate = min(100, s.SuccessRate+1)
		if s.AverageResponseTime == 0 {
			s.AverageResponseTime = float64(rt)
		} else {
			s.AverageResponseTime = (s.AverageResponseTime + float64(rt)) / 2
		}
		s.LastError = ""
		c.registry.RecordOutcome(id, proxypool.Outcome{Alive: true, Ping: max(1, rt)})
		return
	}

	s.Failures++
	s.SuccessRate = max(0, s.SuccessRate-10)
	if out.Err != nil {
		s.LastError = out.Err.Error()
	}
	if s.Healthy && s.Failures >= cfg.MaxFailures {
		s.Healthy = false
		c.registry.RecordOutcome(id, proxypool.Outcome{Alive: false})
	}
}

// failover 在当前代理不健康且开启自动切换时选出新的当前代理，并发出告警。
func (c *Controller) failover() {
	cfg := c.Config()
	if !cfg.EnableAutoFailover {
		return
	}

	c.mu.Lock()
	id := c.current
	s, ok := c.stats[id]
	if id == 0 || !ok || s.Healthy {
		c.mu.Unlock()
		return
	}
	ev, _ := c.rotateLocked(ReasonFailover, true)
	alert := model.HealthAlert{
		ID:       uuid.NewString(),
		ProxyID:  id,
		Type:     model.AlertFailover,
		Severity: model.SeverityHigh,
		Message:  fmt.Sprintf("proxy %d failed %d consecutive checks, switched to %d", id, s.Failures, ev.To),
		Details: map[string]string{
			"from":     strconv.FormatUint(ev.From, 10),
			"to":       strconv.FormatUint(ev.To, 10),
			"failures": strconv.Itoa(s.Failures),
			"error":    s.LastError,
		},
		Timestamp: ev.Timestamp,
	}
	failures := s.Failures
	c.mu.Unlock()

	l := logger.WithComponent("Rotation")
	l.Warn().Uint64("proxy_id", id).Int("failures", failures).Msg("Current proxy marked unhealthy, failing over.")
	c.emit(ev)
	if c.sink != nil {
		c.sink.Raise(alert)
	}
}

// Current 返回当前代理。没有当前代理时第二个返回值为 false。
func (c *Controller) Current() (model.ProxyEntry, bool) {
	c.mu.Lock()
	id := c.current
	c.mu.Unlock()
	if id == 0 {
		return model.ProxyEntry{}, false
	}
	return c.registry.Get(id)
}

// Pick 返回下游应当使用的代理。开启负载均衡时在健康成员间按使用次数分摊，
// 否则始终返回当前代理。
func (c *Controller) Pick() (model.ProxyEntry, bool) {
	if !c.Config().EnableLoadBalancing {
		return c.Current()
	}

	c.mu.Lock()
	c.syncLocked()
	id, err := (&LeastUsedSelector{}).Select(c.candidatesLocked())
	if err == nil {
		c.stats[id].UsageCount++
	}
	c.mu.Unlock()

	if err != nil {
		return model.ProxyEntry{}, false
	}
	return c.registry.Get(id)
}

// History 返回轮换历史的拷贝，按时间先后排列。
func (c *Controller) History() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.history))
	copy(out, c.history)
	return out
}

// Stats 返回所有成员统计的拷贝，按 id 排序。
func (c *Controller) Stats() []Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncLocked()
	out := make([]Stats, 0, len(c.stats))
	for _, id := range c.sortedIDsLocked() {
		out = append(out, *c.stats[id])
	}
	return out
}
