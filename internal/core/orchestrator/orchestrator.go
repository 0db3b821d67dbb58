package orchestrator

import (
	"context"
	"sync"
	"time"

	"proxypulse/internal/probe"
	"proxypulse/internal/shared/logger"
	"proxypulse/proxypool"
	"proxypulse/proxypool/model"
)

// DefaultStepTimeout 用于既没有步骤超时也没有场景超时的情况。
const DefaultStepTimeout = 10 * time.Second

// Config 是编排器的静态配置。
type Config struct {
	MaxConcurrency int
	DefaultTimeout time.Duration
	LatencyCeiling time.Duration
}

// Recorder 接收每一次探测和每一次基准测试的结果，通常由 metrics 包实现。
type Recorder interface {
	ObserveProbe(source string, stepType model.StepType, success bool, responseTime time.Duration)
	ObserveBenchmark(kind model.BenchmarkKind, score float64)
}

// ProgressFunc 在每个 run 完成后被调用。
type ProgressFunc func(completed, total int)

// Orchestrator 负责按场景对代理执行测试，并把结果汇总成 BenchmarkResult。
// 所有 run 共享同一个并发上限。
type Orchestrator struct {
	prober   probe.Prober
	catalog  *Catalog
	registry *proxypool.Registry
	geo      probe.GeoResolver
	recorder Recorder

	sem            chan struct{}
	defaultTimeout time.Duration
	latencyCeiling time.Duration
}

// New 创建一个编排器。registry 用于批量测试时读取代理并回写状态。
func New(cfg Config, prober probe.Prober, catalog *Catalog, registry *proxypool.Registry) *Orchestrator {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 10
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultStepTimeout
	}
	if cfg.LatencyCeiling <= 0 {
		cfg.LatencyCeiling = DefaultLatencyCeiling
	}
	return &Orchestrator{
		prober:         prober,
		catalog:        catalog,
		registry:       registry,
		sem:            make(chan struct{}, cfg.MaxConcurrency),
		defaultTimeout: cfg.DefaultTimeout,
		latencyCeiling: cfg.LatencyCeiling,
	}
}

// SetGeoResolver 启用批量测试成功后的国家标注。
func (o *Orchestrator) SetGeoResolver(g probe.GeoResolver) { o.geo = g }

// SetRecorder 设置指标接收者。
func (o *Orchestrator) SetRecorder(r Recorder) { o.recorder = r }

// Catalog 返回场景目录。
func (o *Orchestrator) Catalog() *Catalog { return o.catalog }

// LatencyCeiling 返回可靠性统计使用的延迟上限。
func (o *Orchestrator) LatencyCeiling() time.Duration { return o.latencyCeiling }

func (o *Orchestrator) stepTimeout(scenario model.TestScenario, step model.TestStep) time.Duration {
	switch {
	case step.Timeout > 0:
		return step.Timeout
	case scenario.Timeout > 0:
		return scenario.Timeout
	default:
		return o.defaultTimeout
	}
}

// runStep 执行一个步骤，失败时最多重试 scenario.Retries 次，记录最后一次尝试。
// 探测本身与调用方的取消解绑，只在两次尝试之间检查取消。
func (o *Orchestrator) runStep(ctx context.Context, proxy model.ProxyEntry, scenario model.TestScenario, step model.TestStep) model.TestResult {
	detached := context.WithoutCancel(ctx)
	timeout := o.stepTimeout(scenario, step)

	var out probe.Outcome
	for attempt := 0; attempt <= scenario.Retries; attempt++ {
		if attempt > 0 && ctx.Err() != nil {
			break
		}
		out = probe.Run(detached, o.prober, proxy, step, timeout)
		if o.recorder != nil {
			o.recorder.ObserveProbe("scenario", step.Type, out.Success, out.ResponseTime)
		}
		if out.Success {
			break
		}
	}
	return probe.ToResult(proxy.ID, scenario.ID, step, out)
}

// RunScenario 对单个代理执行一个场景。
// 并行模式下所有步骤同时发出（受并发上限约束），结果按完成顺序记录；
// 顺序模式下按步骤顺序执行，步骤失败不会中止，取消会停止后续步骤。
// 如果取消导致 run 提前结束，返回 ctx.Err()，已记录的结果仍然保留在返回值里。
func (o *Orchestrator) RunScenario(ctx context.Context, proxy model.ProxyEntry, scenario model.TestScenario) (model.BenchmarkResult, error) {
	l := logger.WithComponent("Orchestrator")
	startedAt := time.Now()

	var (
		mu        sync.Mutex
		results   = make([]model.TestResult, 0, len(scenario.Steps))
		cancelled bool
	)
	record := func(r model.TestResult) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	}

	if scenario.Mode == model.ModeSequential {
		for _, step := range scenario.Steps {
			if ctx.Err() != nil {
				cancelled = true
				break
			}
			if !o.acquire(ctx) {
				cancelled = true
				break
			}
			record(o.runStep(ctx, proxy, scenario, step))
			o.release()
		}
	} else {
		var wg sync.WaitGroup
		for _, step := range scenario.Steps {
			if !o.acquire(ctx) {
				cancelled = true
				break
			}
			wg.Add(1)
			go func(st model.TestStep) {
				defer wg.Done()
				defer o.release()
				record(o.runStep(ctx, proxy, scenario, st))
			}(step)
		}
		wg.Wait()
	}

	b := Aggregate(proxy.ID, scenario, model.KindScenario, results, startedAt, time.Now(), o.latencyCeiling)
	if cancelled {
		l.Debug().Uint64("proxy_id", proxy.ID).Str("scenario_id", scenario.ID).Int("recorded", len(results)).Msg("Scenario run cancelled.")
		return b, ctx.Err()
	}
	if o.recorder != nil {
		o.recorder.ObserveBenchmark(model.KindScenario, b.PerformanceScore)
	}
	l.Debug().
		Uint64("proxy_id", proxy.ID).
		Str("scenario_id", scenario.ID).
		Int("ok", b.SuccessfulRequests).
		Int("failed", b.FailedRequests).
		Float64("score", b.PerformanceScore).
		Msg("Scenario run finished.")
	return b, nil
}

func (o *Orchestrator) acquire(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case o.sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) release() { <-o.sem }

// RunBulk 依次对每个代理执行每个场景（代理为外层循环）。
// 每个 run 开始前检查 ctx；被取消打断的 run 会被丢弃，
// 所以在完成 N 个 run 后取消，返回的正好是 N 个结果。未知的 id 直接跳过。
func (o *Orchestrator) RunBulk(ctx context.Context, proxyIDs []uint64, scenarioIDs []string, onProgress ProgressFunc) []model.BenchmarkResult {
	l := logger.WithComponent("Orchestrator")

	proxies := make([]model.ProxyEntry, 0, len(proxyIDs))
	for _, id := range proxyIDs {
		if p, ok := o.registry.Get(id); ok {
			proxies = append(proxies, p)
		} else {
			l.Debug().Uint64("proxy_id", id).Msg("Skipping unknown proxy in bulk run.")
		}
	}
	scenarios := make([]model.TestScenario, 0, len(scenarioIDs))
	for _, id := range scenarioIDs {
		if s, ok := o.catalog.Get(id); ok {
			scenarios = append(scenarios, s)
		} else {
			l.Debug().Str("scenario_id", id).Msg("Skipping unknown scenario in bulk run.")
		}
	}

	total := len(proxies) * len(scenarios)
	results := make([]model.BenchmarkResult, 0, total)
	completed := 0

	for _, p := range proxies {
		if ctx.Err() != nil {
			break
		}
		o.registry.BeginTest(p.ID)

		var perProxy []model.BenchmarkResult
		for _, s := range scenarios {
			if ctx.Err() != nil {
				break
			}
			b, err := o.RunScenario(ctx, p, s)
			if err != nil {
				break
			}
			perProxy = append(perProxy, b)
			results = append(results, b)
			completed++
			if onProgress != nil {
				onProgress(completed, total)
			}
		}
		o.settle(ctx, p, perProxy)
	}

	l.Info().Int("runs", completed).Int("planned", total).Msg("Bulk run finished.")
	return results
}

// settle 根据一个代理的全部 run 回写注册表：任一步骤成功即 alive，
// ping 取成功步骤的平均响应时间。
func (o *Orchestrator) settle(ctx context.Context, p model.ProxyEntry, runs []model.BenchmarkResult) {
	if len(runs) == 0 {
		o.registry.AbortTest(p.ID, p.Status)
		return
	}

	var (
		okCount    int
		okSum      int64
		throughput float64
	)
	for _, b := range runs {
		for _, r := range b.Results {
			if r.Success {
				okCount++
				okSum += r.ResponseTime
			}
		}
		throughput += b.Throughput
	}

	outcome := proxypool.Outcome{Alive: okCount > 0, Speed: throughput / float64(len(runs))}
	if okCount > 0 {
		outcome.Ping = okSum / int64(okCount)
		if outcome.Ping == 0 {
			outcome.Ping = 1
		}
	}
	o.registry.RecordOutcome(p.ID, outcome)

	if outcome.Alive && o.geo != nil && p.Country == "" {
		country, err := o.geo.Country(context.WithoutCancel(ctx), p.Host)
		if err != nil {
			l := logger.WithComponent("Orchestrator")
			l.Debug().Uint64("proxy_id", p.ID).Err(err).Msg("Geo lookup failed.")
			return
		}
		o.registry.SetTags(p.ID, country, "")
	}
}
