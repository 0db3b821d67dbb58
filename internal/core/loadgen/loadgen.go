// Package loadgen drives sustained, rate-controlled load through one proxy.
package loadgen

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"proxypulse/internal/core/orchestrator"
	"proxypulse/internal/probe"
	"proxypulse/internal/shared/logger"
	"proxypulse/proxypool/model"
)

// Config describes one load test.
type Config struct {
	Duration    time.Duration `json:"duration"`
	Concurrency int           `json:"concurrency"`
	RampUp      time.Duration `json:"ramp_up"`
	TargetRPS   int           `json:"target_rps"`
}

// Validate 检查压测配置是否可用。
func (c Config) Validate() error {
	switch {
	case c.Duration <= 0:
		return errors.New("load test duration must be positive")
	case c.Concurrency <= 0:
		return errors.New("load test concurrency must be positive")
	case c.TargetRPS <= 0:
		return errors.New("load test target rps must be positive")
	}
	return nil
}

// Progress 是每个调度周期推送一次的实时状态。
type Progress struct {
	Elapsed       time.Duration `json:"elapsed"`
	TotalRequests int           `json:"total_requests"`
	CurrentRPS    float64       `json:"current_rps"`
	Active        int           `json:"active"`
	PeakActive    int           `json:"peak_active"`
	SuccessRate   float64       `json:"success_rate"`
}

// Generator 按目标速率对单个代理发起持续请求。
// 并发上限由加权信号量和原子计数器共同保证。
type Generator struct {
	prober         probe.Prober
	recorder       orchestrator.Recorder
	defaultTimeout time.Duration
	latencyCeiling time.Duration
}

// New 创建一个负载生成器。
func New(prober probe.Prober, defaultTimeout, latencyCeiling time.Duration) *Generator {
	if defaultTimeout <= 0 {
		defaultTimeout = orchestrator.DefaultStepTimeout
	}
	return &Generator{prober: prober, defaultTimeout: defaultTimeout, latencyCeiling: latencyCeiling}
}

// SetRecorder 设置指标接收者。
func (g *Generator) SetRecorder(r orchestrator.Recorder) { g.recorder = r }

// targetFor 返回某一时刻的目标并发数。RampUp 期间从 1 线性增长到 TargetRPS。
func targetFor(elapsed time.Duration, cfg Config) int {
	if cfg.RampUp <= 0 || elapsed >= cfg.RampUp {
		return cfg.TargetRPS
	}
	t := int(math.Ceil(float64(cfg.TargetRPS) * float64(elapsed) / float64(cfg.RampUp)))
	if t < 1 {
		t = 1
	}
	return t
}

// Run 执行一次负载测试。
// 调度周期为 1s/TargetRPS，每个周期补足 min(target-active, concurrency-active) 个请求，
// 每个请求随机选择场景中的一个步骤，不等待其完成。到达 Duration 后停止发起，
// 然后等待所有在途请求结束。取消会停止发起并取消在途请求，被取消的请求记为失败，
// Run 在所有请求都记录之后才返回，此时返回的 error 为 ctx.Err()。
func (g *Generator) Run(ctx context.Context, proxy model.ProxyEntry, scenario model.TestScenario, cfg Config, onProgress func(Progress)) (model.BenchmarkResult, error) {
	if err := cfg.Validate(); err != nil {
		return model.BenchmarkResult{}, err
	}
	if len(scenario.Steps) == 0 {
		return model.BenchmarkResult{}, errors.New("scenario has no steps")
	}

	l := logger.WithComponent("LoadGen")
	l.Info().
		Uint64("proxy_id", proxy.ID).
		Str("scenario_id", scenario.ID).
		Dur("duration", cfg.Duration).
		Int("concurrency", cfg.Concurrency).
		Int("target_rps", cfg.TargetRPS).
		Msg("Load test started.")

	probeCtx, cancelProbes := context.WithCancel(ctx)
	defer cancelProbes()

	var (
		sem      = semaphore.NewWeighted(int64(cfg.Concurrency))
		inflight sync.WaitGroup
		active   atomic.Int64
		peak     atomic.Int64

		mu        sync.Mutex
		results   []model.TestResult
		succeeded int
	)

	dispatch := func(step model.TestStep) {
		defer inflight.Done()
		defer sem.Release(1)
		defer active.Add(-1)

		timeout := step.Timeout
		if timeout <= 0 {
			timeout = scenario.Timeout
		}
		if timeout <= 0 {
			timeout = g.defaultTimeout
		}
		out := probe.Run(probeCtx, g.prober, proxy, step, timeout)
		if g.recorder != nil {
			g.recorder.ObserveProbe("load", step.Type, out.Success, out.ResponseTime)
		}

		mu.Lock()
		defer mu.Unlock()
		results = append(results, probe.ToResult(proxy.ID, scenario.ID, step, out))
		if out.Success {
			succeeded++
		}
	}

	snapshot := func(elapsed time.Duration) Progress {
		mu.Lock()
		total, ok := len(results), succeeded
		mu.Unlock()
		p := Progress{
			Elapsed:       elapsed,
			TotalRequests: total,
			Active:        int(active.Load()),
			PeakActive:    int(peak.Load()),
		}
		if secs := elapsed.Seconds(); secs > 0 {
			p.CurrentRPS = float64(total) / secs
		}
		if total > 0 {
			p.SuccessRate = float64(ok) / float64(total)
		}
		return p
	}

	startedAt := time.Now()
	deadline := startedAt.Add(cfg.Duration)
	period := time.Second / time.Duration(cfg.TargetRPS)
	if period <= 0 {
		period = time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	cancelled := false
issue:
	for {
		select {
		case <-ctx.Done():
			cancelled = true
			break issue
		case now := <-ticker.C:
			if !now.Before(deadline) {
				break issue
			}
			elapsed := now.Sub(startedAt)
			cur := int(active.Load())
			needed := min(targetFor(elapsed, cfg)-cur, cfg.Concurrency-cur)
			for i := 0; i < needed; i++ {
				if !sem.TryAcquire(1) {
					break
				}
				n := active.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				inflight.Add(1)
				go dispatch(scenario.Steps[rand.IntN(len(scenario.Steps))])
			}
			if onProgress != nil {
				onProgress(snapshot(elapsed))
			}
		}
	}

	if !cancelled {
		drained := make(chan struct{})
		go func() {
			inflight.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			cancelled = true
		}
	}
	// 取消在途请求，并等待它们以失败结果落账
	cancelProbes()
	inflight.Wait()

	mu.Lock()
	final := make([]model.TestResult, len(results))
	copy(final, results)
	mu.Unlock()

	finishedAt := time.Now()
	b := orchestrator.Aggregate(proxy.ID, scenario, model.KindLoad, final, startedAt, finishedAt, g.latencyCeiling)
	if onProgress != nil {
		onProgress(snapshot(finishedAt.Sub(startedAt)))
	}

	ev := l.Info()
	if cancelled {
		ev = l.Warn()
	}
	ev.Uint64("proxy_id", proxy.ID).
		Int("requests", b.TotalRequests).
		Int64("peak_active", peak.Load()).
		Float64("throughput", b.Throughput).
		Bool("cancelled", cancelled).
		Msg("Load test finished.")

	if cancelled {
		return b, ctx.Err()
	}
	if g.recorder != nil {
		g.recorder.ObserveBenchmark(model.KindLoad, b.PerformanceScore)
	}
	return b, nil
}
