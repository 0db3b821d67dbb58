package health

import (
	"context"
	"sync"
	"time"

	"proxypulse/internal/probe"
	"proxypulse/internal/shared/logger"
	"proxypulse/proxypool/model"
)

// Score 计算 0-100 的健康分：0.7*successRate + 0.3*speed，
// speed = clamp((ceiling - avgRT)/ceiling*100, 0, 100)。
func Score(successRate, avgResponseTimeMs float64, ceiling time.Duration) float64 {
	c := float64(ceiling.Milliseconds())
	if c <= 0 {
		c = float64(DefaultResponseCeiling.Milliseconds())
	}
	speed := (c - avgResponseTimeMs) / c * 100
	speed = max(0, min(100, speed))
	return 0.7*successRate + 0.3*speed
}

// Classify 把健康分映射为分级。InclusiveBounds 为 true 时恰好等于阈值的分数
// 归入较好的一级，否则归入较差的一级。连续失败达到 OfflineAfterFailures 直接判为 offline。
func Classify(score float64, consecutiveFailures int, cfg Config) model.Classification {
	if cfg.OfflineAfterFailures > 0 && consecutiveFailures >= cfg.OfflineAfterFailures {
		return model.ClassOffline
	}
	reaches := func(threshold float64) bool {
		if cfg.InclusiveBounds {
			return score >= threshold
		}
		return score > threshold
	}
	switch {
	case reaches(cfg.HealthThreshold):
		return model.ClassHealthy
	case reaches(cfg.WarningThreshold):
		return model.ClassWarning
	case reaches(cfg.CriticalThreshold):
		return model.ClassCritical
	default:
		return model.ClassOffline
	}
}

// Checker 负责对一批代理进行并发探测，并发数受 maxConcurrent 限制。
type Checker struct {
	prober probe.Prober
	step   model.TestStep
}

// NewChecker 创建一个新的 Checker 实例。
func NewChecker(prober probe.Prober, step model.TestStep) *Checker {
	return &Checker{prober: prober, step: step}
}

// Check 并发探测传入的代理，每完成一个就调用一次 onResult。
// 探测与 ctx 的取消解绑，已经发出的探测会自然结束；ctx 取消后不再发出新的探测。
func (c *Checker) Check(ctx context.Context, entries []model.ProxyEntry, timeout time.Duration, maxConcurrent int,
	onResult func(entry model.ProxyEntry, out probe.Outcome)) {

	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	detached := context.WithoutCancel(ctx)
	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup

	for _, entry := range entries {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(p model.ProxyEntry) {
			defer wg.Done()
			defer func() { <-sem }()

			out := probe.Run(detached, c.prober, p, c.step, timeout)

			logFields := logger.Debug().Uint64("proxy_id", p.ID).Str("address", p.Address())
			if out.Success {
				logFields.Bool("success", true).Int64("latency_ms", out.ResponseTime.Milliseconds()).Msg("HealthCheck: Check passed.")
			} else {
				logFields.Bool("success", false).Err(out.Err).Msg("HealthCheck: Check failed.")
			}
			onResult(p, out)
		}(entry)
	}
	wg.Wait()
}
