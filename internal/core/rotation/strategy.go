package rotation

import (
	"errors"
	"math/rand/v2"
)

// Strategy 是轮换时选择下一个代理的方式。
type Strategy string

const (
	StrategyRoundRobin      Strategy = "round-robin"
	StrategyLeastUsed       Strategy = "least-used"
	StrategyBestPerformance Strategy = "best-performance"
	StrategyRandom          Strategy = "random"
	// StrategyGeographic has no location input yet and ranks like
	// StrategyBestPerformance.
	StrategyGeographic Strategy = "geographic"
)

var errNoCandidate = errors.New("no healthy proxy available")

// --- Selector Strategy Pattern ---

// Selector picks one of the candidates. Candidates are healthy entries in
// ascending id order; Selector must not modify them.
type Selector interface {
	Select(candidates []Stats) (uint64, error)
}

// LeastUsedSelector 选择使用次数最少的代理，相同时取第一个。
// 因为代理成为 current 时计数加一，所以它同时实现了 round-robin。
type LeastUsedSelector struct{}

func (s *LeastUsedSelector) Select(candidates []Stats) (uint64, error) {
	if len(candidates) == 0 {
		return 0, errNoCandidate
	}
	best := 0
	for i := 1; i < len(candidates); i++ {
		if candidates[i].UsageCount < candidates[best].UsageCount {
			best = i
		}
	}
	return candidates[best].ProxyID, nil
}

// BestPerformanceSelector 选择 successRate - averageResponseTime/100 最大的代理。
type BestPerformanceSelector struct{}

func performance(s Stats) float64 {
	return s.SuccessRate - s.AverageResponseTime/100
}

func (s *BestPerformanceSelector) Select(candidates []Stats) (uint64, error) {
	if len(candidates) == 0 {
		return 0, errNoCandidate
	}
	best := 0
	for i := 1; i < len(candidates); i++ {
		if performance(candidates[i]) > performance(candidates[best]) {
			best = i
		}
	}
	return candidates[best].ProxyID, nil
}

// RandomSelector 均匀随机选择。
type RandomSelector struct{}

func (s *RandomSelector) Select(candidates []Stats) (uint64, error) {
	if len(candidates) == 0 {
		return 0, errNoCandidate
	}
	return candidates[rand.IntN(len(candidates))].ProxyID, nil
}

func newSelector(strategy Strategy) Selector {
	switch strategy {
	case StrategyBestPerformance, StrategyGeographic:
		return &BestPerformanceSelector{}
	case StrategyRandom:
		return &RandomSelector{}
	case StrategyRoundRobin, StrategyLeastUsed:
		fallthrough
	default:
		return &LeastUsedSelector{}
	}
}
