package orchestrator

import (
	"time"

	"github.com/google/uuid"

	"proxypulse/proxypool/model"
)

// DefaultLatencyCeiling is the response time above which a successful
// result no longer counts towards reliability.
const DefaultLatencyCeiling = 3000 * time.Millisecond

// Aggregate folds results into a BenchmarkResult. It is shared by scenario
// runs and load tests.
func Aggregate(proxyID uint64, scenario model.TestScenario, kind model.BenchmarkKind,
	results []model.TestResult, startedAt, finishedAt time.Time, ceiling time.Duration) model.BenchmarkResult {

	if ceiling <= 0 {
		ceiling = DefaultLatencyCeiling
	}

	b := model.BenchmarkResult{
		ID:            uuid.NewString(),
		ProxyID:       proxyID,
		ScenarioID:    scenario.ID,
		ScenarioName:  scenario.Name,
		Kind:          kind,
		StartedAt:     startedAt,
		FinishedAt:    finishedAt,
		TotalRequests: len(results),
		Results:       results,
	}
	if len(results) == 0 {
		return b
	}

	var (
		sum      int64
		reliable int
	)
	b.MinResponseTime = results[0].ResponseTime
	for _, r := range results {
		if r.Success {
			b.SuccessfulRequests++
			if r.ResponseTime <= ceiling.Milliseconds() {
				reliable++
			}
		}
		sum += r.ResponseTime
		if r.ResponseTime < b.MinResponseTime {
			b.MinResponseTime = r.ResponseTime
		}
		if r.ResponseTime > b.MaxResponseTime {
			b.MaxResponseTime = r.ResponseTime
		}
	}
	b.FailedRequests = b.TotalRequests - b.SuccessfulRequests

	total := float64(b.TotalRequests)
	b.AverageResponseTime = float64(sum) / total
	b.Availability = float64(b.SuccessfulRequests) / total
	b.ErrorRate = float64(b.FailedRequests) / total
	b.Reliability = float64(reliable) / total

	if secs := finishedAt.Sub(startedAt).Seconds(); secs > 0 {
		b.Throughput = total / secs
	}
	b.PerformanceScore = model.PerformanceScore(b.Availability, b.AverageResponseTime, b.Reliability)
	return b
}
