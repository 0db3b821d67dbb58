package model

import "time"

// Timings is the per-phase breakdown of a probe, in milliseconds.
type Timings struct {
	DNS      int64 `json:"dns"`
	Connect  int64 `json:"connect"`
	Download int64 `json:"download"`
	Upload   int64 `json:"upload"`
}

// TestResult is the outcome of one step against one proxy. Failures are
// recorded here rather than returned as errors.
type TestResult struct {
	ProxyID       uint64    `json:"proxy_id"`
	ScenarioID    string    `json:"scenario_id"`
	StepID        string    `json:"step_id"`
	Success       bool      `json:"success"`
	ResponseTime  int64     `json:"response_time"` // ms
	StatusCode    int       `json:"status_code,omitempty"`
	Error         string    `json:"error,omitempty"`
	Timings       Timings   `json:"timings"`
	BytesSent     int64     `json:"bytes_sent"`
	BytesReceived int64     `json:"bytes_received"`
	Timestamp     time.Time `json:"timestamp"`
}

// BenchmarkKind tells scenario runs and load tests apart in the history.
type BenchmarkKind string

const (
	KindScenario BenchmarkKind = "scenario"
	KindLoad     BenchmarkKind = "load"
)

// BenchmarkResult aggregates the TestResults of one run against one proxy.
// SuccessfulRequests + FailedRequests == TotalRequests always holds.
type BenchmarkResult struct {
	ID                  string        `json:"id"`
	ProxyID             uint64        `json:"proxy_id"`
	ScenarioID          string        `json:"scenario_id"`
	ScenarioName        string        `json:"scenario_name"`
	Kind                BenchmarkKind `json:"kind"`
	StartedAt           time.Time     `json:"started_at"`
	FinishedAt          time.Time     `json:"finished_at"`
	TotalRequests       int           `json:"total_requests"`
	SuccessfulRequests  int           `json:"successful_requests"`
	FailedRequests      int           `json:"failed_requests"`
	MinResponseTime     int64         `json:"min_response_time"`
	AverageResponseTime float64       `json:"average_response_time"`
	MaxResponseTime     int64         `json:"max_response_time"`
	Throughput          float64       `json:"throughput"` // req/s
	ErrorRate           float64       `json:"error_rate"`
	Availability        float64       `json:"availability"`
	Reliability         float64       `json:"reliability"`
	PerformanceScore    float64       `json:"performance_score"`
	Results             []TestResult  `json:"results,omitempty"`
}

// PerformanceScore is the fixed 0-100 scoring formula shared by scenario and
// load benchmarks:
//
//	availability*40 + max(0, (5000 - avgResponseTimeMs)/5000)*30 + reliability*30
func PerformanceScore(availability, avgResponseTimeMs, reliability float64) float64 {
	speed := (5000 - avgResponseTimeMs) / 5000
	if speed < 0 {
		speed = 0
	}
	return availability*40 + speed*30 + reliability*30
}
