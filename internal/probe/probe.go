// Package probe defines the single network capability the engine depends on:
// run one typed check through one proxy and report success plus timing.
package probe

import (
	"context"
	"errors"
	"time"

	"proxypulse/proxypool/model"
)

// Outcome is the result of a single probe. Failure is data, not an error
// return: Err describes why Success is false.
type Outcome struct {
	Success       bool
	ResponseTime  time.Duration
	StatusCode    int
	Err           error
	Timings       model.Timings
	BytesSent     int64
	BytesReceived int64
}

// TimedOut reports whether the probe failed because its deadline expired.
func (o Outcome) TimedOut() bool {
	return o.Err != nil && errors.Is(o.Err, context.DeadlineExceeded)
}

// Prober runs a step against a proxy. The deadline travels in ctx.
// Implementations must be safe for concurrent use.
type Prober interface {
	Probe(ctx context.Context, proxy model.ProxyEntry, step model.TestStep) Outcome
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, proxy model.ProxyEntry, step model.TestStep) Outcome

func (f ProberFunc) Probe(ctx context.Context, proxy model.ProxyEntry, step model.TestStep) Outcome {
	return f(ctx, proxy, step)
}

// Run calls p with a per-call timeout and converts a panicking or context
// expired probe into a failed Outcome.
func Run(ctx context.Context, p Prober, proxy model.ProxyEntry, step model.TestStep, timeout time.Duration) (out Outcome) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Err: errors.New("probe panicked"), ResponseTime: time.Since(start)}
		}
	}()

	out = p.Probe(ctx, proxy, step)
	if out.ResponseTime <= 0 {
		out.ResponseTime = time.Since(start)
	}
	if out.Success && ctx.Err() != nil {
		out.Success = false
		out.Err = ctx.Err()
	}
	if !out.Success && out.Err == nil {
		out.Err = errors.New("probe failed")
	}
	return out
}

// ToResult converts an outcome into the TestResult recorded for a step.
func ToResult(proxyID uint64, scenarioID string, step model.TestStep, o Outcome) model.TestResult {
	r := model.TestResult{
		ProxyID:       proxyID,
		ScenarioID:    scenarioID,
		StepID:        step.ID,
		Success:       o.Success,
		ResponseTime:  o.ResponseTime.Milliseconds(),
		StatusCode:    o.StatusCode,
		Timings:       o.Timings,
		BytesSent:     o.BytesSent,
		BytesReceived: o.BytesReceived,
		Timestamp:     time.Now(),
	}
	if o.Err != nil {
		r.Error = o.Err.Error()
	}
	return r
}
