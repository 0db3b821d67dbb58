package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"proxypulse/internal/core/loadgen"
	"proxypulse/internal/core/orchestrator"
	"proxypulse/internal/shared/logger"
	"proxypulse/proxypool/model"
)

// JobKind 区分批量测试和压力测试。
type JobKind string

const (
	JobBulk JobKind = "bulk"
	JobLoad JobKind = "load"
)

// TestRun 是一个测试任务的状态快照。
type TestRun struct {
	ID          string    `json:"id"`
	Kind        JobKind   `json:"kind"`
	ProxyIDs    []uint64  `json:"proxy_ids"`
	ScenarioIDs []string  `json:"scenario_ids"`
	Running     bool      `json:"running"`
	Cancelled   bool      `json:"cancelled"`
	Completed   int       `json:"completed"`
	Total       int       `json:"total"`
	Results     int       `json:"results"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

// TestProgress 是 test_progress 事件的内容。
type TestProgress struct {
	RunID     string `json:"run_id"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
}

// LoadProgress 是 load_progress 事件的内容。
type LoadProgress struct {
	RunID string `json:"run_id"`
	loadgen.Progress
}

type testJob struct {
	run    TestRun
	cancel context.CancelFunc
	done   chan struct{}
}

// begin 占用唯一的任务槽位。同一时间只允许一个批量测试或压力测试。
func (e *Engine) begin(kind JobKind, proxyIDs []uint64, scenarioIDs []string, total int) (*testJob, context.Context, error) {
	e.jobMu.Lock()
	defer e.jobMu.Unlock()
	if e.job != nil && e.job.run.Running {
		return nil, nil, ErrBusy
	}
	ctx, cancel := context.WithCancel(e.ctx)
	job := &testJob{
		run: TestRun{
			ID:          uuid.NewString(),
			Kind:        kind,
			ProxyIDs:    proxyIDs,
			ScenarioIDs: scenarioIDs,
			Running:     true,
			Total:       total,
			StartedAt:   time.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	e.job = job
	return job, ctx, nil
}

func (e *Engine) finish(job *testJob, results []model.BenchmarkResult, cancelled bool) {
	e.appendHistory(results)

	e.jobMu.Lock()
	job.run.Running = false
	job.run.Cancelled = cancelled
	job.run.Results = len(results)
	job.run.FinishedAt = time.Now()
	run := job.run
	e.jobMu.Unlock()
	job.cancel()
	close(job.done)

	l := logger.WithComponent("Engine")
	l.Info().Str("run_id", run.ID).Str("kind", string(run.Kind)).Int("results", run.Results).Bool("cancelled", cancelled).Msg("Test run finished.")

	e.saveAsync()
	e.publishStatus()
}

func (e *Engine) progress(job *testJob, completed, total int) {
	e.jobMu.Lock()
	job.run.Completed = completed
	job.run.Total = total
	e.jobMu.Unlock()
	e.publisher.Publish(EventTestProgress, TestProgress{RunID: job.run.ID, Completed: completed, Total: total})
}

func (e *Engine) resolveScenarios(scenarioIDs []string) ([]string, error) {
	if len(scenarioIDs) == 0 {
		return []string{orchestrator.ScenarioConnectivity}, nil
	}
	for _, id := range scenarioIDs {
		if _, ok := e.catalog.Get(id); !ok {
			return nil, fmt.Errorf("%w: %s", orchestrator.ErrUnknownScenario, id)
		}
	}
	return scenarioIDs, nil
}

// StartTest 异步地对一组代理执行场景测试。proxyIDs 为空表示全部代理，
// scenarioIDs 为空表示 connectivity 场景。已有任务在运行时返回 ErrBusy。
func (e *Engine) StartTest(proxyIDs []uint64, scenarioIDs []string) (TestRun, error) {
	scenarioIDs, err := e.resolveScenarios(scenarioIDs)
	if err != nil {
		return TestRun{}, err
	}
	if len(proxyIDs) == 0 {
		proxyIDs = e.registry.IDs()
	}
	known := 0
	for _, id := range proxyIDs {
		if _, ok := e.registry.Get(id); ok {
			known++
		}
	}
	if known == 0 {
		return TestRun{}, fmt.Errorf("no proxies to test: %w", ErrNotFound)
	}

	job, ctx, err := e.begin(JobBulk, proxyIDs, scenarioIDs, known*len(scenarioIDs))
	if err != nil {
		return TestRun{}, err
	}
	run := job.run

	go func() {
		results := e.orchestrator.RunBulk(ctx, proxyIDs, scenarioIDs, func(completed, total int) {
			e.progress(job, completed, total)
		})
		e.finish(job, results, ctx.Err() != nil)
	}()

	e.publishStatus()
	return run, nil
}

// StartLoadTest 异步地对单个代理执行压力测试。
func (e *Engine) StartLoadTest(proxyID uint64, scenarioID string, cfg loadgen.Config) (TestRun, error) {
	proxy, ok := e.registry.Get(proxyID)
	if !ok {
		return TestRun{}, fmt.Errorf("proxy %d: %w", proxyID, ErrNotFound)
	}
	ids, err := e.resolveScenarios([]string{scenarioID})
	if scenarioID == "" {
		ids, err = []string{orchestrator.ScenarioPerformance}, nil
	}
	if err != nil {
		return TestRun{}, err
	}
	scenario, _ := e.catalog.Get(ids[0])

	// 提前校验配置，避免占用任务槽位
	if err := cfg.Validate(); err != nil {
		return TestRun{}, err
	}

	job, ctx, err := e.begin(JobLoad, []uint64{proxyID}, ids, 1)
	if err != nil {
		return TestRun{}, err
	}
	run := job.run

	go func() {
		result, err := e.loadgen.Run(ctx, proxy, scenario, cfg, func(p loadgen.Progress) {
			e.publisher.Publish(EventLoadProgress, LoadProgress{RunID: job.run.ID, Progress: p})
		})
		// 被取消的压测同样留下记录，只有没能开始的压测没有结果
		var results []model.BenchmarkResult
		if result.ID != "" {
			results = append(results, result)
		}
		e.progress(job, 1, 1)
		e.finish(job, results, err != nil)
	}()

	e.publishStatus()
	return run, nil
}

// CancelTest 取消正在运行的任务，返回是否有任务被取消。
func (e *Engine) CancelTest() bool {
	e.jobMu.Lock()
	job := e.job
	e.jobMu.Unlock()
	if job == nil {
		return false
	}

	select {
	case <-job.done:
		return false
	default:
	}
	job.cancel()
	<-job.done
	return true
}

// TestStatus 返回最近一个任务的状态。
func (e *Engine) TestStatus() (TestRun, bool) {
	e.jobMu.Lock()
	defer e.jobMu.Unlock()
	if e.job == nil {
		return TestRun{}, false
	}
	return e.job.run, true
}

// WaitTest 等待当前任务结束或 ctx 取消。
func (e *Engine) WaitTest(ctx context.Context) error {
	e.jobMu.Lock()
	job := e.job
	e.jobMu.Unlock()
	if job == nil {
		return nil
	}
	select {
	case <-job.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) appendHistory(results []model.BenchmarkResult) {
	if len(results) == 0 {
		return
	}
	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	e.history = append(e.history, results...)
	if over := len(e.history) - e.historySize; over > 0 {
		e.history = append(e.history[:0], e.history[over:]...)
	}
}

// Benchmarks 返回基准测试历史，按完成顺序排列。proxyID 非 0 时只返回该代理的记录。
func (e *Engine) Benchmarks(proxyID uint64, limit int) []model.BenchmarkResult {
	e.historyMu.Lock()
	defer e.historyMu.Unlock()

	out := make([]model.BenchmarkResult, 0, len(e.history))
	for _, r := range e.history {
		if proxyID == 0 || r.ProxyID == proxyID {
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
