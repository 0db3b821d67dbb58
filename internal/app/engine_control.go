package app

import (
	"context"
	"fmt"

	"proxypulse/internal/core/health"
	"proxypulse/internal/core/rotation"
	"proxypulse/proxypool/model"
)

// --- 场景 ---

func (e *Engine) Scenarios() []model.TestScenario {
	return e.catalog.List()
}

func (e *Engine) Scenario(id string) (model.TestScenario, bool) {
	return e.catalog.Get(id)
}

// SaveScenario 新增场景；ID 已存在时更新它。
func (e *Engine) SaveScenario(s model.TestScenario) (model.TestScenario, error) {
	if s.ID != "" {
		if _, exists := e.catalog.Get(s.ID); exists {
			if err := e.catalog.Update(s); err != nil {
				return model.TestScenario{}, err
			}
			saved, _ := e.catalog.Get(s.ID)
			return saved, nil
		}
	}
	id, err := e.catalog.Add(s)
	if err != nil {
		return model.TestScenario{}, err
	}
	saved, _ := e.catalog.Get(id)
	return saved, nil
}

func (e *Engine) RemoveScenario(id string) error {
	if !e.catalog.Remove(id) {
		return fmt.Errorf("scenario %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- 健康监控 ---

func (e *Engine) HealthMetrics() []model.HealthMetrics {
	return e.monitor.Metrics()
}

func (e *Engine) Alerts() []model.HealthAlert {
	return e.monitor.Alerts()
}

func (e *Engine) AcknowledgeAlert(id string) error {
	if !e.monitor.Acknowledge(id) {
		return fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	return nil
}

func (e *Engine) ClearAlerts() int {
	return e.monitor.ClearAlerts()
}

func (e *Engine) StartMonitoring() error {
	return e.monitor.Start(e.ctx)
}

func (e *Engine) StopMonitoring() {
	e.monitor.Stop()
}

// CheckHealthNow 立即执行一轮健康检查。
func (e *Engine) CheckHealthNow(ctx context.Context) int {
	return e.monitor.CheckNow(ctx)
}

// MonitoringStatus 是 GET /api/health 的内容。
type MonitoringStatus struct {
	Running bool                  `json:"running"`
	Config  health.Config         `json:"config"`
	Metrics []model.HealthMetrics `json:"metrics"`
}

func (e *Engine) MonitoringStatus() MonitoringStatus {
	return MonitoringStatus{
		Running: e.monitor.Running(),
		Config:  e.monitor.Config(),
		Metrics: e.monitor.Metrics(),
	}
}

// --- 轮换 ---

func (e *Engine) StartRotation() error {
	return e.rotation.Start(e.ctx)
}

func (e *Engine) StopRotation() {
	e.rotation.Stop()
}

// Rotate 手动轮换一次，没有可用代理时返回 false。
func (e *Engine) Rotate() (rotation.Event, bool) {
	return e.rotation.Rotate(rotation.ReasonManual)
}

// NextProxy 返回消费者此刻应使用的代理。
func (e *Engine) NextProxy() (model.ProxyEntry, bool) {
	return e.rotation.Pick()
}

// RotationStatus 是 GET /api/rotation 的内容。
type RotationStatus struct {
	Running bool              `json:"running"`
	Current *model.ProxyEntry `json:"current"`
	Config  rotation.Config   `json:"config"`
	History []rotation.Event  `json:"history"`
	Stats   []rotation.Stats  `json:"stats"`
}

func (e *Engine) RotationStatus() RotationStatus {
	s := RotationStatus{
		Running: e.rotation.Running(),
		Config:  e.rotation.Config(),
		History: e.rotation.History(),
		Stats:   e.rotation.Stats(),
	}
	if cur, ok := e.rotation.Current(); ok {
		s.Current = &cur
	}
	return s
}
