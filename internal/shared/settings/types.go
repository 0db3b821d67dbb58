package settings

import (
	"fmt"
	"strings"
)

// 模块名，对应 settings.json 中的顶层 key，也是 /api/settings/{module} 的路径参数。
const (
	ModuleRotation   = "rotation"
	ModuleMonitoring = "monitoring"
	ModuleLogging    = "logging"
)

// ConfigurableModule 是所有希望其配置能被在线管理的模块必须实现的接口。
// 它定义了一个标准的回调方法，当相关配置发生变更时，SettingsManager会调用此方法。
type ConfigurableModule interface {
	// OnSettingsUpdate 在配置变更时被 SettingsManager 调用。
	// moduleKey: 告知是哪个模块的配置发生了变化 (e.g., "rotation", "monitoring")。
	// newSettings: 是对应模块的、已经解析好的新配置结构体指针 (e.g., *RotationSettings)。
	OnSettingsUpdate(moduleKey string, newSettings interface{}) error
}

// validator 由需要在写入前校验的模块实现。
type validator interface {
	Validate() error
}

// RuntimeSettings 是 settings.json 文件的顶层结构。
// 使用指针类型确保了当JSON文件中缺少某个模块时，对应的字段为nil，而不是一个空的结构体。
type RuntimeSettings struct {
	Rotation   *RotationSettings   `json:"rotation"`
	Monitoring *MonitoringSettings `json:"monitoring"`
	Logging    *LoggingSettings    `json:"logging"`
}

// RotationSettings 对应 settings.json 中的 "rotation" 模块。
type RotationSettings struct {
	Strategy            string `json:"strategy"` // round-robin, least-used, best-performance, random, geographic
	IntervalSeconds     int    `json:"interval_seconds"`
	HealthCheckSeconds  int    `json:"health_check_seconds"`
	MaxFailures         int    `json:"max_failures"`
	MaxConcurrent       int    `json:"max_concurrent"`
	EnableAutoFailover  bool   `json:"enable_auto_failover"`
	EnableLoadBalancing bool   `json:"enable_load_balancing"`
}

func (r *RotationSettings) Validate() error {
	switch r.Strategy {
	case "round-robin", "least-used", "best-performance", "random", "geographic":
	default:
		return fmt.Errorf("unknown rotation strategy %q", r.Strategy)
	}
	if r.IntervalSeconds <= 0 || r.HealthCheckSeconds <= 0 {
		return fmt.Errorf("rotation intervals must be positive")
	}
	if r.MaxFailures <= 0 || r.MaxConcurrent <= 0 {
		return fmt.Errorf("max_failures and max_concurrent must be positive")
	}
	return nil
}

// MonitoringSettings 对应 settings.json 中的 "monitoring" 模块。
type MonitoringSettings struct {
	Enabled              bool    `json:"enabled"`
	IntervalSeconds      int     `json:"interval_seconds"`
	TimeoutMs            int     `json:"timeout_ms"`
	HealthThreshold      float64 `json:"health_threshold"`
	WarningThreshold     float64 `json:"warning_threshold"`
	CriticalThreshold    float64 `json:"critical_threshold"`
	InclusiveBounds      bool    `json:"inclusive_bounds"`
	OfflineAfterFailures int     `json:"offline_after_failures"`
	ResponseCeilingMs    int     `json:"response_ceiling_ms"`
	MaxAlerts            int     `json:"max_alerts"`
	MaxConcurrent        int     `json:"max_concurrent"`
}

func (m *MonitoringSettings) Validate() error {
	if m.IntervalSeconds <= 0 || m.TimeoutMs <= 0 {
		return fmt.Errorf("monitoring interval and timeout must be positive")
	}
	if !(m.HealthThreshold >= m.WarningThreshold && m.WarningThreshold >= m.CriticalThreshold) {
		return fmt.Errorf("thresholds must satisfy health >= warning >= critical")
	}
	if m.MaxConcurrent <= 0 || m.MaxAlerts <= 0 {
		return fmt.Errorf("max_concurrent and max_alerts must be positive")
	}
	return nil
}

// LoggingSettings 对应 settings.json 中的 "logging" 模块。
type LoggingSettings struct {
	Level string `json:"level"`
}

func (l *LoggingSettings) Validate() error {
	switch strings.ToLower(l.Level) {
	case "trace", "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("unknown log level %q", l.Level)
}

func ensureDefaultModules(s *RuntimeSettings, defaults *RuntimeSettings) {
	if s.Rotation == nil {
		r := *defaults.Rotation
		s.Rotation = &r
	}
	if s.Monitoring == nil {
		m := *defaults.Monitoring
		s.Monitoring = &m
	}
	if s.Logging == nil {
		lg := *defaults.Logging
		s.Logging = &lg
	}
}
