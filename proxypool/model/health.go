package model

import "time"

// Classification 是健康监控对代理的分级结果，从好到坏排列。
type Classification string

const (
	ClassHealthy  Classification = "healthy"
	ClassWarning  Classification = "warning"
	ClassCritical Classification = "critical"
	ClassOffline  Classification = "offline"
)

// Rank 越大表示状态越差，用于判断是否发生了恶化。
func (c Classification) Rank() int {
	switch c {
	case ClassHealthy:
		return 0
	case ClassWarning:
		return 1
	case ClassCritical:
		return 2
	default:
		return 3
	}
}

// HealthMetrics 是单个代理的健康快照，首次探测时创建，之后原地覆盖。
type HealthMetrics struct {
	ProxyID             uint64         `json:"proxy_id"`
	HealthScore         float64        `json:"health_score"`
	Classification      Classification `json:"classification"`
	LastResponseTime    int64          `json:"last_response_time"`    // ms
	AverageResponseTime float64        `json:"average_response_time"` // ms
	SuccessRate         float64        `json:"success_rate"`          // 0-100
	ConsecutiveFailures int            `json:"consecutive_failures"`
	LastError           string         `json:"last_error,omitempty"`
	LastCheck           time.Time      `json:"last_check"`
	TotalChecks         int64          `json:"total_checks"`
	FailedChecks        int64          `json:"failed_checks"`
}

type AlertType string

const (
	AlertWarning  AlertType = "warning"
	AlertCritical AlertType = "critical"
	AlertRecovery AlertType = "recovery"
	AlertFailover AlertType = "failover"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// HealthAlert 记录一次状态恶化、恢复或故障切换。除 Acknowledged 外不可修改。
type HealthAlert struct {
	ID           string            `json:"id"`
	ProxyID      uint64            `json:"proxy_id"`
	Type         AlertType         `json:"type"`
	Severity     Severity          `json:"severity"`
	Message      string            `json:"message"`
	Details      map[string]string `json:"details,omitempty"`
	Acknowledged bool              `json:"acknowledged"`
	Timestamp    time.Time         `json:"timestamp"`
}
