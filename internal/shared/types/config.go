package types

// CommonConf holds process-wide settings.
type CommonConf struct {
	DataDir string `ini:"data_dir"`
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level  string `ini:"level"`
	Format string `ini:"format"` // "console" (default) or "json"
}

// WebConf configures the control API. Port 0 disables it.
type WebConf struct {
	Port     int    `ini:"port"`
	User     string `ini:"user"`
	Password string `ini:"password"`
}

// PoolConf configures the pool storage and orchestration limits.
type PoolConf struct {
	StorageFile      string `ini:"storage_file"`
	ScenarioFile     string `ini:"scenario_file"`
	MaxConcurrency   int    `ini:"max_concurrency"`
	LatencyCeilingMs int    `ini:"latency_ceiling_ms"`
	HistorySize      int    `ini:"history_size"`
}

// ProbeConf configures the network prober.
type ProbeConf struct {
	TimeoutMs    int    `ini:"timeout_ms"`
	DefaultURL   string `ini:"default_url"`
	DNSHost      string `ini:"dns_host"`
	PingAddr     string `ini:"ping_addr"`
	UserAgent    string `ini:"user_agent"`
	MaxBodyBytes int64  `ini:"max_body_bytes"`
}

// RotationConf holds the boot-time rotation defaults. Runtime changes go
// through settings.json.
type RotationConf struct {
	Strategy            string `ini:"strategy"`
	IntervalSeconds     int    `ini:"interval_seconds"`
	HealthCheckSeconds  int    `ini:"health_check_seconds"`
	MaxFailures         int    `ini:"max_failures"`
	MaxConcurrent       int    `ini:"max_concurrent"`
	EnableAutoFailover  bool   `ini:"enable_auto_failover"`
	EnableLoadBalancing bool   `ini:"enable_load_balancing"`
	AutoStart           bool   `ini:"auto_start"`
}

// MonitoringConf holds the boot-time health monitor defaults.
type MonitoringConf struct {
	Enabled              bool    `ini:"enabled"`
	IntervalSeconds      int     `ini:"interval_seconds"`
	TimeoutMs            int     `ini:"timeout_ms"`
	HealthThreshold      float64 `ini:"health_threshold"`
	WarningThreshold     float64 `ini:"warning_threshold"`
	CriticalThreshold    float64 `ini:"critical_threshold"`
	InclusiveBounds      bool    `ini:"inclusive_bounds"`
	OfflineAfterFailures int     `ini:"offline_after_failures"`
	ResponseCeilingMs    int     `ini:"response_ceiling_ms"`
	MaxAlerts            int     `ini:"max_alerts"`
	MaxConcurrent        int     `ini:"max_concurrent"`
}

// GeoConf points at an optional MaxMind country database.
type GeoConf struct {
	DatabasePath string `ini:"database_path"`
}

// SourcesConf lists web pages that endpoint lists are imported from.
type SourcesConf struct {
	TableURLs      []string `ini:"table_urls" delim:","`
	TableSelector  string   `ini:"table_selector"`
	CrawlURLs      []string `ini:"crawl_urls" delim:","`
	DefaultType    string   `ini:"default_type"`
	TimeoutSeconds int      `ini:"timeout_seconds"`
}

// Config is the unified static configuration loaded from pulse.ini.
type Config struct {
	CommonConf     `ini:"common"`
	LogConf        `ini:"log"`
	WebConf        `ini:"web"`
	PoolConf       `ini:"pool"`
	ProbeConf      `ini:"probe"`
	RotationConf   `ini:"rotation"`
	MonitoringConf `ini:"monitoring"`
	GeoConf        `ini:"geo"`
	SourcesConf    `ini:"sources"`
}
