package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/ini.v1"

	"proxypulse/internal/shared/types"
)

// LoadIni loads pulse.ini into cfg, then applies environment overrides and
// fills in defaults for anything left unset.
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", fileName, err)
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return fmt.Errorf("failed to map %s: %w", fileName, err)
	}
	overrideFromEnv(&cfg.LogConf.Level, "PULSE_LOG_LEVEL")
	overrideFromEnv(&cfg.WebConf.User, "PULSE_WEB_USER")
	overrideFromEnv(&cfg.WebConf.Password, "PULSE_WEB_PASSWORD")
	overrideFromEnvInt(&cfg.WebConf.Port, "PULSE_WEB_PORT")
	ApplyDefaults(cfg, filepath.Dir(fileName))
	return nil
}

// ApplyDefaults fills zero values. baseDir anchors relative file paths.
func ApplyDefaults(cfg *types.Config, baseDir string) {
	if cfg.CommonConf.DataDir == "" {
		cfg.CommonConf.DataDir = baseDir
	}
	if cfg.LogConf.Level == "" {
		cfg.LogConf.Level = "info"
	}
	if cfg.PoolConf.StorageFile == "" {
		cfg.PoolConf.StorageFile = "proxies.txt"
	}
	if !filepath.IsAbs(cfg.PoolConf.StorageFile) {
		cfg.PoolConf.StorageFile = filepath.Join(cfg.CommonConf.DataDir, cfg.PoolConf.StorageFile)
	}
	if cfg.PoolConf.ScenarioFile != "" && !filepath.IsAbs(cfg.PoolConf.ScenarioFile) {
		cfg.PoolConf.ScenarioFile = filepath.Join(baseDir, cfg.PoolConf.ScenarioFile)
	}
	setIntDefault(&cfg.PoolConf.MaxConcurrency, 10)
	setIntDefault(&cfg.PoolConf.LatencyCeilingMs, 3000)
	setIntDefault(&cfg.PoolConf.HistorySize, 500)

	setIntDefault(&cfg.ProbeConf.TimeoutMs, 10000)
	if cfg.ProbeConf.DefaultURL == "" {
		cfg.ProbeConf.DefaultURL = "http://www.gstatic.com/generate_204"
	}
	if cfg.ProbeConf.DNSHost == "" {
		cfg.ProbeConf.DNSHost = "example.com"
	}
	if cfg.ProbeConf.PingAddr == "" {
		cfg.ProbeConf.PingAddr = "1.1.1.1:443"
	}
	if cfg.ProbeConf.UserAgent == "" {
		cfg.ProbeConf.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"
	}
	if cfg.ProbeConf.MaxBodyBytes <= 0 {
		cfg.ProbeConf.MaxBodyBytes = 1 << 20
	}

	if cfg.RotationConf.Strategy == "" {
		cfg.RotationConf.Strategy = "round-robin"
	}
	setIntDefault(&cfg.RotationConf.IntervalSeconds, 300)
	setIntDefault(&cfg.RotationConf.HealthCheckSeconds, 60)
	setIntDefault(&cfg.RotationConf.MaxFailures, 3)
	setIntDefault(&cfg.RotationConf.MaxConcurrent, 5)

	setIntDefault(&cfg.MonitoringConf.IntervalSeconds, 60)
	setIntDefault(&cfg.MonitoringConf.TimeoutMs, 10000)
	setFloatDefault(&cfg.MonitoringConf.HealthThreshold, 80)
	setFloatDefault(&cfg.MonitoringConf.WarningThreshold, 60)
	setFloatDefault(&cfg.MonitoringConf.CriticalThreshold, 30)
	setIntDefault(&cfg.MonitoringConf.OfflineAfterFailures, 3)
	setIntDefault(&cfg.MonitoringConf.ResponseCeilingMs, 5000)
	setIntDefault(&cfg.MonitoringConf.MaxAlerts, 200)
	setIntDefault(&cfg.MonitoringConf.MaxConcurrent, 10)

	if cfg.SourcesConf.DefaultType == "" {
		cfg.SourcesConf.DefaultType = "http"
	}
	if cfg.SourcesConf.TableSelector == "" {
		cfg.SourcesConf.TableSelector = "table tbody tr"
	}
	setIntDefault(&cfg.SourcesConf.TimeoutSeconds, 20)
}

func setIntDefault(target *int, value int) {
	if *target <= 0 {
		*target = value
	}
}

func setFloatDefault(target *float64, value float64) {
	if *target <= 0 {
		*target = value
	}
}

func overrideFromEnv(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}
