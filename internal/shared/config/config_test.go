package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxypulse/internal/shared/types"
)

const sampleIni = `
[log]
level = debug

[web]
port = 8090
user = admin

[rotation]
strategy = best-performance
max_failures = 5
enable_auto_failover = true

[monitoring]
warning_threshold = 55
inclusive_bounds = true

[sources]
table_urls = https://a.example/list, https://b.example/list
`

func TestLoadIni_MapsSectionsAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pulse.ini")
	require.NoError(t, os.WriteFile(path, []byte(sampleIni), 0644))

	cfg := new(types.Config)
	require.NoError(t, LoadIni(cfg, path))

	assert.Equal(t, "debug", cfg.LogConf.Level)
	assert.Equal(t, 8090, cfg.WebConf.Port)
	assert.Equal(t, "best-performance", cfg.RotationConf.Strategy)
	assert.Equal(t, 5, cfg.RotationConf.MaxFailures)
	assert.True(t, cfg.RotationConf.EnableAutoFailover)
	assert.Equal(t, 55.0, cfg.MonitoringConf.WarningThreshold)
	assert.True(t, cfg.MonitoringConf.InclusiveBounds)
	assert.Len(t, cfg.SourcesConf.TableURLs, 2)

	// defaults
	assert.Equal(t, 300, cfg.RotationConf.IntervalSeconds)
	assert.Equal(t, 80.0, cfg.MonitoringConf.HealthThreshold)
	assert.Equal(t, filepath.Join(dir, "proxies.txt"), cfg.PoolConf.StorageFile)
}

func TestLoadIni_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pulse.ini")
	require.NoError(t, os.WriteFile(path, []byte(sampleIni), 0644))
	t.Setenv("PULSE_WEB_PASSWORD", "s3cret")
	t.Setenv("PULSE_WEB_PORT", "9191")

	cfg := new(types.Config)
	require.NoError(t, LoadIni(cfg, path))
	assert.Equal(t, "s3cret", cfg.WebConf.Password)
	assert.Equal(t, 9191, cfg.WebConf.Port)
}

func TestLoadIni_MissingFile(t *testing.T) {
	cfg := new(types.Config)
	assert.Error(t, LoadIni(cfg, filepath.Join(t.TempDir(), "nope.ini")))
}
