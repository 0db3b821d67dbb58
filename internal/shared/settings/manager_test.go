package settings

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingModule struct {
	keys []string
	last interface{}
	err  error
}

func (r *recordingModule) OnSettingsUpdate(moduleKey string, newSettings interface{}) error {
	r.keys = append(r.keys, moduleKey)
	r.last = newSettings
	return r.err
}

func defaults() *RuntimeSettings {
	return &RuntimeSettings{
		Rotation: &RotationSettings{Strategy: "round-robin", IntervalSeconds: 300, HealthCheckSeconds: 60, MaxFailures: 3, MaxConcurrent: 5, EnableAutoFailover: true},
		Monitoring: &MonitoringSettings{IntervalSeconds: 60, TimeoutMs: 10000, HealthThreshold: 80, WarningThreshold: 60,
			CriticalThreshold: 30, OfflineAfterFailures: 3, ResponseCeilingMs: 5000, MaxAlerts: 200, MaxConcurrent: 10},
		Logging: &LoggingSettings{Level: "info"},
	}
}

func TestSettingsManager_CreatesFileWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	sm, err := NewSettingsManager(path, defaults())
	require.NoError(t, err)
	assert.Equal(t, "round-robin", sm.Get().Rotation.Strategy)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk RuntimeSettings
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, 300, onDisk.Rotation.IntervalSeconds)
}

func TestSettingsManager_FillsMissingModules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0644))

	sm, err := NewSettingsManager(path, defaults())
	require.NoError(t, err)
	assert.Equal(t, "debug", sm.Get().Logging.Level)
	require.NotNil(t, sm.Get().Rotation)
	assert.Equal(t, 3, sm.Get().Rotation.MaxFailures)
}

func TestSettingsManager_UpdateNotifiesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	sm, err := NewSettingsManager(path, defaults())
	require.NoError(t, err)

	mod := &recordingModule{}
	sm.Register(ModuleRotation, mod)
	before := sm.Get()

	require.NoError(t, sm.Update(ModuleRotation, json.RawMessage(`{"strategy":"least-used","max_failures":5}`)))

	require.Equal(t, []string{ModuleRotation}, mod.keys)
	got, ok := mod.last.(*RotationSettings)
	require.True(t, ok)
	assert.Equal(t, "least-used", got.Strategy)
	assert.Equal(t, 5, got.MaxFailures)
	// untouched fields survive the partial update
	assert.Equal(t, 300, got.IntervalSeconds)
	// the earlier snapshot is not mutated
	assert.Equal(t, "round-robin", before.Rotation.Strategy)

	reloaded, err := NewSettingsManager(path, defaults())
	require.NoError(t, err)
	assert.Equal(t, "least-used", reloaded.Get().Rotation.Strategy)
}

func TestSettingsManager_UpdateRejectsInvalid(t *testing.T) {
	sm, err := NewSettingsManager("", defaults())
	require.NoError(t, err)

	assert.Error(t, sm.Update("firewall", json.RawMessage(`{}`)))
	assert.Error(t, sm.Update(ModuleRotation, json.RawMessage(`{"strategy":"fastest"}`)))
	assert.Error(t, sm.Update(ModuleMonitoring, json.RawMessage(`{"warning_threshold":95}`)))
	assert.Error(t, sm.Update(ModuleMonitoring, json.RawMessage(`not json`)))
	assert.Equal(t, "round-robin", sm.Get().Rotation.Strategy)
}

func TestSettingsManager_SubscriberErrorDoesNotFailUpdate(t *testing.T) {
	sm, err := NewSettingsManager("", defaults())
	require.NoError(t, err)
	sm.Register(ModuleLogging, &recordingModule{err: errors.New("nope")})

	assert.NoError(t, sm.Update(ModuleLogging, json.RawMessage(`{"level":"warn"}`)))
	assert.Equal(t, "warn", sm.Get().Logging.Level)
}
