package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"proxypulse/internal/shared/logger"
	"proxypulse/internal/shared/types"
)

// SettingsManager 是运行时配置的核心管理器。
// 它线程安全，并使用原子操作和发布/订阅模式来处理配置的读取和热重载。
type SettingsManager struct {
	filePath    string
	defaults    *RuntimeSettings
	settings    atomic.Value // 存储一个 *RuntimeSettings 指针，用于无锁读取
	subscribers map[string][]ConfigurableModule
	mu          sync.RWMutex // 用于保护 subscribers map 和文件写入操作
}

// FromConfig 用 ini 中的静态配置生成运行时配置的初始值。
func FromConfig(cfg *types.Config) *RuntimeSettings {
	return &RuntimeSettings{
		Rotation: &RotationSettings{
			Strategy:            cfg.RotationConf.Strategy,
			IntervalSeconds:     cfg.RotationConf.IntervalSeconds,
			HealthCheckSeconds:  cfg.RotationConf.HealthCheckSeconds,
			MaxFailures:         cfg.RotationConf.MaxFailures,
			MaxConcurrent:       cfg.RotationConf.MaxConcurrent,
			EnableAutoFailover:  cfg.RotationConf.EnableAutoFailover,
			EnableLoadBalancing: cfg.RotationConf.EnableLoadBalancing,
		},
		Monitoring: &MonitoringSettings{
			Enabled:              cfg.MonitoringConf.Enabled,
			IntervalSeconds:      cfg.MonitoringConf.IntervalSeconds,
			TimeoutMs:            cfg.MonitoringConf.TimeoutMs,
			HealthThreshold:      cfg.MonitoringConf.HealthThreshold,
			WarningThreshold:     cfg.MonitoringConf.WarningThreshold,
			CriticalThreshold:    cfg.MonitoringConf.CriticalThreshold,
			InclusiveBounds:      cfg.MonitoringConf.InclusiveBounds,
			OfflineAfterFailures: cfg.MonitoringConf.OfflineAfterFailures,
			ResponseCeilingMs:    cfg.MonitoringConf.ResponseCeilingMs,
			MaxAlerts:            cfg.MonitoringConf.MaxAlerts,
			MaxConcurrent:        cfg.MonitoringConf.MaxConcurrent,
		},
		Logging: &LoggingSettings{Level: cfg.LogConf.Level},
	}
}

// NewSettingsManager 创建并初始化一个新的配置管理器。
// 它会立即从指定的路径加载配置，如果文件不存在，则用 defaults 创建。
// filePath 为空时只在内存中保存配置。
func NewSettingsManager(filePath string, defaults *RuntimeSettings) (*SettingsManager, error) {
	sm := &SettingsManager{
		filePath:    filePath,
		defaults:    defaults,
		subscribers: make(map[string][]ConfigurableModule),
	}

	if filePath == "" {
		sm.settings.Store(deepCopy(defaults))
		return sm, nil
	}

	if err := sm.load(); err != nil {
		return nil, fmt.Errorf("failed to load initial settings: %w", err)
	}

	return sm, nil
}

// load 从磁盘加载 settings.json 文件。
func (sm *SettingsManager) load() error {
	l := logger.WithComponent("Settings")
	data, err := os.ReadFile(sm.filePath)
	settings := &RuntimeSettings{}

	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to read settings file: %w", err)
		}
		l.Warn().Str("path", sm.filePath).Msg("settings.json not found, creating with default values.")
		settings = deepCopy(sm.defaults)
		// 尝试写入一次，以确保文件存在
		if err := sm.persist(settings); err != nil {
			return fmt.Errorf("failed to write default settings file: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, settings); err != nil {
			return fmt.Errorf("failed to parse settings.json: %w", err)
		}
		// 确保即使JSON中缺少某些模块，指针也不是nil
		ensureDefaultModules(settings, sm.defaults)
	}

	sm.settings.Store(settings)
	return nil
}

// Register 将一个模块注册为特定配置主题的订阅者。
func (sm *SettingsManager) Register(moduleKey string, module ConfigurableModule) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.subscribers[moduleKey] = append(sm.subscribers[moduleKey], module)
}

// Get 返回当前运行时配置的一个快照。此操作是无锁的。
func (sm *SettingsManager) Get() *RuntimeSettings {
	return sm.settings.Load().(*RuntimeSettings)
}

// Update 接收一个模块的原始JSON数据，校验后原子性地更新内存中的配置、
// 持久化到磁盘，并通知所有相关订阅者。通知是同步完成的，返回时订阅者已生效。
func (sm *SettingsManager) Update(moduleKey string, newSettingsData json.RawMessage) error {
	sm.mu.Lock()

	// 1. 深拷贝当前的配置，以避免竞态条件
	newSettings := deepCopy(sm.Get())

	// 2. 将新的JSON数据反序列化到新配置的对应模块上
	targetModule := getModuleByKey(newSettings, moduleKey)
	if targetModule == nil {
		sm.mu.Unlock()
		return fmt.Errorf("unknown settings module: %s", moduleKey)
	}
	if err := json.Unmarshal(newSettingsData, targetModule); err != nil {
		sm.mu.Unlock()
		return fmt.Errorf("failed to parse JSON for module %s: %w", moduleKey, err)
	}
	if v, ok := targetModule.(validator); ok {
		if err := v.Validate(); err != nil {
			sm.mu.Unlock()
			return fmt.Errorf("invalid %s settings: %w", moduleKey, err)
		}
	}

	// 3. 持久化到文件
	if sm.filePath != "" {
		if err := sm.persist(newSettings); err != nil {
			sm.mu.Unlock()
			return fmt.Errorf("failed to save updated settings to disk: %w", err)
		}
	}

	// 4. 原子地替换内存中的配置指针
	sm.settings.Store(newSettings)
	sm.mu.Unlock()

	// 5. 通知订阅者
	sm.notify(moduleKey, targetModule)
	return nil
}

// persist 将完整的配置结构体写入到 settings.json 文件。
func (sm *SettingsManager) persist(settings *RuntimeSettings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(sm.filePath, data, 0644)
}

// notify 通知所有订阅了指定模块的模块。
func (sm *SettingsManager) notify(moduleKey string, newSettings interface{}) {
	sm.mu.RLock()
	subscribers, ok := sm.subscribers[moduleKey]
	sm.mu.RUnlock()

	if ok {
		l := logger.WithComponent("Settings")
		l.Debug().Str("module", moduleKey).Int("subscribers", len(subscribers)).Msg("Notifying subscribers of settings update.")
		for _, sub := range subscribers {
			if err := sub.OnSettingsUpdate(moduleKey, newSettings); err != nil {
				l.Error().Err(err).Str("module", moduleKey).Msg("Error notifying subscriber.")
			}
		}
	}
}

// --- 辅助函数 ---

func deepCopy(s *RuntimeSettings) *RuntimeSettings {
	newS := *s
	if s.Rotation != nil {
		r := *s.Rotation
		newS.Rotation = &r
	}
	if s.Monitoring != nil {
		m := *s.Monitoring
		newS.Monitoring = &m
	}
	if s.Logging != nil {
		lg := *s.Logging
		newS.Logging = &lg
	}
	return &newS
}

func getModuleByKey(s *RuntimeSettings, key string) interface{} {
	switch key {
	case ModuleRotation:
		return s.Rotation
	case ModuleMonitoring:
		return s.Monitoring
	case ModuleLogging:
		return s.Logging
	default:
		return nil
	}
}
