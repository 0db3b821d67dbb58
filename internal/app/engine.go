package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"proxypulse/internal/core/health"
	"proxypulse/internal/core/loadgen"
	"proxypulse/internal/core/orchestrator"
	"proxypulse/internal/core/rotation"
	"proxypulse/internal/metrics"
	"proxypulse/internal/probe"
	"proxypulse/internal/shared/logger"
	"proxypulse/internal/shared/settings"
	"proxypulse/internal/shared/types"
	"proxypulse/proxypool"
	"proxypulse/proxypool/model"
	"proxypulse/proxypool/scraper"
	"proxypulse/proxypool/storage"
)

var (
	// ErrNotFound 表示请求的代理、告警或场景不存在。
	ErrNotFound = errors.New("not found")
	// ErrBusy 表示已有测试任务在运行。
	ErrBusy = errors.New("a test is already running")
	// ErrDuplicate 表示同地址同类型的代理已在池中。
	ErrDuplicate = errors.New("proxy already in pool")
)

const statsInterval = 10 * time.Second

// 推送给 Publisher 的事件类型
const (
	EventTestProgress = "test_progress"
	EventLoadProgress = "load_progress"
	EventAlert        = "alert"
	EventRotation     = "rotation"
	EventStatusUpdate = "status_update"
)

// Publisher 接收引擎产生的事件，通常是 websocket Hub。
type Publisher interface {
	Publish(eventType string, data interface{})
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, interface{}) {}

// Engine 拥有一个 Registry，并把编排器、压测、轮换、健康监控、存储、
// 抓取源、指标和运行时配置连接在一起。它是 Control API 唯一依赖的对象。
type Engine struct {
	cfg *types.Config

	registry     *proxypool.Registry
	storage      storage.Storage
	catalog      *orchestrator.Catalog
	orchestrator *orchestrator.Orchestrator
	loadgen      *loadgen.Generator
	rotation     *rotation.Controller
	monitor      *health.Monitor
	settings     *settings.SettingsManager
	metrics      *metrics.Metrics
	sources      []scraper.Scraper
	geo          *probe.MaxMindResolver

	publisher Publisher

	// saveLock 串行化对存储文件的写入
	saveLock sync.Mutex
	// asyncMu 保护 stopping，Stop 之后不再发起异步保存
	asyncMu  sync.Mutex
	stopping bool

	jobMu sync.Mutex
	job   *testJob

	historyMu   sync.Mutex
	history     []model.BenchmarkResult
	historySize int

	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	stopOnce  sync.Once
}

// New 用静态配置创建引擎，并使用真实的网络探测器。
func New(cfg *types.Config) (*Engine, error) {
	return NewWithProber(cfg, probe.NewNetProber(cfg.ProbeConf))
}

// NewWithProber 与 New 相同，但使用给定的探测器。
// cfg.PoolConf.StorageFile 为空时不做持久化，cfg.CommonConf.DataDir 为空时 settings 只保存在内存中。
func NewWithProber(cfg *types.Config, prober probe.Prober) (*Engine, error) {
	l := logger.WithComponent("Engine")
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:         cfg,
		registry:    proxypool.NewRegistry(),
		catalog:     orchestrator.NewCatalog(),
		metrics:     metrics.NewMetrics(),
		publisher:   nopPublisher{},
		historySize: cfg.PoolConf.HistorySize,
		ctx:         ctx,
		cancel:      cancel,
	}
	if e.historySize <= 0 {
		e.historySize = 500
	}

	// --- 运行时配置 ---
	settingsPath := ""
	if cfg.CommonConf.DataDir != "" {
		settingsPath = filepath.Join(cfg.CommonConf.DataDir, "settings.json")
	}
	sm, err := settings.NewSettingsManager(settingsPath, settings.FromConfig(cfg))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize settings manager: %w", err)
	}
	e.settings = sm
	initial := sm.Get()

	// --- 存储 ---
	if cfg.PoolConf.StorageFile != "" {
		e.storage = storage.NewFileStorage(cfg.PoolConf.StorageFile)
		entries, err := e.storage.Load()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to load pool: %w", err)
		}
		e.registry.Restore(entries)
		l.Info().Int("count", len(entries)).Msg("Pool restored from storage.")
	}

	// --- 场景目录 ---
	if cfg.PoolConf.ScenarioFile != "" {
		n, err := e.catalog.LoadFile(cfg.PoolConf.ScenarioFile)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to load scenarios: %w", err)
		}
		l.Info().Int("count", n).Str("path", cfg.PoolConf.ScenarioFile).Msg("Scenarios loaded.")
	}

	timeout := time.Duration(cfg.ProbeConf.TimeoutMs) * time.Millisecond
	latencyCeiling := time.Duration(cfg.PoolConf.LatencyCeilingMs) * time.Millisecond

	// --- 编排器与压测 ---
	e.orchestrator = orchestrator.New(orchestrator.Config{
		MaxConcurrency: cfg.PoolConf.MaxConcurrency,
		DefaultTimeout: timeout,
		LatencyCeiling: latencyCeiling,
	}, prober, e.catalog, e.registry)
	e.orchestrator.SetRecorder(e.metrics)

	e.loadgen = loadgen.New(prober, timeout, latencyCeiling)
	e.loadgen.SetRecorder(e.metrics)

	if cfg.GeoConf.DatabasePath != "" {
		geo, err := probe.OpenMaxMind(cfg.GeoConf.DatabasePath)
		if err != nil {
			l.Warn().Err(err).Str("path", cfg.GeoConf.DatabasePath).Msg("GeoIP database unavailable, country tagging disabled.")
		} else {
			e.geo = geo
			e.orchestrator.SetGeoResolver(geo)
		}
	}

	// --- 健康监控与轮换 ---
	checkStep := model.TestStep{ID: "health-check", Name: "health check", Type: model.StepHTTP, Weight: 1}

	e.monitor = health.NewMonitor(health.ConfigFromSettings(initial.Monitoring), e.registry, prober, checkStep)
	e.monitor.SetRecorder(e.metrics)
	e.monitor.OnAlert(func(a model.HealthAlert) { e.publisher.Publish(EventAlert, a) })

	e.rotation = rotation.New(rotation.ConfigFromSettings(initial.Rotation), e.registry, prober, checkStep, timeout)
	e.rotation.SetRecorder(e.metrics)
	e.rotation.SetAlertSink(e.monitor)
	e.rotation.OnEvent(func(ev rotation.Event) { e.publisher.Publish(EventRotation, ev) })

	sm.Register(settings.ModuleRotation, e.rotation)
	sm.Register(settings.ModuleMonitoring, e.monitor)
	sm.Register(settings.ModuleLogging, logLevelModule{})

	// --- 抓取源 ---
	e.sources = buildSources(cfg.SourcesConf)

	e.metrics.UpdatePoolSize(e.registry.StatusCounts())
	return e, nil
}

func buildSources(sc types.SourcesConf) []scraper.Scraper {
	timeout := time.Duration(sc.TimeoutSeconds) * time.Second
	defaultType := model.ParseProtocol(sc.DefaultType)

	var sources []scraper.Scraper
	for _, u := range sc.TableURLs {
		if u == "" {
			continue
		}
		sources = append(sources, scraper.NewTableScraper(u, sc.TableSelector, defaultType, timeout))
	}
	if len(sc.CrawlURLs) > 0 {
		c := scraper.NewCrawlScraper("crawl", sc.CrawlURLs, 0, defaultType, timeout)
		c.SetDelay(2 * time.Second)
		sources = append(sources, c)
	}
	return sources
}

// logLevelModule 把 logging 模块的更新应用到全局日志级别。
type logLevelModule struct{}

func (logLevelModule) OnSettingsUpdate(moduleKey string, newSettings interface{}) error {
	s, ok := newSettings.(*settings.LoggingSettings)
	if !ok {
		return fmt.Errorf("received incorrect settings type for %s module", moduleKey)
	}
	return logger.SetLevel(s.Level)
}

// SetPublisher 设置事件接收者。必须在 Start 之前调用。
func (e *Engine) SetPublisher(p Publisher) {
	if p == nil {
		p = nopPublisher{}
	}
	e.publisher = p
}

// Start 启动后台任务：按配置自动启动轮换和健康监控，并定期刷新池统计。
func (e *Engine) Start() error {
	l := logger.WithComponent("Engine")
	if e.cfg.RotationConf.AutoStart {
		if err := e.rotation.Start(e.ctx); err != nil {
			return err
		}
	}
	if e.settings.Get().Monitoring.Enabled {
		if err := e.monitor.Start(e.ctx); err != nil {
			return err
		}
	}

	e.waitGroup.Add(1)
	go e.statsLoop()

	l.Info().Int("proxies", e.registry.Len()).Bool("rotation", e.rotation.Running()).Bool("monitoring", e.monitor.Running()).Msg("Engine started.")
	return nil
}

// Stop 取消运行中的测试，停止所有后台任务并保存代理池。
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		l := logger.WithComponent("Engine")
		e.CancelTest()
		e.rotation.Stop()
		e.monitor.Stop()
		e.cancel()
		e.asyncMu.Lock()
		e.stopping = true
		e.asyncMu.Unlock()
		e.waitGroup.Wait()

		if err := e.Save(); err != nil {
			l.Error().Err(err).Msg("Failed to save pool on shutdown.")
		}
		if e.geo != nil {
			e.geo.Close()
		}
		l.Info().Msg("Engine stopped.")
	})
}

// statsLoop 定期刷新池状态指标并广播
func (e *Engine) statsLoop() {
	defer e.waitGroup.Done()
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.publishStatus()
		case <-e.ctx.Done():
			return
		}
	}
}

// StatusSummary 是 status_update 事件和 /api/status 的内容。
type StatusSummary struct {
	Timestamp  time.Time            `json:"timestamp"`
	Total      int                  `json:"total"`
	Counts     map[model.Status]int `json:"counts"`
	Current    uint64               `json:"current"`
	Rotation   bool                 `json:"rotation_running"`
	Monitoring bool                 `json:"monitoring_running"`
	Test       *TestRun             `json:"test,omitempty"`
}

// Status 返回池和后台任务的概况。
func (e *Engine) Status() StatusSummary {
	counts := e.registry.StatusCounts()
	s := StatusSummary{
		Timestamp:  time.Now(),
		Total:      e.registry.Len(),
		Counts:     counts,
		Rotation:   e.rotation.Running(),
		Monitoring: e.monitor.Running(),
	}
	if cur, ok := e.rotation.Current(); ok {
		s.Current = cur.ID
	}
	if run, ok := e.TestStatus(); ok {
		s.Test = &run
	}
	return s
}

func (e *Engine) publishStatus() {
	s := e.Status()
	e.metrics.UpdatePoolSize(s.Counts)
	e.publisher.Publish(EventStatusUpdate, s)
}

// MetricsHandler 返回 /metrics 的处理器。
func (e *Engine) MetricsHandler() http.Handler {
	return e.metrics.Handler()
}

// Settings 返回运行时配置的快照。
func (e *Engine) Settings() *settings.RuntimeSettings {
	return e.settings.Get()
}

// UpdateSettings 更新一个运行时配置模块，订阅者同步生效。
func (e *Engine) UpdateSettings(module string, raw []byte) error {
	return e.settings.Update(module, raw)
}
