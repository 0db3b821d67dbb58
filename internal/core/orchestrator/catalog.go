package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"proxypulse/internal/shared/logger"
	"proxypulse/proxypool/model"
)

// ErrUnknownScenario 表示目录中不存在指定 id 的场景。
var ErrUnknownScenario = errors.New("unknown scenario")

// Catalog 保存所有可用的测试场景，按 id 索引。
// 对外返回的都是深拷贝，目录内的场景只能通过 Add/Update/Remove 修改。
type Catalog struct {
	mu        sync.RWMutex
	scenarios map[string]model.TestScenario
	order     []string
}

// NewCatalog 创建一个已预置内置场景的目录。
func NewCatalog() *Catalog {
	c := &Catalog{scenarios: make(map[string]model.TestScenario)}
	for _, s := range builtinScenarios() {
		c.put(s)
	}
	return c
}

func (c *Catalog) put(s model.TestScenario) {
	if _, exists := c.scenarios[s.ID]; !exists {
		c.order = append(c.order, s.ID)
	}
	c.scenarios[s.ID] = s.Clone()
}

func normalize(s *model.TestScenario) error {
	if s.Name == "" {
		return errors.New("scenario name is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("scenario %q has no steps", s.Name)
	}
	if s.Mode == "" {
		s.Mode = model.ModeParallel
	}
	if s.Category == "" {
		s.Category = model.CategoryCustom
	}
	if s.Retries < 0 {
		s.Retries = 0
	}
	for i := range s.Steps {
		st := &s.Steps[i]
		if st.ID == "" {
			st.ID = fmt.Sprintf("step-%d", i+1)
		}
		if st.Type == "" {
			st.Type = model.StepHTTP
		}
		if st.Weight <= 0 {
			st.Weight = 1
		}
	}
	return nil
}

// Add 新增一个场景。未指定 id 时生成 uuid，返回最终 id。
func (c *Catalog) Add(s model.TestScenario) (string, error) {
	if err := normalize(&s); err != nil {
		return "", err
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.scenarios[s.ID]; exists {
		return "", fmt.Errorf("scenario %q already exists", s.ID)
	}
	c.put(s)
	return s.ID, nil
}

// Update 替换一个已存在的场景。
func (c *Catalog) Update(s model.TestScenario) error {
	if err := normalize(&s); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.scenarios[s.ID]; !exists {
		return fmt.Errorf("%w: %s", ErrUnknownScenario, s.ID)
	}
	c.put(s)
	return nil
}

// Remove 删除一个场景，返回该 id 是否存在。
func (c *Catalog) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.scenarios[id]; !exists {
		return false
	}
	delete(c.scenarios, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true
}

// Get 返回场景的拷贝。
func (c *Catalog) Get(id string) (model.TestScenario, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.scenarios[id]
	if !ok {
		return model.TestScenario{}, false
	}
	return s.Clone(), true
}

// List 按插入顺序返回所有场景的拷贝。
func (c *Catalog) List() []model.TestScenario {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.TestScenario, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.scenarios[id].Clone())
	}
	return out
}

type catalogFile struct {
	Scenarios []model.TestScenario `yaml:"scenarios"`
}

// LoadFile 读取 YAML 场景文件并合并到目录中。同 id 的场景会被覆盖，
// 包括内置场景。文件不存在不算错误。
func (c *Catalog) LoadFile(path string) (int, error) {
	l := logger.WithComponent("Orchestrator/Catalog")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			l.Debug().Str("path", path).Msg("Scenario file not found, using built-in scenarios only.")
			return 0, nil
		}
		return 0, fmt.Errorf("read scenario file: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("parse scenario file %s: %w", path, err)
	}

	loaded := 0
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range file.Scenarios {
		if err := normalize(&s); err != nil {
			l.Warn().Err(err).Str("scenario_id", s.ID).Msg("Skipping invalid scenario from file.")
			continue
		}
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		c.put(s)
		loaded++
	}
	l.Info().Int("count", loaded).Str("path", path).Msg("Loaded scenarios from file.")
	return loaded, nil
}

// IDs 返回排序后的场景 id，主要用于日志和 API。
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.scenarios))
	for id := range c.scenarios {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// 内置场景的 id 是固定的，API 和配置可以直接引用。
const (
	ScenarioConnectivity = "connectivity"
	ScenarioPerformance  = "performance"
	ScenarioSecurity     = "security"
	ScenarioReliability  = "reliability"
)

func builtinScenarios() []model.TestScenario {
	return []model.TestScenario{
		{
			ID:          ScenarioConnectivity,
			Name:        "Basic connectivity",
			Description: "Plain HTTP, HTTPS and a TCP connect to the proxy.",
			Category:    model.CategoryBasic,
			Mode:        model.ModeParallel,
			Timeout:     10 * time.Second,
			Steps: []model.TestStep{
				{ID: "http", Name: "HTTP request", Type: model.StepHTTP, Weight: 1, Critical: true},
				{ID: "https", Name: "HTTPS request", Type: model.StepHTTPS, Weight: 1},
				{ID: "ping", Name: "TCP connect", Type: model.StepPing, Weight: 0.5, Timeout: 5 * time.Second},
			},
		},
		{
			ID:          ScenarioPerformance,
			Name:        "Throughput",
			Description: "Download and upload through the proxy, one after the other.",
			Category:    model.CategoryPerformance,
			Mode:        model.ModeSequential,
			Timeout:     30 * time.Second,
			Steps: []model.TestStep{
				{ID: "latency", Name: "Latency", Type: model.StepHTTP, Weight: 1},
				{ID: "download", Name: "Download", Type: model.StepHTTP, Weight: 2,
					Config: model.StepConfig{URL: "http://speed.cloudflare.com/__down?bytes=262144"}},
				{ID: "upload", Name: "Upload", Type: model.StepHTTP, Weight: 2,
					Config: model.StepConfig{URL: "http://speed.cloudflare.com/__up", Method: "POST", UploadBytes: 65536}},
			},
		},
		{
			ID:          ScenarioSecurity,
			Name:        "TLS and DNS",
			Description: "HTTPS with a fixed expected status and a resolution check.",
			Category:    model.CategorySecurity,
			Mode:        model.ModeParallel,
			Timeout:     15 * time.Second,
			Steps: []model.TestStep{
				{ID: "tls", Name: "TLS handshake", Type: model.StepHTTPS, Weight: 1, Critical: true,
					Config: model.StepConfig{URL: "https://www.gstatic.com/generate_204", ExpectedStatus: 204}},
				{ID: "dns", Name: "DNS resolution", Type: model.StepDNS, Weight: 1},
			},
		},
		{
			ID:          ScenarioReliability,
			Name:        "Repeated requests",
			Description: "The same request several times in a row, with retries.",
			Category:    model.CategoryReliability,
			Mode:        model.ModeSequential,
			Timeout:     10 * time.Second,
			Retries:     1,
			Steps: []model.TestStep{
				{ID: "r1", Name: "Request 1", Type: model.StepHTTP, Weight: 1},
				{ID: "r2", Name: "Request 2", Type: model.StepHTTP, Weight: 1},
				{ID: "r3", Name: "Request 3", Type: model.StepHTTP, Weight: 1},
				{ID: "ping", Name: "TCP connect", Type: model.StepPing, Weight: 0.5},
			},
		},
	}
}
