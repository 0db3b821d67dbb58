package web

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"proxypulse/internal/app"
	"proxypulse/internal/core/loadgen"
	"proxypulse/internal/core/orchestrator"
	"proxypulse/internal/shared/logger"
	"proxypulse/proxypool"
	"proxypulse/proxypool/model"
)

const maxImportBytes = 4 << 20

// Handler 把 Control API 的请求翻译成 Engine 调用。
type Handler struct {
	engine *app.Engine
}

func NewHandler(engine *app.Engine) *Handler {
	return &Handler{engine: engine}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("[Handler] Failed to encode response")
	}
}

// writeError 根据错误类型返回不同的状态码
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, app.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, app.ErrBusy), errors.Is(err, app.ErrDuplicate):
		status = http.StatusConflict
	case errors.Is(err, orchestrator.ErrUnknownScenario):
		status = http.StatusNotFound
	}
	http.Error(w, err.Error(), status)
}

func pathID(r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

// --- 代理池 ---

// HandleListProxies 处理 GET /api/proxies?type=&status=&country=
func (h *Handler) HandleListProxies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := proxypool.Filter{
		Country: q.Get("country"),
		Status:  model.Status(q.Get("status")),
	}
	if t := q.Get("type"); t != "" {
		f.Type = model.ParseProtocol(strings.ToLower(t))
	}
	writeJSON(w, http.StatusOK, h.engine.Proxies(f))
}

func (h *Handler) HandleGetProxy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "Invalid proxy ID", http.StatusBadRequest)
		return
	}
	p, found := h.engine.Proxy(id)
	if !found {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) HandleAddProxy(w http.ResponseWriter, r *http.Request) {
	var entry model.ProxyEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	added, err := h.engine.AddProxy(entry)
	if err != nil {
		if errors.Is(err, app.ErrDuplicate) {
			writeError(w, err)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

func (h *Handler) HandleDeleteProxy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "Invalid proxy ID", http.StatusBadRequest)
		return
	}
	if err := h.engine.RemoveProxy(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type importRequest struct {
	Text string `json:"text"`
	Type string `json:"type"`
}

// HandleImport 处理 POST /api/proxies/import。
// 请求体可以是纯文本（每行一个代理），也可以是 {"text": "...", "type": "socks5"}。
// ?sources=1 时忽略请求体，从配置的抓取源导入。
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	if fromSources, _ := strconv.ParseBool(r.URL.Query().Get("sources")); fromSources {
		report, err := h.engine.ImportFromSources(r.Context())
		if err != nil {
			http.Error(w, "Failed to import from sources: "+err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxImportBytes))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusInternalServerError)
		return
	}

	req := importRequest{Text: string(body), Type: r.URL.Query().Get("type")}
	if ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); ct == "application/json" {
		req = importRequest{}
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "Invalid JSON format", http.StatusBadRequest)
			return
		}
	}
	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, "Nothing to import", http.StatusBadRequest)
		return
	}

	report := h.engine.ImportText(req.Text, model.ParseProtocol(strings.ToLower(req.Type)))
	writeJSON(w, http.StatusOK, report)
}

// --- 测试任务 ---

type testRequest struct {
	ProxyIDs    []uint64 `json:"proxy_ids"`
	ScenarioIDs []string `json:"scenario_ids"`
}

// HandleStartTest 处理 POST /api/tests，立即返回任务状态，进度通过 websocket 推送。
func (h *Handler) HandleStartTest(w http.ResponseWriter, r *http.Request) {
	var req testRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "Invalid JSON format", http.StatusBadRequest)
			return
		}
	}
	run, err := h.engine.StartTest(req.ProxyIDs, req.ScenarioIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	logger.Info().Str("run_id", run.ID).Int("total", run.Total).Msg("[Handler] Test run started.")
	writeJSON(w, http.StatusAccepted, run)
}

// HandleTestStatus 处理 GET /api/tests，返回最近一次任务的状态。
func (h *Handler) HandleTestStatus(w http.ResponseWriter, r *http.Request) {
	run, ok := h.engine.TestStatus()
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) HandleCancelTest(w http.ResponseWriter, r *http.Request) {
	cancelled := h.engine.CancelTest()
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

type loadTestRequest struct {
	ProxyID         uint64  `json:"proxy_id"`
	ScenarioID      string  `json:"scenario_id"`
	DurationSeconds float64 `json:"duration_seconds"`
	Concurrency     int     `json:"concurrency"`
	RampUpSeconds   float64 `json:"ramp_up_seconds"`
	TargetRPS       int     `json:"target_rps"`
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (h *Handler) HandleStartLoadTest(w http.ResponseWriter, r *http.Request) {
	var req loadTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	cfg := loadgen.Config{
		Duration:    seconds(req.DurationSeconds),
		Concurrency: req.Concurrency,
		RampUp:      seconds(req.RampUpSeconds),
		TargetRPS:   req.TargetRPS,
	}
	if err := cfg.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	run, err := h.engine.StartLoadTest(req.ProxyID, req.ScenarioID, cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// HandleBenchmarks 处理 GET /api/benchmarks?proxy_id=&limit=
func (h *Handler) HandleBenchmarks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var proxyID uint64
	if v := q.Get("proxy_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "Invalid proxy_id", http.StatusBadRequest)
			return
		}
		proxyID = id
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	writeJSON(w, http.StatusOK, h.engine.Benchmarks(proxyID, limit))
}

// --- 场景 ---

func (h *Handler) HandleListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Scenarios())
}

func (h *Handler) HandleSaveScenario(w http.ResponseWriter, r *http.Request) {
	var s model.TestScenario
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	saved, err := h.engine.SaveScenario(s)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *Handler) HandleDeleteScenario(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.RemoveScenario(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- 健康监控 ---

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.MonitoringStatus())
}

func (h *Handler) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := h.engine.Alerts()
	if r.URL.Query().Get("unacknowledged") == "true" {
		open := alerts[:0]
		for _, a := range alerts {
			if !a.Acknowledged {
				open = append(open, a)
			}
		}
		alerts = open
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (h *Handler) HandleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.AcknowledgeAlert(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleClearAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"cleared": h.engine.ClearAlerts()})
}

// HandleMonitoringAction 处理 POST /api/monitoring/{start|stop|check}
func (h *Handler) HandleMonitoringAction(w http.ResponseWriter, r *http.Request) {
	action := r.PathValue("action")
	logger.Info().Str("action", action).Msg("[Handler] Monitoring action requested.")

	switch action {
	case "start":
		if err := h.engine.StartMonitoring(); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
	case "stop":
		h.engine.StopMonitoring()
	case "check":
		checked := h.engine.CheckHealthNow(r.Context())
		writeJSON(w, http.StatusOK, map[string]int{"checked": checked})
		return
	default:
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.MonitoringStatus())
}

// --- 轮换 ---

func (h *Handler) HandleRotation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.RotationStatus())
}

// HandleNextProxy 处理 GET /api/rotation/next，没有可用代理时返回 204。
func (h *Handler) HandleNextProxy(w http.ResponseWriter, r *http.Request) {
	p, ok := h.engine.NextProxy()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleRotationAction 处理 POST /api/rotation/{start|stop|rotate}
func (h *Handler) HandleRotationAction(w http.ResponseWriter, r *http.Request) {
	action := r.PathValue("action")
	logger.Info().Str("action", action).Msg("[Handler] Rotation action requested.")

	switch action {
	case "start":
		if err := h.engine.StartRotation(); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
	case "stop":
		h.engine.StopRotation()
	case "rotate":
		ev, ok := h.engine.Rotate()
		if !ok {
			http.Error(w, "No other healthy proxy to rotate to", http.StatusConflict)
			return
		}
		writeJSON(w, http.StatusOK, ev)
		return
	default:
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.RotationStatus())
}

// --- 统一配置 API ---

// HandleGetSettings 处理 GET /api/settings 请求
func (h *Handler) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Settings())
}

// HandleUpdateSettings 处理 POST /api/settings/{module} 请求
func (h *Handler) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	moduleKey := r.PathValue("module")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusInternalServerError)
		return
	}

	if err := h.engine.UpdateSettings(moduleKey, body); err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "unknown settings module"):
			http.Error(w, msg, http.StatusNotFound)
		case strings.Contains(msg, "failed to parse JSON"), strings.Contains(msg, "invalid "+moduleKey+" settings"):
			http.Error(w, msg, http.StatusBadRequest)
		default:
			http.Error(w, msg, http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Settings updated successfully"})
}

// HandleStatus 处理 GET /api/status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status())
}
