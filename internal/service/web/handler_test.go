package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxypulse/internal/app"
	"proxypulse/internal/probe"
	"proxypulse/internal/shared/config"
	"proxypulse/internal/shared/types"
	"proxypulse/proxypool/model"
)

func okProber() probe.Prober {
	return probe.ProberFunc(func(ctx context.Context, _ model.ProxyEntry, _ model.TestStep) probe.Outcome {
		return probe.Outcome{Success: true, ResponseTime: 10 * time.Millisecond, StatusCode: 200}
	})
}

type apiFixture struct {
	engine *app.Engine
	hub    *Hub
	server *httptest.Server
}

func newFixture(t *testing.T, web types.WebConf) *apiFixture {
	t.Helper()
	cfg := &types.Config{}
	config.ApplyDefaults(cfg, t.TempDir())
	cfg.ProbeConf.TimeoutMs = 200

	engine, err := app.NewWithProber(cfg, okProber())
	require.NoError(t, err)
	hub := NewHub()
	go hub.Run()
	engine.SetPublisher(hub)

	srv := httptest.NewServer(NewRouter(web, engine, hub))
	t.Cleanup(func() {
		srv.Close()
		engine.Stop()
		hub.Close()
	})
	return &apiFixture{engine: engine, hub: hub, server: srv}
}

func (f *apiFixture) do(t *testing.T, method, path, contentType, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestAPI_ProxyLifecycle(t *testing.T) {
	f := newFixture(t, types.WebConf{})

	resp := f.do(t, http.MethodPost, "/api/proxies", "application/json", `{"host":"10.0.0.1","port":8080,"type":"socks5"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var added model.ProxyEntry
	decode(t, resp, &added)
	assert.Equal(t, uint64(1), added.ID)
	assert.Equal(t, model.StatusPending, added.Status)

	resp = f.do(t, http.MethodPost, "/api/proxies", "application/json", `{"host":"10.0.0.1","port":8080,"type":"socks5"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/proxies", "application/json", `{"host":"10.0.0.1","port":0}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/proxies", "application/json", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/proxies/1", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/proxies?type=socks5", "", "")
	var list []model.ProxyEntry
	decode(t, resp, &list)
	assert.Len(t, list, 1)

	resp = f.do(t, http.MethodDelete, "/api/proxies/1", "", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = f.do(t, http.MethodDelete, "/api/proxies/1", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = f.do(t, http.MethodDelete, "/api/proxies/abc", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_Import(t *testing.T) {
	f := newFixture(t, types.WebConf{})

	resp := f.do(t, http.MethodPost, "/api/proxies/import?type=socks5", "text/plain", "1.1.1.1:1080\n2.2.2.2:1080\ngarbage\n")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report app.ImportReport
	decode(t, resp, &report)
	assert.Equal(t, 2, report.Added)
	assert.Equal(t, 1, report.Invalid)

	resp = f.do(t, http.MethodPost, "/api/proxies/import", "application/json", `{"text":"1.1.1.1:1080\n3.3.3.3:80","type":"socks5"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report = app.ImportReport{}
	decode(t, resp, &report)
	assert.Equal(t, 1, report.Added)
	assert.Equal(t, 1, report.Duplicates)

	resp = f.do(t, http.MethodPost, "/api/proxies/import", "text/plain", "   ")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// no sources configured
	resp = f.do(t, http.MethodPost, "/api/proxies/import?sources=1", "", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestAPI_TestRun(t *testing.T) {
	f := newFixture(t, types.WebConf{})

	resp := f.do(t, http.MethodPost, "/api/tests", "application/json", `{}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "empty pool")

	f.engine.ImportText("10.0.0.1:8080\n10.0.0.2:8080\n", model.ProtoHTTP)

	resp = f.do(t, http.MethodPost, "/api/tests", "application/json", `{"scenario_ids":["missing"]}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/tests", "", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var run app.TestRun
	decode(t, resp, &run)
	assert.Equal(t, app.JobBulk, run.Kind)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.engine.WaitTest(ctx))

	resp = f.do(t, http.MethodGet, "/api/tests", "", "")
	run = app.TestRun{}
	decode(t, resp, &run)
	assert.False(t, run.Running)
	assert.Equal(t, 2, run.Results)

	resp = f.do(t, http.MethodGet, "/api/benchmarks?proxy_id=1", "", "")
	var history []model.BenchmarkResult
	decode(t, resp, &history)
	assert.Len(t, history, 1)

	resp = f.do(t, http.MethodGet, "/api/benchmarks?proxy_id=x", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/tests/cancel", "", "")
	var cancelled map[string]bool
	decode(t, resp, &cancelled)
	assert.False(t, cancelled["cancelled"])
}

func TestAPI_LoadTestValidation(t *testing.T) {
	f := newFixture(t, types.WebConf{})
	f.engine.ImportText("10.0.0.1:8080", model.ProtoHTTP)

	resp := f.do(t, http.MethodPost, "/api/loadtests", "application/json", `{"proxy_id":1,"duration_seconds":0,"concurrency":1,"target_rps":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/loadtests", "application/json", `{"proxy_id":7,"duration_seconds":1,"concurrency":1,"target_rps":1}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/loadtests", "application/json", `{"proxy_id":1,"duration_seconds":0.2,"concurrency":1,"target_rps":5}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var run app.TestRun
	decode(t, resp, &run)
	assert.Equal(t, app.JobLoad, run.Kind)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.engine.WaitTest(ctx))
}

func TestAPI_Scenarios(t *testing.T) {
	f := newFixture(t, types.WebConf{})

	resp := f.do(t, http.MethodGet, "/api/scenarios", "", "")
	var list []model.TestScenario
	decode(t, resp, &list)
	assert.Len(t, list, 4)

	resp = f.do(t, http.MethodPost, "/api/scenarios", "application/json", `{"id":"quick","name":"quick","steps":[{"type":"http"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/scenarios", "application/json", `{"name":"empty","steps":[]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/api/scenarios/quick", "", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = f.do(t, http.MethodDelete, "/api/scenarios/quick", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_RotationMonitoringAndAlerts(t *testing.T) {
	f := newFixture(t, types.WebConf{})

	resp := f.do(t, http.MethodPost, "/api/rotation/rotate", "", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "empty pool")
	resp = f.do(t, http.MethodGet, "/api/rotation/next", "", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	f.engine.ImportText("10.0.0.1:8080\n10.0.0.2:8080\n", model.ProtoHTTP)
	resp = f.do(t, http.MethodPost, "/api/rotation/rotate", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/rotation/start", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status app.RotationStatus
	decode(t, resp, &status)
	assert.True(t, status.Running)
	resp = f.do(t, http.MethodPost, "/api/rotation/start", "", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/api/rotation/stop", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/api/rotation/spin", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/monitoring/check", "", "")
	var checked map[string]int
	decode(t, resp, &checked)
	assert.Equal(t, 2, checked["checked"])

	resp = f.do(t, http.MethodGet, "/api/health", "", "")
	var health app.MonitoringStatus
	decode(t, resp, &health)
	assert.Len(t, health.Metrics, 2)

	resp = f.do(t, http.MethodPost, "/api/alerts/nope/ack", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = f.do(t, http.MethodDelete, "/api/alerts", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_Settings(t *testing.T) {
	f := newFixture(t, types.WebConf{})

	resp := f.do(t, http.MethodPost, "/api/settings/rotation", "application/json", `{"strategy":"least-used"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "least-used", string(f.engine.RotationStatus().Config.Strategy))

	resp = f.do(t, http.MethodPost, "/api/settings/rotation", "application/json", `{"strategy":"fastest"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/api/settings/rotation", "application/json", `{`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/api/settings/routing", "application/json", `{}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/settings", "", "")
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `"strategy":"least-used"`)
}

func TestAPI_BasicAuth(t *testing.T) {
	f := newFixture(t, types.WebConf{User: "admin", Password: "secret"})

	resp := f.do(t, http.MethodGet, "/api/proxies", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/api/proxies", nil)
	require.NoError(t, err)
	req.SetBasicAuth("admin", "secret")
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)

	// status stays public
	resp = f.do(t, http.MethodGet, "/api/status", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_Metrics(t *testing.T) {
	f := newFixture(t, types.WebConf{})
	f.engine.ImportText("10.0.0.1:8080", model.ProtoHTTP)
	f.engine.CheckHealthNow(context.Background())

	resp := f.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "proxypulse_probes_total")
}
