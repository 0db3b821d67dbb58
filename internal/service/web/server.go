package web

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"proxypulse/internal/app"
	"proxypulse/internal/shared/logger"
	"proxypulse/internal/shared/types"
)

// --- DIAGNOSTIC HELPER: A listener that logs accepted connections ---
type loggingListener struct {
	net.Listener
}

func (l loggingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		logger.Debug().Msgf(" [WebServer DIAGNOSTIC] Connection accepted from: %s ", conn.RemoteAddr())
	}
	return conn, err
}

// basicAuthMiddleware 检查 user 和 password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		// 认证成功，继续处理请求
		next.ServeHTTP(w, r)
	})
}

// NewRouter 注册 Control API 的全部路由。/ws 和 /api/status 公开，其余受 basic auth 保护。
func NewRouter(cfg types.WebConf, engine *app.Engine, hub *Hub) http.Handler {
	h := NewHandler(engine)
	mux := http.NewServeMux()

	protect := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, basicAuthMiddleware(fn, cfg.User, cfg.Password))
	}

	// 代理池
	protect("GET /api/proxies", h.HandleListProxies)
	protect("POST /api/proxies", h.HandleAddProxy)
	protect("GET /api/proxies/{id}", h.HandleGetProxy)
	protect("DELETE /api/proxies/{id}", h.HandleDeleteProxy)
	protect("POST /api/proxies/import", h.HandleImport)

	// 测试任务
	protect("GET /api/tests", h.HandleTestStatus)
	protect("POST /api/tests", h.HandleStartTest)
	protect("POST /api/tests/cancel", h.HandleCancelTest)
	protect("POST /api/loadtests", h.HandleStartLoadTest)
	protect("GET /api/benchmarks", h.HandleBenchmarks)

	// 场景
	protect("GET /api/scenarios", h.HandleListScenarios)
	protect("POST /api/scenarios", h.HandleSaveScenario)
	protect("DELETE /api/scenarios/{id}", h.HandleDeleteScenario)

	// 健康监控
	protect("GET /api/health", h.HandleHealth)
	protect("GET /api/alerts", h.HandleAlerts)
	protect("POST /api/alerts/{id}/ack", h.HandleAcknowledgeAlert)
	protect("DELETE /api/alerts", h.HandleClearAlerts)
	protect("POST /api/monitoring/{action}", h.HandleMonitoringAction)

	// 轮换
	protect("GET /api/rotation", h.HandleRotation)
	protect("GET /api/rotation/next", h.HandleNextProxy)
	protect("POST /api/rotation/{action}", h.HandleRotationAction)

	// 统一配置管理 API
	protect("GET /api/settings", h.HandleGetSettings)
	protect("POST /api/settings/{module}", h.HandleUpdateSettings)

	mux.Handle("GET /metrics", basicAuthMiddleware(engine.MetricsHandler(), cfg.User, cfg.Password))

	// --- WebSocket Endpoint (公开，无需认证) ---
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	})

	// 公开的状态 API
	mux.HandleFunc("GET /api/status", h.HandleStatus)

	return mux
}

// StartServer 在后台启动 Control API。Port 为 0 时不启动，返回 nil。
// 返回的 *http.Server 用于关闭。
func StartServer(wg *sync.WaitGroup, cfg types.WebConf, engine *app.Engine, hub *Hub) (*http.Server, error) {
	if cfg.Port <= 0 {
		logger.Info().Msg("[WebServer] Control API is disabled (port is 0 or not set).")
		return nil, nil
	}

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start control API on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           NewRouter(cfg, engine, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info().Msgf("SUCCESS: Control API is listening on http://%s", addr)

	wg.Add(1)
	go func() {
		defer wg.Done()
		// Wrap the original listener with our logging listener
		if err := srv.Serve(loggingListener{Listener: listener}); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Web server error")
		}
		logger.Info().Msg("Web server stopped.")
	}()
	return srv, nil
}
