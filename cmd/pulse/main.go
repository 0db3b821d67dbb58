package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"proxypulse/internal/app"
	"proxypulse/internal/service/web"
	"proxypulse/internal/shared/config"
	"proxypulse/internal/shared/logger"
	"proxypulse/internal/shared/types"
)

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	flag.Parse()

	iniPath := filepath.Join(*configDir, "pulse.ini")

	// 1. 加载 .ini 静态配置
	cfg := new(types.Config)
	if err := config.LoadIni(cfg, iniPath); err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
		os.Exit(1)
	}

	// 1.1 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// 2. 创建引擎，恢复代理池
	engine, err := app.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Engine bootstrap failed")
	}

	hub := web.NewHub()
	go hub.Run()
	engine.SetPublisher(hub)

	if err := engine.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Engine failed to start")
	}

	// 3. Control API
	var wg sync.WaitGroup
	srv, err := web.StartServer(&wg, cfg.WebConf, engine, hub)
	if err != nil {
		logger.Fatal().Err(err).Msg("Control API failed to start")
	}

	waitForSignal()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("Control API shutdown timed out")
		}
		cancel()
	}
	engine.Stop()
	hub.Close()
	wg.Wait()
	logger.Info().Msg("Shutdown complete.")
}

func waitForSignal() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	logger.Info().Msg("proxypulse is running. Press Ctrl+C to exit.")
	sig := <-sigs
	logger.Info().Str("signal", sig.String()).Msg("Signal received, shutting down...")
}
