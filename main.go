package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"modelplane/internal/config"
	mphttp "modelplane/internal/http"
	"modelplane/internal/logger"
	"modelplane/internal/logrelay"
	"modelplane/internal/manager"
	"modelplane/internal/metrics"
	"modelplane/internal/notify"
	"modelplane/internal/register"
	"modelplane/internal/storage"
)

func main() {
	// 解析命令行参数
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 创建logger
	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	m := metrics.NewNoop()
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	hub := notify.NewHub(cfg.Watch.BufferSize, log, m)

	store, err := storage.New(cfg.Storage, hub, log)
	if err != nil {
		log.Fatalf("Failed to create store: %v", err)
	}

	reg := register.NewRegister(cfg.Register, cfg.Logs.DefaultWorkerPort, log, m)
	relay := logrelay.New(store, reg, cfg.Logs, log, m)

	mgr := manager.NewManager(store, hub, reg, relay, log, m)
	mgr.Start()

	api := manager.NewAPI(mgr, reg, m, log)

	// 启动HTTP服务器
	addr := fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)
	server, cancelRequests := mphttp.NewServer(addr, api.GetRouter())

	go func() {
		log.Infof("Modelplane server listening on %s (storage=%s)", addr, cfg.Storage.Type)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down server...")

	// 先结束watch会话和日志follow，否则Shutdown会等待长连接
	cancelRequests()
	if err := mgr.Stop(); err != nil {
		log.Errorf("Manager stop error: %v", err)
	}

	// 优雅关闭
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("Server shutdown error: %v", err)
	}

	log.Info("Server stopped gracefully")
}
