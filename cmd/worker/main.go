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

	"modelplane/internal/agent"
	"modelplane/internal/config"
	mphttp "modelplane/internal/http"
	"modelplane/internal/logger"
)

func main() {
	configPath := flag.String("config", "worker.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	ag, err := agent.New(cfg, log)
	if err != nil {
		log.Fatalf("Failed to create agent: %v", err)
	}

	// 先监听再注册，控制面回连时日志接口已可用
	addr := fmt.Sprintf("%s:%d", cfg.Worker.Address, cfg.Worker.Port)
	server, cancelRequests := mphttp.NewServer(addr, ag.Handler())

	go func() {
		log.Infof("Worker log server listening on %s (log_dir=%s)", addr, cfg.Worker.LogDir)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ag.Start(ctx); err != nil {
		log.Fatalf("Failed to start agent: %v", err)
	}

	<-ctx.Done()
	log.Info("Shutting down worker...")

	// 结束仍在follow的日志流
	cancelRequests()
	if err := ag.Stop(); err != nil {
		log.Errorf("Agent stop error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server shutdown error: %v", err)
	}

	log.Info("Worker stopped gracefully")
}
