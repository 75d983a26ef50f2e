package agent

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"

	"modelplane/internal/agent/api"
	"modelplane/internal/agent/discovery"
	"modelplane/internal/agent/logs"
	"modelplane/internal/agent/resources"
	"modelplane/internal/config"
	"modelplane/internal/logger"
)

// Agent is the worker-side process: it serves instance logs and keeps the
// worker registered with the control plane
type Agent struct {
	config    *config.Config
	logger    *logger.Logger
	discovery *discovery.Service
	resources *resources.Service
	logs      *logs.Service
	api       *api.Server
	mu        sync.RWMutex
	running   bool
}

// New creates a new agent instance
func New(cfg *config.Config, log *logger.Logger) (*Agent, error) {
	if err := os.MkdirAll(cfg.Worker.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}

	// Create resources service
	resourcesService, err := resources.New(cfg.Worker.LogDir, cfg.Worker.Labels, cfg.Worker.Heartbeat, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create resources service: %w", err)
	}

	// Create discovery service
	var discoveryService *discovery.Service
	if cfg.Worker.RegisterEnabled() {
		discoveryService, err = discovery.New(cfg.Worker, cfg.Worker.Labels, resourcesService, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create discovery service: %w", err)
		}
	}

	logService := logs.New(cfg.Worker.LogDir, log)

	agent := &Agent{
		config:    cfg,
		logger:    log,
		discovery: discoveryService,
		resources: resourcesService,
		logs:      logService,
		api:       api.New(cfg.Worker, log, discoveryService, resourcesService, logService),
	}

	return agent, nil
}

// Start starts the agent services
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return fmt.Errorf("agent is already running")
	}

	// Start resources monitoring
	if err := a.resources.Start(ctx); err != nil {
		return fmt.Errorf("failed to start resources service: %w", err)
	}
	a.logger.Info("Resources service started")

	if a.discovery != nil {
		if err := a.discovery.Start(ctx); err != nil {
			return fmt.Errorf("failed to start discovery service: %w", err)
		}
	}

	a.running = true
	return nil
}

// Stop stops the agent services
func (a *Agent) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return nil
	}

	// Stop services in reverse order
	if a.discovery != nil {
		if err := a.discovery.Stop(); err != nil {
			a.logger.Errorf("Failed to stop discovery service: %v", err)
		}
	}

	if err := a.resources.Stop(); err != nil {
		a.logger.Errorf("Failed to stop resources service: %v", err)
	}

	a.running = false
	a.logger.Info("Agent stopped")
	return nil
}

// Handler returns the HTTP handler for the agent
func (a *Agent) Handler() http.Handler {
	return a.api.Handler()
}

// IsRunning returns whether the agent is running
func (a *Agent) IsRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}
