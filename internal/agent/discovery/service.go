package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"modelplane/internal/config"
	mphttp "modelplane/internal/http"
	"modelplane/internal/logger"
	"modelplane/internal/register"

	"github.com/sirupsen/logrus"
)

// registerAttempts bounds the initial registration; later failures are
// retried by the heartbeat loop
const registerAttempts = 3

// StatusSource supplies the host resources reported with every heartbeat
type StatusSource interface {
	Status() register.Resources
}

// Service 向控制面注册本worker并维持心跳
type Service struct {
	logger    *logger.Logger
	client    *mphttp.Client
	serverURL string
	interval  time.Duration
	source    StatusSource

	id     string
	name   string
	ip     string
	port   int
	labels map[string]string

	attempts int

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	// registered reports whether the control plane currently knows us
	registered bool
}

// New creates a registrar for the worker described by cfg
func New(cfg config.WorkerConfig, labels map[string]string, source StatusSource, log *logger.Logger) (*Service, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("worker server_url is required")
	}
	if _, err := url.Parse(cfg.ServerURL); err != nil {
		return nil, fmt.Errorf("invalid server_url: %w", err)
	}

	ip := cfg.IP
	if ip == "" {
		ip = cfg.Address
	}

	return &Service{
		logger:    log,
		client:    mphttp.NewClient(10 * time.Second),
		serverURL: strings.TrimRight(cfg.ServerURL, "/"),
		interval:  cfg.Heartbeat,
		source:    source,
		id:        cfg.NodeID,
		name:      cfg.NodeName,
		ip:        ip,
		port:      cfg.Port,
		labels:    labels,
		attempts:  registerAttempts,
	}, nil
}

// Start 注册到控制面并启动心跳。首次注册失败不致命，心跳会重试
func (s *Service) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.register(ctx, s.attempts); err != nil {
		s.logger.WithError(err).Warn("Initial registration failed, will retry on heartbeat")
	}

	s.wg.Add(1)
	go s.heartbeatLoop(ctx)

	s.logger.WithField("server", s.serverURL).Info("Registrar started")
	return nil
}

// Stop 停止心跳并从控制面注销
func (s *Service) Stop() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	s.cancel = nil

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.client.Delete(ctx, s.workerURL()); err != nil {
		var se *mphttp.StatusError
		if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
			return fmt.Errorf("failed to unregister: %w", err)
		}
	}
	s.setRegistered(false)

	s.logger.Info("Unregistered from control plane")
	return nil
}

// Registered reports whether the last registration or heartbeat succeeded
func (s *Service) Registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

func (s *Service) setRegistered(v bool) {
	s.mu.Lock()
	s.registered = v
	s.mu.Unlock()
}

// register posts the worker record, trying up to attempts times
func (s *Service) register(ctx context.Context, attempts int) error {
	req := register.RegisterRequest{
		ID:     s.id,
		Name:   s.name,
		IP:     s.ip,
		Port:   s.port,
		Status: s.source.Status(),
		Labels: s.labels,
	}

	var worker register.Worker
	var err error
	if attempts > 1 {
		err = s.client.PostWithRetry(ctx, s.serverURL+"/v1/workers", req, &worker, attempts)
	} else {
		err = s.client.PostJSON(ctx, s.serverURL+"/v1/workers", req, &worker)
	}
	if err != nil {
		s.setRegistered(false)
		return fmt.Errorf("failed to register: %w", err)
	}
	s.setRegistered(true)

	s.logger.WithFields(logrus.Fields{
		"worker_id": worker.ID,
		"ip":        worker.IP,
		"port":      worker.Port,
	}).Info("Registered with control plane")
	return nil
}

// heartbeatLoop 心跳循环
func (s *Service) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.heartbeat(ctx); err != nil && ctx.Err() == nil {
				s.logger.WithError(err).Warn("Failed to send heartbeat")
			}
		}
	}
}

// heartbeat reports current status; a control plane that forgot us gets a
// fresh registration
func (s *Service) heartbeat(ctx context.Context) error {
	if !s.Registered() {
		return s.register(ctx, 1)
	}

	req := register.HeartbeatRequest{Status: s.source.Status()}
	err := s.client.PostJSON(ctx, s.workerURL()+"/heartbeat", req, nil)
	if err == nil {
		s.logger.Debug("Heartbeat sent")
		return nil
	}

	var se *mphttp.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		s.logger.Info("Control plane lost registration, registering again")
		return s.register(ctx, 1)
	}
	return fmt.Errorf("heartbeat failed: %w", err)
}

func (s *Service) workerURL() string {
	return s.serverURL + "/v1/workers/" + url.PathEscape(s.id)
}
