package register

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"modelplane/internal/config"
	"modelplane/internal/logger"
	"modelplane/internal/metrics"

	"github.com/sirupsen/logrus"
)

var (
	ErrWorkerNotFound = errors.New("worker not found")
	ErrInvalidWorker  = errors.New("invalid worker")
)

// Register worker目录: registrations, heartbeats and endpoint lookup
type Register struct {
	logger  *logger.Logger
	metrics *metrics.Metrics
	mu      sync.RWMutex

	workers map[string]*Worker

	defaultPort   int
	staleTimeout  time.Duration
	checkInterval time.Duration
	now           func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRegister 创建worker目录; workers registered without a port resolve to defaultPort
func NewRegister(cfg config.RegisterConfig, defaultPort int, log *logger.Logger, m *metrics.Metrics) *Register {
	return &Register{
		logger:        log,
		metrics:       m,
		workers:       make(map[string]*Worker),
		defaultPort:   defaultPort,
		staleTimeout:  cfg.StaleTimeout,
		checkInterval: cfg.CheckInterval,
		now:           time.Now,
		stop:          make(chan struct{}),
	}
}

// Start 启动过期检查
func (r *Register) Start() {
	r.wg.Add(1)
	go r.monitorWorkers()
	r.logger.Info("Worker register started")
}

// Stop 停止过期检查
func (r *Register) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
		r.wg.Wait()
		r.logger.Info("Worker register stopped")
	})
}

// RegisterWorker 注册worker; registering a known id replaces its record
func (r *Register) RegisterWorker(req RegisterRequest) (*Worker, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	w := &Worker{
		ID:            req.ID,
		Name:          req.Name,
		IP:            req.IP,
		Port:          req.Port,
		State:         WorkerReady,
		Status:        req.Status,
		Labels:        req.Labels,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
	if prev, exists := r.workers[req.ID]; exists {
		w.RegisteredAt = prev.RegisteredAt
	}
	r.workers[req.ID] = w
	r.updateGauge()

	r.logger.WithFields(logrus.Fields{
		"worker_id": w.ID,
		"address":   fmt.Sprintf("%s:%d", w.IP, w.Port),
		"resources": w.Status.String(),
	}).Info("Worker registered")

	return w.Clone(), nil
}

// Heartbeat 更新worker心跳与资源
func (r *Register) Heartbeat(id string, req HeartbeatRequest) (*Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, exists := r.workers[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}

	w.Status = req.Status
	w.LastHeartbeat = r.now()
	if w.State != WorkerReady {
		w.State = WorkerReady
		r.updateGauge()
		r.logger.WithField("worker_id", id).Info("Worker is reachable again")
	}

	r.logger.WithField("worker_id", id).Debug("Worker heartbeat received")
	return w.Clone(), nil
}

// Unregister 注销worker
func (r *Register) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[id]; !exists {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	delete(r.workers, id)
	r.updateGauge()

	r.logger.WithField("worker_id", id).Info("Worker unregistered")
	return nil
}

// Get 获取worker
func (r *Register) Get(id string) (*Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, exists := r.workers[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	return w.Clone(), nil
}

// List 获取所有worker, ordered by id
func (r *Register) List() []*Worker {
	r.mu.RLock()
	workers := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })
	return workers
}

// Resolve returns the worker's current endpoint. Unreachable workers still
// resolve; the caller finds out when it connects.
func (r *Register) Resolve(workerID string) (Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, exists := r.workers[workerID]
	if !exists {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}

	port := w.Port
	if port == 0 {
		port = r.defaultPort
	}
	return Endpoint{Address: w.IP, Port: port}, nil
}

// monitorWorkers 监控worker心跳
func (r *Register) monitorWorkers() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.checkStaleWorkers()
		}
	}
}

// checkStaleWorkers 检查过期worker
func (r *Register) checkStaleWorkers() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	changed := false
	for id, w := range r.workers {
		if now.Sub(w.LastHeartbeat) > r.staleTimeout && w.State != WorkerUnreachable {
			w.State = WorkerUnreachable
			changed = true
			r.logger.WithFields(logrus.Fields{
				"worker_id":      id,
				"last_heartbeat": w.LastHeartbeat,
			}).Warn("Worker marked as unreachable")
		}
	}
	if changed {
		r.updateGauge()
	}
}

// updateGauge must be called with mu held
func (r *Register) updateGauge() {
	counts := map[WorkerState]int{WorkerReady: 0, WorkerUnreachable: 0}
	for _, w := range r.workers {
		counts[w.State]++
	}
	for state, n := range counts {
		r.metrics.Workers.WithLabelValues(string(state)).Set(float64(n))
	}
}
