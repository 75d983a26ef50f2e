package manager

import (
	"context"
	"fmt"

	"modelplane/internal/instance"
	"modelplane/internal/logger"
	"modelplane/internal/logrelay"
	"modelplane/internal/metrics"
	"modelplane/internal/notify"
	"modelplane/internal/register"
	"modelplane/internal/watch"

	"github.com/sirupsen/logrus"
)

// Manager 管理器: ties the instance store, change hub, worker register
// and log relay together
type Manager struct {
	logger   *logger.Logger
	metrics  *metrics.Metrics
	store    instance.Store
	hub      *notify.Hub
	register *register.Register
	relay    *logrelay.Relay

	stopAudit func()
}

// NewManager 创建管理器
func NewManager(store instance.Store, hub *notify.Hub, reg *register.Register, relay *logrelay.Relay, log *logger.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		logger:   log,
		metrics:  m,
		store:    store,
		hub:      hub,
		register: reg,
		relay:    relay,
	}
}

// Start 启动后台任务
func (m *Manager) Start() {
	m.register.Start()
	m.stopAudit = m.hub.OnChange(instance.Filter{}, m.auditChange)
	m.logger.Info("Manager started")
}

// Stop 停止管理器; open watch sessions end cleanly
func (m *Manager) Stop() error {
	if m.stopAudit != nil {
		m.stopAudit()
	}
	m.register.Stop()
	m.hub.Close()

	if err := m.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	m.logger.Info("Manager stopped")
	return nil
}

func (m *Manager) auditChange(ev notify.Event) {
	m.logger.WithFields(logrus.Fields{
		"instance_id": ev.Instance.ID,
		"worker_id":   ev.Instance.WorkerID,
		"state":       ev.Instance.State,
		"sequence":    ev.Sequence,
	}).Debugf("Model instance %s", ev.Kind)
}

// CreateInstance 创建模型实例
func (m *Manager) CreateInstance(ctx context.Context, req instance.CreateRequest) (*instance.ModelInstance, error) {
	mi := instance.NewModelInstance(req)
	m.fillWorkerIP(mi)
	return m.store.Create(ctx, mi)
}

// UpdateInstance 更新模型实例
func (m *Manager) UpdateInstance(ctx context.Context, id string, req instance.UpdateRequest) (*instance.ModelInstance, error) {
	if req.WorkerID != nil && *req.WorkerID != "" && req.WorkerIP == nil {
		if w, err := m.register.Get(*req.WorkerID); err == nil {
			req.WorkerIP = &w.IP
		}
	}
	return m.store.Update(ctx, id, req)
}

// DeleteInstance 删除模型实例
func (m *Manager) DeleteInstance(ctx context.Context, id string) (*instance.ModelInstance, error) {
	return m.store.Delete(ctx, id)
}

// GetInstance 获取模型实例
func (m *Manager) GetInstance(ctx context.Context, id string) (*instance.ModelInstance, error) {
	return m.store.FindByID(ctx, id)
}

// ListInstances 分页列出模型实例
func (m *Manager) ListInstances(ctx context.Context, filter instance.Filter, page, perPage int) (*instance.Page, error) {
	return m.store.List(ctx, filter, page, perPage)
}

// Watch opens a watch session over the instance collection
func (m *Manager) Watch(ctx context.Context, filter instance.Filter) (*watch.Session, error) {
	return watch.Open(ctx, m.store, m.hub, filter, m.logger, m.metrics)
}

// SnapshotLogs 获取模型实例日志
func (m *Manager) SnapshotLogs(ctx context.Context, id string, opts logrelay.Options) (*logrelay.Snapshot, error) {
	return m.relay.Snapshot(ctx, id, opts)
}

// FollowLogs 跟随模型实例日志
func (m *Manager) FollowLogs(ctx context.Context, id string, opts logrelay.Options) (*logrelay.Stream, error) {
	return m.relay.Follow(ctx, id, opts)
}

// fillWorkerIP copies the worker's address onto an instance assigned at creation
func (m *Manager) fillWorkerIP(mi *instance.ModelInstance) {
	if mi.WorkerID == "" || mi.WorkerIP != "" {
		return
	}
	if w, err := m.register.Get(mi.WorkerID); err == nil {
		mi.WorkerIP = w.IP
	}
}

// Stats 运行状态
type Stats struct {
	Workers       int    `json:"workers"`
	Subscriptions int    `json:"subscriptions"`
	Sequence      uint64 `json:"sequence"`
}

// Ping checks the resource store is reachable
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}

// GetStats 获取运行状态
func (m *Manager) GetStats() Stats {
	return Stats{
		Workers:       len(m.register.List()),
		Subscriptions: m.hub.Len(),
		Sequence:      m.hub.Sequence(),
	}
}
