package storage

import (
	"context"
	"fmt"
	"sync"

	"modelplane/internal/instance"
)

// MemoryStore 内存模型实例存储
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*instance.ModelInstance
	publisher instance.Publisher
	closed    bool
}

// NewMemoryStore 创建内存存储; a nil publisher discards changes
func NewMemoryStore(pub instance.Publisher) *MemoryStore {
	if pub == nil {
		pub = noopPublisher()
	}
	return &MemoryStore{
		instances: make(map[string]*instance.ModelInstance),
		publisher: pub,
	}
}

// FindByID 根据ID获取模型实例
func (s *MemoryStore) FindByID(ctx context.Context, id string) (*instance.ModelInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", instance.ErrNotFound, id)
	}
	return m.Clone(), nil
}

// FindAll 获取所有匹配的模型实例
func (s *MemoryStore) FindAll(ctx context.Context, filter instance.Filter) ([]*instance.ModelInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	items := make([]*instance.ModelInstance, 0, len(s.instances))
	for _, m := range s.instances {
		if filter.Match(m) {
			items = append(items, m.Clone())
		}
	}
	s.mu.RUnlock()

	sortInstances(items)
	return items, nil
}

// List 分页列出模型实例
func (s *MemoryStore) List(ctx context.Context, filter instance.Filter, page, perPage int) (*instance.Page, error) {
	items, err := s.FindAll(ctx, filter)
	if err != nil {
		return nil, err
	}
	return instance.Paginate(items, page, perPage), nil
}

// Create 创建模型实例
func (s *MemoryStore) Create(ctx context.Context, m *instance.ModelInstance) (*instance.ModelInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if _, exists := s.instances[m.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, m.ID)
	}

	stored := m.Clone()
	s.instances[stored.ID] = stored
	s.publisher.Publish(instance.Added, stored)

	return stored.Clone(), nil
}

// Update 更新模型实例
func (s *MemoryStore) Update(ctx context.Context, id string, req instance.UpdateRequest) (*instance.ModelInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	current, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", instance.ErrNotFound, id)
	}

	updated := req.Apply(current)
	if err := updated.Validate(); err != nil {
		return nil, err
	}

	s.instances[id] = updated
	s.publisher.Publish(instance.Modified, updated)

	return updated.Clone(), nil
}

// Delete 删除模型实例, returning the removed record
func (s *MemoryStore) Delete(ctx context.Context, id string) (*instance.ModelInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	m, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", instance.ErrNotFound, id)
	}

	delete(s.instances, id)
	s.publisher.Publish(instance.Deleted, m)

	return m.Clone(), nil
}

// Ping 检查存储是否可用
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return ctx.Err()
}

// Close 关闭存储, later mutations fail with ErrStoreClosed
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
