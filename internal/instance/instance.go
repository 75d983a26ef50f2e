package instance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State 模型实例生命周期状态
type State string

const (
	StatePending      State = "pending"
	StateScheduled    State = "scheduled"
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateError        State = "error"
	StateStopped      State = "stopped"
)

// Valid reports whether s is a known lifecycle state
func (s State) Valid() bool {
	switch s {
	case StatePending, StateScheduled, StateInitializing, StateRunning, StateError, StateStopped:
		return true
	}
	return false
}

var (
	ErrNotFound      = errors.New("model instance not found")
	ErrInvalidFilter = errors.New("invalid filter")
	ErrInvalid       = errors.New("invalid model instance")
)

// ModelInstance 模型实例
type ModelInstance struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	ModelID      string            `json:"model_id"`
	ModelName    string            `json:"model_name"`
	WorkerID     string            `json:"worker_id,omitempty"`
	WorkerIP     string            `json:"worker_ip,omitempty"`
	Port         int               `json:"port,omitempty"`
	State        State             `json:"state"`
	StateMessage string            `json:"state_message,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Clone returns a deep copy, so stored records are never shared with callers
func (m *ModelInstance) Clone() *ModelInstance {
	c := *m
	if m.Metadata != nil {
		c.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Validate 验证模型实例
func (m *ModelInstance) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalid)
	}
	if m.ModelID == "" {
		return fmt.Errorf("%w: model_id cannot be empty", ErrInvalid)
	}
	if !m.State.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalid, m.State)
	}
	if m.Port < 0 || m.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalid, m.Port)
	}
	return nil
}

// CreateRequest 创建模型实例的请求
type CreateRequest struct {
	Name      string            `json:"name"`
	ModelID   string            `json:"model_id"`
	ModelName string            `json:"model_name"`
	WorkerID  string            `json:"worker_id"`
	WorkerIP  string            `json:"worker_ip"`
	Port      int               `json:"port"`
	State     State             `json:"state"`
	Metadata  map[string]string `json:"metadata"`
}

// NewModelInstance builds a pending instance from a create request
func NewModelInstance(req CreateRequest) *ModelInstance {
	now := time.Now().UTC()

	state := req.State
	if state == "" {
		state = StatePending
	}

	return &ModelInstance{
		ID:        uuid.New().String(),
		Name:      req.Name,
		ModelID:   req.ModelID,
		ModelName: req.ModelName,
		WorkerID:  req.WorkerID,
		WorkerIP:  req.WorkerIP,
		Port:      req.Port,
		State:     state,
		Metadata:  req.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// UpdateRequest 更新模型实例的请求, nil fields are left untouched
type UpdateRequest struct {
	Name         *string           `json:"name"`
	WorkerID     *string           `json:"worker_id"`
	WorkerIP     *string           `json:"worker_ip"`
	Port         *int              `json:"port"`
	State        *State            `json:"state"`
	StateMessage *string           `json:"state_message"`
	Metadata     map[string]string `json:"metadata"`
}

// Apply applies the update onto a copy of m and returns it
func (req UpdateRequest) Apply(m *ModelInstance) *ModelInstance {
	out := m.Clone()
	if req.Name != nil {
		out.Name = *req.Name
	}
	if req.WorkerID != nil {
		out.WorkerID = *req.WorkerID
	}
	if req.WorkerIP != nil {
		out.WorkerIP = *req.WorkerIP
	}
	if req.Port != nil {
		out.Port = *req.Port
	}
	if req.State != nil {
		out.State = *req.State
	}
	if req.StateMessage != nil {
		out.StateMessage = *req.StateMessage
	}
	if req.Metadata != nil {
		out.Metadata = req.Metadata
	}
	out.UpdatedAt = time.Now().UTC()
	return out
}

// Pagination describes one page of a list query
type Pagination struct {
	Page      int `json:"page"`
	PerPage   int `json:"perPage"`
	Total     int `json:"total"`
	TotalPage int `json:"totalPage"`
}

// Page is one page of model instances
type Page struct {
	Items      []*ModelInstance `json:"items"`
	Pagination Pagination       `json:"pagination"`
}

// Finder is the read side of a resource store
type Finder interface {
	// FindByID returns ErrNotFound when the id is unknown
	FindByID(ctx context.Context, id string) (*ModelInstance, error)

	// FindAll returns every instance matching filter
	FindAll(ctx context.Context, filter Filter) ([]*ModelInstance, error)
}

// Store is the full resource store capability set
type Store interface {
	Finder

	List(ctx context.Context, filter Filter, page, perPage int) (*Page, error)
	Create(ctx context.Context, m *ModelInstance) (*ModelInstance, error)
	Update(ctx context.Context, id string, req UpdateRequest) (*ModelInstance, error)
	Delete(ctx context.Context, id string) (*ModelInstance, error)
	// Ping reports whether the store can still serve requests
	Ping(ctx context.Context) error
	Close() error
}

// Paginate cuts items into the requested page; page and perPage start at 1
func Paginate(items []*ModelInstance, page, perPage int) *Page {
	total := len(items)
	totalPage := 0
	if perPage > 0 {
		totalPage = (total + perPage - 1) / perPage
	}

	// pages past the end, including ones whose offset would overflow, are empty
	start := total
	if page >= 1 && perPage > 0 && page-1 <= total/perPage {
		start = min((page-1)*perPage, total)
	}
	end := start
	if perPage > 0 {
		end = start + min(perPage, total-start)
	}

	return &Page{
		Items: items[start:end],
		Pagination: Pagination{
			Page:      page,
			PerPage:   perPage,
			Total:     total,
			TotalPage: totalPage,
		},
	}
}
