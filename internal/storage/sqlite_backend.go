package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"modelplane/internal/instance"

	_ "github.com/mattn/go-sqlite3"
)

const instanceColumns = `id, name, model_id, model_name, worker_id, worker_ip,
	port, state, state_message, metadata, created_at, updated_at`

// SQLiteStore SQLite模型实例存储
type SQLiteStore struct {
	db        *sql.DB
	publisher instance.Publisher

	// mu 串行化写事务, so publish order matches commit order
	mu sync.Mutex
}

// NewSQLiteStore 创建SQLite存储
func NewSQLiteStore(dbPath string, pub instance.Publisher) (*SQLiteStore, error) {
	if pub == nil {
		pub = noopPublisher()
	}

	// 确保数据目录存在
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	// 打开数据库
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{
		db:        db,
		publisher: pub,
	}

	// 初始化数据库表
	if err := store.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	return store, nil
}

// initTables 初始化数据库表
func (s *SQLiteStore) initTables() error {
	createInstancesTable := `
	CREATE TABLE IF NOT EXISTS model_instances (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		model_id TEXT NOT NULL,
		model_name TEXT,
		worker_id TEXT,
		worker_ip TEXT,
		port INTEGER DEFAULT 0,
		state TEXT NOT NULL,
		state_message TEXT,
		metadata TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`

	// 创建索引
	createIndexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_model_instances_model_id ON model_instances (model_id)",
		"CREATE INDEX IF NOT EXISTS idx_model_instances_worker_id ON model_instances (worker_id)",
		"CREATE INDEX IF NOT EXISTS idx_model_instances_state ON model_instances (state)",
	}

	statements := append([]string{createInstancesTable}, createIndexes...)
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute statement: %w", err)
		}
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*instance.ModelInstance, error) {
	var m instance.ModelInstance
	var state, metadataJSON string
	var modelName, workerID, workerIP, stateMessage sql.NullString

	err := row.Scan(&m.ID, &m.Name, &m.ModelID, &modelName, &workerID, &workerIP,
		&m.Port, &state, &stateMessage, &metadataJSON, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}

	m.ModelName = modelName.String
	m.WorkerID = workerID.String
	m.WorkerIP = workerIP.String
	m.StateMessage = stateMessage.String
	m.State = instance.State(state)
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()

	if metadataJSON != "" && metadataJSON != "null" {
		if err := json.Unmarshal([]byte(metadataJSON), &m.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of %s: %w", m.ID, err)
		}
	}

	return &m, nil
}

// whereClause renders filter terms; column names are the closed field set
func whereClause(filter instance.Filter) (string, []any) {
	fields := filter.Fields()
	if len(fields) == 0 {
		return "", nil
	}

	conds := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields))
	for _, field := range fields {
		value, _ := filter.Get(field)
		conds = append(conds, string(field)+" = ?")
		args = append(args, value)
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// FindByID 根据ID获取模型实例
func (s *SQLiteStore) FindByID(ctx context.Context, id string) (*instance.ModelInstance, error) {
	return s.findByID(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) findByID(ctx context.Context, q queryer, id string) (*instance.ModelInstance, error) {
	row := q.QueryRowContext(ctx, "SELECT "+instanceColumns+" FROM model_instances WHERE id = ?", id)
	m, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", instance.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to query model instance: %w", err)
	}
	return m, nil
}

// FindAll 获取所有匹配的模型实例
func (s *SQLiteStore) FindAll(ctx context.Context, filter instance.Filter) ([]*instance.ModelInstance, error) {
	where, args := whereClause(filter)
	query := "SELECT " + instanceColumns + " FROM model_instances" + where + " ORDER BY created_at, id"
	return s.query(ctx, query, args...)
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]*instance.ModelInstance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query model instances: %w", err)
	}
	defer rows.Close()

	items := []*instance.ModelInstance{}
	for rows.Next() {
		m, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan model instance: %w", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate model instances: %w", err)
	}

	return items, nil
}

// List 分页列出模型实例
func (s *SQLiteStore) List(ctx context.Context, filter instance.Filter, page, perPage int) (*instance.Page, error) {
	where, args := whereClause(filter)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM model_instances"+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count model instances: %w", err)
	}

	items := []*instance.ModelInstance{}
	if page >= 1 && perPage > 0 && page-1 <= total/perPage {
		query := "SELECT " + instanceColumns + " FROM model_instances" + where +
			" ORDER BY created_at, id LIMIT ? OFFSET ?"
		var err error
		items, err = s.query(ctx, query, append(args, perPage, (page-1)*perPage)...)
		if err != nil {
			return nil, err
		}
	}

	totalPage := 0
	if perPage > 0 {
		totalPage = (total + perPage - 1) / perPage
	}
	return &instance.Page{
		Items: items,
		Pagination: instance.Pagination{
			Page:      page,
			PerPage:   perPage,
			Total:     total,
			TotalPage: totalPage,
		},
	}, nil
}

func encodeMetadata(md map[string]string) (string, error) {
	if md == nil {
		return "", nil
	}
	data, err := json.Marshal(md)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Create 创建模型实例
func (s *SQLiteStore) Create(ctx context.Context, m *instance.ModelInstance) (*instance.ModelInstance, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	metadataJSON, err := encodeMetadata(m.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// 开始事务
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.findByID(ctx, tx, m.ID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, m.ID)
	} else if !errors.Is(err, instance.ErrNotFound) {
		return nil, err
	}

	insert := `INSERT INTO model_instances (` + instanceColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, insert,
		m.ID, m.Name, m.ModelID, m.ModelName, m.WorkerID, m.WorkerIP,
		m.Port, string(m.State), m.StateMessage, metadataJSON, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert model instance: %w", err)
	}

	// 提交事务
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	stored := m.Clone()
	s.publisher.Publish(instance.Added, stored)
	return stored, nil
}

// Update 更新模型实例
func (s *SQLiteStore) Update(ctx context.Context, id string, req instance.UpdateRequest) (*instance.ModelInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := s.findByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	updated := req.Apply(current)
	if err := updated.Validate(); err != nil {
		return nil, err
	}
	metadataJSON, err := encodeMetadata(updated.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
	UPDATE model_instances SET name = ?, worker_id = ?, worker_ip = ?, port = ?,
		state = ?, state_message = ?, metadata = ?, updated_at = ?
	WHERE id = ?`,
		updated.Name, updated.WorkerID, updated.WorkerIP, updated.Port,
		string(updated.State), updated.StateMessage, metadataJSON, updated.UpdatedAt, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update model instance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.publisher.Publish(instance.Modified, updated)
	return updated.Clone(), nil
}

// Delete 删除模型实例, returning the removed record
func (s *SQLiteStore) Delete(ctx context.Context, id string) (*instance.ModelInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := s.findByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM model_instances WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("failed to delete model instance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.publisher.Publish(instance.Deleted, current)
	return current, nil
}

// Close 关闭数据库连接
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Ping checks the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}
