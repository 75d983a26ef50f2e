package storage

import (
	"fmt"
	"sort"

	"modelplane/internal/config"
	"modelplane/internal/instance"
	"modelplane/internal/logger"

	"github.com/sirupsen/logrus"
)

// 存储后端类型
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// New 根据配置创建资源存储. Every successful mutation is handed to pub
// before the mutating call returns.
func New(cfg config.StorageConfig, pub instance.Publisher, log *logger.Logger) (instance.Store, error) {
	switch cfg.Type {
	case BackendMemory, "":
		log.Info("Using in-memory model instance store")
		return NewMemoryStore(pub), nil
	case BackendSQLite:
		log.WithFields(logrus.Fields{
			"db_path": cfg.SQLite.DBPath,
		}).Info("Using sqlite model instance store")
		return NewSQLiteStore(cfg.SQLite.DBPath, pub)
	default:
		return nil, fmt.Errorf("%w: %s", ErrBackendNotFound, cfg.Type)
	}
}

// sortInstances orders by creation time, then id
func sortInstances(items []*instance.ModelInstance) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}

func noopPublisher() instance.Publisher {
	return instance.PublisherFunc(func(instance.ChangeKind, *instance.ModelInstance) {})
}
