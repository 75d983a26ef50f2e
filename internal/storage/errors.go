package storage

import "errors"

// 存储相关错误
var (
	ErrBackendNotFound = errors.New("storage backend not found")
	ErrAlreadyExists   = errors.New("model instance already exists")
	ErrStoreClosed     = errors.New("store closed")
)
