package storage

import (
	"fmt"
	"path/filepath"

	"llmhouse-backend/internal/config"
)

// New 按配置创建存储后端，调用方负责 Init
func New(cfg config.StorageConfig) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStorage(), nil
	case "disk":
		return NewDiskStorage(cfg.DataDir), nil
	case "sqlite":
		return NewSQLiteStorage(filepath.Join(cfg.DataDir, "llmhouse.db"))
	case "redis":
		return NewRedisStorage(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
