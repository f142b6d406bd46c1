// Package storage is the key-value persistence layer behind providers, route configs, key pools,
// request logs and usage counters.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaisavezi/claude-relay/internal/config"
)

var ErrNotFound = errors.New("storage: key not found")

// Store is a string-keyed blob store. A ttl of zero means the entry never expires; expired entries
// are invisible to Get and List.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// List returns the sorted keys starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// Purger is implemented by backends that keep expired rows around until asked to drop them.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Open builds the backend named by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite, "":
		return NewSQLiteStore(cfg.DSN)
	case DriverRedis:
		return NewRedisStore(ctx, cfg.DSN)
	case DriverPostgres:
		return NewPostgresStore(ctx, cfg.DSN)
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

func expiry(now time.Time, ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := now.Add(ttl)
	return &t
}
