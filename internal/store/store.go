// Package store holds the idempotency store used to avoid publishing the
// same transition twice.
package store

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"caltrigger/internal/config"
	appLog "caltrigger/internal/log"
	"caltrigger/internal/store/memory"
	"caltrigger/internal/store/postgres"
	"caltrigger/internal/store/sqlite"
)

// Store remembers which transition ids have already been published.
// Implementations must be safe for concurrent use.
type Store interface {
	// Exists reports whether id was recorded before.
	Exists(ctx context.Context, id string) (bool, error)
	// Record marks id as published. Recording an existing id is a no-op.
	Record(ctx context.Context, id string) error
	Close() error
}

// Pruner is implemented by stores that can drop old records.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

var (
	_ Store  = (*memory.Store)(nil)
	_ Store  = (*sqlite.Store)(nil)
	_ Store  = (*postgres.Store)(nil)
	_ Pruner = (*memory.Store)(nil)
	_ Pruner = (*sqlite.Store)(nil)
	_ Pruner = (*postgres.Store)(nil)
)

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case config.StoreMemory:
		appLog.Info("store opened", "driver", cfg.Driver)
		return memory.New(), nil
	case config.StoreSQLite:
		s, err := sqlite.NewStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		appLog.Info("store opened", "driver", cfg.Driver, "path", filepath.Clean(s.Path()))
		return s, nil
	case config.StorePostgres:
		s, err := postgres.New(ctx, cfg.DSN, cfg.Table)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		appLog.Info("store opened", "driver", cfg.Driver, "table", cfg.Table)
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownStoreDriver, cfg.Driver)
	}
}
