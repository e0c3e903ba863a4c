package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"hyperisle/internal/island"
	logx "hyperisle/pkg/logx"
)

// Store is the persistence API used by the island engine and the digest.
// It satisfies island.StateStore.
type Store interface {
	SaveCounters(ctx context.Context, counters map[string]island.Counters, lastDecay time.Time) error
	LoadCounters(ctx context.Context) (map[string]island.Counters, time.Time, error)
	SaveCooldown(ctx context.Context, key string, until time.Time) error
	LoadCooldowns(ctx context.Context) (map[string]time.Time, error)
	AppendSuppressed(ctx context.Context, e SuppressedEntry) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
