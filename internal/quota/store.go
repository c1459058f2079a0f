package quota

import (
	"context"
	"errors"
	"fmt"

	"libria/internal/config"
)

// ErrLimitReached is returned by Store.Increment when the counter is already
// at the requested limit. The counter is left unchanged.
var ErrLimitReached = errors.New("usage limit reached")

// Store owns per-device QuotaState for the lifetime of a session.
type Store interface {
	// Load returns the device's state; unknown or expired devices are fresh.
	Load(ctx context.Context, device string) (State, error)

	// Increment applies Commit to the stored state and returns the result. The
	// read and the write are one atomic step: when the live count is already
	// at limit nothing changes and ErrLimitReached is returned.
	Increment(ctx context.Context, device string, limit int) (State, error)

	// Close releases resources held by the store.
	Close() error
}

// Open creates the Store selected by cfg.QuotaStore.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.QuotaStore {
	case config.StoreMemory, "":
		return NewMemoryStore(cfg.SessionTTL), nil
	case config.StoreRedis:
		return OpenRedisStore(ctx, cfg.RedisURL, cfg.SessionTTL)
	case config.StoreSQLite:
		return OpenSQLiteStore(cfg.SQLitePath, cfg.SessionTTL)
	default:
		return nil, fmt.Errorf("unknown quota store %q", cfg.QuotaStore)
	}
}
