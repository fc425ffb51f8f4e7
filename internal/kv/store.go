package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"wayfarer/internal/config"
	"wayfarer/internal/services"
)

// ErrNotFound is returned by Get when a key is absent or has expired.
var ErrNotFound = fmt.Errorf("kv: %w", services.ErrNotFound)

// Store is the key-value persistence contract used by the workflow state
// layer. Values are opaque bytes; a non-positive TTL means the key never
// expires. Sets carry secondary indexes and never expire.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	KeysByPrefix(ctx context.Context, prefix string) ([]string, error)

	SetAdd(ctx context.Context, set string, members ...string) error
	SetRemove(ctx context.Context, set string, members ...string) error
	SetMembers(ctx context.Context, set string) ([]string, error)

	// Purge drops expired keys for backends that do not expire them natively
	// and reports how many were removed.
	Purge(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open builds the backend selected by cfg.Store.Backend.
func Open(ctx context.Context, cfg *config.Config, clock clockwork.Clock) (Store, error) {
	if cfg == nil {
		return nil, errors.New("kv: config is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	switch cfg.Store.Backend {
	case "memory":
		return NewMemory(clock), nil
	case "redis":
		return OpenRedis(ctx, cfg.Store.RedisURL)
	case "sqlite":
		return OpenSQLite(ctx, cfg.Store.SQLitePath, clock)
	default:
		return nil, services.Wrap(services.ErrConfiguration, "kv", "open", fmt.Sprintf("unsupported backend %q", cfg.Store.Backend), nil)
	}
}

// IsNotFound reports whether err signals a missing key.
func IsNotFound(err error) bool {
	return errors.Is(err, services.ErrNotFound)
}
