package testsupport

import (
	"context"
	"testing"

	"github.com/jonboulle/clockwork"

	"wayfarer/internal/config"
	"wayfarer/internal/kv"
)

// MustOpenStore opens the configured kv backend and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config, clock clockwork.Clock) kv.Store {
	t.Helper()

	store, err := kv.Open(context.Background(), cfg, clock)
	if err != nil {
		t.Fatalf("kv.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
