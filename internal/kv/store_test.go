package kv_test

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"wayfarer/internal/kv"
	"wayfarer/internal/services"
	"wayfarer/internal/testsupport"
)

type backend struct {
	name    string
	open    func(t *testing.T) (kv.Store, func(time.Duration))
	expires bool
}

func backends() []backend {
	return []backend{
		{
			name: "memory",
			open: func(t *testing.T) (kv.Store, func(time.Duration)) {
				clock := clockwork.NewFakeClock()
				return kv.NewMemory(clock), clock.Advance
			},
			expires: true,
		},
		{
			name: "sqlite",
			open: func(t *testing.T) (kv.Store, func(time.Duration)) {
				clock := clockwork.NewFakeClock()
				store, err := kv.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "kv.db"), clock)
				if err != nil {
					t.Fatalf("OpenSQLite: %v", err)
				}
				t.Cleanup(func() { _ = store.Close() })
				return store, clock.Advance
			},
			expires: true,
		},
		{
			name: "redis",
			open: func(t *testing.T) (kv.Store, func(time.Duration)) {
				server := miniredis.RunT(t)
				store := kv.NewRedis(redis.NewClient(&redis.Options{Addr: server.Addr()}))
				t.Cleanup(func() { _ = store.Close() })
				return store, server.FastForward
			},
		},
	}
}

func TestStoreContract(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("get missing", func(t *testing.T) {
				store, _ := b.open(t)
				_, err := store.Get(ctx, "missing")
				if !errors.Is(err, kv.ErrNotFound) || !errors.Is(err, services.ErrNotFound) {
					t.Fatalf("expected not found, got %v", err)
				}
			})

			t.Run("set get delete", func(t *testing.T) {
				store, _ := b.open(t)
				if err := store.SetWithTTL(ctx, "k", []byte("v1"), 0); err != nil {
					t.Fatalf("SetWithTTL: %v", err)
				}
				if err := store.SetWithTTL(ctx, "k", []byte("v2"), time.Hour); err != nil {
					t.Fatalf("overwrite: %v", err)
				}
				got, err := store.Get(ctx, "k")
				if err != nil || string(got) != "v2" {
					t.Fatalf("Get = %q, %v", got, err)
				}
				if err := store.Delete(ctx, "k"); err != nil {
					t.Fatalf("Delete: %v", err)
				}
				if _, err := store.Get(ctx, "k"); !kv.IsNotFound(err) {
					t.Fatalf("expected not found after delete, got %v", err)
				}
				if err := store.Delete(ctx, "k"); err != nil {
					t.Fatalf("deleting a missing key should succeed: %v", err)
				}
			})

			t.Run("ttl expiry", func(t *testing.T) {
				store, advance := b.open(t)
				if err := store.SetWithTTL(ctx, "short", []byte("x"), time.Minute); err != nil {
					t.Fatalf("SetWithTTL: %v", err)
				}
				if err := store.SetWithTTL(ctx, "forever", []byte("y"), 0); err != nil {
					t.Fatalf("SetWithTTL: %v", err)
				}
				advance(2 * time.Minute)
				if _, err := store.Get(ctx, "short"); !kv.IsNotFound(err) {
					t.Fatalf("expected expired key to be gone, got %v", err)
				}
				if _, err := store.Get(ctx, "forever"); err != nil {
					t.Fatalf("expected key without ttl to survive, got %v", err)
				}
				removed, err := store.Purge(ctx)
				if err != nil {
					t.Fatalf("Purge: %v", err)
				}
				if b.expires && removed > 1 {
					t.Fatalf("expected at most one purged key, got %d", removed)
				}
			})

			t.Run("keys by prefix", func(t *testing.T) {
				store, _ := b.open(t)
				for _, key := range []string{"app:workflow:1", "app:workflow:2", "app:session:1", "other:workflow:3"} {
					if err := store.SetWithTTL(ctx, key, []byte("{}"), time.Hour); err != nil {
						t.Fatalf("SetWithTTL %s: %v", key, err)
					}
				}
				keys, err := store.KeysByPrefix(ctx, "app:workflow:")
				if err != nil {
					t.Fatalf("KeysByPrefix: %v", err)
				}
				sort.Strings(keys)
				want := []string{"app:workflow:1", "app:workflow:2"}
				if !reflect.DeepEqual(keys, want) {
					t.Fatalf("KeysByPrefix = %v, want %v", keys, want)
				}
			})

			t.Run("sets", func(t *testing.T) {
				store, _ := b.open(t)
				if err := store.SetAdd(ctx, "active", "a", "b", "a"); err != nil {
					t.Fatalf("SetAdd: %v", err)
				}
				if err := store.SetAdd(ctx, "active", "c"); err != nil {
					t.Fatalf("SetAdd: %v", err)
				}
				if err := store.SetRemove(ctx, "active", "b", "zzz"); err != nil {
					t.Fatalf("SetRemove: %v", err)
				}
				members, err := store.SetMembers(ctx, "active")
				if err != nil {
					t.Fatalf("SetMembers: %v", err)
				}
				sort.Strings(members)
				if !reflect.DeepEqual(members, []string{"a", "c"}) {
					t.Fatalf("SetMembers = %v", members)
				}
				empty, err := store.SetMembers(ctx, "nothing")
				if err != nil || len(empty) != 0 {
					t.Fatalf("expected empty set, got %v %v", empty, err)
				}
			})

			t.Run("ping", func(t *testing.T) {
				store, _ := b.open(t)
				if err := store.Ping(ctx); err != nil {
					t.Fatalf("Ping: %v", err)
				}
			})
		})
	}
}

func TestSQLitePurgeRemovesExpiredRows(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctx := context.Background()
	store, err := kv.OpenSQLite(ctx, filepath.Join(t.TempDir(), "kv.db"), clock)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer store.Close()

	for _, key := range []string{"a", "b"} {
		if err := store.SetWithTTL(ctx, key, []byte("x"), time.Second); err != nil {
			t.Fatalf("SetWithTTL: %v", err)
		}
	}
	if err := store.SetWithTTL(ctx, "keep", []byte("x"), time.Hour); err != nil {
		t.Fatalf("SetWithTTL: %v", err)
	}
	clock.Advance(time.Minute)
	removed, err := store.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 purged rows, got %d", removed)
	}
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")
	first, err := kv.OpenSQLite(ctx, path, nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := first.SetWithTTL(ctx, "persist", []byte("yes"), 0); err != nil {
		t.Fatalf("SetWithTTL: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := kv.OpenSQLite(ctx, path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	got, err := second.Get(ctx, "persist")
	if err != nil || string(got) != "yes" {
		t.Fatalf("Get after reopen = %q, %v", got, err)
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()

	cfg := testsupport.NewConfig(t, testsupport.WithStoreBackend("memory"))
	store, err := kv.Open(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("Open memory: %v", err)
	}
	if _, ok := store.(*kv.Memory); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}

	cfg = testsupport.NewConfig(t)
	store, err = kv.Open(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("Open sqlite: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*kv.SQLite); !ok {
		t.Fatalf("expected sqlite store, got %T", store)
	}

	cfg.Store.Backend = "etcd"
	if _, err := kv.Open(ctx, cfg, nil); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestOpenRedisWithURL(t *testing.T) {
	server := miniredis.RunT(t)
	cfg := testsupport.NewConfig(t, testsupport.WithStoreBackend("redis"))
	cfg.Store.RedisURL = "redis://" + server.Addr() + "/0"

	store, err := kv.Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Open redis: %v", err)
	}
	defer store.Close()
	if err := store.SetWithTTL(context.Background(), "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("SetWithTTL: %v", err)
	}
	if !server.Exists("k") {
		t.Fatal("expected key to be written to redis")
	}
}
