package cache

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// setupTestRedis connects to a local Redis for unit tests and skips when none
// is running. The integration build tag starts a container instead.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not available for testing: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return client
}

func TestNewRedisStoreRequiresClient(t *testing.T) {
	if _, err := NewRedisStore(nil, "ns"); err == nil {
		t.Fatalf("nil client should be rejected")
	}
}

func TestRedisStoreLifecycle(t *testing.T) {
	client := setupTestRedis(t)
	exerciseRedisStore(t, client)
}

func exerciseRedisStore(t *testing.T, client *redis.Client) {
	t.Helper()
	store, err := NewRedisStore(client, "swgate-test")
	if err != nil {
		t.Fatalf("NewRedisStore error: %v", err)
	}
	ctx := context.Background()
	key := MustKey(http.MethodGet, "http://site.local/api/data.json")

	static, err := store.Open(ctx, "site-static-v1")
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	dynamic, err := store.Open(ctx, "site-dynamic-v1")
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	if err := dynamic.Put(ctx, key, Stamp(200, "OK", nil, []byte(`{"v":1}`), time.Now())); err != nil {
		t.Fatalf("put error: %v", err)
	}

	got, err := store.Match(ctx, key)
	if err != nil || string(got.Body) != `{"v":1}` {
		t.Fatalf("match mismatch: %v %v", got, err)
	}
	if _, err := static.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected miss in static partition, got %v", err)
	}

	names, err := store.Partitions(ctx)
	if err != nil || len(names) != 2 || names[0] != "site-static-v1" {
		t.Fatalf("unexpected partitions %v %v", names, err)
	}
	keys, err := dynamic.Keys(ctx)
	if err != nil || len(keys) != 1 || keys[0] != key {
		t.Fatalf("unexpected keys %v %v", keys, err)
	}

	existed, err := store.Delete(ctx, "site-dynamic-v1")
	if err != nil || !existed {
		t.Fatalf("delete error: %v %v", existed, err)
	}
	if err := dynamic.Put(ctx, key, Stamp(200, "OK", nil, nil, time.Now())); !errors.Is(err, ErrPartitionDeleted) {
		t.Fatalf("expected ErrPartitionDeleted, got %v", err)
	}
	if _, err := store.Match(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}
