package kvdoc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupRedisClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	kv := NewRedisBackend(rdb, "test")
	dial := func(ctx context.Context, cfg ConnConfig) (KV, error) { return kv, nil }
	conn := NewConnection(testConnConfig(), dial, nil, nil)
	return NewClient(NewPolicy(testRetryConfig(3), conn, nil, nil)), mr
}

func TestClient_InsertKeepsFirstValue(t *testing.T) {
	ctx := context.Background()
	client, _ := setupRedisClient(t)

	if _, err := client.Insert(ctx, "k", []byte("a")); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if _, err := client.Insert(ctx, "k", []byte("b")); !IsKeyExists(err) {
		t.Fatalf("expected ErrKeyExists, got %v", err)
	}

	item, found, err := client.Get(ctx, "k")
	if err != nil || !found {
		t.Fatalf("get failed: found=%v err=%v", found, err)
	}
	if string(item.Value) != "a" {
		t.Errorf("expected a, got %q", item.Value)
	}
}

func TestClient_InsertSilenced(t *testing.T) {
	ctx := context.Background()
	client, _ := setupRedisClient(t)

	if _, err := client.Insert(ctx, "k", []byte("a")); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if _, err := client.Insert(ctx, "k", []byte("b"), WithCondition(SilenceKeyExists)); err != nil {
		t.Errorf("silenced insert should not fail: %v", err)
	}
}

func TestClient_Counter(t *testing.T) {
	ctx := context.Background()
	client, _ := setupRedisClient(t)

	n, err := client.Counter(ctx, "c", 1, WithCounterInitial(1))
	if err != nil || n != 1 {
		t.Fatalf("expected 1, got %d, %v", n, err)
	}
	n, err = client.Counter(ctx, "c", 1, WithCounterInitial(1))
	if err != nil || n != 2 {
		t.Fatalf("expected 2, got %d, %v", n, err)
	}

	if _, err := client.Upsert(ctx, "s", []byte("text")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if _, err := client.Counter(ctx, "s", 1); !errors.Is(err, ErrBadValue) {
		t.Errorf("expected ErrBadValue, got %v", err)
	}
}

func TestClient_RemoveAndReplace(t *testing.T) {
	ctx := context.Background()
	client, _ := setupRedisClient(t)

	removed, err := client.Remove(ctx, "missing")
	if err != nil || removed {
		t.Errorf("removing a missing key should be silent, got removed=%v err=%v", removed, err)
	}

	cas, err := client.Upsert(ctx, "k", []byte("v1"))
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if _, err := client.Replace(ctx, "k", []byte("v2"), WithCAS(cas+1)); !errors.Is(err, ErrCasMismatch) {
		t.Errorf("expected ErrCasMismatch, got %v", err)
	}
	if _, err := client.Replace(ctx, "k", []byte("v2"), WithCAS(cas)); err != nil {
		t.Errorf("replace with current cas failed: %v", err)
	}

	removed, err = client.Remove(ctx, "k")
	if err != nil || !removed {
		t.Errorf("expected removal, got removed=%v err=%v", removed, err)
	}
	if _, found, _ := client.Get(ctx, "k"); found {
		t.Error("key should be gone")
	}
}

func TestClient_GetMulti(t *testing.T) {
	ctx := context.Background()
	client, _ := setupRedisClient(t)

	for _, k := range []string{"a", "c"} {
		if _, err := client.Upsert(ctx, k, []byte(k)); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
	}

	items, err := client.GetMulti(ctx, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("get multi failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if _, ok := items["b"]; ok {
		t.Error("missing keys must be omitted")
	}

	empty, err := client.GetMulti(ctx, nil)
	if err != nil || len(empty) != 0 {
		t.Errorf("expected empty result, got %v, %v", empty, err)
	}
}

func TestClient_LockCycle(t *testing.T) {
	ctx := context.Background()
	client, _ := setupRedisClient(t)

	if _, err := client.Insert(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	item, found, err := client.GetAndLock(ctx, "k", time.Minute)
	if err != nil || !found {
		t.Fatalf("lock failed: found=%v err=%v", found, err)
	}

	// A second locker sees a busy key until retries run out.
	if _, _, err := client.GetAndLock(ctx, "k", time.Minute); !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", err)
	}

	if err := client.Unlock(ctx, "k", item.CAS+1); !errors.Is(err, ErrCasMismatch) {
		t.Errorf("expected ErrCasMismatch, got %v", err)
	}
	if err := client.Unlock(ctx, "k", item.CAS); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
	if _, err := client.Upsert(ctx, "k", []byte("v2")); err != nil {
		t.Errorf("upsert after unlock failed: %v", err)
	}

	_, found, err = client.GetAndLock(ctx, "missing", time.Minute)
	if err != nil || found {
		t.Errorf("locking a missing key should be silent, got found=%v err=%v", found, err)
	}
}

func TestClient_Ping(t *testing.T) {
	client, mr := setupRedisClient(t)

	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}

	mr.Close()
	if err := client.Ping(context.Background()); err == nil {
		t.Error("expected ping to fail once the server is gone")
	}
}
