package kvdoc

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// kvFixture opens a fresh backend whose notion of time is driven by advance.
type kvFixture struct {
	name string
	open func(t *testing.T) (kv KV, advance func(time.Duration))
}

func kvFixtures() []kvFixture {
	return []kvFixture{
		{
			name: "Memory",
			open: func(t *testing.T) (KV, func(time.Duration)) {
				clock := newFakeClock()
				return NewMemoryBackend().WithClock(clock.Now), clock.Advance
			},
		},
		{
			name: "Redis",
			open: func(t *testing.T) (KV, func(time.Duration)) {
				mr := miniredis.RunT(t)
				clock := newFakeClock()
				client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
				kv := NewRedisBackendWithOwnedClient(client, "test").WithClock(clock.Now)
				t.Cleanup(func() { _ = kv.Close() })
				return kv, func(d time.Duration) {
					clock.Advance(d)
					mr.FastForward(d)
				}
			},
		},
		{
			name: "Bolt",
			open: func(t *testing.T) (KV, func(time.Duration)) {
				clock := newFakeClock()
				kv, err := OpenBoltBackend(filepath.Join(t.TempDir(), "kv.db"), "test", time.Second)
				if err != nil {
					t.Fatalf("open bolt: %v", err)
				}
				kv.WithClock(clock.Now)
				t.Cleanup(func() { _ = kv.Close() })
				return kv, clock.Advance
			},
		},
	}
}

// TestKVCompliance runs the same suite against every KV implementation
func TestKVCompliance(t *testing.T) {
	for _, fx := range kvFixtures() {
		fx := fx
		t.Run(fx.name, func(t *testing.T) {
			t.Run("InsertTwice", func(t *testing.T) {
				kv, _ := fx.open(t)
				testInsertTwice(t, kv)
			})
			t.Run("Counter", func(t *testing.T) {
				kv, _ := fx.open(t)
				testCounter(t, kv)
			})
			t.Run("ReplaceAndRemove", func(t *testing.T) {
				kv, _ := fx.open(t)
				testReplaceAndRemove(t, kv)
			})
			t.Run("GetMulti", func(t *testing.T) {
				kv, _ := fx.open(t)
				testGetMulti(t, kv)
			})
			t.Run("TTL", func(t *testing.T) {
				kv, advance := fx.open(t)
				testTTL(t, kv, advance)
			})
			t.Run("Lock", func(t *testing.T) {
				kv, advance := fx.open(t)
				testLock(t, kv, advance)
			})
		})
	}
}

func testInsertTwice(t *testing.T, kv KV) {
	ctx := context.Background()

	if _, err := kv.Insert(ctx, "k", []byte("a"), 0); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	_, err := kv.Insert(ctx, "k", []byte("b"), 0)
	if !errors.Is(err, ErrKeyExists) {
		t.Fatalf("expected ErrKeyExists, got %v", err)
	}

	item, err := kv.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(item.Value) != "a" {
		t.Errorf("expected 'a', got %q", item.Value)
	}

	if _, err := kv.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testCounter(t *testing.T, kv KV) {
	ctx := context.Background()

	n, err := kv.Counter(ctx, "c", 1, WithInitial(1))
	if err != nil || n != 1 {
		t.Fatalf("first counter = %d, %v; want 1", n, err)
	}
	n, err = kv.Counter(ctx, "c", 1, WithInitial(1))
	if err != nil || n != 2 {
		t.Fatalf("second counter = %d, %v; want 2", n, err)
	}

	n, err = kv.Counter(ctx, "c", -10, CounterOptions{})
	if err != nil || n != 0 {
		t.Errorf("decrement = %d, %v; want floor at 0", n, err)
	}

	if _, err := kv.Counter(ctx, "absent", 1, CounterOptions{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound without initial, got %v", err)
	}

	if _, err := kv.Insert(ctx, "text", []byte("abc"), 0); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if _, err := kv.Counter(ctx, "text", 1, WithInitial(1)); !errors.Is(err, ErrBadValue) {
		t.Errorf("expected ErrBadValue, got %v", err)
	}
}

func testReplaceAndRemove(t *testing.T, kv KV) {
	ctx := context.Background()

	if _, err := kv.Replace(ctx, "doc", []byte("x"), 0, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("replace of missing key: expected ErrNotFound, got %v", err)
	}

	cas, err := kv.Insert(ctx, "doc", []byte("v1"), 0)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if _, err := kv.Replace(ctx, "doc", []byte("v2"), cas+100, 0); !errors.Is(err, ErrCasMismatch) {
		t.Errorf("expected ErrCasMismatch, got %v", err)
	}
	newCAS, err := kv.Replace(ctx, "doc", []byte("v2"), cas, 0)
	if err != nil {
		t.Fatalf("replace with matching cas failed: %v", err)
	}
	if newCAS == cas {
		t.Error("expected cas to change on write")
	}

	if err := kv.Remove(ctx, "doc", cas); !errors.Is(err, ErrCasMismatch) {
		t.Errorf("remove with stale cas: expected ErrCasMismatch, got %v", err)
	}
	if err := kv.Remove(ctx, "doc", 0); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := kv.Remove(ctx, "doc", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("second remove: expected ErrNotFound, got %v", err)
	}
}

func testGetMulti(t *testing.T, kv KV) {
	ctx := context.Background()
	for _, k := range []string{"a", "b"} {
		if _, err := kv.Upsert(ctx, k, []byte(k+"-value"), 0); err != nil {
			t.Fatalf("upsert %s failed: %v", k, err)
		}
	}

	items, err := kv.GetMulti(ctx, []string{"a", "missing", "b"})
	if err != nil {
		t.Fatalf("get multi failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if string(items["b"].Value) != "b-value" {
		t.Errorf("unexpected value for b: %q", items["b"].Value)
	}
	if _, ok := items["missing"]; ok {
		t.Error("absent key should be omitted")
	}
}

func testTTL(t *testing.T, kv KV, advance func(time.Duration)) {
	ctx := context.Background()

	if _, err := kv.Upsert(ctx, "short", []byte("x"), time.Second); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if _, err := kv.Upsert(ctx, "forever", []byte("y"), 0); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	advance(2 * time.Second)

	if _, err := kv.Get(ctx, "short"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected expired key to be gone, got %v", err)
	}
	if _, err := kv.Get(ctx, "forever"); err != nil {
		t.Errorf("key without ttl should survive: %v", err)
	}
}

func testLock(t *testing.T, kv KV, advance func(time.Duration)) {
	ctx := context.Background()

	if _, err := kv.Insert(ctx, "doc", []byte("v1"), 0); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	item, err := kv.GetAndLock(ctx, "doc", 5*time.Second)
	if err != nil {
		t.Fatalf("get and lock failed: %v", err)
	}
	if string(item.Value) != "v1" {
		t.Errorf("expected locked value 'v1', got %q", item.Value)
	}

	_, err = kv.Upsert(ctx, "doc", []byte("other"), 0)
	if !errors.Is(err, ErrLocked) || !IsTransient(err) {
		t.Errorf("upsert of locked key: expected transient ErrLocked, got %v", err)
	}
	if _, err := kv.GetAndLock(ctx, "doc", time.Second); !errors.Is(err, ErrLocked) {
		t.Errorf("second lock: expected ErrLocked, got %v", err)
	}
	if err := kv.Unlock(ctx, "doc", item.CAS+100); !errors.Is(err, ErrCasMismatch) {
		t.Errorf("unlock with wrong cas: expected ErrCasMismatch, got %v", err)
	}

	// The lock holder writes through its lock, which releases it.
	if _, err := kv.Replace(ctx, "doc", []byte("v2"), item.CAS, 0); err != nil {
		t.Fatalf("replace by lock holder failed: %v", err)
	}
	if _, err := kv.Upsert(ctx, "doc", []byte("v3"), 0); err != nil {
		t.Fatalf("upsert after release failed: %v", err)
	}

	// Explicit unlock
	item, err = kv.GetAndLock(ctx, "doc", 5*time.Second)
	if err != nil {
		t.Fatalf("relock failed: %v", err)
	}
	if err := kv.Unlock(ctx, "doc", item.CAS); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
	if _, err := kv.Upsert(ctx, "doc", []byte("v4"), 0); err != nil {
		t.Fatalf("upsert after unlock failed: %v", err)
	}

	// Expiry
	if _, err := kv.GetAndLock(ctx, "doc", time.Second); err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	advance(2 * time.Second)
	if _, err := kv.Upsert(ctx, "doc", []byte("v5"), 0); err != nil {
		t.Errorf("upsert after lock expiry failed: %v", err)
	}

	if _, err := kv.GetAndLock(ctx, "missing", time.Second); !errors.Is(err, ErrNotFound) {
		t.Errorf("lock of missing key: expected ErrNotFound, got %v", err)
	}
}

func TestMemoryBackend_CloseAndReopen(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()

	if _, err := m.Upsert(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	_ = m.Close()
	if _, err := m.Get(ctx, "k"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected after close, got %v", err)
	}

	m.Reopen()
	if _, err := m.Get(ctx, "k"); err != nil {
		t.Errorf("data should survive reopen: %v", err)
	}
	if m.Len() != 1 {
		t.Errorf("expected 1 key, got %d", m.Len())
	}
}

func TestMemoryBackend_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewMemoryBackend().Get(ctx, "k"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRedisBackend_Namespace(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	kv := NewRedisBackend(client, "app")
	if _, err := kv.Insert(ctx, "users:1", []byte(`{"id":"1"}`), 0); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	if !mr.Exists("app:users:1") {
		t.Error("expected document under bucket prefix")
	}
	if got := mr.HGet("app:users:1", "v"); got != `{"id":"1"}` {
		t.Errorf("unexpected stored value %q", got)
	}
}

func TestMapRedisError(t *testing.T) {
	tests := []struct {
		reply string
		want  error
	}{
		{"KEY_EXISTS", ErrKeyExists},
		{"NOT_FOUND", ErrNotFound},
		{"CAS_MISMATCH", ErrCasMismatch},
		{"BAD_VALUE", ErrBadValue},
		{"LOCKED", ErrLocked},
		{"BUSY Redis is busy running a script", ErrTempFail},
		{"LOADING Redis is loading the dataset in memory", ErrTempFail},
	}
	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			err := mapRedisError(errors.New(tt.reply))
			if !errors.Is(err, tt.want) {
				t.Errorf("mapRedisError(%q) = %v, want %v", tt.reply, err, tt.want)
			}
		})
	}

	if mapRedisError(redis.Nil) != nil {
		t.Error("redis.Nil should map to nil")
	}
	if err := mapRedisError(context.Canceled); !errors.Is(err, context.Canceled) {
		t.Errorf("cancellation should pass through, got %v", err)
	}
}
