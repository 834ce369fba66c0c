package kvdoc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// faultKV wraps a KV and fails selected operations with queued errors.
type faultKV struct {
	KV

	mu     sync.Mutex
	faults map[string][]error
	calls  map[string]int
	closes int
}

func newFaultKV(inner KV) *faultKV {
	return &faultKV{
		KV:     inner,
		faults: make(map[string][]error),
		calls:  make(map[string]int),
	}
}

// failNext makes the next len(errs) calls of op fail with errs, in order.
func (f *faultKV) failNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op] = append(f.faults[op], errs...)
}

func (f *faultKV) next(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	queue := f.faults[op]
	if len(queue) == 0 {
		return nil
	}
	f.faults[op] = queue[1:]
	return queue[0]
}

func (f *faultKV) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *faultKV) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *faultKV) Get(ctx context.Context, key string) (Item, error) {
	if err := f.next("get"); err != nil {
		return Item{}, err
	}
	return f.KV.Get(ctx, key)
}

func (f *faultKV) GetMulti(ctx context.Context, keys []string) (map[string]Item, error) {
	if err := f.next("get_multi"); err != nil {
		return nil, err
	}
	return f.KV.GetMulti(ctx, keys)
}

func (f *faultKV) Insert(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error) {
	if err := f.next("insert"); err != nil {
		return 0, err
	}
	return f.KV.Insert(ctx, key, value, ttl)
}

func (f *faultKV) Upsert(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error) {
	if err := f.next("upsert"); err != nil {
		return 0, err
	}
	return f.KV.Upsert(ctx, key, value, ttl)
}

func (f *faultKV) Replace(ctx context.Context, key string, value []byte, cas uint64, ttl time.Duration) (uint64, error) {
	if err := f.next("replace"); err != nil {
		return 0, err
	}
	return f.KV.Replace(ctx, key, value, cas, ttl)
}

func (f *faultKV) Remove(ctx context.Context, key string, cas uint64) error {
	if err := f.next("remove"); err != nil {
		return err
	}
	return f.KV.Remove(ctx, key, cas)
}

func (f *faultKV) Counter(ctx context.Context, key string, delta int64, opts CounterOptions) (int64, error) {
	if err := f.next("counter"); err != nil {
		return 0, err
	}
	return f.KV.Counter(ctx, key, delta, opts)
}

func (f *faultKV) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

// countingDialer hands out kv and counts dials.
type countingDialer struct {
	mu    sync.Mutex
	kv    KV
	err   error
	dials int
}

func (d *countingDialer) Dial(ctx context.Context, cfg ConnConfig) (KV, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	return d.kv, nil
}

func (d *countingDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func testConnConfig() ConnConfig {
	return ConnConfig{
		Endpoint:    "test",
		MaxIdleTime: DefaultMaxIdleTime,
	}
}

func testRetryConfig(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

// newTestClient builds a client over a fault injector on a fresh memory store.
func newTestClient(t *testing.T, attempts int) (*Client, *faultKV, *countingDialer, *InMemoryMetrics) {
	t.Helper()
	fk := newFaultKV(NewMemoryBackend())
	dialer := &countingDialer{kv: fk}
	metrics := NewInMemoryMetrics()
	conn := NewConnection(testConnConfig(), dialer.Dial, nil, metrics)
	client := NewClient(NewPolicy(testRetryConfig(attempts), conn, nil, metrics))
	return client, fk, dialer, metrics
}

// newTestDriver builds a driver over a shared memory store, the way workers
// share one backend.
func newTestDriver(t *testing.T, store *MemoryBackend, schemas ...Schema) *Driver {
	t.Helper()
	conn := NewConnection(testConnConfig(), DialMemory(store), nil, nil)
	client := NewClient(NewPolicy(testRetryConfig(3), conn, nil, nil))
	d := NewDriver(client, JSONCodec{})
	for _, s := range schemas {
		if err := d.Register(s); err != nil {
			t.Fatalf("register %s: %v", s.Name, err)
		}
	}
	return d
}

// newRedisTestDriver builds a driver with its own Redis client against mr,
// the way separate workers reach one server.
func newRedisTestDriver(t *testing.T, mr *miniredis.Miniredis, schemas ...Schema) *Driver {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	kv := NewRedisBackend(rdb, "test")
	dial := func(ctx context.Context, cfg ConnConfig) (KV, error) { return kv, nil }
	conn := NewConnection(testConnConfig(), dial, nil, nil)
	d := NewDriver(NewClient(NewPolicy(testRetryConfig(3), conn, nil, nil)), JSONCodec{})
	for _, s := range schemas {
		if err := d.Register(s); err != nil {
			t.Fatalf("register %s: %v", s.Name, err)
		}
	}
	return d
}
