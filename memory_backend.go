package kvdoc

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryBackend implements KV in process memory.
// Useful for tests and single-process tools; all operations are atomic under one mutex.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	nextCAS uint64
	now     func() time.Time
	closed  bool
}

type memEntry struct {
	value     []byte
	cas       uint64
	expires   time.Time
	lockUntil time.Time
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// WithClock replaces the time source used for TTL and lock expiry.
func (m *MemoryBackend) WithClock(now func() time.Time) *MemoryBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

// Len returns the number of live keys.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key := range m.entries {
		if m.lookup(key) != nil {
			n++
		}
	}
	return n
}

// lookup returns the live entry for key, evicting it if expired. Caller holds mu.
func (m *MemoryBackend) lookup(key string) *memEntry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, key)
		return nil
	}
	return e
}

func (m *MemoryBackend) locked(e *memEntry) bool {
	return !e.lockUntil.IsZero() && m.now().Before(e.lockUntil)
}

// checkLock rejects a mutation of a locked entry unless cas is the lock token.
func (m *MemoryBackend) checkLock(e *memEntry, cas uint64) error {
	if m.locked(e) && cas != e.cas {
		return ErrLocked
	}
	return nil
}

func (m *MemoryBackend) store(key string, value []byte, ttl time.Duration) uint64 {
	m.nextCAS++
	e := &memEntry{
		value: append([]byte(nil), value...),
		cas:   m.nextCAS,
	}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.entries[key] = e
	return e.cas
}

func (m *MemoryBackend) guard(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.closed {
		return ErrNotConnected
	}
	return nil
}

// Get retrieves the document stored at key
func (m *MemoryBackend) Get(ctx context.Context, key string) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(ctx); err != nil {
		return Item{}, err
	}

	e := m.lookup(key)
	if e == nil {
		return Item{}, ErrNotFound
	}
	return Item{Value: append([]byte(nil), e.value...), CAS: e.cas}, nil
}

// GetMulti retrieves every existing document among keys
func (m *MemoryBackend) GetMulti(ctx context.Context, keys []string) (map[string]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(ctx); err != nil {
		return nil, err
	}

	items := make(map[string]Item, len(keys))
	for _, key := range keys {
		if e := m.lookup(key); e != nil {
			items[key] = Item{Value: append([]byte(nil), e.value...), CAS: e.cas}
		}
	}
	return items, nil
}

// Insert creates key if it does not exist
func (m *MemoryBackend) Insert(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(ctx); err != nil {
		return 0, err
	}

	if m.lookup(key) != nil {
		return 0, ErrKeyExists
	}
	return m.store(key, value, ttl), nil
}

// Upsert creates or overwrites key
func (m *MemoryBackend) Upsert(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(ctx); err != nil {
		return 0, err
	}

	if e := m.lookup(key); e != nil {
		if err := m.checkLock(e, 0); err != nil {
			return 0, err
		}
	}
	return m.store(key, value, ttl), nil
}

// Replace overwrites an existing key, optionally guarded by cas
func (m *MemoryBackend) Replace(ctx context.Context, key string, value []byte, cas uint64, ttl time.Duration) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(ctx); err != nil {
		return 0, err
	}

	e := m.lookup(key)
	if e == nil {
		return 0, ErrNotFound
	}
	if err := m.checkLock(e, cas); err != nil {
		return 0, err
	}
	if cas != 0 && cas != e.cas {
		return 0, ErrCasMismatch
	}
	return m.store(key, value, ttl), nil
}

// Remove deletes key, optionally guarded by cas
func (m *MemoryBackend) Remove(ctx context.Context, key string, cas uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(ctx); err != nil {
		return err
	}

	e := m.lookup(key)
	if e == nil {
		return ErrNotFound
	}
	if err := m.checkLock(e, cas); err != nil {
		return err
	}
	if cas != 0 && cas != e.cas {
		return ErrCasMismatch
	}
	delete(m.entries, key)
	return nil
}

// Counter atomically adjusts the integer stored at key
func (m *MemoryBackend) Counter(ctx context.Context, key string, delta int64, opts CounterOptions) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(ctx); err != nil {
		return 0, err
	}

	e := m.lookup(key)
	if e == nil {
		if opts.Initial == nil {
			return 0, ErrNotFound
		}
		m.store(key, []byte(strconv.FormatInt(*opts.Initial, 10)), opts.TTL)
		return *opts.Initial, nil
	}
	if err := m.checkLock(e, 0); err != nil {
		return 0, err
	}

	current, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, ErrBadValue
	}
	next := current + delta
	if next < 0 {
		next = 0
	}

	// Counters keep their expiry unless a new one is given.
	expires := e.expires
	m.store(key, []byte(strconv.FormatInt(next, 10)), opts.TTL)
	if opts.TTL <= 0 {
		m.entries[key].expires = expires
	}
	return next, nil
}

// GetAndLock reads key and locks it for the given duration
func (m *MemoryBackend) GetAndLock(ctx context.Context, key string, lock time.Duration) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(ctx); err != nil {
		return Item{}, err
	}

	e := m.lookup(key)
	if e == nil {
		return Item{}, ErrNotFound
	}
	if m.locked(e) {
		return Item{}, ErrLocked
	}
	m.nextCAS++
	e.cas = m.nextCAS
	e.lockUntil = m.now().Add(lock)
	return Item{Value: append([]byte(nil), e.value...), CAS: e.cas}, nil
}

// Unlock releases a lock taken by GetAndLock
func (m *MemoryBackend) Unlock(ctx context.Context, key string, cas uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(ctx); err != nil {
		return err
	}

	e := m.lookup(key)
	if e == nil {
		return ErrNotFound
	}
	if !m.locked(e) {
		return nil
	}
	if cas != e.cas {
		return ErrCasMismatch
	}
	e.lockUntil = time.Time{}
	return nil
}

// Ping checks if the backend is usable
func (m *MemoryBackend) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.guard(ctx)
}

// Close marks the backend closed; data is kept so a shared instance can be reopened.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Reopen makes a closed backend usable again.
func (m *MemoryBackend) Reopen() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = false
}
