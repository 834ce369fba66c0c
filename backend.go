package kvdoc

import (
	"context"
	"time"
)

// Item is a stored document together with its CAS token.
type Item struct {
	Value []byte
	CAS   uint64
}

// CounterOptions configures a Counter call.
type CounterOptions struct {
	// Initial is stored (and returned) when the key does not exist yet.
	// Nil means a missing key fails with ErrNotFound.
	Initial *int64
	TTL     time.Duration
}

// WithInitial returns CounterOptions seeding a missing counter with n.
func WithInitial(n int64) CounterOptions {
	return CounterOptions{Initial: &n}
}

// KV defines the capabilities the document layer needs from a key-value store.
// Implementations report failures with the sentinels in errors.go.
type KV interface {
	// Get returns the document stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) (Item, error)
	// GetMulti returns the documents that exist; absent keys are omitted.
	GetMulti(ctx context.Context, keys []string) (map[string]Item, error)

	// Insert creates key; ErrKeyExists if it is present. A zero ttl never expires.
	Insert(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error)
	// Upsert creates or overwrites key unconditionally.
	Upsert(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error)
	// Replace overwrites an existing key. A non-zero cas must match the stored
	// token (ErrCasMismatch); a missing key fails with ErrNotFound.
	Replace(ctx context.Context, key string, value []byte, cas uint64, ttl time.Duration) (uint64, error)
	// Remove deletes key, ErrNotFound if absent. A non-zero cas must match.
	Remove(ctx context.Context, key string, cas uint64) error

	// Counter atomically adds delta to the integer stored at key and returns
	// the result. Decrements floor at zero.
	Counter(ctx context.Context, key string, delta int64, opts CounterOptions) (int64, error)

	// GetAndLock reads key and locks it against mutation for the given duration.
	GetAndLock(ctx context.Context, key string, lock time.Duration) (Item, error)
	// Unlock releases a lock taken by GetAndLock.
	Unlock(ctx context.Context, key string, cas uint64) error

	// Health check
	Ping(ctx context.Context) error

	// Resource cleanup
	Close() error
}
