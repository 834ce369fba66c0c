package kvdoc

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"go.etcd.io/bbolt"
)

// boltHeaderSize is the size of the record header: cas, expiry and lock
// deadline as big-endian uint64 unix nanoseconds (0 = unset).
const boltHeaderSize = 24

type boltRecord struct {
	cas       uint64
	expires   int64
	lockUntil int64
	value     []byte
}

func decodeBoltRecord(raw []byte) (boltRecord, error) {
	if len(raw) < boltHeaderSize {
		return boltRecord{}, fmt.Errorf("bolt record too short: %d bytes", len(raw))
	}
	return boltRecord{
		cas:       binary.BigEndian.Uint64(raw[0:8]),
		expires:   int64(binary.BigEndian.Uint64(raw[8:16])),
		lockUntil: int64(binary.BigEndian.Uint64(raw[16:24])),
		value:     append([]byte(nil), raw[boltHeaderSize:]...),
	}, nil
}

func (r boltRecord) encode() []byte {
	buf := make([]byte, boltHeaderSize+len(r.value))
	binary.BigEndian.PutUint64(buf[0:8], r.cas)
	binary.BigEndian.PutUint64(buf[8:16], uint64(r.expires))
	binary.BigEndian.PutUint64(buf[16:24], uint64(r.lockUntil))
	copy(buf[boltHeaderSize:], r.value)
	return buf
}

// BoltBackend implements KV on an embedded bbolt file. Every operation runs
// in its own bbolt transaction, so conditional writes are atomic.
type BoltBackend struct {
	db     *bbolt.DB
	bucket []byte
	now    func() time.Time
}

// OpenBoltBackend opens (creating if needed) the file at path. timeout bounds
// the wait for the file lock; zero waits forever.
func OpenBoltBackend(path, bucket string, timeout time.Duration) (*BoltBackend, error) {
	opts := *bbolt.DefaultOptions
	opts.Timeout = timeout

	db, err := bbolt.Open(path, 0600, &opts)
	if err != nil {
		return nil, fmt.Errorf("bolt %s: %w", path, err)
	}

	b := &BoltBackend{db: db, bucket: []byte(bucket), now: time.Now}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(b.bucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt %s: create bucket: %w", path, err)
	}
	return b, nil
}

// WithClock replaces the time source used for TTL and lock expiry.
func (b *BoltBackend) WithClock(now func() time.Time) *BoltBackend {
	b.now = now
	return b
}

// DB returns the underlying bbolt handle.
func (b *BoltBackend) DB() *bbolt.DB {
	return b.db
}

// lookup returns the live record at key. Expired records read as absent.
func (b *BoltBackend) lookup(bk *bbolt.Bucket, key string, now int64) (boltRecord, bool, error) {
	raw := bk.Get([]byte(key))
	if raw == nil {
		return boltRecord{}, false, nil
	}
	rec, err := decodeBoltRecord(raw)
	if err != nil {
		return boltRecord{}, false, err
	}
	if rec.expires != 0 && now >= rec.expires {
		return boltRecord{}, false, nil
	}
	return rec, true, nil
}

func (rec boltRecord) locked(now int64) bool {
	return rec.lockUntil != 0 && now < rec.lockUntil
}

func checkBoltLock(rec boltRecord, cas uint64, now int64) error {
	if rec.locked(now) && cas != rec.cas {
		return ErrLocked
	}
	return nil
}

func (b *BoltBackend) view(ctx context.Context, fn func(bk *bbolt.Bucket, now int64) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := b.now().UnixNano()
	return b.db.View(func(tx *bbolt.Tx) error {
		return fn(tx.Bucket(b.bucket), now)
	})
}

func (b *BoltBackend) update(ctx context.Context, fn func(bk *bbolt.Bucket, now int64) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := b.now().UnixNano()
	return b.db.Update(func(tx *bbolt.Tx) error {
		return fn(tx.Bucket(b.bucket), now)
	})
}

// put stores value at key under a fresh cas from the bucket sequence.
func put(bk *bbolt.Bucket, key string, rec boltRecord) (uint64, error) {
	cas, err := bk.NextSequence()
	if err != nil {
		return 0, err
	}
	rec.cas = cas
	if err := bk.Put([]byte(key), rec.encode()); err != nil {
		return 0, err
	}
	return cas, nil
}

func expiry(now int64, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now + int64(ttl)
}

// Get retrieves the document stored at key
func (b *BoltBackend) Get(ctx context.Context, key string) (Item, error) {
	var item Item
	err := b.view(ctx, func(bk *bbolt.Bucket, now int64) error {
		rec, ok, err := b.lookup(bk, key, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		item = Item{Value: rec.value, CAS: rec.cas}
		return nil
	})
	return item, err
}

// GetMulti retrieves every existing document among keys in one transaction
func (b *BoltBackend) GetMulti(ctx context.Context, keys []string) (map[string]Item, error) {
	items := make(map[string]Item, len(keys))
	err := b.view(ctx, func(bk *bbolt.Bucket, now int64) error {
		for _, key := range keys {
			rec, ok, err := b.lookup(bk, key, now)
			if err != nil {
				return err
			}
			if ok {
				items[key] = Item{Value: rec.value, CAS: rec.cas}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Insert creates key if it does not exist
func (b *BoltBackend) Insert(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error) {
	var cas uint64
	err := b.update(ctx, func(bk *bbolt.Bucket, now int64) error {
		_, ok, err := b.lookup(bk, key, now)
		if err != nil {
			return err
		}
		if ok {
			return ErrKeyExists
		}
		cas, err = put(bk, key, boltRecord{value: value, expires: expiry(now, ttl)})
		return err
	})
	return cas, err
}

// Upsert creates or overwrites key
func (b *BoltBackend) Upsert(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error) {
	var cas uint64
	err := b.update(ctx, func(bk *bbolt.Bucket, now int64) error {
		rec, ok, err := b.lookup(bk, key, now)
		if err != nil {
			return err
		}
		if ok {
			if err := checkBoltLock(rec, 0, now); err != nil {
				return err
			}
		}
		cas, err = put(bk, key, boltRecord{value: value, expires: expiry(now, ttl)})
		return err
	})
	return cas, err
}

// Replace overwrites an existing key, optionally guarded by cas
func (b *BoltBackend) Replace(ctx context.Context, key string, value []byte, cas uint64, ttl time.Duration) (uint64, error) {
	var newCAS uint64
	err := b.update(ctx, func(bk *bbolt.Bucket, now int64) error {
		rec, ok, err := b.lookup(bk, key, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		if err := checkBoltLock(rec, cas, now); err != nil {
			return err
		}
		if cas != 0 && cas != rec.cas {
			return ErrCasMismatch
		}
		newCAS, err = put(bk, key, boltRecord{value: value, expires: expiry(now, ttl)})
		return err
	})
	return newCAS, err
}

// Remove deletes key, optionally guarded by cas
func (b *BoltBackend) Remove(ctx context.Context, key string, cas uint64) error {
	return b.update(ctx, func(bk *bbolt.Bucket, now int64) error {
		rec, ok, err := b.lookup(bk, key, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		if err := checkBoltLock(rec, cas, now); err != nil {
			return err
		}
		if cas != 0 && cas != rec.cas {
			return ErrCasMismatch
		}
		return bk.Delete([]byte(key))
	})
}

// Counter atomically adjusts the integer stored at key
func (b *BoltBackend) Counter(ctx context.Context, key string, delta int64, opts CounterOptions) (int64, error) {
	var result int64
	err := b.update(ctx, func(bk *bbolt.Bucket, now int64) error {
		rec, ok, err := b.lookup(bk, key, now)
		if err != nil {
			return err
		}
		if !ok {
			if opts.Initial == nil {
				return ErrNotFound
			}
			result = *opts.Initial
			_, err := put(bk, key, boltRecord{
				value:   []byte(strconv.FormatInt(result, 10)),
				expires: expiry(now, opts.TTL),
			})
			return err
		}
		if err := checkBoltLock(rec, 0, now); err != nil {
			return err
		}

		current, err := strconv.ParseInt(string(rec.value), 10, 64)
		if err != nil {
			return ErrBadValue
		}
		result = current + delta
		if result < 0 {
			result = 0
		}

		next := boltRecord{value: []byte(strconv.FormatInt(result, 10)), expires: rec.expires}
		if opts.TTL > 0 {
			next.expires = expiry(now, opts.TTL)
		}
		_, err = put(bk, key, next)
		return err
	})
	return result, err
}

// GetAndLock reads key and locks it for the given duration
func (b *BoltBackend) GetAndLock(ctx context.Context, key string, lock time.Duration) (Item, error) {
	var item Item
	err := b.update(ctx, func(bk *bbolt.Bucket, now int64) error {
		rec, ok, err := b.lookup(bk, key, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		if rec.locked(now) {
			return ErrLocked
		}
		rec.lockUntil = now + int64(lock)
		cas, err := put(bk, key, rec)
		if err != nil {
			return err
		}
		item = Item{Value: rec.value, CAS: cas}
		return nil
	})
	return item, err
}

// Unlock releases a lock taken by GetAndLock
func (b *BoltBackend) Unlock(ctx context.Context, key string, cas uint64) error {
	return b.update(ctx, func(bk *bbolt.Bucket, now int64) error {
		rec, ok, err := b.lookup(bk, key, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		if !rec.locked(now) {
			return nil
		}
		if cas != rec.cas {
			return ErrCasMismatch
		}
		rec.lockUntil = 0
		return bk.Put([]byte(key), rec.encode())
	})
}

// Ping checks the database file is open
func (b *BoltBackend) Ping(ctx context.Context) error {
	return b.view(ctx, func(bk *bbolt.Bucket, now int64) error {
		if bk == nil {
			return fmt.Errorf("bolt bucket %q missing", b.bucket)
		}
		return nil
	})
}

// Close closes the database file
func (b *BoltBackend) Close() error {
	return b.db.Close()
}
