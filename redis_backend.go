package kvdoc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements KV on Redis.
//
// Each document is a hash {v: payload, c: cas, l: lock deadline in unix ms}.
// Conditional writes run as Lua scripts so the check and the write are atomic.
// CAS tokens come from a single INCR sequence per namespace.
//
// Key format: [{bucket}:]{key}
type RedisBackend struct {
	redis      *redis.Client
	prefix     string
	casKey     string
	now        func() time.Time
	ownsClient bool // If true, Close() will close the Redis client
}

// NewRedisBackend creates a backend over an existing client. bucket namespaces
// every key and may be empty.
func NewRedisBackend(client *redis.Client, bucket string) *RedisBackend {
	prefix := ""
	if bucket != "" {
		prefix = bucket + ":"
	}
	return &RedisBackend{
		redis:  client,
		prefix: prefix,
		casKey: prefix + "kvdoc:cas",
		now:    time.Now,
	}
}

// NewRedisBackendWithOwnedClient creates a backend that closes the client on Close()
func NewRedisBackendWithOwnedClient(client *redis.Client, bucket string) *RedisBackend {
	b := NewRedisBackend(client, bucket)
	b.ownsClient = true
	return b
}

// WithClock replaces the time source used for lock deadlines.
func (b *RedisBackend) WithClock(now func() time.Time) *RedisBackend {
	b.now = now
	return b
}

func (b *RedisBackend) key(key string) string {
	return b.prefix + key
}

func (b *RedisBackend) nowMillis() string {
	return strconv.FormatInt(b.now().UnixMilli(), 10)
}

func ttlMillis(ttl time.Duration) string {
	if ttl <= 0 {
		return "0"
	}
	return strconv.FormatInt(ttl.Milliseconds(), 10)
}

// storeLua overwrites KEYS[1] with ARGV[1] under a fresh cas and applies the ttl in ARGV[2].
const storeLua = `
local function store(key, casKey, value, ttl)
  local cas = redis.call('INCR', casKey)
  redis.call('DEL', key)
  redis.call('HSET', key, 'v', value, 'c', cas)
  if tonumber(ttl) > 0 then
    redis.call('PEXPIRE', key, ttl)
  end
  return cas
end
`

var insertScript = redis.NewScript(storeLua + `
if redis.call('EXISTS', KEYS[1]) == 1 then
  return redis.error_reply('KEY_EXISTS')
end
return store(KEYS[1], KEYS[2], ARGV[1], ARGV[2])
`)

var upsertScript = redis.NewScript(storeLua + `
local lock = tonumber(redis.call('HGET', KEYS[1], 'l') or '0')
if lock > tonumber(ARGV[3]) then
  return redis.error_reply('LOCKED')
end
return store(KEYS[1], KEYS[2], ARGV[1], ARGV[2])
`)

var replaceScript = redis.NewScript(storeLua + `
local cur = redis.call('HMGET', KEYS[1], 'c', 'l')
if not cur[1] then
  return redis.error_reply('NOT_FOUND')
end
local cas = tonumber(ARGV[4])
if tonumber(cur[2] or '0') > tonumber(ARGV[3]) and cas ~= tonumber(cur[1]) then
  return redis.error_reply('LOCKED')
end
if cas ~= 0 and cas ~= tonumber(cur[1]) then
  return redis.error_reply('CAS_MISMATCH')
end
return store(KEYS[1], KEYS[2], ARGV[1], ARGV[2])
`)

var removeScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'c', 'l')
if not cur[1] then
  return redis.error_reply('NOT_FOUND')
end
local cas = tonumber(ARGV[2])
if tonumber(cur[2] or '0') > tonumber(ARGV[1]) and cas ~= tonumber(cur[1]) then
  return redis.error_reply('LOCKED')
end
if cas ~= 0 and cas ~= tonumber(cur[1]) then
  return redis.error_reply('CAS_MISMATCH')
end
redis.call('DEL', KEYS[1])
return 1
`)

// ARGV: delta, has initial, initial, ttl, now
var counterScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'v', 'l')
local ttl = tonumber(ARGV[4])
local cas = 0
if not cur[1] then
  if ARGV[2] ~= '1' then
    return redis.error_reply('NOT_FOUND')
  end
  cas = redis.call('INCR', KEYS[2])
  redis.call('HSET', KEYS[1], 'v', ARGV[3], 'c', cas)
  if ttl > 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[4])
  end
  return ARGV[3]
end
if tonumber(cur[2] or '0') > tonumber(ARGV[5]) then
  return redis.error_reply('LOCKED')
end
if not string.match(cur[1], '^%d+$') then
  return redis.error_reply('BAD_VALUE')
end
local n = tonumber(cur[1]) + tonumber(ARGV[1])
if n < 0 then
  n = 0
end
local value = string.format('%d', n)
cas = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], 'v', value, 'c', cas)
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
end
return value
`)

// ARGV: lock deadline, now
var getAndLockScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'v', 'l')
if not cur[1] then
  return redis.error_reply('NOT_FOUND')
end
if tonumber(cur[2] or '0') > tonumber(ARGV[2]) then
  return redis.error_reply('LOCKED')
end
local cas = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], 'c', cas, 'l', ARGV[1])
return {cur[1], cas}
`)

// ARGV: cas, now
var unlockScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'c', 'l')
if not cur[1] then
  return redis.error_reply('NOT_FOUND')
end
if tonumber(cur[2] or '0') <= tonumber(ARGV[2]) then
  return 0
end
if tonumber(ARGV[1]) ~= tonumber(cur[1]) then
  return redis.error_reply('CAS_MISMATCH')
end
redis.call('HDEL', KEYS[1], 'l')
return 1
`)

// Get retrieves the document stored at key
func (b *RedisBackend) Get(ctx context.Context, key string) (Item, error) {
	vals, err := b.redis.HMGet(ctx, b.key(key), "v", "c").Result()
	if err != nil {
		return Item{}, mapRedisError(err)
	}
	item, ok, err := itemFromHash(vals)
	if err != nil {
		return Item{}, err
	}
	if !ok {
		return Item{}, ErrNotFound
	}
	return item, nil
}

// GetMulti retrieves every existing document among keys in one round trip
func (b *RedisBackend) GetMulti(ctx context.Context, keys []string) (map[string]Item, error) {
	items := make(map[string]Item, len(keys))
	if len(keys) == 0 {
		return items, nil
	}

	cmds := make([]*redis.SliceCmd, len(keys))
	_, err := b.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.HMGet(ctx, b.key(key), "v", "c")
		}
		return nil
	})
	if err != nil {
		return nil, mapRedisError(err)
	}

	for i, cmd := range cmds {
		item, ok, err := itemFromHash(cmd.Val())
		if err != nil {
			return nil, err
		}
		if ok {
			items[keys[i]] = item
		}
	}
	return items, nil
}

// Insert creates key if it does not exist
func (b *RedisBackend) Insert(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error) {
	cas, err := insertScript.Run(ctx, b.redis, []string{b.key(key), b.casKey}, value, ttlMillis(ttl)).Uint64()
	if err != nil {
		return 0, mapRedisError(err)
	}
	return cas, nil
}

// Upsert creates or overwrites key
func (b *RedisBackend) Upsert(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error) {
	cas, err := upsertScript.Run(ctx, b.redis, []string{b.key(key), b.casKey}, value, ttlMillis(ttl), b.nowMillis()).Uint64()
	if err != nil {
		return 0, mapRedisError(err)
	}
	return cas, nil
}

// Replace overwrites an existing key, optionally guarded by cas
func (b *RedisBackend) Replace(ctx context.Context, key string, value []byte, cas uint64, ttl time.Duration) (uint64, error) {
	newCAS, err := replaceScript.Run(ctx, b.redis, []string{b.key(key), b.casKey},
		value, ttlMillis(ttl), b.nowMillis(), strconv.FormatUint(cas, 10)).Uint64()
	if err != nil {
		return 0, mapRedisError(err)
	}
	return newCAS, nil
}

// Remove deletes key, optionally guarded by cas
func (b *RedisBackend) Remove(ctx context.Context, key string, cas uint64) error {
	err := removeScript.Run(ctx, b.redis, []string{b.key(key)}, b.nowMillis(), strconv.FormatUint(cas, 10)).Err()
	return mapRedisError(err)
}

// Counter atomically adjusts the integer stored at key
func (b *RedisBackend) Counter(ctx context.Context, key string, delta int64, opts CounterOptions) (int64, error) {
	hasInitial, initial := "0", "0"
	if opts.Initial != nil {
		hasInitial, initial = "1", strconv.FormatInt(*opts.Initial, 10)
	}

	val, err := counterScript.Run(ctx, b.redis, []string{b.key(key), b.casKey},
		strconv.FormatInt(delta, 10), hasInitial, initial, ttlMillis(opts.TTL), b.nowMillis()).Text()
	if err != nil {
		return 0, mapRedisError(err)
	}

	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid counter reply %q: %w", val, err)
	}
	return n, nil
}

// GetAndLock reads key and locks it for the given duration
func (b *RedisBackend) GetAndLock(ctx context.Context, key string, lock time.Duration) (Item, error) {
	deadline := strconv.FormatInt(b.now().Add(lock).UnixMilli(), 10)
	res, err := getAndLockScript.Run(ctx, b.redis, []string{b.key(key), b.casKey}, deadline, b.nowMillis()).Slice()
	if err != nil {
		return Item{}, mapRedisError(err)
	}
	if len(res) != 2 {
		return Item{}, fmt.Errorf("unexpected lock reply with %d elements", len(res))
	}

	value, _ := res[0].(string)
	cas, _ := res[1].(int64)
	return Item{Value: []byte(value), CAS: uint64(cas)}, nil
}

// Unlock releases a lock taken by GetAndLock
func (b *RedisBackend) Unlock(ctx context.Context, key string, cas uint64) error {
	err := unlockScript.Run(ctx, b.redis, []string{b.key(key)}, strconv.FormatUint(cas, 10), b.nowMillis()).Err()
	return mapRedisError(err)
}

// Ping checks if Redis is reachable
func (b *RedisBackend) Ping(ctx context.Context) error {
	return mapRedisError(b.redis.Ping(ctx).Err())
}

// Close releases the client if the backend owns it
func (b *RedisBackend) Close() error {
	if b.ownsClient && b.redis != nil {
		return b.redis.Close()
	}
	return nil
}

// itemFromHash converts an HMGET v c reply into an Item.
func itemFromHash(vals []interface{}) (Item, bool, error) {
	if len(vals) != 2 || vals[0] == nil {
		return Item{}, false, nil
	}
	value, ok := vals[0].(string)
	if !ok {
		return Item{}, false, fmt.Errorf("unexpected value type %T", vals[0])
	}
	var cas uint64
	if s, ok := vals[1].(string); ok {
		parsed, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return Item{}, false, fmt.Errorf("invalid cas %q: %w", s, err)
		}
		cas = parsed
	}
	return Item{Value: []byte(value), CAS: cas}, true, nil
}

// mapRedisError translates script error replies and transport failures into
// the backend error taxonomy.
func mapRedisError(err error) error {
	if err == nil || err == redis.Nil {
		return nil
	}
	if IsCanceled(err) {
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "KEY_EXISTS"):
		return ErrKeyExists
	case strings.Contains(msg, "NOT_FOUND"):
		return ErrNotFound
	case strings.Contains(msg, "CAS_MISMATCH"):
		return ErrCasMismatch
	case strings.Contains(msg, "BAD_VALUE"):
		return ErrBadValue
	case strings.Contains(msg, "LOCKED"):
		return ErrLocked
	case strings.HasPrefix(msg, "BUSY"), strings.HasPrefix(msg, "LOADING"), strings.HasPrefix(msg, "TRYAGAIN"):
		return fmt.Errorf("%w: %v", ErrTempFail, err)
	}
	return err
}
