package kvdoc

import (
	"github.com/redis/go-redis/v9"
)

// RedisOptions returns redis.Options for the given connection settings.
//
// Timeouts are left to the retry policy: go-redis' own retries are disabled so
// a failed command surfaces once and gets classified there.
//
// For more complex setups (TLS, Sentinel, pool tuning) build redis.Options
// directly and use NewRedisBackend.
func RedisOptions(cfg ConnConfig) *redis.Options {
	opts := &redis.Options{
		Addr:       cfg.Endpoint,
		Username:   cfg.Username,
		Password:   cfg.Password,
		DB:         cfg.DB,
		MaxRetries: -1,
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	opts.ConnMaxIdleTime = cfg.MaxIdleTime
	return opts
}
