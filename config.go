package kvdoc

import (
	"os"
	"strconv"
	"time"
)

// Configuration constants for kvdoc operations
const (
	// Retry policy
	DefaultMaxAttempts    = 2
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 2 * time.Second
	DefaultJitterPercent  = 0.5 // 50% jitter to avoid thundering herd

	// Connection lifecycle; matches the backend's own idle timeout
	DefaultMaxIdleTime     = 40 * time.Second
	DefaultDialTimeout     = 5 * time.Second
	DefaultBreakerFailures = 5
	DefaultBreakerReset    = 30 * time.Second

	// Entity driver
	DefaultChunkSize = 2000
	DefaultLockTime  = 5 * time.Second

	DefaultBoltBucket = "kvdoc"
)

// Backend types understood by Config.Backend
const (
	BackendRedis  = "redis"
	BackendBolt   = "bolt"
	BackendMemory = "memory"
)

// RetryConfig holds configuration for retry operations with exponential backoff
type RetryConfig struct {
	MaxAttempts    int           // total attempts, first one included
	InitialBackoff time.Duration // wait before the second attempt
	MaxBackoff     time.Duration // cap on any single wait
	JitterPercent  float64       // 0..1
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    DefaultMaxAttempts,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		JitterPercent:  DefaultJitterPercent,
	}
}

// Validate checks if the RetryConfig is valid
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MaxAttempts",
			"value":  c.MaxAttempts,
			"reason": "must be at least 1",
		})
	}
	if c.InitialBackoff <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "InitialBackoff",
			"value":  c.InitialBackoff,
			"reason": "must be positive",
		})
	}
	if c.MaxBackoff < c.InitialBackoff {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MaxBackoff",
			"value":  c.MaxBackoff,
			"reason": "must be >= InitialBackoff",
		})
	}
	if c.JitterPercent < 0 || c.JitterPercent > 1 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "JitterPercent",
			"value":  c.JitterPercent,
			"reason": "must be between 0 and 1",
		})
	}
	return nil
}

// ConnConfig describes how to reach the KV backend.
type ConnConfig struct {
	Endpoint string // host:port for redis, file path for bolt
	Username string
	Password string
	Bucket   string // key namespace (redis) or bucket name (bolt)
	DB       int    // redis logical database

	MaxIdleTime time.Duration // sessions idle longer than this are rebuilt
	DialTimeout time.Duration

	// Consecutive dial failures before dialing fails fast; 0 disables the breaker.
	BreakerFailures int
	BreakerReset    time.Duration
}

// Config is the complete configuration of a driver stack.
type Config struct {
	Backend    string
	Connection ConnConfig
	Retry      RetryConfig
	Codec      string
	ChunkSize  int
	LockTime   time.Duration
	LogLevel   string
}

// DefaultConfig returns a configuration for a local Redis.
func DefaultConfig() Config {
	return Config{
		Backend: BackendRedis,
		Connection: ConnConfig{
			Endpoint:        "localhost:6379",
			MaxIdleTime:     DefaultMaxIdleTime,
			DialTimeout:     DefaultDialTimeout,
			BreakerFailures: DefaultBreakerFailures,
			BreakerReset:    DefaultBreakerReset,
		},
		Retry:     DefaultRetryConfig(),
		Codec:     "json",
		ChunkSize: DefaultChunkSize,
		LockTime:  DefaultLockTime,
		LogLevel:  "info",
	}
}

// Validate checks if the Config is valid
func (c Config) Validate() error {
	switch c.Backend {
	case BackendRedis, BackendBolt:
		if c.Connection.Endpoint == "" {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "Connection.Endpoint",
				"reason": c.Backend + " backend requires an endpoint",
			})
		}
	case BackendMemory:
	default:
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Backend",
			"value":  c.Backend,
			"reason": "unknown backend type",
		})
	}
	if c.Connection.MaxIdleTime <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Connection.MaxIdleTime",
			"value":  c.Connection.MaxIdleTime,
			"reason": "must be positive",
		})
	}
	if c.ChunkSize < 1 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "ChunkSize",
			"value":  c.ChunkSize,
			"reason": "must be positive",
		})
	}
	if c.LockTime <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "LockTime",
			"value":  c.LockTime,
			"reason": "must be positive",
		})
	}
	if _, err := CodecByName(c.Codec); err != nil {
		return err
	}
	return c.Retry.Validate()
}

// ConfigFromEnv returns DefaultConfig overridden by KVDOC_* environment variables.
//
// Environment variables read:
//   - KVDOC_BACKEND (redis, bolt, memory)
//   - KVDOC_ADDR, KVDOC_USERNAME, KVDOC_PASSWORD, KVDOC_BUCKET, KVDOC_DB
//   - KVDOC_BOLT_PATH (used as the endpoint when the backend is bolt)
//   - KVDOC_MAX_IDLE_TIME (seconds)
//   - KVDOC_MAX_ATTEMPTS
//   - KVDOC_CODEC (json, msgpack)
//   - KVDOC_LOG_LEVEL
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if v := os.Getenv("KVDOC_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("KVDOC_ADDR"); v != "" {
		cfg.Connection.Endpoint = v
	}
	if cfg.Backend == BackendBolt {
		cfg.Connection.Endpoint = getEnvOrDefault("KVDOC_BOLT_PATH", "kvdoc.db")
	}
	cfg.Connection.Username = os.Getenv("KVDOC_USERNAME")
	cfg.Connection.Password = os.Getenv("KVDOC_PASSWORD")
	cfg.Connection.Bucket = os.Getenv("KVDOC_BUCKET")
	cfg.Connection.DB = getEnvAsInt("KVDOC_DB", 0)
	cfg.Connection.MaxIdleTime = time.Duration(getEnvAsInt("KVDOC_MAX_IDLE_TIME", int(DefaultMaxIdleTime/time.Second))) * time.Second
	cfg.Retry.MaxAttempts = getEnvAsInt("KVDOC_MAX_ATTEMPTS", DefaultMaxAttempts)
	cfg.Codec = getEnvOrDefault("KVDOC_CODEC", cfg.Codec)
	cfg.LogLevel = getEnvOrDefault("KVDOC_LOG_LEVEL", cfg.LogLevel)

	return cfg
}

func getEnvOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// getEnvAsInt reads an integer environment variable with a default fallback.
func getEnvAsInt(key string, defaultVal int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultVal
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultVal
	}

	return value
}
