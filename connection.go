package kvdoc

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Dialer establishes a new backend session.
type Dialer func(ctx context.Context, cfg ConnConfig) (KV, error)

// Connection owns one lazily established backend session.
//
// The session expires after MaxIdleTime without use (sliding window) and is
// rebuilt on the next Active call. A Connection belongs to a single worker and
// is not safe for concurrent use.
type Connection struct {
	cfg     ConnConfig
	dial    Dialer
	breaker *CircuitBreaker
	now     func() time.Time
	logger  Logger
	metrics Metrics

	kv      KV
	session string
	lastUse time.Time
}

// NewConnection creates a Connection. No session is dialed until first use.
func NewConnection(cfg ConnConfig, dial Dialer, logger Logger, metrics Metrics) *Connection {
	c := &Connection{
		cfg:     cfg,
		dial:    dial,
		now:     time.Now,
		logger:  loggerOrNoOp(logger),
		metrics: metricsOrNoOp(metrics),
	}
	if cfg.BreakerFailures > 0 {
		reset := cfg.BreakerReset
		if reset <= 0 {
			reset = DefaultBreakerReset
		}
		c.breaker = NewCircuitBreaker(cfg.BreakerFailures, reset).
			WithStateChangeCallback(func(from, to BreakerState) {
				c.logger.Warn("dial circuit breaker state changed", "from", from, "to", to, "endpoint", cfg.Endpoint)
			})
	}
	return c
}

// WithClock replaces the time source used for idle tracking.
func (c *Connection) WithClock(now func() time.Time) *Connection {
	c.now = now
	if c.breaker != nil {
		c.breaker.WithClock(now)
	}
	return c
}

// Check reports whether the current session is fresh. A fresh session has
// its idle window extended.
func (c *Connection) Check() bool {
	now := c.now()
	if c.kv == nil || now.After(c.lastUse.Add(c.cfg.MaxIdleTime)) {
		if c.kv != nil {
			c.metrics.Increment(MetricSessionStale)
			c.logger.Debug("backend session idle too long", "session", c.session, "last_use", c.lastUse)
		}
		return false
	}
	c.lastUse = now
	return true
}

// Active returns a usable session, reconnecting when the current one is stale.
func (c *Connection) Active(ctx context.Context) (KV, error) {
	if c.Check() {
		return c.kv, nil
	}
	if err := c.Reconnect(ctx); err != nil {
		return nil, err
	}
	return c.kv, nil
}

// Reconnect drops the current session and dials a new one. Dial failures are
// returned as is; the caller decides whether to try again.
func (c *Connection) Reconnect(ctx context.Context) error {
	if err := c.Close(); err != nil {
		c.logger.Warn("failed to close backend session", "session", c.session, "error", err)
	}

	if c.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
	}

	var kv KV
	dial := func() error {
		var err error
		kv, err = c.dial(ctx, c.cfg)
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(dial)
	} else {
		err = dial()
	}
	if err != nil {
		c.metrics.Increment(MetricReconnectFailed)
		c.logger.Error("failed to establish backend session", "endpoint", c.cfg.Endpoint, "error", err)
		return err
	}

	c.kv = kv
	c.session = uuid.NewString()
	c.lastUse = c.now()
	c.metrics.Increment(MetricReconnect)
	c.logger.Info("backend session established", "session", c.session, "endpoint", c.cfg.Endpoint)
	return nil
}

// Close drops the session. The idle clock is reset even when closing fails so
// the next Active call always dials.
func (c *Connection) Close() error {
	kv := c.kv
	c.kv = nil
	c.lastUse = time.Time{}
	if kv == nil {
		return nil
	}
	return kv.Close()
}

// Session returns the id of the current session, empty when disconnected.
func (c *Connection) Session() string {
	if c.kv == nil {
		return ""
	}
	return c.session
}

// DialRedis opens a Redis session and verifies it with PING.
func DialRedis(ctx context.Context, cfg ConnConfig) (KV, error) {
	client := redis.NewClient(RedisOptions(cfg))
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.Endpoint, mapRedisError(err))
	}
	return NewRedisBackendWithOwnedClient(client, cfg.Bucket), nil
}

// DialBolt opens the bbolt file named by cfg.Endpoint. bbolt holds an
// exclusive file lock, so only one session per file can be open at a time.
func DialBolt(ctx context.Context, cfg ConnConfig) (KV, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = DefaultBoltBucket
	}
	return OpenBoltBackend(cfg.Endpoint, bucket, cfg.DialTimeout)
}

// DialMemory returns a Dialer handing out sessions on a shared MemoryBackend.
// Closing a session leaves the store open for other connections.
func DialMemory(m *MemoryBackend) Dialer {
	return func(ctx context.Context, cfg ConnConfig) (KV, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return sharedSession{m}, nil
	}
}

type sharedSession struct {
	KV
}

func (sharedSession) Close() error { return nil }

// DialerFor returns the stock dialer for a backend name. The memory backend
// gets a fresh store per call.
func DialerFor(backend string) (Dialer, error) {
	switch backend {
	case BackendRedis:
		return DialRedis, nil
	case BackendBolt:
		return DialBolt, nil
	case BackendMemory:
		return DialMemory(NewMemoryBackend()), nil
	default:
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Backend",
			"value":  backend,
			"reason": "unknown backend type",
		})
	}
}
