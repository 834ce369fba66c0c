package kvdoc

import (
	"testing"
	"time"
)

func TestRedisOptions(t *testing.T) {
	opts := RedisOptions(ConnConfig{
		Endpoint:    "redis.example.com:6380",
		Username:    "app",
		Password:    "secret123",
		DB:          5,
		MaxIdleTime: 40 * time.Second,
		DialTimeout: 2 * time.Second,
	})

	if opts.Addr != "redis.example.com:6380" {
		t.Errorf("expected addr redis.example.com:6380, got %s", opts.Addr)
	}
	if opts.Username != "app" || opts.Password != "secret123" {
		t.Errorf("credentials not passed through: %s/%s", opts.Username, opts.Password)
	}
	if opts.DB != 5 {
		t.Errorf("expected db 5, got %d", opts.DB)
	}
	if opts.MaxRetries != -1 {
		t.Errorf("client retries should be disabled, got %d", opts.MaxRetries)
	}
	if opts.DialTimeout != 2*time.Second {
		t.Errorf("expected dial timeout 2s, got %v", opts.DialTimeout)
	}
	if opts.ConnMaxIdleTime != 40*time.Second {
		t.Errorf("expected idle time 40s, got %v", opts.ConnMaxIdleTime)
	}
}

func TestRedisOptions_ZeroDialTimeout(t *testing.T) {
	opts := RedisOptions(ConnConfig{Endpoint: "localhost:6379"})
	if opts.DialTimeout != 0 {
		t.Errorf("zero dial timeout should leave the client default, got %v", opts.DialTimeout)
	}
}
