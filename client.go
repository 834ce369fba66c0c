package kvdoc

import (
	"context"
	"time"
)

// CallOption adjusts a single Client call.
type CallOption func(*callOptions)

type callOptions struct {
	cond    Condition
	ttl     time.Duration
	cas     uint64
	initial *int64
}

// WithCondition overrides the call's default error classification.
func WithCondition(c Condition) CallOption {
	return func(o *callOptions) { o.cond = c }
}

// WithTTL sets the expiry of a written document.
func WithTTL(ttl time.Duration) CallOption {
	return func(o *callOptions) { o.ttl = ttl }
}

// WithCAS guards Replace, Remove and Unlock with a CAS token.
func WithCAS(cas uint64) CallOption {
	return func(o *callOptions) { o.cas = cas }
}

// WithCounterInitial seeds a missing counter.
func WithCounterInitial(n int64) CallOption {
	return func(o *callOptions) { o.initial = &n }
}

func buildOptions(def Condition, opts []CallOption) callOptions {
	o := callOptions{cond: def}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Client issues single-key backend calls through a retry Policy.
//
// Each call has a default Condition:
//
//	Get, GetMulti, Upsert, Remove, GetAndLock  SilenceNotFound
//	Insert                                     FailKeyExists
//	Replace                                    FailNotFound
//	Counter                                    FailBadValue
//	Unlock                                     FailKeyExists
//	Ping                                       Base
//
// A silenced call returns a zero result and a nil error.
type Client struct {
	policy *Policy
}

// NewClient creates a client over policy.
func NewClient(policy *Policy) *Client {
	return &Client{policy: policy}
}

// Policy returns the retry policy used by the client.
func (c *Client) Policy() *Policy {
	return c.policy
}

// Get returns the document at key. found is false when the document is
// absent and the call's condition silenced that.
func (c *Client) Get(ctx context.Context, key string, opts ...CallOption) (item Item, found bool, err error) {
	o := buildOptions(SilenceNotFound, opts)
	silenced, err := c.policy.Do(ctx, "get", o.cond, func(ctx context.Context, kv KV) error {
		var err error
		item, err = kv.Get(ctx, key)
		return err
	})
	if err != nil || silenced {
		return Item{}, false, err
	}
	return item, true, nil
}

// GetMulti returns the documents among keys that exist.
func (c *Client) GetMulti(ctx context.Context, keys []string, opts ...CallOption) (map[string]Item, error) {
	if len(keys) == 0 {
		return map[string]Item{}, nil
	}
	o := buildOptions(SilenceNotFound, opts)
	var items map[string]Item
	silenced, err := c.policy.Do(ctx, "get_multi", o.cond, func(ctx context.Context, kv KV) error {
		var err error
		items, err = kv.GetMulti(ctx, keys)
		return err
	})
	if err != nil {
		return nil, err
	}
	if silenced || items == nil {
		return map[string]Item{}, nil
	}
	return items, nil
}

// Insert creates key and returns its CAS.
func (c *Client) Insert(ctx context.Context, key string, value []byte, opts ...CallOption) (uint64, error) {
	o := buildOptions(FailKeyExists, opts)
	var cas uint64
	_, err := c.policy.Do(ctx, "insert", o.cond, func(ctx context.Context, kv KV) error {
		var err error
		cas, err = kv.Insert(ctx, key, value, o.ttl)
		return err
	})
	return cas, err
}

// Upsert writes key unconditionally and returns its CAS.
func (c *Client) Upsert(ctx context.Context, key string, value []byte, opts ...CallOption) (uint64, error) {
	o := buildOptions(SilenceNotFound, opts)
	var cas uint64
	_, err := c.policy.Do(ctx, "upsert", o.cond, func(ctx context.Context, kv KV) error {
		var err error
		cas, err = kv.Upsert(ctx, key, value, o.ttl)
		return err
	})
	return cas, err
}

// Replace overwrites an existing key and returns its new CAS.
func (c *Client) Replace(ctx context.Context, key string, value []byte, opts ...CallOption) (uint64, error) {
	o := buildOptions(FailNotFound, opts)
	var cas uint64
	_, err := c.policy.Do(ctx, "replace", o.cond, func(ctx context.Context, kv KV) error {
		var err error
		cas, err = kv.Replace(ctx, key, value, o.cas, o.ttl)
		return err
	})
	return cas, err
}

// Remove deletes key. removed is false when the key was already absent.
func (c *Client) Remove(ctx context.Context, key string, opts ...CallOption) (removed bool, err error) {
	o := buildOptions(SilenceNotFound, opts)
	silenced, err := c.policy.Do(ctx, "remove", o.cond, func(ctx context.Context, kv KV) error {
		return kv.Remove(ctx, key, o.cas)
	})
	return err == nil && !silenced, err
}

// Counter adds delta to the counter at key and returns the new value.
func (c *Client) Counter(ctx context.Context, key string, delta int64, opts ...CallOption) (int64, error) {
	o := buildOptions(FailBadValue, opts)
	var n int64
	_, err := c.policy.Do(ctx, "counter", o.cond, func(ctx context.Context, kv KV) error {
		var err error
		n, err = kv.Counter(ctx, key, delta, CounterOptions{Initial: o.initial, TTL: o.ttl})
		return err
	})
	return n, err
}

// GetAndLock reads key and locks it for lock. The returned CAS unlocks it.
func (c *Client) GetAndLock(ctx context.Context, key string, lock time.Duration, opts ...CallOption) (item Item, found bool, err error) {
	o := buildOptions(SilenceNotFound, opts)
	silenced, err := c.policy.Do(ctx, "get_and_lock", o.cond, func(ctx context.Context, kv KV) error {
		var err error
		item, err = kv.GetAndLock(ctx, key, lock)
		return err
	})
	if err != nil || silenced {
		return Item{}, false, err
	}
	return item, true, nil
}

// Unlock releases a lock taken by GetAndLock.
func (c *Client) Unlock(ctx context.Context, key string, cas uint64, opts ...CallOption) error {
	o := buildOptions(FailKeyExists, opts)
	_, err := c.policy.Do(ctx, "unlock", o.cond, func(ctx context.Context, kv KV) error {
		return kv.Unlock(ctx, key, cas)
	})
	return err
}

// Ping checks the backend through the active session.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.policy.Do(ctx, "ping", Base, func(ctx context.Context, kv KV) error {
		return kv.Ping(ctx)
	})
	return err
}
