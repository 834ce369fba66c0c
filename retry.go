package kvdoc

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// Decision is the outcome of classifying one failed attempt.
type Decision int

const (
	// Retry runs the operation again after a backoff wait.
	Retry Decision = iota
	// StopAndThrow returns the error to the caller.
	StopAndThrow
	// StopAndSucceed swallows the error; the caller gets a zero result.
	StopAndSucceed
)

func (d Decision) String() string {
	switch d {
	case Retry:
		return "retry"
	case StopAndThrow:
		return "stop_and_throw"
	case StopAndSucceed:
		return "stop_and_succeed"
	default:
		return "unknown"
	}
}

// Verdict is a Decision plus whether the session must be rebuilt first.
type Verdict struct {
	Decision  Decision
	Reconnect bool
}

// Condition selects how backend errors are classified for one call.
type Condition int

const (
	// Base retries transient failures and reconnects on anything unexpected.
	Base Condition = iota
	FailNotFound
	FailKeyExists
	FailBadValue
	SilenceNotFound
	SilenceKeyExists
)

var conditionNames = map[Condition]string{
	Base:             "base",
	FailNotFound:     "fail_not_found",
	FailKeyExists:    "fail_key_exists",
	FailBadValue:     "fail_bad_value",
	SilenceNotFound:  "silence_not_found",
	SilenceKeyExists: "silence_key_exists",
}

func (c Condition) String() string {
	if name, ok := conditionNames[c]; ok {
		return name
	}
	return "unknown"
}

// Decide classifies err under c.
func (c Condition) Decide(err error) Verdict {
	switch c {
	case FailNotFound:
		if errors.Is(err, ErrNotFound) {
			return Verdict{Decision: StopAndThrow}
		}
	case FailKeyExists:
		if errors.Is(err, ErrKeyExists) {
			return Verdict{Decision: StopAndThrow}
		}
	case FailBadValue:
		if errors.Is(err, ErrBadValue) {
			return Verdict{Decision: StopAndThrow}
		}
	case SilenceNotFound:
		if errors.Is(err, ErrNotFound) {
			return Verdict{Decision: StopAndSucceed}
		}
	case SilenceKeyExists:
		if errors.Is(err, ErrKeyExists) {
			return Verdict{Decision: StopAndSucceed}
		}
	}
	return decideBase(err)
}

func decideBase(err error) Verdict {
	switch {
	case errors.Is(err, ErrTempFail):
		return Verdict{Decision: Retry}
	case IsCanceled(err):
		// The session did nothing wrong.
		return Verdict{Decision: StopAndThrow}
	default:
		return Verdict{Decision: StopAndThrow, Reconnect: true}
	}
}

// Policy runs backend calls on a Connection with exponential backoff,
// classifying every failure with a Condition.
type Policy struct {
	cfg     RetryConfig
	conn    *Connection
	logger  Logger
	metrics Metrics
}

// NewPolicy creates a retry policy bound to conn.
func NewPolicy(cfg RetryConfig, conn *Connection, logger Logger, metrics Metrics) *Policy {
	return &Policy{
		cfg:     cfg,
		conn:    conn,
		logger:  loggerOrNoOp(logger),
		metrics: metricsOrNoOp(metrics),
	}
}

// Connection returns the connection the policy runs on.
func (p *Policy) Connection() *Connection {
	return p.conn
}

func (p *Policy) backoff() retry.Backoff {
	b := retry.NewExponential(p.cfg.InitialBackoff)
	if p.cfg.JitterPercent > 0 {
		b = retry.WithJitterPercent(uint64(p.cfg.JitterPercent*100), b)
	}
	if p.cfg.MaxBackoff > 0 {
		b = retry.WithCappedDuration(p.cfg.MaxBackoff, b)
	}
	attempts := p.cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return retry.WithMaxRetries(uint64(attempts-1), b)
}

// Do runs fn on the active session until it succeeds, cond stops it, or the
// attempts run out. silenced is true when cond swallowed the final error.
func (p *Policy) Do(ctx context.Context, op string, cond Condition, fn func(ctx context.Context, kv KV) error) (silenced bool, err error) {
	start := time.Now()
	attempt := 0
	var lastErr error

	err = retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempt++
		kv, err := p.conn.Active(ctx)
		if err != nil {
			return err
		}

		p.metrics.Increment(MetricKVOps, "operation", op)
		err = fn(ctx, kv)
		if err == nil {
			return nil
		}
		lastErr = err

		verdict := cond.Decide(err)
		if verdict.Reconnect {
			p.logger.Error("reconnecting after unexpected backend error",
				"operation", op,
				"session", p.conn.Session(),
				"error", err,
			)
			if rerr := p.conn.Reconnect(ctx); rerr != nil {
				p.logger.Error("reconnect failed", "operation", op, "error", rerr)
			}
		}

		switch verdict.Decision {
		case Retry:
			p.metrics.Increment(MetricKVErrors, "operation", op, "error_type", "transient")
			if attempt < p.cfg.MaxAttempts {
				p.metrics.Increment(MetricRetry, "operation", op)
				p.logger.Debug("transient backend failure, retrying",
					"operation", op,
					"attempt", attempt,
					"error", err,
				)
			}
			return retry.RetryableError(err)
		case StopAndSucceed:
			silenced = true
			p.metrics.Increment(MetricKVSilenced, "operation", op)
			return nil
		default:
			p.metrics.Increment(MetricKVErrors, "operation", op, "error_type", errorType(err))
			return err
		}
	})

	p.metrics.Timing(MetricKVLatency, time.Since(start), "operation", op)

	if err != nil && errors.Is(err, ErrTempFail) && lastErr != nil && attempt >= p.cfg.MaxAttempts {
		p.metrics.Increment(MetricRetryGiveUp, "operation", op)
		p.logger.Warn("backend still busy after retries",
			"operation", op,
			"attempts", attempt,
			"error", err,
		)
	}
	return silenced, err
}

// errorType returns a short label for metrics.
func errorType(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrCasMismatch):
		return "cas_mismatch"
	case errors.Is(err, ErrKeyExists):
		return "key_exists"
	case errors.Is(err, ErrBadValue):
		return "bad_value"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case IsCanceled(err):
		return "canceled"
	default:
		return "unclassified"
	}
}
