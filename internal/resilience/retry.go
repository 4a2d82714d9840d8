// Package resilience retries operations that fail for transient reasons.
package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Policy describes how often and how patiently an operation is retried.
type Policy struct {
	// Attempts counts the first call too; 1 means never retry.
	Attempts int
	Base     time.Duration
	Cap      time.Duration
	Factor   float64
	// Jitter spreads each delay by up to ±Jitter of its value.
	Jitter float64
	// Retryable decides which errors earn another attempt. IsTransient when nil.
	Retryable func(error) bool
}

// DefaultPolicy is used for TTN fetches and store connects.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, Base: 500 * time.Millisecond, Cap: 30 * time.Second, Factor: 2, Jitter: 0.25}
}

// Once runs the operation a single time.
func Once() Policy {
	return Policy{Attempts: 1}
}

// WithAttempts returns a copy of p allowing n attempts.
func (p Policy) WithAttempts(n int) Policy {
	p.Attempts = n
	return p
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.Attempts < 1 {
		p.Attempts = d.Attempts
	}
	if p.Base <= 0 {
		p.Base = d.Base
	}
	if p.Cap < p.Base {
		p.Cap = max(d.Cap, p.Base)
	}
	if p.Factor < 1 {
		p.Factor = d.Factor
	}
	p.Jitter = min(max(p.Jitter, 0), 1)
	if p.Retryable == nil {
		p.Retryable = IsTransient
	}
	return p
}

// Delay is the pause before retry number n (0 for the first retry).
func (p Policy) Delay(n int) time.Duration {
	d := min(float64(p.Base)*math.Pow(p.Factor, float64(n)), float64(p.Cap))
	if p.Jitter > 0 {
		d *= 1 + p.Jitter*(2*rand.Float64()-1)
	}
	return time.Duration(d)
}

// Do calls fn under p. See DoVal.
func Do(ctx context.Context, p Policy, op string, fn func(context.Context) error) error {
	_, err := DoVal(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal calls fn until it succeeds, fails with an error p does not retry,
// runs out of attempts or ctx ends. The error of the last call is returned
// unchanged so callers can still match on it. Each retry is logged under op.
func DoVal[T any](ctx context.Context, p Policy, op string, fn func(context.Context) (T, error)) (T, error) {
	p = p.normalized()

	var (
		val T
		err error
	)
	for n := 0; ; n++ {
		val, err = fn(ctx)
		if err == nil || n+1 >= p.Attempts || ctx.Err() != nil || !p.Retryable(err) {
			break
		}

		wait := p.Delay(n)
		zap.L().Warn("resilience: retrying",
			zap.String("operation", op),
			zap.Int("attempt", n+2),
			zap.Int("max_attempts", p.Attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		if !sleep(ctx, wait) {
			break
		}
	}
	if err != nil {
		var zero T
		return zero, err
	}
	return val, nil
}

// sleep waits for d and reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
