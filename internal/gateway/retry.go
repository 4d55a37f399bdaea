package gateway

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy 指数退避 + 抖动；每次尝试有独立超时。
type RetryPolicy struct {
	MaxAttempts    int           `toml:"max_attempts" json:"max_attempts"`
	InitialDelay   time.Duration `toml:"initial_delay" json:"initial_delay"`
	MaxDelay       time.Duration `toml:"max_delay" json:"max_delay"`
	Multiplier     float64       `toml:"multiplier" json:"multiplier"`
	JitterFactor   float64       `toml:"jitter_factor" json:"jitter_factor"`
	AttemptTimeout time.Duration `toml:"attempt_timeout" json:"attempt_timeout"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2,
		JitterFactor:   0.2,
		AttemptTimeout: 10 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = def.InitialDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.JitterFactor < 0 || p.JitterFactor > 1 {
		p.JitterFactor = def.JitterFactor
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = def.AttemptTimeout
	}
	return p
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.JitterFactor > 0 {
		d += d * p.JitterFactor * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = float64(p.InitialDelay)
	}
	return time.Duration(d)
}

type attemptFunc[T any] func(ctx context.Context, attempt int) (T, error)

// withRetry 只重试瞬时错误；返回值中的 attempts 为实际调用次数。
func withRetry[T any](ctx context.Context, p RetryPolicy, op string, onRetry func(attempt int, err error), fn attemptFunc[T]) (T, int, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, attempt, fmt.Errorf("%s: %w", op, err)
		}
		actx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
		res, err := fn(actx, attempt)
		cancel()
		if err == nil {
			return res, attempt + 1, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return zero, attempt + 1, err
		}
		if attempt == p.MaxAttempts-1 {
			break
		}
		if onRetry != nil {
			onRetry(attempt+1, err)
		}
		select {
		case <-ctx.Done():
			return zero, attempt + 1, fmt.Errorf("%s: %w (last error: %v)", op, ctx.Err(), lastErr)
		case <-time.After(p.delay(attempt)):
		}
	}
	return zero, p.MaxAttempts, fmt.Errorf("%w: %s failed after %d attempts: %v", ErrEscalated, op, p.MaxAttempts, lastErr)
}
