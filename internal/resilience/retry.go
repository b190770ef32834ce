// Package resilience provides bounded retries and circuit breakers for calls
// to external services.
package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig controls an attempt-counter retry loop with a capped
// exponential backoff schedule.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int
	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps any single delay.
	MaxBackoff time.Duration
	// Multiplier scales the delay after each attempt.
	Multiplier float64
	// JitterFraction adds up to +/- this fraction of each delay.
	JitterFraction float64
	// ShouldRetry decides whether an error is worth another attempt.
	// Defaults to IsTransient.
	ShouldRetry func(err error) bool
	// OnRetry runs before each backoff sleep.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig returns 3 attempts, 500ms initial, 5s cap, x2, 25% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

// NewRetryConfig builds a RetryConfig from plain config values; zero or
// negative values keep the defaults.
func NewRetryConfig(maxAttempts, initialBackoffMs, maxBackoffMs int, multiplier, jitterFraction float64) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if initialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(initialBackoffMs) * time.Millisecond
	}
	if maxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(maxBackoffMs) * time.Millisecond
	}
	if multiplier > 0 {
		cfg.Multiplier = multiplier
	}
	if jitterFraction >= 0 {
		cfg.JitterFraction = jitterFraction
	}
	return cfg
}

// Result is the typed outcome of a retry loop.
type Result[T any] struct {
	Value    T
	Err      error
	Attempts int
}

// Retry calls fn until it succeeds, returns a non-retryable error, the
// attempts run out, or ctx is done. It never panics on failure: the last
// error and the number of attempts made are returned in the Result.
func Retry[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) Result[T] {
	cfg = cfg.withDefaults()
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}

	var res Result[T]
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt
		res.Value, res.Err = fn(ctx)
		if res.Err == nil {
			return res
		}
		if ctx.Err() != nil || !shouldRetry(res.Err) || attempt == cfg.MaxAttempts {
			return res
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, res.Err)
		}
		if !sleep(ctx, cfg.jittered(cfg.Backoff(attempt))) {
			return res
		}
	}
	return res
}

// Do is Retry for functions without a value.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) (int, error) {
	res := Retry(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return res.Attempts, res.Err
}

// Backoff is the un-jittered delay after the given 1-based attempt.
func (cfg RetryConfig) Backoff(attempt int) time.Duration {
	cfg = cfg.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if delay > float64(cfg.MaxBackoff) {
		delay = float64(cfg.MaxBackoff)
	}
	return time.Duration(delay)
}

// Schedule lists the un-jittered delays between all attempts.
func (cfg RetryConfig) Schedule() []time.Duration {
	cfg = cfg.withDefaults()
	out := make([]time.Duration, 0, cfg.MaxAttempts-1)
	for a := 1; a < cfg.MaxAttempts; a++ {
		out = append(out, cfg.Backoff(a))
	}
	return out
}

func (cfg RetryConfig) jittered(d time.Duration) time.Duration {
	if cfg.JitterFraction <= 0 {
		return d
	}
	span := float64(d) * cfg.JitterFraction
	out := float64(d) + (rand.Float64()*2-1)*span
	if out < 0 {
		out = 0
	}
	return time.Duration(out)
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	return cfg
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// RetryLogger returns an OnRetry callback that logs each retry.
func RetryLogger(service, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying operation",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
