package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig controls in-process retry of short operations (database
// writes, optimistic-lock conflicts). Task-level retry goes through the
// queue and Backoff instead.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts (including the first try).
	// A value of 1 means no retries. Default: 3.
	MaxAttempts int

	// InitialBackoff is the base delay before the first retry. Default: 50ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration. Default: 2s.
	MaxBackoff time.Duration

	// Multiplier scales the backoff after each attempt. Default: 2.0.
	Multiplier float64

	// JitterFraction adds random jitter as a fraction of the computed delay.
	JitterFraction float64

	// ShouldRetry overrides the default IsTransient check.
	ShouldRetry func(err error) bool

	// OnRetry is called before each retry sleep with attempt number and error.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig returns the retry policy used for store writes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

// Do executes fn with retry logic according to cfg. Non-retryable errors and
// context cancellation stop immediately.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal is Do for functions that return a value.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = applyDefaults(cfg)
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil || !shouldRetry(err) || attempt >= cfg.MaxAttempts-1 {
			break
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err)
		}
		if !sleep(ctx, computeBackoff(attempt, cfg)) {
			break
		}
	}
	return zero, lastErr
}

// sleep waits for d or until ctx is done. It reports whether the full delay
// elapsed.
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

func applyDefaults(cfg RetryConfig) RetryConfig {
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

func computeBackoff(attempt int, cfg RetryConfig) time.Duration {
	delay := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(attempt))
	if delay > float64(cfg.MaxBackoff) {
		delay = float64(cfg.MaxBackoff)
	}
	if cfg.JitterFraction > 0 {
		jitterRange := delay * cfg.JitterFraction
		delay += (rand.Float64()*2 - 1) * jitterRange
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(component, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying operation",
			zap.String("component", component),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}

// Backoff is the task-level retry schedule: Delay(n) = Base * 2^min(n, MaxExponent),
// never more than Cap. It is deterministic so NextRetryAt is reproducible.
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	MaxExponent int
}

// DefaultBackoff is 1h doubling per consecutive failure, capped at 32h.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Hour, Cap: 32 * time.Hour, MaxExponent: 5}
}

// Delay returns the wait before the next attempt after n consecutive
// failures. It is non-decreasing in n and bounded by Cap.
func (b Backoff) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	maxExp := b.MaxExponent
	if maxExp <= 0 {
		maxExp = 5
	}
	if n > maxExp {
		n = maxExp
	}
	d := b.Base << uint(n)
	if b.Cap > 0 && (d > b.Cap || d < b.Base) {
		d = b.Cap
	}
	return d
}

// Next returns the retry instant for the given failure count.
func (b Backoff) Next(now time.Time, consecutiveFailures int) time.Time {
	return now.Add(b.Delay(consecutiveFailures))
}
