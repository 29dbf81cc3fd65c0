// Package ratelimit paces outbound scrape requests per (sourceType, regionKey).
// Acquisition is a single atomic check-and-set in the backing store, so any
// number of consumers sharing that store never exceed a key's rate.
package ratelimit

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mkc909/sales-marketing-sub003/internal/model"
	"github.com/mkc909/sales-marketing-sub003/internal/store"
)

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed bool          `json:"allowed"`
	Wait    time.Duration `json:"-"`
	// Reason is "throttled", "pacing" or "store_error" on a denial.
	Reason string `json:"reason,omitempty"`
}

// WaitMs returns Wait in whole milliseconds, rounded up.
func (d Decision) WaitMs() int64 {
	if d.Wait <= 0 {
		return 0
	}
	return int64((d.Wait + time.Millisecond - 1) / time.Millisecond)
}

// Evaluate applies the pacing rule to cfg at now. It has no side effects;
// the store applies the same rule atomically when granting a slot.
func Evaluate(cfg *model.RateLimitConfig, now time.Time) Decision {
	if cfg.ThrottledAt(now) {
		return Decision{Wait: cfg.ThrottledUntil.Sub(now), Reason: "throttled"}
	}
	if cfg.LastRequestAt != nil {
		elapsed := now.Sub(*cfg.LastRequestAt)
		if interval := cfg.MinInterval(); elapsed < interval {
			return Decision{Wait: interval - elapsed, Reason: "pacing"}
		}
	}
	return Decision{Allowed: true}
}

// Config tunes the limiter.
type Config struct {
	// DefaultRPS applies to keys that have never been configured.
	DefaultRPS float64
	// FailClosedWait is the wait reported when the store cannot be reached.
	FailClosedWait time.Duration
}

// Limiter gates requests against a shared RateLimitStore.
type Limiter struct {
	store store.RateLimitStore
	cfg   Config
	now   func() time.Time
	log   *zap.Logger
}

// New creates a Limiter. Zero config fields take their defaults.
func New(s store.RateLimitStore, cfg Config) *Limiter {
	if cfg.DefaultRPS <= 0 {
		cfg.DefaultRPS = model.DefaultRequestsPerSecond
	}
	if cfg.FailClosedWait <= 0 {
		cfg.FailClosedWait = time.Second
	}
	return &Limiter{
		store: s,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
		log:   zap.L().With(zap.String("component", "ratelimit")),
	}
}

// Allow attempts to take a request slot for the key. A granted slot is
// already stamped: the caller must go ahead with the request. When the store
// fails, Allow denies with the fail-closed wait and returns the error.
func (l *Limiter) Allow(ctx context.Context, sourceType, regionKey string) (Decision, error) {
	key := model.TaskKey{RegionKey: regionKey, SourceType: sourceType}
	now := l.now()

	cfg, granted, err := l.store.AcquireRateSlot(ctx, key, now, l.cfg.DefaultRPS)
	if err != nil {
		return Decision{Wait: l.cfg.FailClosedWait, Reason: "store_error"},
			eris.Wrapf(err, "ratelimit: acquire %s", key)
	}
	if granted {
		return Decision{Allowed: true}, nil
	}

	d := Evaluate(cfg, now)
	if d.Allowed || d.Wait <= 0 {
		// Another consumer took the slot between our check and the
		// snapshot read.
		d = Decision{Wait: time.Millisecond, Reason: "pacing"}
	}
	return d, nil
}

// RecordRequest records the duration of a completed request for the key.
func (l *Limiter) RecordRequest(ctx context.Context, sourceType, regionKey string, d time.Duration) error {
	key := model.TaskKey{RegionKey: regionKey, SourceType: sourceType}
	return eris.Wrapf(l.store.RecordRequestDuration(ctx, key, d), "ratelimit: record request %s", key)
}

// Configure sets the requests-per-second rate of key.
func (l *Limiter) Configure(ctx context.Context, key model.TaskKey, rps float64) error {
	if rps <= 0 {
		return eris.Errorf("ratelimit: requests per second must be positive, got %v", rps)
	}
	if key.SourceType == "" || key.RegionKey == "" {
		return eris.New("ratelimit: source type and region key are required")
	}
	if err := l.store.SetRequestsPerSecond(ctx, key, rps); err != nil {
		return eris.Wrapf(err, "ratelimit: configure %s", key)
	}
	l.log.Info("rate limit configured", zap.String("key", key.String()), zap.Float64("rps", rps))
	return nil
}

// Throttle blocks every request for key until the given instant.
func (l *Limiter) Throttle(ctx context.Context, key model.TaskKey, until time.Time) error {
	if err := l.store.SetThrottle(ctx, key, &until); err != nil {
		return eris.Wrapf(err, "ratelimit: throttle %s", key)
	}
	l.log.Warn("key throttled", zap.String("key", key.String()), zap.Time("until", until))
	return nil
}

// Unthrottle clears a throttle on key.
func (l *Limiter) Unthrottle(ctx context.Context, key model.TaskKey) error {
	return eris.Wrapf(l.store.SetThrottle(ctx, key, nil), "ratelimit: unthrottle %s", key)
}

// Snapshot returns every configured key with counters of elapsed windows
// zeroed.
func (l *Limiter) Snapshot(ctx context.Context) ([]model.RateLimitConfig, error) {
	cfgs, err := l.store.ListRateLimits(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "ratelimit: snapshot")
	}
	now := l.now()
	for i := range cfgs {
		cfgs[i] = cfgs[i].CountersAt(now)
	}
	return cfgs, nil
}
