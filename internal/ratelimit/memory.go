package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/mkc909/sales-marketing-sub003/internal/model"
	"github.com/mkc909/sales-marketing-sub003/internal/store"
)

// MemoryStore is an in-process RateLimitStore. It serializes every operation
// on one mutex and only coordinates goroutines of a single process.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[model.TaskKey]*model.RateLimitConfig
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[model.TaskKey]*model.RateLimitConfig)}
}

var _ store.RateLimitStore = (*MemoryStore)(nil)

func (m *MemoryStore) ensure(key model.TaskKey, rps float64) *model.RateLimitConfig {
	cfg, ok := m.keys[key]
	if !ok {
		if rps <= 0 {
			rps = model.DefaultRequestsPerSecond
		}
		cfg = &model.RateLimitConfig{
			SourceType:        key.SourceType,
			RegionKey:         key.RegionKey,
			RequestsPerSecond: rps,
		}
		m.keys[key] = cfg
	}
	return cfg
}

// AcquireRateSlot grants a slot when Evaluate allows it at now.
func (m *MemoryStore) AcquireRateSlot(_ context.Context, key model.TaskKey, now time.Time, defaultRPS float64) (*model.RateLimitConfig, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := m.ensure(key, defaultRPS)
	if !Evaluate(cfg, now).Allowed {
		out := *cfg
		return &out, false, nil
	}
	cfg.IsThrottled = false
	cfg.ThrottledUntil = nil
	cfg.RecordAcquire(now)
	out := *cfg
	return &out, true, nil
}

// RecordRequestDuration adds d to the key's duration counters.
func (m *MemoryStore) RecordRequestDuration(_ context.Context, key model.TaskKey, d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg, ok := m.keys[key]; ok {
		cfg.LastDurationMs = d.Milliseconds()
		cfg.TotalDurationMs += d.Milliseconds()
	}
	return nil
}

// SetRequestsPerSecond configures the pacing rate of key.
func (m *MemoryStore) SetRequestsPerSecond(_ context.Context, key model.TaskKey, rps float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ensure(key, rps).RequestsPerSecond = rps
	return nil
}

// SetThrottle throttles key until the given instant; nil clears it.
func (m *MemoryStore) SetThrottle(_ context.Context, key model.TaskKey, until *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := m.ensure(key, 0)
	cfg.IsThrottled = until != nil
	if until != nil {
		u := *until
		cfg.ThrottledUntil = &u
	} else {
		cfg.ThrottledUntil = nil
	}
	return nil
}

// GetRateLimit returns a copy of the config for key.
func (m *MemoryStore) GetRateLimit(_ context.Context, key model.TaskKey) (*model.RateLimitConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.keys[key]
	if !ok {
		return nil, eris.Wrapf(store.ErrNotFound, "memory: rate limit %s", key)
	}
	out := *cfg
	return &out, nil
}

// ListRateLimits returns copies of every config ordered by source and region.
func (m *MemoryStore) ListRateLimits(_ context.Context) ([]model.RateLimitConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.RateLimitConfig, 0, len(m.keys))
	for _, cfg := range m.keys {
		out = append(out, *cfg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceType != out[j].SourceType {
			return out[i].SourceType < out[j].SourceType
		}
		return out[i].RegionKey < out[j].RegionKey
	})
	return out, nil
}
