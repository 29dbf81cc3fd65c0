package model

import "time"

// DefaultRequestsPerSecond applies to keys that were never configured.
const DefaultRequestsPerSecond = 1.0

// RateLimitConfig is the pacing record for one (sourceType, regionKey).
type RateLimitConfig struct {
	SourceType         string     `json:"source_type" yaml:"source_type"`
	RegionKey          string     `json:"region_key" yaml:"region_key"`
	RequestsPerSecond  float64    `json:"requests_per_second" yaml:"requests_per_second"`
	IsThrottled        bool       `json:"is_throttled" yaml:"-"`
	ThrottledUntil     *time.Time `json:"throttled_until,omitempty" yaml:"-"`
	CurrentSecondCount int        `json:"current_second_count" yaml:"-"`
	CurrentMinuteCount int        `json:"current_minute_count" yaml:"-"`
	CurrentHourCount   int        `json:"current_hour_count" yaml:"-"`
	CurrentDayCount    int        `json:"current_day_count" yaml:"-"`
	LastRequestAt      *time.Time `json:"last_request_at,omitempty" yaml:"-"`
	TotalRequests      int64      `json:"total_requests" yaml:"-"`
	LastDurationMs     int64      `json:"last_duration_ms" yaml:"-"`
	TotalDurationMs    int64      `json:"total_duration_ms" yaml:"-"`
	Windows            Windows    `json:"-" yaml:"-"`
}

// Key returns the partition key of the config.
func (c *RateLimitConfig) Key() TaskKey {
	return TaskKey{RegionKey: c.RegionKey, SourceType: c.SourceType}
}

// MinInterval is the minimum spacing between two requests for the key.
func (c *RateLimitConfig) MinInterval() time.Duration {
	rps := c.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}
	return time.Duration(float64(time.Second) / rps)
}

// ThrottledAt reports whether an operator or upstream throttle is active.
func (c *RateLimitConfig) ThrottledAt(now time.Time) bool {
	return c.IsThrottled && c.ThrottledUntil != nil && now.Before(*c.ThrottledUntil)
}

// Windows holds the fixed-window boundaries a request at a given instant
// falls into. Counters whose stored window differs are reset to one.
type Windows struct {
	Second int64
	Minute int64
	Hour   int64
	Day    int64
}

// WindowsAt truncates now (UTC) to each counter window, in unix millis.
func WindowsAt(now time.Time) Windows {
	now = now.UTC()
	return Windows{
		Second: now.Truncate(time.Second).UnixMilli(),
		Minute: now.Truncate(time.Minute).UnixMilli(),
		Hour:   now.Truncate(time.Hour).UnixMilli(),
		Day:    now.Truncate(24 * time.Hour).UnixMilli(),
	}
}

// RecordAcquire stamps a granted request at now: last request time, total,
// and the fixed-window counters.
func (c *RateLimitConfig) RecordAcquire(now time.Time) {
	w := WindowsAt(now)
	c.CurrentSecondCount = bump(c.CurrentSecondCount, c.Windows.Second, w.Second)
	c.CurrentMinuteCount = bump(c.CurrentMinuteCount, c.Windows.Minute, w.Minute)
	c.CurrentHourCount = bump(c.CurrentHourCount, c.Windows.Hour, w.Hour)
	c.CurrentDayCount = bump(c.CurrentDayCount, c.Windows.Day, w.Day)
	c.Windows = w
	c.TotalRequests++
	c.LastRequestAt = &now
}

// CountersAt returns a copy with counters of elapsed windows zeroed, so a
// snapshot read long after the last request does not report stale counts.
func (c RateLimitConfig) CountersAt(now time.Time) RateLimitConfig {
	w := WindowsAt(now)
	if c.Windows.Second != w.Second {
		c.CurrentSecondCount = 0
	}
	if c.Windows.Minute != w.Minute {
		c.CurrentMinuteCount = 0
	}
	if c.Windows.Hour != w.Hour {
		c.CurrentHourCount = 0
	}
	if c.Windows.Day != w.Day {
		c.CurrentDayCount = 0
	}
	return c
}

func bump(count int, stored, current int64) int {
	if stored != current {
		return 1
	}
	return count + 1
}
