package ratelimit

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/mkc909/sales-marketing-sub003/internal/model"
)

// Seed is a rate-limit seed file:
//
//	rate_limits:
//	  - source_type: stateLicenseDB
//	    region_key: 33101-FL
//	    requests_per_second: 0.5
type Seed struct {
	RateLimits []SeedEntry `yaml:"rate_limits"`
}

// SeedEntry configures one key.
type SeedEntry struct {
	SourceType        string  `yaml:"source_type"`
	RegionKey         string  `yaml:"region_key"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// LoadSeed reads and validates a seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ratelimit: read seed %s", path)
	}

	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, eris.Wrap(err, "ratelimit: parse seed")
	}
	for i, e := range seed.RateLimits {
		if e.SourceType == "" || e.RegionKey == "" {
			return nil, eris.Errorf("ratelimit: seed entry %d: source_type and region_key are required", i)
		}
		if e.RequestsPerSecond <= 0 {
			return nil, eris.Errorf("ratelimit: seed entry %d (%s/%s): requests_per_second must be positive", i, e.SourceType, e.RegionKey)
		}
	}
	return &seed, nil
}

// ApplySeed configures every entry of seed and returns how many were applied.
func (l *Limiter) ApplySeed(ctx context.Context, seed *Seed) (int, error) {
	for i, e := range seed.RateLimits {
		key := model.TaskKey{RegionKey: e.RegionKey, SourceType: e.SourceType}
		if err := l.Configure(ctx, key, e.RequestsPerSecond); err != nil {
			return i, err
		}
	}
	return len(seed.RateLimits), nil
}
