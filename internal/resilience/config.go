package resilience

import (
	"time"
)

// FromCircuitConfig converts config values to a CircuitBreakerConfig.
func FromCircuitConfig(failureThreshold, resetTimeoutSecs int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutSecs) * time.Second
	}
	return cfg
}

// FromBackoffConfig converts config values to a Backoff. Zero values keep
// the defaults.
func FromBackoffConfig(baseSecs, capSecs int) Backoff {
	b := DefaultBackoff()
	if baseSecs > 0 {
		b.Base = time.Duration(baseSecs) * time.Second
	}
	if capSecs > 0 {
		b.Cap = time.Duration(capSecs) * time.Second
	}
	return b
}
