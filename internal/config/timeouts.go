package config

import "time"

// TimeoutConfig holds timeout settings for outbound work.
// These can be configured via CLI flags to tune behaviour for slow networks or hosts.
type TimeoutConfig struct {
	// HTTPClient is the timeout for a single HTTP request to a tracking service. Default: 30s
	HTTPClient time.Duration

	// Dispatch bounds one destination's share of a sync, credential refresh included.
	// Default: 90s
	Dispatch time.Duration

	// BrowserRefresh bounds a headless browser login. Default: 60s
	BrowserRefresh time.Duration
}

// DefaultTimeoutConfig returns the default timeout configuration
func DefaultTimeoutConfig() *TimeoutConfig {
	return &TimeoutConfig{
		HTTPClient:     30 * time.Second,
		Dispatch:       90 * time.Second,
		BrowserRefresh: 60 * time.Second,
	}
}

// global instance that can be set at startup
var globalTimeouts = DefaultTimeoutConfig()

// SetGlobalTimeouts sets the global timeout configuration
func SetGlobalTimeouts(cfg *TimeoutConfig) {
	globalTimeouts = cfg
}

// GetTimeouts returns the global timeout configuration
func GetTimeouts() *TimeoutConfig {
	return globalTimeouts
}
