package kintone

import (
	"math"
	"time"
)

// RetryConfig bounds the retries of transient request failures.
type RetryConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryConfig returns 3 attempts backing off from 500ms up to 5s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
	}
}

// Backoff returns the wait before retrying after the given failed attempt.
func Backoff(attempt int, cfg RetryConfig) time.Duration {
	if attempt <= 0 {
		return cfg.BaseBackoff
	}
	// base * 2^(attempt-1), capped.
	exp := float64(attempt - 1)
	delay := time.Duration(float64(cfg.BaseBackoff) * math.Pow(2, exp))
	if delay > cfg.MaxBackoff {
		return cfg.MaxBackoff
	}
	return delay
}
