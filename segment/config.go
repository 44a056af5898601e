package segment

import (
	"runtime"
	"time"
)

// Config holds the retry policy of the uploader.
type Config struct {
	// AttemptCap is the total number of attempts per segment, including the first one.
	// Default: 3
	AttemptCap int

	// InitialBackoff is the wait before the second attempt; it doubles per attempt.
	// Default: 500ms
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential backoff.
	// Default: 8s
	MaxBackoff time.Duration

	// RequestTimeout bounds a single attempt. A timeout counts as a transient failure.
	// Default: 60s, 0 disables it.
	RequestTimeout time.Duration

	// HungThreshold is how far an attempt may exceed the average attempt duration before
	// it is cancelled and retried.
	// Default: 30s, 0 disables hung detection.
	HungThreshold time.Duration
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{
		AttemptCap:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
		RequestTimeout: 60 * time.Second,
		HungThreshold:  30 * time.Second,
	}
}

// DefaultConcurrency calculates the default fan-out based on CPU count.
func DefaultConcurrency() int {
	c := runtime.NumCPU()

	if c > 8 {
		c = 8
	}

	if c < 2 {
		c = 2
	}

	return c
}

func (c Config) backoff(attempt int) time.Duration {
	if c.InitialBackoff <= 0 {
		return 0
	}
	d := c.InitialBackoff << uint(attempt-1)
	if d <= 0 || (c.MaxBackoff > 0 && d > c.MaxBackoff) {
		return c.MaxBackoff
	}
	return d
}
