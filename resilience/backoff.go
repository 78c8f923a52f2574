package resilience

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// BackoffConfig configures a Backoff.
type BackoffConfig struct {
	// Initial is the delay returned after a reset.
	// Default: 30s
	Initial time.Duration

	// Max caps the delay.
	// Default: 5m
	Max time.Duration

	// Multiplier grows the delay after each failure.
	// Default: 2.0
	Multiplier float64

	// Jitter adds up to 25% random variance to each delay.
	Jitter bool
}

// Backoff is an exponential delay schedule. Failure grows the next delay;
// Reset returns it to Initial.
//
// Contract:
// - Concurrency: safe for concurrent use.
type Backoff struct {
	config BackoffConfig

	mu       sync.Mutex
	failures int
}

// NewBackoff creates a new backoff schedule.
func NewBackoff(config BackoffConfig) *Backoff {
	if config.Initial <= 0 {
		config.Initial = 30 * time.Second
	}
	if config.Max <= 0 {
		config.Max = 5 * time.Minute
	}
	if config.Max < config.Initial {
		config.Max = config.Initial
	}
	if config.Multiplier <= 1 {
		config.Multiplier = 2.0
	}
	return &Backoff{config: config}
}

// Next returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	failures := b.failures
	b.mu.Unlock()
	return b.delay(failures)
}

// Failure records a failed attempt and returns the new delay.
func (b *Backoff) Failure() time.Duration {
	b.mu.Lock()
	b.failures++
	failures := b.failures
	b.mu.Unlock()
	return b.delay(failures)
}

// Reset returns the schedule to its initial delay.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
}

// Failures returns the number of consecutive failures recorded.
func (b *Backoff) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Backoff) delay(failures int) time.Duration {
	delay := b.config.Max
	if f := float64(b.config.Initial) * math.Pow(b.config.Multiplier, float64(failures)); f < float64(b.config.Max) {
		delay = time.Duration(f)
	}

	if b.config.Jitter && delay >= 4 {
		// #nosec G404 -- jitter is non-cryptographic timing variance.
		delay += time.Duration(rand.Int64N(int64(delay / 4)))
	}
	return delay
}

// Config returns the backoff configuration.
func (b *Backoff) Config() BackoffConfig {
	return b.config
}
