package backoff

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config holds exponential backoff parameters.
type Config struct {
	InitialDelay time.Duration // delay before the first retry
	MaxDelay     time.Duration // cap for the exponential growth
	Multiplier   float64       // growth factor, typically 2.0
	Jitter       bool          // randomize delays to avoid thundering herd
	MaxAttempts  int           // attempts before giving up (0 = single try)
}

// DefaultConfig returns a default backoff configuration.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		MaxAttempts:  5,
	}
}

// Delay computes the wait before retry number attempt (0-based):
// InitialDelay * Multiplier^attempt, capped at MaxDelay, with optional
// +/-25% jitter.
func (c Config) Delay(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}

	delay := time.Duration(d)
	if c.Jitter && delay > 0 {
		quarter := int64(delay / 4)
		delay = delay - time.Duration(quarter) + time.Duration(rand.Int63n(2*quarter+1))
	}
	return delay
}

// Retry runs fn with exponential backoff until it succeeds, the attempt
// budget is exhausted, or ctx is cancelled.
func Retry(ctx context.Context, cfg Config, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
		case <-time.After(cfg.Delay(attempt)):
		}
	}

	return fmt.Errorf("max attempts (%d) exceeded: %w", cfg.MaxAttempts, lastErr)
}
