package netcheck

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffConfig describes the capped exponential delay between probe attempts.
type BackoffConfig struct {
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration // upper bound, jitter included
	Multiplier   float64       // growth factor per attempt
	Jitter       float64       // random factor in [0,1), zero disables
}

// DefaultBackoffConfig returns 500ms doubling up to 2s without jitter.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
	}
}

// Delay returns the wait after the given zero-based failed attempt.
func (b BackoffConfig) Delay(attempt int) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	multiplier := b.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := b.clamp(float64(b.InitialDelay) * math.Pow(multiplier, float64(attempt)))
	if b.Jitter > 0 {
		delay = b.clamp(delay + delay*b.Jitter*(rand.Float64()*2-1))
	}
	return time.Duration(delay)
}

// uncappedLimit keeps an uncapped delay representable as a Duration.
const uncappedLimit = float64(1 << 62)

// clamp bounds delay to [0, MaxDelay], or to uncappedLimit when no cap is set.
func (b BackoffConfig) clamp(delay float64) float64 {
	limit := uncappedLimit
	if b.MaxDelay > 0 {
		limit = float64(b.MaxDelay)
	}
	return max(0, min(delay, limit))
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
