package remote

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffConfig defines feed reconnect behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// DefaultBackoff returns reconnect defaults for change feeds.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     10 * time.Second,
		Jitter:       true,
	}
}

// WithDefaults fills zero fields from DefaultBackoff.
func (cfg BackoffConfig) WithDefaults() BackoffConfig {
	def := DefaultBackoff()
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	return cfg
}

// NextBackoffDelay returns the retry delay for attempt N (1-based). The
// delay grows by Multiplier per attempt until MaxDelay, or an hour when
// MaxDelay is unset. With Jitter the delay is drawn from the upper half of
// that value, so a jittered delay never exceeds the cap either.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	limit := float64(cfg.MaxDelay)
	if limit <= 0 {
		limit = float64(time.Hour)
	}
	mult := math.Max(cfg.Multiplier, 1)
	delay := math.Min(float64(cfg.InitialDelay), limit)
	for i := 1; i < attempt && delay < limit; i++ {
		delay = math.Min(delay*mult, limit)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = rng.Float64()
		}
		delay = delay/2 + f*delay/2
	}
	return time.Duration(delay)
}

// WaitBackoff sleeps for the attempt delay or until ctx is done.
func WaitBackoff(ctx context.Context, cfg BackoffConfig, attempt int, rng *rand.Rand) error {
	delay := NextBackoffDelay(cfg, attempt, rng)
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
