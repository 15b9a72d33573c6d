package channel

import (
	"math"
	"time"

	"github.com/grovetools/collab/config"
)

// Backoff computes exponential reconnect delays.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// BackoffFromConfig builds a Backoff from the reconnect section.
func BackoffFromConfig(cfg config.ReconnectConfig) Backoff {
	return Backoff{
		Initial:    cfg.Initial(),
		Max:        cfg.Max(),
		Multiplier: cfg.Multiplier,
	}
}

// Duration returns the delay before the given zero-based attempt.
func (b Backoff) Duration(attempt int) time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = config.DefaultReconnectInitialMs * time.Millisecond
	}
	maxDelay := b.Max
	if maxDelay <= 0 {
		maxDelay = config.DefaultReconnectMaxMs * time.Millisecond
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = config.DefaultReconnectFactor
	}

	d := float64(initial) * math.Pow(mult, float64(attempt))
	if d > float64(maxDelay) || math.IsInf(d, 0) {
		return maxDelay
	}
	return time.Duration(d)
}
