// Package retry holds the single backoff and retry-budget policy shared
// by the runtime poll loop and the delegation timeout sweep.
package retry

import (
	"time"

	"github.com/mtzanidakis/minions/internal/config"
)

type Policy struct {
	MinInterval time.Duration
	MaxInterval time.Duration
	Multiplier  float64
	MaxRetries  int
}

func Default() Policy {
	return Policy{
		MinInterval: 200 * time.Millisecond,
		MaxInterval: 5 * time.Second,
		Multiplier:  2,
		MaxRetries:  3,
	}
}

func FromConfig(cfg config.RetryConfig) Policy {
	p := Policy{
		MinInterval: cfg.MinInterval,
		MaxInterval: cfg.MaxInterval,
		Multiplier:  cfg.Multiplier,
		MaxRetries:  cfg.MaxRetries,
	}
	return p.normalize()
}

func (p Policy) normalize() Policy {
	d := Default()
	if p.MinInterval <= 0 {
		p.MinInterval = d.MinInterval
	}
	if p.MaxInterval < p.MinInterval {
		p.MaxInterval = p.MinInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	return p
}

// NextPoll adapts a poll interval: it drops to the minimum right after
// work arrives and grows toward the maximum while idle.
func (p Policy) NextPoll(current time.Duration, gotWork bool) time.Duration {
	p = p.normalize()
	if gotWork || current <= 0 {
		return p.MinInterval
	}
	return p.clamp(time.Duration(float64(current) * p.Multiplier))
}

// Backoff returns the wait before attempt n (n >= 1).
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.normalize()
	d := float64(p.MinInterval)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxInterval) {
			return p.MaxInterval
		}
	}
	return p.clamp(time.Duration(d))
}

// CanRetry reports whether another attempt fits the budget after
// retriesUsed retries.
func (p Policy) CanRetry(retriesUsed int) bool {
	return retriesUsed < p.MaxRetries
}

func (p Policy) clamp(d time.Duration) time.Duration {
	if d < p.MinInterval {
		return p.MinInterval
	}
	if d > p.MaxInterval {
		return p.MaxInterval
	}
	return d
}
