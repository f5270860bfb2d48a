package upstream

import (
	"context"
	"math/rand/v2"
	"time"
)

// Sleeper waits for d or until ctx ends, whichever is first.
type Sleeper func(ctx context.Context, d time.Duration) error

func realSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type RetryConfig struct {
	// MaxAttempts includes the first request.
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

func (rc RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if rc.MaxAttempts < 1 {
		rc.MaxAttempts = d.MaxAttempts
	}
	if rc.InitialBackoff <= 0 {
		rc.InitialBackoff = d.InitialBackoff
	}
	if rc.MaxBackoff <= 0 {
		rc.MaxBackoff = d.MaxBackoff
	}
	if rc.BackoffMultiplier < 1 {
		rc.BackoffMultiplier = d.BackoffMultiplier
	}
	return rc
}

// backoff returns the wait before attempt n+1 (n starting at 1): exponential,
// capped, then jittered by +/-20%. r must return a value in [0,1).
func (rc RetryConfig) backoff(n int, r func() float64) time.Duration {
	d := float64(rc.InitialBackoff)
	for i := 1; i < n; i++ {
		d *= rc.BackoffMultiplier
		if d >= float64(rc.MaxBackoff) {
			d = float64(rc.MaxBackoff)
			break
		}
	}
	return time.Duration(d * (0.8 + r()*0.4))
}

func defaultRand() float64 { return rand.Float64() }
