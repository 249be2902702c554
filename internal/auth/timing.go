package auth

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"
)

// TimingConfig holds configuration for failure-path delays
type TimingConfig struct {
	BaseDelay      time.Duration
	RandomDelay    time.Duration // upper bound of the random component
	DelayOnSuccess bool
}

// TimingDelay pads authentication responses so that an unknown user, a wrong
// password and a locked account take about the same time.
type TimingDelay struct {
	config TimingConfig
}

// NewTimingDelay creates a new TimingDelay instance
func NewTimingDelay(config TimingConfig) *TimingDelay {
	return &TimingDelay{config: config}
}

// target returns BaseDelay plus a crypto-random share of RandomDelay.
func (td *TimingDelay) target() time.Duration {
	d := td.config.BaseDelay
	if td.config.RandomDelay > 0 {
		if n, err := rand.Int(rand.Reader, big.NewInt(int64(td.config.RandomDelay))); err == nil {
			d += time.Duration(n.Int64())
		}
	}
	return d
}

// Wait sleeps for the full delay unless success is true and DelayOnSuccess
// is off.
func (td *TimingDelay) Wait(ctx context.Context, success bool) {
	td.WaitFrom(ctx, time.Now(), success)
}

// WaitFrom sleeps until at least the target delay has passed since start.
// It returns early if ctx is done.
func (td *TimingDelay) WaitFrom(ctx context.Context, start time.Time, success bool) {
	if td == nil || (success && !td.config.DelayOnSuccess) {
		return
	}
	remaining := td.target() - time.Since(start)
	if remaining <= 0 {
		return
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
