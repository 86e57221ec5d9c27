package resilience

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// maxJitterFraction caps jitter at 10% of the computed delay
const maxJitterFraction = 0.1

// BackoffPolicy computes retry delays
type BackoffPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewBackoffPolicy creates a policy. seed 0 seeds from the clock.
func NewBackoffPolicy(base, max time.Duration, seed int64) *BackoffPolicy {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &BackoffPolicy{
		BaseDelay: base,
		MaxDelay:  max,
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// Delay returns min(base * multiplier^retry + jitter, max) where jitter is at
// most 10% of the pre-jitter delay.
func (p *BackoffPolicy) Delay(multiplier float64, retry int) time.Duration {
	p.mu.Lock()
	jitter := p.rng.Float64()
	p.mu.Unlock()
	return CalculateDelay(p.BaseDelay, p.MaxDelay, multiplier, retry, jitter)
}

// CalculateDelay is the pure form of Delay. jitterFraction in [0,1) scales the
// jitter allowance.
func CalculateDelay(base, max time.Duration, multiplier float64, retry int, jitterFraction float64) time.Duration {
	if multiplier < 1 {
		multiplier = 1
	}
	if retry < 0 {
		retry = 0
	}

	if jitterFraction < 0 || math.IsNaN(jitterFraction) {
		jitterFraction = 0
	}

	delay := float64(base) * math.Pow(multiplier, float64(retry))
	if max > 0 && (math.IsInf(delay, 0) || math.IsNaN(delay) || delay >= float64(max)) {
		return max
	}
	delay += jitterFraction * maxJitterFraction * delay

	switch {
	case max > 0 && delay > float64(max):
		return max
	case math.IsInf(delay, 0) || math.IsNaN(delay) || delay >= math.MaxInt64:
		// no ceiling configured; saturate instead of wrapping negative
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// sleepContext waits for d on clk or until ctx is done
func sleepContext(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := clk.Timer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
