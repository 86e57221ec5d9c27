package resilience

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateDelay_Bounds(t *testing.T) {
	base := 100 * time.Millisecond
	max := 5 * time.Second

	for _, mult := range []float64{1, 1.5, 2, 3} {
		for n := 0; n < 10; n++ {
			for _, jitter := range []float64{0, 0.5, 0.999} {
				d := CalculateDelay(base, max, mult, n, jitter)
				assert.LessOrEqual(t, d, max)

				floor := time.Duration(float64(base) * pow(mult, n))
				if floor <= max {
					assert.GreaterOrEqual(t, d, floor, "mult=%v n=%d", mult, n)
				}
			}
		}
	}
}

func pow(m float64, n int) float64 {
	out := 1.0
	for i := 0; i < n; i++ {
		out *= m
	}
	return out
}

func TestCalculateDelay_JitterAtMostTenPercent(t *testing.T) {
	d := CalculateDelay(time.Second, time.Hour, 2, 2, 0.999)
	assert.GreaterOrEqual(t, d, 4*time.Second)
	assert.Less(t, d, 4400*time.Millisecond)
}

func TestCalculateDelay_ClampsOverflow(t *testing.T) {
	assert.Equal(t, 30*time.Second, CalculateDelay(time.Second, 30*time.Second, 2, 5000, 0))
	assert.Equal(t, time.Second, CalculateDelay(time.Second, time.Minute, 0.5, 3, 0))
	assert.Equal(t, time.Second, CalculateDelay(time.Second, time.Minute, 2, -1, 0))
}

func TestCalculateDelay_NeverExceedsMax(t *testing.T) {
	max := 30 * time.Second

	// exponent overflows float64 to +Inf
	assert.Equal(t, max, CalculateDelay(time.Second, max, 2, 5000, 0.999))
	assert.Equal(t, max, CalculateDelay(time.Second, max, math.MaxFloat64, 3, 0.5))
	// jitter alone pushes a finite delay past the ceiling
	assert.Equal(t, 4100*time.Millisecond, CalculateDelay(time.Second, 4100*time.Millisecond, 2, 2, 0.999))
	// malformed jitter is ignored
	assert.Equal(t, 4*time.Second, CalculateDelay(time.Second, time.Minute, 2, 2, math.NaN()))
	assert.Equal(t, 4*time.Second, CalculateDelay(time.Second, time.Minute, 2, 2, -1))
}

func TestCalculateDelay_UnboundedSaturates(t *testing.T) {
	d := CalculateDelay(time.Second, 0, 2, 5000, 0.5)
	assert.Equal(t, time.Duration(math.MaxInt64), d)

	d = CalculateDelay(time.Second, 0, 10, 30, 0)
	assert.Positive(t, d, "huge finite delay must not wrap negative")

	assert.Equal(t, 8*time.Second, CalculateDelay(time.Second, 0, 2, 3, 0))
}

func TestBackoffPolicy_DeterministicWithSeed(t *testing.T) {
	a := NewBackoffPolicy(10*time.Millisecond, time.Second, 7)
	b := NewBackoffPolicy(10*time.Millisecond, time.Second, 7)

	for n := 0; n < 5; n++ {
		assert.Equal(t, a.Delay(2, n), b.Delay(2, n))
	}
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), clock.New(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, clock.NewMock(), time.Hour), context.Canceled)
}

func TestSleepContext_FollowsClock(t *testing.T) {
	clk := clock.NewMock()
	done := make(chan error, 1)
	go func() {
		done <- sleepContext(context.Background(), clk, time.Hour)
	}()

	var err error
	require.Eventually(t, func() bool {
		select {
		case err = <-done:
			return true
		default:
			clk.Add(10 * time.Minute)
			return false
		}
	}, 2*time.Second, time.Millisecond)
	assert.NoError(t, err)
}
