package resilience

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/avatar-resilience/pkg/logging"
)

func newMockScheduler(t *testing.T) (*Scheduler, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	s := NewScheduler(logging.NewNopLogger(), clk)
	t.Cleanup(s.Stop)
	return s, clk
}

// advanceUntil moves clk forward by step until cond holds
func advanceUntil(t *testing.T, clk *clock.Mock, step time.Duration, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		clk.Add(step)
		return false
	}, 2*time.Second, time.Millisecond)
}

func TestScheduler_RunsInDueOrder(t *testing.T) {
	s, clk := newMockScheduler(t)
	s.Start()

	var mu sync.Mutex
	var order []string
	var finished atomic.Bool

	s.Schedule(30*time.Millisecond, "late", func() {
		mu.Lock()
		order = append(order, "late")
		mu.Unlock()
		finished.Store(true)
	})
	s.Schedule(5*time.Millisecond, "early", func() {
		mu.Lock()
		order = append(order, "early")
		mu.Unlock()
	})

	advanceUntil(t, clk, 5*time.Millisecond, finished.Load)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"early", "late"}, order)
	assert.Equal(t, 0, s.Pending())
}

func TestScheduler_WaitsForClock(t *testing.T) {
	s, clk := newMockScheduler(t)
	s.Start()

	var ran atomic.Bool
	s.Schedule(time.Minute, "recover", func() { ran.Store(true) })

	clk.Add(59 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, ran.Load(), "task ran before its due time on the scheduler clock")
	assert.Equal(t, 1, s.Pending())

	advanceUntil(t, clk, time.Second, ran.Load)
	assert.Equal(t, 0, s.Pending())
}

func TestScheduler_Cancel(t *testing.T) {
	s, clk := newMockScheduler(t)

	var ran atomic.Bool
	id := s.Schedule(10*time.Millisecond, "cancelled", func() { ran.Store(true) })
	assert.Equal(t, 1, s.Pending())
	assert.True(t, s.Cancel(id))
	assert.False(t, s.Cancel(id))
	assert.Equal(t, 0, s.Pending())

	s.Start()
	clk.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	s.Stop()
	assert.False(t, ran.Load())
}

func TestScheduler_EveryRepeats(t *testing.T) {
	s, clk := newMockScheduler(t)
	s.Start()

	var count atomic.Int32
	id := s.Every(5*time.Millisecond, "tick", func() { count.Add(1) })

	advanceUntil(t, clk, 5*time.Millisecond, func() bool { return count.Load() >= 3 })
	assert.True(t, s.Cancel(id))
}

func TestScheduler_SurvivesPanic(t *testing.T) {
	s, clk := newMockScheduler(t)
	s.Start()

	var ran atomic.Bool
	s.Schedule(time.Millisecond, "panics", func() { panic("boom") })
	s.Schedule(5*time.Millisecond, "after", func() { ran.Store(true) })

	advanceUntil(t, clk, time.Millisecond, ran.Load)
}

func TestScheduler_WallClockDefault(t *testing.T) {
	s := NewScheduler(logging.NewNopLogger(), nil)
	s.Start()
	defer s.Stop()

	var ran atomic.Bool
	s.Schedule(time.Millisecond, "real", func() { ran.Store(true) })
	assert.Eventually(t, ran.Load, 2*time.Second, 5*time.Millisecond)
}

func TestScheduler_StartStopIdempotent(t *testing.T) {
	s, _ := newMockScheduler(t)
	s.Stop()
	s.Start()
	s.Start()
	s.Stop()
	s.Stop()
}
