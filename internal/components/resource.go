package components

import (
	"context"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/NikhilSetiya/avatar-resilience/pkg/logging"
	"github.com/NikhilSetiya/avatar-resilience/pkg/telemetry"
)

// ResourceLimiter bounds concurrent mesh deformation jobs. Reducing the limit
// parks permits as ballast; permits still held by workers join the ballast
// as they are released.
type ResourceLimiter struct {
	sem       *semaphore.Weighted
	max       int64
	memory    telemetry.MemorySampler
	warningMB float64
	reclaim   func()
	logger    *logging.Logger

	mu      sync.Mutex
	ballast int64
	pending int64
}

// NewResourceLimiter creates a limiter with max concurrent permits
func NewResourceLimiter(max int64, memory telemetry.MemorySampler, warningMB float64, logger *logging.Logger) *ResourceLimiter {
	if max <= 0 {
		max = 1
	}
	return &ResourceLimiter{
		sem:       semaphore.NewWeighted(max),
		max:       max,
		memory:    memory,
		warningMB: warningMB,
		reclaim:   debug.FreeOSMemory,
		logger:    logging.OrGlobal(logger).WithComponent("resource"),
	}
}

// Acquire blocks for a permit
func (r *ResourceLimiter) Acquire(ctx context.Context) error {
	return r.sem.Acquire(ctx, 1)
}

// TryAcquire takes a permit without blocking
func (r *ResourceLimiter) TryAcquire() bool {
	return r.sem.TryAcquire(1)
}

// Release returns a permit, or parks it as ballast while a reduction is
// still short of its target
func (r *ResourceLimiter) Release() {
	r.mu.Lock()
	if r.pending > 0 {
		r.pending--
		r.ballast++
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.sem.Release(1)
}

// Reduce lowers the limit to target permits (at least 1)
func (r *ResourceLimiter) Reduce(target int64) {
	if target < 1 {
		target = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	want := r.max - target - r.ballast - r.pending
	for want > 0 && r.sem.TryAcquire(1) {
		r.ballast++
		want--
	}
	if want > 0 {
		r.pending += want
	}
	r.logger.Warn("Concurrency limit reduced", "limit", target, "parked", r.ballast, "pending", r.pending)
}

// Restore returns every parked permit
func (r *ResourceLimiter) Restore() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ballast > 0 {
		r.sem.Release(r.ballast)
	}
	r.ballast = 0
	r.pending = 0
	r.logger.Info("Concurrency limit restored", "limit", r.max)
}

// Limit returns the effective concurrency limit
func (r *ResourceLimiter) Limit() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.max - r.ballast - r.pending
}

// Max returns the configured limit
func (r *ResourceLimiter) Max() int64 {
	return r.max
}

// Reclaim asks the runtime to return freed memory to the OS
func (r *ResourceLimiter) Reclaim() {
	r.reclaim()
}

// UnderPressure reports whether memory is above the warning level
func (r *ResourceLimiter) UnderPressure() (bool, float64) {
	if r.memory == nil {
		return false, 0
	}
	mb, err := r.memory.MemoryMB()
	if err != nil {
		r.logger.Warn("Memory sample failed", "error", err)
		return true, 0
	}
	return mb >= r.warningMB, mb
}
