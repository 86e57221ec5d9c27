// Package components holds the degradable parts of the avatar pipeline and
// the fallback strategies that keep each of them available.
package components

import (
	"context"

	"github.com/NikhilSetiya/avatar-resilience/pkg/fallback"
	"github.com/NikhilSetiya/avatar-resilience/pkg/logging"
	"github.com/NikhilSetiya/avatar-resilience/pkg/vecmath"
)

// Component names registered with the fallback system
const (
	NameNumeric   = "numeric"
	NameMatrix    = "matrix"
	NameCache     = "cache"
	NameTransport = "transport"
	NameResource  = "resource"
)

// MatrixSnapshotName is the state snapshot that holds the last validated
// coarticulation matrix
const MatrixSnapshotName = "coarticulation"

// SnapshotSource restores named state snapshots. The recovery engine is one.
type SnapshotSource interface {
	RestoreStateFromSnapshot(name string, out interface{}) bool
}

// NumericStrategy pins the accelerator to the scalar path
type NumericStrategy struct {
	logger *logging.Logger
}

func NewNumericStrategy(logger *logging.Logger) *NumericStrategy {
	return &NumericStrategy{logger: logging.OrGlobal(logger)}
}

func (s *NumericStrategy) Name() string  { return "scalar-only" }
func (s *NumericStrategy) Priority() int { return 0 }

func (s *NumericStrategy) Fallback(ctx context.Context, component interface{}, err error) bool {
	acc, ok := component.(*vecmath.Accelerator)
	if !ok {
		return false
	}
	acc.ForceScalar(true)
	if err := acc.TestOperations(); err != nil {
		s.logger.Error("Scalar self-test failed", "error", err)
		return false
	}
	return true
}

// Recover re-enables acceleration only after the accelerated kernels pass
// their known-answer checks. On hosts without acceleration the scalar path is
// full function, so a passing scalar self-test counts as recovered.
func (s *NumericStrategy) Recover(ctx context.Context, component interface{}) bool {
	acc, ok := component.(*vecmath.Accelerator)
	if !ok {
		return false
	}
	if !acc.IsSupported() {
		return acc.TestOperations() == nil
	}
	if err := acc.VerifyAccelerated(); err != nil {
		s.logger.Warn("Accelerated path still failing", "error", err)
		return false
	}
	acc.ForceScalar(false)
	return true
}

// MatrixStrategy swaps the coarticulation matrix for its lookup table
type MatrixStrategy struct {
	snapshots SnapshotSource
	logger    *logging.Logger
}

// NewMatrixStrategy creates the strategy. With a nil snapshots source
// recovery always recomputes.
func NewMatrixStrategy(snapshots SnapshotSource, logger *logging.Logger) *MatrixStrategy {
	return &MatrixStrategy{snapshots: snapshots, logger: logging.OrGlobal(logger)}
}

func (s *MatrixStrategy) Name() string  { return "lookup-table" }
func (s *MatrixStrategy) Priority() int { return 1 }

func (s *MatrixStrategy) Fallback(ctx context.Context, component interface{}, err error) bool {
	m, ok := component.(*CoarticulationMatrix)
	if !ok {
		return false
	}
	m.UseLookupTable()
	return true
}

// Recover restores the last validated matrix snapshot, or recomputes the
// matrix when no usable snapshot exists
func (s *MatrixStrategy) Recover(ctx context.Context, component interface{}) bool {
	m, ok := component.(*CoarticulationMatrix)
	if !ok {
		return false
	}
	if s.snapshots != nil {
		var state MatrixState
		if s.snapshots.RestoreStateFromSnapshot(MatrixSnapshotName, &state) {
			err := m.Restore(state)
			if err == nil {
				s.logger.Info("Matrix restored from snapshot")
				return true
			}
			s.logger.Warn("Matrix snapshot rejected, recomputing", "error", err)
		}
	}
	if err := m.Recompute(); err != nil {
		s.logger.Warn("Matrix recompute failed", "error", err)
		return false
	}
	return true
}

// CacheStrategy drops the persistent cache tier
type CacheStrategy struct {
	logger *logging.Logger
}

func NewCacheStrategy(logger *logging.Logger) *CacheStrategy {
	return &CacheStrategy{logger: logging.OrGlobal(logger)}
}

func (s *CacheStrategy) Name() string  { return "memory-only" }
func (s *CacheStrategy) Priority() int { return 2 }

func (s *CacheStrategy) Fallback(ctx context.Context, component interface{}, err error) bool {
	c, ok := component.(*BlendshapeCache)
	if !ok {
		return false
	}
	c.EnableMemoryOnly()
	return true
}

func (s *CacheStrategy) Recover(ctx context.Context, component interface{}) bool {
	c, ok := component.(*BlendshapeCache)
	if !ok {
		return false
	}
	if err := c.Reconnect(ctx); err != nil {
		s.logger.Debug("Redis still unavailable", "error", err)
		return false
	}
	return true
}

// TransportStrategy falls back from streaming to polling
type TransportStrategy struct {
	logger *logging.Logger
}

func NewTransportStrategy(logger *logging.Logger) *TransportStrategy {
	return &TransportStrategy{logger: logging.OrGlobal(logger)}
}

func (s *TransportStrategy) Name() string  { return "polling" }
func (s *TransportStrategy) Priority() int { return 3 }

func (s *TransportStrategy) Fallback(ctx context.Context, component interface{}, err error) bool {
	t, ok := component.(*StreamTransport)
	if !ok {
		return false
	}
	t.SwitchToPolling()
	return true
}

func (s *TransportStrategy) Recover(ctx context.Context, component interface{}) bool {
	t, ok := component.(*StreamTransport)
	if !ok {
		return false
	}
	if err := t.Connect(ctx); err != nil {
		s.logger.Debug("Stream reconnect failed", "error", err)
		return false
	}
	return true
}

// ResourceStrategy halves the concurrency limit and reclaims memory
type ResourceStrategy struct {
	logger *logging.Logger
}

func NewResourceStrategy(logger *logging.Logger) *ResourceStrategy {
	return &ResourceStrategy{logger: logging.OrGlobal(logger)}
}

func (s *ResourceStrategy) Name() string  { return "reduced-concurrency" }
func (s *ResourceStrategy) Priority() int { return 4 }

func (s *ResourceStrategy) Fallback(ctx context.Context, component interface{}, err error) bool {
	r, ok := component.(*ResourceLimiter)
	if !ok {
		return false
	}
	r.Reduce(r.Max() / 2)
	r.Reclaim()
	return true
}

func (s *ResourceStrategy) Recover(ctx context.Context, component interface{}) bool {
	r, ok := component.(*ResourceLimiter)
	if !ok {
		return false
	}
	if pressured, mb := r.UnderPressure(); pressured {
		s.logger.Debug("Memory still above warning level", "memory_mb", mb)
		return false
	}
	r.Restore()
	return true
}

// RegisterDefaults binds every strategy above to its component name.
// snapshots may be nil.
func RegisterDefaults(sys *fallback.System, snapshots SnapshotSource, logger *logging.Logger) error {
	strategies := map[string]fallback.Strategy{
		NameNumeric:   NewNumericStrategy(logger),
		NameMatrix:    NewMatrixStrategy(snapshots, logger),
		NameCache:     NewCacheStrategy(logger),
		NameTransport: NewTransportStrategy(logger),
		NameResource:  NewResourceStrategy(logger),
	}
	for name, strategy := range strategies {
		if err := sys.Register(name, strategy); err != nil {
			return err
		}
	}
	return nil
}
