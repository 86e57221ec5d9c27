// Package vecmath provides the vector primitives used by the animation matrix.
//
// Every primitive has an accelerated path backed by gonum's SIMD kernels and a
// scalar path written as plain loops. The accelerated path is checked once when
// the Accelerator is built; if the check fails the Accelerator stays scalar for
// the rest of the process. Callers never see which path ran.
package vecmath

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/NikhilSetiya/avatar-resilience/pkg/logging"
)

var (
	// ErrDimensionMismatch is returned when operand lengths disagree
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrEmptyInput is returned for zero-length operands
	ErrEmptyInput = errors.New("empty input")
)

// Option configures an Accelerator
type Option func(*Accelerator)

// WithCapabilityCheck replaces hardware vector unit detection
func WithCapabilityCheck(detect func() bool) Option {
	return func(a *Accelerator) {
		a.detect = detect
	}
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(a *Accelerator) {
		a.logger = logging.OrGlobal(logger)
	}
}

// Stats counts calls per path
type Stats struct {
	Supported        bool   `json:"supported"`
	ForcedScalar     bool   `json:"forced_scalar"`
	AcceleratedCalls uint64 `json:"accelerated_calls"`
	ScalarCalls      uint64 `json:"scalar_calls"`
}

// Accelerator dispatches vector math to the accelerated or scalar kernels
type Accelerator struct {
	detect    func() bool
	supported bool
	forced    atomic.Bool
	logger    *logging.Logger

	acceleratedCalls atomic.Uint64
	scalarCalls      atomic.Uint64
}

// New builds an Accelerator and runs the capability check once
func New(opts ...Option) *Accelerator {
	a := &Accelerator{
		detect: hasVectorUnit,
		logger: logging.GetLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.supported = a.initialize()
	if a.supported {
		a.logger.Info("Numeric acceleration enabled")
	} else {
		a.logger.Warn("Numeric acceleration unavailable, using scalar kernels")
	}
	return a
}

// initialize reports whether the accelerated kernels can be trusted. A panic
// during detection counts as a failed check.
func (a *Accelerator) initialize() (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Acceleration check panicked", "panic", fmt.Sprint(r))
			ok = false
		}
	}()

	if !a.detect() {
		return false
	}
	return a.checkKernels(true) == nil
}

// IsSupported reports whether the accelerated path initialized correctly
func (a *Accelerator) IsSupported() bool {
	return a.supported
}

// Accelerated reports whether calls currently use the accelerated path
func (a *Accelerator) Accelerated() bool {
	return a.supported && !a.forced.Load()
}

// ForceScalar pins the scalar path on or off. Turning it off never enables
// acceleration on hosts where the capability check failed.
func (a *Accelerator) ForceScalar(on bool) {
	a.forced.Store(on)
}

// Stats returns call counters
func (a *Accelerator) Stats() Stats {
	return Stats{
		Supported:        a.supported,
		ForcedScalar:     a.forced.Load(),
		AcceleratedCalls: a.acceleratedCalls.Load(),
		ScalarCalls:      a.scalarCalls.Load(),
	}
}

func (a *Accelerator) useAccelerated() bool {
	if a.Accelerated() {
		a.acceleratedCalls.Add(1)
		return true
	}
	a.scalarCalls.Add(1)
	return false
}

func checkPair(x, y []float64) error {
	if len(x) == 0 || len(y) == 0 {
		return ErrEmptyInput
	}
	if len(x) != len(y) {
		return fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(x), len(y))
	}
	return nil
}

// Dot returns the dot product of x and y
func (a *Accelerator) Dot(x, y []float64) (float64, error) {
	if err := checkPair(x, y); err != nil {
		return 0, err
	}
	if a.useAccelerated() {
		return acceleratedDot(x, y), nil
	}
	return scalarDot(x, y), nil
}

// EuclideanDistance returns the L2 distance between x and y
func (a *Accelerator) EuclideanDistance(x, y []float64) (float64, error) {
	if err := checkPair(x, y); err != nil {
		return 0, err
	}
	if a.useAccelerated() {
		return acceleratedDistance(x, y), nil
	}
	return scalarDistance(x, y), nil
}

// CosineSimilarity returns the cosine of the angle between x and y, or 0 when
// either vector has zero length.
func (a *Accelerator) CosineSimilarity(x, y []float64) (float64, error) {
	if err := checkPair(x, y); err != nil {
		return 0, err
	}

	var dot, nx, ny float64
	if a.useAccelerated() {
		dot, nx, ny = acceleratedDot(x, y), acceleratedNorm(x), acceleratedNorm(y)
	} else {
		dot, nx, ny = scalarDot(x, y), scalarNorm(x), scalarNorm(y)
	}

	if nx == 0 || ny == 0 {
		return 0, nil
	}
	return dot / (nx * ny), nil
}

// Norm returns the L2 norm of x
func (a *Accelerator) Norm(x []float64) (float64, error) {
	if len(x) == 0 {
		return 0, ErrEmptyInput
	}
	if a.useAccelerated() {
		return acceleratedNorm(x), nil
	}
	return scalarNorm(x), nil
}

// MatVec multiplies the row-major matrix m by v
func (a *Accelerator) MatVec(m [][]float64, v []float64) ([]float64, error) {
	if len(m) == 0 || len(v) == 0 {
		return nil, ErrEmptyInput
	}
	for i, row := range m {
		if len(row) != len(v) {
			return nil, fmt.Errorf("%w: row %d has %d columns, vector has %d", ErrDimensionMismatch, i, len(row), len(v))
		}
	}
	if a.useAccelerated() {
		return acceleratedMatVec(m, v), nil
	}
	return scalarMatVec(m, v), nil
}

// WeightedSum returns sum(weights[k] * vectors[k])
func (a *Accelerator) WeightedSum(vectors [][]float64, weights []float64) ([]float64, error) {
	if len(vectors) == 0 {
		return nil, ErrEmptyInput
	}
	if len(vectors) != len(weights) {
		return nil, fmt.Errorf("%w: %d vectors, %d weights", ErrDimensionMismatch, len(vectors), len(weights))
	}
	width := len(vectors[0])
	if width == 0 {
		return nil, ErrEmptyInput
	}
	for i, vec := range vectors {
		if len(vec) != width {
			return nil, fmt.Errorf("%w: vector %d has length %d, want %d", ErrDimensionMismatch, i, len(vec), width)
		}
	}
	if a.useAccelerated() {
		return acceleratedWeightedSum(vectors, weights), nil
	}
	return scalarWeightedSum(vectors, weights), nil
}

// PairwiseDistances returns the symmetric matrix of Euclidean distances
// between every pair of points.
func (a *Accelerator) PairwiseDistances(points [][]float64) ([][]float64, error) {
	if len(points) == 0 {
		return nil, ErrEmptyInput
	}
	width := len(points[0])
	for i, p := range points {
		if len(p) != width || width == 0 {
			return nil, fmt.Errorf("%w: point %d", ErrDimensionMismatch, i)
		}
	}

	distance := scalarDistance
	if a.useAccelerated() {
		distance = acceleratedDistance
	}

	out := make([][]float64, len(points))
	for i := range out {
		out[i] = make([]float64, len(points))
	}
	for i := range points {
		for j := i + 1; j < len(points); j++ {
			d := distance(points[i], points[j])
			out[i][j] = d
			out[j][i] = d
		}
	}
	return out, nil
}

// approxEqual compares with a relative tolerance, falling back to absolute
// tolerance near zero.
func approxEqual(x, y, tol float64) bool {
	scale := math.Max(1, math.Max(math.Abs(x), math.Abs(y)))
	return math.Abs(x-y) <= tol*scale
}
