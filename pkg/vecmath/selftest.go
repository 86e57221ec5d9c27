package vecmath

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

const selfTestTolerance = 1e-9

type kernels struct {
	dot      func(a, b []float64) float64
	norm     func(a []float64) float64
	distance func(a, b []float64) float64
	matVec   func(m [][]float64, v []float64) []float64
	weighted func(vectors [][]float64, weights []float64) []float64
}

var (
	scalarKernels = kernels{
		dot:      scalarDot,
		norm:     scalarNorm,
		distance: scalarDistance,
		matVec:   scalarMatVec,
		weighted: scalarWeightedSum,
	}
	acceleratedKernels = kernels{
		dot:      acceleratedDot,
		norm:     acceleratedNorm,
		distance: acceleratedDistance,
		matVec:   acceleratedMatVec,
		weighted: acceleratedWeightedSum,
	}
)

// TestOperations validates known input/output pairs on the path currently in use
func (a *Accelerator) TestOperations() error {
	return a.checkKernels(a.Accelerated())
}

// VerifyAccelerated runs the known-answer checks against the accelerated
// kernels even while scalar mode is forced. It fails on unsupported hosts.
func (a *Accelerator) VerifyAccelerated() error {
	if !a.supported {
		return fmt.Errorf("numeric acceleration is not supported on this host")
	}
	return a.checkKernels(true)
}

func (a *Accelerator) checkKernels(accelerated bool) (err error) {
	k := scalarKernels
	path := "scalar"
	if accelerated {
		k = acceleratedKernels
		path = "accelerated"
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s kernels panicked: %v", path, r)
		}
	}()

	if got := k.dot([]float64{1, 2, 3, 4}, []float64{1, 1, 1, 1}); !approxEqual(got, 10, selfTestTolerance) {
		return fmt.Errorf("%s dot product: got %v, want 10", path, got)
	}
	if got := k.norm([]float64{3, 4}); !approxEqual(got, 5, selfTestTolerance) {
		return fmt.Errorf("%s norm: got %v, want 5", path, got)
	}
	if got := k.distance([]float64{0, 0, 0}, []float64{2, 3, 6}); !approxEqual(got, 7, selfTestTolerance) {
		return fmt.Errorf("%s distance: got %v, want 7", path, got)
	}

	mv := k.matVec([][]float64{{1, 0, 2}, {0, 1, 1}}, []float64{1, 2, 3})
	if len(mv) != 2 || !approxEqual(mv[0], 7, selfTestTolerance) || !approxEqual(mv[1], 5, selfTestTolerance) {
		return fmt.Errorf("%s mat-vec: got %v, want [7 5]", path, mv)
	}

	ws := k.weighted([][]float64{{1, 1}, {2, 4}}, []float64{0.5, 0.25})
	if len(ws) != 2 || !approxEqual(ws[0], 1, selfTestTolerance) || !approxEqual(ws[1], 1.5, selfTestTolerance) {
		return fmt.Errorf("%s weighted sum: got %v, want [1 1.5]", path, ws)
	}

	return nil
}

// BenchmarkResult compares the two paths. It is informational only.
type BenchmarkResult struct {
	Iterations      int           `json:"iterations"`
	VectorLength    int           `json:"vector_length"`
	Supported       bool          `json:"supported"`
	ScalarTime      time.Duration `json:"scalar_time"`
	AcceleratedTime time.Duration `json:"accelerated_time"`
	Speedup         float64       `json:"speedup"`
}

const benchmarkVectorLength = 256

// Benchmark times dot product, distance and norm on both paths
func (a *Accelerator) Benchmark(iterations int) BenchmarkResult {
	if iterations <= 0 {
		iterations = 1000
	}

	rng := rand.New(rand.NewSource(42))
	x := make([]float64, benchmarkVectorLength)
	y := make([]float64, benchmarkVectorLength)
	for i := range x {
		x[i] = rng.Float64()
		y[i] = rng.Float64()
	}

	run := func(k kernels) time.Duration {
		var sink float64
		start := time.Now()
		for i := 0; i < iterations; i++ {
			sink += k.dot(x, y) + k.distance(x, y) + k.norm(x)
		}
		elapsed := time.Since(start)
		if math.IsNaN(sink) {
			a.logger.Warn("Benchmark produced NaN")
		}
		return elapsed
	}

	result := BenchmarkResult{
		Iterations:   iterations,
		VectorLength: benchmarkVectorLength,
		Supported:    a.supported,
		ScalarTime:   run(scalarKernels),
	}

	if a.supported {
		result.AcceleratedTime = run(acceleratedKernels)
		if result.AcceleratedTime > 0 {
			result.Speedup = float64(result.ScalarTime) / float64(result.AcceleratedTime)
		}
	}

	a.logger.Debug("Numeric benchmark complete",
		"iterations", iterations,
		"scalar_ns", result.ScalarTime.Nanoseconds(),
		"accelerated_ns", result.AcceleratedTime.Nanoseconds(),
		"speedup", result.Speedup,
	)
	return result
}
