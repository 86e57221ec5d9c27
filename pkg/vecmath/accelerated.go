package vecmath

import (
	"golang.org/x/sys/cpu"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// hasVectorUnit reports whether the host exposes the SIMD extensions gonum's
// assembly kernels are built for.
func hasVectorUnit() bool {
	return cpu.X86.HasAVX2 || cpu.X86.HasAVX || cpu.X86.HasSSE41 || cpu.ARM64.HasASIMD
}

func acceleratedDot(a, b []float64) float64 {
	return floats.Dot(a, b)
}

func acceleratedNorm(a []float64) float64 {
	return floats.Norm(a, 2)
}

func acceleratedDistance(a, b []float64) float64 {
	return floats.Distance(a, b, 2)
}

func acceleratedMatVec(m [][]float64, v []float64) []float64 {
	rows, cols := len(m), len(v)
	data := make([]float64, 0, rows*cols)
	for _, row := range m {
		data = append(data, row...)
	}

	var out mat.VecDense
	out.MulVec(mat.NewDense(rows, cols, data), mat.NewVecDense(cols, v))
	return out.RawVector().Data
}

func acceleratedWeightedSum(vectors [][]float64, weights []float64) []float64 {
	out := make([]float64, len(vectors[0]))
	for k, vec := range vectors {
		floats.AddScaled(out, weights[k], vec)
	}
	return out
}
