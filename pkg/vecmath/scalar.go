package vecmath

import "math"

// Scalar kernels. These are the reference implementations: plain loops with
// no dependence on the host's vector units.

func scalarDot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func scalarNorm(a []float64) float64 {
	return math.Sqrt(scalarDot(a, a))
}

func scalarDistance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

func scalarMatVec(m [][]float64, v []float64) []float64 {
	out := make([]float64, len(m))
	for i, row := range m {
		out[i] = scalarDot(row, v)
	}
	return out
}

func scalarWeightedSum(vectors [][]float64, weights []float64) []float64 {
	out := make([]float64, len(vectors[0]))
	for k, vec := range vectors {
		w := weights[k]
		for i := range vec {
			out[i] += w * vec[i]
		}
	}
	return out
}
