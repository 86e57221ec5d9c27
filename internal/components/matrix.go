package components

import (
	"fmt"
	"math"
	"sync"

	"github.com/tiendc/go-deepcopy"

	"github.com/NikhilSetiya/avatar-resilience/pkg/errors"
	"github.com/NikhilSetiya/avatar-resilience/pkg/vecmath"
)

// rowSumTolerance bounds how far a normalized row may drift from 1
const rowSumTolerance = 1e-6

// CoarticulationMatrix blends neighbouring phoneme activations. The full
// matrix weights every phoneme pair by the similarity of their articulation
// features; the simplified lookup table maps each phoneme only to itself.
type CoarticulationMatrix struct {
	acc      *vecmath.Accelerator
	phonemes []string
	index    map[string]int
	features [][]float64

	mu         sync.RWMutex
	full       [][]float64
	lookup     [][]float64
	simplified bool
}

// NewCoarticulationMatrix builds the full matrix from per-phoneme feature
// vectors
func NewCoarticulationMatrix(acc *vecmath.Accelerator, phonemes []string, features [][]float64) (*CoarticulationMatrix, error) {
	if len(phonemes) == 0 || len(phonemes) != len(features) {
		return nil, errors.NewValidationError("phonemes and features must be non-empty and the same length")
	}

	m := &CoarticulationMatrix{
		acc:      acc,
		phonemes: append([]string(nil), phonemes...),
		index:    make(map[string]int, len(phonemes)),
		features: features,
		lookup:   identity(len(phonemes)),
	}
	for i, p := range phonemes {
		m.index[p] = i
	}

	full, err := m.compute()
	if err != nil {
		return nil, err
	}
	m.full = full
	return m, nil
}

func identity(n int) [][]float64 {
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, n)
		out[i][i] = 1
	}
	return out
}

// compute derives weights 1/(1+distance) and normalizes each row to sum 1
func (m *CoarticulationMatrix) compute() ([][]float64, error) {
	distances, err := m.acc.PairwiseDistances(m.features)
	if err != nil {
		return nil, errors.NewCalculationError("failed to compute phoneme distances").WithCause(err)
	}

	out := make([][]float64, len(distances))
	for i, row := range distances {
		out[i] = make([]float64, len(row))
		sum := 0.0
		for j, d := range row {
			w := 1 / (1 + d)
			out[i][j] = w
			sum += w
		}
		for j := range out[i] {
			out[i][j] /= sum
		}
	}

	if err := validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

func validate(matrix [][]float64) error {
	for i, row := range matrix {
		sum := 0.0
		for _, w := range row {
			if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
				return errors.NewCalculationError(fmt.Sprintf("row %d has an invalid weight", i))
			}
			sum += w
		}
		if math.Abs(sum-1) > rowSumTolerance {
			return errors.NewCalculationError(fmt.Sprintf("row %d sums to %.6f", i, sum))
		}
	}
	return nil
}

// UseLookupTable switches to the simplified table
func (m *CoarticulationMatrix) UseLookupTable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.simplified = true
}

// Recompute rebuilds and validates the full matrix, then leaves simplified
// mode
func (m *CoarticulationMatrix) Recompute() error {
	full, err := m.compute()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.full = full
	m.simplified = false
	return nil
}

// Simplified reports whether the lookup table is in use
func (m *CoarticulationMatrix) Simplified() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.simplified
}

func (m *CoarticulationMatrix) current() [][]float64 {
	if m.simplified {
		return m.lookup
	}
	return m.full
}

// Coarticulate blends per-phoneme activations into coarticulated activations
func (m *CoarticulationMatrix) Coarticulate(activations []float64) ([]float64, error) {
	m.mu.RLock()
	matrix := m.current()
	m.mu.RUnlock()

	out, err := m.acc.MatVec(matrix, activations)
	if err != nil {
		return nil, errors.NewCalculationError("coarticulation failed").WithCause(err)
	}
	return out, nil
}

// Weights returns the blend row for one phoneme
func (m *CoarticulationMatrix) Weights(phoneme string) ([]float64, error) {
	i, ok := m.index[phoneme]
	if !ok {
		return nil, errors.NewNotFoundError("phoneme " + phoneme)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]float64(nil), m.current()[i]...), nil
}

// Phonemes returns the phoneme order of rows and columns
func (m *CoarticulationMatrix) Phonemes() []string {
	return append([]string(nil), m.phonemes...)
}

// Table returns a deep copy of the matrix in use
func (m *CoarticulationMatrix) Table() ([][]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out [][]float64
	if err := deepcopy.Copy(&out, m.current()); err != nil {
		return nil, err
	}
	return out, nil
}

// MatrixState is the serializable state captured in snapshots
type MatrixState struct {
	Phonemes   []string    `json:"phonemes"`
	Simplified bool        `json:"simplified"`
	Weights    [][]float64 `json:"weights"`
}

// State returns the snapshot state of the matrix. Weights always hold the
// full matrix, even while the lookup table is in use.
func (m *CoarticulationMatrix) State() (interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var weights [][]float64
	if err := deepcopy.Copy(&weights, m.full); err != nil {
		return nil, err
	}
	return MatrixState{
		Phonemes:   m.Phonemes(),
		Simplified: m.simplified,
		Weights:    weights,
	}, nil
}

// Restore validates the snapshot weights, installs them as the full matrix
// and leaves simplified mode
func (m *CoarticulationMatrix) Restore(state MatrixState) error {
	if len(state.Weights) != len(m.phonemes) {
		return errors.NewDataCorruptionError("coarticulation matrix", "snapshot size does not match phoneme set")
	}
	for _, row := range state.Weights {
		if len(row) != len(m.phonemes) {
			return errors.NewDataCorruptionError("coarticulation matrix", "snapshot row size does not match phoneme set")
		}
	}
	if err := validate(state.Weights); err != nil {
		return err
	}

	var full [][]float64
	if err := deepcopy.Copy(&full, state.Weights); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.full = full
	m.simplified = false
	return nil
}
