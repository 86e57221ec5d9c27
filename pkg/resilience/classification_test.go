package resilience

import (
	"context"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/NikhilSetiya/avatar-resilience/pkg/errors"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"nil", nil, CategoryUnknown},
		{"typed network", errors.NewNetworkError("phoneme-service", "boom"), CategoryNetwork},
		{"typed memory", errors.NewMemoryError("arena exhausted"), CategoryMemory},
		{"typed numeric", errors.NewNumericError("capability check failed"), CategoryNumericAcceleration},
		{"wrapped typed", fmt.Errorf("layer: %w", errors.NewDataCorruptionError("mesh", "bad")), CategoryDataCorruption},
		{"deadline", context.DeadlineExceeded, CategoryTimeout},
		{"net op error", &net.OpError{Op: "dial", Net: "tcp", Err: fmt.Errorf("refused")}, CategoryNetwork},
		{"keyword timeout", fmt.Errorf("request timed out"), CategoryTimeout},
		{"keyword network", fmt.Errorf("failed to fetch blendshapes"), CategoryNetwork},
		{"keyword memory", fmt.Errorf("out of memory"), CategoryMemory},
		{"keyword corruption", fmt.Errorf("checksum mismatch"), CategoryDataCorruption},
		{"keyword simd", fmt.Errorf("SIMD kernel unavailable"), CategoryNumericAcceleration},
		{"keyword nan", fmt.Errorf("weight is NaN after blend"), CategoryCalculation},
		{"maintenance is not nan", fmt.Errorf("scheduled maintenance"), CategoryUnknown},
		{"unknown", fmt.Errorf("something odd"), CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
}

func TestStrategyTable_Defaults(t *testing.T) {
	table := DefaultStrategyTable()

	network := table.Lookup(CategoryNetwork)
	assert.True(t, network.Retryable)
	assert.Equal(t, 2.0, network.BackoffMultiplier)
	assert.Equal(t, 3, network.MaxRetries)
	assert.True(t, network.BreakerEligible)

	corruption := table.Lookup(CategoryDataCorruption)
	assert.False(t, corruption.Retryable)
	assert.False(t, corruption.BreakerEligible)

	calc := table.Lookup(CategoryCalculation)
	assert.True(t, calc.Retryable)
	assert.False(t, calc.BreakerEligible)

	assert.Equal(t, CategoryUnknown, table.Lookup(Category("bogus")).Category)
	assert.Len(t, table.All(), 7)
}

func TestStrategyTable_AllIsACopy(t *testing.T) {
	table := DefaultStrategyTable()
	all := table.All()
	delete(all, CategoryNetwork)
	assert.True(t, table.Lookup(CategoryNetwork).Retryable)
}
