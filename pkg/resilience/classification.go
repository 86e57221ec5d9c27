package resilience

import (
	"context"
	stderrors "errors"
	"net"
	"strings"

	"github.com/NikhilSetiya/avatar-resilience/pkg/errors"
)

// Category is the classification of a failure
type Category string

const (
	CategoryNetwork             Category = "network"
	CategoryTimeout             Category = "timeout"
	CategoryMemory              Category = "memory"
	CategoryDataCorruption      Category = "data_corruption"
	CategoryNumericAcceleration Category = "numeric_acceleration"
	CategoryCalculation         Category = "calculation"
	CategoryUnknown             Category = "unknown"
)

// RecoveryAction names what the control plane does about a category
type RecoveryAction string

const (
	ActionRetryWithBackoff RecoveryAction = "retry_with_backoff"
	ActionExtendTimeout    RecoveryAction = "extend_timeout"
	ActionReclaimMemory    RecoveryAction = "reclaim_memory"
	ActionRestoreSnapshot  RecoveryAction = "restore_snapshot"
	ActionScalarFallback   RecoveryAction = "scalar_fallback"
	ActionRecalculate      RecoveryAction = "recalculate"
	ActionLogAndRetry      RecoveryAction = "log_and_retry"
)

// ErrorStrategy describes how a category is retried
type ErrorStrategy struct {
	Category          Category       `json:"category"`
	Retryable         bool           `json:"retryable"`
	BackoffMultiplier float64        `json:"backoff_multiplier"`
	MaxRetries        int            `json:"max_retries"`
	BreakerEligible   bool           `json:"breaker_eligible"`
	Action            RecoveryAction `json:"action"`
}

// StrategyTable is an immutable category lookup
type StrategyTable struct {
	entries map[Category]ErrorStrategy
}

// DefaultStrategyTable returns the built-in classification policy
func DefaultStrategyTable() StrategyTable {
	entries := map[Category]ErrorStrategy{
		CategoryNetwork: {
			Retryable: true, BackoffMultiplier: 2, MaxRetries: 3,
			BreakerEligible: true, Action: ActionRetryWithBackoff,
		},
		CategoryTimeout: {
			Retryable: true, BackoffMultiplier: 1.5, MaxRetries: 2,
			BreakerEligible: true, Action: ActionExtendTimeout,
		},
		CategoryMemory: {
			Retryable: true, BackoffMultiplier: 3, MaxRetries: 1,
			BreakerEligible: true, Action: ActionReclaimMemory,
		},
		CategoryDataCorruption: {
			Retryable: false, BackoffMultiplier: 1, MaxRetries: 0,
			BreakerEligible: false, Action: ActionRestoreSnapshot,
		},
		// Acceleration failures are permanent for the process; the numeric
		// layer falls back to scalar on its own.
		CategoryNumericAcceleration: {
			Retryable: false, BackoffMultiplier: 1, MaxRetries: 0,
			BreakerEligible: false, Action: ActionScalarFallback,
		},
		CategoryCalculation: {
			Retryable: true, BackoffMultiplier: 1, MaxRetries: 2,
			BreakerEligible: false, Action: ActionRecalculate,
		},
		CategoryUnknown: {
			Retryable: true, BackoffMultiplier: 2, MaxRetries: 1,
			BreakerEligible: true, Action: ActionLogAndRetry,
		},
	}
	for c, s := range entries {
		s.Category = c
		entries[c] = s
	}
	return StrategyTable{entries: entries}
}

// Lookup returns the strategy for c, falling back to the unknown strategy
func (t StrategyTable) Lookup(c Category) ErrorStrategy {
	if s, ok := t.entries[c]; ok {
		return s
	}
	return t.entries[CategoryUnknown]
}

// All returns a copy of the table
func (t StrategyTable) All() map[Category]ErrorStrategy {
	out := make(map[Category]ErrorStrategy, len(t.entries))
	for k, v := range t.entries {
		out[k] = v
	}
	return out
}

var typeCategories = map[errors.ErrorType]Category{
	errors.ErrorTypeNetwork:        CategoryNetwork,
	errors.ErrorTypeTimeout:        CategoryTimeout,
	errors.ErrorTypeMemory:         CategoryMemory,
	errors.ErrorTypeDataCorruption: CategoryDataCorruption,
	errors.ErrorTypeNumeric:        CategoryNumericAcceleration,
	errors.ErrorTypeCalculation:    CategoryCalculation,
}

// keyword lists are checked in order; the first match wins
var keywordCategories = []struct {
	category Category
	keywords []string
}{
	{CategoryTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{CategoryNetwork, []string{"network", "connection", "socket", "dial", "refused", "reset by peer", "unreachable", "fetch", "unexpected eof"}},
	{CategoryMemory, []string{"out of memory", "memory", "allocation", "heap"}},
	{CategoryDataCorruption, []string{"corrupt", "checksum", "malformed", "invalid state"}},
	{CategoryNumericAcceleration, []string{"simd", "wasm", "acceleration", "vector unit"}},
	{CategoryCalculation, []string{" nan", "nan ", "not a number", "infinity", "overflow", "divide by zero", "singular", "calculation"}},
}

// ClassifyError maps an error to a category. Typed application errors win,
// then standard library sentinels, then message keywords.
func ClassifyError(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	if appErr, ok := errors.AsAppError(err); ok {
		if c, ok := typeCategories[appErr.Type]; ok {
			return c
		}
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, entry := range keywordCategories {
		for _, kw := range entry.keywords {
			if strings.Contains(msg, kw) {
				return entry.category
			}
		}
	}

	return CategoryUnknown
}
