package fallback

import (
	"context"
	"fmt"
)

// Strategy is the degraded-mode policy registered for one component. The
// component argument is the opaque instance passed to HandleComponentFailure.
type Strategy interface {
	Name() string
	// Priority orders recovery work; lower runs first
	Priority() int
	Fallback(ctx context.Context, component interface{}, err error) bool
	Recover(ctx context.Context, component interface{}) bool
}

// StrategyFuncs adapts a pair of functions to Strategy
type StrategyFuncs struct {
	StrategyName string
	Rank         int
	FallbackFn   func(ctx context.Context, component interface{}, err error) bool
	RecoverFn    func(ctx context.Context, component interface{}) bool
}

func (s StrategyFuncs) Name() string {
	return s.StrategyName
}

func (s StrategyFuncs) Priority() int {
	return s.Rank
}

func (s StrategyFuncs) Fallback(ctx context.Context, component interface{}, err error) bool {
	if s.FallbackFn == nil {
		return false
	}
	return s.FallbackFn(ctx, component, err)
}

func (s StrategyFuncs) Recover(ctx context.Context, component interface{}) bool {
	if s.RecoverFn == nil {
		return false
	}
	return s.RecoverFn(ctx, component)
}

// runFallback calls the strategy and treats a panic as a failed fallback
func runFallback(ctx context.Context, s Strategy, component interface{}, cause error) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("fallback %s panicked: %v", s.Name(), r)
		}
	}()
	return s.Fallback(ctx, component, cause), nil
}

// runRecover calls the strategy and treats a panic as a failed recovery
func runRecover(ctx context.Context, s Strategy, component interface{}) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("recovery %s panicked: %v", s.Name(), r)
		}
	}()
	return s.Recover(ctx, component), nil
}
