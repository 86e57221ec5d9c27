package resilience

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/avatar-resilience/pkg/config"
	"github.com/NikhilSetiya/avatar-resilience/pkg/errors"
	"github.com/NikhilSetiya/avatar-resilience/pkg/logging"
)

func testEngineConfig() config.ResilienceConfig {
	cfg := config.DefaultResilienceConfig()
	cfg.BaseRetryDelay = time.Millisecond
	cfg.MaxRetryDelay = 5 * time.Millisecond
	cfg.OperationTimeout = time.Second
	cfg.CircuitBreakerThreshold = 5
	cfg.CircuitBreakerTimeout = time.Minute
	return cfg
}

func newTestEngine(t *testing.T, cfg config.ResilienceConfig, opts ...EngineOption) *RecoveryEngine {
	t.Helper()
	opts = append([]EngineOption{WithEngineLogger(logging.NewNopLogger()), WithJitterSeed(1)}, opts...)
	e := NewRecoveryEngine(cfg, opts...)
	t.Cleanup(e.Stop)
	return e
}

type recordingObserver struct {
	mu          sync.Mutex
	attempts    int
	retries     int
	transitions []string
}

func (o *recordingObserver) ObserveAttempt(string, Category, bool, time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts++
}

func (o *recordingObserver) ObserveRetry(string, Category, time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries++
}

func (o *recordingObserver) ObserveBreakerState(scope, name string, from, to CircuitState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, fmt.Sprintf("%s/%s:%s", scope, name, to))
}

func TestRecoveryEngine_Success(t *testing.T) {
	e := newTestEngine(t, testEngineConfig())

	result, err := e.ExecuteWithRecovery(context.Background(), "blend", func(ctx context.Context) (interface{}, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, StateClosed, e.Breaker("blend").State())
	assert.Empty(t, e.ActiveOperations())
	assert.Equal(t, uint64(1), e.Stats().Succeeded)
}

func TestRecoveryEngine_OpensBreakerAndRejects(t *testing.T) {
	e := newTestEngine(t, testEngineConfig())

	var calls atomic.Int32
	failing := func(ctx context.Context) (interface{}, error) {
		calls.Add(1)
		return nil, errors.NewNetworkError("phoneme-service", "connection refused")
	}

	for i := 0; i < 5; i++ {
		_, err := e.ExecuteWithRecovery(context.Background(), "fetch-phonemes", failing, WithoutRetry())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection refused")
	}
	require.Equal(t, StateOpen, e.Breaker("fetch-phonemes").State())
	require.Equal(t, int32(5), calls.Load())

	_, err := e.ExecuteWithRecovery(context.Background(), "fetch-phonemes", failing)
	require.Error(t, err)
	assert.True(t, IsCircuitOpen(err))
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, int32(5), calls.Load())

	status := e.CircuitBreakerStatus()
	assert.Equal(t, StateOpen, status["fetch-phonemes"].State)
	assert.Equal(t, 1, e.Stats().BreakersOpen)
}

func TestRecoveryEngine_BreakerOpensDuringRetries(t *testing.T) {
	cfg := testEngineConfig()
	cfg.CircuitBreakerThreshold = 2
	e := newTestEngine(t, cfg)

	var calls atomic.Int32
	_, err := e.ExecuteWithRecovery(context.Background(), "stream", func(ctx context.Context) (interface{}, error) {
		calls.Add(1)
		return nil, fmt.Errorf("socket closed")
	})
	require.Error(t, err)

	var rerr *RecoveryError
	require.True(t, stderrors.As(err, &rerr))
	assert.True(t, rerr.CircuitOpen)
	assert.Equal(t, CategoryNetwork, rerr.Category)
	assert.Equal(t, "socket closed", err.Error())
	assert.Equal(t, int32(2), calls.Load())
}

func TestRecoveryEngine_RetriesThenSucceeds(t *testing.T) {
	obs := &recordingObserver{}
	e := newTestEngine(t, testEngineConfig(), WithObserver(obs))

	var calls atomic.Int32
	result, err := e.ExecuteWithRecovery(context.Background(), "load-mesh", func(ctx context.Context) (interface{}, error) {
		if calls.Add(1) < 3 {
			return nil, errors.NewNetworkError("cdn", "connection reset by peer")
		}
		return "mesh", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "mesh", result)
	assert.Equal(t, int32(3), calls.Load())

	// success after failures closes the breaker and clears its count
	assert.Equal(t, 0, e.Breaker("load-mesh").Failures())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 3, obs.attempts)
	assert.Equal(t, 2, obs.retries)
	assert.Equal(t, uint64(2), e.Stats().Retries)
}

func TestRecoveryEngine_RetryLimitPerCategory(t *testing.T) {
	e := newTestEngine(t, testEngineConfig())

	var calls atomic.Int32
	_, err := e.ExecuteWithRecovery(context.Background(), "alloc", func(ctx context.Context) (interface{}, error) {
		calls.Add(1)
		return nil, errors.NewMemoryError("arena exhausted")
	})
	require.Error(t, err)

	// memory allows a single retry
	assert.Equal(t, int32(2), calls.Load())

	var rerr *RecoveryError
	require.True(t, stderrors.As(err, &rerr))
	assert.Equal(t, 2, rerr.Attempts)
	assert.Equal(t, CategoryMemory, rerr.Category)
	assert.True(t, errors.IsType(err, errors.ErrorTypeMemory))
}

func TestRecoveryEngine_NonRetryablePropagatesUnchanged(t *testing.T) {
	e := newTestEngine(t, testEngineConfig())

	original := errors.NewDataCorruptionError("viseme-table", "row 4 malformed")
	var calls atomic.Int32
	_, err := e.ExecuteWithRecovery(context.Background(), "parse", func(ctx context.Context) (interface{}, error) {
		calls.Add(1)
		return nil, original
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, original.Error(), err.Error())
	assert.True(t, stderrors.Is(err, original))

	// data corruption does not feed the breaker
	assert.Equal(t, 0, e.Breaker("parse").Failures())
}

func TestRecoveryEngine_RetryDisabled(t *testing.T) {
	cfg := testEngineConfig()
	cfg.RetryEnabled = false
	e := newTestEngine(t, cfg)

	var calls atomic.Int32
	_, err := e.ExecuteWithRecovery(context.Background(), "op", func(ctx context.Context) (interface{}, error) {
		calls.Add(1)
		return nil, fmt.Errorf("network down")
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRecoveryEngine_Timeout(t *testing.T) {
	e := newTestEngine(t, testEngineConfig())

	_, err := e.ExecuteWithRecovery(context.Background(), "slow", func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, WithTimeout(20*time.Millisecond), WithoutRetry())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTimeout))

	var rerr *RecoveryError
	require.True(t, stderrors.As(err, &rerr))
	assert.Equal(t, CategoryTimeout, rerr.Category)
	assert.Equal(t, 1, e.Breaker("slow").Failures())
}

func TestRecoveryEngine_PanicBecomesError(t *testing.T) {
	e := newTestEngine(t, testEngineConfig())

	_, err := e.ExecuteWithRecovery(context.Background(), "explode", func(ctx context.Context) (interface{}, error) {
		panic("kaboom")
	}, WithoutRetry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestRecoveryEngine_CancelDiscardsLateResult(t *testing.T) {
	e := newTestEngine(t, testEngineConfig())

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		_, err := e.ExecuteWithRecovery(context.Background(), "render", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return "late", nil
		})
		done <- err
	}()

	<-started
	active := e.ActiveOperations()
	require.Len(t, active, 1)
	assert.Equal(t, "render", active[0].Name)

	require.True(t, e.CancelOperation(active[0].ID))
	assert.False(t, e.CancelOperation(active[0].ID))
	assert.Empty(t, e.ActiveOperations())

	err := <-done
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCancelled))

	close(release)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, e.ActiveOperations())
	assert.Equal(t, uint64(1), e.Stats().Cancelled)
}

func TestRecoveryEngine_CancelDuringBackoff(t *testing.T) {
	cfg := testEngineConfig()
	cfg.BaseRetryDelay = time.Hour
	cfg.MaxRetryDelay = time.Hour
	e := newTestEngine(t, cfg)

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		_, err := e.ExecuteWithRecovery(context.Background(), "waiting", func(ctx context.Context) (interface{}, error) {
			calls.Add(1)
			return nil, fmt.Errorf("connection dropped")
		})
		done <- err
	}()

	require.Eventually(t, func() bool {
		ops := e.ActiveOperations()
		return len(ops) == 1 && !ops[0].NextRetryAt.IsZero()
	}, 2*time.Second, 5*time.Millisecond)

	ops := e.ActiveOperations()
	assert.Equal(t, "connection dropped", ops[0].LastError)
	require.True(t, e.CancelOperation(ops[0].ID))

	err := <-done
	assert.True(t, errors.IsType(err, errors.ErrorTypeCancelled))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRecoveryEngine_RetryWaitsOnEngineClock(t *testing.T) {
	cfg := testEngineConfig()
	cfg.BaseRetryDelay = time.Hour
	cfg.MaxRetryDelay = time.Hour
	clk := clock.NewMock()
	e := newTestEngine(t, cfg, WithEngineClock(clk))

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		_, err := e.ExecuteWithRecovery(context.Background(), "reconnect", func(ctx context.Context) (interface{}, error) {
			if calls.Add(1) == 1 {
				return nil, errors.NewNetworkError("stream", "connection reset")
			}
			return "ok", nil
		})
		done <- err
	}()

	require.Eventually(t, func() bool {
		ops := e.ActiveOperations()
		return len(ops) == 1 && !ops[0].NextRetryAt.IsZero()
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, clk.Now().Add(time.Hour), e.ActiveOperations()[0].NextRetryAt)
	assert.Equal(t, int32(1), calls.Load())

	var err error
	require.Eventually(t, func() bool {
		select {
		case err = <-done:
			return true
		default:
			clk.Add(10 * time.Minute)
			return false
		}
	}, 2*time.Second, time.Millisecond)
	assert.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRecoveryEngine_CallerContextCancelled(t *testing.T) {
	e := newTestEngine(t, testEngineConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.ExecuteWithRecovery(ctx, "op", func(ctx context.Context) (interface{}, error) {
		return nil, fmt.Errorf("network unreachable")
	})
	require.Error(t, err)
}

func TestRecoveryEngine_ResetIsIdempotent(t *testing.T) {
	e := newTestEngine(t, testEngineConfig())

	for i := 0; i < 5; i++ {
		_, _ = e.ExecuteWithRecovery(context.Background(), "flaky", func(ctx context.Context) (interface{}, error) {
			return nil, fmt.Errorf("network unreachable")
		}, WithoutRetry())
	}
	require.NoError(t, e.CreateStateSnapshot("viseme", visemeState{Frame: 1}))
	require.True(t, e.Breaker("flaky").IsOpen())

	e.Reset()
	first := e.Stats()
	firstBreakers := e.CircuitBreakerStatus()

	e.Reset()
	second := e.Stats()

	assert.Equal(t, first.ActiveOperations, second.ActiveOperations)
	assert.Equal(t, first.BreakersOpen, second.BreakersOpen)
	assert.Equal(t, first.Snapshots, second.Snapshots)
	assert.Equal(t, firstBreakers, e.CircuitBreakerStatus())
	assert.Equal(t, 0, second.BreakersOpen)
	assert.Equal(t, 0, second.Snapshots)
	assert.Empty(t, e.ActiveOperations())
	assert.Equal(t, StateClosed, e.Breaker("flaky").State())
	assert.Equal(t, 0, e.Breaker("flaky").Failures())
}

func TestRecoveryEngine_Snapshots(t *testing.T) {
	e := newTestEngine(t, testEngineConfig())

	require.NoError(t, e.CreateStateSnapshot("viseme", visemeState{Phoneme: "OO", Frame: 9}))

	var restored visemeState
	require.True(t, e.RestoreStateFromSnapshot("viseme", &restored))
	assert.Equal(t, "OO", restored.Phoneme)

	assert.False(t, e.RestoreStateFromSnapshot("missing", &restored))

	snap, err := e.Snapshots().Capture("viseme", visemeState{Phoneme: "OO"})
	require.NoError(t, err)
	snap.Data[0] = ' '
	assert.False(t, e.RestoreStateFromSnapshot("viseme", &restored))
	assert.Equal(t, 1, e.Stats().Snapshots)
}

func TestRecoveryEngine_PeriodicSnapshots(t *testing.T) {
	cfg := testEngineConfig()
	cfg.SnapshotInterval = 5 * time.Millisecond
	e := newTestEngine(t, cfg)

	var frame atomic.Int32
	e.RegisterStateProvider("viseme", func() (interface{}, error) {
		return visemeState{Frame: int(frame.Add(1))}, nil
	})
	e.RegisterStateProvider("broken", func() (interface{}, error) {
		return nil, fmt.Errorf("not ready")
	})

	assert.Equal(t, 1, e.SnapshotNow())

	e.Start()
	require.Eventually(t, func() bool { return frame.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	e.Stop()

	var restored visemeState
	require.True(t, e.RestoreStateFromSnapshot("viseme", &restored))
	assert.GreaterOrEqual(t, restored.Frame, 2)
}

func TestRecoveryEngine_BreakerHookReachesObserver(t *testing.T) {
	obs := &recordingObserver{}
	cfg := testEngineConfig()
	cfg.CircuitBreakerThreshold = 1
	e := newTestEngine(t, cfg, WithObserver(obs))

	_, _ = e.ExecuteWithRecovery(context.Background(), "dial", func(ctx context.Context) (interface{}, error) {
		return nil, fmt.Errorf("dial tcp: refused")
	}, WithoutRetry())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []string{"operation/dial:OPEN"}, obs.transitions)
}

func TestExecute_Typed(t *testing.T) {
	e := newTestEngine(t, testEngineConfig())

	weights, err := Execute(context.Background(), e, "weights", func(ctx context.Context) ([]float64, error) {
		return []float64{0.1, 0.9}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.9}, weights)

	_, err = Execute(context.Background(), e, "weights-fail", func(ctx context.Context) (int, error) {
		return 0, errors.NewDataCorruptionError("weights", "bad")
	})
	assert.Error(t, err)
}
