package resilience

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/NikhilSetiya/avatar-resilience/pkg/config"
	"github.com/NikhilSetiya/avatar-resilience/pkg/errors"
	"github.com/NikhilSetiya/avatar-resilience/pkg/logging"
)

// Operation is a recoverable unit of work. It should honour ctx cancellation
// but is not required to; results arriving after abandonment are discarded.
type Operation func(ctx context.Context) (interface{}, error)

// Observer receives engine events, typically for metrics
type Observer interface {
	ObserveAttempt(operation string, category Category, success bool, duration time.Duration)
	ObserveRetry(operation string, category Category, delay time.Duration)
	ObserveBreakerState(scope, name string, from, to CircuitState)
}

type nopObserver struct{}

func (nopObserver) ObserveAttempt(string, Category, bool, time.Duration)           {}
func (nopObserver) ObserveRetry(string, Category, time.Duration)                   {}
func (nopObserver) ObserveBreakerState(string, string, CircuitState, CircuitState) {}

// RecoveryError carries recovery metadata for an error that exhausted its
// retries. Error() returns the original message unchanged.
type RecoveryError struct {
	OperationID string   `json:"operation_id"`
	Operation   string   `json:"operation"`
	Attempts    int      `json:"attempts"`
	Category    Category `json:"category"`
	CircuitOpen bool     `json:"circuit_open"`
	Err         error    `json:"-"`
}

func (e *RecoveryError) Error() string {
	return e.Err.Error()
}

func (e *RecoveryError) Unwrap() error {
	return e.Err
}

// IsCircuitOpen reports whether err was produced by an open breaker
func IsCircuitOpen(err error) bool {
	var rerr *RecoveryError
	if stderrors.As(err, &rerr) && rerr.CircuitOpen {
		return true
	}
	return errors.IsType(err, errors.ErrorTypeCircuitOpen)
}

// OperationContext is the bookkeeping for one in-flight call
type OperationContext struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	StartedAt   time.Time     `json:"started_at"`
	RetryCount  int           `json:"retry_count"`
	Timeout     time.Duration `json:"timeout"`
	LastError   string        `json:"last_error,omitempty"`
	Category    Category      `json:"category,omitempty"`
	NextRetryAt time.Time     `json:"next_retry_at,omitempty"`
	Cancelled   bool          `json:"cancelled"`
}

type activeOperation struct {
	mu       sync.Mutex
	info     OperationContext
	lastErr  error
	attempts int
	cancel   context.CancelFunc
}

func (a *activeOperation) snapshot() OperationContext {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.info
}

func (a *activeOperation) failedBefore() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr != nil
}

func (a *activeOperation) cancelled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.info.Cancelled
}

// CallOption adjusts a single ExecuteWithRecovery call
type CallOption func(*callOptions)

type callOptions struct {
	timeout    time.Duration
	maxRetries int
	noRetry    bool
}

// WithTimeout overrides the per-attempt timeout
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		o.timeout = d
	}
}

// WithMaxRetries caps retries below the category and global limits
func WithMaxRetries(n int) CallOption {
	return func(o *callOptions) {
		o.maxRetries = n
	}
}

// WithoutRetry disables retries for one call
func WithoutRetry() CallOption {
	return func(o *callOptions) {
		o.noRetry = true
	}
}

// StateProvider returns the serializable state of a component for periodic
// snapshots
type StateProvider func() (interface{}, error)

// EngineStats aggregates engine counters
type EngineStats struct {
	ActiveOperations    int    `json:"active_operations"`
	BreakersOpen        int    `json:"breakers_open"`
	Snapshots           int    `json:"snapshots"`
	TotalOperations     uint64 `json:"total_operations"`
	Succeeded           uint64 `json:"succeeded"`
	Failed              uint64 `json:"failed"`
	Retries             uint64 `json:"retries"`
	Cancelled           uint64 `json:"cancelled"`
	DiscardedLateResult uint64 `json:"discarded_late_results"`
}

// EngineOption configures a RecoveryEngine
type EngineOption func(*RecoveryEngine)

// WithEngineLogger sets the logger
func WithEngineLogger(logger *logging.Logger) EngineOption {
	return func(e *RecoveryEngine) {
		e.logger = logging.OrGlobal(logger)
	}
}

// WithTracer sets the tracer used for operation spans
func WithTracer(tracer trace.Tracer) EngineOption {
	return func(e *RecoveryEngine) {
		e.tracer = tracer
	}
}

// WithObserver sets the metrics observer
func WithObserver(o Observer) EngineOption {
	return func(e *RecoveryEngine) {
		e.observer = o
	}
}

// WithEngineClock sets the clock behind breaker cooldowns, retry waits,
// snapshot times and the engine's own scheduler
func WithEngineClock(clk clock.Clock) EngineOption {
	return func(e *RecoveryEngine) {
		e.clock = clk
	}
}

// WithScheduler shares a scheduler instead of owning one
func WithScheduler(s *Scheduler) EngineOption {
	return func(e *RecoveryEngine) {
		e.scheduler = s
	}
}

// WithJitterSeed makes backoff jitter deterministic
func WithJitterSeed(seed int64) EngineOption {
	return func(e *RecoveryEngine) {
		e.jitterSeed = seed
	}
}

// RecoveryEngine executes named operations with breakers, retries, timeouts
// and cancellation, and keeps integrity-checked state snapshots.
type RecoveryEngine struct {
	cfg        config.ResilienceConfig
	strategies StrategyTable
	logger     *logging.Logger
	tracer     trace.Tracer
	observer   Observer
	clock      clock.Clock
	jitterSeed int64

	breakers  *BreakerRegistry
	backoff   *BackoffPolicy
	snapshots *SnapshotStore
	scheduler *Scheduler

	mu           sync.Mutex
	active       map[string]*activeOperation
	providers    map[string]StateProvider
	snapshotTask TaskID
	started      bool
	ownScheduler bool

	total     atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	retries   atomic.Uint64
	cancelled atomic.Uint64
	discarded atomic.Uint64
}

// NewRecoveryEngine creates an engine. Unset numeric options take defaults.
func NewRecoveryEngine(cfg config.ResilienceConfig, opts ...EngineOption) *RecoveryEngine {
	e := &RecoveryEngine{
		cfg:        cfg.Normalize(),
		strategies: DefaultStrategyTable(),
		logger:     logging.GetLogger(),
		tracer:     otel.Tracer("avatar-resilience/recovery"),
		observer:   nopObserver{},
		clock:      clock.New(),
		active:     make(map[string]*activeOperation),
		providers:  make(map[string]StateProvider),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.clock == nil {
		e.clock = clock.New()
	}
	if e.scheduler == nil {
		e.scheduler = NewScheduler(e.logger, e.clock)
		e.ownScheduler = true
	}

	e.breakers = NewBreakerRegistry(CircuitBreakerConfig{
		Threshold: e.cfg.CircuitBreakerThreshold,
		Cooldown:  e.cfg.CircuitBreakerTimeout,
		Clock:     e.clock,
		Logger:    e.logger,
		OnStateChange: func(name string, from, to CircuitState) {
			e.observer.ObserveBreakerState("operation", name, from, to)
		},
	})
	e.backoff = NewBackoffPolicy(e.cfg.BaseRetryDelay, e.cfg.MaxRetryDelay, e.jitterSeed)
	e.snapshots = NewSnapshotStore(e.clock.Now)
	return e
}

// Config returns the effective configuration
func (e *RecoveryEngine) Config() config.ResilienceConfig {
	return e.cfg
}

// Strategies returns the classification table
func (e *RecoveryEngine) Strategies() StrategyTable {
	return e.strategies
}

// Breaker returns the breaker for an operation name, creating it lazily
func (e *RecoveryEngine) Breaker(name string) *CircuitBreaker {
	return e.breakers.Get(name)
}

func newOperationID(name string, now time.Time) string {
	return fmt.Sprintf("%s-%d-%s", name, now.UnixMilli(), uuid.New().String()[:8])
}

// ExecuteWithRecovery runs op under the breaker for name, retrying
// classified failures with backoff. A call rejected by an OPEN breaker never
// invokes op.
func (e *RecoveryEngine) ExecuteWithRecovery(ctx context.Context, name string, op Operation, opts ...CallOption) (interface{}, error) {
	o := callOptions{timeout: e.cfg.OperationTimeout, maxRetries: -1}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 {
		o.timeout = e.cfg.OperationTimeout
	}

	e.total.Add(1)
	id := newOperationID(name, e.clock.Now())

	ctx, span := e.tracer.Start(ctx, "recovery."+name, trace.WithAttributes(
		attribute.String("operation.name", name),
		attribute.String("operation.id", id),
	))
	defer span.End()
	ctx = logging.WithOperationID(ctx, id)

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	state := &activeOperation{
		info: OperationContext{
			ID:        id,
			Name:      name,
			StartedAt: e.clock.Now(),
			Timeout:   o.timeout,
		},
		cancel: cancel,
	}
	e.register(state)
	defer e.unregister(state)

	breaker := e.breakers.Get(name)

	for {
		if state.cancelled() {
			return nil, e.cancelledResult(span, id)
		}

		if e.cfg.CircuitBreakerEnabled {
			if err := breaker.Allow(); err != nil {
				e.failed.Add(1)
				span.SetStatus(codes.Error, "circuit open")
				if !state.failedBefore() {
					return nil, err
				}
				return nil, e.exhausted(state, true)
			}
		}

		started := e.clock.Now()
		result, err := e.attempt(opCtx, name, op, o.timeout)
		elapsed := e.clock.Since(started)

		if state.cancelled() {
			if e.cfg.CircuitBreakerEnabled {
				breaker.ReleaseTrial()
			}
			e.discarded.Add(1)
			return nil, e.cancelledResult(span, id)
		}

		if err == nil {
			if e.cfg.CircuitBreakerEnabled {
				breaker.RecordSuccess()
			}
			e.succeeded.Add(1)
			e.observer.ObserveAttempt(name, "", true, elapsed)
			span.SetAttributes(attribute.Int("operation.retries", state.snapshot().RetryCount))
			span.SetStatus(codes.Ok, "")
			return result, nil
		}

		category := ClassifyError(err)
		strategy := e.strategies.Lookup(category)
		retryCount := e.recordFailure(state, err, category)
		e.observer.ObserveAttempt(name, category, false, elapsed)
		span.RecordError(err)

		e.logger.LogRecoveryEvent(ctx, "attempt_failed", name, retryCount+1, logrus.Fields{
			"category": string(category),
			"action":   string(strategy.Action),
			"error":    err.Error(),
		})

		if e.cfg.CircuitBreakerEnabled {
			if strategy.BreakerEligible {
				breaker.RecordFailure()
			} else {
				breaker.ReleaseTrial()
			}
		}

		if ctx.Err() != nil || !e.shouldRetry(strategy, retryCount, o) {
			e.failed.Add(1)
			span.SetStatus(codes.Error, err.Error())
			return nil, e.exhausted(state, false)
		}

		delay := e.backoff.Delay(strategy.BackoffMultiplier, retryCount)
		e.scheduleRetry(state, delay)
		e.retries.Add(1)
		e.observer.ObserveRetry(name, category, delay)

		if err := sleepContext(opCtx, e.clock, delay); err != nil {
			if state.cancelled() {
				return nil, e.cancelledResult(span, id)
			}
			e.failed.Add(1)
			span.SetStatus(codes.Error, err.Error())
			return nil, e.exhausted(state, false)
		}

		state.mu.Lock()
		state.info.RetryCount++
		state.mu.Unlock()
	}
}

// Execute is the typed form of ExecuteWithRecovery
func Execute[T any](ctx context.Context, e *RecoveryEngine, name string, op func(ctx context.Context) (T, error), opts ...CallOption) (T, error) {
	var zero T
	result, err := e.ExecuteWithRecovery(ctx, name, func(ctx context.Context) (interface{}, error) {
		return op(ctx)
	}, opts...)
	if err != nil {
		return zero, err
	}
	typed, ok := result.(T)
	if !ok {
		return zero, fmt.Errorf("operation %s returned %T", name, result)
	}
	return typed, nil
}

// attempt races op against the per-attempt timeout. The losing side is
// abandoned; op's goroutine finishes into a buffered channel nobody reads.
func (e *RecoveryEngine) attempt(ctx context.Context, name string, op Operation, timeout time.Duration) (interface{}, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: errors.NewInternalError(fmt.Sprintf("operation %s panicked: %v", name, r))}
			}
		}()
		v, err := op(attemptCtx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && ctx.Err() == nil && stderrors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, e.timeoutError(name, timeout)
		}
		return out.value, out.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, e.timeoutError(name, timeout)
	}
}

func (e *RecoveryEngine) timeoutError(name string, timeout time.Duration) error {
	return errors.NewTimeoutError(name).
		WithDetail("timeout", timeout.String()).
		WithCause(context.DeadlineExceeded)
}

func (e *RecoveryEngine) shouldRetry(strategy ErrorStrategy, retryCount int, o callOptions) bool {
	if !e.cfg.RetryEnabled || o.noRetry || !strategy.Retryable {
		return false
	}
	limit := strategy.MaxRetries
	if e.cfg.MaxRetries < limit {
		limit = e.cfg.MaxRetries
	}
	if o.maxRetries >= 0 && o.maxRetries < limit {
		limit = o.maxRetries
	}
	return retryCount < limit
}

func (e *RecoveryEngine) recordFailure(state *activeOperation, err error, category Category) int {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.lastErr = err
	state.attempts++
	state.info.LastError = err.Error()
	state.info.Category = category
	return state.info.RetryCount
}

func (e *RecoveryEngine) scheduleRetry(state *activeOperation, delay time.Duration) {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.info.NextRetryAt = e.clock.Now().Add(delay)
}

func (e *RecoveryEngine) exhausted(state *activeOperation, circuitOpen bool) error {
	state.mu.Lock()
	defer state.mu.Unlock()
	return &RecoveryError{
		OperationID: state.info.ID,
		Operation:   state.info.Name,
		Attempts:    state.attempts,
		Category:    state.info.Category,
		CircuitOpen: circuitOpen,
		Err:         state.lastErr,
	}
}

func (e *RecoveryEngine) cancelledResult(span trace.Span, id string) error {
	span.SetStatus(codes.Error, "cancelled")
	return errors.NewCancelledError(id)
}

func (e *RecoveryEngine) register(state *activeOperation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[state.info.ID] = state
}

// unregister removes state only if it is still the registered entry, so a
// cancelled operation is never re-added or removed twice.
func (e *RecoveryEngine) unregister(state *activeOperation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.active[state.info.ID]; ok && cur == state {
		delete(e.active, state.info.ID)
	}
}

// CancelOperation marks an in-flight call cancelled and drops it from the
// active set. Work already running is not interrupted beyond context
// cancellation.
func (e *RecoveryEngine) CancelOperation(id string) bool {
	e.mu.Lock()
	state, ok := e.active[id]
	if ok {
		delete(e.active, id)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}

	state.mu.Lock()
	state.info.Cancelled = true
	state.mu.Unlock()
	state.cancel()

	e.cancelled.Add(1)
	e.logger.Info("Operation cancelled", "operation_id", id)
	return true
}

// ActiveOperations lists in-flight calls ordered by start time
func (e *RecoveryEngine) ActiveOperations() []OperationContext {
	e.mu.Lock()
	out := make([]OperationContext, 0, len(e.active))
	for _, state := range e.active {
		out = append(out, state.snapshot())
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// CircuitBreakerStatus returns every operation breaker keyed by name
func (e *RecoveryEngine) CircuitBreakerStatus() map[string]BreakerStatus {
	return e.breakers.Statuses()
}

// Stats returns aggregate counters
func (e *RecoveryEngine) Stats() EngineStats {
	e.mu.Lock()
	active := len(e.active)
	e.mu.Unlock()

	return EngineStats{
		ActiveOperations:    active,
		BreakersOpen:        e.breakers.OpenCount(),
		Snapshots:           e.snapshots.Len(),
		TotalOperations:     e.total.Load(),
		Succeeded:           e.succeeded.Load(),
		Failed:              e.failed.Load(),
		Retries:             e.retries.Load(),
		Cancelled:           e.cancelled.Load(),
		DiscardedLateResult: e.discarded.Load(),
	}
}

// CreateStateSnapshot captures state under name, replacing any earlier snapshot
func (e *RecoveryEngine) CreateStateSnapshot(name string, state interface{}) error {
	snap, err := e.snapshots.Capture(name, state)
	if err != nil {
		e.logger.Error("Failed to create state snapshot", "name", name, "error", err)
		return err
	}
	e.logger.Debug("State snapshot created", "name", name, "size", len(snap.Data))
	return nil
}

// RestoreStateFromSnapshot decodes the latest snapshot of name into out. It
// returns false, and logs, when the snapshot is missing or corrupted.
func (e *RecoveryEngine) RestoreStateFromSnapshot(name string, out interface{}) bool {
	if err := e.snapshots.Restore(name, out); err != nil {
		e.logger.Warn("State restore failed", "name", name, "error", err)
		return false
	}
	return true
}

// Snapshots exposes the snapshot store
func (e *RecoveryEngine) Snapshots() *SnapshotStore {
	return e.snapshots
}

// RegisterStateProvider adds a component whose state is captured on every
// periodic snapshot
func (e *RecoveryEngine) RegisterStateProvider(name string, provider StateProvider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.providers[name] = provider
}

// SnapshotNow captures every registered provider and returns how many
// succeeded
func (e *RecoveryEngine) SnapshotNow() int {
	e.mu.Lock()
	providers := make(map[string]StateProvider, len(e.providers))
	for name, p := range e.providers {
		providers[name] = p
	}
	e.mu.Unlock()

	captured := 0
	for name, provider := range providers {
		state, err := provider()
		if err != nil {
			e.logger.Warn("State provider failed", "name", name, "error", err)
			continue
		}
		if e.CreateStateSnapshot(name, state) == nil {
			captured++
		}
	}
	return captured
}

// Start begins periodic snapshotting when state recovery is enabled
func (e *RecoveryEngine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return
	}
	e.started = true
	e.scheduler.Start()
	if e.cfg.StateRecoveryEnabled {
		e.snapshotTask = e.scheduler.Every(e.cfg.SnapshotInterval, "state-snapshot", func() {
			e.SnapshotNow()
		})
	}
}

// Stop halts periodic snapshotting and cancels in-flight calls
func (e *RecoveryEngine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	task := e.snapshotTask
	e.snapshotTask = 0
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	if task != 0 {
		e.scheduler.Cancel(task)
	}
	if e.ownScheduler {
		e.scheduler.Stop()
	}
	for _, id := range ids {
		e.CancelOperation(id)
	}
}

// Reset closes every breaker, cancels in-flight calls and drops snapshots.
// Calling it repeatedly has the same effect as calling it once.
func (e *RecoveryEngine) Reset() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.CancelOperation(id)
	}
	e.breakers.Clear()
	e.snapshots.Clear()
	e.logger.Info("Recovery engine reset")
}
