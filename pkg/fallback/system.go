// Package fallback keeps named components of the avatar pipeline available
// in a degraded mode after they fail, and walks them back to full function.
package fallback

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/NikhilSetiya/avatar-resilience/pkg/config"
	"github.com/NikhilSetiya/avatar-resilience/pkg/errors"
	"github.com/NikhilSetiya/avatar-resilience/pkg/logging"
	"github.com/NikhilSetiya/avatar-resilience/pkg/resilience"
)

// HealthStatus of a component
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "HEALTHY"
	StatusDegraded HealthStatus = "DEGRADED"
	StatusFailed   HealthStatus = "FAILED"
)

// DegradationLevel summarizes how much of the pipeline runs degraded
type DegradationLevel int

const (
	// LevelNormal - all components are at full function
	LevelNormal DegradationLevel = iota
	// LevelPartial - some components run on fallbacks
	LevelPartial
	// LevelSevere - at least half of the components are degraded or failed
	LevelSevere
	// LevelCritical - the pipeline is barely functional
	LevelCritical
)

func (l DegradationLevel) String() string {
	switch l {
	case LevelNormal:
		return "NORMAL"
	case LevelPartial:
		return "PARTIAL"
	case LevelSevere:
		return "SEVERE"
	case LevelCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the level by name in JSON output
func (l DegradationLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// ComponentHealth is the health record of one component
type ComponentHealth struct {
	Name          string       `json:"name"`
	Status        HealthStatus `json:"status"`
	LastFailure   time.Time    `json:"last_failure,omitempty"`
	LastRecovery  time.Time    `json:"last_recovery,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	FailureCount  int          `json:"failure_count"`
	RecoveryCount int          `json:"recovery_count"`
}

// Activation records a fallback in effect for one component
type Activation struct {
	Active           bool      `json:"active"`
	ActivatedAt      time.Time `json:"activated_at"`
	Strategy         string    `json:"strategy"`
	Impact           float64   `json:"impact"`
	BaselineFPS      float64   `json:"baseline_fps"`
	RecoveryAttempts int       `json:"recovery_attempts"`
	NextAttemptAt    time.Time `json:"next_attempt_at,omitempty"`
	Exhausted        bool      `json:"exhausted"`
}

// ImpactMeter reports the recent frame rate used to measure what a fallback
// costs
type ImpactMeter interface {
	AverageFPS(frames int) float64
}

// Observer receives fallback events, typically for metrics
type Observer interface {
	ObserveFallback(component, strategy string, activated bool)
	ObserveRecovery(component string, success bool)
	ObserveBreakerState(scope, name string, from, to resilience.CircuitState)
}

type nopObserver struct{}

func (nopObserver) ObserveFallback(string, string, bool) {}
func (nopObserver) ObserveRecovery(string, bool)         {}

func (nopObserver) ObserveBreakerState(string, string, resilience.CircuitState, resilience.CircuitState) {
}

// Status is the exported view of the fallback system
type Status struct {
	Components  map[string]ComponentHealth          `json:"components"`
	Activations map[string]Activation               `json:"activations"`
	Breakers    map[string]resilience.BreakerStatus `json:"breakers"`
	Score       float64                             `json:"degradation_score"`
	Level       DegradationLevel                    `json:"level"`
	Healthy     bool                                `json:"healthy"`
	Strategies  map[string]string                   `json:"strategies"`
}

// impactWindow is the number of frames averaged for impact measurement
const impactWindow = 60

// Option configures a System
type Option func(*System)

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(s *System) {
		s.logger = logging.OrGlobal(logger)
	}
}

// WithClock sets the clock behind health timestamps, breaker cooldowns and
// the recovery schedule of an owned scheduler
func WithClock(clk clock.Clock) Option {
	return func(s *System) {
		s.clock = clk
	}
}

// WithScheduler shares a scheduler instead of owning one
func WithScheduler(sched *resilience.Scheduler) Option {
	return func(s *System) {
		s.scheduler = sched
	}
}

// WithImpactMeter sets the frame-rate source for impact measurement
func WithImpactMeter(m ImpactMeter) Option {
	return func(s *System) {
		s.meter = m
	}
}

// WithObserver sets the metrics observer
func WithObserver(o Observer) Option {
	return func(s *System) {
		s.observer = o
	}
}

type activation struct {
	Activation
	backoff *backoff.ExponentialBackOff
	task    resilience.TaskID
}

type component struct {
	strategy Strategy
	instance interface{}
	health   ComponentHealth
	active   *activation
}

// System owns the health records, activation records and breakers of every
// registered component. Only the System mutates them.
type System struct {
	cfg       config.ResilienceConfig
	logger    *logging.Logger
	clock     clock.Clock
	meter     ImpactMeter
	observer  Observer
	scheduler *resilience.Scheduler
	breakers  *resilience.BreakerRegistry

	mu           sync.Mutex
	components   map[string]*component
	started      bool
	ownScheduler bool
	healthTask   resilience.TaskID
	ctx          context.Context
}

// NewSystem creates a fallback system. Strategies are registered before Start.
func NewSystem(cfg config.ResilienceConfig, opts ...Option) *System {
	s := &System{
		cfg:        cfg.Normalize(),
		logger:     logging.GetLogger(),
		clock:      clock.New(),
		observer:   nopObserver{},
		components: make(map[string]*component),
		ctx:        context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.scheduler == nil {
		s.scheduler = resilience.NewScheduler(s.logger, s.clock)
		s.ownScheduler = true
	}

	s.breakers = resilience.NewBreakerRegistry(resilience.CircuitBreakerConfig{
		Threshold: s.cfg.CircuitBreakerThreshold,
		Cooldown:  s.cfg.CircuitBreakerTimeout,
		Clock:     s.clock,
		Logger:    s.logger,
		OnStateChange: func(name string, from, to resilience.CircuitState) {
			s.observer.ObserveBreakerState("component", name, from, to)
		},
	})
	return s
}

// Register binds a strategy to a component name. Registration is closed once
// the system starts.
func (s *System) Register(name string, strategy Strategy) error {
	if name == "" || strategy == nil {
		return errors.NewValidationError("component name and strategy are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.NewConfigurationError(fmt.Sprintf("cannot register %s after start", name))
	}
	if _, exists := s.components[name]; exists {
		return errors.NewConfigurationError(fmt.Sprintf("strategy already registered for %s", name))
	}
	s.components[name] = &component{
		strategy: strategy,
		health:   ComponentHealth{Name: name, Status: StatusHealthy},
	}
	s.breakers.Get(name)
	return nil
}

// Components returns registered component names ordered by strategy priority
func (s *System) Components() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orderedLocked()
}

func (s *System) orderedLocked() []string {
	names := make([]string, 0, len(s.components))
	for name := range s.components {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		pi := s.components[names[i]].strategy.Priority()
		pj := s.components[names[j]].strategy.Priority()
		if pi != pj {
			return pi < pj
		}
		return names[i] < names[j]
	})
	return names
}

// HandleComponentFailure records the failure and engages the component's
// fallback. It reports whether a fallback is now active; failures never
// propagate past this call.
func (s *System) HandleComponentFailure(ctx context.Context, name string, instance interface{}, cause error) bool {
	log := s.logger.WithComponent(name)

	if !s.cfg.FallbackEnabled {
		log.Warn("Component failed, fallback disabled", "error", cause)
		return false
	}

	s.mu.Lock()
	c, ok := s.components[name]
	if !ok {
		s.mu.Unlock()
		err := errors.NewConfigurationError(fmt.Sprintf("no fallback strategy registered for %s", name))
		log.LogError(ctx, err, "Component failed without a strategy", logrus.Fields{"cause": errString(cause)})
		return false
	}
	c.instance = instance
	c.health.Status = StatusFailed
	c.health.FailureCount++
	c.health.LastFailure = s.clock.Now()
	c.health.LastError = errString(cause)
	s.mu.Unlock()

	breaker := s.breakers.Get(name)
	if breaker.IsOpen() {
		log.Debug("Breaker open, fallback suppressed")
		return false
	}
	if breaker.RecordFailure() {
		log.Warn("Component breaker opened", "failures", breaker.Failures())
	}

	baseline := s.currentFPS()
	activated, err := runFallback(ctx, c.strategy, instance, cause)
	if err != nil {
		log.Error("Fallback panicked", "error", err)
	}
	s.observer.ObserveFallback(name, c.strategy.Name(), activated)

	if !activated {
		log.LogComponentEvent(ctx, "fallback", name, false, logrus.Fields{
			"strategy": c.strategy.Name(),
			"cause":    errString(cause),
		})
		return false
	}

	s.mu.Lock()
	if c.active != nil && c.active.task != 0 {
		s.scheduler.Cancel(c.active.task)
	}
	c.active = &activation{
		Activation: Activation{
			Active:      true,
			ActivatedAt: s.clock.Now(),
			Strategy:    c.strategy.Name(),
			Impact:      1.0,
			BaselineFPS: baseline,
		},
		backoff: s.newRecoveryBackoff(),
	}
	c.health.Status = StatusDegraded
	if s.cfg.RecoveryEnabled {
		s.scheduleLocked(name, c.active, c.active.backoff.NextBackOff())
	}
	s.mu.Unlock()

	log.LogComponentEvent(ctx, "fallback", name, true, logrus.Fields{
		"strategy": c.strategy.Name(),
		"cause":    errString(cause),
	})
	return true
}

// newRecoveryBackoff yields InitialRecoveryDelay, then doubles up to
// RecoveryTimeout, without jitter and without an elapsed-time limit
func (s *System) newRecoveryBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialRecoveryDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = s.cfg.RecoveryTimeout
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (s *System) scheduleLocked(name string, a *activation, delay time.Duration) {
	a.NextAttemptAt = s.clock.Now().Add(delay)
	a.task = s.scheduler.Schedule(delay, "recover-"+name, func() {
		s.AttemptRecovery(s.baseContext(), name)
	})
}

func (s *System) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// AttemptRecovery runs the component's recovery procedure once. On failure
// the next attempt is scheduled with backoff until MaxRecoveryAttempts is
// reached.
func (s *System) AttemptRecovery(ctx context.Context, name string) bool {
	return s.recover(ctx, name, false)
}

// ForceRecovery resets the attempt counter and runs recovery once, ignoring
// the attempt cap
func (s *System) ForceRecovery(ctx context.Context, name string) bool {
	s.mu.Lock()
	c, ok := s.components[name]
	if ok && c.active != nil {
		if c.active.task != 0 {
			s.scheduler.Cancel(c.active.task)
			c.active.task = 0
		}
		c.active.RecoveryAttempts = 0
		c.active.Exhausted = false
		c.active.backoff.Reset()
		// the first interval was spent on the initial schedule
		c.active.backoff.NextBackOff()
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Warn("Forced recovery of unknown component", "component", name)
		return false
	}
	return s.recover(ctx, name, true)
}

func (s *System) recover(ctx context.Context, name string, forced bool) bool {
	log := s.logger.WithComponent(name)

	s.mu.Lock()
	c, ok := s.components[name]
	if !ok {
		s.mu.Unlock()
		return false
	}
	a := c.active
	if a != nil {
		if a.Exhausted && !forced {
			s.mu.Unlock()
			return false
		}
		a.task = 0
		a.NextAttemptAt = time.Time{}
		a.RecoveryAttempts++
	}
	strategy, instance := c.strategy, c.instance
	attempt := 0
	if a != nil {
		attempt = a.RecoveryAttempts
	}
	s.mu.Unlock()

	recovered, err := runRecover(ctx, strategy, instance)
	if err != nil {
		log.Error("Recovery panicked", "error", err)
	}
	s.observer.ObserveRecovery(name, recovered)

	if recovered {
		s.mu.Lock()
		c.health.Status = StatusHealthy
		c.health.RecoveryCount++
		c.health.LastRecovery = s.clock.Now()
		if c.active == a {
			c.active = nil
		}
		s.mu.Unlock()

		s.breakers.Get(name).Reset()
		log.LogComponentEvent(ctx, "recovery", name, true, logrus.Fields{"attempt": attempt})
		return true
	}

	log.LogComponentEvent(ctx, "recovery", name, false, logrus.Fields{"attempt": attempt})

	s.mu.Lock()
	defer s.mu.Unlock()
	// a newer activation or a successful recovery replaced this one meanwhile
	if a == nil || c.active != a || !s.cfg.RecoveryEnabled {
		return false
	}
	if a.RecoveryAttempts >= s.cfg.MaxRecoveryAttempts {
		a.Exhausted = true
		log.Warn("Recovery attempts exhausted, component stays degraded", "attempts", a.RecoveryAttempts)
		return false
	}
	s.scheduleLocked(name, a, a.backoff.NextBackOff())
	return false
}

// CheckHealth moves breakers past their cooldown to HALF_OPEN, refreshes
// impact measurements and kicks recovery for components degraded longer than
// RecoveryTimeout with nothing scheduled. It runs on HealthCheckInterval once
// started.
func (s *System) CheckHealth() {
	for _, cb := range s.breakers.All() {
		cb.CheckCooldown()
	}

	fps := s.currentFPS()
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range s.orderedLocked() {
		a := s.components[name].active
		if a == nil {
			continue
		}
		if a.BaselineFPS > 0 && fps > 0 {
			a.Impact = fps / a.BaselineFPS
		}
		if !s.cfg.RecoveryEnabled || a.Exhausted || a.task != 0 {
			continue
		}
		if now.Sub(a.ActivatedAt) >= s.cfg.RecoveryTimeout {
			s.scheduleLocked(name, a, 0)
		}
	}
}

func (s *System) currentFPS() float64 {
	if s.meter == nil {
		return 0
	}
	return s.meter.AverageFPS(impactWindow)
}

// DegradationScore is 1 - (degraded + 2*openBreakers) / (2*components),
// clamped to [0,1]. 1.0 means fully healthy.
func (s *System) DegradationScore() float64 {
	s.mu.Lock()
	total := len(s.components)
	degraded := 0
	for _, c := range s.components {
		if c.active != nil && c.active.Active {
			degraded++
		}
	}
	s.mu.Unlock()

	return degradationScore(degraded, s.breakers.OpenCount(), total)
}

func degradationScore(degraded, open, total int) float64 {
	if total == 0 {
		return 1.0
	}
	score := 1 - float64(degraded+2*open)/float64(2*total)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// IsHealthy reports whether at most half of the component breakers are open
func (s *System) IsHealthy() bool {
	s.mu.Lock()
	total := len(s.components)
	s.mu.Unlock()
	if total == 0 {
		return true
	}
	return float64(s.breakers.OpenCount())/float64(total) <= 0.5
}

// Level classifies the share of components that are not healthy
func (s *System) Level() DegradationLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.levelLocked()
}

func (s *System) levelLocked() DegradationLevel {
	total := len(s.components)
	if total == 0 {
		return LevelNormal
	}
	unhealthy := 0
	for _, c := range s.components {
		if c.health.Status != StatusHealthy {
			unhealthy++
		}
	}

	share := float64(unhealthy) / float64(total)
	switch {
	case share >= 0.75:
		return LevelCritical
	case share >= 0.5:
		return LevelSevere
	case unhealthy > 0:
		return LevelPartial
	default:
		return LevelNormal
	}
}

// Health returns a copy of one component's health record
func (s *System) Health(name string) (ComponentHealth, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.components[name]
	if !ok {
		return ComponentHealth{}, false
	}
	return c.health, true
}

// ActiveFallback returns a copy of the component's activation record
func (s *System) ActiveFallback(name string) (Activation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.components[name]
	if !ok || c.active == nil {
		return Activation{}, false
	}
	return c.active.Activation, true
}

// Breaker returns the component's breaker
func (s *System) Breaker(name string) *resilience.CircuitBreaker {
	return s.breakers.Get(name)
}

// Status returns copies of every record
func (s *System) Status() Status {
	st := Status{
		Components:  make(map[string]ComponentHealth),
		Activations: make(map[string]Activation),
		Strategies:  make(map[string]string),
		Breakers:    s.breakers.Statuses(),
		Score:       s.DegradationScore(),
		Healthy:     s.IsHealthy(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, c := range s.components {
		st.Components[name] = c.health
		st.Strategies[name] = c.strategy.Name()
		if c.active != nil {
			st.Activations[name] = c.active.Activation
		}
	}
	st.Level = s.levelLocked()
	return st
}

// Start begins the health monitoring loop
func (s *System) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true
	s.ctx = ctx
	s.scheduler.Start()
	s.healthTask = s.scheduler.Every(s.cfg.HealthCheckInterval, "fallback-health", s.CheckHealth)
	s.logger.Info("Fallback system started", "components", len(s.components))
}

// Stop halts health monitoring and pending recovery attempts
func (s *System) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	tasks := []resilience.TaskID{s.healthTask}
	s.healthTask = 0
	for _, c := range s.components {
		if c.active != nil && c.active.task != 0 {
			tasks = append(tasks, c.active.task)
			c.active.task = 0
		}
	}
	s.mu.Unlock()

	for _, id := range tasks {
		s.scheduler.Cancel(id)
	}
	if s.ownScheduler {
		s.scheduler.Stop()
	}
}

// Reset forces recovery of every component on a fallback, then closes every
// breaker. Components without an activation return to HEALTHY. A component
// whose recovery fails keeps its activation and recovery schedule.
// Cumulative counters are kept.
func (s *System) Reset() {
	s.mu.Lock()
	ctx := s.ctx
	var degraded []string
	for _, name := range s.orderedLocked() {
		if s.components[name].active != nil {
			degraded = append(degraded, name)
		}
	}
	s.mu.Unlock()

	for _, name := range degraded {
		if !s.ForceRecovery(ctx, name) {
			s.logger.Warn("Component still degraded after reset", "component", name)
		}
	}

	s.mu.Lock()
	for _, c := range s.components {
		if c.active == nil {
			c.health.Status = StatusHealthy
		}
	}
	s.mu.Unlock()

	s.breakers.Reset()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
