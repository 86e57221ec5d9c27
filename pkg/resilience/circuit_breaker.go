package resilience

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/looplab/fsm"

	"github.com/NikhilSetiya/avatar-resilience/pkg/errors"
	"github.com/NikhilSetiya/avatar-resilience/pkg/logging"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit is half-open, a single trial call is allowed
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state by name in JSON output
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func parseState(s string) CircuitState {
	switch s {
	case "OPEN":
		return StateOpen
	case "HALF_OPEN":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

const (
	eventTrip  = "trip"
	eventHalfOpen = "half_open"
	eventClose = "close"
)

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name of the circuit breaker for logging/metrics
	Name string
	// Threshold is the failure count that opens the breaker
	Threshold int
	// Cooldown is the period of the open state, after which the state
	// becomes half-open
	Cooldown time.Duration
	// OnStateChange is called whenever the state of the circuit breaker changes
	OnStateChange func(name string, from CircuitState, to CircuitState)
	// Clock measures the cooldown; nil means the wall clock
	Clock  clock.Clock
	Logger *logging.Logger
}

// BreakerStatus is a point-in-time view of a breaker
type BreakerStatus struct {
	Name           string       `json:"name"`
	State          CircuitState `json:"state"`
	Failures       int          `json:"failures"`
	Threshold      int          `json:"threshold"`
	Cooldown       string       `json:"cooldown"`
	LastTransition time.Time    `json:"last_transition"`
}

// CircuitBreaker counts failures for one name and stops calls once the
// threshold is reached. The failure count resets only on a transition to
// CLOSED.
type CircuitBreaker struct {
	name          string
	threshold     int
	cooldown      time.Duration
	onStateChange func(name string, from CircuitState, to CircuitState)
	clock         clock.Clock

	mutex          sync.Mutex
	machine        *fsm.FSM
	failures       int
	lastTransition time.Time
	trialInFlight  bool

	logger *logging.Logger
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:          config.Name,
		threshold:     config.Threshold,
		cooldown:      config.Cooldown,
		onStateChange: config.OnStateChange,
		clock:         config.Clock,
		logger:        logging.OrGlobal(config.Logger),
	}
	if cb.threshold <= 0 {
		cb.threshold = 5
	}
	if cb.cooldown <= 0 {
		cb.cooldown = 60 * time.Second
	}
	if cb.clock == nil {
		cb.clock = clock.New()
	}
	cb.lastTransition = cb.clock.Now()

	cb.machine = fsm.NewFSM(
		StateClosed.String(),
		fsm.Events{
			{Name: eventTrip, Src: []string{StateClosed.String(), StateHalfOpen.String()}, Dst: StateOpen.String()},
			{Name: eventHalfOpen, Src: []string{StateOpen.String()}, Dst: StateHalfOpen.String()},
			{Name: eventClose, Src: []string{StateOpen.String(), StateHalfOpen.String()}, Dst: StateClosed.String()},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				cb.onEnter(parseState(e.Src), parseState(e.Dst))
			},
		},
	)
	return cb
}

// onEnter runs inside the fsm transition with cb.mutex held
func (cb *CircuitBreaker) onEnter(from, to CircuitState) {
	cb.lastTransition = cb.clock.Now()
	cb.trialInFlight = false
	if to == StateClosed {
		cb.failures = 0
	}

	cb.logger.Info("Circuit breaker state changed",
		"name", cb.name,
		"from", from.String(),
		"to", to.String(),
	)

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}

func (cb *CircuitBreaker) fire(event string) {
	// Invalid transitions are no-ops here; callers check the state first.
	_ = cb.machine.Event(context.Background(), event)
}

func (cb *CircuitBreaker) stateLocked() CircuitState {
	return parseState(cb.machine.Current())
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.stateLocked()
}

// Failures returns the current failure count
func (cb *CircuitBreaker) Failures() int {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.failures
}

// Allow reports whether a call may proceed. An OPEN breaker whose cooldown
// has elapsed moves to HALF_OPEN and admits exactly one trial call.
func (cb *CircuitBreaker) Allow() error {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.stateLocked() {
	case StateOpen:
		if cb.clock.Now().Sub(cb.lastTransition) < cb.cooldown {
			return errors.NewCircuitOpenError(cb.name)
		}
		cb.fire(eventHalfOpen)
		cb.trialInFlight = true
		return nil
	case StateHalfOpen:
		if cb.trialInFlight {
			return errors.NewCircuitOpenError(cb.name)
		}
		cb.trialInFlight = true
		return nil
	default:
		return nil
	}
}

// IsOpen reports whether the breaker currently rejects calls
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.State() == StateOpen
}

// RecordSuccess closes the breaker and clears the failure count
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.stateLocked() == StateClosed {
		cb.failures = 0
		return
	}
	cb.fire(eventClose)
}

// RecordFailure counts a failure and reports whether it opened the breaker
func (cb *CircuitBreaker) RecordFailure() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.stateLocked() {
	case StateOpen:
		return false
	case StateHalfOpen:
		cb.failures++
		cb.fire(eventTrip)
		return true
	default:
		cb.failures++
		if cb.failures >= cb.threshold {
			cb.fire(eventTrip)
			return true
		}
		return false
	}
}

// ReleaseTrial frees the HALF_OPEN trial slot after a call that neither
// succeeded nor counted as a breaker failure
func (cb *CircuitBreaker) ReleaseTrial() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.trialInFlight = false
}

// CheckCooldown moves an OPEN breaker to HALF_OPEN once its cooldown has
// elapsed. It reports whether a transition happened.
func (cb *CircuitBreaker) CheckCooldown() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.stateLocked() != StateOpen || cb.clock.Now().Sub(cb.lastTransition) < cb.cooldown {
		return false
	}
	cb.fire(eventHalfOpen)
	return true
}

// Reset forces the breaker to CLOSED with zero failures
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.stateLocked() != StateClosed {
		cb.fire(eventClose)
	}
	cb.failures = 0
	cb.trialInFlight = false
}

// Status returns a point-in-time view
func (cb *CircuitBreaker) Status() BreakerStatus {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return BreakerStatus{
		Name:           cb.name,
		State:          cb.stateLocked(),
		Failures:       cb.failures,
		Threshold:      cb.threshold,
		Cooldown:       cb.cooldown.String(),
		LastTransition: cb.lastTransition,
	}
}

// BreakerRegistry lazily creates one breaker per name
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	template CircuitBreakerConfig
}

// NewBreakerRegistry creates a registry whose breakers share template's
// threshold, cooldown, hook and clock.
func NewBreakerRegistry(template CircuitBreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		template: template,
	}
}

// Get returns the breaker for name, creating it on first reference
func (r *BreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[name]
	if !ok {
		cfg := r.template
		cfg.Name = name
		cb = NewCircuitBreaker(cfg)
		r.breakers[name] = cb
	}
	return cb
}

// Lookup returns the breaker for name without creating it
func (r *BreakerRegistry) Lookup(name string) (*CircuitBreaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[name]
	return cb, ok
}

// All returns breakers sorted by name
func (r *BreakerRegistry) All() []*CircuitBreaker {
	r.mu.Lock()
	out := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Statuses returns the status of every breaker keyed by name
func (r *BreakerRegistry) Statuses() map[string]BreakerStatus {
	out := make(map[string]BreakerStatus)
	for _, cb := range r.All() {
		out[cb.name] = cb.Status()
	}
	return out
}

// OpenCount returns the number of OPEN breakers
func (r *BreakerRegistry) OpenCount() int {
	n := 0
	for _, cb := range r.All() {
		if cb.State() == StateOpen {
			n++
		}
	}
	return n
}

// Reset closes every breaker
func (r *BreakerRegistry) Reset() {
	for _, cb := range r.All() {
		cb.Reset()
	}
}

// Clear drops every breaker
func (r *BreakerRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers = make(map[string]*CircuitBreaker)
}
