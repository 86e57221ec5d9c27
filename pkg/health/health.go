// Package health aggregates readiness checks for the control plane. Each
// component and external dependency contributes one check; the worst status
// wins.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NikhilSetiya/avatar-resilience/pkg/logging"
)

// Status represents the health status of a check
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// Check represents a health check result
type Check struct {
	Name      string            `json:"name"`
	Status    Status            `json:"status"`
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// HealthResponse represents the overall readiness response
type HealthResponse struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Duration  time.Duration     `json:"duration"`
	Checks    map[string]*Check `json:"checks"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Ready reports whether no check is unhealthy. Degraded still serves.
func (r *HealthResponse) Ready() bool {
	return r.Status != StatusUnhealthy
}

// Checker interface for health checks
type Checker interface {
	Check(ctx context.Context) *Check
}

// Config holds health check configuration
type Config struct {
	Timeout  time.Duration     `json:"timeout"`
	Metadata map[string]string `json:"metadata"`
}

// DefaultConfig returns default health check configuration
func DefaultConfig() *Config {
	return &Config{
		Timeout:  5 * time.Second,
		Metadata: make(map[string]string),
	}
}

// Service runs registered checkers concurrently
type Service struct {
	checkers map[string]Checker
	logger   *logging.Logger
	timeout  time.Duration
	metadata map[string]string
	mutex    sync.RWMutex
}

// NewService creates a new health check service
func NewService(logger *logging.Logger, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	return &Service{
		checkers: make(map[string]Checker),
		logger:   logging.OrGlobal(logger),
		timeout:  config.Timeout,
		metadata: config.Metadata,
	}
}

// RegisterChecker registers a health checker, replacing any with the same name
func (s *Service) RegisterChecker(name string, checker Checker) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.checkers[name] = checker
}

// UnregisterChecker unregisters a health checker
func (s *Service) UnregisterChecker(name string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.checkers, name)
}

// Names lists the registered checkers in sorted order
func (s *Service) Names() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	names := make([]string, 0, len(s.checkers))
	for name := range s.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckHealth performs all health checks. The worst individual status wins.
func (s *Service) CheckHealth(ctx context.Context) *HealthResponse {
	start := time.Now()

	s.mutex.RLock()
	checkers := make(map[string]Checker, len(s.checkers))
	for name, checker := range s.checkers {
		checkers[name] = checker
	}
	s.mutex.RUnlock()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	checks := make(map[string]*Check, len(checkers))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for name, checker := range checkers {
		name, checker := name, checker
		g.Go(func() error {
			check := checker.Check(gctx)
			if check.Name == "" {
				check.Name = name
			}
			mu.Lock()
			checks[name] = check
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	overall := StatusHealthy
	for name, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			overall = StatusUnhealthy
			s.logger.Warn("Health check failed", "check", name, "error", check.Error)
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}

	return &HealthResponse{
		Status:    overall,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
		Checks:    checks,
		Metadata:  s.metadata,
	}
}

// CheckFunc adapts a function to the Checker interface
type CheckFunc func(ctx context.Context) (Status, string, error)

// CustomChecker allows for custom health checks
type CustomChecker struct {
	name     string
	checkFn  CheckFunc
	metadata map[string]string
}

// NewCustomChecker creates a new custom health checker
func NewCustomChecker(name string, checkFn CheckFunc) *CustomChecker {
	return &CustomChecker{
		name:     name,
		checkFn:  checkFn,
		metadata: make(map[string]string),
	}
}

// WithMetadata adds metadata to the custom checker
func (cc *CustomChecker) WithMetadata(metadata map[string]string) *CustomChecker {
	cc.metadata = metadata
	return cc
}

// Check performs custom health check
func (cc *CustomChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      cc.name,
		Timestamp: start,
		Metadata:  cc.metadata,
	}

	status, message, err := cc.checkFn(ctx)
	check.Status = status
	check.Message = message
	check.Duration = time.Since(start)

	if err != nil {
		check.Error = err.Error()
		if check.Status == StatusHealthy {
			check.Status = StatusUnhealthy
		}
	}

	return check
}

// Pinger is anything with a connectivity check, such as a Redis client
type Pinger interface {
	Health(ctx context.Context) error
}

// PingChecker reports a dependency as degraded when its ping fails. The
// pipeline keeps serving on fallbacks, so an unreachable dependency does not
// make the process unready.
type PingChecker struct {
	name   string
	pinger Pinger
}

// NewPingChecker creates a checker around a connectivity check
func NewPingChecker(name string, pinger Pinger) *PingChecker {
	return &PingChecker{name: name, pinger: pinger}
}

// Check pings the dependency
func (pc *PingChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      pc.name,
		Status:    StatusHealthy,
		Timestamp: start,
	}

	if err := pc.pinger.Health(ctx); err != nil {
		check.Status = StatusDegraded
		check.Error = err.Error()
		check.Message = "dependency unreachable, serving from fallback"
	} else {
		check.Message = "reachable"
	}
	check.Duration = time.Since(start)

	return check
}
