// Package telemetry records per-frame performance samples, cache efficiency
// and operation bottlenecks, and raises threshold alerts.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/NikhilSetiya/avatar-resilience/pkg/config"
	"github.com/NikhilSetiya/avatar-resilience/pkg/logging"
)

const (
	leakWindow      = 10
	minCacheSamples = 10
	recentAlerts    = 20
)

// Sample is one frame's measurements
type Sample struct {
	Frame           uint64    `json:"frame"`
	Timestamp       time.Time `json:"timestamp"`
	FPS             float64   `json:"fps"`
	MemoryMB        float64   `json:"memory_mb"`
	CacheHitRate    float64   `json:"cache_hit_rate"`
	CacheResponseMs float64   `json:"cache_response_ms"`
}

// BottleneckEvent records an operation that ran past its threshold
type BottleneckEvent struct {
	Operation   string    `json:"operation"`
	DurationMs  float64   `json:"duration_ms"`
	ThresholdMs float64   `json:"threshold_ms"`
	Timestamp   time.Time `json:"timestamp"`
	Frame       uint64    `json:"frame"`
}

// FrameObserver is notified after every recorded frame
type FrameObserver interface {
	ObserveFrame(sample Sample)
}

type cacheAccess struct {
	hit        bool
	responseMs float64
}

type cacheStats struct {
	window *Ring[cacheAccess]
	hits   uint64
	total  uint64
}

func (c *cacheStats) rolling() (hitRate, avgMs float64, n int) {
	accesses := c.window.Items()
	if len(accesses) == 0 {
		return 0, 0, 0
	}
	var hits int
	var sum float64
	for _, a := range accesses {
		if a.hit {
			hits++
		}
		sum += a.responseMs
	}
	return float64(hits) / float64(len(accesses)), sum / float64(len(accesses)), len(accesses)
}

// Option configures a Monitor
type Option func(*Monitor)

// WithClock sets the clock that stamps samples, alerts and measurements
func WithClock(clk clock.Clock) Option {
	return func(m *Monitor) {
		m.clock = clk
	}
}

// WithMemorySampler replaces the process memory sampler
func WithMemorySampler(s MemorySampler) Option {
	return func(m *Monitor) {
		m.sampler = s
	}
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(m *Monitor) {
		m.logger = logging.OrGlobal(logger)
	}
}

// Monitor is the frame telemetry recorder
type Monitor struct {
	cfg     config.TelemetryConfig
	logger  *logging.Logger
	sampler MemorySampler
	clock   clock.Clock

	mu                sync.Mutex
	frame             uint64
	samples           *Ring[Sample]
	alerts            *Ring[Alert]
	caches            map[string]*cacheStats
	bottlenecks       map[string]*Ring[BottleneckEvent]
	highLoad          bool
	consecutiveLowFPS int
	lastMemoryMB      float64
	observers         []FrameObserver

	experiments *experiments
	dispatcher  *dispatcher
}

// NewMonitor creates a monitor. Unset thresholds take their defaults.
func NewMonitor(cfg config.TelemetryConfig, opts ...Option) *Monitor {
	cfg = cfg.Normalize()
	m := &Monitor{
		cfg:         cfg,
		logger:      logging.GetLogger(),
		clock:       clock.New(),
		samples:     NewRing[Sample](cfg.SampleCapacity),
		alerts:      NewRing[Alert](cfg.AlertCapacity),
		caches:      make(map[string]*cacheStats),
		bottlenecks: make(map[string]*Ring[BottleneckEvent]),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	if m.sampler == nil {
		m.sampler = NewProcessMemorySampler()
	}
	m.experiments = newExperiments(m.clock.Now)
	m.dispatcher = newDispatcher(cfg.AlertsPerSecond, m.logger)
	return m
}

// AddAlertHandler registers a handler for raised alerts
func (m *Monitor) AddAlertHandler(h AlertHandler) {
	m.dispatcher.add(h)
}

// AddFrameObserver registers an observer for recorded frames
func (m *Monitor) AddFrameObserver(o FrameObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// SetHighLoad toggles the high-load feature flag, which lowers the FPS floor
func (m *Monitor) SetHighLoad(active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.highLoad = active
}

// RecordFrame records one rendered frame and runs the threshold checks
func (m *Monitor) RecordFrame(delta time.Duration) Sample {
	m.mu.Lock()

	m.frame++
	sample := Sample{
		Frame:     m.frame,
		Timestamp: m.clock.Now(),
	}
	if delta > 0 {
		sample.FPS = float64(time.Second) / float64(delta)
	}

	if mb, err := m.sampler.MemoryMB(); err == nil {
		m.lastMemoryMB = mb
	} else {
		m.logger.Debug("Memory sample failed", "error", err)
	}
	sample.MemoryMB = m.lastMemoryMB

	hitRate, avgMs, accesses := m.aggregateCachesLocked()
	sample.CacheHitRate = hitRate
	sample.CacheResponseMs = avgMs

	m.samples.Push(sample)

	raised := m.checkThresholdsLocked(sample, delta > 0, accesses)
	for _, a := range raised {
		m.alerts.Push(a)
	}
	observers := append([]FrameObserver(nil), m.observers...)
	m.mu.Unlock()

	for _, o := range observers {
		o.ObserveFrame(sample)
	}
	for _, a := range raised {
		m.dispatcher.dispatch(context.Background(), a)
	}
	return sample
}

func (m *Monitor) checkThresholdsLocked(s Sample, validDelta bool, cacheAccesses int) []Alert {
	var raised []Alert

	floor := m.cfg.MinFPS
	if m.highLoad {
		floor = m.cfg.HighLoadMinFPS
	}
	if validDelta && s.FPS < floor {
		m.consecutiveLowFPS++
		raised = append(raised, m.newAlertLocked(AlertLowFPS,
			fmt.Sprintf("frame rate %.1f below floor %.1f", s.FPS, floor),
			map[string]interface{}{
				"fps":         s.FPS,
				"floor":       floor,
				"consecutive": m.consecutiveLowFPS,
				"high_load":   m.highLoad,
			}))
	} else if validDelta {
		m.consecutiveLowFPS = 0
	}

	if s.MemoryMB > m.cfg.MemoryWarningMB {
		raised = append(raised, m.newAlertLocked(AlertHighMemory,
			fmt.Sprintf("memory %.1fMB above %.1fMB", s.MemoryMB, m.cfg.MemoryWarningMB),
			map[string]interface{}{
				"memory_mb": s.MemoryMB,
				"limit_mb":  m.cfg.MemoryWarningMB,
			}))
	}

	// Leak detection runs once per check cycle so a sustained leak yields one
	// alert per cycle rather than one per frame.
	if s.Frame%uint64(m.cfg.LeakCheckEvery) == 0 {
		if growth := m.memoryGrowthRateLocked(); growth > m.cfg.MemoryLeakRateMBPerMin {
			raised = append(raised, m.newAlertLocked(AlertMemoryLeak,
				fmt.Sprintf("memory growing at %.2fMB/min", growth),
				map[string]interface{}{
					"growth_mb_per_min": growth,
					"limit_mb_per_min":  m.cfg.MemoryLeakRateMBPerMin,
					"window":            leakWindow,
				}))
		}
	}

	if cacheAccesses >= minCacheSamples {
		if s.CacheHitRate < m.cfg.CacheHitRateFloor {
			raised = append(raised, m.newAlertLocked(AlertLowCacheHitRate,
				fmt.Sprintf("cache hit rate %.2f below %.2f", s.CacheHitRate, m.cfg.CacheHitRateFloor),
				map[string]interface{}{
					"hit_rate": s.CacheHitRate,
					"floor":    m.cfg.CacheHitRateFloor,
				}))
		}
		if s.CacheResponseMs > m.cfg.MaxCacheResponseMs {
			raised = append(raised, m.newAlertLocked(AlertSlowCacheResponse,
				fmt.Sprintf("cache response %.1fms above %.1fms", s.CacheResponseMs, m.cfg.MaxCacheResponseMs),
				map[string]interface{}{
					"response_ms": s.CacheResponseMs,
					"limit_ms":    m.cfg.MaxCacheResponseMs,
				}))
		}
	}

	return raised
}

func (m *Monitor) newAlertLocked(t AlertType, message string, payload map[string]interface{}) Alert {
	return Alert{
		ID:        uuid.New().String(),
		Type:      t,
		Severity:  severityFor(t),
		Message:   message,
		Payload:   payload,
		Timestamp: m.clock.Now(),
		Frame:     m.frame,
	}
}

// memoryGrowthRateLocked returns MB/minute across the last leakWindow samples
func (m *Monitor) memoryGrowthRateLocked() float64 {
	window := m.samples.LastN(leakWindow)
	if len(window) < 2 {
		return 0
	}
	first, last := window[0], window[len(window)-1]
	minutes := last.Timestamp.Sub(first.Timestamp).Minutes()
	if minutes <= 0 {
		return 0
	}
	return (last.MemoryMB - first.MemoryMB) / minutes
}

func (m *Monitor) aggregateCachesLocked() (hitRate, avgMs float64, accesses int) {
	var weightedHits, weightedMs float64
	for _, c := range m.caches {
		rate, ms, n := c.rolling()
		weightedHits += rate * float64(n)
		weightedMs += ms * float64(n)
		accesses += n
	}
	if accesses == 0 {
		return 0, 0, 0
	}
	return weightedHits / float64(accesses), weightedMs / float64(accesses), accesses
}

// RecordCacheAccess folds one cache lookup into the rolling statistics
func (m *Monitor) RecordCacheAccess(cacheName string, hit bool, responseMs float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats, ok := m.caches[cacheName]
	if !ok {
		stats = &cacheStats{window: NewRing[cacheAccess](m.cfg.CacheWindow)}
		m.caches[cacheName] = stats
	}
	stats.window.Push(cacheAccess{hit: hit, responseMs: responseMs})
	stats.total++
	if hit {
		stats.hits++
	}
}

// RecordBottleneck records an operation that exceeded thresholdMs. A zero
// threshold uses the configured performance threshold. It reports whether an
// event was recorded.
func (m *Monitor) RecordBottleneck(operation string, durationMs, thresholdMs float64) bool {
	if thresholdMs <= 0 {
		thresholdMs = float64(m.cfg.PerformanceThreshold) / float64(time.Millisecond)
	}
	if durationMs <= thresholdMs {
		return false
	}

	m.mu.Lock()
	ring, ok := m.bottlenecks[operation]
	if !ok {
		ring = NewRing[BottleneckEvent](m.cfg.BottleneckCapacity)
		m.bottlenecks[operation] = ring
	}
	ring.Push(BottleneckEvent{
		Operation:   operation,
		DurationMs:  durationMs,
		ThresholdMs: thresholdMs,
		Timestamp:   m.clock.Now(),
		Frame:       m.frame,
	})

	var raised *Alert
	if durationMs > 2*thresholdMs {
		a := m.newAlertLocked(AlertCriticalBottleneck,
			fmt.Sprintf("%s took %.1fms, threshold %.1fms", operation, durationMs, thresholdMs),
			map[string]interface{}{
				"operation":    operation,
				"duration_ms":  durationMs,
				"threshold_ms": thresholdMs,
			})
		m.alerts.Push(a)
		raised = &a
	}
	m.mu.Unlock()

	if raised != nil {
		m.dispatcher.dispatch(context.Background(), *raised)
	}
	return true
}

// AverageFPS returns the mean FPS over the newest n frames, or 0 without data
func (m *Monitor) AverageFPS(n int) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sum float64
	var count int
	for _, s := range m.samples.LastN(n) {
		if s.FPS > 0 {
			sum += s.FPS
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// FrameCount returns the number of frames recorded
func (m *Monitor) FrameCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frame
}

// Samples returns buffered samples in frame order
func (m *Monitor) Samples() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.samples.Items()
}

// Alerts returns buffered alerts, oldest first
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alerts.Items()
}

// AlertsOfType returns buffered alerts with the given type
func (m *Monitor) AlertsOfType(t AlertType) []Alert {
	var out []Alert
	for _, a := range m.Alerts() {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

// RegisterExperiment declares an experiment and its variants
func (m *Monitor) RegisterExperiment(name string, variants ...string) {
	m.experiments.register(name, variants...)
}

// RecordMeasurement appends a timestamped value for an experiment variant
func (m *Monitor) RecordMeasurement(experiment, variant, metric string, value float64) {
	m.experiments.record(experiment, variant, metric, value)
}

// GetResults returns per-variant aggregates for an experiment
func (m *Monitor) GetResults(experiment string) (ExperimentResults, bool) {
	return m.experiments.results(experiment)
}

// Reset drops all recorded data but keeps handlers and observers
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.frame = 0
	m.samples.Clear()
	m.alerts.Clear()
	m.caches = make(map[string]*cacheStats)
	m.bottlenecks = make(map[string]*Ring[BottleneckEvent])
	m.consecutiveLowFPS = 0
	m.lastMemoryMB = 0
	m.experiments.clear()
}
