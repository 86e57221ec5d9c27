package metrics

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/NikhilSetiya/avatar-resilience/pkg/fallback"
	"github.com/NikhilSetiya/avatar-resilience/pkg/resilience"
	"github.com/NikhilSetiya/avatar-resilience/pkg/telemetry"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Recovery engine metrics
	OperationAttempts        *prometheus.CounterVec
	OperationAttemptDuration *prometheus.HistogramVec
	OperationRetries         *prometheus.CounterVec
	RetryDelay               *prometheus.HistogramVec
	CircuitBreakerState      *prometheus.GaugeVec
	CircuitBreakerChanges    *prometheus.CounterVec

	// Fallback metrics
	FallbackActivations *prometheus.CounterVec
	RecoveryAttempts    *prometheus.CounterVec
	ActiveFallbacks     prometheus.Gauge
	DegradationScore    prometheus.Gauge
	DegradationLevel    prometheus.Gauge

	// Frame metrics
	FrameFPS      prometheus.Gauge
	FrameDuration prometheus.Histogram
	CacheHitRatio prometheus.Gauge
	AlertsTotal   *prometheus.CounterVec

	// Resource metrics
	CPUUsage    *prometheus.GaugeVec
	MemoryUsage *prometheus.GaugeVec
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "avatar",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates all metrics on a private registry. A disabled config
// yields a Metrics whose recorders are no-ops.
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	ns, sub := config.Namespace, config.Subsystem
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
			[]string{"method", "path"},
		),

		OperationAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "operation_attempts_total",
				Help:      "Attempts made by the recovery engine",
			},
			[]string{"operation", "category", "result"},
		),
		OperationAttemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "operation_attempt_duration_seconds",
				Help:      "Duration of a single operation attempt",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5, 30},
			},
			[]string{"operation", "result"},
		),
		OperationRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "operation_retries_total",
				Help:      "Retries scheduled by the recovery engine",
			},
			[]string{"operation", "category"},
		),
		RetryDelay: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "retry_delay_seconds",
				Help:      "Backoff delay before a retry",
				Buckets:   []float64{.1, .5, 1, 2, 4, 8, 16, 30},
			},
			[]string{"category"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
			[]string{"scope", "name"},
		),
		CircuitBreakerChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "circuit_breaker_transitions_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"scope", "name", "to"},
		),

		FallbackActivations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "fallback_activations_total",
				Help:      "Fallback strategy invocations",
			},
			[]string{"component", "strategy", "result"},
		),
		RecoveryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "component_recovery_attempts_total",
				Help:      "Component recovery attempts",
			},
			[]string{"component", "result"},
		),
		ActiveFallbacks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "active_fallbacks",
			Help:      "Components currently running on a fallback",
		}),
		DegradationScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "degradation_score",
			Help:      "System health score between 0 and 1",
		}),
		DegradationLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "degradation_level",
			Help:      "Degradation level (0 normal to 3 critical)",
		}),

		FrameFPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "frame_fps",
			Help:      "Frames per second of the last recorded frame",
		}),
		FrameDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "frame_duration_seconds",
			Help:      "Frame time",
			Buckets:   []float64{1.0 / 120, 1.0 / 60, 1.0 / 45, 1.0 / 30, 1.0 / 15, .25},
		}),
		CacheHitRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "cache_hit_ratio",
			Help:      "Rolling cache hit rate",
		}),
		AlertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "alerts_total",
				Help:      "Performance alerts raised",
			},
			[]string{"type", "severity"},
		),

		CPUUsage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "cpu_usage_percent",
				Help:      "CPU usage percentage",
			},
			[]string{"component"},
		),
		MemoryUsage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "memory_usage_bytes",
				Help:      "Memory usage in bytes",
			},
			[]string{"component", "type"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.OperationAttempts,
		m.OperationAttemptDuration,
		m.OperationRetries,
		m.RetryDelay,
		m.CircuitBreakerState,
		m.CircuitBreakerChanges,
		m.FallbackActivations,
		m.RecoveryAttempts,
		m.ActiveFallbacks,
		m.DegradationScore,
		m.DegradationLevel,
		m.FrameFPS,
		m.FrameDuration,
		m.CacheHitRatio,
		m.AlertsTotal,
		m.CPUUsage,
		m.MemoryUsage,
	)

	return m
}

// Registry returns the registry the metrics are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// ObserveAttempt records one recovery engine attempt
func (m *Metrics) ObserveAttempt(operation string, category resilience.Category, success bool, duration time.Duration) {
	if m.OperationAttempts == nil {
		return
	}

	m.OperationAttempts.WithLabelValues(operation, string(category), result(success)).Inc()
	m.OperationAttemptDuration.WithLabelValues(operation, result(success)).Observe(duration.Seconds())
}

// ObserveRetry records a scheduled retry
func (m *Metrics) ObserveRetry(operation string, category resilience.Category, delay time.Duration) {
	if m.OperationRetries == nil {
		return
	}

	m.OperationRetries.WithLabelValues(operation, string(category)).Inc()
	m.RetryDelay.WithLabelValues(string(category)).Observe(delay.Seconds())
}

// ObserveBreakerState records a circuit breaker transition
func (m *Metrics) ObserveBreakerState(scope, name string, from, to resilience.CircuitState) {
	if m.CircuitBreakerState == nil {
		return
	}

	m.CircuitBreakerState.WithLabelValues(scope, name).Set(float64(to))
	m.CircuitBreakerChanges.WithLabelValues(scope, name, to.String()).Inc()
}

// ObserveFallback records a fallback strategy invocation
func (m *Metrics) ObserveFallback(component, strategy string, activated bool) {
	if m.FallbackActivations == nil {
		return
	}

	m.FallbackActivations.WithLabelValues(component, strategy, result(activated)).Inc()
}

// ObserveRecovery records a component recovery attempt
func (m *Metrics) ObserveRecovery(component string, success bool) {
	if m.RecoveryAttempts == nil {
		return
	}

	m.RecoveryAttempts.WithLabelValues(component, result(success)).Inc()
}

// UpdateDegradation publishes the fallback system's aggregate health
func (m *Metrics) UpdateDegradation(status fallback.Status) {
	if m.DegradationScore == nil {
		return
	}

	active := 0
	for _, a := range status.Activations {
		if a.Active {
			active++
		}
	}
	m.ActiveFallbacks.Set(float64(active))
	m.DegradationScore.Set(status.Score)
	m.DegradationLevel.Set(float64(status.Level))
}

// ObserveFrame records a telemetry sample
func (m *Metrics) ObserveFrame(sample telemetry.Sample) {
	if m.FrameFPS == nil {
		return
	}

	m.FrameFPS.Set(sample.FPS)
	if sample.FPS > 0 {
		m.FrameDuration.Observe(1 / sample.FPS)
	}
	m.CacheHitRatio.Set(sample.CacheHitRate)
	m.MemoryUsage.WithLabelValues("frame", "rss").Set(sample.MemoryMB * 1024 * 1024)
}

// HandleAlert counts performance alerts
func (m *Metrics) HandleAlert(ctx context.Context, alert telemetry.Alert) error {
	if m.AlertsTotal == nil {
		return nil
	}

	m.AlertsTotal.WithLabelValues(string(alert.Type), alert.Severity.String()).Inc()
	return nil
}

// Name identifies the metrics alert handler
func (m *Metrics) Name() string {
	return "prometheus"
}

// UpdateResourceUsage updates resource usage metrics
func (m *Metrics) UpdateResourceUsage(component string, cpuPercent float64, rssBytes, vmsBytes uint64) {
	if m.CPUUsage != nil {
		m.CPUUsage.WithLabelValues(component).Set(cpuPercent)
	}
	if m.MemoryUsage != nil {
		m.MemoryUsage.WithLabelValues(component, "rss").Set(float64(rssBytes))
		m.MemoryUsage.WithLabelValues(component, "vms").Set(float64(vmsBytes))
	}
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.HTTPRequestsInFlight != nil {
			m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Inc()
			defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Dec()
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// MetricsCollector samples process resource usage periodically
type MetricsCollector struct {
	metrics  *Metrics
	interval time.Duration
	proc     *process.Process
	stopCh   chan struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(metrics *Metrics, interval time.Duration) *MetricsCollector {
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &MetricsCollector{
		metrics:  metrics,
		interval: interval,
		proc:     proc,
		stopCh:   make(chan struct{}),
	}
}

// Start begins metrics collection
func (mc *MetricsCollector) Start(ctx context.Context) {
	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-mc.stopCh:
			return
		case <-ticker.C:
			mc.collectMetrics()
		}
	}
}

// Stop stops metrics collection
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
}

func (mc *MetricsCollector) collectMetrics() {
	if mc.proc == nil {
		return
	}

	cpu, err := mc.proc.CPUPercent()
	if err != nil {
		return
	}
	mem, err := mc.proc.MemoryInfo()
	if err != nil {
		return
	}
	mc.metrics.UpdateResourceUsage("process", cpu, mem.RSS, mem.VMS)
}
