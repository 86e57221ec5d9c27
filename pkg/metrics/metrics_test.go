package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/avatar-resilience/pkg/fallback"
	"github.com/NikhilSetiya/avatar-resilience/pkg/resilience"
	"github.com/NikhilSetiya/avatar-resilience/pkg/telemetry"
)

var (
	_ resilience.Observer     = (*Metrics)(nil)
	_ fallback.Observer       = (*Metrics)(nil)
	_ telemetry.FrameObserver = (*Metrics)(nil)
	_ telemetry.AlertHandler  = (*Metrics)(nil)
)

func TestNewMetrics_InstancesDoNotCollide(t *testing.T) {
	a := NewMetrics(nil)
	b := NewMetrics(nil)
	assert.NotSame(t, a.Registry(), b.Registry())
}

func TestMetrics_RecoveryEngineEvents(t *testing.T) {
	m := NewMetrics(DefaultConfig())

	m.ObserveAttempt("blendshape.load", resilience.CategoryNetwork, false, 20*time.Millisecond)
	m.ObserveAttempt("blendshape.load", resilience.CategoryNetwork, true, 10*time.Millisecond)
	m.ObserveRetry("blendshape.load", resilience.CategoryNetwork, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationAttempts.WithLabelValues("blendshape.load", "network", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationAttempts.WithLabelValues("blendshape.load", "network", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationRetries.WithLabelValues("blendshape.load", "network")))

	m.ObserveBreakerState("component", "cache", resilience.StateClosed, resilience.StateOpen)
	assert.Equal(t, float64(resilience.StateOpen), testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("component", "cache")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitBreakerChanges.WithLabelValues("component", "cache", resilience.StateOpen.String())))
}

func TestMetrics_FallbackAndFrames(t *testing.T) {
	m := NewMetrics(DefaultConfig())

	m.ObserveFallback("matrix", "lookup-table", true)
	m.ObserveRecovery("matrix", false)
	m.UpdateDegradation(fallback.Status{
		Score:       0.5,
		Level:       fallback.LevelSevere,
		Activations: map[string]fallback.Activation{"matrix": {Active: true}, "cache": {Active: true}},
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FallbackActivations.WithLabelValues("matrix", "lookup-table", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecoveryAttempts.WithLabelValues("matrix", "failure")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveFallbacks))
	assert.Equal(t, 0.5, testutil.ToFloat64(m.DegradationScore))
	assert.Equal(t, float64(fallback.LevelSevere), testutil.ToFloat64(m.DegradationLevel))

	m.ObserveFrame(telemetry.Sample{FPS: 50, CacheHitRate: 0.9})
	assert.Equal(t, 50.0, testutil.ToFloat64(m.FrameFPS))
	assert.Equal(t, 0.9, testutil.ToFloat64(m.CacheHitRatio))

	require.NoError(t, m.HandleAlert(context.Background(), telemetry.Alert{Type: telemetry.AlertLowFPS, Severity: telemetry.SeverityWarning}))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsTotal.WithLabelValues("LOW_FPS", "WARNING")))
}

func TestMetrics_DisabledIsNoop(t *testing.T) {
	m := NewMetrics(&Config{Enabled: false})

	assert.NotPanics(t, func() {
		m.ObserveAttempt("op", resilience.CategoryUnknown, true, time.Millisecond)
		m.ObserveRetry("op", resilience.CategoryUnknown, time.Millisecond)
		m.ObserveBreakerState("operation", "op", resilience.StateClosed, resilience.StateOpen)
		m.ObserveFallback("cache", "memory-only", true)
		m.ObserveRecovery("cache", true)
		m.UpdateDegradation(fallback.Status{})
		m.ObserveFrame(telemetry.Sample{FPS: 60})
		_ = m.HandleAlert(context.Background(), telemetry.Alert{})
		m.UpdateResourceUsage("process", 1, 2, 3)
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics_MiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMetrics(DefaultConfig())

	router := gin.New()
	router.Use(m.PrometheusMiddleware())
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/metrics", gin.WrapH(m.Handler()))

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/health", "200")))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "avatar_http_requests_total"))
}
