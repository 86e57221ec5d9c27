package api

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/avatar-resilience/internal/controller"
	"github.com/NikhilSetiya/avatar-resilience/pkg/config"
	"github.com/NikhilSetiya/avatar-resilience/pkg/errors"
	"github.com/NikhilSetiya/avatar-resilience/pkg/fallback"
	"github.com/NikhilSetiya/avatar-resilience/pkg/health"
	"github.com/NikhilSetiya/avatar-resilience/pkg/logging"
	"github.com/NikhilSetiya/avatar-resilience/pkg/metrics"
	"github.com/NikhilSetiya/avatar-resilience/pkg/resilience"
)

// MockControlPlane is a mock implementation of ControlPlane
type MockControlPlane struct {
	mock.Mock
}

func (m *MockControlPlane) Status() controller.Status {
	args := m.Called()
	return args.Get(0).(controller.Status)
}

func (m *MockControlPlane) DebugExport() (controller.DebugExport, error) {
	args := m.Called()
	return args.Get(0).(controller.DebugExport), args.Error(1)
}

func (m *MockControlPlane) Reset() {
	m.Called()
}

func (m *MockControlPlane) Recover(ctx context.Context, component string) (bool, error) {
	args := m.Called(ctx, component)
	return args.Bool(0), args.Error(1)
}

func (m *MockControlPlane) CheckHealth(ctx context.Context) *health.HealthResponse {
	args := m.Called(ctx)
	return args.Get(0).(*health.HealthResponse)
}

func healthyStatus() controller.Status {
	return controller.Status{
		Version:   controller.Version,
		Timestamp: time.Now(),
		Healthy:   true,
		Level:     fallback.LevelNormal,
		Fallback:  fallback.Status{Score: 1, Level: fallback.LevelNormal, Healthy: true},
	}
}

func setupTestRouter(m *metrics.Metrics) (*gin.Engine, *MockControlPlane) {
	gin.SetMode(gin.TestMode)
	plane := new(MockControlPlane)
	return NewRouter(config.Default(), plane, m, nil, logging.NewNopLogger()), plane
}

func perform(router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var response APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	return response
}

func TestHealthEndpoint(t *testing.T) {
	router, plane := setupTestRouter(nil)
	plane.On("Status").Return(healthyStatus())

	w := perform(router, "GET", "/health")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	response := decode(t, w)
	assert.True(t, response.Success)
	data, ok := response.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "healthy", data["status"])
	assert.Equal(t, "NORMAL", data["level"])
	plane.AssertExpectations(t)
}

func TestHealthEndpoint_Unhealthy(t *testing.T) {
	router, plane := setupTestRouter(nil)
	st := healthyStatus()
	st.Healthy = false
	st.Level = fallback.LevelCritical
	plane.On("Status").Return(st)

	w := perform(router, "GET", "/health")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	response := decode(t, w)
	assert.False(t, response.Success)
	data := response.Data.(map[string]interface{})
	assert.Equal(t, "unhealthy", data["status"])
	assert.Equal(t, "CRITICAL", data["level"])
}

func TestLiveEndpoint(t *testing.T) {
	router, plane := setupTestRouter(nil)

	w := perform(router, "GET", "/health/live")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
	plane.AssertNotCalled(t, "Status")
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name   string
		status health.Status
		code   int
	}{
		{"healthy", health.StatusHealthy, http.StatusOK},
		{"degraded still ready", health.StatusDegraded, http.StatusOK},
		{"unhealthy", health.StatusUnhealthy, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, plane := setupTestRouter(nil)
			plane.On("CheckHealth", mock.Anything).Return(&health.HealthResponse{
				Status: tt.status,
				Checks: map[string]*health.Check{"fallback": {Name: "fallback", Status: tt.status}},
			})

			w := perform(router, "GET", "/health/ready")

			assert.Equal(t, tt.code, w.Code)
			assert.Contains(t, w.Body.String(), string(tt.status))
		})
	}
}

func TestStatusEndpoint(t *testing.T) {
	router, plane := setupTestRouter(nil)
	st := healthyStatus()
	st.Engine = resilience.EngineStats{TotalOperations: 3, Succeeded: 2, Failed: 1}
	plane.On("Status").Return(st)

	w := perform(router, "GET", "/status")

	assert.Equal(t, http.StatusOK, w.Code)
	response := decode(t, w)
	data := response.Data.(map[string]interface{})
	engine := data["engine"].(map[string]interface{})
	assert.EqualValues(t, 3, engine["total_operations"])
	assert.Equal(t, controller.Version, data["version"])
}

func TestDebugEndpoint(t *testing.T) {
	router, plane := setupTestRouter(nil)
	export := controller.DebugExport{
		Status:    healthyStatus(),
		Config:    config.Default(),
		Snapshots: []resilience.SnapshotInfo{{Name: "coarticulation", State: resilience.RedactedPlaceholder}},
	}
	plane.On("DebugExport").Return(export, nil)

	w := perform(router, "GET", "/status/debug")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), resilience.RedactedPlaceholder)
}

func TestDebugEndpoint_Error(t *testing.T) {
	router, plane := setupTestRouter(nil)
	plane.On("DebugExport").Return(controller.DebugExport{}, stderrors.New("clone failed"))

	w := perform(router, "GET", "/status/debug")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	response := decode(t, w)
	require.NotNil(t, response.Error)
	assert.Equal(t, "UNKNOWN_ERROR", response.Error.Code)
}

func TestResetEndpoint(t *testing.T) {
	router, plane := setupTestRouter(nil)
	plane.On("Reset").Return()

	w := perform(router, "POST", "/reset")

	assert.Equal(t, http.StatusOK, w.Code)
	plane.AssertCalled(t, "Reset")
}

func TestRecoverEndpoint(t *testing.T) {
	router, plane := setupTestRouter(nil)
	plane.On("Recover", mock.Anything, "matrix").Return(true, nil)

	w := perform(router, "POST", "/components/matrix/recover")

	assert.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w).Data.(map[string]interface{})
	assert.Equal(t, "matrix", data["component"])
	assert.Equal(t, true, data["recovered"])
}

func TestRecoverEndpoint_UnknownComponent(t *testing.T) {
	router, plane := setupTestRouter(nil)
	plane.On("Recover", mock.Anything, "renderer").Return(false, errors.NewNotFoundError("component renderer"))

	w := perform(router, "POST", "/components/renderer/recover")

	assert.Equal(t, http.StatusNotFound, w.Code)
	response := decode(t, w)
	assert.False(t, response.Success)
	require.NotNil(t, response.Error)
	assert.Equal(t, "NOT_FOUND", response.Error.Code)
}

func TestNotFoundEndpoint(t *testing.T) {
	router, _ := setupTestRouter(nil)

	w := perform(router, "GET", "/nonexistent")

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.NewMetrics(&metrics.Config{Namespace: "apitest", Enabled: true})
	router, plane := setupTestRouter(m)
	plane.On("Status").Return(healthyStatus())

	perform(router, "GET", "/health")
	w := perform(router, "GET", "/metrics")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "apitest_http_requests_total"))
}

func TestCORSMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(CORSMiddleware([]string{"https://studio.example"}))
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	req, _ := http.NewRequest("GET", "/ping", nil)
	req.Header.Set("Origin", "https://studio.example")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "https://studio.example", w.Header().Get("Access-Control-Allow-Origin"))

	req, _ = http.NewRequest("GET", "/ping", nil)
	req.Header.Set("Origin", "https://other.example")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestSecurityHeaders(t *testing.T) {
	router, plane := setupTestRouter(nil)
	plane.On("Status").Return(healthyStatus())

	w := perform(router, "GET", "/status")

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestRequestSizeMiddleware(t *testing.T) {
	router, _ := setupTestRouter(nil)

	req, _ := http.NewRequest("POST", "/reset", strings.NewReader(strings.Repeat("x", maxRequestBytes+1)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequestIDMiddleware_KeepsIncomingID(t *testing.T) {
	router, plane := setupTestRouter(nil)
	plane.On("Status").Return(healthyStatus())

	req, _ := http.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "req-123", decode(t, w).RequestID)
}
