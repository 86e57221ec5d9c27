package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/avatar-resilience/internal/controller"
	"github.com/NikhilSetiya/avatar-resilience/pkg/config"
	"github.com/NikhilSetiya/avatar-resilience/pkg/errors"
	"github.com/NikhilSetiya/avatar-resilience/pkg/health"
	"github.com/NikhilSetiya/avatar-resilience/pkg/logging"
	"github.com/NikhilSetiya/avatar-resilience/pkg/metrics"
	"github.com/NikhilSetiya/avatar-resilience/pkg/tracing"
)

// maxRequestBytes bounds request bodies; no route reads one
const maxRequestBytes = 64 << 10

// ControlPlane is the part of the controller the HTTP surface needs
type ControlPlane interface {
	Status() controller.Status
	DebugExport() (controller.DebugExport, error)
	Reset()
	Recover(ctx context.Context, component string) (bool, error)
	CheckHealth(ctx context.Context) *health.HealthResponse
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Level     string    `json:"level"`
	Score     float64   `json:"degradation_score"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// RecoverResponse reports the outcome of a forced recovery
type RecoverResponse struct {
	Component string `json:"component"`
	Recovered bool   `json:"recovered"`
}

// Handler serves the status API
type Handler struct {
	plane  ControlPlane
	logger *logging.Logger
}

// NewHandler creates a new status handler
func NewHandler(plane ControlPlane, logger *logging.Logger) *Handler {
	return &Handler{plane: plane, logger: logging.OrGlobal(logger)}
}

// NewRouter creates and configures the API router. Metrics and tracing may be nil.
func NewRouter(cfg *config.Config, plane ControlPlane, m *metrics.Metrics, tr *tracing.TracingService, logger *logging.Logger) *gin.Engine {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	logger = logging.OrGlobal(logger)
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestIDMiddleware())
	if tr != nil {
		router.Use(tr.TracingMiddleware())
	}
	router.Use(LoggingMiddleware(logger))
	router.Use(CORSMiddleware(cfg.Server.AllowOrigins))
	router.Use(SecurityHeadersMiddleware())
	router.Use(RequestSizeMiddleware(maxRequestBytes))
	if m != nil {
		router.Use(m.PrometheusMiddleware())
		router.GET("/metrics", gin.WrapH(m.Handler()))
	}

	h := NewHandler(plane, logger)
	router.GET("/health", h.Health)
	router.GET("/health/live", h.Live)
	router.GET("/health/ready", h.Ready)
	router.GET("/status", h.Status)
	router.GET("/status/debug", h.Debug)
	router.POST("/reset", h.Reset)
	router.POST("/components/:name/recover", h.Recover)

	router.NoRoute(func(c *gin.Context) {
		ErrorResponseFromError(c, errors.NewNotFoundError("endpoint"))
	})

	return router
}

// Health answers 200 while the fallback system is healthy and 503 otherwise
func (h *Handler) Health(c *gin.Context) {
	st := h.plane.Status()

	resp := HealthResponse{
		Status:    "healthy",
		Level:     st.Level.String(),
		Score:     st.Fallback.Score,
		Version:   st.Version,
		Timestamp: st.Timestamp,
	}
	code := http.StatusOK
	if !st.Healthy {
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, APIResponse{
		Success:   st.Healthy,
		Data:      resp,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// Live answers as long as the process serves requests
func (h *Handler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}

// Ready runs the readiness checks. Degraded dependencies still count as ready.
func (h *Handler) Ready(c *gin.Context) {
	resp := h.plane.CheckHealth(c.Request.Context())

	code := http.StatusOK
	if !resp.Ready() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

// Status returns the full control plane status
func (h *Handler) Status(c *gin.Context) {
	SuccessResponse(c, h.plane.Status())
}

// Debug returns the debug export with redacted snapshots
func (h *Handler) Debug(c *gin.Context) {
	export, err := h.plane.DebugExport()
	if err != nil {
		h.logger.WithContext(c.Request.Context()).WithError(err).Error("Debug export failed")
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, export)
}

// Reset clears all resilience state
func (h *Handler) Reset(c *gin.Context) {
	h.plane.Reset()
	h.logger.WithContext(c.Request.Context()).Info("Control plane reset")
	SuccessResponse(c, gin.H{"reset": true})
}

// Recover forces a recovery attempt for one component
func (h *Handler) Recover(c *gin.Context) {
	name := c.Param("name")
	recovered, err := h.plane.Recover(c.Request.Context(), name)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, RecoverResponse{Component: name, Recovered: recovered})
}
