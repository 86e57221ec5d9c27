package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/NikhilSetiya/avatar-resilience/pkg/logging"
)

// AlertType tags an alert
type AlertType string

const (
	AlertLowFPS             AlertType = "LOW_FPS"
	AlertHighMemory         AlertType = "HIGH_MEMORY"
	AlertMemoryLeak         AlertType = "MEMORY_LEAK"
	AlertLowCacheHitRate    AlertType = "LOW_CACHE_HIT_RATE"
	AlertSlowCacheResponse  AlertType = "SLOW_CACHE_RESPONSE"
	AlertCriticalBottleneck AlertType = "CRITICAL_BOTTLENECK"
)

// AlertSeverity represents the severity of an alert
type AlertSeverity int

const (
	SeverityInfo AlertSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s AlertSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the severity by name in JSON output
func (s AlertSeverity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func severityFor(t AlertType) AlertSeverity {
	switch t {
	case AlertMemoryLeak:
		return SeverityError
	case AlertCriticalBottleneck:
		return SeverityCritical
	default:
		return SeverityWarning
	}
}

// Alert represents a threshold violation observed by the monitor
type Alert struct {
	ID        string                 `json:"id"`
	Type      AlertType              `json:"type"`
	Severity  AlertSeverity          `json:"severity"`
	Message   string                 `json:"message"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Frame     uint64                 `json:"frame"`
}

// AlertHandler receives alerts after they are stored
type AlertHandler interface {
	HandleAlert(ctx context.Context, alert Alert) error
	Name() string
}

// dispatcher fans alerts out to handlers, throttled per alert type
type dispatcher struct {
	mu       sync.Mutex
	handlers []AlertHandler
	limiters map[AlertType]*rate.Limiter
	perSec   float64
	logger   *logging.Logger
}

func newDispatcher(perSecond float64, logger *logging.Logger) *dispatcher {
	return &dispatcher{
		limiters: make(map[AlertType]*rate.Limiter),
		perSec:   perSecond,
		logger:   logger,
	}
}

func (d *dispatcher) add(h AlertHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

func (d *dispatcher) allow(t AlertType) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	limiter, ok := d.limiters[t]
	if !ok {
		burst := int(d.perSec)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(d.perSec), burst)
		d.limiters[t] = limiter
	}
	return limiter.Allow()
}

func (d *dispatcher) dispatch(ctx context.Context, alert Alert) {
	if !d.allow(alert.Type) {
		d.logger.Debug("Alert dispatch rate limited", "type", alert.Type)
		return
	}

	d.mu.Lock()
	handlers := append([]AlertHandler(nil), d.handlers...)
	d.mu.Unlock()

	for _, handler := range handlers {
		if err := handler.HandleAlert(ctx, alert); err != nil {
			d.logger.Error("Alert handler failed",
				"handler", handler.Name(),
				"alert_id", alert.ID,
				"error", err,
			)
		}
	}
}

// LoggingAlertHandler logs alerts to the application logger
type LoggingAlertHandler struct {
	logger *logging.Logger
}

// NewLoggingAlertHandler creates a new logging alert handler
func NewLoggingAlertHandler(logger *logging.Logger) *LoggingAlertHandler {
	return &LoggingAlertHandler{logger: logging.OrGlobal(logger)}
}

// HandleAlert handles an alert by logging it
func (h *LoggingAlertHandler) HandleAlert(ctx context.Context, alert Alert) error {
	fields := []interface{}{
		"alert_id", alert.ID,
		"type", string(alert.Type),
		"severity", alert.Severity.String(),
		"frame", alert.Frame,
	}
	for key, value := range alert.Payload {
		fields = append(fields, fmt.Sprintf("payload_%s", key), value)
	}

	switch alert.Severity {
	case SeverityInfo:
		h.logger.Info("ALERT: "+alert.Message, fields...)
	case SeverityWarning:
		h.logger.Warn("ALERT: "+alert.Message, fields...)
	default:
		h.logger.Error("ALERT: "+alert.Message, fields...)
	}
	return nil
}

// Name returns the name of the handler
func (h *LoggingAlertHandler) Name() string {
	return "logging"
}

// AlertHandlerFunc adapts a function to AlertHandler
type AlertHandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, alert Alert) error
}

// HandleAlert calls Fn
func (f AlertHandlerFunc) HandleAlert(ctx context.Context, alert Alert) error {
	return f.Fn(ctx, alert)
}

// Name returns HandlerName
func (f AlertHandlerFunc) Name() string {
	return f.HandlerName
}
