package logging

import (
	"bytes"
	"context"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/NikhilSetiya/avatar-resilience/pkg/config"
	"github.com/NikhilSetiya/avatar-resilience/pkg/errors"
)

func newBufferedLogger(t *testing.T, level string) (*Logger, *bytes.Buffer) {
	t.Helper()
	logger, err := NewLogger(&Config{
		Level:       level,
		Format:      "json",
		Output:      "stdout",
		ServiceName: "avatar-resilience",
		Version:     "1.0.0",
	})
	require.NoError(t, err)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	return logger, &buf
}

// lastEntry decodes the final JSON line written to buf
func lastEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &entry))
	return entry
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{"json to stdout", &Config{Level: "info", Format: "json", Output: "stdout"}, false},
		{"text to stderr", &Config{Level: "debug", Format: "TEXT", Output: "stderr"}, false},
		{"nil config uses defaults", nil, false},
		{"unknown level", &Config{Level: "verbose", Format: "json"}, true},
		{"unknown format", &Config{Level: "info", Format: "xml"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.config)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsType(err, errors.ErrorTypeConfiguration))
				assert.Nil(t, logger)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.LoggingConfig{Level: "warn", Format: "text", Output: "stderr"}, "2.3.4")

	assert.Equal(t, "warn", cfg.Level)
	assert.Equal(t, "text", cfg.Format)
	assert.Equal(t, "stderr", cfg.Output)
	assert.Equal(t, "avatar-resilience", cfg.ServiceName)
	assert.Equal(t, "2.3.4", cfg.Version)
}

func TestLogger_WithContextCarriesIDs(t *testing.T) {
	logger, buf := newBufferedLogger(t, "info")

	ctx := WithCorrelationID(context.Background(), "req-42")
	ctx = WithOperationID(ctx, "coarticulate-1700000000-ab12")
	logger.WithContext(ctx).Info("frame processed")

	entry := lastEntry(t, buf)
	assert.Equal(t, "req-42", entry["correlation_id"])
	assert.Equal(t, "coarticulate-1700000000-ab12", entry["operation_id"])
	assert.Equal(t, "avatar-resilience", entry["service"])
	assert.Equal(t, "frame processed", entry["message"])
	assert.NotContains(t, entry, "trace_id")
}

func TestLogger_WithContextCarriesTrace(t *testing.T) {
	logger, buf := newBufferedLogger(t, "info")

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "coarticulate")
	defer span.End()

	logger.WithContext(ctx).Info("inside span")

	entry := lastEntry(t, buf)
	assert.Equal(t, span.SpanContext().TraceID().String(), entry["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), entry["span_id"])
}

func TestLogger_LogRecoveryEvent(t *testing.T) {
	logger, buf := newBufferedLogger(t, "info")

	ctx := WithOperationID(context.Background(), "op-123")
	logger.LogRecoveryEvent(ctx, "attempt_failed", "recompute_matrix", 2, logrus.Fields{"category": "calculation"})

	entry := lastEntry(t, buf)
	assert.Equal(t, "attempt_failed", entry["event"])
	assert.Equal(t, "recompute_matrix", entry["operation_name"])
	assert.EqualValues(t, 2, entry["attempt"])
	assert.Equal(t, "calculation", entry["category"])
	assert.Equal(t, "op-123", entry["operation_id"])
}

func TestLogger_LogComponentEvent(t *testing.T) {
	logger, buf := newBufferedLogger(t, "info")

	logger.LogComponentEvent(context.Background(), "fallback", "cache", true, logrus.Fields{"strategy": "memory-only"})
	entry := lastEntry(t, buf)
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "memory-only", entry["strategy"])

	logger.LogComponentEvent(context.Background(), "recovery", "cache", false, nil)
	entry = lastEntry(t, buf)
	assert.Equal(t, "warning", entry["level"])
	assert.Equal(t, false, entry["success"])
}

func TestLogger_WithErrorClassifiesAppErrors(t *testing.T) {
	logger, buf := newBufferedLogger(t, "info")

	logger.WithError(errors.NewNetworkError("redis", "ping failed")).Warn("cache degraded")
	entry := lastEntry(t, buf)
	assert.Equal(t, "network", entry["error_type"])
	assert.Equal(t, "NETWORK_ERROR", entry["error_code"])

	logger.WithError(stderrors.New("plain")).Warn("plain failure")
	entry = lastEntry(t, buf)
	assert.Equal(t, "*errors.errorString", entry["error_type"])
	assert.NotContains(t, entry, "error_code")
}

func TestLogger_LogErrorStackTraceOnlyAtDebug(t *testing.T) {
	logger, buf := newBufferedLogger(t, "info")
	logger.LogError(context.Background(), stderrors.New("boom"), "matrix recompute failed", nil)
	assert.NotContains(t, lastEntry(t, buf), "stack_trace")

	debugLogger, debugBuf := newBufferedLogger(t, "debug")
	debugLogger.LogError(context.Background(), stderrors.New("boom"), "matrix recompute failed", logrus.Fields{"component": "matrix"})
	entry := lastEntry(t, debugBuf)
	assert.Contains(t, entry, "stack_trace")
	assert.Equal(t, "matrix", entry["component"])
}

func TestLogger_WithComponent(t *testing.T) {
	logger, buf := newBufferedLogger(t, "info")

	logger.WithComponent("fallback").Info("registered strategy", "component", "numeric")
	entry := lastEntry(t, buf)
	assert.Equal(t, "numeric", entry["component"], "explicit field wins over the hook")

	logger.WithComponent("fallback").Info("tick")
	assert.Equal(t, "fallback", lastEntry(t, buf)["component"])
}

func TestLogger_KeyValueHelpers(t *testing.T) {
	logger, buf := newBufferedLogger(t, "debug")

	logger.Debug("retry scheduled", "delay", 250*time.Millisecond, "error", stderrors.New("timeout"), "dangling")
	entry := lastEntry(t, buf)
	assert.Equal(t, "250ms", entry["delay"])
	assert.Equal(t, "timeout", entry["error"])
	assert.Equal(t, "dangling", entry[badKey])
}

func TestContextIDs(t *testing.T) {
	id1 := NewCorrelationID()
	id2 := NewCorrelationID()
	assert.NotEqual(t, id1, id2)
	assert.Len(t, id1, 36)

	ctx := WithCorrelationID(context.Background(), id1)
	assert.Equal(t, id1, GetCorrelationID(ctx))
	assert.Empty(t, GetCorrelationID(context.Background()))

	ctx = WithOperationID(ctx, "op-1")
	assert.Equal(t, "op-1", GetOperationID(ctx))
	assert.Empty(t, GetOperationID(context.Background()))
}

func TestOrGlobal(t *testing.T) {
	assert.Same(t, GetLogger(), OrGlobal(nil))

	l := NewNopLogger()
	assert.Same(t, l, OrGlobal(l))
}
