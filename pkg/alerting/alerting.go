// Package alerting forwards telemetry alerts to an external webhook.
// Delivery happens on a worker goroutine so the frame loop never waits on
// the network.
package alerting

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/goccy/go-json"

	"github.com/NikhilSetiya/avatar-resilience/pkg/errors"
	"github.com/NikhilSetiya/avatar-resilience/pkg/logging"
	"github.com/NikhilSetiya/avatar-resilience/pkg/telemetry"
)

// Format selects the webhook payload shape
type Format string

const (
	FormatJSON  Format = "json"
	FormatSlack Format = "slack"
)

// Config holds webhook notifier configuration
type Config struct {
	URL         string
	Format      Format
	MinSeverity telemetry.AlertSeverity
	Headers     map[string]string
	QueueSize   int
	Timeout     time.Duration
	MaxRetries  uint64
	// RetryInterval is the first backoff delay between delivery attempts
	RetryInterval time.Duration
}

// DefaultConfig returns default notifier configuration
func DefaultConfig() *Config {
	return &Config{
		Format:      FormatJSON,
		MinSeverity: telemetry.SeverityWarning,
		QueueSize:   64,
		Timeout:     10 * time.Second,
		MaxRetries:  3,

		RetryInterval: 500 * time.Millisecond,
	}
}

// Notifier is a telemetry.AlertHandler that posts alerts to a webhook
type Notifier struct {
	config *Config
	client *http.Client
	logger *logging.Logger
	queue  chan telemetry.Alert

	sent    atomic.Uint64
	dropped atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	cancel    context.CancelFunc
}

// NewNotifier creates a webhook notifier. Start must be called before
// queued alerts are delivered.
func NewNotifier(config *Config, logger *logging.Logger) (*Notifier, error) {
	if config == nil || config.URL == "" {
		return nil, errors.NewConfigurationError("alert webhook URL is required")
	}
	d := DefaultConfig()
	cfg := *config
	if cfg.Format == "" {
		cfg.Format = d.Format
	}
	if cfg.Format != FormatJSON && cfg.Format != FormatSlack {
		return nil, errors.NewConfigurationError(fmt.Sprintf("unknown alert webhook format %q", cfg.Format))
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = d.QueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = d.RetryInterval
	}

	return &Notifier{
		config: &cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logging.OrGlobal(logger),
		queue:  make(chan telemetry.Alert, cfg.QueueSize),
		done:   make(chan struct{}),
	}, nil
}

// Name returns the handler name
func (n *Notifier) Name() string {
	return "webhook"
}

// HandleAlert queues the alert. It never blocks; a full queue drops the alert.
func (n *Notifier) HandleAlert(ctx context.Context, alert telemetry.Alert) error {
	if alert.Severity < n.config.MinSeverity {
		return nil
	}
	select {
	case n.queue <- alert:
		return nil
	default:
		n.dropped.Add(1)
		return errors.NewAppError(errors.ErrorTypeMemory, "ALERT_QUEUE_FULL", "alert webhook queue is full").
			WithDetail("alert_id", alert.ID)
	}
}

// Start launches the delivery worker
func (n *Notifier) Start(ctx context.Context) {
	n.startOnce.Do(func() {
		ctx, n.cancel = context.WithCancel(ctx)
		go n.run(ctx)
	})
}

// Stop cancels the worker and waits for it to exit. Queued alerts are
// discarded. A notifier that was never started cannot be started afterwards.
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() {
		n.startOnce.Do(func() { close(n.done) })
		if n.cancel != nil {
			n.cancel()
		}
		<-n.done
	})
}

// Sent returns how many alerts were delivered
func (n *Notifier) Sent() uint64 { return n.sent.Load() }

// Dropped returns how many alerts were discarded on a full queue
func (n *Notifier) Dropped() uint64 { return n.dropped.Load() }

func (n *Notifier) run(ctx context.Context) {
	defer close(n.done)
	for {
		select {
		case <-ctx.Done():
			return
		case alert := <-n.queue:
			if err := n.deliver(ctx, alert); err != nil {
				n.logger.Warn("Alert webhook delivery failed", "alert_id", alert.ID, "error", err)
				continue
			}
			n.sent.Add(1)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, alert telemetry.Alert) error {
	var payload interface{}
	if n.config.Format == FormatSlack {
		payload = slackPayload(alert)
	} else {
		payload = alert
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.NewInternalError("failed to marshal alert payload").WithCause(err)
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = n.config.RetryInterval
	b := backoff.WithContext(backoff.WithMaxRetries(exp, n.config.MaxRetries), ctx)
	return backoff.Retry(func() error {
		return n.post(ctx, body)
	}, b)
}

func (n *Notifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(errors.NewConfigurationError("invalid alert webhook request").WithCause(err))
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range n.config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return errors.NewNetworkError("alert-webhook", "request failed").WithCause(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return errors.NewNetworkError("alert-webhook", fmt.Sprintf("webhook returned status %d", resp.StatusCode))
	default:
		return backoff.Permanent(errors.NewNetworkError("alert-webhook", fmt.Sprintf("webhook returned status %d", resp.StatusCode)))
	}
}

func slackPayload(alert telemetry.Alert) map[string]interface{} {
	fields := []map[string]interface{}{
		{"title": "Severity", "value": alert.Severity.String(), "short": true},
		{"title": "Frame", "value": fmt.Sprintf("%d", alert.Frame), "short": true},
	}

	keys := make([]string, 0, len(alert.Payload))
	for key := range alert.Payload {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fields = append(fields, map[string]interface{}{
			"title": key,
			"value": fmt.Sprintf("%v", alert.Payload[key]),
			"short": true,
		})
	}

	return map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color":     colorForSeverity(alert.Severity),
				"title":     fmt.Sprintf("[%s] %s", alert.Type, alert.Message),
				"timestamp": alert.Timestamp.Unix(),
				"fields":    fields,
			},
		},
	}
}

func colorForSeverity(severity telemetry.AlertSeverity) string {
	switch severity {
	case telemetry.SeverityInfo:
		return "#36a64f"
	case telemetry.SeverityWarning:
		return "#ff9500"
	case telemetry.SeverityError:
		return "#ff0000"
	case telemetry.SeverityCritical:
		return "#8b0000"
	default:
		return "#808080"
	}
}
