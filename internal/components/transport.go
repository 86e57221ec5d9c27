package components

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/NikhilSetiya/avatar-resilience/pkg/errors"
	"github.com/NikhilSetiya/avatar-resilience/pkg/logging"
)

// TransportMode is how animation frames reach the renderer
type TransportMode string

const (
	ModeStreaming TransportMode = "streaming"
	ModePolling   TransportMode = "polling"
)

// Dialer opens the streaming connection
type Dialer func(ctx context.Context) error

// Poller fetches pending frames; an empty result means nothing is pending
type Poller func(ctx context.Context) ([]byte, error)

// TransportConfig holds polling settings
type TransportConfig struct {
	MinPollInterval time.Duration `json:"min_poll_interval"`
	MaxPollInterval time.Duration `json:"max_poll_interval"`
	PollRetries     uint64        `json:"poll_retries"`
}

// DefaultTransportConfig returns default polling settings
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		MinPollInterval: 100 * time.Millisecond,
		MaxPollInterval: 5 * time.Second,
		PollRetries:     2,
	}
}

// FrameSink receives frames fetched while polling
type FrameSink func(frame []byte)

// StreamTransport delivers frames over a stream, or by polling with a growing
// interval while the stream is down. Once started, entering polling mode
// runs a background poll loop that hands frames to the sink; restoring the
// stream ends it.
type StreamTransport struct {
	cfg    TransportConfig
	dial   Dialer
	poll   Poller
	logger *logging.Logger

	mu        sync.Mutex
	mode      TransportMode
	interval  *backoff.ExponentialBackOff
	polls     uint64
	delivered uint64

	runCtx     context.Context
	sink       FrameSink
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// NewStreamTransport creates a transport in streaming mode. It does not dial.
func NewStreamTransport(cfg TransportConfig, dial Dialer, poll Poller, logger *logging.Logger) *StreamTransport {
	d := DefaultTransportConfig()
	if cfg.MinPollInterval <= 0 {
		cfg.MinPollInterval = d.MinPollInterval
	}
	if cfg.MaxPollInterval < cfg.MinPollInterval {
		cfg.MaxPollInterval = d.MaxPollInterval
		if cfg.MaxPollInterval < cfg.MinPollInterval {
			cfg.MaxPollInterval = cfg.MinPollInterval
		}
	}

	t := &StreamTransport{
		cfg:    cfg,
		dial:   dial,
		poll:   poll,
		logger: logging.OrGlobal(logger).WithComponent("transport"),
		mode:   ModeStreaming,
	}
	t.interval = t.newPollBackoff()
	return t
}

func (t *StreamTransport) newPollBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.cfg.MinPollInterval
	b.MaxInterval = t.cfg.MaxPollInterval
	b.Multiplier = 1.5
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Connect dials the stream and enters streaming mode on success
func (t *StreamTransport) Connect(ctx context.Context) error {
	if t.dial == nil {
		return errors.NewConfigurationError("transport has no dialer")
	}
	if err := t.dial(ctx); err != nil {
		return errors.NewNetworkError("stream", "failed to open stream").WithCause(err)
	}

	t.mu.Lock()
	t.mode = ModeStreaming
	t.stopLoopLocked()
	t.mu.Unlock()
	t.logger.Info("Streaming transport connected")
	return nil
}

// SwitchToPolling enters polling mode with the shortest interval and, once
// the transport is started, begins the poll loop
func (t *StreamTransport) SwitchToPolling() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mode != ModePolling {
		t.logger.Warn("Transport switched to polling")
	}
	t.mode = ModePolling
	t.interval.Reset()
	t.startLoopLocked()
}

// Start binds the context the poll loop runs under and the sink that
// receives polled frames. If the transport is already polling the loop
// starts now.
func (t *StreamTransport) Start(ctx context.Context, sink FrameSink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runCtx = ctx
	t.sink = sink
	if t.mode == ModePolling {
		t.startLoopLocked()
	}
}

// Stop ends the poll loop and waits for it to return. Polling mode is kept.
func (t *StreamTransport) Stop() {
	t.mu.Lock()
	done := t.loopDone
	t.stopLoopLocked()
	t.runCtx = nil
	t.mu.Unlock()

	if done != nil {
		<-done
	}
}

func (t *StreamTransport) startLoopLocked() {
	if t.runCtx == nil || t.loopDone != nil {
		return
	}
	ctx, cancel := context.WithCancel(t.runCtx)
	done := make(chan struct{})
	t.loopCancel, t.loopDone = cancel, done

	go func() {
		defer close(done)
		defer cancel()
		_ = t.RunPolling(ctx, t.deliver)

		t.mu.Lock()
		if t.loopDone == done {
			t.loopCancel, t.loopDone = nil, nil
		}
		t.mu.Unlock()
	}()
}

// stopLoopLocked detaches the running loop so a later switch can start a
// fresh one
func (t *StreamTransport) stopLoopLocked() {
	if t.loopCancel != nil {
		t.loopCancel()
	}
	t.loopCancel, t.loopDone = nil, nil
}

func (t *StreamTransport) deliver(frame []byte) {
	t.mu.Lock()
	t.delivered++
	sink := t.sink
	t.mu.Unlock()
	if sink != nil {
		sink(frame)
	}
}

// Delivered returns the number of polled frames handed to the sink
func (t *StreamTransport) Delivered() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delivered
}

// Polling reports whether a background poll loop is running
func (t *StreamTransport) Polling() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loopDone != nil
}

// Mode returns the current delivery mode
func (t *StreamTransport) Mode() TransportMode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

// NextPollInterval returns how long to wait before the next poll. The
// interval grows while polls come back empty.
func (t *StreamTransport) NextPollInterval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval.NextBackOff()
}

// Poll fetches pending frames, retrying transient failures
func (t *StreamTransport) Poll(ctx context.Context) ([]byte, error) {
	if t.Mode() != ModePolling {
		return nil, errors.NewValidationError("transport is not in polling mode")
	}
	if t.poll == nil {
		return nil, errors.NewConfigurationError("transport has no poller")
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = t.cfg.MinPollInterval / 4
	retry.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(retry, t.cfg.PollRetries), ctx)

	data, err := backoff.RetryNotifyWithData(func() ([]byte, error) {
		return t.poll(ctx)
	}, policy, func(err error, wait time.Duration) {
		t.logger.Debug("Poll failed, retrying", "error", err, "wait", wait)
	})
	if err != nil {
		return nil, errors.NewNetworkError("poll", "polling failed").WithCause(err)
	}

	t.mu.Lock()
	t.polls++
	if len(data) > 0 {
		t.interval.Reset()
	}
	t.mu.Unlock()
	return data, nil
}

// RunPolling polls until ctx is done or the transport leaves polling mode,
// handing every non-empty payload to handle
func (t *StreamTransport) RunPolling(ctx context.Context, handle func([]byte)) error {
	for t.Mode() == ModePolling {
		data, err := t.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.logger.Warn("Poll cycle failed", "error", err)
		} else if len(data) > 0 && handle != nil {
			handle(data)
		}

		timer := time.NewTimer(t.NextPollInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

// Polls returns the number of completed polls
func (t *StreamTransport) Polls() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.polls
}
