// Package controller owns the resilience control plane: one recovery engine,
// one fallback system, one telemetry monitor and the components they protect.
package controller

import (
	"context"
	stderrors "errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/NikhilSetiya/avatar-resilience/internal/components"
	"github.com/NikhilSetiya/avatar-resilience/pkg/alerting"
	"github.com/NikhilSetiya/avatar-resilience/pkg/config"
	"github.com/NikhilSetiya/avatar-resilience/pkg/errors"
	"github.com/NikhilSetiya/avatar-resilience/pkg/fallback"
	"github.com/NikhilSetiya/avatar-resilience/pkg/health"
	"github.com/NikhilSetiya/avatar-resilience/pkg/logging"
	"github.com/NikhilSetiya/avatar-resilience/pkg/metrics"
	"github.com/NikhilSetiya/avatar-resilience/pkg/resilience"
	"github.com/NikhilSetiya/avatar-resilience/pkg/telemetry"
	"github.com/NikhilSetiya/avatar-resilience/pkg/tracing"
	"github.com/NikhilSetiya/avatar-resilience/pkg/vecmath"
)

// Version is reported by the status API
const Version = "1.0.0"

// Options holds the injectable dependencies of a Controller
type Options struct {
	Logger          *logging.Logger
	MemorySampler   telemetry.MemorySampler
	Dialer          components.Dialer
	Poller          components.Poller
	CapabilityCheck func() bool
	// FrameSink receives frames polled while the stream is down
	FrameSink components.FrameSink
	// Clock drives scheduling, breaker cooldowns and timestamps; nil means
	// the wall clock
	Clock clock.Clock
	// SkipRedis starts the cache in memory-only mode without dialing
	SkipRedis bool
}

// Controller wires every part of the control plane together
type Controller struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *metrics.Metrics
	tracing *tracing.TracingService

	scheduler *resilience.Scheduler
	engine    *resilience.RecoveryEngine
	fallback  *fallback.System
	monitor   *telemetry.Monitor
	collector *metrics.MetricsCollector
	health    *health.Service
	notifier  *alerting.Notifier

	accelerator *vecmath.Accelerator
	matrix      *components.CoarticulationMatrix
	cache       *components.BlendshapeCache
	transport   *components.StreamTransport
	limiter     *components.ResourceLimiter
	instances   map[string]interface{}
	frameSink   components.FrameSink
	blend       func(activations []float64) ([]float64, error)

	mu          sync.Mutex
	started     bool
	cancel      context.CancelFunc
	publishTask resilience.TaskID
}

// New builds the control plane. The configuration is cloned so later changes
// to cfg do not leak in.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Controller, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	cfg, err := cfg.Clone()
	if err != nil {
		return nil, errors.NewConfigurationError("failed to copy configuration").WithCause(err)
	}

	logger := logging.OrGlobal(opts.Logger)
	sampler := opts.MemorySampler
	if sampler == nil {
		sampler = telemetry.NewProcessMemorySampler()
	}

	tracer, err := tracing.NewTracingService(tracing.FromConfig(cfg.Tracing))
	if err != nil {
		return nil, errors.NewConfigurationError("failed to initialize tracing").WithCause(err)
	}

	m := metrics.NewMetrics(&metrics.Config{Namespace: cfg.Metrics.Namespace, Enabled: cfg.Metrics.Enabled})
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	scheduler := resilience.NewScheduler(logger.WithComponent("scheduler"), clk)

	monitor := telemetry.NewMonitor(cfg.Telemetry,
		telemetry.WithLogger(logger.WithComponent("telemetry")),
		telemetry.WithMemorySampler(sampler),
		telemetry.WithClock(clk),
	)
	monitor.AddAlertHandler(telemetry.NewLoggingAlertHandler(logger.WithComponent("alerts")))
	monitor.AddAlertHandler(m)

	var notifier *alerting.Notifier
	if cfg.Telemetry.AlertWebhookURL != "" {
		notifier, err = alerting.NewNotifier(&alerting.Config{
			URL:         cfg.Telemetry.AlertWebhookURL,
			Format:      alerting.Format(cfg.Telemetry.AlertWebhookFormat),
			MinSeverity: telemetry.SeverityWarning,
		}, logger.WithComponent("alerting"))
		if err != nil {
			return nil, err
		}
		monitor.AddAlertHandler(notifier)
	}
	monitor.AddFrameObserver(m)

	accOpts := []vecmath.Option{vecmath.WithLogger(logger.WithComponent("vecmath"))}
	if opts.CapabilityCheck != nil {
		accOpts = append(accOpts, vecmath.WithCapabilityCheck(opts.CapabilityCheck))
	}
	accelerator := vecmath.New(accOpts...)

	engine := resilience.NewRecoveryEngine(cfg.Resilience,
		resilience.WithEngineLogger(logger.WithComponent("recovery")),
		resilience.WithObserver(m),
		resilience.WithScheduler(scheduler),
		resilience.WithEngineClock(clk),
	)

	fb := fallback.NewSystem(cfg.Resilience,
		fallback.WithLogger(logger.WithComponent("fallback")),
		fallback.WithScheduler(scheduler),
		fallback.WithClock(clk),
		fallback.WithImpactMeter(monitor),
		fallback.WithObserver(m),
	)
	if err := components.RegisterDefaults(fb, engine, logger); err != nil {
		return nil, err
	}

	phonemes, features := components.DefaultPhonemes()
	matrix, err := components.NewCoarticulationMatrix(accelerator, phonemes, features)
	if err != nil {
		return nil, err
	}

	dial := opts.Dialer
	if dial == nil {
		dial = func(ctx context.Context) error { return nil }
	}
	poll := opts.Poller
	if poll == nil {
		poll = func(ctx context.Context) ([]byte, error) { return nil, nil }
	}
	transport := components.NewStreamTransport(components.DefaultTransportConfig(), dial, poll, logger)

	limiter := components.NewResourceLimiter(int64(runtime.NumCPU()*2), sampler, cfg.Telemetry.Normalize().MemoryWarningMB, logger)

	c := &Controller{
		cfg:         cfg,
		logger:      logger.WithComponent("controller"),
		metrics:     m,
		tracing:     tracer,
		scheduler:   scheduler,
		engine:      engine,
		fallback:    fb,
		monitor:     monitor,
		notifier:    notifier,
		collector:   metrics.NewMetricsCollector(m, cfg.Resilience.Normalize().HealthCheckInterval),
		accelerator: accelerator,
		matrix:      matrix,
		transport:   transport,
		limiter:     limiter,
		frameSink:   opts.FrameSink,
		blend:       matrix.Coarticulate,
	}

	var redisErr error
	var client *components.RedisClient
	if !opts.SkipRedis {
		client, redisErr = components.NewRedisClient(ctx, &cfg.Redis)
	}
	c.cache = components.NewBlendshapeCache(components.DefaultCacheConfig(), client, &cfg.Redis, monitor, logger)

	c.instances = map[string]interface{}{
		components.NameNumeric:   accelerator,
		components.NameMatrix:    matrix,
		components.NameCache:     c.cache,
		components.NameTransport: transport,
		components.NameResource:  limiter,
	}

	c.health = health.NewService(logger.WithComponent("health"), &health.Config{
		Timeout:  cfg.Redis.DialTimeout + time.Second,
		Metadata: map[string]string{"version": Version},
	})
	c.registerHealthChecks(client)

	engine.RegisterStateProvider(components.MatrixSnapshotName, matrix.State)
	engine.RegisterStateProvider("accelerator", func() (interface{}, error) {
		return accelerator.Stats(), nil
	})
	// the freshly computed matrix is the first restore point
	engine.SnapshotNow()

	if !accelerator.IsSupported() {
		c.logger.Warn("Running numeric kernels on the scalar path")
	}
	if redisErr != nil {
		c.logger.Warn("Redis unavailable at startup", "error", redisErr)
		c.ReportFailure(ctx, components.NameCache, redisErr)
	}
	return c, nil
}

// Start begins periodic snapshots, health checks and metric publishing
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.scheduler.Start()
	c.engine.Start()
	c.fallback.Start(runCtx)
	c.transport.Start(runCtx, c.frameSink)
	c.publishTask = c.scheduler.Every(c.cfg.Resilience.Normalize().HealthCheckInterval, "publish-degradation", func() {
		c.metrics.UpdateDegradation(c.fallback.Status())
	})
	go c.collector.Start(runCtx)
	if c.notifier != nil {
		c.notifier.Start(runCtx)
	}

	c.logger.Info("Resilience controller started", "components", len(c.instances))
}

// Stop shuts everything down. It is safe to call more than once.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return c.close(ctx)
	}
	c.started = false
	c.scheduler.Cancel(c.publishTask)
	c.cancel()
	c.mu.Unlock()

	c.fallback.Stop()
	c.transport.Stop()
	c.engine.Stop()
	c.scheduler.Stop()
	c.logger.Info("Resilience controller stopped")
	return c.close(ctx)
}

func (c *Controller) close(ctx context.Context) error {
	if c.notifier != nil {
		c.notifier.Stop()
	}
	if err := c.cache.Close(); err != nil {
		c.logger.Warn("Failed to close cache", "error", err)
	}
	return c.tracing.Shutdown(ctx)
}

func (c *Controller) registerHealthChecks(client *components.RedisClient) {
	c.health.RegisterChecker("fallback", health.NewCustomChecker("fallback", func(ctx context.Context) (health.Status, string, error) {
		st := c.fallback.Status()
		msg := fmt.Sprintf("level %s, score %.2f", st.Level, st.Score)
		switch {
		case !st.Healthy || st.Level == fallback.LevelCritical:
			return health.StatusUnhealthy, msg, nil
		case st.Level != fallback.LevelNormal:
			return health.StatusDegraded, msg, nil
		}
		return health.StatusHealthy, msg, nil
	}))
	c.health.RegisterChecker("memory", health.NewCustomChecker("memory", func(ctx context.Context) (health.Status, string, error) {
		pressured, mb := c.limiter.UnderPressure()
		if pressured {
			return health.StatusDegraded, formatMB(mb) + " MB in use", nil
		}
		return health.StatusHealthy, formatMB(mb) + " MB in use", nil
	}))
	if client != nil {
		c.health.RegisterChecker("redis", health.NewPingChecker("redis", client))
	}
}

// CheckHealth runs the readiness checks
func (c *Controller) CheckHealth(ctx context.Context) *health.HealthResponse {
	return c.health.CheckHealth(ctx)
}

// Engine returns the recovery engine
func (c *Controller) Engine() *resilience.RecoveryEngine { return c.engine }

// Fallback returns the fallback system
func (c *Controller) Fallback() *fallback.System { return c.fallback }

// Monitor returns the telemetry monitor
func (c *Controller) Monitor() *telemetry.Monitor { return c.monitor }

// Metrics returns the Prometheus metrics
func (c *Controller) Metrics() *metrics.Metrics { return c.metrics }

// Tracing returns the tracing service
func (c *Controller) Tracing() *tracing.TracingService { return c.tracing }

// Config returns the effective configuration
func (c *Controller) Config() *config.Config { return c.cfg }

// Components returns the registered component names
func (c *Controller) Components() []string {
	names := make([]string, 0, len(c.instances))
	for name := range c.instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReportFailure routes a component failure to the fallback system
func (c *Controller) ReportFailure(ctx context.Context, component string, cause error) bool {
	instance, ok := c.instances[component]
	if !ok {
		c.logger.Warn("Failure reported for unknown component", "component", component)
		return false
	}

	return c.tracing.TraceComponent(ctx, component, "fallback", func(ctx context.Context) bool {
		return c.fallback.HandleComponentFailure(ctx, component, instance, cause)
	})
}

// Recover forces an immediate recovery attempt for component
func (c *Controller) Recover(ctx context.Context, component string) (bool, error) {
	if _, ok := c.instances[component]; !ok {
		return false, errors.NewNotFoundError("component " + component)
	}

	return c.tracing.TraceComponent(ctx, component, "recover", func(ctx context.Context) bool {
		return c.fallback.ForceRecovery(ctx, component)
	}), nil
}

// Execute runs op under the recovery engine
func (c *Controller) Execute(ctx context.Context, name string, op resilience.Operation, opts ...resilience.CallOption) (interface{}, error) {
	return c.engine.ExecuteWithRecovery(ctx, name, op, opts...)
}

// Coarticulate blends phoneme activations under a concurrency permit. When
// the engine gives up, the failure is reported once to the numeric or matrix
// component and, if a fallback engaged, the blend runs once more degraded.
func (c *Controller) Coarticulate(ctx context.Context, activations []float64) ([]float64, error) {
	if n := len(c.matrix.Phonemes()); len(activations) != n {
		return nil, errors.NewValidationError(fmt.Sprintf("expected %d activations, got %d", n, len(activations)))
	}
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, errors.NewCancelledError("coarticulate").WithCause(err)
	}
	defer c.limiter.Release()

	blend := func(ctx context.Context) ([]float64, error) {
		started := time.Now()
		out, err := c.blend(activations)
		if err != nil {
			return nil, err
		}
		c.monitor.RecordBottleneck("coarticulate", float64(time.Since(started).Microseconds())/1000, 0)
		return out, nil
	}

	out, err := resilience.Execute(ctx, c.engine, "coarticulate", blend)
	if err == nil || ctx.Err() != nil || errors.IsType(err, errors.ErrorTypeCancelled) {
		return out, err
	}
	// a rejection by the open breaker ran nothing, so there is nothing new to report
	var rerr *resilience.RecoveryError
	if !stderrors.As(err, &rerr) {
		return nil, err
	}

	component := components.NameMatrix
	if rerr.Category == resilience.CategoryNumericAcceleration {
		component = components.NameNumeric
	}
	if !c.ReportFailure(ctx, component, err) {
		return nil, err
	}
	if out, retryErr := blend(ctx); retryErr == nil {
		return out, nil
	}
	return nil, err
}

// Blendshape returns the blend row for a phoneme, cached. A failing
// persistent tier drops the cache to memory-only.
func (c *Controller) Blendshape(ctx context.Context, phoneme string) ([]float64, error) {
	weights, ok, err := c.cache.Get(ctx, phoneme)
	if err != nil {
		c.ReportFailure(ctx, components.NameCache, err)
	}
	if ok {
		return weights, nil
	}

	weights, err = c.matrix.Weights(phoneme)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, phoneme, weights); err != nil {
		c.ReportFailure(ctx, components.NameCache, err)
	}
	return weights, nil
}

// RecordFrame records a rendered frame. Sustained memory pressure is routed
// to the resource component.
func (c *Controller) RecordFrame(ctx context.Context, delta time.Duration) telemetry.Sample {
	sample := c.monitor.RecordFrame(delta)
	if pressured, mb := c.limiter.UnderPressure(); pressured {
		if _, active := c.fallback.ActiveFallback(components.NameResource); !active {
			c.ReportFailure(ctx, components.NameResource, errors.NewMemoryError("memory above warning level").
				WithDetail("memory_mb", formatMB(mb)))
		}
	}
	return sample
}

// Reset returns the control plane to its initial state. Repeated calls have
// the same effect as one.
func (c *Controller) Reset() {
	c.fallback.Reset()
	c.engine.Reset()
	c.engine.SnapshotNow()
	c.monitor.Reset()
	c.logger.Info("Resilience controller reset")
}
