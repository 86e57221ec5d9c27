package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/tiendc/go-deepcopy"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Redis      RedisConfig      `json:"redis" yaml:"redis"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	Tracing    TracingConfig    `json:"tracing" yaml:"tracing"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
	Resilience ResilienceConfig `json:"resilience" yaml:"resilience"`
	Telemetry  TelemetryConfig  `json:"telemetry" yaml:"telemetry"`
	Demo       DemoConfig       `json:"demo" yaml:"demo"`
}

// ServerConfig contains status HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host" yaml:"host"`
	Port         int           `json:"port" yaml:"port"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	AllowOrigins []string      `json:"allow_origins" yaml:"allow_origins"`
}

// RedisConfig contains the persistent cache connection configuration
type RedisConfig struct {
	Host        string        `json:"host" yaml:"host"`
	Port        int           `json:"port" yaml:"port"`
	Password    string        `json:"-" yaml:"password"`
	DB          int           `json:"db" yaml:"db"`
	PoolSize    int           `json:"pool_size" yaml:"pool_size"`
	DialTimeout time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
	Output string `json:"output" yaml:"output"`
}

// TracingConfig contains tracing configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled" yaml:"enabled"`
	JaegerEndpoint string  `json:"jaeger_endpoint" yaml:"jaeger_endpoint"`
	SamplingRate   float64 `json:"sampling_rate" yaml:"sampling_rate"`
	Environment    string  `json:"environment" yaml:"environment"`
}

// MetricsConfig contains Prometheus exporter configuration
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// ResilienceConfig is the option surface shared by the recovery engine and
// the fallback system. Zero values are replaced by defaults in Normalize.
type ResilienceConfig struct {
	CircuitBreakerEnabled bool `json:"circuit_breaker_enabled" yaml:"circuit_breaker_enabled"`
	RetryEnabled          bool `json:"retry_enabled" yaml:"retry_enabled"`
	StateRecoveryEnabled  bool `json:"state_recovery_enabled" yaml:"state_recovery_enabled"`
	FallbackEnabled       bool `json:"fallback_enabled" yaml:"fallback_enabled"`
	RecoveryEnabled       bool `json:"recovery_enabled" yaml:"recovery_enabled"`

	MaxRetries              int           `json:"max_retries" yaml:"max_retries"`
	BaseRetryDelay          time.Duration `json:"base_retry_delay" yaml:"base_retry_delay"`
	MaxRetryDelay           time.Duration `json:"max_retry_delay" yaml:"max_retry_delay"`
	CircuitBreakerThreshold int           `json:"circuit_breaker_threshold" yaml:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `json:"circuit_breaker_timeout" yaml:"circuit_breaker_timeout"`
	OperationTimeout        time.Duration `json:"operation_timeout" yaml:"operation_timeout"`
	SnapshotInterval        time.Duration `json:"snapshot_interval" yaml:"snapshot_interval"`

	MaxRecoveryAttempts  int           `json:"max_recovery_attempts" yaml:"max_recovery_attempts"`
	InitialRecoveryDelay time.Duration `json:"initial_recovery_delay" yaml:"initial_recovery_delay"`
	RecoveryTimeout      time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
	HealthCheckInterval  time.Duration `json:"health_check_interval" yaml:"health_check_interval"`
}

// TelemetryConfig holds the frame monitor thresholds
type TelemetryConfig struct {
	PerformanceThreshold   time.Duration `json:"performance_threshold" yaml:"performance_threshold"`
	MinFPS                 float64       `json:"min_fps" yaml:"min_fps"`
	HighLoadMinFPS         float64       `json:"high_load_min_fps" yaml:"high_load_min_fps"`
	MemoryWarningMB        float64       `json:"memory_warning_mb" yaml:"memory_warning_mb"`
	MemoryLeakRateMBPerMin float64       `json:"memory_leak_rate_mb_per_min" yaml:"memory_leak_rate_mb_per_min"`
	CacheHitRateFloor      float64       `json:"cache_hit_rate_floor" yaml:"cache_hit_rate_floor"`
	MaxCacheResponseMs     float64       `json:"max_cache_response_ms" yaml:"max_cache_response_ms"`
	SampleCapacity         int           `json:"sample_capacity" yaml:"sample_capacity"`
	AlertCapacity          int           `json:"alert_capacity" yaml:"alert_capacity"`
	BottleneckCapacity     int           `json:"bottleneck_capacity" yaml:"bottleneck_capacity"`
	CacheWindow            int           `json:"cache_window" yaml:"cache_window"`
	LeakCheckEvery         int           `json:"leak_check_every" yaml:"leak_check_every"`
	AlertsPerSecond        float64       `json:"alerts_per_second" yaml:"alerts_per_second"`
	AlertWebhookURL        string        `json:"-" yaml:"alert_webhook_url"`
	AlertWebhookFormat     string        `json:"alert_webhook_format" yaml:"alert_webhook_format"`
}

// DemoConfig drives the simulated frame loop in cmd/resilienced
type DemoConfig struct {
	Enabled    bool          `json:"enabled" yaml:"enabled"`
	FrameDelta time.Duration `json:"frame_delta" yaml:"frame_delta"`
}

// DefaultResilienceConfig returns the documented defaults
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		CircuitBreakerEnabled:   true,
		RetryEnabled:            true,
		StateRecoveryEnabled:    true,
		FallbackEnabled:         true,
		RecoveryEnabled:         true,
		MaxRetries:              3,
		BaseRetryDelay:          time.Second,
		MaxRetryDelay:           30 * time.Second,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   60 * time.Second,
		OperationTimeout:        30 * time.Second,
		SnapshotInterval:        10 * time.Second,
		MaxRecoveryAttempts:     5,
		InitialRecoveryDelay:    time.Second,
		RecoveryTimeout:         30 * time.Second,
		HealthCheckInterval:     5 * time.Second,
	}
}

// DefaultTelemetryConfig returns the documented defaults
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		PerformanceThreshold:   16 * time.Millisecond,
		MinFPS:                 30,
		HighLoadMinFPS:         20,
		MemoryWarningMB:        512,
		MemoryLeakRateMBPerMin: 10,
		CacheHitRateFloor:      0.7,
		MaxCacheResponseMs:     50,
		SampleCapacity:         300,
		AlertCapacity:          100,
		BottleneckCapacity:     50,
		CacheWindow:            100,
		LeakCheckEvery:         10,
		AlertsPerSecond:        5,
	}
}

// Normalize fills unset numeric fields with defaults. Feature flags are left alone.
func (c ResilienceConfig) Normalize() ResilienceConfig {
	d := DefaultResilienceConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = d.BaseRetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = d.MaxRetryDelay
	}
	if c.CircuitBreakerThreshold <= 0 {
		c.CircuitBreakerThreshold = d.CircuitBreakerThreshold
	}
	if c.CircuitBreakerTimeout <= 0 {
		c.CircuitBreakerTimeout = d.CircuitBreakerTimeout
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = d.OperationTimeout
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = d.SnapshotInterval
	}
	if c.MaxRecoveryAttempts <= 0 {
		c.MaxRecoveryAttempts = d.MaxRecoveryAttempts
	}
	if c.InitialRecoveryDelay <= 0 {
		c.InitialRecoveryDelay = d.InitialRecoveryDelay
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	return c
}

// Normalize fills unset fields with defaults
func (c TelemetryConfig) Normalize() TelemetryConfig {
	d := DefaultTelemetryConfig()
	if c.PerformanceThreshold <= 0 {
		c.PerformanceThreshold = d.PerformanceThreshold
	}
	if c.MinFPS <= 0 {
		c.MinFPS = d.MinFPS
	}
	if c.HighLoadMinFPS <= 0 {
		c.HighLoadMinFPS = d.HighLoadMinFPS
	}
	if c.MemoryWarningMB <= 0 {
		c.MemoryWarningMB = d.MemoryWarningMB
	}
	if c.MemoryLeakRateMBPerMin <= 0 {
		c.MemoryLeakRateMBPerMin = d.MemoryLeakRateMBPerMin
	}
	if c.CacheHitRateFloor <= 0 {
		c.CacheHitRateFloor = d.CacheHitRateFloor
	}
	if c.MaxCacheResponseMs <= 0 {
		c.MaxCacheResponseMs = d.MaxCacheResponseMs
	}
	if c.SampleCapacity <= 0 {
		c.SampleCapacity = d.SampleCapacity
	}
	if c.AlertCapacity <= 0 {
		c.AlertCapacity = d.AlertCapacity
	}
	if c.BottleneckCapacity <= 0 {
		c.BottleneckCapacity = d.BottleneckCapacity
	}
	if c.CacheWindow <= 0 {
		c.CacheWindow = d.CacheWindow
	}
	if c.LeakCheckEvery <= 0 {
		c.LeakCheckEvery = d.LeakCheckEvery
	}
	if c.AlertsPerSecond <= 0 {
		c.AlertsPerSecond = d.AlertsPerSecond
	}
	return c
}

// Default returns a fully populated configuration without reading the environment
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8090,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
			AllowOrigins: []string{"*"},
		},
		Redis: RedisConfig{
			Host:        "localhost",
			Port:        6379,
			PoolSize:    10,
			DialTimeout: 2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Tracing: TracingConfig{
			Enabled:        false,
			JaegerEndpoint: "http://localhost:14268/api/traces",
			SamplingRate:   1.0,
			Environment:    "development",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "avatar_resilience",
		},
		Resilience: DefaultResilienceConfig(),
		Telemetry:  DefaultTelemetryConfig(),
		Demo: DemoConfig{
			FrameDelta: 16 * time.Millisecond,
		},
	}
}

// Load loads configuration from an optional .env file, an optional YAML file
// named by RESILIENCE_CONFIG_FILE, and environment variables, in that order
// of increasing precedence.
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	config := Default()

	if path := os.Getenv("RESILIENCE_CONFIG_FILE"); path != "" {
		if err := config.mergeFile(path); err != nil {
			return nil, err
		}
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnvString("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvInt("SERVER_PORT", c.Server.Port)
	c.Server.ReadTimeout = getEnvDuration("SERVER_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvDuration("SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = getEnvDuration("SERVER_IDLE_TIMEOUT", c.Server.IdleTimeout)

	c.Redis.Host = getEnvString("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = getEnvInt("REDIS_PORT", c.Redis.Port)
	c.Redis.Password = getEnvString("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)
	c.Redis.PoolSize = getEnvInt("REDIS_POOL_SIZE", c.Redis.PoolSize)

	c.Logging.Level = getEnvString("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnvString("LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnvString("LOG_OUTPUT", c.Logging.Output)

	c.Tracing.Enabled = getEnvBool("TRACING_ENABLED", c.Tracing.Enabled)
	c.Tracing.JaegerEndpoint = getEnvString("JAEGER_ENDPOINT", c.Tracing.JaegerEndpoint)
	c.Tracing.SamplingRate = getEnvFloat("TRACING_SAMPLING_RATE", c.Tracing.SamplingRate)

	c.Metrics.Enabled = getEnvBool("METRICS_ENABLED", c.Metrics.Enabled)

	r := &c.Resilience
	r.CircuitBreakerEnabled = getEnvBool("CIRCUIT_BREAKER_ENABLED", r.CircuitBreakerEnabled)
	r.RetryEnabled = getEnvBool("RETRY_ENABLED", r.RetryEnabled)
	r.StateRecoveryEnabled = getEnvBool("STATE_RECOVERY_ENABLED", r.StateRecoveryEnabled)
	r.FallbackEnabled = getEnvBool("FALLBACK_ENABLED", r.FallbackEnabled)
	r.RecoveryEnabled = getEnvBool("RECOVERY_ENABLED", r.RecoveryEnabled)
	r.MaxRetries = getEnvInt("MAX_RETRIES", r.MaxRetries)
	r.BaseRetryDelay = getEnvDuration("BASE_RETRY_DELAY", r.BaseRetryDelay)
	r.MaxRetryDelay = getEnvDuration("MAX_RETRY_DELAY", r.MaxRetryDelay)
	r.CircuitBreakerThreshold = getEnvInt("CIRCUIT_BREAKER_THRESHOLD", r.CircuitBreakerThreshold)
	r.CircuitBreakerTimeout = getEnvDuration("CIRCUIT_BREAKER_TIMEOUT", r.CircuitBreakerTimeout)
	r.OperationTimeout = getEnvDuration("OPERATION_TIMEOUT", r.OperationTimeout)
	r.SnapshotInterval = getEnvDuration("SNAPSHOT_INTERVAL", r.SnapshotInterval)
	r.MaxRecoveryAttempts = getEnvInt("MAX_RECOVERY_ATTEMPTS", r.MaxRecoveryAttempts)
	r.RecoveryTimeout = getEnvDuration("RECOVERY_TIMEOUT", r.RecoveryTimeout)
	r.HealthCheckInterval = getEnvDuration("HEALTH_CHECK_INTERVAL", r.HealthCheckInterval)

	t := &c.Telemetry
	t.PerformanceThreshold = getEnvDuration("PERFORMANCE_THRESHOLD", t.PerformanceThreshold)
	t.MinFPS = getEnvFloat("MIN_FPS", t.MinFPS)
	t.HighLoadMinFPS = getEnvFloat("HIGH_LOAD_MIN_FPS", t.HighLoadMinFPS)
	t.MemoryWarningMB = getEnvFloat("MEMORY_WARNING_MB", t.MemoryWarningMB)
	t.MemoryLeakRateMBPerMin = getEnvFloat("MEMORY_LEAK_RATE_MB_PER_MIN", t.MemoryLeakRateMBPerMin)
	t.CacheHitRateFloor = getEnvFloat("CACHE_HIT_RATE_FLOOR", t.CacheHitRateFloor)
	t.MaxCacheResponseMs = getEnvFloat("MAX_CACHE_RESPONSE_MS", t.MaxCacheResponseMs)
	t.AlertWebhookURL = getEnvString("ALERT_WEBHOOK_URL", t.AlertWebhookURL)
	t.AlertWebhookFormat = getEnvString("ALERT_WEBHOOK_FORMAT", t.AlertWebhookFormat)

	c.Demo.Enabled = getEnvBool("DEMO_MODE", c.Demo.Enabled)
	c.Demo.FrameDelta = getEnvDuration("DEMO_FRAME_DELTA", c.Demo.FrameDelta)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d is out of range", c.Server.Port)
	}

	r := c.Resilience
	if r.MaxRetryDelay > 0 && r.BaseRetryDelay > r.MaxRetryDelay {
		return fmt.Errorf("base retry delay %s exceeds max retry delay %s", r.BaseRetryDelay, r.MaxRetryDelay)
	}
	if r.MaxRetries < 0 || r.CircuitBreakerThreshold < 0 || r.MaxRecoveryAttempts < 0 {
		return fmt.Errorf("retry, threshold and recovery counts must not be negative")
	}

	t := c.Telemetry
	if t.CacheHitRateFloor < 0 || t.CacheHitRateFloor > 1 {
		return fmt.Errorf("cache hit rate floor must be within [0,1], got %f", t.CacheHitRateFloor)
	}
	if t.Normalize().HighLoadMinFPS > t.Normalize().MinFPS {
		return fmt.Errorf("high-load FPS floor must not exceed the normal FPS floor")
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing sampling rate must be within [0,1]")
	}

	return nil
}

// Addr returns the host:port address of the persistent cache
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RedisAddr returns the host:port address of the persistent cache
func (c *Config) RedisAddr() string {
	return c.Redis.Addr()
}

// Clone returns a deep copy that shares no slices with c
func (c *Config) Clone() (*Config, error) {
	clone := &Config{}
	if err := deepcopy.Copy(clone, c); err != nil {
		return nil, fmt.Errorf("failed to copy configuration: %w", err)
	}
	return clone, nil
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
