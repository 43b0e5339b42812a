package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/graphmesh/event-worker/internal/core"
)

// WorkerConfig is the immutable configuration snapshot for one worker
// process. Build it with Load (environment) or literal values, then call
// Validate before use.
type WorkerConfig struct {
	PollInterval          time.Duration
	BatchSize             int
	LeaseTimeout          time.Duration
	MaxRetries            int
	ShutdownTimeout       time.Duration
	MaxConcurrent         int
	LeaseRenewalInterval  time.Duration
	LeaseRenewalThreshold time.Duration
	RetryBaseDelay        time.Duration
	RetryMaxDelay         time.Duration
	RetryMultiplier       float64
	HealthCheckInterval   time.Duration
	WorkerID              string
	Debug                 bool

	// Operational surface.
	HTTPPort       string
	GRPCPort       string
	NatsURL        string
	ExecSubject    string
	ReapInterval   time.Duration
	PurgeSchedule  string
	PurgeRetention time.Duration
}

// Load reads configuration from environment variables, applies defaults,
// and validates the result.
func Load() (*WorkerConfig, error) {
	cfg := &WorkerConfig{
		PollInterval:          getEnvDurationMs("EW_POLL_INTERVAL_MS", 1000),
		BatchSize:             getEnvInt("EW_BATCH_SIZE", 10),
		LeaseTimeout:          getEnvDurationMs("EW_LEASE_TIMEOUT_MS", 30000),
		MaxRetries:            getEnvInt("EW_MAX_RETRIES", 3),
		ShutdownTimeout:       getEnvDurationMs("EW_SHUTDOWN_TIMEOUT_MS", 30000),
		MaxConcurrent:         getEnvInt("EW_MAX_CONCURRENT", 10),
		LeaseRenewalInterval:  getEnvDurationMs("EW_LEASE_RENEWAL_INTERVAL_MS", 5000),
		LeaseRenewalThreshold: getEnvDurationMs("EW_LEASE_RENEWAL_THRESHOLD_MS", 10000),
		RetryBaseDelay:        getEnvDurationMs("EW_RETRY_BASE_DELAY_MS", 1000),
		RetryMaxDelay:         getEnvDurationMs("EW_RETRY_MAX_DELAY_MS", 300000),
		RetryMultiplier:       getEnvFloat("EW_RETRY_MULTIPLIER", 2.0),
		HealthCheckInterval:   getEnvDurationMs("EW_HEALTH_CHECK_INTERVAL_MS", 15000),
		WorkerID:              getEnv("EW_WORKER_ID", ""),
		Debug:                 getEnvBool("EW_DEBUG", false),

		HTTPPort:       getEnv("EW_HTTP_PORT", "8080"),
		GRPCPort:       getEnv("EW_GRPC_PORT", "9090"),
		NatsURL:        getEnv("NATS_URL", "nats://localhost:4222"),
		ExecSubject:    getEnv("EW_EXEC_SUBJECT", "gw.exec.jobs"),
		ReapInterval:   getEnvDurationMs("EW_REAP_INTERVAL_MS", 10000),
		PurgeSchedule:  getEnv("EW_PURGE_SCHEDULE", "0 * * * *"),
		PurgeRetention: getEnvDurationMs("EW_PURGE_RETENTION_MS", 24*3600*1000),
	}

	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + core.NewUUIDv7()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces configuration invariants. Impossible combinations are
// errors; out-of-range-but-safe values are relaxed to defaults with a
// warning log.
func (c *WorkerConfig) Validate() error {
	if c.LeaseTimeout <= 0 {
		return fmt.Errorf("lease timeout must be positive, got %v", c.LeaseTimeout)
	}
	if c.LeaseRenewalThreshold >= c.LeaseTimeout {
		return fmt.Errorf("lease renewal threshold (%v) must be below lease timeout (%v)",
			c.LeaseRenewalThreshold, c.LeaseTimeout)
	}
	if c.LeaseRenewalInterval >= c.LeaseRenewalThreshold {
		return fmt.Errorf("lease renewal interval (%v) must be below renewal threshold (%v)",
			c.LeaseRenewalInterval, c.LeaseRenewalThreshold)
	}
	if c.RetryBaseDelay > c.RetryMaxDelay {
		return fmt.Errorf("retry base delay (%v) exceeds retry max delay (%v)",
			c.RetryBaseDelay, c.RetryMaxDelay)
	}

	if c.PollInterval <= 0 {
		slog.Warn("poll interval out of range, using default", "got", c.PollInterval, "default", "1s")
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		slog.Warn("batch size out of range, using default", "got", c.BatchSize, "default", 10)
		c.BatchSize = 10
	}
	if c.MaxConcurrent <= 0 {
		slog.Warn("max concurrent out of range, using default", "got", c.MaxConcurrent, "default", 10)
		c.MaxConcurrent = 10
	}
	if c.MaxRetries < 0 {
		slog.Warn("max retries negative, using 0", "got", c.MaxRetries)
		c.MaxRetries = 0
	}
	if c.RetryMultiplier < 1 {
		slog.Warn("retry multiplier below 1, using default", "got", c.RetryMultiplier, "default", 2.0)
		c.RetryMultiplier = 2.0
	}
	if c.ShutdownTimeout <= 0 {
		slog.Warn("shutdown timeout out of range, using default", "got", c.ShutdownTimeout, "default", "30s")
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		slog.Warn("health check interval out of range, using default", "got", c.HealthCheckInterval, "default", "15s")
		c.HealthCheckInterval = 15 * time.Second
	}
	return nil
}

// RetryConfig extracts the backoff parameters for core.RetryDelay.
func (c *WorkerConfig) RetryConfig() core.RetryConfig {
	return core.RetryConfig{
		BaseDelay:  c.RetryBaseDelay,
		MaxDelay:   c.RetryMaxDelay,
		Multiplier: c.RetryMultiplier,
	}
}

func getEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDurationMs(key string, defaultMs int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMs)) * time.Millisecond
}
