// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/muaviaUsmani/reportflow/internal/logger"
)

// MaxLookbackDays is the hard business cap on a backfill window
const MaxLookbackDays = 365

// Config holds all configuration for reportflow processes
type Config struct {
	// RedisURL is the connection URL for Redis
	RedisURL string

	// PollInterval is how often the poller looks for due schedules
	PollInterval time.Duration
	// DueBuffer lets the poller pick up schedules due slightly in the future
	// to absorb tick jitter
	DueBuffer time.Duration
	// DueBatchSize caps how many due schedules one tick processes
	DueBatchSize int
	// StuckRunAfter is how long a run may stay running before it is reported
	StuckRunAfter time.Duration

	// FailureThreshold is the default consecutive-failure count that pauses a schedule
	FailureThreshold int
	// AutoPauseOnFailure is the default for newly created schedules
	AutoPauseOnFailure bool

	// DataLagDays is how far behind now historical data becomes queryable
	DataLagDays int
	// MaxLookbackDays caps a backfill window; never above MaxLookbackDays
	MaxLookbackDays int
	// SegmentWorkers is the number of goroutines dispatching backfill segments
	SegmentWorkers int
	// SegmentBatchSize is how many pending segments a worker pulls at once
	SegmentBatchSize int
	// SegmentIdleWait is how long a worker sleeps when nothing is pending
	SegmentIdleWait time.Duration

	// ResultPollInterval is the fallback interval for polling execution results
	ResultPollInterval time.Duration

	// MetricsPort serves /metrics; empty disables the endpoint
	MetricsPort string

	Logging *logger.Config
}

// LoadConfig loads configuration from environment variables with defaults.
// A .env file in the working directory is read first if present; variables
// already set in the environment win.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	cfg := &Config{
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),
		PollInterval:       getEnvAsDuration("POLL_INTERVAL", 60*time.Second),
		DueBuffer:          getEnvAsDuration("DUE_BUFFER", 5*time.Minute),
		DueBatchSize:       getEnvAsInt("DUE_BATCH_SIZE", 500),
		StuckRunAfter:      getEnvAsDuration("STUCK_RUN_AFTER", 6*time.Hour),
		FailureThreshold:   getEnvAsInt("FAILURE_THRESHOLD", 5),
		AutoPauseOnFailure: getEnvAsBool("AUTO_PAUSE_ON_FAILURE", true),
		DataLagDays:        getEnvAsInt("DATA_LAG_DAYS", 14),
		MaxLookbackDays:    getEnvAsInt("MAX_LOOKBACK_DAYS", MaxLookbackDays),
		SegmentWorkers:     getEnvAsInt("SEGMENT_WORKERS", 4),
		SegmentBatchSize:   getEnvAsInt("SEGMENT_BATCH_SIZE", 10),
		SegmentIdleWait:    getEnvAsDuration("SEGMENT_IDLE_WAIT", 5*time.Second),
		ResultPollInterval: getEnvAsDuration("RESULT_POLL_INTERVAL", 30*time.Second),
		MetricsPort:        getEnv("METRICS_PORT", "9090"),
		Logging:            loadLoggingConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL cannot be empty")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.DueBuffer < 0 {
		return fmt.Errorf("DUE_BUFFER cannot be negative")
	}
	if c.DueBatchSize < 1 {
		return fmt.Errorf("DUE_BATCH_SIZE must be at least 1")
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("FAILURE_THRESHOLD must be at least 1")
	}
	if c.DataLagDays < 0 {
		return fmt.Errorf("DATA_LAG_DAYS cannot be negative")
	}
	if c.MaxLookbackDays < 1 || c.MaxLookbackDays > MaxLookbackDays {
		return fmt.Errorf("MAX_LOOKBACK_DAYS must be between 1 and %d", MaxLookbackDays)
	}
	if c.SegmentWorkers < 1 {
		return fmt.Errorf("SEGMENT_WORKERS must be at least 1")
	}
	if c.SegmentBatchSize < 1 {
		return fmt.Errorf("SEGMENT_BATCH_SIZE must be at least 1")
	}
	if c.ResultPollInterval <= 0 {
		return fmt.Errorf("RESULT_POLL_INTERVAL must be positive")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func loadLoggingConfig() *logger.Config {
	cfg := logger.DefaultConfig()

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Level = logger.LogLevel(strings.ToLower(level))
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Format = logger.LogFormat(strings.ToLower(format))
	}

	cfg.Console.Enabled = getEnvAsBool("LOG_CONSOLE_ENABLED", true)
	cfg.Console.Color = getEnvAsBool("LOG_COLOR", true)
	cfg.Console.BufferSize = getEnvAsInt("LOG_CONSOLE_BUFFER_SIZE", cfg.Console.BufferSize)
	cfg.Console.FlushInterval = getEnvAsDuration("LOG_CONSOLE_FLUSH_INTERVAL", cfg.Console.FlushInterval)

	cfg.File.Enabled = getEnvAsBool("LOG_FILE_ENABLED", false)
	cfg.File.Path = getEnv("LOG_FILE_PATH", cfg.File.Path)
	cfg.File.MaxSizeMB = getEnvAsInt("LOG_FILE_MAX_SIZE_MB", cfg.File.MaxSizeMB)
	cfg.File.MaxBackups = getEnvAsInt("LOG_FILE_MAX_BACKUPS", cfg.File.MaxBackups)
	cfg.File.MaxAgeDays = getEnvAsInt("LOG_FILE_MAX_AGE_DAYS", cfg.File.MaxAgeDays)
	cfg.File.Compress = getEnvAsBool("LOG_FILE_COMPRESS", cfg.File.Compress)

	return cfg
}
