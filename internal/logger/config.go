package logger

import (
	"fmt"
	"time"
)

// LogLevel represents the severity level of a log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogFormat represents the output format for logs
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// LogSource distinguishes scheduling-engine logs from logs about a
// dispatched execution
type LogSource string

const (
	LogSourceInternal  LogSource = "reportflow_internal"
	LogSourceExecution LogSource = "reportflow_execution"
)

// Component identifies which part of the system generated the log
type Component string

const (
	ComponentPoller   Component = "poller"
	ComponentLedger   Component = "ledger"
	ComponentBackfill Component = "backfill"
	ComponentWorker   Component = "worker"
	ComponentDispatch Component = "dispatch"
	ComponentStore    Component = "store"
	ComponentCLI      Component = "cli"
	ComponentMetrics  Component = "metrics"
)

// Config holds the logging configuration for both tiers
type Config struct {
	Level  LogLevel  `json:"level"`
	Format LogFormat `json:"format"`

	Console ConsoleConfig `json:"console"`
	File    FileConfig    `json:"file"`
}

// ConsoleConfig configures terminal logging
type ConsoleConfig struct {
	Enabled       bool          `json:"enabled"`
	Color         bool          `json:"color"`       // text mode only
	BufferSize    int           `json:"buffer_size"` // bytes
	FlushInterval time.Duration `json:"flush_interval"`
}

// FileConfig configures rotating file logging
type FileConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`

	BufferSize    int           `json:"buffer_size"` // entries
	BatchSize     int           `json:"batch_size"`
	BatchInterval time.Duration `json:"batch_interval"`
}

// DefaultConfig returns a default logging configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: FormatJSON,
		Console: ConsoleConfig{
			Enabled:       true,
			Color:         true,
			BufferSize:    65536,
			FlushInterval: 100 * time.Millisecond,
		},
		File: FileConfig{
			Enabled:       false,
			Path:          "/var/log/reportflow/reportflow.log",
			MaxSizeMB:     100,
			MaxBackups:    5,
			MaxAgeDays:    30,
			Compress:      true,
			BufferSize:    10000,
			BatchSize:     100,
			BatchInterval: 100 * time.Millisecond,
		},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Level {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
	default:
		return fmt.Errorf("invalid log level: %s", c.Level)
	}

	switch c.Format {
	case FormatJSON, FormatText:
	default:
		return fmt.Errorf("invalid log format: %s", c.Format)
	}

	if c.Console.Enabled {
		if c.Console.BufferSize < 0 {
			return fmt.Errorf("console buffer size cannot be negative")
		}
		if c.Console.FlushInterval <= 0 {
			return fmt.Errorf("console flush interval must be > 0")
		}
	}

	if c.File.Enabled {
		if c.File.Path == "" {
			return fmt.Errorf("file logging enabled but path is empty")
		}
		if c.File.MaxSizeMB <= 0 {
			return fmt.Errorf("file max size must be > 0")
		}
		if c.File.BatchSize <= 0 || c.File.BatchInterval <= 0 {
			return fmt.Errorf("file batch size and interval must be > 0")
		}
	}

	return nil
}
