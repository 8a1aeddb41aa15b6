package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/muaviaUsmani/reportflow/internal/logger"
)

func TestLoadConfig_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.PollInterval != 60*time.Second {
		t.Errorf("expected 60s poll interval, got %v", cfg.PollInterval)
	}
	if cfg.DueBuffer != 5*time.Minute {
		t.Errorf("expected 5m due buffer, got %v", cfg.DueBuffer)
	}
	if cfg.DataLagDays != 14 {
		t.Errorf("expected 14 day lag, got %d", cfg.DataLagDays)
	}
	if cfg.MaxLookbackDays != MaxLookbackDays {
		t.Errorf("expected lookback cap %d, got %d", MaxLookbackDays, cfg.MaxLookbackDays)
	}
	if cfg.Logging.Level != logger.LevelInfo {
		t.Errorf("expected info logging, got %s", cfg.Logging.Level)
	}
}

func TestLoadConfig_FromEnv(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("POLL_INTERVAL", "15s")
	t.Setenv("DATA_LAG_DAYS", "3")
	t.Setenv("SEGMENT_WORKERS", "8")
	t.Setenv("AUTO_PAUSE_ON_FAILURE", "false")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.PollInterval != 15*time.Second {
		t.Errorf("poll interval mismatch: %v", cfg.PollInterval)
	}
	if cfg.DataLagDays != 3 {
		t.Errorf("data lag mismatch: %d", cfg.DataLagDays)
	}
	if cfg.SegmentWorkers != 8 {
		t.Errorf("segment workers mismatch: %d", cfg.SegmentWorkers)
	}
	if cfg.AutoPauseOnFailure {
		t.Error("expected auto pause disabled")
	}
	if cfg.Logging.Level != logger.LevelDebug {
		t.Errorf("expected debug level, got %s", cfg.Logging.Level)
	}
}

func TestLoadConfig_DotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("DUE_BUFFER=90s\nMETRICS_PORT=\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() {
		os.Unsetenv("DUE_BUFFER")
		os.Unsetenv("METRICS_PORT")
	})

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.DueBuffer != 90*time.Second {
		t.Errorf("expected .env value, got %v", cfg.DueBuffer)
	}
	if cfg.MetricsPort != "" {
		t.Errorf("expected metrics disabled, got %q", cfg.MetricsPort)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"lookback over cap", "MAX_LOOKBACK_DAYS", "366"},
		{"zero workers", "SEGMENT_WORKERS", "0"},
		{"negative lag", "DATA_LAG_DAYS", "-1"},
		{"zero threshold", "FAILURE_THRESHOLD", "0"},
		{"bad log level", "LOG_LEVEL", "loud"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chdir(t, t.TempDir())
			t.Setenv(tt.key, tt.value)
			if _, err := LoadConfig(); err == nil {
				t.Errorf("expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}

// chdir changes the working directory for the duration of the test,
// restoring it on cleanup (equivalent of testing.T.Chdir in Go 1.24+).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir %s: %v", dir, err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatalf("restore working directory: %v", err)
		}
	})
}
