package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/franz/screen-recall/internal/util"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Dedup.Threshold != 5 {
		t.Errorf("dedup.threshold = %d, want 5", cfg.Dedup.Threshold)
	}
	if cfg.Encoder.ChunkDuration != 60*time.Second {
		t.Errorf("encoder.chunk_duration = %v, want 60s", cfg.Encoder.ChunkDuration)
	}
	if cfg.Encoder.AspectThreshold != 0.20 {
		t.Errorf("encoder.aspect_threshold = %v, want 0.20", cfg.Encoder.AspectThreshold)
	}
	if cfg.Encoder.FailureThreshold != 5 {
		t.Errorf("encoder.failure_threshold = %d, want 5", cfg.Encoder.FailureThreshold)
	}
	if cfg.Encoder.MaxDimension != 1920 {
		t.Errorf("encoder.max_dimension = %d, want 1920", cfg.Encoder.MaxDimension)
	}
	if cfg.Database.BusyTimeout != 5*time.Second {
		t.Errorf("database.busy_timeout = %v, want 5s", cfg.Database.BusyTimeout)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recall.yaml")
	content := `
data_root: /tmp/recall-test
user: alice
capture:
  interval: 3s
encoder:
  codec: hevc_videotoolbox
  chunk_duration: 2m
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("RECALL_DEDUP_THRESHOLD", "8")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.User != "alice" {
		t.Errorf("user = %q, want alice", cfg.User)
	}
	if cfg.Capture.Interval != 3*time.Second {
		t.Errorf("capture.interval = %v, want 3s", cfg.Capture.Interval)
	}
	if cfg.Encoder.Codec != "hevc_videotoolbox" {
		t.Errorf("encoder.codec = %q", cfg.Encoder.Codec)
	}
	if cfg.Encoder.ChunkDuration != 2*time.Minute {
		t.Errorf("encoder.chunk_duration = %v, want 2m", cfg.Encoder.ChunkDuration)
	}
	if cfg.Dedup.Threshold != 8 {
		t.Errorf("dedup.threshold = %d, want env override 8", cfg.Dedup.Threshold)
	}
	// Untouched keys keep defaults.
	if cfg.Encoder.MaxBufferedFrames != 300 {
		t.Errorf("encoder.max_buffered_frames = %d, want 300", cfg.Encoder.MaxBufferedFrames)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty root", func(c *Config) { c.DataRoot = "" }},
		{"user with slash", func(c *Config) { c.User = "../evil" }},
		{"zero interval", func(c *Config) { c.Capture.Interval = 0 }},
		{"threshold too large", func(c *Config) { c.Dedup.Threshold = 65 }},
		{"odd max dimension", func(c *Config) { c.Encoder.MaxDimension = 1 }},
		{"dotted extension", func(c *Config) { c.Encoder.Extension = ".mp4" }},
		{"no failure threshold", func(c *Config) { c.Encoder.FailureThreshold = 0 }},
		{"no backups", func(c *Config) { c.Database.MaxBackups = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, util.ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestEventLogDir(t *testing.T) {
	cfg := Default()
	cfg.DataRoot = "/data"
	if got := cfg.EventLogDir(); got != filepath.Join("/data", "events") {
		t.Errorf("EventLogDir() = %q", got)
	}
	cfg.Events.Dir = "/var/log/recall"
	if got := cfg.EventLogDir(); got != "/var/log/recall" {
		t.Errorf("EventLogDir() = %q", got)
	}
}
