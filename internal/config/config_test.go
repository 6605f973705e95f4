package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() should be valid: %v", err)
	}
}

func TestLoadAppliesOverridesOnTopOfDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coordinator.yaml")
	yaml := []byte("max_agents: 10\nweights:\n  w_prof: 0.9\n")
	if err := os.WriteFile(path, yaml, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxAgents != 10 {
		t.Errorf("MaxAgents = %d, want 10", cfg.MaxAgents)
	}
	if cfg.Weights.WProf != 0.9 {
		t.Errorf("Weights.WProf = %v, want 0.9", cfg.Weights.WProf)
	}
	if cfg.MaxRetries != Default().MaxRetries {
		t.Errorf("unset MaxRetries should keep the default, got %d", cfg.MaxRetries)
	}
}

func TestValidateRejectsBadWatermarks(t *testing.T) {
	cfg := Default()
	cfg.HighWatermark = 5
	cfg.LowWatermark = 5
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error when low_watermark == high_watermark")
	}
}

func TestValidateRejectsOutOfRangeThresholds(t *testing.T) {
	cfg := Default()
	cfg.Verification.StandardPassThreshold = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error for standard_pass_threshold > 1")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	if cfg.MaxTaskDuration().Milliseconds() != int64(cfg.MaxTaskDurationMs) {
		t.Errorf("MaxTaskDuration mismatch")
	}
	if cfg.ShutdownGrace().Milliseconds() != int64(cfg.ShutdownGraceMs) {
		t.Errorf("ShutdownGrace mismatch")
	}
}
