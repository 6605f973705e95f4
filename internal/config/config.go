// Package config loads the coordinator's recognized options (spec §6) from
// YAML, the way internal/types.TeamsConfig is loaded from teams.yaml in the
// wider CLIAIMONITOR product.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Weights are the Matcher's scoring weights (spec §4.4).
type Weights struct {
	WProf   float64 `yaml:"w_prof"`
	WPerf   float64 `yaml:"w_perf"`
	WLoad   float64 `yaml:"w_load"`
	WEnergy float64 `yaml:"w_energy"`
}

// VerificationConfig holds the Verifier's pass thresholds (spec §4.6).
type VerificationConfig struct {
	StandardPassThreshold float64 `yaml:"standard_pass_threshold"`
	ThoroughPassThreshold float64 `yaml:"thorough_pass_threshold"`
	UniformTier           string  `yaml:"uniform_tier,omitempty"`
	QuorumVerify          bool    `yaml:"quorum_verify"`
}

// CoordinatorConfig is every recognized option enumerated in spec §6.
type CoordinatorConfig struct {
	MaxAgents             int                `yaml:"max_agents"`
	MaxConcurrentTasks    int                `yaml:"max_concurrent_tasks"`
	MaxRetries            int                `yaml:"max_retries"`
	MaxTaskDurationMs     int                `yaml:"max_task_duration_ms"`
	MaxPendingWaitMs      int                `yaml:"max_pending_wait_ms"`
	StarvationThresholdMs int                `yaml:"starvation_threshold_ms"`
	HighWatermark         int                `yaml:"high_watermark"`
	LowWatermark          int                `yaml:"low_watermark"`
	CriticalCPUPct        float64            `yaml:"critical_cpu_pct"`
	CriticalMemPct        float64            `yaml:"critical_mem_pct"`
	Verification          VerificationConfig `yaml:"verification"`
	Weights               Weights            `yaml:"weights"`
	ShutdownGraceMs       int                `yaml:"shutdown_grace_ms"`
	StaleThresholdMs      int                `yaml:"stale_threshold_ms"`
	ResultRetention       time.Duration      `yaml:"result_retention"`
}

// Default returns the defaults named in spec §6.
func Default() CoordinatorConfig {
	return CoordinatorConfig{
		MaxAgents:             100,
		MaxConcurrentTasks:    50,
		MaxRetries:            3,
		MaxTaskDurationMs:     300_000,
		MaxPendingWaitMs:      600_000,
		StarvationThresholdMs: 60_000,
		HighWatermark:         0, // 0 = backpressure disabled
		LowWatermark:          0,
		CriticalCPUPct:        90,
		CriticalMemPct:        95,
		Verification: VerificationConfig{
			StandardPassThreshold: 0.6,
			ThoroughPassThreshold: 0.75,
		},
		Weights: Weights{
			WProf:   0.5,
			WPerf:   0.3,
			WLoad:   0.15,
			WEnergy: 0.05,
		},
		ShutdownGraceMs:  10_000,
		StaleThresholdMs: 30_000,
		ResultRetention:  24 * time.Hour,
	}
}

// Load reads a CoordinatorConfig from a YAML file decoded on top of
// Default(), so any field the file does not set keeps its default (a field
// the file sets explicitly to zero stays zero). Unknown options are ignored, following teams.yaml's
// loose-decode convention.
func Load(path string) (CoordinatorConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return CoordinatorConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return CoordinatorConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return CoordinatorConfig{}, err
	}
	return cfg, nil
}

// Validate checks invariants spec §6 implies (positive caps, ordered
// watermarks, thresholds in range).
func (c CoordinatorConfig) Validate() error {
	if c.MaxAgents < 1 {
		return fmt.Errorf("max_agents must be at least 1")
	}
	if c.MaxConcurrentTasks < 1 {
		return fmt.Errorf("max_concurrent_tasks must be at least 1")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.HighWatermark > 0 && c.LowWatermark >= c.HighWatermark {
		return fmt.Errorf("low_watermark must be less than high_watermark")
	}
	if c.Verification.StandardPassThreshold < 0 || c.Verification.StandardPassThreshold > 1 {
		return fmt.Errorf("verification.standard_pass_threshold must be in [0,1]")
	}
	if c.Verification.ThoroughPassThreshold < 0 || c.Verification.ThoroughPassThreshold > 1 {
		return fmt.Errorf("verification.thorough_pass_threshold must be in [0,1]")
	}
	return nil
}

func (c CoordinatorConfig) MaxTaskDuration() time.Duration {
	return time.Duration(c.MaxTaskDurationMs) * time.Millisecond
}

func (c CoordinatorConfig) MaxPendingWait() time.Duration {
	return time.Duration(c.MaxPendingWaitMs) * time.Millisecond
}

func (c CoordinatorConfig) StarvationThreshold() time.Duration {
	return time.Duration(c.StarvationThresholdMs) * time.Millisecond
}

func (c CoordinatorConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMs) * time.Millisecond
}

func (c CoordinatorConfig) StaleThreshold() time.Duration {
	return time.Duration(c.StaleThresholdMs) * time.Millisecond
}
