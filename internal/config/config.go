// Package config loads and validates the kernel configuration file.
package config

import (
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// SchemaConstraint is the range of configuration schema versions this
// build understands. Files outside it are rejected rather than guessed at.
const SchemaConstraint = "^1.0.0"

// CurrentSchemaVersion is the schema version written by Default.
const CurrentSchemaVersion = "1.2.0"

// Memory configures the mathematical memory manager.
type Memory struct {
	// TotalPoolBytes is split evenly across the four standard pools.
	TotalPoolBytes uint64 `yaml:"total_pool_bytes"`

	GC GC `yaml:"gc"`
}

// GC configures the reference-tracked collector.
type GC struct {
	Enabled          bool   `yaml:"enabled"`
	ThresholdPercent uint32 `yaml:"threshold_percent"`
	PreserveProofs   bool   `yaml:"preserve_proofs"`
	PreserveContexts bool   `yaml:"preserve_contexts"`
}

// Scheduler configures the process scheduler's tunables.
type Scheduler struct {
	DefaultQuantumTicks  uint32 `yaml:"default_quantum_ticks"`
	MathQuantumTicks     uint32 `yaml:"mathematical_quantum_ticks"`
	RealTimeQuantumTicks uint32 `yaml:"real_time_quantum_ticks"`

	AdaptiveQuantum   bool `yaml:"adaptive_quantum"`
	MathPriorityBoost bool `yaml:"math_priority_boost"`
	DependencyAware   bool `yaml:"dependency_aware"`
}

// Telemetry configures the statistics endpoint and tracing.
type Telemetry struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddr    string `yaml:"listen_addr"`
	TraceToStdout bool   `yaml:"trace_to_stdout"`
}

// Logging configures log output.
type Logging struct {
	// Level is one of debug, info, warning, error.
	Level string `yaml:"level"`
}

// KernelConfig is the root configuration document.
type KernelConfig struct {
	SchemaVersion string    `yaml:"schema_version"`
	Memory        Memory    `yaml:"memory"`
	Scheduler     Scheduler `yaml:"scheduler"`
	Telemetry     Telemetry `yaml:"telemetry"`
	Logging       Logging   `yaml:"logging"`
}

// Default returns the built-in configuration.
func Default() *KernelConfig {
	return &KernelConfig{
		SchemaVersion: CurrentSchemaVersion,
		Memory: Memory{
			TotalPoolBytes: 64 << 20,
			GC: GC{
				Enabled:          true,
				ThresholdPercent: 80,
				PreserveProofs:   true,
				PreserveContexts: true,
			},
		},
		Scheduler: Scheduler{
			DefaultQuantumTicks:  10,
			MathQuantumTicks:     50,
			RealTimeQuantumTicks: 5,
			AdaptiveQuantum:      true,
			MathPriorityBoost:    true,
			DependencyAware:      true,
		},
		Telemetry: Telemetry{
			Enabled:    true,
			ListenAddr: "localhost:8443",
		},
		Logging: Logging{Level: "info"},
	}
}

// Parse decodes a configuration document, checks its schema version
// against SchemaConstraint, and validates the result.
func Parse(data []byte) (*KernelConfig, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	ver, err := semver.NewVersion(cfg.SchemaVersion)
	if err != nil {
		return nil, fmt.Errorf("config: schema version %q: %w", cfg.SchemaVersion, err)
	}
	constraint, err := semver.NewConstraint(SchemaConstraint)
	if err != nil {
		return nil, fmt.Errorf("config: constraint: %w", err)
	}
	if !constraint.Check(ver) {
		return nil, fmt.Errorf("config: schema version %s outside supported range %s",
			cfg.SchemaVersion, SchemaConstraint)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and parses the configuration file at path.
func Load(path string) (*KernelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Validate rejects values the kernel cannot run with.
func (c *KernelConfig) Validate() error {
	if c.Memory.TotalPoolBytes == 0 {
		return fmt.Errorf("config: memory.total_pool_bytes must be positive")
	}
	if c.Memory.GC.ThresholdPercent > 100 {
		return fmt.Errorf("config: memory.gc.threshold_percent %d exceeds 100",
			c.Memory.GC.ThresholdPercent)
	}
	if c.Scheduler.DefaultQuantumTicks == 0 ||
		c.Scheduler.MathQuantumTicks == 0 ||
		c.Scheduler.RealTimeQuantumTicks == 0 {
		return fmt.Errorf("config: scheduler quanta must be positive")
	}
	switch c.Logging.Level {
	case "debug", "info", "warning", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Logging.Level)
	}
	if c.Telemetry.Enabled && c.Telemetry.ListenAddr == "" {
		return fmt.Errorf("config: telemetry enabled without listen_addr")
	}
	return nil
}
