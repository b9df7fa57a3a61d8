// Package config holds the NEXUS self-improvement engine configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all engine configuration.
type Config struct {
	// Root of the project tree the engine improves.
	ProjectRoot string `yaml:"project_root"`

	// Cycle orchestration settings
	Engine EngineConfig `yaml:"engine"`

	// Filesystem layout
	Paths PathsConfig `yaml:"paths"`

	// Subprocess probe settings
	Runner RunnerConfig `yaml:"runner"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// EngineConfig configures the improvement cycle.
type EngineConfig struct {
	// Top-N opportunities considered per cycle.
	MaxPatchesPerCycle int `yaml:"max_patches_per_cycle"`

	// Roll back automatically when the post-write test gate fails.
	AutoRollback bool `yaml:"auto_rollback"`

	// Sleep between continuous cycles.
	CycleIntervalSeconds int `yaml:"cycle_interval_seconds"`

	// Backoff after a failed cycle in continuous mode.
	ErrorBackoffSeconds int `yaml:"error_backoff_seconds"`
}

// PathsConfig configures where state lives. All paths are resolved relative
// to ProjectRoot when not absolute.
type PathsConfig struct {
	DataDir           string `yaml:"data_dir"`            // core JSON stores
	WisdomDir         string `yaml:"wisdom_dir"`          // permanent archive
	LogsDir           string `yaml:"logs_dir"`            // external logs scanned for bugs
	EngineLogsDir     string `yaml:"engine_logs_dir"`     // this engine's own logs
	BackupsDir        string `yaml:"backups_dir"`         // pre-apply file backups
	MemoryDir         string `yaml:"memory_dir"`          // memory-store JSON samples
	LearningStatePath string `yaml:"learning_state_path"` // external learning-loop state blob
}

// RunnerConfig configures subprocess probes against the target tree.
type RunnerConfig struct {
	// Interpreter used for pytest, syntax validation and the import smoke test.
	Interpreter string `yaml:"interpreter"`

	// Top-level package for the import smoke test.
	Package string `yaml:"package"`

	SuiteTimeoutSeconds int `yaml:"suite_timeout_seconds"`
	QuickTimeoutSeconds int `yaml:"quick_timeout_seconds"`
	SmokeTimeoutSeconds int `yaml:"smoke_timeout_seconds"`

	// Path substrings excluded from tree scans.
	Exclusions []string `yaml:"exclusions"`

	// Per-sub-scan file cap to bound cost on large trees.
	MaxFilesPerScan int `yaml:"max_files_per_scan"`
}

// LoggingConfig configures the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the configuration used when no nexus.yaml exists.
func DefaultConfig(projectRoot string) *Config {
	return &Config{
		ProjectRoot: projectRoot,
		Engine: EngineConfig{
			MaxPatchesPerCycle:   3,
			AutoRollback:         true,
			CycleIntervalSeconds: 3600,
			ErrorBackoffSeconds:  60,
		},
		Paths: PathsConfig{
			DataDir:           "data",
			WisdomDir:         "wisdom",
			LogsDir:           "logs",
			EngineLogsDir:     filepath.Join("data", "logs"),
			BackupsDir:        filepath.Join("data", "backups"),
			MemoryDir:         filepath.Join("data", "memory"),
			LearningStatePath: filepath.Join("data", "state", "learning_state.json"),
		},
		Runner: RunnerConfig{
			Interpreter:         "python3",
			Package:             "nexus",
			SuiteTimeoutSeconds: 120,
			QuickTimeoutSeconds: 60,
			SmokeTimeoutSeconds: 30,
			Exclusions:          []string{"/research/", "/.venv/", "/__pycache__/"},
			MaxFilesPerScan:     50,
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads config from path, falling back to defaults for a missing file.
// Values absent from the file keep their defaults.
func Load(projectRoot, path string) (*Config, error) {
	cfg := DefaultConfig(projectRoot)
	if path == "" {
		path = filepath.Join(projectRoot, "nexus.yaml")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if cfg.ProjectRoot == "" {
		cfg.ProjectRoot = projectRoot
	}
	return cfg, nil
}

// Resolve turns a configured path into an absolute path under ProjectRoot.
func (c *Config) Resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.ProjectRoot, p)
}

// DiscoveredPath is the append-only opportunity store.
func (c *Config) DiscoveredPath() string {
	return filepath.Join(c.Resolve(c.Paths.DataDir), "improvements", "discovered.json")
}

// BenchmarkResultsPath is the rolling benchmark history.
func (c *Config) BenchmarkResultsPath() string {
	return filepath.Join(c.Resolve(c.Paths.DataDir), "benchmarks", "results.json")
}

// GeneratedPatchesPath is the generated-patch store.
func (c *Config) GeneratedPatchesPath() string {
	return filepath.Join(c.Resolve(c.Paths.DataDir), "patches", "generated.json")
}

// ApplyHistoryPath is the apply-attempt history.
func (c *Config) ApplyHistoryPath() string {
	return filepath.Join(c.Resolve(c.Paths.DataDir), "patches", "apply_history.json")
}

// ArchivePath is the permanent improvement ledger.
func (c *Config) ArchivePath() string {
	return filepath.Join(c.Resolve(c.Paths.WisdomDir), "experiments", "archive.json")
}

// CycleHistoryPath is the per-cycle result history.
func (c *Config) CycleHistoryPath() string {
	return filepath.Join(c.Resolve(c.Paths.DataDir), "self_improvement", "history.json")
}

// StatePath is the small engine state mirror.
func (c *Config) StatePath() string {
	return filepath.Join(c.Resolve(c.Paths.DataDir), "state", "self_improvement_state.json")
}

// SuiteTimeout returns the full-suite probe timeout.
func (c *Config) SuiteTimeout() time.Duration {
	return time.Duration(c.Runner.SuiteTimeoutSeconds) * time.Second
}

// QuickTimeout returns the fast test-gate timeout.
func (c *Config) QuickTimeout() time.Duration {
	return time.Duration(c.Runner.QuickTimeoutSeconds) * time.Second
}

// SmokeTimeout returns the import smoke-test timeout.
func (c *Config) SmokeTimeout() time.Duration {
	return time.Duration(c.Runner.SmokeTimeoutSeconds) * time.Second
}
