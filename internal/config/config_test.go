package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("/tmp/project")

	assert.Equal(t, "/tmp/project", cfg.ProjectRoot)
	assert.Equal(t, 3, cfg.Engine.MaxPatchesPerCycle)
	assert.True(t, cfg.Engine.AutoRollback)
	assert.Equal(t, 3600, cfg.Engine.CycleIntervalSeconds)
	assert.Equal(t, "python3", cfg.Runner.Interpreter)
	assert.Equal(t, 50, cfg.Runner.MaxFilesPerScan)
	assert.Contains(t, cfg.Runner.Exclusions, "/__pycache__/")
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir, "")
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.ProjectRoot)
	assert.Equal(t, 3, cfg.Engine.MaxPatchesPerCycle)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	yaml := `
engine:
  max_patches_per_cycle: 5
  auto_rollback: false
runner:
  interpreter: python3.12
  suite_timeout_seconds: 30
`
	path := filepath.Join(dir, "nexus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := Load(dir, path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Engine.MaxPatchesPerCycle)
	assert.False(t, cfg.Engine.AutoRollback)
	assert.Equal(t, "python3.12", cfg.Runner.Interpreter)
	assert.Equal(t, 30*time.Second, cfg.SuiteTimeout())
	// Untouched sections keep their defaults.
	assert.Equal(t, "data", cfg.Paths.DataDir)
	assert.Equal(t, 3600, cfg.Engine.CycleIntervalSeconds)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nexus.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine: [not a map"), 0644))

	_, err := Load(dir, path)
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	cfg := DefaultConfig("/srv/target")
	assert.Equal(t, "/srv/target/data", cfg.Resolve("data"))
	assert.Equal(t, "/abs/path", cfg.Resolve("/abs/path"))
}

func TestStorePaths(t *testing.T) {
	cfg := DefaultConfig("/srv/target")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"discovered", cfg.DiscoveredPath(), "/srv/target/data/improvements/discovered.json"},
		{"benchmarks", cfg.BenchmarkResultsPath(), "/srv/target/data/benchmarks/results.json"},
		{"patches", cfg.GeneratedPatchesPath(), "/srv/target/data/patches/generated.json"},
		{"apply history", cfg.ApplyHistoryPath(), "/srv/target/data/patches/apply_history.json"},
		{"archive", cfg.ArchivePath(), "/srv/target/wisdom/experiments/archive.json"},
		{"cycle history", cfg.CycleHistoryPath(), "/srv/target/data/self_improvement/history.json"},
		{"state", cfg.StatePath(), "/srv/target/data/state/self_improvement_state.json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, filepath.FromSlash(tt.want), tt.got)
		})
	}
}
