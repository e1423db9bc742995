package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *PoolConfig)
		wantErr bool
	}{
		{name: "defaults", mutate: func(c *PoolConfig) {}},
		{name: "min bounds", mutate: func(c *PoolConfig) {
			c.MaxWorkers = 1
			c.MaxMemoryPerWorkerMB = 128
			c.TaskTimeoutMs = 30_000
		}},
		{name: "max bounds", mutate: func(c *PoolConfig) {
			c.MaxWorkers = 16
			c.MaxMemoryPerWorkerMB = 2048
			c.TaskTimeoutMs = 1_800_000
		}},
		{name: "zero workers", mutate: func(c *PoolConfig) { c.MaxWorkers = 0 }, wantErr: true},
		{name: "too many workers", mutate: func(c *PoolConfig) { c.MaxWorkers = 17 }, wantErr: true},
		{name: "memory too low", mutate: func(c *PoolConfig) { c.MaxMemoryPerWorkerMB = 64 }, wantErr: true},
		{name: "memory too high", mutate: func(c *PoolConfig) { c.MaxMemoryPerWorkerMB = 4096 }, wantErr: true},
		{name: "timeout too short", mutate: func(c *PoolConfig) { c.TaskTimeoutMs = 1000 }, wantErr: true},
		{name: "timeout too long", mutate: func(c *PoolConfig) { c.TaskTimeoutMs = 1_800_001 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultPoolConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidConfiguration)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestPoolConfig_TaskTimeout(t *testing.T) {
	cfg := PoolConfig{TaskTimeoutMs: 45_000}
	assert.Equal(t, 45*time.Second, cfg.TaskTimeout())
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultPoolConfig(), cfg.Pool)
	assert.Equal(t, 5*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, "command", cfg.Executor.Mode)
	assert.Equal(t, "trainpool", cfg.NATS.SubjectPrefix)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	err := os.WriteFile(path, []byte(`
pool:
  enabled: false
  max_workers: 8
  max_memory_per_worker_mb: 1024
  task_timeout_ms: 60000
executor:
  mode: container
  image: trainer:latest
`), 0o644)
	require.NoError(t, err)

	t.Setenv("TRAINPOOL_POOL_MAX_WORKERS", "2")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.False(t, cfg.Pool.Enabled)
	assert.Equal(t, 2, cfg.Pool.MaxWorkers)
	assert.Equal(t, 1024, cfg.Pool.MaxMemoryPerWorkerMB)
	assert.Equal(t, 60_000, cfg.Pool.TaskTimeoutMs)
	assert.Equal(t, "container", cfg.Executor.Mode)
	assert.Equal(t, "trainer:latest", cfg.Executor.Image)
}

func TestLoad_RejectsOutOfRange(t *testing.T) {
	t.Setenv("TRAINPOOL_POOL_MAX_WORKERS", "32")

	_, err := Load("")
	require.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
