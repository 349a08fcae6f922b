package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_HasSaneOutOfBoxValues(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Registry.LivenessThreshold())
	assert.Equal(t, 10000, cfg.Queue.Capacity)
	assert.Equal(t, 3, cfg.Scheduler.MaxAttempts)
	assert.True(t, cfg.Scheduler.PrefixAffinity.Enabled)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.CancelGrace())
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.DefaultJobTimeout())
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_OverlaysYAMLOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gridllm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
rateLimit:
  enabled: true
  limitPerMinute: 120
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 120.0, cfg.RateLimit.LimitPerMinute)
	// Unspecified sections still carry their defaults.
	assert.Equal(t, 10000, cfg.Queue.Capacity)
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_MalformedYAMLReturnsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestRegistryConfig_LivenessThresholdDefaultsWhenUnset(t *testing.T) {
	var rc RegistryConfig
	assert.Equal(t, 30*time.Second, rc.LivenessThreshold())
}

func TestSchedulerConfig_CancelGraceDefaultsWhenUnset(t *testing.T) {
	var sc SchedulerConfig
	assert.Equal(t, 2*time.Second, sc.CancelGrace())
}

func TestSchedulerConfig_DefaultJobTimeoutDefaultsWhenUnset(t *testing.T) {
	var sc SchedulerConfig
	assert.Equal(t, 5*time.Minute, sc.DefaultJobTimeout())
}

func TestSchedulerConfig_ExplicitValuesOverrideDefaults(t *testing.T) {
	sc := SchedulerConfig{CancelGraceSeconds: 10, DefaultJobTimeoutSeconds: 60}
	assert.Equal(t, 10*time.Second, sc.CancelGrace())
	assert.Equal(t, time.Minute, sc.DefaultJobTimeout())
}
