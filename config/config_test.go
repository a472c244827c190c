package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadReturnsDefaultsOnEmptyEnvironment(t *testing.T) {
	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadReadsOverridesFromTheEnvironment(t *testing.T) {
	t.Setenv("TESTBENCH_POLL_INTERVAL", "25ms")
	t.Setenv("TESTBENCH_MAX_POLL_INTERVAL", "2s")
	t.Setenv("TESTBENCH_DRAIN_TIMEOUT", "1m")
	t.Setenv("TESTBENCH_BACKOFF_CEILING", "10s")
	t.Setenv("TESTBENCH_LEAK_POLICY", "fail")
	t.Setenv("TESTBENCH_SEED", "42")
	t.Setenv("TESTBENCH_MONITOR_PORT", "8181")
	t.Setenv("TESTBENCH_RECORDING_PATH", "runs/today")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 25*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 2*time.Second, cfg.MaxPollInterval)
	assert.Equal(t, time.Minute, cfg.DrainTimeout)
	assert.Equal(t, 10*time.Second, cfg.BackoffCeiling)
	assert.Equal(t, "fail", cfg.LeakPolicy)
	assert.Equal(t, int64(42), cfg.Seed)
	assert.Equal(t, 8181, cfg.MonitorPort)
	assert.Equal(t, "runs/today", cfg.RecordingPath)
}

func TestLoadRejectsMalformedDurations(t *testing.T) {
	t.Setenv("TESTBENCH_POLL_INTERVAL", "soon")

	_, err := Load()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "TESTBENCH_POLL_INTERVAL")
}

func TestLoadRejectsUnknownLeakPolicies(t *testing.T) {
	t.Setenv("TESTBENCH_LEAK_POLICY", "ignore")

	_, err := Load()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "TESTBENCH_LEAK_POLICY")
}

func TestLoadRejectsMalformedPortsAndSeeds(t *testing.T) {
	t.Setenv("TESTBENCH_MONITOR_PORT", "http")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("TESTBENCH_MONITOR_PORT", "")
	t.Setenv("TESTBENCH_SEED", "many")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TESTBENCH_SEED")
}
