// Package config loads harness settings from the environment. A .env file
// in the working directory is honored when present, matching how the
// enclosing test frameworks configure their runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the harness knobs that are not per-call parameters.
type Config struct {
	// PollInterval is the default virtual-time interval between condition
	// polls. Env: TESTBENCH_POLL_INTERVAL.
	PollInterval time.Duration

	// MaxPollInterval caps interval backoff during waits.
	// Env: TESTBENCH_MAX_POLL_INTERVAL.
	MaxPollInterval time.Duration

	// DrainTimeout bounds the cleanup drain at scope exit.
	// Env: TESTBENCH_DRAIN_TIMEOUT.
	DrainTimeout time.Duration

	// BackoffCeiling caps scenario retry backoff.
	// Env: TESTBENCH_BACKOFF_CEILING.
	BackoffCeiling time.Duration

	// LeakPolicy is either "report" or "fail". Env: TESTBENCH_LEAK_POLICY.
	LeakPolicy string

	// Seed fixes the scenario timer's random source. Env: TESTBENCH_SEED.
	Seed int64

	// MonitorPort is the port of the harness monitor server; zero picks a
	// random port. Env: TESTBENCH_MONITOR_PORT.
	MonitorPort int

	// RecordingPath is the base path of the run recording database; empty
	// disables recording. Env: TESTBENCH_RECORDING_PATH.
	RecordingPath string
}

// Default returns the configuration used when the environment sets nothing.
func Default() Config {
	return Config{
		PollInterval:    10 * time.Millisecond,
		MaxPollInterval: time.Second,
		DrainTimeout:    30 * time.Second,
		BackoffCeiling:  30 * time.Second,
		LeakPolicy:      "report",
		Seed:            1,
	}
}

// Load reads the configuration from the environment, after loading a .env
// file if one exists in the working directory.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config: loading .env: %w", err)
	}

	cfg := Default()

	var err error
	if cfg.PollInterval, err = durationEnv(
		"TESTBENCH_POLL_INTERVAL", cfg.PollInterval); err != nil {
		return Config{}, err
	}

	if cfg.MaxPollInterval, err = durationEnv(
		"TESTBENCH_MAX_POLL_INTERVAL", cfg.MaxPollInterval); err != nil {
		return Config{}, err
	}

	if cfg.DrainTimeout, err = durationEnv(
		"TESTBENCH_DRAIN_TIMEOUT", cfg.DrainTimeout); err != nil {
		return Config{}, err
	}

	if cfg.BackoffCeiling, err = durationEnv(
		"TESTBENCH_BACKOFF_CEILING", cfg.BackoffCeiling); err != nil {
		return Config{}, err
	}

	if policy := os.Getenv("TESTBENCH_LEAK_POLICY"); policy != "" {
		if policy != "report" && policy != "fail" {
			return Config{}, fmt.Errorf(
				"config: invalid TESTBENCH_LEAK_POLICY %q: must be report or fail",
				policy)
		}
		cfg.LeakPolicy = policy
	}

	if cfg.Seed, err = int64Env("TESTBENCH_SEED", cfg.Seed); err != nil {
		return Config{}, err
	}

	if port := os.Getenv("TESTBENCH_MONITOR_PORT"); port != "" {
		cfg.MonitorPort, err = strconv.Atoi(port)
		if err != nil {
			return Config{}, fmt.Errorf(
				"config: invalid TESTBENCH_MONITOR_PORT %q: %w", port, err)
		}
	}

	cfg.RecordingPath = os.Getenv("TESTBENCH_RECORDING_PATH")

	return cfg, nil
}

func durationEnv(name string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s %q: %w", name, raw, err)
	}

	return d, nil
}

func int64Env(name string, fallback int64) (int64, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}

	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s %q: %w", name, raw, err)
	}

	return v, nil
}
