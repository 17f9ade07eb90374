// Package config loads scheduler configuration from struct defaults with
// SCHEDULER_-prefixed environment overrides layered on top.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"chainsharp/scheduler/internal/database"
)

const envPrefix = "SCHEDULER_"

type Config struct {
	LogLevel string          `koanf:"log_level"`
	Database database.Config `koanf:"database"`
	Polling  PollingConfig   `koanf:"polling"`
	Dispatch DispatchConfig  `koanf:"dispatch"`
	Retry    RetryConfig     `koanf:"retry"`
	Worker   WorkerConfig    `koanf:"worker"`
	Startup  StartupConfig   `koanf:"startup"`
	Cleanup  CleanupConfig   `koanf:"cleanup"`
}

// PollingConfig holds the tick intervals of the three polling services.
type PollingConfig struct {
	ManifestInterval time.Duration `koanf:"manifest_interval"`
	DispatchInterval time.Duration `koanf:"dispatch_interval"`
	CleanupInterval  time.Duration `koanf:"cleanup_interval"`
}

// DispatchConfig holds the work-queue admission policy knobs.
type DispatchConfig struct {
	GlobalCap      int `koanf:"global_cap"`
	DependentBoost int `koanf:"dependent_boost"`
	BatchSize      int `koanf:"batch_size"`
}

// RetryConfig parameterizes the failed-run backoff delay
// min(base * multiplier^retryCount, max_delay).
type RetryConfig struct {
	BaseDelay  time.Duration `koanf:"base_delay"`
	Multiplier float64       `koanf:"multiplier"`
	MaxDelay   time.Duration `koanf:"max_delay"`
}

// WorkerConfig holds the task-server worker pool settings. A zero Count
// means one worker per host CPU.
type WorkerConfig struct {
	Count             int           `koanf:"count"`
	PollInterval      time.Duration `koanf:"poll_interval"`
	VisibilityTimeout time.Duration `koanf:"visibility_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
}

type StartupConfig struct {
	RecoverStuckJobs bool `koanf:"recover_stuck_jobs"`
}

type CleanupConfig struct {
	Retention time.Duration `koanf:"retention"`
	// Workflows whose terminal metadata may be purged after the retention
	// window. Admin workflows are always purgeable and need not be listed.
	Workflows []string `koanf:"workflows"`
}

func Default() Config {
	return Config{
		LogLevel: "info",
		Database: database.NewDefaultConfig(),
		Polling: PollingConfig{
			ManifestInterval: 10 * time.Second,
			DispatchInterval: 5 * time.Second,
			CleanupInterval:  time.Hour,
		},
		Dispatch: DispatchConfig{
			GlobalCap:      50,
			DependentBoost: 5,
			BatchSize:      100,
		},
		Retry: RetryConfig{
			BaseDelay:  30 * time.Second,
			Multiplier: 2,
			MaxDelay:   30 * time.Minute,
		},
		Worker: WorkerConfig{
			Count:             0,
			PollInterval:      time.Second,
			VisibilityTimeout: 20 * time.Minute,
			ShutdownTimeout:   30 * time.Second,
		},
		Startup: StartupConfig{
			RecoverStuckJobs: true,
		},
		Cleanup: CleanupConfig{
			Retention: 7 * 24 * time.Hour,
		},
	}
}

// Load resolves the effective configuration: struct defaults first, then
// environment variables. Hierarchy in env keys uses a double underscore,
// e.g. SCHEDULER_DATABASE__MAX_CONNS maps to database.max_conns.
func Load() (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load config defaults: %w", err)
	}

	err := k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.TrimPrefix(key, envPrefix)
			key = strings.ToLower(key)
			key = strings.ReplaceAll(key, "__", ".")
			return key, value
		},
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("failed to load config environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}
