// Package config provides configuration management for the circulator.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// RunnerConfig is one entry of the runners list: everything the serve
// command needs to build a circulator.BundleSpec for a single runner.
type RunnerConfig struct {
	// Name identifies the runner; it is also the RunnerName every record
	// enqueued for it carries.
	Name string `mapstructure:"name" validate:"required"`
	// Subscription is the inbound source's topic/subscription identifier.
	Subscription string `mapstructure:"subscription" validate:"required"`
	// Target is the sink-facing destination identifier (table, bucket
	// prefix, Redis key prefix, depending on SinkType).
	Target string `mapstructure:"target" validate:"required"`

	// TransformType selects the TransformEngine: "identity" or
	// "drop_every".
	TransformType string `mapstructure:"transform_type" validate:"required,oneof=identity drop_every"`
	// DropEveryN is only consulted when TransformType is "drop_every".
	DropEveryN int `mapstructure:"drop_every_n"`

	// SinkType selects the Sink: "redis", "s3" or "recorder" (in-memory,
	// for local/dev use).
	SinkType string `mapstructure:"sink_type" validate:"required,oneof=redis s3 recorder"`

	// RedisAddr is the "host:port" the redis sink dials. Required when
	// SinkType is "redis"; the list key is "<Target>:<runner name>".
	RedisAddr string `mapstructure:"redis_addr"`

	// S3Bucket and S3Region parameterize the s3 sink's client; Target is
	// used as the object key prefix. Required when SinkType is "s3".
	S3Bucket string `mapstructure:"s3_bucket"`
	S3Region string `mapstructure:"s3_region"`

	EventQueueCapacity    int `mapstructure:"event_queue_capacity"`
	TargetQueueCapacity   int `mapstructure:"target_queue_capacity"`
	ExecutorWorkers       int `mapstructure:"executor_workers"`
	ExecutorQueueCapacity int `mapstructure:"executor_queue_capacity"`
}

// EstimatorConfig carries the TCP-Reno-inspired bounds (spec.md §4.4, §6).
type EstimatorConfig struct {
	CwndMin         int `mapstructure:"cwnd_min"`
	CwndMax         int `mapstructure:"cwnd_max"`
	InitialCwnd     int `mapstructure:"initial_cwnd"`
	InitialSsthresh int `mapstructure:"initial_ssthresh"`
}

// OffsetConfig selects and parameterizes the OffsetManager backend.
type OffsetConfig struct {
	// Backend is "memory", "sqlite" or "postgres".
	Backend    string `mapstructure:"backend" validate:"required,oneof=memory sqlite postgres"`
	SQLitePath string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// ErrorHandlerConfig selects and parameterizes the ErrorHandler backend.
type ErrorHandlerConfig struct {
	// Backend is "drop" or "mysql_dlq".
	Backend  string `mapstructure:"backend" validate:"required,oneof=drop mysql_dlq"`
	MySQLDSN string `mapstructure:"mysql_dsn"`
}

// AdminServerConfig is the supplemental observability/control surface
// (SPEC_FULL.md DOMAIN STACK): a read-only HTTP server exposing the runner
// list and metrics snapshots, rate-limited against abusive clients.
type AdminServerConfig struct {
	Addr              string  `mapstructure:"addr"`
	RateLimitPerSec   float64 `mapstructure:"rate_limit_per_sec"`
	RateLimitBurst    int     `mapstructure:"rate_limit_burst"`
}

// Config is the top-level application configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	Runners   []RunnerConfig   `mapstructure:"runners" validate:"dive"`
	Estimator EstimatorConfig  `mapstructure:"estimator"`
	Offset    OffsetConfig     `mapstructure:"offset"`
	Errors    ErrorHandlerConfig `mapstructure:"errors"`
	Admin     AdminServerConfig  `mapstructure:"admin"`

	TargetQueueOfferTimeout time.Duration `mapstructure:"target_queue_offer_timeout"`
	WorkerShutdownTimeout   time.Duration `mapstructure:"worker_shutdown_timeout"`
	WorkerEmptyWait         time.Duration `mapstructure:"worker_empty_wait"`

	// FanoutWorkers/FanoutQueueCapacity size the transform stage's shared
	// fan-out executor (spec.md §4.2 step 5), independent of any single
	// runner's own per-runner push executor.
	FanoutWorkers       int `mapstructure:"fanout_workers"`
	FanoutQueueCapacity int `mapstructure:"fanout_queue_capacity"`
}

// DefaultConfig returns the configuration used when no file or environment
// override is present: a single in-memory demo runner wired end to end.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Runners: []RunnerConfig{
			{
				Name:                  "demo",
				Subscription:          "demo-inbound",
				Target:                "demo-outbound",
				TransformType:         "identity",
				SinkType:              "recorder",
				EventQueueCapacity:    1000,
				TargetQueueCapacity:   1000,
				ExecutorWorkers:       4,
				ExecutorQueueCapacity: 64,
			},
		},
		Estimator: EstimatorConfig{
			CwndMin:         1,
			CwndMax:         1024,
			InitialCwnd:     1,
			InitialSsthresh: 64,
		},
		Offset: OffsetConfig{
			Backend:    "sqlite",
			SQLitePath: "./circulator-offsets.db",
		},
		Errors: ErrorHandlerConfig{Backend: "drop"},
		Admin: AdminServerConfig{
			Addr:            ":8090",
			RateLimitPerSec: 5,
			RateLimitBurst:  10,
		},
		TargetQueueOfferTimeout: 2 * time.Second,
		WorkerShutdownTimeout:   5 * time.Second,
		WorkerEmptyWait:         time.Second,
		FanoutWorkers:           8,
		FanoutQueueCapacity:     256,
	}
}

// Load reads configuration from path (if non-empty), environment variables
// prefixed CIRCULATOR_, then falls back to DefaultConfig values for
// anything unset. The result is validated before being returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("circulator")
		v.AddConfigPath(".")
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".circulator"))
		}
	}

	v.SetEnvPrefix("CIRCULATOR")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	for _, r := range cfg.Runners {
		if r.TransformType == "drop_every" && r.DropEveryN < 1 {
			return fmt.Errorf("invalid configuration: runner %q: drop_every_n must be >= 1", r.Name)
		}
	}
	if cfg.Offset.Backend == "sqlite" && cfg.Offset.SQLitePath == "" {
		return fmt.Errorf("invalid configuration: offset.sqlite_path is required for the sqlite backend")
	}
	if cfg.Offset.Backend == "postgres" && cfg.Offset.PostgresDSN == "" {
		return fmt.Errorf("invalid configuration: offset.postgres_dsn is required for the postgres backend")
	}
	if cfg.Errors.Backend == "mysql_dlq" && cfg.Errors.MySQLDSN == "" {
		return fmt.Errorf("invalid configuration: errors.mysql_dsn is required for the mysql_dlq backend")
	}
	if cfg.Estimator.CwndMin > cfg.Estimator.CwndMax {
		return fmt.Errorf("invalid configuration: estimator.cwnd_min (%d) must be <= estimator.cwnd_max (%d)",
			cfg.Estimator.CwndMin, cfg.Estimator.CwndMax)
	}
	for _, r := range cfg.Runners {
		if r.SinkType == "redis" && r.RedisAddr == "" {
			return fmt.Errorf("invalid configuration: runner %q: redis_addr is required for sink_type redis", r.Name)
		}
		if r.SinkType == "s3" && r.S3Bucket == "" {
			return fmt.Errorf("invalid configuration: runner %q: s3_bucket is required for sink_type s3", r.Name)
		}
	}
	return nil
}
