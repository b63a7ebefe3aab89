// Package config loads ioirex settings: built-in defaults, then an optional
// YAML file, then environment variables (optionally from a .env file).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "IOIREX_"

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Loop     LoopConfig     `yaml:"loop"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Matching MatchingConfig `yaml:"matching"`
	Routing  RoutingConfig  `yaml:"routing"`
	// SeedFile is an optional YAML fixture of orders and IOIs published at start-up.
	SeedFile string `yaml:"seed_file"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

type LoopConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type MetricsConfig struct {
	// Addr serves /metrics; empty disables the endpoint.
	Addr string `yaml:"addr"`
}

type MatchingConfig struct {
	InstrumentType   string `yaml:"instrument_type"`
	AssetClass       string `yaml:"asset_class"`
	MatchTicker      bool   `yaml:"match_ticker"`
	RebuildPurged    bool   `yaml:"rebuild_purged"`
	TrackOrderStates bool   `yaml:"track_order_states"`
}

type RoutingConfig struct {
	// Async hands route requests to a worker pool instead of routing inline.
	Async     bool          `yaml:"async"`
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		Log:     LogConfig{Level: "info", Format: "console"},
		Loop:    LoopConfig{PollInterval: time.Second},
		Metrics: MetricsConfig{Addr: ":9108"},
		Matching: MatchingConfig{
			InstrumentType:   "stock",
			AssetClass:       "Equity",
			RebuildPurged:    true,
			TrackOrderStates: true,
		},
		Routing: RoutingConfig{Async: true, Workers: 2, QueueSize: 256, Timeout: 5 * time.Second},
	}
}

// Load builds the configuration. path may be empty; envFile is loaded if it
// exists and never overrides variables already set in the environment.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	if c.Loop.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("loop.poll_interval must be positive"))
	}
	if c.Matching.InstrumentType == "" {
		errs = append(errs, fmt.Errorf("matching.instrument_type is required"))
	}
	if c.Matching.AssetClass == "" {
		errs = append(errs, fmt.Errorf("matching.asset_class is required"))
	}
	if c.Routing.Workers < 1 {
		errs = append(errs, fmt.Errorf("routing.workers must be at least 1"))
	}
	if c.Routing.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("routing.queue_size must be at least 1"))
	}
	return errors.Join(errs...)
}

func applyEnv(c *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			i, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = i
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	duration("POLL_INTERVAL", &c.Loop.PollInterval)
	str("METRICS_ADDR", &c.Metrics.Addr)
	str("INSTRUMENT_TYPE", &c.Matching.InstrumentType)
	str("ASSET_CLASS", &c.Matching.AssetClass)
	boolean("MATCH_TICKER", &c.Matching.MatchTicker)
	boolean("REBUILD_PURGED", &c.Matching.RebuildPurged)
	boolean("TRACK_ORDER_STATES", &c.Matching.TrackOrderStates)
	boolean("ROUTING_ASYNC", &c.Routing.Async)
	integer("ROUTING_WORKERS", &c.Routing.Workers)
	integer("ROUTING_QUEUE_SIZE", &c.Routing.QueueSize)
	duration("ROUTING_TIMEOUT", &c.Routing.Timeout)
	str("SEED_FILE", &c.SeedFile)
	return errors.Join(errs...)
}
