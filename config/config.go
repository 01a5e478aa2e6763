/*
Package config loads the process configuration of the engine server.

PURPOSE:
  Everything that is not a compensation plan: listen address, stores,
  logging, closing schedule. Plans are versioned separately (see
  plan/loader.go) because ledger entries must name the plan they were
  computed with; process settings carry no such history.

FILE FORMAT (YAML):
  listen: ":8080"
  environment: production
  ledger_db: ./data/sigma.db
  plan_file: ./plans/sigma-2025.2.yaml
  network:
    driver: postgres            # memory | sqlite | postgres
    dsn: postgres://sigma@db/network
    matrix_width: 6
    max_depth: 8
  closing:
    enabled: true
    interval: 1h
    concurrency: 8
    timeout: 10m
  log:
    file: ./logs/sigma.log
    max_size_mb: 100

  Every field is optional; applyDefaults fills the gaps and validate
  rejects combinations the server cannot start with.
*/
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Network drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	ListenAddress string        `yaml:"listen"`
	Environment   string        `yaml:"environment"`
	LedgerDB      string        `yaml:"ledger_db"`
	PlanFile      string        `yaml:"plan_file"`
	SeedDemo      bool          `yaml:"seed_demo"`
	Network       NetworkConfig `yaml:"network"`
	Closing       ClosingConfig `yaml:"closing"`
	Log           LogConfig     `yaml:"log"`
	HTTP          HTTPConfig    `yaml:"http"`
}

// NetworkConfig selects where members and placements are read from.
type NetworkConfig struct {
	Driver      string `yaml:"driver"`
	DSN         string `yaml:"dsn"`
	MatrixWidth int    `yaml:"matrix_width"`
	MaxDepth    int    `yaml:"max_depth"`
}

// ClosingConfig drives the background period closing.
type ClosingConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Interval    Duration `yaml:"interval"`
	Concurrency int      `yaml:"concurrency"`
	Timeout     Duration `yaml:"timeout"`
}

type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type HTTPConfig struct {
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	IdleTimeout     Duration `yaml:"idle_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	cfg := Config{}
	applyDefaults(&cfg)
	return cfg
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.LedgerDB == "" {
		cfg.LedgerDB = "sigma.db"
	}
	if cfg.Network.Driver == "" {
		cfg.Network.Driver = DriverMemory
	}
	if cfg.Network.MatrixWidth == 0 {
		cfg.Network.MatrixWidth = 6
	}
	if cfg.Network.MaxDepth == 0 {
		cfg.Network.MaxDepth = 8
	}
	if cfg.Closing.Interval.Duration == 0 {
		cfg.Closing.Interval.Duration = time.Hour
	}
	if cfg.Closing.Concurrency <= 0 {
		cfg.Closing.Concurrency = 8
	}
	if cfg.Closing.Timeout.Duration == 0 {
		cfg.Closing.Timeout.Duration = 10 * time.Minute
	}
	if cfg.Log.File != "" && cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.HTTP.ReadTimeout.Duration == 0 {
		cfg.HTTP.ReadTimeout.Duration = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout.Duration == 0 {
		cfg.HTTP.WriteTimeout.Duration = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout.Duration == 0 {
		cfg.HTTP.IdleTimeout.Duration = 60 * time.Second
	}
	if cfg.HTTP.ShutdownTimeout.Duration == 0 {
		cfg.HTTP.ShutdownTimeout.Duration = 30 * time.Second
	}
	if len(cfg.HTTP.AllowedOrigins) == 0 {
		cfg.HTTP.AllowedOrigins = []string{"*"}
	}
}

// Validate rejects settings the server cannot start with.
func (cfg Config) Validate() error {
	switch cfg.Network.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if strings.TrimSpace(cfg.Network.DSN) == "" {
			return fmt.Errorf("network.dsn must be configured for driver %q", cfg.Network.Driver)
		}
	default:
		return fmt.Errorf("network.driver %q is not one of memory, sqlite, postgres", cfg.Network.Driver)
	}
	if cfg.Network.MatrixWidth < 1 || cfg.Network.MaxDepth < 1 {
		return fmt.Errorf("network matrix shape %dx%d is invalid", cfg.Network.MatrixWidth, cfg.Network.MaxDepth)
	}
	if cfg.Closing.Interval.Duration < time.Second {
		return fmt.Errorf("closing.interval must be at least 1s")
	}
	if cfg.Closing.Timeout.Duration <= 0 {
		return fmt.Errorf("closing.timeout must be positive")
	}
	if strings.TrimSpace(cfg.LedgerDB) == "" {
		return fmt.Errorf("ledger_db must be configured")
	}
	return nil
}

// Production reports whether the server runs in a production environment.
func (cfg Config) Production() bool {
	return strings.EqualFold(cfg.Environment, "production")
}
