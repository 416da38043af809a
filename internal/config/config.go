package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DBSource string `yaml:"-"`
	Port     string `yaml:"port"`
	Env      string `yaml:"env"`

	Ledger  LedgerConfig  `yaml:"ledger"`
	Outbox  OutboxConfig  `yaml:"outbox"`
	Workers WorkersConfig `yaml:"workers"`
	Guards  GuardsConfig  `yaml:"guards"`
}

type LedgerConfig struct {
	Enabled bool `yaml:"enabled"`
}

type OutboxConfig struct {
	Interval    time.Duration `yaml:"interval"`
	BatchSize   int           `yaml:"batchSize"`
	Concurrency int           `yaml:"concurrency"`
	MaxRetries  int           `yaml:"maxRetries"`
	BackoffBase time.Duration `yaml:"backoffBase"`
	BackoffCap  time.Duration `yaml:"backoffCap"`
	HTTPTimeout time.Duration `yaml:"httpTimeout"`
	Retention   time.Duration `yaml:"retention"`
}

type WorkersConfig struct {
	HoldGCInterval       time.Duration `yaml:"holdGcInterval"`
	TTLBurnInterval      time.Duration `yaml:"ttlBurnInterval"`
	MechanicBurnInterval time.Duration `yaml:"mechanicBurnInterval"`
	TTLReminderInterval  time.Duration `yaml:"ttlReminderInterval"`
	GCInterval           time.Duration `yaml:"gcInterval"`
	ReminderWarnDays     int           `yaml:"reminderWarnDays"`
}

type GuardsConfig struct {
	AntifraudEndpoint string        `yaml:"antifraudEndpoint"`
	AntifraudTimeout  time.Duration `yaml:"antifraudTimeout"`
}

// Load reads required settings from the environment, applies defaults, and
// optionally merges a YAML file named by CONFIG_FILE on top of the defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:   "8080",
		Env:    "development",
		Ledger: LedgerConfig{Enabled: true},
		Outbox: OutboxConfig{
			Interval:    15 * time.Second,
			BatchSize:   100,
			Concurrency: 3,
			MaxRetries:  10,
			BackoffBase: time.Minute,
			BackoffCap:  time.Hour,
			HTTPTimeout: 10 * time.Second,
			Retention:   7 * 24 * time.Hour,
		},
		Workers: WorkersConfig{
			HoldGCInterval:       30 * time.Second,
			TTLBurnInterval:      time.Hour,
			MechanicBurnInterval: time.Hour,
			TTLReminderInterval:  time.Hour,
			GCInterval:           time.Hour,
			ReminderWarnDays:     7,
		},
		Guards: GuardsConfig{
			AntifraudTimeout: 3 * time.Second,
		},
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.DBSource = os.Getenv("DB_SOURCE")
	if cfg.DBSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		cfg.Env = env
	}
	if ep := os.Getenv("ANTIFRAUD_ENDPOINT"); ep != "" {
		cfg.Guards.AntifraudEndpoint = ep
	}

	return cfg, nil
}
