// Package config loads connector configuration from the environment
// and an optional YAML file.
package config

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// minInterval is the floor for the polling interval. The Tronity API
// rate-limits aggressively below this.
const minInterval = 60 * time.Second

// Config holds all configuration for tronity-connect.
type Config struct {
	// Tronity application credentials.
	ClientID     string `env:"TRONITY_CLIENT_ID"`
	ClientSecret string `env:"TRONITY_CLIENT_SECRET"`

	// Interval between successful fetch cycles. Minimum 60s.
	Interval time.Duration `env:"TRONITY_INTERVAL" envDefault:"180s"`

	// RequestTimeout bounds a single API round trip.
	RequestTimeout time.Duration `env:"TRONITY_REQUEST_TIMEOUT" envDefault:"180s"`

	// StatePath is the bbolt database holding tokens and session
	// cache. Defaults to ~/.tronity-connect/state.db when empty.
	StatePath string `env:"TRONITY_STATE_PATH"`

	// ConfigFile points to an optional YAML file supplying defaults
	// for values not set in the environment.
	ConfigFile string `env:"TRONITY_CONFIG"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// fileConfig mirrors the YAML config file shape. Durations are given
// as strings like "120s".
type fileConfig struct {
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	Interval       string `yaml:"interval"`
	RequestTimeout string `yaml:"request_timeout"`
	StatePath      string `yaml:"state_path"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. It holds the client secret, so group
// or world readable files risk exposing it to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables. It first
// attempts to load a .env file if present, then parses env vars, then
// merges the optional YAML file as defaults for anything still unset.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.ConfigFile != "" {
		if err := cfg.mergeFile(cfg.ConfigFile); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// mergeFile fills unset fields from a YAML config file. Environment
// variables take precedence.
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if c.ClientID == "" {
		c.ClientID = fc.ClientID
	}

	if c.ClientSecret == "" {
		c.ClientSecret = fc.ClientSecret
	}

	if fc.Interval != "" && !envSet("TRONITY_INTERVAL") {
		d, err := time.ParseDuration(fc.Interval)
		if err != nil {
			return fmt.Errorf("parsing interval in %s: %w", path, err)
		}

		c.Interval = d
	}

	if fc.RequestTimeout != "" && !envSet("TRONITY_REQUEST_TIMEOUT") {
		d, err := time.ParseDuration(fc.RequestTimeout)
		if err != nil {
			return fmt.Errorf("parsing request_timeout in %s: %w", path, err)
		}

		c.RequestTimeout = d
	}

	if c.StatePath == "" {
		c.StatePath = fc.StatePath
	}

	return nil
}

func envSet(key string) bool {
	v, ok := os.LookupEnv(key)

	return ok && v != ""
}

func (c *Config) validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("TRONITY_CLIENT_ID is required")
	}

	if c.ClientSecret == "" {
		return fmt.Errorf("TRONITY_CLIENT_SECRET is required")
	}

	if c.Interval < minInterval {
		return fmt.Errorf("TRONITY_INTERVAL must be at least %s", minInterval)
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("TRONITY_REQUEST_TIMEOUT must be positive")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
