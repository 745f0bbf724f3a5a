// Package config loads server configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "720h" parse.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// Config defines server configuration.
type Config struct {
	// HTTP configures the API and websocket server.
	HTTP HTTPConfig `yaml:"http"`

	// Database configures the sqlite data store.
	Database DatabaseConfig `yaml:"database"`

	// Registry is the path to the field classification registry file.
	Registry string `yaml:"registry"`

	// LogLevel is the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// Retention configures pruning of resolved conflicts and audit rows.
	Retention RetentionConfig `yaml:"retention"`
}

// HTTPConfig groups HTTP server settings.
type HTTPConfig struct {
	// Port the server listens on. Default: 8090.
	Port int `yaml:"port"`
}

// DatabaseConfig groups sqlite settings.
type DatabaseConfig struct {
	// DataDir is the directory holding the sqlite database file.
	// Default: ./data.
	DataDir string `yaml:"data_dir"`

	// MigrationsDir is the directory holding V*__*.up.sql files.
	// Default: ./migrations.
	MigrationsDir string `yaml:"migrations_dir"`
}

// RetentionConfig groups retention sweep settings.
type RetentionConfig struct {
	// MaxAge is how long resolved conflicts and change-log rows are kept.
	// Default: 720h (30 days). Pending conflicts are never pruned.
	MaxAge Duration `yaml:"max_age"`

	// SweepInterval is how often the sweeper runs. Default: 1h.
	// Zero disables the sweeper.
	SweepInterval Duration `yaml:"sweep_interval"`
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	return &Config{
		HTTP:     HTTPConfig{Port: 8090},
		Database: DatabaseConfig{DataDir: "./data", MigrationsDir: "./migrations"},
		Registry: "./registry.yaml",
		LogLevel: "info",
		Retention: RetentionConfig{
			MaxAge:        Duration(30 * 24 * time.Hour),
			SweepInterval: Duration(time.Hour),
		},
	}
}

// Load reads a YAML config file, applying defaults for absent fields.
// A missing file is not an error; defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid http port: %d", c.HTTP.Port)
	}
	if c.Database.DataDir == "" {
		return fmt.Errorf("database data_dir must not be empty")
	}
	if c.Retention.MaxAge < 0 {
		return fmt.Errorf("retention max_age must not be negative")
	}
	return nil
}
