// Package config provides configuration management for the stratum CLI.
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "stratum.yaml"

// Config represents the stratum CLI configuration.
type Config struct {
	// Version of the config file format
	Version string `yaml:"version"`

	// Service name used in logs and metrics
	Service string `yaml:"service"`

	// Database configuration
	Database DatabaseConfig `yaml:"database"`

	// Projector configuration
	Projector ProjectorConfig `yaml:"projector"`

	// Relay configuration
	Relay RelayConfig `yaml:"relay"`
}

// DatabaseConfig contains storage settings.
type DatabaseConfig struct {
	// Driver is the storage driver (postgres, memory)
	Driver string `yaml:"driver"`

	// URL is the database connection string
	URL string `yaml:"url,omitempty"`

	// Schema is the database schema to use
	Schema string `yaml:"schema"`
}

// ProjectorConfig contains projection runner settings.
type ProjectorConfig struct {
	// PollInterval between live polls
	PollInterval time.Duration `yaml:"poll_interval"`

	// BackoffBase is the initial retry delay after an apply failure
	BackoffBase time.Duration `yaml:"backoff_base"`
}

// RelayConfig contains event relay settings.
type RelayConfig struct {
	// Name is the relay's checkpoint consumer name
	Name string `yaml:"name"`

	// Brokers are the Kafka broker addresses
	Brokers []string `yaml:"brokers"`

	// Topic routes all events to one topic when set
	Topic string `yaml:"topic,omitempty"`

	// TopicPrefix for per-aggregate-type topics
	TopicPrefix string `yaml:"topic_prefix,omitempty"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Version: "1",
		Service: "stratum",
		Database: DatabaseConfig{
			Driver: "postgres",
			Schema: "stratum",
		},
		Projector: ProjectorConfig{
			PollInterval: 500 * time.Millisecond,
			BackoffBase:  100 * time.Millisecond,
		},
		Relay: RelayConfig{
			Name:    "relay",
			Brokers: []string{"localhost:9092"},
		},
	}
}

// Load loads configuration from the specified directory.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the configuration to the specified directory.
func (c *Config) Save(dir string) error {
	return c.SaveFile(filepath.Join(dir, ConfigFileName))
}

// SaveFile writes the configuration to a specific file path.
func (c *Config) SaveFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Exists checks if a config file exists in the directory.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ConfigFileName))
	return err == nil
}

// Validate returns a list of problems with the configuration.
func (c *Config) Validate() []string {
	var problems []string

	if c.Service == "" {
		problems = append(problems, "service is required")
	}

	switch c.Database.Driver {
	case "":
		problems = append(problems, "database.driver is required")
	case "postgres":
		if c.Database.URL == "" {
			problems = append(problems, "database.url is required for the postgres driver")
		}
	case "memory":
	default:
		problems = append(problems, "database.driver must be 'postgres' or 'memory'")
	}

	if c.Relay.Topic != "" && c.Relay.TopicPrefix != "" {
		problems = append(problems, "relay.topic and relay.topic_prefix are mutually exclusive")
	}

	return problems
}
