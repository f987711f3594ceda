package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration.
type Config struct {
	// PollInterval is the period of the connection-status republish
	// timer.
	PollInterval time.Duration `yaml:"poll_interval" default:"2s"`
	// LogLevel is a logrus level name (debug, info, warn, error).
	LogLevel string `yaml:"log_level" default:"warn"`
	// Adapter optionally pins a BlueZ adapter object path, e.g.
	// "/org/bluez/hci0". Empty means discover the first adapter.
	Adapter string `yaml:"adapter"`
}

// DefaultConfig returns default configuration values.
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// UnmarshalYAML decodes over the existing values, so absent keys keep
// their defaults and poll_interval accepts "2s" style strings.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		PollInterval string `yaml:"poll_interval"`
		LogLevel     string `yaml:"log_level"`
		Adapter      string `yaml:"adapter"`
	}
	var r raw
	if err := node.Decode(&r); err != nil {
		return err
	}
	if r.PollInterval != "" {
		d, err := time.ParseDuration(r.PollInterval)
		if err != nil {
			return fmt.Errorf("parse poll_interval: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("poll_interval must be positive, got %q", r.PollInterval)
		}
		c.PollInterval = d
	}
	if r.LogLevel != "" {
		c.LogLevel = r.LogLevel
	}
	if r.Adapter != "" {
		c.Adapter = r.Adapter
	}
	return nil
}

// Path returns the config file location, honoring XDG_CONFIG_HOME.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		dir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(dir, "blueswitch", "config.yaml")
}

// Load reads the config file at path, falling back to defaults when it
// does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// NewLogger creates a configured logger instance.
func (c *Config) NewLogger() *logrus.Logger {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.WarnLevel
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}
