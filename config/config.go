// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package config provides configuration management for the beat-link client.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Config represents the application configuration.
type Config struct {
	Discovery     DiscoveryConfig     `yaml:"discovery"`
	DBServer      DBServerConfig      `yaml:"dbserver"`
	History       HistoryConfig       `yaml:"history"`
	Logging       LoggingConfig       `yaml:"logging"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Cache         CacheConfig         `yaml:"cache"`
}

// DiscoveryConfig holds device-presence discovery settings.
type DiscoveryConfig struct {
	MaxAge            time.Duration `yaml:"max_age" validate:"required"`
	ListenerQueueSize int           `yaml:"listener_queue_size" validate:"min=10"`
}

// DBServerConfig holds DBServer port-discovery and session settings.
type DBServerConfig struct {
	SocketTimeout time.Duration `yaml:"socket_timeout" validate:"required"`

	// SourceDeviceNumber is the device number the session manager presents
	// itself as when no external VirtualCdj is supplied. Any value 1-127 is
	// accepted; the default, 5, lies outside the real-CDJ range (1-4).
	SourceDeviceNumber int `yaml:"source_device_number" validate:"omitempty,min=1,max=127"`
}

// HistoryConfig holds presence/probe history persistence settings.
type HistoryConfig struct {
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
}

// InfluxDBConfig holds InfluxDB connection settings.
type InfluxDBConfig struct {
	URL          string `yaml:"url" validate:"required,url"`
	Token        string `yaml:"token" validate:"required,min=8"`
	Organization string `yaml:"organization" validate:"required"`
	Bucket       string `yaml:"bucket" validate:"required"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"required,oneof=debug info warn warning error fatal panic"`
}

// NotificationsConfig holds operational alerting settings.
type NotificationsConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url" validate:"omitempty,url"`
}

// CacheConfig holds local on-disk cache settings for history writes that
// could not reach InfluxDB.
type CacheConfig struct {
	Directory string        `yaml:"directory"`
	MaxSize   int64         `yaml:"max_size" validate:"omitempty,min=0"`
	MaxAge    time.Duration `yaml:"max_age"`
}

// Load reads configuration from a YAML file and applies environment
// variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to the configuration.
func (c *Config) applyEnvironmentOverrides() {
	if url := os.Getenv("INFLUXDB_URL"); url != "" {
		c.History.InfluxDB.URL = url
	}
	if token := os.Getenv("INFLUXDB_TOKEN"); token != "" {
		c.History.InfluxDB.Token = token
	}
	if org := os.Getenv("INFLUXDB_ORG"); org != "" {
		c.History.InfluxDB.Organization = org
	}
	if bucket := os.Getenv("INFLUXDB_BUCKET"); bucket != "" {
		c.History.InfluxDB.Bucket = bucket
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if webhook := os.Getenv("SLACK_WEBHOOK_URL"); webhook != "" {
		c.Notifications.SlackWebhookURL = webhook
	}
	if age := os.Getenv("BEATLINK_MAX_AGE"); age != "" {
		duration, parseErr := time.ParseDuration(age)
		if parseErr == nil {
			c.Discovery.MaxAge = duration
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Failed to parse BEATLINK_MAX_AGE '%s': %v\n", age, parseErr)
		}
	}
	if timeout := os.Getenv("BEATLINK_SOCKET_TIMEOUT"); timeout != "" {
		duration, parseErr := time.ParseDuration(timeout)
		if parseErr == nil {
			c.DBServer.SocketTimeout = duration
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Failed to parse BEATLINK_SOCKET_TIMEOUT '%s': %v\n", timeout, parseErr)
		}
	}
}

// setDefaults sets default values for configuration fields if not provided.
func (c *Config) setDefaults() {
	if c.Discovery.MaxAge == 0 {
		c.Discovery.MaxAge = 10 * time.Second
	}
	if c.Discovery.ListenerQueueSize == 0 {
		c.Discovery.ListenerQueueSize = 64
	}
	if c.DBServer.SocketTimeout == 0 {
		c.DBServer.SocketTimeout = 10 * time.Second
	}
	if c.DBServer.SourceDeviceNumber == 0 {
		c.DBServer.SourceDeviceNumber = 5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Cache.Directory == "" {
		c.Cache.Directory = "./cache"
	}
	if c.Cache.MaxAge == 0 {
		c.Cache.MaxAge = 24 * time.Hour
	}
}

// Validate checks whether the configuration is valid, combining
// struct-tag validation with business rules the tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w", err)
	}

	if err := c.validateInfluxDBSecurity(); err != nil {
		return err
	}
	if err := c.validateDiscovery(); err != nil {
		return err
	}
	if err := c.validateDBServer(); err != nil {
		return err
	}

	return nil
}

// validateInfluxDBSecurity enforces HTTPS for non-local InfluxDB endpoints,
// a constraint the "url" tag alone cannot express.
func (c *Config) validateInfluxDBSecurity() error {
	parsedURL, err := url.Parse(c.History.InfluxDB.URL)
	if err != nil {
		return fmt.Errorf("history.influxdb.url is not a valid URL: %w", err)
	}
	return validateURLSecurity(parsedURL)
}

// validateURLSecurity checks if the URL uses HTTPS for non-local connections.
func validateURLSecurity(parsedURL *url.URL) error {
	if parsedURL.Scheme != "http" {
		return nil
	}

	hostname := strings.ToLower(parsedURL.Hostname())
	isLocal := hostname == "localhost" ||
		hostname == "127.0.0.1" ||
		hostname == "::1" ||
		strings.HasPrefix(hostname, "192.168.") ||
		strings.HasPrefix(hostname, "10.") ||
		strings.HasPrefix(hostname, "172.")

	if !isLocal {
		return fmt.Errorf("history.influxdb.url must use HTTPS for non-local connections (got %s). Using HTTP transmits credentials in plaintext and is a security risk", parsedURL.Scheme)
	}
	return nil
}

// validateDiscovery bounds max_age to a sane range: struct tags check
// presence, not magnitude.
func (c *Config) validateDiscovery() error {
	if c.Discovery.MaxAge < time.Second {
		return fmt.Errorf("discovery.max_age must be at least 1 second")
	}
	if c.Discovery.MaxAge > time.Hour {
		return fmt.Errorf("discovery.max_age must not exceed 1 hour")
	}
	return nil
}

// validateDBServer bounds socket_timeout to a sane range.
func (c *Config) validateDBServer() error {
	if c.DBServer.SocketTimeout < time.Second {
		return fmt.Errorf("dbserver.socket_timeout must be at least 1 second")
	}
	if c.DBServer.SocketTimeout > 5*time.Minute {
		return fmt.Errorf("dbserver.socket_timeout must not exceed 5 minutes")
	}
	return nil
}
