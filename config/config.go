// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package config provides configuration management for the eWeLink bridge.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Logging       LoggingConfig       `yaml:"logging"`
	Discovery     DiscoveryConfig     `yaml:"discovery"`
	LAN           LANConfig           `yaml:"lan"`
	Devices       []DeviceConfig      `yaml:"devices" validate:"dive"`
	HomeKit       HomeKitConfig       `yaml:"homekit"`
	Storage       StorageConfig       `yaml:"storage"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	Cloud         CloudConfig         `yaml:"cloud"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn warning error fatal panic"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

// DiscoveryConfig holds mDNS discovery settings
type DiscoveryConfig struct {
	ServiceType string        `yaml:"service_type" validate:"required"`
	Domain      string        `yaml:"domain" validate:"required"`
	Interval    time.Duration `yaml:"interval" validate:"min=1s,max=1h"`
	ScanWindow  time.Duration `yaml:"scan_window" validate:"min=1s"`
	Expiry      time.Duration `yaml:"expiry" validate:"min=1s"`
}

// LANConfig holds local device API settings
type LANConfig struct {
	Timeout time.Duration `yaml:"timeout" validate:"min=100ms,max=1m"`
}

// DeviceConfig is one entry of the static device table. The key is the
// device key shown in the eWeLink app; it is required for encrypted devices.
type DeviceConfig struct {
	ID   string `yaml:"id" validate:"required,max=64"`
	Key  string `yaml:"key"`
	Name string `yaml:"name" validate:"max=64"`
}

// HomeKitConfig holds HAP server settings
type HomeKitConfig struct {
	Name         string        `yaml:"name" validate:"required,max=64"`
	Pin          string        `yaml:"pin" validate:"len=8,numeric"`
	Port         string        `yaml:"port" validate:"omitempty,numeric"`
	StoragePath  string        `yaml:"storage_path" validate:"required"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Debounce     time.Duration `yaml:"debounce" validate:"min=0"`
}

// StorageConfig holds device context persistence settings
type StorageConfig struct {
	Directory string        `yaml:"directory" validate:"required"`
	MaxAge    time.Duration `yaml:"max_age" validate:"min=1h"`
}

// InfluxDBConfig holds the optional state history settings
type InfluxDBConfig struct {
	Enabled          bool          `yaml:"enabled"`
	URL              string        `yaml:"url" validate:"required_if=Enabled true,omitempty,url"`
	Token            string        `yaml:"token" validate:"required_if=Enabled true"`
	Organization     string        `yaml:"organization" validate:"required_if=Enabled true"`
	Bucket           string        `yaml:"bucket" validate:"required_if=Enabled true"`
	BufferSize       int           `yaml:"buffer_size" validate:"min=1,max=100000"`
	FailureThreshold uint32        `yaml:"failure_threshold" validate:"min=1"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" validate:"min=1s"`
}

// CloudConfig holds eWeLink cloud account settings used by the cloud
// commands.
type CloudConfig struct {
	Region      string        `yaml:"region" validate:"omitempty,alpha,max=8"`
	Email       string        `yaml:"email" validate:"omitempty,email"`
	PhoneNumber string        `yaml:"phone_number" validate:"omitempty,e164"`
	Password    string        `yaml:"password"`
	AppID       string        `yaml:"app_id"`
	AppSecret   string        `yaml:"app_secret"`
	IMEI        string        `yaml:"imei"`
	Timeout     time.Duration `yaml:"timeout" validate:"min=1s,max=5m"`
}

// NotificationsConfig holds operator alert settings
type NotificationsConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url" validate:"omitempty,url"`
}

// deviceKeyEnvPrefix names per-device key overrides, e.g.
// EWELINK_DEVICE_KEY_1000ABCDEF.
const deviceKeyEnvPrefix = "EWELINK_DEVICE_KEY_"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// LoadEnvFiles loads .env style files into the environment. Missing files are
// skipped; variables already set are kept.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", p, err)
		}
	}
	return nil
}

// Load reads configuration from a YAML file and applies environment variable overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides and defaults
	cfg.applyEnvironmentOverrides()
	cfg.setDefaults()

	// Validate configuration
	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to the configuration
func (c *Config) applyEnvironmentOverrides() {
	overrides := map[string]*string{
		"LOG_LEVEL":          &c.Logging.Level,
		"LOG_FORMAT":         &c.Logging.Format,
		"INFLUXDB_URL":       &c.InfluxDB.URL,
		"INFLUXDB_TOKEN":     &c.InfluxDB.Token,
		"INFLUXDB_ORG":       &c.InfluxDB.Organization,
		"INFLUXDB_BUCKET":    &c.InfluxDB.Bucket,
		"HOMEKIT_PIN":        &c.HomeKit.Pin,
		"HOMEKIT_PORT":       &c.HomeKit.Port,
		"EWELINK_REGION":     &c.Cloud.Region,
		"EWELINK_EMAIL":      &c.Cloud.Email,
		"EWELINK_PHONE":      &c.Cloud.PhoneNumber,
		"EWELINK_PASSWORD":   &c.Cloud.Password,
		"EWELINK_APP_ID":     &c.Cloud.AppID,
		"EWELINK_APP_SECRET": &c.Cloud.AppSecret,
		"SLACK_WEBHOOK_URL":  &c.Notifications.SlackWebhookURL,
	}
	for env, field := range overrides {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}

	if v := os.Getenv("INFLUXDB_ENABLED"); v != "" {
		c.InfluxDB.Enabled = v == "true" || v == "1"
	}
	if interval := os.Getenv("DISCOVERY_INTERVAL"); interval != "" {
		duration, parseErr := time.ParseDuration(interval)
		if parseErr == nil {
			c.Discovery.Interval = duration
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Failed to parse DISCOVERY_INTERVAL '%s': %v\n", interval, parseErr)
		}
	}

	for i := range c.Devices {
		if key := os.Getenv(deviceKeyEnvPrefix + strings.ToUpper(c.Devices[i].ID)); key != "" {
			c.Devices[i].Key = key
		}
	}
}

// setDefaults sets default values for configuration fields if not provided
func (c *Config) setDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Discovery.ServiceType == "" {
		c.Discovery.ServiceType = "_ewelink._tcp"
	}
	if c.Discovery.Domain == "" {
		c.Discovery.Domain = "local."
	}
	if c.Discovery.Interval == 0 {
		c.Discovery.Interval = 10 * time.Second
	}
	if c.Discovery.ScanWindow == 0 {
		c.Discovery.ScanWindow = 5 * time.Second
	}
	if c.Discovery.Expiry == 0 {
		c.Discovery.Expiry = 5 * time.Minute
	}
	if c.LAN.Timeout == 0 {
		c.LAN.Timeout = 5 * time.Second
	}
	if c.HomeKit.Name == "" {
		c.HomeKit.Name = "eWeLink Bridge"
	}
	if c.HomeKit.Pin == "" {
		c.HomeKit.Pin = "03145154"
	}
	if c.HomeKit.StoragePath == "" {
		c.HomeKit.StoragePath = "./data/homekit"
	}
	if c.HomeKit.InitialDelay == 0 {
		c.HomeKit.InitialDelay = c.Discovery.ScanWindow
	}
	if c.HomeKit.Debounce == 0 {
		c.HomeKit.Debounce = 2 * time.Second
	}
	if c.Storage.Directory == "" {
		c.Storage.Directory = "./data/devices"
	}
	if c.Storage.MaxAge == 0 {
		c.Storage.MaxAge = 30 * 24 * time.Hour
	}
	if c.InfluxDB.BufferSize == 0 {
		c.InfluxDB.BufferSize = 256
	}
	if c.InfluxDB.FailureThreshold == 0 {
		c.InfluxDB.FailureThreshold = 5
	}
	if c.InfluxDB.ResetTimeout == 0 {
		c.InfluxDB.ResetTimeout = 30 * time.Second
	}
	if c.Cloud.Region == "" {
		c.Cloud.Region = "us"
	}
	if c.Cloud.Timeout == 0 {
		c.Cloud.Timeout = 10 * time.Second
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatFieldErrors(err)
	}

	if validateErr := c.validateDiscovery(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateDevices(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateInfluxDB(); validateErr != nil {
		return validateErr
	}

	return nil
}

// formatFieldErrors turns validator errors into yaml-path messages
func formatFieldErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		path := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", path, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", path, fe.Tag()))
		}
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

// validateDiscovery checks the relation between the discovery timings
func (c *Config) validateDiscovery() error {
	if c.Discovery.ScanWindow > c.Discovery.Interval {
		return fmt.Errorf("discovery.scan_window must not exceed discovery.interval")
	}
	if c.Discovery.Expiry <= c.Discovery.Interval {
		return fmt.Errorf("discovery.expiry must be greater than discovery.interval, or devices expire between scans")
	}
	return nil
}

// validateDevices rejects duplicate device entries
func (c *Config) validateDevices() error {
	seen := make(map[string]bool, len(c.Devices))
	for _, d := range c.Devices {
		id := strings.ToLower(d.ID)
		if seen[id] {
			return fmt.Errorf("devices: duplicate entry for %s", d.ID)
		}
		seen[id] = true
	}
	return nil
}

// validateInfluxDB validates the InfluxDB configuration
func (c *Config) validateInfluxDB() error {
	if !c.InfluxDB.Enabled {
		return nil
	}

	// Validate URL format and security
	parsedURL, parseErr := url.Parse(c.InfluxDB.URL)
	if parseErr != nil {
		return fmt.Errorf("influxdb.url is not a valid URL: %w", parseErr)
	}

	// Check for HTTPS in production-like URLs (not localhost/127.0.0.1)
	if securityErr := validateURLSecurity(parsedURL); securityErr != nil {
		return securityErr
	}

	// Validate token format (basic check for minimum length)
	if len(c.InfluxDB.Token) < 8 {
		return fmt.Errorf("influxdb.token must be at least 8 characters long")
	}

	return nil
}

// validateURLSecurity checks if the URL uses HTTPS for non-local connections
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
		return fmt.Errorf("influxdb.url must use HTTPS for non-local connections (got %s). Using HTTP transmits credentials in plaintext and is a security risk", parsedURL.Scheme)
	}

	return nil
}

// Device returns the static entry for a device id.
func (c *Config) Device(id string) (DeviceConfig, bool) {
	for _, d := range c.Devices {
		if strings.EqualFold(d.ID, id) {
			return d, true
		}
	}
	return DeviceConfig{}, false
}

// HasCloudCredentials reports whether a cloud login can be attempted.
func (c *Config) HasCloudCredentials() bool {
	return (c.Cloud.Email != "" || c.Cloud.PhoneNumber != "") && c.Cloud.Password != ""
}
