// Package config handles ecowitt-bridge configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/ecowitt-bridge/internal/sensors"
	"github.com/nugget/ecowitt-bridge/internal/units"
)

// ErrInvalid is returned by [Config.Validate] for unusable settings.
var ErrInvalid = errors.New("invalid configuration")

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/ecowitt-bridge/config.yaml,
// /etc/ecowitt-bridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "ecowitt-bridge", "config.yaml"))
	}

	paths = append(paths, "/etc/ecowitt-bridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all bridge configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text or json
	DataDir   string `yaml:"data_dir"`

	MQTT         MQTTConfig         `yaml:"mqtt"`
	LAN          LANConfig          `yaml:"lan"`
	Units        UnitsConfig        `yaml:"units"`
	Availability AvailabilityConfig `yaml:"availability"`
	InfluxDB     InfluxDBConfig     `yaml:"influxdb"`

	// CustomSensors add or replace catalog entries.
	CustomSensors []sensors.CustomDefinition `yaml:"custom_sensors"`

	// CustomSensorsJSON is the same list as a JSON string, merged after
	// CustomSensors.
	CustomSensorsJSON string `yaml:"custom_sensors_json"`
}

// MQTTConfig defines the broker connection and topic layout.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // mqtt://, mqtts://, tcp:// or ssl://
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"client_id"`

	// InTopic is the subscription filter gateways upload to.
	InTopic string `yaml:"in_topic"`

	DiscoveryPrefix string `yaml:"discovery_prefix"`
	StatePrefix     string `yaml:"state_prefix"`

	// StateRetain controls the retain flag on state messages. Nil means
	// true.
	StateRetain *bool `yaml:"state_retain"`

	// MaxMessagesPerSec caps inbound uploads. Nil means 50; zero
	// disables the cap.
	MaxMessagesPerSec *int `yaml:"max_messages_per_sec"`
}

// DefaultMaxMessagesPerSec applies when max_messages_per_sec is unset.
const DefaultMaxMessagesPerSec = 50

// RetainState reports whether state messages are retained.
func (c MQTTConfig) RetainState() bool {
	return c.StateRetain == nil || *c.StateRetain
}

// MessageRateLimit returns the inbound cap per second, 0 when disabled.
func (c MQTTConfig) MessageRateLimit() int {
	if c.MaxMessagesPerSec == nil {
		return DefaultMaxMessagesPerSec
	}
	return *c.MaxMessagesPerSec
}

// LANConfig controls the optional gateway LAN API poller.
type LANConfig struct {
	UseLocalAPI   bool          `yaml:"use_local_api"`
	BaseURL       string        `yaml:"base_url"`
	Timeout       time.Duration `yaml:"lan_timeout"`
	MapRefreshSec int           `yaml:"map_refresh_sec"`
}

// UnitsConfig selects target units.
type UnitsConfig struct {
	System      string `yaml:"system"` // metric or imperial
	Temperature string `yaml:"temperature"`
	Wind        string `yaml:"wind"`
	Rain        string `yaml:"rain"`
	Pressure    string `yaml:"pressure"`
}

// AvailabilityConfig controls offline detection.
type AvailabilityConfig struct {
	OfflineAfterSec int `yaml:"offline_after_sec"`
}

// InfluxDBConfig enables the optional reading history sink.
type InfluxDBConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

// Load reads configuration from a YAML file, expands environment
// variables and applies defaults. It does not validate; call
// [Config.Validate].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}

	if c.MQTT.Broker == "" {
		c.MQTT.Broker = "mqtt://localhost:1883"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "ecowitt-bridge"
	}
	if c.MQTT.InTopic == "" {
		c.MQTT.InTopic = "ecowitt/#"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.StatePrefix == "" {
		c.MQTT.StatePrefix = "ecowitt_ha"
	}

	if c.LAN.Timeout <= 0 {
		c.LAN.Timeout = 5 * time.Second
	}
	if c.LAN.MapRefreshSec <= 0 {
		c.LAN.MapRefreshSec = 600
	}

	if c.Units.System == "" {
		c.Units.System = "metric"
	}
	if c.Availability.OfflineAfterSec <= 0 {
		c.Availability.OfflineAfterSec = 300
	}

	if c.InfluxDB.URL == "" {
		c.InfluxDB.URL = "http://localhost:8086"
	}
	if c.InfluxDB.Bucket == "" {
		c.InfluxDB.Bucket = "ecowitt"
	}
}

// Validate checks settings that would otherwise fail later at runtime.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		bad("log_level: %v", err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		bad("log_format %q (valid: text, json)", c.LogFormat)
	}

	if u, err := url.Parse(c.MQTT.Broker); err != nil || u.Host == "" {
		bad("mqtt.broker %q is not a broker URL", c.MQTT.Broker)
	} else {
		switch u.Scheme {
		case "mqtt", "mqtts", "tcp", "ssl", "ws", "wss":
		default:
			bad("mqtt.broker scheme %q", u.Scheme)
		}
	}
	if strings.TrimSpace(c.MQTT.InTopic) == "" {
		bad("mqtt.in_topic is empty")
	}
	for name, prefix := range map[string]string{
		"mqtt.discovery_prefix": c.MQTT.DiscoveryPrefix,
		"mqtt.state_prefix":     c.MQTT.StatePrefix,
	} {
		if strings.ContainsAny(prefix, "#+") {
			bad("%s %q contains a wildcard", name, prefix)
		}
	}
	if c.MQTT.MessageRateLimit() < 0 {
		bad("mqtt.max_messages_per_sec must not be negative")
	}

	if c.LAN.UseLocalAPI {
		if u, err := url.Parse(c.LAN.BaseURL); err != nil || u.Host == "" {
			bad("lan.base_url %q is not an http URL", c.LAN.BaseURL)
		}
	}

	if _, err := c.UnitSettings(); err != nil {
		bad("units: %v", err)
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.Org == "" || c.InfluxDB.Token == "") {
		bad("influxdb.org and influxdb.token are required when influxdb is enabled")
	}

	if _, err := c.Registry(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// UnitSettings builds conversion settings from the units section.
func (c *Config) UnitSettings() (units.Settings, error) {
	sys, err := units.ParseSystem(c.Units.System)
	if err != nil {
		return units.Settings{}, err
	}
	s := units.Settings{
		System: sys,
		Overrides: units.Overrides{
			Temperature: c.Units.Temperature,
			Wind:        c.Units.Wind,
			Rain:        c.Units.Rain,
			Pressure:    c.Units.Pressure,
		},
	}
	if err := s.Validate(); err != nil {
		return units.Settings{}, err
	}
	return s, nil
}

// CustomDefinitions merges custom_sensors with custom_sensors_json.
func (c *Config) CustomDefinitions() ([]sensors.CustomDefinition, error) {
	defs := append([]sensors.CustomDefinition{}, c.CustomSensors...)
	if strings.TrimSpace(c.CustomSensorsJSON) != "" {
		extra, err := sensors.ParseCustomJSON(c.CustomSensorsJSON)
		if err != nil {
			return nil, fmt.Errorf("custom_sensors_json: %w", err)
		}
		defs = append(defs, extra...)
	}
	return defs, nil
}

// Registry builds the merged sensor registry.
func (c *Config) Registry() (*sensors.Registry, error) {
	defs, err := c.CustomDefinitions()
	if err != nil {
		return nil, err
	}
	return sensors.NewRegistry(defs)
}

// MapRefresh returns the LAN refresh interval.
func (c *Config) MapRefresh() time.Duration {
	return time.Duration(c.LAN.MapRefreshSec) * time.Second
}

// OfflineAfter returns how long a gateway may stay silent.
func (c *Config) OfflineAfter() time.Duration {
	return time.Duration(c.Availability.OfflineAfterSec) * time.Second
}
