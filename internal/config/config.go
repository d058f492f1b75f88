// Package config handles loading and validation of the monitor
// configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/pvgrid/go-speedwire/internal/protocol"
)

// Config holds the complete monitor configuration.
type Config struct {
	Inverter InverterConfig `mapstructure:"inverter"`
	Poll     PollConfig     `mapstructure:"poll"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	API      APIConfig      `mapstructure:"api"`
	PVOutput PVOutputConfig `mapstructure:"pvoutput"`
	HA       HAConfig       `mapstructure:"homeassistant"`
	LogLevel string         `mapstructure:"loglevel"`
}

// InverterConfig addresses the target device and its credentials.
type InverterConfig struct {
	// Address is the inverter IP. Empty means discover at startup and
	// take the first responder.
	Address          string        `mapstructure:"address"`
	Password         string        `mapstructure:"password"`
	UserGroup        string        `mapstructure:"usergroup"`
	Port             int           `mapstructure:"port"`
	Timeout          time.Duration `mapstructure:"timeout"`
	Retries          int           `mapstructure:"retries"`
	DiscoveryTimeout time.Duration `mapstructure:"discoverytimeout"`
}

// PollConfig controls the monitoring loop.
type PollConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	// Archive enables a daily-archive read alongside the spot polling.
	Archive bool `mapstructure:"archive"`
}

// MQTTConfig holds the publisher settings.
type MQTTConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"clientid"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// APIConfig holds the HTTP status endpoint settings.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// PVOutputConfig holds the PVOutput.org upload settings.
type PVOutputConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	APIKey             string `mapstructure:"apikey"`
	SystemID           string `mapstructure:"systemid"`
	UpdateLimitMinutes int    `mapstructure:"updatelimit"`
	UseInverterTemp    bool   `mapstructure:"useinvertertemp"`
}

// HAConfig holds the Home Assistant MQTT discovery settings.
type HAConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	DiscoveryPrefix string `mapstructure:"discoveryprefix"`
	RetainDiscovery bool   `mapstructure:"retaindiscovery"`
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	return &Config{
		Inverter: InverterConfig{
			Address:          "",
			Password:         "0000",
			UserGroup:        "user",
			Port:             protocol.DefaultPort,
			Timeout:          5 * time.Second,
			Retries:          protocol.MaxRetry,
			DiscoveryTimeout: 3 * time.Second,
		},
		Poll: PollConfig{
			Interval: 30 * time.Second,
			Archive:  false,
		},
		MQTT: MQTTConfig{
			Enabled:  false,
			Host:     "localhost",
			Port:     1883,
			Topic:    "speedwire/inverter",
			ClientID: "go-speedwire",
		},
		API: APIConfig{
			Enabled: false,
			Host:    "0.0.0.0",
			Port:    8080,
		},
		PVOutput: PVOutputConfig{
			Enabled:            false,
			UpdateLimitMinutes: 5,
			UseInverterTemp:    false,
		},
		HA: HAConfig{
			Enabled:         false,
			DiscoveryPrefix: "homeassistant",
			RetainDiscovery: true,
		},
		LogLevel: "info",
	}
}

// Load reads the configuration from the given file (optional) and the
// environment, layered over the defaults. Environment variables use the
// SPEEDWIRE_ prefix with underscores for nesting, e.g.
// SPEEDWIRE_INVERTER_PASSWORD.
func Load(path string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("inverter.address", defaults.Inverter.Address)
	v.SetDefault("inverter.password", defaults.Inverter.Password)
	v.SetDefault("inverter.usergroup", defaults.Inverter.UserGroup)
	v.SetDefault("inverter.port", defaults.Inverter.Port)
	v.SetDefault("inverter.timeout", defaults.Inverter.Timeout)
	v.SetDefault("inverter.retries", defaults.Inverter.Retries)
	v.SetDefault("inverter.discoverytimeout", defaults.Inverter.DiscoveryTimeout)
	v.SetDefault("poll.interval", defaults.Poll.Interval)
	v.SetDefault("poll.archive", defaults.Poll.Archive)
	v.SetDefault("mqtt.enabled", defaults.MQTT.Enabled)
	v.SetDefault("mqtt.host", defaults.MQTT.Host)
	v.SetDefault("mqtt.port", defaults.MQTT.Port)
	v.SetDefault("mqtt.topic", defaults.MQTT.Topic)
	v.SetDefault("mqtt.clientid", defaults.MQTT.ClientID)
	v.SetDefault("mqtt.username", defaults.MQTT.Username)
	v.SetDefault("mqtt.password", defaults.MQTT.Password)
	v.SetDefault("api.enabled", defaults.API.Enabled)
	v.SetDefault("api.host", defaults.API.Host)
	v.SetDefault("api.port", defaults.API.Port)
	v.SetDefault("pvoutput.enabled", defaults.PVOutput.Enabled)
	v.SetDefault("pvoutput.apikey", defaults.PVOutput.APIKey)
	v.SetDefault("pvoutput.systemid", defaults.PVOutput.SystemID)
	v.SetDefault("pvoutput.updatelimit", defaults.PVOutput.UpdateLimitMinutes)
	v.SetDefault("pvoutput.useinvertertemp", defaults.PVOutput.UseInverterTemp)
	v.SetDefault("homeassistant.enabled", defaults.HA.Enabled)
	v.SetDefault("homeassistant.discoveryprefix", defaults.HA.DiscoveryPrefix)
	v.SetDefault("homeassistant.retaindiscovery", defaults.HA.RetainDiscovery)
	v.SetDefault("loglevel", defaults.LogLevel)

	v.SetEnvPrefix("SPEEDWIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the loaded values for consistency.
func (c *Config) Validate() error {
	if _, err := c.UserGroupValue(); err != nil {
		return err
	}
	if c.Inverter.Port <= 0 || c.Inverter.Port > 65535 {
		return fmt.Errorf("invalid inverter port %d", c.Inverter.Port)
	}
	if c.Inverter.Retries < 1 {
		return fmt.Errorf("inverter retries must be at least 1, got %d", c.Inverter.Retries)
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.Poll.Interval)
	}
	if c.PVOutput.Enabled {
		if c.PVOutput.APIKey == "" || c.PVOutput.SystemID == "" {
			return fmt.Errorf("pvoutput requires apikey and systemid")
		}
		if c.PVOutput.UpdateLimitMinutes < 1 {
			return fmt.Errorf("pvoutput updatelimit must be at least 1 minute, got %d", c.PVOutput.UpdateLimitMinutes)
		}
	}
	return nil
}

// UserGroupValue maps the configured user group name to its protocol value.
func (c *Config) UserGroupValue() (uint32, error) {
	switch strings.ToLower(c.Inverter.UserGroup) {
	case "user", "":
		return protocol.UserGroupUser, nil
	case "installer":
		return protocol.UserGroupInstaller, nil
	default:
		return 0, fmt.Errorf("unknown user group %q (want user or installer)", c.Inverter.UserGroup)
	}
}

// Print logs the effective configuration with credentials masked.
func (c *Config) Print() {
	log.Info().
		Str("inverter_address", c.Inverter.Address).
		Str("usergroup", c.Inverter.UserGroup).
		Int("port", c.Inverter.Port).
		Dur("timeout", c.Inverter.Timeout).
		Int("retries", c.Inverter.Retries).
		Dur("poll_interval", c.Poll.Interval).
		Bool("archive", c.Poll.Archive).
		Bool("mqtt_enabled", c.MQTT.Enabled).
		Bool("api_enabled", c.API.Enabled).
		Bool("pvoutput_enabled", c.PVOutput.Enabled).
		Bool("ha_enabled", c.HA.Enabled).
		Str("loglevel", c.LogLevel).
		Msg("Configuration loaded")
}
