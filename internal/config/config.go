package config

import (
	"fmt"
	"strings"
	"time"
)

// Config holds all configuration options for hass-weight
type Config struct {
	// MQTT Configuration
	MQTTUrl           string `json:"mqtt_url"`           // MQTT URL (supports both WebSocket and standard MQTT)
	MQTTInsecure      bool   `json:"mqtt_insecure"`      // Skip TLS verification for mqtts:// and wss://
	ClientID          string `json:"client_id"`          // MQTT client id
	DiscoveryPrefix   string `json:"discovery_prefix"`   // Home Assistant discovery prefix
	StatestreamPrefix string `json:"statestream_prefix"` // base_topic of Home Assistant's mqtt_statestream
	BaseTopic         string `json:"base_topic"`         // Where our sensor states are retained

	// Home Assistant REST API (optional, used to list sensors during setup)
	HassURL      string `json:"hass_url"`
	HassToken    string `json:"hass_token"`
	HassInsecure bool   `json:"hass_insecure"`

	// Storage
	EntriesFile string `json:"entries_file"` // YAML file with config entries

	// Observability
	HTTPAddr string `json:"http_addr"` // health/metrics listener, empty disables it

	// Application Configuration
	Verbose       bool          `json:"verbose"`
	RestoreWindow time.Duration `json:"restore_window"` // how long to collect retained states at startup
	ScanWindow    time.Duration `json:"scan_window"`    // how long to scan the statestream for sensors
}

// GetDefaultConfig returns a configuration with sensible defaults
func GetDefaultConfig() *Config {
	return &Config{
		ClientID:          "hass-weight",
		DiscoveryPrefix:   "homeassistant",
		StatestreamPrefix: "homeassistant",
		BaseTopic:         "weight_classification",
		EntriesFile:       "entries.yaml",
		Verbose:           false,
		RestoreWindow:     DefaultRestoreWindow,
		ScanWindow:        DefaultScanWindow,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.EntriesFile == "" {
		return fmt.Errorf("entries file is required")
	}

	// MQTT validation - support both WebSocket and standard MQTT protocols
	if c.MQTTUrl != "" {
		if !strings.HasPrefix(c.MQTTUrl, "ws://") &&
			!strings.HasPrefix(c.MQTTUrl, "wss://") &&
			!strings.HasPrefix(c.MQTTUrl, "mqtt://") &&
			!strings.HasPrefix(c.MQTTUrl, "mqtts://") {
			return fmt.Errorf("MQTT URL must use supported protocol (ws://, wss://, mqtt://, or mqtts://)")
		}
		if c.ClientID == "" {
			return fmt.Errorf("MQTT client id is required")
		}
	}

	for name, topic := range map[string]string{
		"discovery prefix":   c.DiscoveryPrefix,
		"statestream prefix": c.StatestreamPrefix,
		"base topic":         c.BaseTopic,
	} {
		if topic == "" || strings.ContainsAny(topic, "+#") {
			return fmt.Errorf("%s must be a non-empty topic without wildcards", name)
		}
	}

	// Home Assistant REST validation
	if c.HassURL != "" && c.HassToken == "" {
		return fmt.Errorf("Home Assistant token is required when a URL is provided")
	}
	if c.HassURL != "" && !strings.HasPrefix(c.HassURL, "http://") && !strings.HasPrefix(c.HassURL, "https://") {
		return fmt.Errorf("Home Assistant URL must start with http:// or https://")
	}

	// Set defaults for invalid values
	if c.RestoreWindow <= 0 {
		c.RestoreWindow = DefaultRestoreWindow
	}
	if c.ScanWindow <= 0 {
		c.ScanWindow = DefaultScanWindow
	}

	return nil
}

// HasMQTT returns true if MQTT is configured
func (c *Config) HasMQTT() bool {
	return c.MQTTUrl != ""
}

// HasHassAPI returns true if the Home Assistant REST API is configured
func (c *Config) HasHassAPI() bool {
	return c.HassURL != "" && c.HassToken != ""
}
