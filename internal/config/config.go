// Package config handles Valet configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/valet/config.yaml, /etc/valet/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "valet", "config.yaml"))
	}

	paths = append(paths, "/etc/valet/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
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

// Config holds all Valet configuration.
type Config struct {
	Listen       ListenConfig       `yaml:"listen"`
	User         UserConfig         `yaml:"user"`
	LLM          LLMConfig          `yaml:"llm"`
	SMTP         SMTPConfig         `yaml:"smtp"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	Weather      WeatherConfig      `yaml:"weather"`
	Calendar     CalendarConfig     `yaml:"calendar"`
	Confirmation ConfirmationConfig `yaml:"confirmation"`
	RateLimits   map[string]int     `yaml:"rate_limits"` // integration name -> calls per minute
	DataDir      string             `yaml:"data_dir"`
	LogLevel     string             `yaml:"log_level"`
}

// ListenConfig defines the WebSocket server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// UserConfig identifies the single user this instance serves.
type UserConfig struct {
	ID       string `yaml:"id"`
	Timezone string `yaml:"timezone"` // IANA name, e.g. America/New_York
	Email    string `yaml:"email"`    // Reminder delivery address
}

// LLMConfig defines the OpenAI-compatible chat completion endpoint.
type LLMConfig struct {
	BaseURL    string `yaml:"base_url"` // Empty = api.openai.com
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	TimeoutSec int    `yaml:"timeout_sec"` // Per-request deadline (default 60)
}

// SMTPConfig defines outbound email delivery settings.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	StartTLS bool   `yaml:"starttls"` // true = port 587 style, false = implicit TLS
}

// Enabled reports whether email delivery is configured.
func (c SMTPConfig) Enabled() bool {
	return c.Host != "" && c.From != ""
}

// MQTTConfig defines the optional MQTT notification channel.
type MQTTConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Broker     string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	DeviceName string `yaml:"device_name"` // Topic segment (default "valet")
}

// WeatherConfig defines the weather integration.
type WeatherConfig struct {
	BaseURL   string  `yaml:"base_url"` // Empty = api.open-meteo.com
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

// CalendarConfig defines the calendar OAuth proxy integration.
type CalendarConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// ConfirmationConfig tunes the tool-call confirmation handshake.
type ConfirmationConfig struct {
	TimeoutSec  int `yaml:"timeout_sec"`   // Default 60
	SweepEveryM int `yaml:"sweep_every_m"` // Stale-entry GC interval in minutes (default 5)
}

// Timeout returns the confirmation timeout as a duration.
func (c ConfirmationConfig) Timeout() time.Duration {
	if c.TimeoutSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.TimeoutSec) * time.Second
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if cfg.User.ID == "" {
		return nil, fmt.Errorf("user.id is required")
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		User: UserConfig{
			Timezone: "UTC",
		},
		LLM: LLMConfig{
			Model:      "gpt-4o-mini",
			TimeoutSec: 60,
		},
		MQTT: MQTTConfig{
			DeviceName: "valet",
		},
		Confirmation: ConfirmationConfig{
			TimeoutSec:  60,
			SweepEveryM: 5,
		},
		RateLimits: map[string]int{
			"weather":  10,
			"email":    10,
			"calendar": 10,
		},
		DataDir: "data",
	}
}

// Location resolves the configured user timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.User.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
