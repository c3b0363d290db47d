// Package config handles Hearth configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPersonalityName is the profile used when a conversation has not
// chosen one, or its choice no longer resolves.
const DefaultPersonalityName = "DefaultPersonality"

// DefaultSearchPaths returns the config file search order used when no
// explicit -config path is given.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "hearth", "config.yaml"))
	}

	paths = append(paths, "/etc/hearth/config.yaml")
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

// Config holds all Hearth configuration.
type Config struct {
	Backend            BackendConfig       `yaml:"backend"`
	Personalities      []PersonalityConfig `yaml:"personalities"`
	PersonalitiesFile  string              `yaml:"personalities_file"`
	DefaultPersonality string              `yaml:"default_personality"`
	AllowedSenders     []string            `yaml:"allowed_senders"`
	Signal             SignalConfig        `yaml:"signal"`
	Scheduler          SchedulerConfig     `yaml:"scheduler"`
	Listen             ListenConfig        `yaml:"listen"`
	MQTT               MQTTConfig          `yaml:"mqtt"`
	DataDir            string              `yaml:"data_dir"`
	LogLevel           string              `yaml:"log_level"`
	LogFormat          string              `yaml:"log_format"`
}

// BackendConfig holds credentials and metadata for the generation backend.
// The endpoint URL itself lives on each personality.
type BackendConfig struct {
	APIKey     string `yaml:"api_key"`
	SiteURL    string `yaml:"site_url"` // sent as HTTP-Referer
	AppName    string `yaml:"app_name"` // sent as X-Title
	TimeoutSec int    `yaml:"timeout_sec"`
}

// Timeout returns the per-call backend timeout.
func (c BackendConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// PersonalityConfig is one entry of the personality profile table.
type PersonalityConfig struct {
	Name        string  `yaml:"name"`
	Prompt      string  `yaml:"prompt"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	Endpoint    string  `yaml:"endpoint"`
}

// SignalConfig describes how to launch signal-cli in JSON-RPC mode.
type SignalConfig struct {
	Command string   `yaml:"command"` // default: signal-cli
	Account string   `yaml:"account"` // phone number registered with signal-cli
	Args    []string `yaml:"args"`    // overrides the derived argument list
}

// Configured reports whether a Signal account is set.
func (c SignalConfig) Configured() bool {
	return c.Account != ""
}

// CommandArgs returns the signal-cli argument list.
func (c SignalConfig) CommandArgs() []string {
	if len(c.Args) > 0 {
		return c.Args
	}
	return []string{"-a", c.Account, "jsonRpc"}
}

// SchedulerConfig holds reminder and idle-greeting timings, in seconds.
type SchedulerConfig struct {
	ReminderIntervalSec    int `yaml:"reminder_interval_sec"`
	GreetingCheckSec       int `yaml:"greeting_check_sec"`
	GreetingIdleSec        int `yaml:"greeting_idle_sec"`
	GreetingCooldownMinSec int `yaml:"greeting_cooldown_min_sec"`
	GreetingCooldownMaxSec int `yaml:"greeting_cooldown_max_sec"`
}

// ListenConfig defines the status API server. Port 0 disables it.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// MQTTConfig defines the optional MQTT status publisher.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // e.g. mqtt://homeassistant.local:1883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether an MQTT broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file, expands environment
// variables, merges an external personalities file, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if cfg.PersonalitiesFile != "" {
		pf := cfg.PersonalitiesFile
		if !filepath.IsAbs(pf) {
			pf = filepath.Join(filepath.Dir(path), pf)
		}
		extra, err := LoadPersonalities(pf)
		if err != nil {
			return nil, err
		}
		cfg.Personalities = append(cfg.Personalities, extra...)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// LoadPersonalities reads a YAML list of personality profiles.
func LoadPersonalities(path string) ([]PersonalityConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read personalities file: %w", err)
	}
	var out []PersonalityConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &out); err != nil {
		return nil, fmt.Errorf("parse personalities file %s: %w", path, err)
	}
	return out, nil
}

func (c *Config) applyDefaults() {
	if c.DefaultPersonality == "" {
		c.DefaultPersonality = DefaultPersonalityName
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Backend.TimeoutSec == 0 {
		c.Backend.TimeoutSec = 120
	}
	if c.Backend.AppName == "" {
		c.Backend.AppName = "Hearth"
	}
	if c.Signal.Command == "" {
		c.Signal.Command = "signal-cli"
	}
	s := &c.Scheduler
	if s.ReminderIntervalSec == 0 {
		s.ReminderIntervalSec = 60
	}
	if s.GreetingCheckSec == 0 {
		s.GreetingCheckSec = 600
	}
	if s.GreetingIdleSec == 0 {
		s.GreetingIdleSec = 3600
	}
	if s.GreetingCooldownMinSec == 0 {
		s.GreetingCooldownMinSec = 3600
	}
	if s.GreetingCooldownMaxSec == 0 {
		s.GreetingCooldownMaxSec = 14400
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "hearth"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 60
	}
}

// Validate checks the configuration for errors that would prevent
// Hearth from serving. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q invalid (expected text or json)", c.LogFormat))
	}

	seen := make(map[string]bool)
	for i, p := range c.Personalities {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("personalities[%d]: name is required", i))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("personality %q defined twice", p.Name))
		}
		seen[p.Name] = true
		if p.Endpoint == "" {
			errs = append(errs, fmt.Errorf("personality %q: endpoint is required", p.Name))
		}
		if p.Model == "" {
			errs = append(errs, fmt.Errorf("personality %q: model is required", p.Name))
		}
	}
	if !seen[c.DefaultPersonality] {
		errs = append(errs, fmt.Errorf("default personality %q is not defined", c.DefaultPersonality))
	}

	s := c.Scheduler
	if s.ReminderIntervalSec < 0 || s.GreetingCheckSec < 0 || s.GreetingIdleSec < 0 {
		errs = append(errs, errors.New("scheduler intervals must not be negative"))
	}
	if s.GreetingCooldownMinSec > s.GreetingCooldownMaxSec {
		errs = append(errs, fmt.Errorf("greeting_cooldown_min_sec (%d) exceeds greeting_cooldown_max_sec (%d)",
			s.GreetingCooldownMinSec, s.GreetingCooldownMaxSec))
	}

	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}

	return errors.Join(errs...)
}
