package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models bountyline.yml.
type Config struct {
	Organization struct {
		ID string `yaml:"id"`
	} `yaml:"organization"`
	Dispatch DispatchConfig        `yaml:"dispatch"`
	Leases   LeaseConfig           `yaml:"leases"`
	Rails    map[string]RailConfig `yaml:"rails"`
	Webhooks []WebhookConfig       `yaml:"webhooks"`
}

type DispatchConfig struct {
	MaxAttempts     uint          `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	RailTimeout     time.Duration `yaml:"rail_timeout"`
	Concurrency     int           `yaml:"concurrency"`
}

type LeaseConfig struct {
	DistributionSeconds int `yaml:"distribution_seconds"`
}

// RailConfig configures one settlement rail adapter.
type RailConfig struct {
	Kind           string `yaml:"kind"`
	Endpoint       string `yaml:"endpoint,omitempty"`
	TokenEnv       string `yaml:"token_env,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
	AutoSettle     *bool  `yaml:"auto_settle,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

var railKinds = map[string]bool{"sandbox": true, "http": true}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with bl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Organization.ID == "" {
		return fmt.Errorf("config.organization.id is required")
	}
	if c.Dispatch.MaxAttempts == 0 {
		return fmt.Errorf("config.dispatch.max_attempts must be at least 1")
	}
	if c.Dispatch.Multiplier != 0 && c.Dispatch.Multiplier < 1 {
		return fmt.Errorf("config.dispatch.multiplier must be >= 1")
	}
	if c.Dispatch.InitialInterval < 0 || c.Dispatch.MaxInterval < 0 || c.Dispatch.RailTimeout < 0 {
		return fmt.Errorf("config.dispatch intervals must not be negative")
	}
	if c.Dispatch.MaxInterval > 0 && c.Dispatch.InitialInterval > c.Dispatch.MaxInterval {
		return fmt.Errorf("config.dispatch.initial_interval exceeds max_interval")
	}
	if c.Leases.DistributionSeconds < 0 {
		return fmt.Errorf("config.leases.distribution_seconds must not be negative")
	}
	if len(c.Rails) == 0 {
		return fmt.Errorf("config.rails must declare at least one rail")
	}
	for name, rail := range c.Rails {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("config.rails contains empty rail name")
		}
		if !railKinds[rail.Kind] {
			return fmt.Errorf("rail %s has unknown kind %q", name, rail.Kind)
		}
		if rail.Kind == "http" && strings.TrimSpace(rail.Endpoint) == "" {
			return fmt.Errorf("rail %s requires endpoint", name)
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "bountyline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(orgID string) string {
	return fmt.Sprintf(defaultTemplate, orgID)
}

// Default returns the default Config.
func Default() *Config {
	cfg, err := FromYAML([]byte(GenerateDefault("default-org")))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// LeaseDuration is how long a distribution lease is held before it expires.
func (c *Config) LeaseDuration() time.Duration {
	if c.Leases.DistributionSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.Leases.DistributionSeconds) * time.Second
}

const defaultTemplate = `organization:
  id: %s

dispatch:
  max_attempts: 5
  initial_interval: 500ms
  max_interval: 30s
  multiplier: 2
  rail_timeout: 30s
  concurrency: 8

leases:
  distribution_seconds: 60

rails:
  sandbox:
    kind: sandbox
    auto_settle: true
`
