package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models gigline.yml.
type Config struct {
	Marketplace struct {
		ID       string `yaml:"id" json:"id"`
		Currency string `yaml:"currency" json:"currency"`
	} `yaml:"marketplace" json:"marketplace"`
	Ratings struct {
		Min int64 `yaml:"min" json:"min"`
		Max int64 `yaml:"max" json:"max"`
	} `yaml:"ratings" json:"ratings"`
	Milestones struct {
		MaxRevisions int `yaml:"max_revisions" json:"max_revisions"`
	} `yaml:"milestones" json:"milestones"`
	Reputation struct {
		Policy string `yaml:"policy" json:"policy"`
	} `yaml:"reputation" json:"reputation"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

// WebhookConfig describes one indexer push target.
type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret" json:"secret,omitempty"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with gl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Marketplace.ID == "" {
		return fmt.Errorf("config.marketplace.id is required")
	}
	if c.Ratings.Min <= 0 {
		return fmt.Errorf("config.ratings.min must be positive")
	}
	if c.Ratings.Max < c.Ratings.Min {
		return fmt.Errorf("config.ratings.max must be >= min")
	}
	if c.Milestones.MaxRevisions < 0 {
		return fmt.Errorf("config.milestones.max_revisions must not be negative")
	}
	switch c.Reputation.Policy {
	case "", "running_average":
	default:
		return fmt.Errorf("unknown reputation policy %s", c.Reputation.Policy)
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
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
	return filepath.Join(workspace, "gigline.yml")
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a marketplace.
func Default(marketplaceID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, marketplaceID)), &cfg)
	cfg.Marketplace.ID = marketplaceID
	return &cfg
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

// GenerateDefault returns default config YAML.
func GenerateDefault(marketplaceID string) string {
	return fmt.Sprintf(defaultTemplate, marketplaceID)
}

const defaultTemplate = `marketplace:
  id: %s
  currency: base-units

ratings:
  min: 1
  max: 5

milestones:
  max_revisions: 3

reputation:
  policy: running_average
`
