package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"escrowline/internal/domain"
	"escrowline/internal/typeddata"
)

// Config models escrowline.yml.
type Config struct {
	Signing struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
		ChainID int64  `yaml:"chain_id"`
	} `yaml:"signing"`
	Policy struct {
		ComplianceDefault    bool     `yaml:"compliance_default"`
		ProhibitedCategories []string `yaml:"prohibited_categories"`
	} `yaml:"policy"`
	Escrow struct {
		GracePeriod   string `yaml:"grace_period"`
		ExpiryOutcome string `yaml:"expiry_outcome"`
	} `yaml:"escrow"`
	Arbiters []string `yaml:"arbiters"`
	Server   struct {
		Host        string `yaml:"host"`
		Port        int    `yaml:"port"`
		JWTSecret   string `yaml:"jwt_secret"`
		AuthCodeTTL string `yaml:"auth_code_ttl"`
	} `yaml:"server"`
	Settlement struct {
		Webhooks []Webhook `yaml:"webhooks"`
	} `yaml:"settlement"`
}

type Webhook struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with esc init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Signing.Name == "" {
		return fmt.Errorf("config.signing.name is required")
	}
	if c.Signing.Version == "" {
		return fmt.Errorf("config.signing.version is required")
	}
	if c.Signing.ChainID <= 0 {
		return fmt.Errorf("config.signing.chain_id must be positive")
	}
	if c.Escrow.GracePeriod != "" {
		if _, err := time.ParseDuration(c.Escrow.GracePeriod); err != nil {
			return fmt.Errorf("config.escrow.grace_period: %w", err)
		}
	}
	if c.Escrow.ExpiryOutcome != "" && !domain.ValidOutcome(c.Escrow.ExpiryOutcome) {
		return fmt.Errorf("config.escrow.expiry_outcome must be one of favor_worker, favor_client, split")
	}
	for _, a := range c.Arbiters {
		if _, err := typeddata.ParseAddress(a); err != nil {
			return fmt.Errorf("config.arbiters: %q: %w", a, err)
		}
	}
	if c.Server.AuthCodeTTL != "" {
		if _, err := time.ParseDuration(c.Server.AuthCodeTTL); err != nil {
			return fmt.Errorf("config.server.auth_code_ttl: %w", err)
		}
	}
	for i, h := range c.Settlement.Webhooks {
		if h.URL == "" {
			return fmt.Errorf("config.settlement.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Domain returns the typed-data signing domain for this deployment.
func (c *Config) Domain() typeddata.Domain {
	return typeddata.Domain{Name: c.Signing.Name, Version: c.Signing.Version, ChainID: c.Signing.ChainID}
}

// GraceDuration returns the undisputed grace period after delivery before a
// milestone auto-releases.
func (c *Config) GraceDuration() time.Duration {
	if c.Escrow.GracePeriod == "" {
		return 72 * time.Hour
	}
	d, err := time.ParseDuration(c.Escrow.GracePeriod)
	if err != nil {
		return 72 * time.Hour
	}
	return d
}

// ExpiryOutcome returns the default outcome applied to outstanding
// milestones when a job deadline expires.
func (c *Config) ExpiryOutcome() string {
	if c.Escrow.ExpiryOutcome == "" {
		return domain.OutcomeFavorClient
	}
	return c.Escrow.ExpiryOutcome
}

// AuthCodeTTL returns the lifetime of one-time login codes.
func (c *Config) AuthCodeTTL() time.Duration {
	if c.Server.AuthCodeTTL == "" {
		return 10 * time.Minute
	}
	d, err := time.ParseDuration(c.Server.AuthCodeTTL)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// IsArbiter reports whether identity is an authorized arbiter.
func (c *Config) IsArbiter(identity string) bool {
	want, err := typeddata.ParseAddress(identity)
	if err != nil {
		return false
	}
	for _, a := range c.Arbiters {
		got, err := typeddata.ParseAddress(a)
		if err != nil {
			continue
		}
		if got == want {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "escrowline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(name string) string {
	return fmt.Sprintf(defaultTemplate, name)
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

// Default returns the default Config struct for a deployment name.
func Default(name string) *Config {
	cfg, err := FromYAML([]byte(fmt.Sprintf(defaultTemplate, name)))
	if err != nil {
		panic(err)
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

const defaultTemplate = `signing:
  name: %s
  version: "1"
  chain_id: 1

policy:
  compliance_default: true
  prohibited_categories:
    - riba
    - interest
    - gambling
    - adult
    - alcohol
    - pork
    - weapons
    - drugs

escrow:
  grace_period: 72h
  expiry_outcome: favor_client

arbiters: []

server:
  host: 127.0.0.1
  port: 8787
  jwt_secret: ""
  auth_code_ttl: 10m

settlement:
  webhooks: []
`
