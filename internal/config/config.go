package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models dealdesk.yml.
type Config struct {
	Board struct {
		DefaultPipeline string        `yaml:"default_pipeline"`
		Stages          []StageConfig `yaml:"stages"`
	} `yaml:"board"`
	Automation struct {
		ChainDepthLimit int    `yaml:"chain_depth_limit"`
		SweepSchedule   string `yaml:"sweep_schedule"`
	} `yaml:"automation"`
	Email struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
		From string `yaml:"from"`
	} `yaml:"email"`
	WhatsApp struct {
		APIURL string `yaml:"api_url"`
		Token  string `yaml:"token"`
	} `yaml:"whatsapp"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type StageConfig struct {
	Slug        string `yaml:"slug"`
	Name        string `yaml:"name"`
	Initial     bool   `yaml:"initial"`
	Terminal    bool   `yaml:"terminal"`
	Probability int    `yaml:"probability"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
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
	if c.Board.DefaultPipeline == "" {
		return fmt.Errorf("config.board.default_pipeline is required")
	}
	if len(c.Board.Stages) < 2 {
		return fmt.Errorf("config.board.stages needs at least two stages")
	}
	seen := map[string]bool{}
	initials := 0
	for _, s := range c.Board.Stages {
		if s.Slug == "" {
			return fmt.Errorf("config.board.stages contains empty slug")
		}
		if seen[s.Slug] {
			return fmt.Errorf("duplicate stage slug %s", s.Slug)
		}
		seen[s.Slug] = true
		if s.Initial {
			initials++
		}
		if s.Probability < 0 || s.Probability > 100 {
			return fmt.Errorf("stage %s probability out of range", s.Slug)
		}
	}
	if initials > 1 {
		return fmt.Errorf("config.board.stages allows at most one initial stage")
	}
	if c.Automation.ChainDepthLimit <= 0 {
		return fmt.Errorf("config.automation.chain_depth_limit must be positive")
	}
	if c.Automation.SweepSchedule == "" {
		return fmt.Errorf("config.automation.sweep_schedule is required")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "dealdesk.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
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
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `board:
  default_pipeline: Vendas
  stages:
    - slug: new
      name: Novo Lead
      initial: true
      probability: 10
    - slug: qualifying
      name: Em Qualificação
      probability: 30
    - slug: proposal
      name: Proposta Enviada
      probability: 60
    - slug: won
      name: Ganho
      terminal: true
      probability: 100
    - slug: lost
      name: Perdido
      terminal: true
      probability: 0

automation:
  chain_depth_limit: 5
  sweep_schedule: "@every 1m"

email:
  host: localhost
  port: 587
  from: crm@example.com

whatsapp:
  api_url: ""
  token: ""

webhooks: []
`
