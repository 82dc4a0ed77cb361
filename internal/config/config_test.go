package config

import (
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejectsBadBoards(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no pipeline name", func(c *Config) { c.Board.DefaultPipeline = "" }, "default_pipeline"},
		{"single stage", func(c *Config) { c.Board.Stages = c.Board.Stages[:1] }, "two stages"},
		{"duplicate slug", func(c *Config) { c.Board.Stages[1].Slug = c.Board.Stages[0].Slug }, "duplicate"},
		{"two initials", func(c *Config) { c.Board.Stages[1].Initial = true }, "one initial"},
		{"bad probability", func(c *Config) { c.Board.Stages[0].Probability = 150 }, "probability"},
		{"zero depth limit", func(c *Config) { c.Automation.ChainDepthLimit = 0 }, "chain_depth_limit"},
		{"webhook without url", func(c *Config) { c.Webhooks = []WebhookConfig{{}} }, "url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestFromYAMLRoundTrip(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	if err != nil {
		t.Fatalf("parse generated default: %v", err)
	}
	if cfg.Board.DefaultPipeline != "Vendas" {
		t.Fatalf("default pipeline = %s", cfg.Board.DefaultPipeline)
	}
	if _, err := FromYAML([]byte("board: [")); err == nil {
		t.Fatalf("malformed yaml accepted")
	}
}
