package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.Broker.Lease != 30*time.Second {
		t.Errorf("expected default lease 30s, got %v", cfg.Broker.Lease)
	}
	if cfg.Ledger.MaxDelegationDepth != 5 {
		t.Errorf("expected max_delegation_depth 5, got %d", cfg.Ledger.MaxDelegationDepth)
	}
	if cfg.NATS.Port != 4222 {
		t.Errorf("expected nats port 4222, got %d", cfg.NATS.Port)
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("expected web port 8080, got %d", cfg.Web.Port)
	}
	if !cfg.Web.Enabled {
		t.Error("expected web enabled by default")
	}
	if cfg.Store.Path != "data/minions.db" {
		t.Errorf("expected store path data/minions.db, got %s", cfg.Store.Path)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	t.Setenv("MINIONS_CONFIG", "/nonexistent/config.yaml")
	t.Setenv("MINIONS_AUTH_TOKEN", "secret")
	t.Setenv("MINIONS_WEB_PORT", "9090")
	t.Setenv("MINIONS_MAX_DEPTH", "2")
	t.Setenv("MINIONS_BROKER_URL", "http://broker:9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Web.AuthToken != "secret" {
		t.Errorf("expected auth token secret, got %s", cfg.Web.AuthToken)
	}
	if cfg.Web.Port != 9090 {
		t.Errorf("expected web port 9090, got %d", cfg.Web.Port)
	}
	if cfg.Ledger.MaxDelegationDepth != 2 {
		t.Errorf("expected max depth 2, got %d", cfg.Ledger.MaxDelegationDepth)
	}
	if cfg.Broker.URL != "http://broker:9090" {
		t.Errorf("expected broker url override, got %s", cfg.Broker.URL)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	t.Setenv("SUMMARIZER_URL", "http://llm:7000/generate")
	yaml := `
broker:
  lease: 10s
  send_rate: 50
web:
  port: 3000
  enabled: false
retry:
  max_retries: 1
minions:
  summarizer:
    display_name: Summarizer
    generate_url: ${SUMMARIZER_URL}
    embedded: true
    capabilities:
      - name: summarize
      - name: fetch_url
        kind: tool
        schema: '{"type":"object","required":["url"]}'
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("MINIONS_CONFIG", cfgPath)
	t.Setenv("MINIONS_WEB_PORT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Broker.Lease != 10*time.Second {
		t.Errorf("expected lease 10s, got %v", cfg.Broker.Lease)
	}
	if cfg.Broker.SendRate != 50 {
		t.Errorf("expected send_rate 50, got %v", cfg.Broker.SendRate)
	}
	if cfg.Web.Port != 3000 {
		t.Errorf("expected web port 3000, got %d", cfg.Web.Port)
	}
	if cfg.Web.Enabled {
		t.Error("expected web disabled")
	}
	if cfg.Retry.MaxRetries != 1 {
		t.Errorf("expected max_retries 1, got %d", cfg.Retry.MaxRetries)
	}
	if cfg.Retry.MinInterval != 200*time.Millisecond {
		t.Errorf("expected untouched defaults to survive, got %v", cfg.Retry.MinInterval)
	}

	m, ok := cfg.Minions["summarizer"]
	if !ok {
		t.Fatal("expected summarizer minion")
	}
	if m.GenerateURL != "http://llm:7000/generate" {
		t.Errorf("expected expanded generate url, got %s", m.GenerateURL)
	}
	if len(m.Capabilities) != 2 {
		t.Fatalf("expected 2 capabilities, got %d", len(m.Capabilities))
	}
	if m.Capabilities[1].SchemaJSON() == nil {
		t.Error("expected fetch_url schema")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero lease", func(c *Config) { c.Broker.Lease = 0 }},
		{"min above max", func(c *Config) { c.Retry.MinInterval = time.Minute }},
		{"multiplier below one", func(c *Config) { c.Retry.Multiplier = 0.5 }},
		{"negative depth", func(c *Config) { c.Ledger.MaxDelegationDepth = -1 }},
		{"short timeout", func(c *Config) { c.Protocol.DefaultTimeout = time.Millisecond }},
		{"bad schema", func(c *Config) {
			c.Minions = map[string]MinionConfig{"a": {Capabilities: []CapabilityConfig{{Name: "x", Schema: "{"}}}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
