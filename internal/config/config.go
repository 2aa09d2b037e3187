package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Broker    BrokerConfig            `yaml:"broker"`
	NATS      NATSConfig              `yaml:"nats"`
	Store     StoreConfig             `yaml:"store"`
	Web       WebConfig               `yaml:"web"`
	Ledger    LedgerConfig            `yaml:"ledger"`
	Retry     RetryConfig             `yaml:"retry"`
	Protocol  ProtocolConfig          `yaml:"protocol"`
	Scheduler SchedulerConfig         `yaml:"scheduler"`
	Log       LogConfig               `yaml:"log"`
	Tracing   TracingConfig           `yaml:"tracing"`
	Snapshot  SnapshotConfig          `yaml:"snapshot"`
	Minions   map[string]MinionConfig `yaml:"minions"`
}

type BrokerConfig struct {
	URL           string        `yaml:"url"`
	Lease         time.Duration `yaml:"lease"`
	MaxQueueDepth int           `yaml:"max_queue_depth"`
	SendRate      float64       `yaml:"send_rate"` // messages per second per sender, 0 disables
	SendBurst     int           `yaml:"send_burst"`
	Retention     time.Duration `yaml:"retention"`
}

type NATSConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	URL  string `yaml:"url"` // remote server used by standalone minions
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

type LedgerConfig struct {
	MaxDelegationDepth int `yaml:"max_delegation_depth"`
}

type RetryConfig struct {
	MinInterval time.Duration `yaml:"min_interval"`
	MaxInterval time.Duration `yaml:"max_interval"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxRetries  int           `yaml:"max_retries"`
}

type ProtocolConfig struct {
	Version        string        `yaml:"version"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
	Output string `yaml:"output"` // "stderr", "stdout" or a file path
}

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

type SnapshotConfig struct {
	Passphrase string `yaml:"passphrase"`
	StatePath  string `yaml:"state_path"` // sqlite file for standalone minions
}

type CapabilityConfig struct {
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"`
	Description string `yaml:"description"`
	Schema      string `yaml:"schema"` // JSON schema of tool arguments
}

// SchemaJSON returns the schema as raw JSON, or nil when unset.
func (c CapabilityConfig) SchemaJSON() json.RawMessage {
	if c.Schema == "" {
		return nil
	}
	return json.RawMessage(c.Schema)
}

type MinionConfig struct {
	DisplayName  string             `yaml:"display_name"`
	Description  string             `yaml:"description"`
	Capabilities []CapabilityConfig `yaml:"capabilities"`
	GenerateURL  string             `yaml:"generate_url"`
	ToolURL      string             `yaml:"tool_url"`
	ConsoleID    string             `yaml:"console_id"`
	Embedded     bool               `yaml:"embedded"`
	Tick         time.Duration      `yaml:"tick"`
	MaxQueue     int                `yaml:"max_queue"`
	MaxSteps     int                `yaml:"max_steps"`
	PollBatch    int                `yaml:"poll_batch"`
}

func defaults() Config {
	return Config{
		Broker: BrokerConfig{
			URL:           "http://localhost:8080",
			Lease:         30 * time.Second,
			MaxQueueDepth: 10000,
			SendBurst:     20,
			Retention:     24 * time.Hour,
		},
		NATS: NATSConfig{
			Port: 4222,
		},
		Store: StoreConfig{
			Path: "data/minions.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Ledger: LedgerConfig{
			MaxDelegationDepth: 5,
		},
		Retry: RetryConfig{
			MinInterval: 200 * time.Millisecond,
			MaxInterval: 5 * time.Second,
			Multiplier:  2,
			MaxRetries:  3,
		},
		Protocol: ProtocolConfig{
			Version:        "1.0",
			DefaultTimeout: 60 * time.Second,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter: "noop",
		},
		Snapshot: SnapshotConfig{
			StatePath: "data/minion-state.db",
		},
	}
}

// Default returns the built-in configuration without reading files or
// the environment.
func Default() *Config {
	cfg := defaults()
	return &cfg
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("MINIONS_CONFIG")
	if path == "" {
		path = "config/minions.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MINIONS_BROKER_URL"); v != "" {
		cfg.Broker.URL = v
	}
	if v := os.Getenv("MINIONS_AUTH_TOKEN"); v != "" {
		cfg.Web.AuthToken = v
	}
	if v := os.Getenv("MINIONS_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("MINIONS_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("MINIONS_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("MINIONS_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("MINIONS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("MINIONS_SNAPSHOT_PASSPHRASE"); v != "" {
		cfg.Snapshot.Passphrase = v
	}
	if v := os.Getenv("MINIONS_MAX_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ledger.MaxDelegationDepth = n
		}
	}
}

// Validate rejects values the broker and runtimes cannot work with.
func (c *Config) Validate() error {
	if c.Broker.Lease <= 0 {
		return fmt.Errorf("broker.lease must be positive")
	}
	if c.Broker.SendRate < 0 {
		return fmt.Errorf("broker.send_rate must not be negative")
	}
	if c.Ledger.MaxDelegationDepth < 0 {
		return fmt.Errorf("ledger.max_delegation_depth must not be negative")
	}
	if c.Retry.MinInterval <= 0 || c.Retry.MaxInterval < c.Retry.MinInterval {
		return fmt.Errorf("retry intervals must satisfy 0 < min_interval <= max_interval")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.Protocol.DefaultTimeout < time.Second {
		return fmt.Errorf("protocol.default_timeout must be at least 1s")
	}
	for id, m := range c.Minions {
		for _, cp := range m.Capabilities {
			if cp.Name == "" {
				return fmt.Errorf("minions.%s: capability without name", id)
			}
			if cp.Schema != "" && !json.Valid([]byte(cp.Schema)) {
				return fmt.Errorf("minions.%s: capability %s: schema is not valid JSON", id, cp.Name)
			}
		}
	}
	return nil
}
