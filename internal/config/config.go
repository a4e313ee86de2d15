package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config represents runtime configuration for the chat service and its client.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" toml:"basic_config"`
	Providers   map[string]ProviderConfig `json:"providers" toml:"providers"`
	Databases   map[string]DatabaseConfig `json:"databases" toml:"databases"`
	Redis       RedisConfig               `json:"redis" toml:"redis"`
	Assistant   AssistantConfig           `json:"assistant" toml:"assistant"`
	Client      ClientConfig              `json:"client" toml:"client"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url" toml:"base_url"`
	Model   string `json:"model" toml:"model"`
	APIKey  string `json:"api_key" toml:"api_key"`
}

type BasicConfig struct {
	ServerAddress     string `json:"server_address" toml:"server_address"`
	LogLevel          string `json:"log_level" toml:"log_level"`
	Development       bool   `json:"development" toml:"development"`
	MinWorkers        int    `json:"min_workers" toml:"min_workers"`
	MaxWorkers        int    `json:"max_workers" toml:"max_workers"`
	QueueSize         int    `json:"queue_size" toml:"queue_size"`
	WorkerIdleTimeout int    `json:"worker_idle_timeout" toml:"worker_idle_timeout"` // minutes
	TokenTTLHours     int    `json:"token_ttl_hours" toml:"token_ttl_hours"`
	GenerateTimeout   int    `json:"generate_timeout_seconds" toml:"generate_timeout_seconds"`
	SessionIdleTTL    int    `json:"session_idle_ttl" toml:"session_idle_ttl"`             // minutes
	SessionSweep      int    `json:"session_sweep_interval" toml:"session_sweep_interval"` // minutes
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" toml:"dsn"`
	Host     string `json:"host" toml:"host"`
	Port     int    `json:"port" toml:"port"`
	Username string `json:"username" toml:"username"`
	Password string `json:"password" toml:"password"`
	DBName   string `json:"db_name" toml:"db_name"`
	Params   string `json:"params" toml:"params"`
}

type RedisConfig struct {
	Host     string `json:"host" toml:"host"`
	Port     int    `json:"port" toml:"port"`
	Username string `json:"username" toml:"username"`
	Password string `json:"password" toml:"password"`
	DB       int    `json:"db" toml:"db"`
	Disabled bool   `json:"disabled" toml:"disabled"`
}

// AssistantConfig selects the model that answers user turns.
type AssistantConfig struct {
	Provider  string `json:"provider" toml:"provider"`
	Model     string `json:"model" toml:"model"`
	WebSearch bool   `json:"web_search" toml:"web_search"`
}

// ClientConfig is read by cmd/chatclient.
type ClientConfig struct {
	BaseURL        string `json:"base_url" toml:"base_url"`
	RequestTimeout int    `json:"request_timeout_seconds" toml:"request_timeout_seconds"`
	UserID         int64  `json:"user_id" toml:"user_id"`
	AuthToken      string `json:"auth_token" toml:"auth_token"`
	Purpose        string `json:"purpose" toml:"purpose"`
	Language       string `json:"language" toml:"language"`
	PersistSession bool   `json:"persist_session" toml:"persist_session"`
}

// Load reads configuration from the provided path (defaults to config.json).
// Files ending in .toml are decoded as TOML, everything else as JSON.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(absPath), ".toml") {
		if _, err := toml.DecodeFile(absPath, &cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", absPath, err)
		}
	} else {
		file, err := os.Open(absPath)
		if err != nil {
			return nil, fmt.Errorf("open config %s: %w", absPath, err)
		}
		defer file.Close()
		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	// relative sqlite files live next to the config
	for name, db := range cfg.Databases {
		if !isSQLite(name) || db.DSN == "" || db.DSN == ":memory:" || strings.HasPrefix(db.DSN, "file:") {
			continue
		}
		if !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks fields that have no usable default.
func (c *Config) Validate() error {
	if c.BasicConfig.MinWorkers < 0 || c.BasicConfig.MaxWorkers < 0 {
		return fmt.Errorf("worker counts cannot be negative")
	}
	if c.BasicConfig.MaxWorkers > 0 && c.BasicConfig.MaxWorkers < c.BasicConfig.MinWorkers {
		return fmt.Errorf("max_workers must be >= min_workers")
	}
	if c.Assistant.Provider != "" {
		if _, ok := c.Providers[c.Assistant.Provider]; !ok {
			return fmt.Errorf("assistant provider %q has no providers entry", c.Assistant.Provider)
		}
	}
	return nil
}

func isSQLite(name string) bool {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return true
	}
	return false
}
