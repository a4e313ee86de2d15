package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadJSONResolvesSQLitePath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		"basic_config": {"server_address": ":9000", "min_workers": 1, "max_workers": 4},
		"providers": {"openai": {"model": "gpt-4o-mini"}},
		"databases": {"sqlite3": {"dsn": "data/chat.db"}, "mysql": {"host": "db"}},
		"assistant": {"provider": "openai"}
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := filepath.Join(dir, "data/chat.db")
	if got := cfg.Databases["sqlite3"].DSN; got != want {
		t.Fatalf("sqlite dsn: want %s got %s", want, got)
	}
	if cfg.BasicConfig.ServerAddress != ":9000" {
		t.Fatalf("unexpected server address %q", cfg.BasicConfig.ServerAddress)
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
[basic_config]
server_address = ":8091"

[client]
base_url = "http://localhost:8091"
user_id = 42
purpose = "SELLER_PRODUCT_INQUIRY"
language = "ko"

[databases.sqlite3]
dsn = ":memory:"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Client.UserID != 42 || cfg.Client.Language != "ko" {
		t.Fatalf("client section not decoded: %+v", cfg.Client)
	}
	if cfg.Databases["sqlite3"].DSN != ":memory:" {
		t.Fatalf("memory dsn should be left alone")
	}
}

func TestValidateRejectsUnknownAssistantProvider(t *testing.T) {
	cfg := &Config{Assistant: AssistantConfig{Provider: "claude"}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
	cfg = &Config{BasicConfig: BasicConfig{MinWorkers: 4, MaxWorkers: 2}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected worker bound error")
	}
}
