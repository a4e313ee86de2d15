package storage

import (
	"testing"

	"tradechat/internal/config"
)

func TestOpenAndMigrateSQLite(t *testing.T) {
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if err := Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// idempotent
	if err := Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	for _, table := range []string{"users", "sessions", "messages", "user_tokens"} {
		var name string
		if err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"postgres": {}}}
	if _, err := Open("postgres", cfg); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
	if _, err := Open("sqlite3", cfg); err == nil {
		t.Fatalf("expected missing config error")
	}
}
