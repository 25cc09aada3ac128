package storage

import (
	"testing"

	"polychat/internal/config"
)

func TestRebind(t *testing.T) {
	q := "SELECT * FROM chats WHERE user_id = ? AND created_at < ? LIMIT ?"
	if got := Rebind(SQLite, q); got != q {
		t.Fatalf("sqlite query must be unchanged, got %s", got)
	}
	want := "SELECT * FROM chats WHERE user_id = $1 AND created_at < $2 LIMIT $3"
	if got := Rebind("postgres", q); got != want {
		t.Fatalf("unexpected postgres query: %s", got)
	}
}

func TestDialect(t *testing.T) {
	cases := map[string]string{"sqlite": SQLite, "SQLite3": SQLite, "mysql": MySQL, "pgx": Postgres, "postgresql": Postgres}
	for in, want := range cases {
		if got := Dialect(in); got != want {
			t.Fatalf("Dialect(%q) = %q want %q", in, got, want)
		}
	}
}

func TestOpenAndMigrateSQLite(t *testing.T) {
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}}}
	db, err := Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if err := Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	// idempotent
	if err := Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	for _, table := range []string{"users", "chats", "messages", "votes", "documents", "suggestions", "streams", "favourite_models", "uploads", "copilot_connections"} {
		var name string
		if err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name = ?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"oracle": {}}}
	if _, err := Open("oracle", cfg); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}
