package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsAndResolvesPaths(t *testing.T) {
	path := writeConfig(t, `{
		"databases": {"sqlite3": {"dsn": "chat.db"}},
		"auth": {"jwt_secret": "s3cret"},
		"providers": {"openrouter": {"model": "openai/gpt-4o-mini"}}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	dir := filepath.Dir(path)
	if cfg.Database != "sqlite3" {
		t.Fatalf("expected sqlite3 default, got %s", cfg.Database)
	}
	if got := cfg.Databases["sqlite3"].DSN; got != filepath.Join(dir, "chat.db") {
		t.Fatalf("dsn not resolved: %s", got)
	}
	if cfg.Streams.Backend != "bolt" {
		t.Fatalf("expected bolt streams without redis, got %s", cfg.Streams.Backend)
	}
	if cfg.Streams.BoltPath != filepath.Join(dir, "data/streams.bolt") {
		t.Fatalf("bolt path not resolved: %s", cfg.Streams.BoltPath)
	}
	if cfg.Providers["openrouter"].BaseURL == "" {
		t.Fatalf("expected openrouter base url default")
	}
	if cfg.BasicConfig.MaxMessagesPerDay != 100 {
		t.Fatalf("unexpected message limit %d", cfg.BasicConfig.MaxMessagesPerDay)
	}
}

func TestLoadEnvOverridesSecrets(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "or-key")
	t.Setenv("EXA_API_KEY", "exa-key")
	t.Setenv("POLYCHAT_JWT_SECRET", "env-secret")
	path := writeConfig(t, `{
		"databases": {"sqlite3": {"dsn": ":memory:"}},
		"auth": {"jwt_secret": "file-secret"}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers["openrouter"].APIKey != "or-key" {
		t.Fatalf("provider key not overridden: %+v", cfg.Providers["openrouter"])
	}
	if cfg.Integrations.ExaAPIKey != "exa-key" {
		t.Fatalf("exa key not overridden")
	}
	if cfg.Auth.JWTSecret != "env-secret" {
		t.Fatalf("jwt secret not overridden: %s", cfg.Auth.JWTSecret)
	}
	if cfg.Databases["sqlite3"].DSN != ":memory:" {
		t.Fatalf("memory dsn must stay untouched")
	}
}

func TestLoadRejectsMissingAuthKey(t *testing.T) {
	path := writeConfig(t, `{"databases": {"sqlite3": {"dsn": ":memory:"}}}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error without jwt configuration")
	}
}

func TestLoadRejectsRedisStreamsWithoutRedis(t *testing.T) {
	path := writeConfig(t, `{
		"databases": {"sqlite3": {"dsn": ":memory:"}},
		"auth": {"jwt_secret": "x"},
		"streams": {"backend": "redis"}
	}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for redis streams without redis host")
	}
}
