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
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validConfig = `{
  "server": {"address": ":9000"},
  "llm": {
    "providers": {"openai": {"type": "openai", "api_key": "sk-test"}},
    "routing": {
      "provider": "openai",
      "router": "gpt-4o-mini",
      "analysis": "gpt-4o",
      "summary": "gpt-4o-mini",
      "embedding": "text-embedding-3-small"
    }
  },
  "storage": {
    "redis": {"host": "localhost", "port": "6379"},
    "postgres": {"host": "localhost", "port": "5432", "user": "app", "dbname": "journalyst"},
    "qdrant": {"url": "http://localhost:6333"}
  }
}`

func TestLoadConfig(t *testing.T) {
	cfg := LoadConfig(writeConfig(t, validConfig))

	if cfg.Server.Address != ":9000" {
		t.Fatalf("address = %q", cfg.Server.Address)
	}
	if cfg.LLM.Routing.Analysis != "gpt-4o" {
		t.Fatalf("analysis model = %q", cfg.LLM.Routing.Analysis)
	}
	if cfg.Retrieval.TradeLimit != 100 || cfg.Retrieval.JournalTopK != 5 {
		t.Fatalf("retrieval defaults not applied: %+v", cfg.Retrieval)
	}
	if cfg.Session.MaxContextTokens != 128000 {
		t.Fatalf("session defaults not applied: %+v", cfg.Session)
	}
	if cfg.Archiver.Schedule == "" {
		t.Fatal("archiver schedule default missing")
	}
}

func TestLoadConfigPanicsOnMissingRouting(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for missing llm routing")
		}
	}()
	LoadConfig(writeConfig(t, `{
	  "llm": {"providers": {"openai": {"type": "openai"}}, "routing": {"provider": "openai"}},
	  "storage": {
	    "redis": {"host": "localhost", "port": "6379"},
	    "postgres": {"url": "postgres://app@localhost/journalyst"},
	    "qdrant": {"url": "http://localhost:6333"}
	  }
	}`))
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: "5432", User: "app", Password: "pw", DBName: "journalyst"}
	want := "postgres://app:pw@db:5432/journalyst?sslmode=disable"
	if got := p.DSN(); got != want {
		t.Fatalf("dsn = %q, want %q", got, want)
	}

	p.URL = "postgres://override"
	if got := p.DSN(); got != "postgres://override" {
		t.Fatalf("explicit url should win, got %q", got)
	}
}

func TestReferenceDateValidation(t *testing.T) {
	if err := (RetrievalConfig{ReferenceDate: "2024-02-15"}).Validate(); err != nil {
		t.Fatalf("valid date rejected: %v", err)
	}
	if err := (RetrievalConfig{ReferenceDate: "Feb 15"}).Validate(); err == nil {
		t.Fatal("malformed date accepted")
	}
	if err := (RetrievalConfig{}).Validate(); err != nil {
		t.Fatalf("empty date rejected: %v", err)
	}
}
