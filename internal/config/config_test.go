package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRequiresRedisURL(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error without REDIS_URL")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("listen addr=%q", cfg.ListenAddr)
	}
	if cfg.OracleBackend != OracleBackendHTTP || cfg.OracleDepth != 10 {
		t.Fatalf("oracle defaults: %+v", cfg)
	}
	if cfg.OracleTimeout != 3*time.Second {
		t.Fatalf("oracle timeout=%v", cfg.OracleTimeout)
	}
	if cfg.DefaultRating != 700 || cfg.DefaultPieceWeight != 100 {
		t.Fatalf("rating/weight defaults: %v %v", cfg.DefaultRating, cfg.DefaultPieceWeight)
	}
}

func TestLoadFileThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "matchd.yaml")
	body := "redis_url: redis://file:6379/1\noracle_depth: 14\nallowed_origins: a.example, b.example\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("REDIS_URL", "")
	t.Setenv("ORACLE_DEPTH", "8")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RedisURL != "redis://file:6379/1" {
		t.Fatalf("redis url from file: %q", cfg.RedisURL)
	}
	if cfg.OracleDepth != 8 {
		t.Fatalf("env must override file, got depth=%d", cfg.OracleDepth)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "b.example" {
		t.Fatalf("origins=%v", cfg.AllowedOrigins)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("ORACLE_BACKEND", "carrier-pigeon")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected unknown backend error")
	}
}
