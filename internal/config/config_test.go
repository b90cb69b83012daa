package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "host=localhost user=zap dbname=zap")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("RedisAddr = %q", cfg.RedisAddr)
	}
	if cfg.LockTTL != 2*time.Minute || cfg.LockRenewEvery != time.Minute {
		t.Errorf("lock defaults = %s / %s", cfg.LockTTL, cfg.LockRenewEvery)
	}
	if cfg.MatchThreshold != 0.8 {
		t.Errorf("MatchThreshold = %v", cfg.MatchThreshold)
	}
	if cfg.CacheTTL != time.Minute {
		t.Errorf("CacheTTL = %s", cfg.CacheTTL)
	}
	if cfg.SystemPrompt == "" {
		t.Error("SystemPrompt should default to the built-in prompt")
	}
}

func TestLoadRequiresPostgresDSN(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "")
	if _, err := Load(); err == nil {
		t.Fatal("load should fail without POSTGRES_DSN")
	}
}

func TestLoadRejectsRenewalAboveTTL(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "host=localhost user=zap dbname=zap")
	t.Setenv("SESSION_LOCK_TTL", "30s")
	t.Setenv("SESSION_LOCK_RENEW_EVERY", "1m")
	if _, err := Load(); err == nil {
		t.Fatal("load should reject a renewal interval at or above the TTL")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "host=localhost user=zap dbname=zap")
	t.Setenv("MATCH_THRESHOLD", "0.9")
	t.Setenv("SESSION_MAX_RESTARTS", "3")
	t.Setenv("DEV_QR", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.MatchThreshold != 0.9 || cfg.MaxRestarts != 3 || !cfg.DevQR {
		t.Errorf("overrides not applied: %+v", cfg)
	}
}
