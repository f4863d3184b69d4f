package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Errorf("expected default listen addr :8080, got %q", cfg.ListenAddr)
	}
	if cfg.HistoryCapacity != 120 {
		t.Errorf("expected default history capacity 120, got %d", cfg.HistoryCapacity)
	}
	if cfg.ReadTimeout != 10*time.Second {
		t.Errorf("expected default read timeout 10s, got %s", cfg.ReadTimeout)
	}
	if cfg.PostgresHost != "" || cfg.NATSURL != "" || cfg.RedisAddr != "" {
		t.Error("capabilities should default to disabled")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9999")
	t.Setenv("HISTORY_CAPACITY", "50")
	t.Setenv("WRITE_TIMEOUT", "3s")
	t.Setenv("ALLOWED_ORIGIN", "https://chat.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ListenAddr != ":9999" {
		t.Errorf("expected :9999, got %q", cfg.ListenAddr)
	}
	if cfg.HistoryCapacity != 50 {
		t.Errorf("expected 50, got %d", cfg.HistoryCapacity)
	}
	if cfg.WriteTimeout != 3*time.Second {
		t.Errorf("expected 3s, got %s", cfg.WriteTimeout)
	}
	if cfg.AllowedOrigin != "https://chat.example.com" {
		t.Errorf("unexpected origin %q", cfg.AllowedOrigin)
	}
}
