package config

import "testing"

func TestServeAddr(t *testing.T) {
	s := ServeConfig{Host: "127.0.0.1", Port: 8740}
	if got := s.Addr(); got != "127.0.0.1:8740" {
		t.Fatalf("addr=%q, want %q", got, "127.0.0.1:8740")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "env-anthropic")
	t.Setenv("PARLEY_SERVE_TOKEN", "env-token")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Serve.Port != 8740 {
		t.Fatalf("port=%d, want 8740", cfg.Serve.Port)
	}
	if cfg.Credits.InitialGrant != 10000 {
		t.Fatalf("initial grant=%d, want 10000", cfg.Credits.InitialGrant)
	}
	if cfg.Chat.UtilityModel == "" {
		t.Fatal("utility model should default to a catalog entry")
	}
	if cfg.Anthropic.APIKey != "env-anthropic" {
		t.Fatalf("anthropic key=%q, want env override", cfg.Anthropic.APIKey)
	}
	if cfg.Serve.Token != "env-token" {
		t.Fatalf("serve token=%q, want env override", cfg.Serve.Token)
	}
}
