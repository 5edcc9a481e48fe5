package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tradegate.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ALPACA_API_KEY", "ALPACA_API_SECRET", "APCA_API_KEY_ID", "APCA_API_SECRET_KEY",
		"SQLITE_PATH", "TRADEGATE_ALLOW_SHORT", "TRADEGATE_CONFIRMATION_WINDOW",
		"OPENAI_API_KEY", "SLACK_BOT_TOKEN", "LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
storage:
  sqlite_path: "/tmp/tradegate/tradegate.db"
server:
  port: 8181
alpaca:
  api_key: "test-key"
  api_secret: "test-secret"
engine:
  confirmation_window: 90s
  allow_short: true
risk:
  provider: openai
  high_notional: 250000
notify:
  default_supervisor: "#risk-desk"
  supervisors:
    U123: "U999"
simulator:
  reference_prices:
    TST: 101.5
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Storage.SQLitePath != "/tmp/tradegate/tradegate.db" {
		t.Errorf("Storage.SQLitePath = %q, want %q", cfg.Storage.SQLitePath, "/tmp/tradegate/tradegate.db")
	}
	if cfg.Server.Port != 8181 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 8181)
	}
	// Omitted fields keep defaults.
	if cfg.Server.GRPCPort != 9090 {
		t.Errorf("Server.GRPCPort = %d, want %d", cfg.Server.GRPCPort, 9090)
	}
	if cfg.Alpaca.APIKey != "test-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q", cfg.Alpaca.APIKey, "test-key")
	}

	if cfg.Engine.ConfirmationWindow != 90*time.Second {
		t.Errorf("Engine.ConfirmationWindow = %v, want %v", cfg.Engine.ConfirmationWindow, 90*time.Second)
	}
	if cfg.Engine.SnapshotTimeout != 2*time.Second {
		t.Errorf("Engine.SnapshotTimeout = %v, want %v", cfg.Engine.SnapshotTimeout, 2*time.Second)
	}
	if cfg.Engine.MaxConfirmationAttempts != 3 {
		t.Errorf("Engine.MaxConfirmationAttempts = %d, want 3", cfg.Engine.MaxConfirmationAttempts)
	}
	if !cfg.Engine.AllowShort {
		t.Error("Engine.AllowShort = false, want true")
	}

	if cfg.Risk.Provider != "openai" {
		t.Errorf("Risk.Provider = %q, want %q", cfg.Risk.Provider, "openai")
	}
	if cfg.Risk.HighNotional != 250000 {
		t.Errorf("Risk.HighNotional = %f, want %f", cfg.Risk.HighNotional, 250000.0)
	}
	if cfg.Notify.Supervisors["U123"] != "U999" {
		t.Errorf("Notify.Supervisors[U123] = %q, want %q", cfg.Notify.Supervisors["U123"], "U999")
	}
	if cfg.Simulator.ReferencePrices["TST"] != 101.5 {
		t.Errorf("Simulator.ReferencePrices[TST] = %f, want 101.5", cfg.Simulator.ReferencePrices["TST"])
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
alpaca:
  api_key: "yaml-key"
  api_secret: "yaml-secret"
`)

	t.Setenv("ALPACA_API_KEY", "env-key")
	t.Setenv("SQLITE_PATH", "/env/tradegate.db")
	t.Setenv("TRADEGATE_ALLOW_SHORT", "true")
	t.Setenv("TRADEGATE_CONFIRMATION_WINDOW", "45s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Alpaca.APIKey != "env-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q (env override)", cfg.Alpaca.APIKey, "env-key")
	}
	if cfg.Alpaca.APISecret != "yaml-secret" {
		t.Errorf("Alpaca.APISecret = %q, want %q (from YAML)", cfg.Alpaca.APISecret, "yaml-secret")
	}
	if cfg.Storage.SQLitePath != "/env/tradegate.db" {
		t.Errorf("Storage.SQLitePath = %q, want %q (env override)", cfg.Storage.SQLitePath, "/env/tradegate.db")
	}
	if !cfg.Engine.AllowShort {
		t.Error("Engine.AllowShort = false, want true (env override)")
	}
	if cfg.Engine.ConfirmationWindow != 45*time.Second {
		t.Errorf("Engine.ConfirmationWindow = %v, want 45s (env override)", cfg.Engine.ConfirmationWindow)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero window", func(c *Config) { c.Engine.ConfirmationWindow = 0 }},
		{"no confirmation attempts", func(c *Config) { c.Engine.MaxConfirmationAttempts = 0 }},
		{"unknown provider", func(c *Config) { c.Risk.Provider = "oracle" }},
		{"inverted thresholds", func(c *Config) { c.Risk.HighNotional = 1 }},
		{"bad reject rate", func(c *Config) { c.Simulator.RejectRate = 1.5 }},
		{"inverted latency", func(c *Config) { c.Simulator.MinLatency = time.Second; c.Simulator.MaxLatency = 0 }},
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v, want nil", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() of missing file should fail")
	}
}
