package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Host != "127.0.0.1" || cfg.Gateway.Port != 8000 {
		t.Errorf("unexpected gateway defaults: %s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	}
	if cfg.Agent.MaxHistoryMessages != 50 {
		t.Errorf("MaxHistoryMessages = %d, want 50", cfg.Agent.MaxHistoryMessages)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		// comments are allowed
		agent: {
			provider: "deepseek",
			model: "deepseek-chat",
			temperature: 0.3,
		},
		channels: {
			telegram: { enabled: true, token: "tg-token" },
		},
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.Provider != "deepseek" {
		t.Errorf("provider = %q", cfg.Agent.Provider)
	}
	if cfg.Agent.Temperature != 0.3 {
		t.Errorf("temperature = %v", cfg.Agent.Temperature)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.Token != "tg-token" {
		t.Errorf("telegram config not parsed: %+v", cfg.Channels.Telegram)
	}
	// Defaults survive partial files.
	if cfg.Agent.MaxIterations != 10 {
		t.Errorf("MaxIterations = %d, want default 10", cfg.Agent.MaxIterations)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("COUNTBOT_MODEL", "kimi-k2.5")
	t.Setenv("COUNTBOT_TELEGRAM_TOKEN", "env-token")
	t.Setenv("PORT", "9001")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.Model != "kimi-k2.5" {
		t.Errorf("model = %q", cfg.Agent.Model)
	}
	if !cfg.Channels.Telegram.Enabled {
		t.Error("telegram should auto-enable when token set via env")
	}
	if cfg.Gateway.Port != 9001 {
		t.Errorf("port = %d, want 9001", cfg.Gateway.Port)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	cfg := Default()
	snap := cfg.Snapshot()

	cfg.Update(func(c *Config) {
		c.Agent.Model = "changed"
	})
	if snap.Agent.Model == "changed" {
		t.Error("snapshot should not observe later updates")
	}
	if cfg.Snapshot().Agent.Model != "changed" {
		t.Error("update not visible in new snapshot")
	}
}
