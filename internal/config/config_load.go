package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Provider:           "openai",
			Model:              "gpt-5.3",
			Temperature:        0.7,
			MaxTokens:          4096,
			MaxIterations:      10,
			MaxHistoryMessages: 50,
			Workspace:          "~/.countbot/workspace",
			DataDir:            "~/.countbot/data",
		},
		Persona: PersonaConfig{
			AIName:      "小C",
			UserName:    "主人",
			Personality: "professional",
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 8000,
		},
		Tools: ToolsConfig{
			ShellEnabled:    true,
			ShellTimeout:    60,
			MaxOutputLength: 10000,
			WebSearchMax:    5,
		},
		Bus: BusConfig{
			PersistQueue: true,
		},
		Heartbeat: HeartbeatConfig{
			Schedule:        "0 * * * *",
			QuietStart:      21,
			QuietEnd:        8,
			IdleThresholdHr: 4,
			MaxGreetsPerDay: 2,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Rate:    10,
			Per:     60,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// ExpandHome resolves a leading ~/ against the user home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// Save writes the config as indented JSON, atomically via a temp file so
// a crash mid-write cannot truncate it. JSON5 parses plain JSON, so the
// saved file loads back unchanged.
func (c *Config) Save(path string) error {
	snap := c.Snapshot()
	data, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("COUNTBOT_API_KEY", &c.Agent.APIKey)
	envStr("COUNTBOT_API_BASE", &c.Agent.APIBase)
	envStr("COUNTBOT_PROVIDER", &c.Agent.Provider)
	envStr("COUNTBOT_MODEL", &c.Agent.Model)
	envStr("COUNTBOT_WORKSPACE", &c.Agent.Workspace)
	envStr("COUNTBOT_DATA_DIR", &c.Agent.DataDir)

	envStr("COUNTBOT_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("COUNTBOT_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("COUNTBOT_QQ_APP_ID", &c.Channels.QQ.AppID)
	envStr("COUNTBOT_QQ_SECRET", &c.Channels.QQ.Secret)
	envStr("COUNTBOT_DINGTALK_CLIENT_ID", &c.Channels.DingTalk.ClientID)
	envStr("COUNTBOT_DINGTALK_CLIENT_SECRET", &c.Channels.DingTalk.ClientSecret)
	envStr("COUNTBOT_FEISHU_APP_ID", &c.Channels.Feishu.AppID)
	envStr("COUNTBOT_FEISHU_APP_SECRET", &c.Channels.Feishu.AppSecret)

	// Auto-enable channels when credentials arrive via env.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
	if c.Channels.QQ.AppID != "" && c.Channels.QQ.Secret != "" {
		c.Channels.QQ.Enabled = true
	}
	if c.Channels.DingTalk.ClientID != "" && c.Channels.DingTalk.ClientSecret != "" {
		c.Channels.DingTalk.Enabled = true
	}
	if c.Channels.Feishu.AppID != "" && c.Channels.Feishu.AppSecret != "" {
		c.Channels.Feishu.Enabled = true
	}

	// HOST/PORT are honored without the prefix for container deployments.
	envStr("HOST", &c.Gateway.Host)
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
}
