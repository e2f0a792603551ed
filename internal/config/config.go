// Package config holds the CountBot runtime configuration.
// Config is loaded from a JSON5 file, overlaid with COUNTBOT_* env vars,
// and guarded by an RWMutex so the gateway can apply live updates.
package config

import (
	"sync"
)

// Config is the root configuration struct.
type Config struct {
	mu sync.RWMutex `json:"-"`

	Agent     AgentConfig     `json:"agent"`
	Persona   PersonaConfig   `json:"persona"`
	Channels  ChannelsConfig  `json:"channels"`
	Gateway   GatewayConfig   `json:"gateway"`
	Tools     ToolsConfig     `json:"tools"`
	Bus       BusConfig       `json:"bus"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	RateLimit RateLimitConfig `json:"rate_limit"`
}

// AgentConfig controls the LLM agent loop.
type AgentConfig struct {
	Provider           string  `json:"provider"`
	Model              string  `json:"model"`
	APIKey             string  `json:"api_key"`
	APIBase            string  `json:"api_base"`
	Temperature        float64 `json:"temperature"`
	MaxTokens          int     `json:"max_tokens"`
	MaxIterations      int     `json:"max_iterations"`
	MaxHistoryMessages int     `json:"max_history_messages"` // -1 = unlimited
	Workspace          string  `json:"workspace"`
	DataDir            string  `json:"data_dir"`
}

// PersonaConfig shapes the system prompt.
type PersonaConfig struct {
	AIName            string `json:"ai_name"`
	UserName          string `json:"user_name"`
	UserAddress       string `json:"user_address"`
	Personality       string `json:"personality"`        // builtin personality id
	CustomPersonality string `json:"custom_personality"` // used when Personality == "custom"
}

// ChannelsConfig groups per-platform adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	QQ       QQConfig       `json:"qq"`
	WeChat   WeChatConfig   `json:"wechat"`
	DingTalk DingTalkConfig `json:"dingtalk"`
	Feishu   FeishuConfig   `json:"feishu"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	Proxy     string   `json:"proxy"`
	AllowFrom []string `json:"allow_from"`
}

type DiscordConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allow_from"`
}

type QQConfig struct {
	Enabled              bool     `json:"enabled"`
	AppID                string   `json:"app_id"`
	Secret               string   `json:"secret"`
	MarkdownEnabled      bool     `json:"markdown_enabled"`
	GroupMarkdownEnabled bool     `json:"group_markdown_enabled"`
	AllowFrom            []string `json:"allow_from"`
}

type WeChatConfig struct {
	Enabled bool   `json:"enabled"`
	AppID   string `json:"app_id"`
	Secret  string `json:"secret"`
}

type DingTalkConfig struct {
	Enabled      bool     `json:"enabled"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	AllowFrom    []string `json:"allow_from"`
}

type FeishuConfig struct {
	Enabled   bool   `json:"enabled"`
	AppID     string `json:"app_id"`
	AppSecret string `json:"app_secret"`
}

// GatewayConfig controls the HTTP/WS surface.
type GatewayConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	PasswordHash string `json:"password_hash"` // SHA-256(salt + password), empty = no password set
	PasswordSalt string `json:"password_salt"`
}

// ToolsConfig controls tool execution.
type ToolsConfig struct {
	ShellEnabled    bool     `json:"shell_enabled"`
	ShellTimeout    int      `json:"shell_timeout"` // seconds
	ShellWhitelist  []string `json:"shell_whitelist"`
	MaxOutputLength int      `json:"max_output_length"`
	WebSearchMax    int      `json:"web_search_max"`
}

// BusConfig controls the message bus.
type BusConfig struct {
	PersistQueue bool `json:"persist_queue"`
}

// HeartbeatConfig controls the proactive greeting job.
type HeartbeatConfig struct {
	Enabled         bool   `json:"enabled"`
	Channel         string `json:"channel"`
	ChatID          string `json:"chat_id"`
	Schedule        string `json:"schedule"`
	QuietStart      int    `json:"quiet_start"`
	QuietEnd        int    `json:"quiet_end"`
	IdleThresholdHr int    `json:"idle_threshold_hours"`
	MaxGreetsPerDay int    `json:"max_greets_per_day"`
}

// RateLimitConfig is the per-sender token bucket.
type RateLimitConfig struct {
	Enabled bool    `json:"enabled"`
	Rate    float64 `json:"rate"` // tokens per window
	Per     float64 `json:"per"`  // window in seconds
}

// Snapshot returns a copy of the config safe for concurrent readers.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cp := Config{
		Agent:     c.Agent,
		Persona:   c.Persona,
		Channels:  c.Channels,
		Gateway:   c.Gateway,
		Tools:     c.Tools,
		Bus:       c.Bus,
		Heartbeat: c.Heartbeat,
		RateLimit: c.RateLimit,
	}
	return cp
}

// Update applies fn under the write lock.
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

// Replace swaps in the values of another config (hot reload from disk).
func (c *Config) Replace(other *Config) {
	snap := other.Snapshot()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agent = snap.Agent
	c.Persona = snap.Persona
	c.Channels = snap.Channels
	c.Gateway = snap.Gateway
	c.Tools = snap.Tools
	c.Bus = snap.Bus
	c.Heartbeat = snap.Heartbeat
	c.RateLimit = snap.RateLimit
}
