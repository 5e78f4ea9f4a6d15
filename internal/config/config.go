// Package config holds the agent client configuration: JSON file with
// environment fallbacks, $VAR references resolved for secrets.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full application configuration.
type Config struct {
	Name string `json:"name"`

	DingTalk DingTalkConfig `json:"dingtalk"`
	Stream   StreamConfig   `json:"stream"`
	LLM      LLMConfig      `json:"llm"`
	History  HistoryConfig  `json:"history"`

	// StatusAddr serves /health and /status; empty disables the listener.
	StatusAddr string `json:"status_addr,omitempty"`
}

// DingTalkConfig holds Open Platform credentials and endpoints.
type DingTalkConfig struct {
	ClientID       string `json:"client_id"`
	ClientSecret   string `json:"client_secret"`
	OpenAPIHost    string `json:"openapi_host,omitempty"`
	Topic          string `json:"topic,omitempty"` // callback topic to subscribe
	CardTemplateID string `json:"card_template_id,omitempty"`
}

// StreamConfig holds connection supervision settings, all in seconds.
type StreamConfig struct {
	ReconnectInitialSeconds  int `json:"reconnect_initial_seconds,omitempty"`
	ReconnectMaxSeconds      int `json:"reconnect_max_seconds,omitempty"`
	HealthCheckSeconds       int `json:"health_check_seconds,omitempty"`
	ConnectionTimeoutSeconds int `json:"connection_timeout_seconds,omitempty"`
	ProcessTimeoutSeconds    int `json:"process_timeout_seconds,omitempty"`
}

// LLMConfig holds provider settings. Provider selects the wire format:
// "openai" (Qwen/DashScope compatible mode included) or "anthropic".
type LLMConfig struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	APIKey       string  `json:"api_key"` // supports $ENV_VAR references
	BaseURL      string  `json:"base_url,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
}

// HistoryConfig holds conversation memory settings.
type HistoryConfig struct {
	Enabled       bool   `json:"enabled"`
	DBPath        string `json:"db_path,omitempty"`
	RetentionDays int    `json:"retention_days,omitempty"`
}

// Load reads config from a file path, falling back to environment-driven
// defaults when path is empty.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := defaultConfig()
		if err := cfg.validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := defaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	// Resolve env var references in secret-bearing values.
	cfg.DingTalk.ClientID = resolveEnv(cfg.DingTalk.ClientID)
	cfg.DingTalk.ClientSecret = resolveEnv(cfg.DingTalk.ClientSecret)
	cfg.LLM.APIKey = resolveEnv(cfg.LLM.APIKey)
	cfg.LLM.BaseURL = resolveEnv(cfg.LLM.BaseURL)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DingTalk.ClientID == "" || c.DingTalk.ClientSecret == "" {
		return fmt.Errorf("dingtalk client_id and client_secret are required")
	}
	if c.LLM.APIKey == "" && c.LLM.Provider != "openai" {
		return fmt.Errorf("llm api_key is required for provider %q", c.LLM.Provider)
	}
	return nil
}

// Durations for the stream supervisor derived from the second counts.

func (s StreamConfig) ReconnectInitial() time.Duration {
	return time.Duration(s.ReconnectInitialSeconds) * time.Second
}

func (s StreamConfig) ReconnectMax() time.Duration {
	return time.Duration(s.ReconnectMaxSeconds) * time.Second
}

func (s StreamConfig) HealthCheckInterval() time.Duration {
	return time.Duration(s.HealthCheckSeconds) * time.Second
}

func (s StreamConfig) ConnectionTimeout() time.Duration {
	return time.Duration(s.ConnectionTimeoutSeconds) * time.Second
}

func (s StreamConfig) ProcessTimeout() time.Duration {
	return time.Duration(s.ProcessTimeoutSeconds) * time.Second
}

// Retention converts the retention setting to a duration.
func (h HistoryConfig) Retention() time.Duration {
	days := h.RetentionDays
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}

// resolveEnv replaces $ENV_VAR references with actual values.
func resolveEnv(s string) string {
	if len(s) > 1 && s[0] == '$' {
		if v := os.Getenv(s[1:]); v != "" {
			return v
		}
	}
	return s
}

// defaultConfig returns a config driven by environment variables, suitable
// for container deployment without a config file.
func defaultConfig() *Config {
	return &Config{
		Name: "dingtalk-agent",
		DingTalk: DingTalkConfig{
			ClientID:       os.Getenv("DINGTALK_APP_KEY"),
			ClientSecret:   os.Getenv("DINGTALK_APP_SECRET"),
			OpenAPIHost:    envOr("DINGTALK_OPENAPI_HOST", "https://api.dingtalk.com"),
			Topic:          envOr("DINGTALK_STREAM_TOPIC", "/v1.0/graph/api/invoke"),
			CardTemplateID: envOr("DINGTALK_CARD_TEMPLATE_ID", ""),
		},
		Stream: StreamConfig{
			ReconnectInitialSeconds:  envInt("STREAM_RECONNECT_INITIAL_SECONDS", 5),
			ReconnectMaxSeconds:      envInt("STREAM_RECONNECT_MAX_SECONDS", 60),
			HealthCheckSeconds:       envInt("STREAM_HEALTH_CHECK_SECONDS", 60),
			ConnectionTimeoutSeconds: envInt("STREAM_CONNECTION_TIMEOUT_SECONDS", 300),
			ProcessTimeoutSeconds:    envInt("MESSAGE_PROCESS_TIMEOUT_SECONDS", 120),
		},
		LLM: LLMConfig{
			Provider:    envOr("LLM_PROVIDER", "openai"),
			Model:       envOr("LLM_MODEL", "qwen-plus"),
			APIKey:      envOr("LLM_API_KEY", os.Getenv("ANTHROPIC_API_KEY")),
			BaseURL:     envOr("LLM_BASE_URL", "https://dashscope.aliyuncs.com/compatible-mode/v1"),
			MaxTokens:   envInt("LLM_MAX_TOKENS", 4096),
			Temperature: 0.7,
		},
		History: HistoryConfig{
			Enabled:       envOr("HISTORY_ENABLED", "1") != "0",
			DBPath:        envOr("HISTORY_DB_PATH", "data/history.db"),
			RetentionDays: envInt("HISTORY_RETENTION_DAYS", 30),
		},
		StatusAddr: envOr("STATUS_ADDR", ":8080"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
