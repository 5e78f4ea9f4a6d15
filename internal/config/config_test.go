package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `{
		"dingtalk": {"client_id": "id", "client_secret": "secret"},
		"stream": {"reconnect_initial_seconds": 2, "connection_timeout_seconds": 30},
		"llm": {"provider": "openai", "model": "qwen-plus", "api_key": "k"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DingTalk.ClientID != "id" {
		t.Errorf("ClientID = %q", cfg.DingTalk.ClientID)
	}
	if got := cfg.Stream.ReconnectInitial(); got != 2*time.Second {
		t.Errorf("ReconnectInitial = %v, want 2s", got)
	}
	if got := cfg.Stream.ConnectionTimeout(); got != 30*time.Second {
		t.Errorf("ConnectionTimeout = %v, want 30s", got)
	}
	// Untouched sections keep their defaults.
	if got := cfg.Stream.ProcessTimeout(); got != 120*time.Second {
		t.Errorf("ProcessTimeout = %v, want default 120s", got)
	}
	if cfg.DingTalk.Topic != "/v1.0/graph/api/invoke" {
		t.Errorf("Topic = %q", cfg.DingTalk.Topic)
	}
}

func TestLoadResolvesEnvReferences(t *testing.T) {
	t.Setenv("TEST_DINGTALK_SECRET", "resolved-secret")
	path := writeConfig(t, `{
		"dingtalk": {"client_id": "id", "client_secret": "$TEST_DINGTALK_SECRET"},
		"llm": {"provider": "openai", "api_key": "k"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DingTalk.ClientSecret != "resolved-secret" {
		t.Errorf("ClientSecret = %q, want resolved value", cfg.DingTalk.ClientSecret)
	}
}

func TestLoadMissingCredentials(t *testing.T) {
	path := writeConfig(t, `{"llm": {"provider": "openai"}}`)
	if _, err := Load(path); err == nil {
		t.Error("expected error without dingtalk credentials")
	}
}

func TestLoadDefaultsFromEnv(t *testing.T) {
	t.Setenv("DINGTALK_APP_KEY", "env-key")
	t.Setenv("DINGTALK_APP_SECRET", "env-secret")
	t.Setenv("STREAM_RECONNECT_MAX_SECONDS", "90")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DingTalk.ClientID != "env-key" {
		t.Errorf("ClientID = %q", cfg.DingTalk.ClientID)
	}
	if got := cfg.Stream.ReconnectMax(); got != 90*time.Second {
		t.Errorf("ReconnectMax = %v, want 90s", got)
	}
	if cfg.StatusAddr == "" {
		t.Error("StatusAddr default missing")
	}
}
