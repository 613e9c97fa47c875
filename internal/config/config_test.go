package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.CreditsPerMinute != 5 {
		t.Fatalf("CreditsPerMinute = %d, want 5", cfg.CreditsPerMinute)
	}
	if cfg.MaxSessionsPerUser != 1 {
		t.Fatalf("MaxSessionsPerUser = %d, want 1", cfg.MaxSessionsPerUser)
	}
	if len(cfg.ICEServerURLs) != 3 {
		t.Fatalf("ICEServerURLs = %v, want 3 STUN defaults", cfg.ICEServerURLs)
	}
	if cfg.ProviderMode != "auto" {
		t.Fatalf("ProviderMode = %q, want %q", cfg.ProviderMode, "auto")
	}
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9090")
	t.Setenv("LIVE_CREDITS_PER_MINUTE", "12")
	t.Setenv("APP_NEGOTIATION_TIMEOUT", "45s")
	t.Setenv("ICE_SERVER_URLS", "turn:turn.example.com:3478, stun:stun.example.com:3478")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9090")
	}
	if cfg.CreditsPerMinute != 12 {
		t.Fatalf("CreditsPerMinute = %d, want 12", cfg.CreditsPerMinute)
	}
	if cfg.NegotiationTimeout != 45*time.Second {
		t.Fatalf("NegotiationTimeout = %v, want 45s", cfg.NegotiationTimeout)
	}
	if len(cfg.ICEServerURLs) != 2 || cfg.ICEServerURLs[0] != "turn:turn.example.com:3478" {
		t.Fatalf("ICEServerURLs = %v", cfg.ICEServerURLs)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"APP_SESSION_IDLE_TIMEOUT":  "1s",
		"LIVE_CREDITS_PER_MINUTE":   "-1",
		"APP_MAX_SESSIONS_PER_USER": "0",
		"PIPELINE_PROVIDER":         "grpc",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, val)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() accepted %s=%s", key, val)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_IDLE_TIMEOUT",
		"APP_SESSION_RETENTION",
		"APP_NEGOTIATION_TIMEOUT",
		"APP_FIRST_AUDIO_SLO",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_AUTH_SECRET",
		"APP_MAX_SESSIONS_PER_USER",
		"APP_PING_INTERVAL",
		"APP_PONG_MISS_MAX",
		"LIVE_CREDITS_PER_MINUTE",
		"ICE_SERVER_URLS",
		"PIPELINE_PROVIDER",
		"PIPELINE_HISTORY_WINDOW",
		"PIPELINE_SYSTEM_PROMPT",
		"STT_SERVICE_URL",
		"LLM_SERVICE_URL",
		"TTS_SERVICE_URL",
		"AVATAR_RENDER_URL",
		"STT_TIMEOUT",
		"LLM_TIMEOUT",
		"TTS_TIMEOUT",
		"AVATAR_RENDER_TIMEOUT",
		"DATABASE_URL",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}
