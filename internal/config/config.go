package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the live avatar session service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool
	AuthSecret     string

	SessionIdleTimeout time.Duration
	SessionRetention   time.Duration
	NegotiationTimeout time.Duration
	MaxSessionsPerUser int

	CreditsPerMinute int

	ICEServerURLs []string

	ProviderMode     string
	STTServiceURL    string
	LLMServiceURL    string
	TTSServiceURL    string
	RenderServiceURL string

	STTTimeout    time.Duration
	LLMTimeout    time.Duration
	TTSTimeout    time.Duration
	RenderTimeout time.Duration
	FirstAudioSLO time.Duration

	HistoryWindow int
	SystemPrompt  string

	PingInterval time.Duration
	PongMissMax  int

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "liveavatar"),
		AllowAnyOrigin:   false,
		AuthSecret:       trimmedEnv("APP_AUTH_SECRET"),
		ProviderMode:     envOrDefault("PIPELINE_PROVIDER", "auto"),
		STTServiceURL:    trimmedEnv("STT_SERVICE_URL"),
		LLMServiceURL:    trimmedEnv("LLM_SERVICE_URL"),
		TTSServiceURL:    trimmedEnv("TTS_SERVICE_URL"),
		RenderServiceURL: trimmedEnv("AVATAR_RENDER_URL"),
		SystemPrompt: envOrDefault("PIPELINE_SYSTEM_PROMPT",
			"You are a helpful AI presenter. Keep your responses concise and conversational."),
		DatabaseURL: trimmedEnv("DATABASE_URL"),

		ShutdownTimeout:    15 * time.Second,
		SessionIdleTimeout: 2 * time.Minute,
		SessionRetention:   time.Minute,
		NegotiationTimeout: 30 * time.Second,
		MaxSessionsPerUser: 1,
		CreditsPerMinute:   5,
		STTTimeout:         10 * time.Second,
		LLMTimeout:         12 * time.Second,
		TTSTimeout:         15 * time.Second,
		RenderTimeout:      15 * time.Second,
		FirstAudioSLO:      500 * time.Millisecond,
		HistoryWindow:      8,
		PingInterval:       5 * time.Second,
		PongMissMax:        3,
	}

	// Same public STUN pool the hosted deployment ships with; override for TURN.
	cfg.ICEServerURLs = splitCSV(envOrDefault("ICE_SERVER_URLS",
		"stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302,stun:stun2.l.google.com:19302"))

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionIdleTimeout, err = durationFromEnv("APP_SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionRetention, err = durationFromEnv("APP_SESSION_RETENTION", cfg.SessionRetention); err != nil {
		return Config{}, err
	}
	if cfg.NegotiationTimeout, err = durationFromEnv("APP_NEGOTIATION_TIMEOUT", cfg.NegotiationTimeout); err != nil {
		return Config{}, err
	}
	if cfg.FirstAudioSLO, err = durationFromEnv("APP_FIRST_AUDIO_SLO", cfg.FirstAudioSLO); err != nil {
		return Config{}, err
	}
	if cfg.STTTimeout, err = durationFromEnv("STT_TIMEOUT", cfg.STTTimeout); err != nil {
		return Config{}, err
	}
	if cfg.LLMTimeout, err = durationFromEnv("LLM_TIMEOUT", cfg.LLMTimeout); err != nil {
		return Config{}, err
	}
	if cfg.TTSTimeout, err = durationFromEnv("TTS_TIMEOUT", cfg.TTSTimeout); err != nil {
		return Config{}, err
	}
	if cfg.RenderTimeout, err = durationFromEnv("AVATAR_RENDER_TIMEOUT", cfg.RenderTimeout); err != nil {
		return Config{}, err
	}
	if cfg.PingInterval, err = durationFromEnv("APP_PING_INTERVAL", cfg.PingInterval); err != nil {
		return Config{}, err
	}
	if cfg.MaxSessionsPerUser, err = intFromEnv("APP_MAX_SESSIONS_PER_USER", cfg.MaxSessionsPerUser); err != nil {
		return Config{}, err
	}
	if cfg.CreditsPerMinute, err = intFromEnv("LIVE_CREDITS_PER_MINUTE", cfg.CreditsPerMinute); err != nil {
		return Config{}, err
	}
	if cfg.HistoryWindow, err = intFromEnv("PIPELINE_HISTORY_WINDOW", cfg.HistoryWindow); err != nil {
		return Config{}, err
	}
	if cfg.PongMissMax, err = intFromEnv("APP_PONG_MISS_MAX", cfg.PongMissMax); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}

	if cfg.SessionIdleTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_IDLE_TIMEOUT must be at least 5s")
	}
	if cfg.NegotiationTimeout < time.Second {
		return Config{}, fmt.Errorf("APP_NEGOTIATION_TIMEOUT must be at least 1s")
	}
	if cfg.CreditsPerMinute < 0 {
		return Config{}, fmt.Errorf("LIVE_CREDITS_PER_MINUTE must be >= 0")
	}
	if cfg.MaxSessionsPerUser <= 0 {
		return Config{}, fmt.Errorf("APP_MAX_SESSIONS_PER_USER must be positive")
	}
	if cfg.HistoryWindow <= 0 {
		return Config{}, fmt.Errorf("PIPELINE_HISTORY_WINDOW must be positive")
	}
	if cfg.PongMissMax <= 0 {
		return Config{}, fmt.Errorf("APP_PONG_MISS_MAX must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.ProviderMode)) {
	case "auto", "http", "mock":
	default:
		return Config{}, fmt.Errorf("invalid PIPELINE_PROVIDER: %q (expected auto|http|mock)", cfg.ProviderMode)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
