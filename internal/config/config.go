package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the companion device backend.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	// Session admission and lifecycle.
	MaxSessions        int
	SessionIdleTimeout time.Duration
	SweepInterval      time.Duration

	// Streaming transport.
	LatencyBudget    time.Duration
	HeartbeatTimeout time.Duration
	MaxReconnects    int
	ReconnectBackoff time.Duration
	LowLatencyMode   bool

	// Audio capture.
	SampleRate        int
	BufferSeconds     int
	MinUtteranceBytes int
	MaxUtteranceBytes int

	// Collaborator selection. Real STT/TTS/safety/reply providers are
	// injected by the embedding deployment; "mock" runs self-contained.
	ProviderMode string

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:           envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:   envOrDefault("APP_METRICS_NAMESPACE", "burrow"),
		AllowAnyOrigin:     false,
		ShutdownTimeout:    15 * time.Second,
		MaxSessions:        100,
		SessionIdleTimeout: 30 * time.Minute,
		SweepInterval:      60 * time.Second,
		LatencyBudget:      300 * time.Millisecond,
		HeartbeatTimeout:   5 * time.Second,
		MaxReconnects:      5,
		ReconnectBackoff:   500 * time.Millisecond,
		LowLatencyMode:     false,
		SampleRate:         16000,
		BufferSeconds:      2,
		MinUtteranceBytes:  1000,
		MaxUtteranceBytes:  10 << 20,
		ProviderMode:       envOrDefault("PROVIDER_MODE", "mock"),
		DatabaseURL:        trimmedEnv("DATABASE_URL"),
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.MaxSessions, err = intFromEnv("APP_MAX_SESSIONS", cfg.MaxSessions); err != nil {
		return Config{}, err
	}
	if cfg.SessionIdleTimeout, err = durationFromEnv("APP_SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = durationFromEnv("APP_SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return Config{}, err
	}
	if cfg.LatencyBudget, err = durationFromEnv("STREAM_LATENCY_BUDGET", cfg.LatencyBudget); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatTimeout, err = durationFromEnv("STREAM_HEARTBEAT_TIMEOUT", cfg.HeartbeatTimeout); err != nil {
		return Config{}, err
	}
	if cfg.MaxReconnects, err = intFromEnv("STREAM_MAX_RECONNECTS", cfg.MaxReconnects); err != nil {
		return Config{}, err
	}
	if cfg.ReconnectBackoff, err = durationFromEnv("STREAM_RECONNECT_BACKOFF", cfg.ReconnectBackoff); err != nil {
		return Config{}, err
	}
	if cfg.LowLatencyMode, err = boolFromEnv("STREAM_LOW_LATENCY", cfg.LowLatencyMode); err != nil {
		return Config{}, err
	}
	if cfg.SampleRate, err = intFromEnv("AUDIO_SAMPLE_RATE", cfg.SampleRate); err != nil {
		return Config{}, err
	}
	if cfg.BufferSeconds, err = intFromEnv("AUDIO_BUFFER_SECONDS", cfg.BufferSeconds); err != nil {
		return Config{}, err
	}
	if cfg.MinUtteranceBytes, err = intFromEnv("AUDIO_MIN_UTTERANCE_BYTES", cfg.MinUtteranceBytes); err != nil {
		return Config{}, err
	}
	if cfg.MaxUtteranceBytes, err = intFromEnv("AUDIO_MAX_UTTERANCE_BYTES", cfg.MaxUtteranceBytes); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}

	if cfg.MaxSessions <= 0 {
		return Config{}, fmt.Errorf("APP_MAX_SESSIONS must be positive")
	}
	if cfg.SessionIdleTimeout < time.Minute {
		return Config{}, fmt.Errorf("APP_SESSION_IDLE_TIMEOUT must be at least 1m")
	}
	if cfg.SweepInterval < time.Second {
		return Config{}, fmt.Errorf("APP_SWEEP_INTERVAL must be at least 1s")
	}
	if cfg.LatencyBudget <= 0 {
		return Config{}, fmt.Errorf("STREAM_LATENCY_BUDGET must be positive")
	}
	if cfg.HeartbeatTimeout < cfg.LatencyBudget {
		return Config{}, fmt.Errorf("STREAM_HEARTBEAT_TIMEOUT must be at least the latency budget")
	}
	if cfg.MaxReconnects < 0 {
		return Config{}, fmt.Errorf("STREAM_MAX_RECONNECTS must be >= 0")
	}
	if cfg.SampleRate <= 0 {
		return Config{}, fmt.Errorf("AUDIO_SAMPLE_RATE must be positive")
	}
	if cfg.BufferSeconds <= 0 {
		return Config{}, fmt.Errorf("AUDIO_BUFFER_SECONDS must be positive")
	}
	if cfg.MinUtteranceBytes <= 0 || cfg.MaxUtteranceBytes <= cfg.MinUtteranceBytes {
		return Config{}, fmt.Errorf("utterance byte bounds must satisfy 0 < min < max")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.ProviderMode)) {
	case "mock", "external":
	default:
		return Config{}, fmt.Errorf("invalid PROVIDER_MODE: %q (expected mock|external)", cfg.ProviderMode)
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
