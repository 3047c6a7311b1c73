package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.MaxSessions != 100 {
		t.Fatalf("MaxSessions = %d, want 100", cfg.MaxSessions)
	}
	if cfg.SessionIdleTimeout != 30*time.Minute {
		t.Fatalf("SessionIdleTimeout = %v, want 30m", cfg.SessionIdleTimeout)
	}
	if cfg.LatencyBudget != 300*time.Millisecond {
		t.Fatalf("LatencyBudget = %v, want 300ms", cfg.LatencyBudget)
	}
	if cfg.HeartbeatTimeout != 5*time.Second {
		t.Fatalf("HeartbeatTimeout = %v, want 5s", cfg.HeartbeatTimeout)
	}
	if cfg.MaxReconnects != 5 {
		t.Fatalf("MaxReconnects = %d, want 5", cfg.MaxReconnects)
	}
	if cfg.SampleRate != 16000 || cfg.BufferSeconds != 2 {
		t.Fatalf("audio defaults = %d Hz / %d s, want 16000/2", cfg.SampleRate, cfg.BufferSeconds)
	}
	if cfg.MinUtteranceBytes != 1000 || cfg.MaxUtteranceBytes != 10<<20 {
		t.Fatalf("utterance bounds = %d/%d", cfg.MinUtteranceBytes, cfg.MaxUtteranceBytes)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		key   string
		value string
	}{
		{"APP_MAX_SESSIONS", "0"},
		{"APP_MAX_SESSIONS", "not-a-number"},
		{"APP_SESSION_IDLE_TIMEOUT", "10s"},
		{"STREAM_LATENCY_BUDGET", "-1s"},
		{"STREAM_HEARTBEAT_TIMEOUT", "1ms"},
		{"STREAM_MAX_RECONNECTS", "-1"},
		{"AUDIO_SAMPLE_RATE", "0"},
		{"AUDIO_MIN_UTTERANCE_BYTES", "0"},
		{"PROVIDER_MODE", "carrier-pigeon"},
		{"STREAM_LOW_LATENCY", "maybe"},
	}
	for _, tc := range cases {
		t.Setenv(tc.key, tc.value)
		if _, err := Load(); err == nil {
			t.Fatalf("Load() with %s=%s should fail", tc.key, tc.value)
		}
		t.Setenv(tc.key, "")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("APP_MAX_SESSIONS", "7")
	t.Setenv("STREAM_LATENCY_BUDGET", "150ms")
	t.Setenv("STREAM_LOW_LATENCY", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxSessions != 7 {
		t.Fatalf("MaxSessions = %d, want 7", cfg.MaxSessions)
	}
	if cfg.LatencyBudget != 150*time.Millisecond {
		t.Fatalf("LatencyBudget = %v, want 150ms", cfg.LatencyBudget)
	}
	if !cfg.LowLatencyMode {
		t.Fatalf("LowLatencyMode should be enabled")
	}
}
