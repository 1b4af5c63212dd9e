package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("expected port 9090, got %q", cfg.Port)
	}
	if cfg.Playback.PollInterval != 500*time.Millisecond {
		t.Errorf("expected PollInterval 500ms, got %v", cfg.Playback.PollInterval)
	}
	if cfg.Playback.ReadyFallback != 2500*time.Millisecond {
		t.Errorf("expected ReadyFallback 2.5s, got %v", cfg.Playback.ReadyFallback)
	}
	if cfg.Playback.ResumeDelay != 800*time.Millisecond {
		t.Errorf("expected ResumeDelay 800ms, got %v", cfg.Playback.ResumeDelay)
	}
	if cfg.Playback.Epsilon != 1.0 {
		t.Errorf("expected Epsilon 1.0, got %v", cfg.Playback.Epsilon)
	}
	if cfg.Session.MaxRemediationDepth != 3 {
		t.Errorf("expected MaxRemediationDepth 3, got %d", cfg.Session.MaxRemediationDepth)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("POLL_INTERVAL_MS", "250")
	t.Setenv("CHECKPOINT_EPSILON_SECONDS", "0.5")
	t.Setenv("MAX_REMEDIATION_DEPTH", "0")
	t.Setenv("REFLECTION_AGENT_ADDR", "agent:50051")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Playback.PollInterval != 250*time.Millisecond {
		t.Errorf("expected PollInterval 250ms, got %v", cfg.Playback.PollInterval)
	}
	if cfg.Playback.Epsilon != 0.5 {
		t.Errorf("expected Epsilon 0.5, got %v", cfg.Playback.Epsilon)
	}
	if cfg.Session.MaxRemediationDepth != 0 {
		t.Errorf("expected unbounded remediation, got %d", cfg.Session.MaxRemediationDepth)
	}
	if !cfg.AIEnabled() {
		t.Error("expected AI to be enabled when agent address is set")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"zero poll interval", "POLL_INTERVAL_MS", "0"},
		{"negative epsilon", "CHECKPOINT_EPSILON_SECONDS", "-1"},
		{"negative remediation depth", "MAX_REMEDIATION_DEPTH", "-2"},
		{"empty db path", "DB_PATH", ""},
		{"zero transcript polls", "TRANSCRIPT_MAX_POLLS", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestIsDevelopment(t *testing.T) {
	cfg := &Config{FrontendURL: "http://localhost:5173"}
	if !cfg.IsDevelopment() {
		t.Error("expected localhost frontend to be development")
	}
	cfg.FrontendURL = "https://learn.example.com"
	if cfg.IsDevelopment() {
		t.Error("expected public frontend to be production")
	}
}
