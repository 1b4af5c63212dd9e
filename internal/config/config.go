// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	AgentAddr   string // Reflection agent gRPC address; empty disables remote collaborators
	Playback    PlaybackConfig
	Session     SessionConfig
	Transcript  TranscriptConfig
	Retention   RetentionConfig
}

// PlaybackConfig controls checkpoint detection timing.
type PlaybackConfig struct {
	PollInterval  time.Duration
	ReadyFallback time.Duration
	ResumeDelay   time.Duration
	Epsilon       float64 // seconds
}

// SessionConfig controls the checkpoint question session.
type SessionConfig struct {
	MaxRemediationDepth  int // 0 = unbounded
	CollaboratorTimeout  time.Duration
	ClarifyRatePerMinute int
}

// TranscriptConfig controls transcript windows and job polling.
type TranscriptConfig struct {
	Window       float64 // seconds of transcript preceding a checkpoint
	PollInterval time.Duration
	MaxPolls     int
}

// RetentionConfig controls the stale row sweeper.
type RetentionConfig struct {
	TTL      time.Duration
	Interval time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/reflect.db"),
		AgentAddr:   getEnv("REFLECTION_AGENT_ADDR", ""),
		Playback: PlaybackConfig{
			PollInterval:  getEnvMillis("POLL_INTERVAL_MS", 500*time.Millisecond),
			ReadyFallback: getEnvMillis("READY_FALLBACK_MS", 2500*time.Millisecond),
			ResumeDelay:   getEnvMillis("RESUME_DELAY_MS", 800*time.Millisecond),
			Epsilon:       getEnvFloat("CHECKPOINT_EPSILON_SECONDS", 1.0),
		},
		Session: SessionConfig{
			MaxRemediationDepth:  getEnvInt("MAX_REMEDIATION_DEPTH", 3),
			CollaboratorTimeout:  getEnvMillis("COLLABORATOR_TIMEOUT_MS", 30*time.Second),
			ClarifyRatePerMinute: getEnvInt("CLARIFY_RATE_PER_MINUTE", 10),
		},
		Transcript: TranscriptConfig{
			Window:       getEnvFloat("TRANSCRIPT_WINDOW_SECONDS", 120),
			PollInterval: getEnvMillis("TRANSCRIPT_POLL_INTERVAL_MS", 2*time.Second),
			MaxPolls:     getEnvInt("TRANSCRIPT_MAX_POLLS", 10),
		},
		Retention: RetentionConfig{
			TTL:      time.Duration(getEnvInt("RETENTION_TTL_HOURS", 24*30)) * time.Hour,
			Interval: 30 * time.Minute,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Playback.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL_MS must be > 0")
	}
	if c.Playback.ReadyFallback <= 0 {
		return fmt.Errorf("READY_FALLBACK_MS must be > 0")
	}
	if c.Playback.ResumeDelay < 0 {
		return fmt.Errorf("RESUME_DELAY_MS must be >= 0")
	}
	if c.Playback.Epsilon <= 0 {
		return fmt.Errorf("CHECKPOINT_EPSILON_SECONDS must be > 0")
	}
	if c.Session.MaxRemediationDepth < 0 {
		return fmt.Errorf("MAX_REMEDIATION_DEPTH must be >= 0")
	}
	if c.Session.CollaboratorTimeout <= 0 {
		return fmt.Errorf("COLLABORATOR_TIMEOUT_MS must be > 0")
	}
	if c.Session.ClarifyRatePerMinute <= 0 {
		return fmt.Errorf("CLARIFY_RATE_PER_MINUTE must be > 0")
	}
	if c.Transcript.Window < 0 {
		return fmt.Errorf("TRANSCRIPT_WINDOW_SECONDS must be >= 0")
	}
	if c.Transcript.MaxPolls <= 0 {
		return fmt.Errorf("TRANSCRIPT_MAX_POLLS must be > 0")
	}
	if c.Retention.TTL <= 0 {
		return fmt.Errorf("RETENTION_TTL_HOURS must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AIEnabled reports whether remote collaborators are configured.
func (c *Config) AIEnabled() bool {
	return c.AgentAddr != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvMillis(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}
