package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("ENV", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("SYSTEM_PARTICIPANT_ID", "")
	t.Setenv("WAHA_BASE_URL", "")
	t.Setenv("CORS_ALLOWED_ORIGINS", "")
	t.Setenv("PROCESSED_EVENT_RETENTION", "")
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %s", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Fatalf("expected default env, got %s", cfg.Env)
	}
	if cfg.SystemParticipantID != "system" {
		t.Fatalf("expected default system participant, got %s", cfg.SystemParticipantID)
	}
	if cfg.WAHABaseURL != "http://localhost:3000" {
		t.Fatalf("expected default gateway url, got %s", cfg.WAHABaseURL)
	}
	if cfg.SessionPollInterval != 5*time.Minute {
		t.Fatalf("expected default session poll interval, got %s", cfg.SessionPollInterval)
	}
	if cfg.ProcessedEventRetention != 14*24*time.Hour {
		t.Fatalf("expected two week dedup retention, got %s", cfg.ProcessedEventRetention)
	}
	if cfg.CORSAllowedOrigins != nil {
		t.Fatalf("expected no cors origins, got %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "postgres://user@host/db")
	t.Setenv("WAHA_BASE_URL", "https://waha.example.com/")
	t.Setenv("WAHA_MAX_RETRIES", "5")
	t.Setenv("WAHA_TIMEOUT", "3s")
	t.Setenv("SYSTEM_PARTICIPANT_ID", "bot-1")
	t.Setenv("USE_MEMORY_QUEUE", "true")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com, ,https://b.example.com")
	t.Setenv("EMAIL_PROVIDER", " SES ")
	cfg := Load()
	if cfg.Port != "9090" {
		t.Fatalf("expected override port, got %s", cfg.Port)
	}
	if cfg.Env != "production" {
		t.Fatalf("expected env override, got %s", cfg.Env)
	}
	if cfg.DatabaseURL != "postgres://user@host/db" {
		t.Fatalf("expected db override, got %s", cfg.DatabaseURL)
	}
	if cfg.WAHABaseURL != "https://waha.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %s", cfg.WAHABaseURL)
	}
	if cfg.WAHAMaxRetries != 5 {
		t.Fatalf("expected retries override, got %d", cfg.WAHAMaxRetries)
	}
	if cfg.WAHATimeout != 3*time.Second {
		t.Fatalf("expected timeout override, got %s", cfg.WAHATimeout)
	}
	if cfg.SystemParticipantID != "bot-1" {
		t.Fatalf("expected system participant override, got %s", cfg.SystemParticipantID)
	}
	if !cfg.UseMemoryQueue {
		t.Fatalf("expected memory queue enabled")
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("unexpected cors origins %v", cfg.CORSAllowedOrigins)
	}
	if cfg.EmailProvider != "ses" {
		t.Fatalf("expected email provider normalized, got %q", cfg.EmailProvider)
	}
}

func TestInvalidNumbersFallBack(t *testing.T) {
	t.Setenv("WAHA_MAX_RETRIES", "lots")
	t.Setenv("WAHA_RETRY_BACKOFF", "soon")
	t.Setenv("REDIS_TLS", "maybe")
	cfg := Load()
	if cfg.WAHAMaxRetries != 2 {
		t.Fatalf("expected default retries, got %d", cfg.WAHAMaxRetries)
	}
	if cfg.WAHARetryBackoff != 250*time.Millisecond {
		t.Fatalf("expected default backoff, got %s", cfg.WAHARetryBackoff)
	}
	if cfg.RedisTLS {
		t.Fatalf("expected redis tls default false")
	}
}
