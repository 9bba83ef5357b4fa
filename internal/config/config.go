package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port               string
	Env                string
	PublicBaseURL      string
	LogLevel           string
	DatabaseURL        string
	AdminJWTSecret     string
	CORSAllowedOrigins []string

	// Gateway (WAHA) defaults; per-account base URL and key override these.
	WAHABaseURL           string
	WAHAAPIKey            string
	WAHATimeout           time.Duration
	WAHAMaxRetries        int
	WAHARetryBackoff      time.Duration
	WAHAWebhookHMACSecret string
	WebhookRateLimit      int
	WebhookRateBurst      int

	// Reconciliation
	SystemParticipantID string
	SessionPollInterval time.Duration
	OutboxPollInterval  time.Duration
	OutboxBatchSize     int

	// Webhook deliveries older than this are forgotten by the dedup ledger.
	ProcessedEventRetention time.Duration

	// Live thread feed
	RedisAddr            string
	RedisPassword        string
	RedisTLS             bool
	ThreadFeedMaxEntries int
	ThreadFeedTTL        time.Duration

	// Media pipeline
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	UseMemoryQueue      bool
	MediaQueueURL       string
	MediaJobsTable      string
	MediaBucket         string
	MediaWorkerCount    int

	// Inbound notifications
	EmailProvider     string
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	SESFromEmail      string
	SESFromName       string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		Env:                getEnv("ENV", "development"),
		PublicBaseURL:      getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		AdminJWTSecret:     getEnv("ADMIN_JWT_SECRET", ""),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", nil),

		WAHABaseURL:           strings.TrimRight(getEnv("WAHA_BASE_URL", "http://localhost:3000"), "/"),
		WAHAAPIKey:            getEnv("WAHA_API_KEY", ""),
		WAHATimeout:           getEnvAsDuration("WAHA_TIMEOUT", 30*time.Second),
		WAHAMaxRetries:        getEnvAsInt("WAHA_MAX_RETRIES", 2),
		WAHARetryBackoff:      getEnvAsDuration("WAHA_RETRY_BACKOFF", 250*time.Millisecond),
		WAHAWebhookHMACSecret: getEnv("WAHA_WEBHOOK_HMAC_SECRET", ""),
		WebhookRateLimit:      getEnvAsInt("WEBHOOK_RATE_LIMIT", 50),
		WebhookRateBurst:      getEnvAsInt("WEBHOOK_RATE_BURST", 100),

		SystemParticipantID: getEnv("SYSTEM_PARTICIPANT_ID", "system"),
		SessionPollInterval: getEnvAsDuration("SESSION_POLL_INTERVAL", 5*time.Minute),
		OutboxPollInterval:  getEnvAsDuration("OUTBOX_POLL_INTERVAL", 2*time.Second),
		OutboxBatchSize:     getEnvAsInt("OUTBOX_BATCH_SIZE", 50),

		ProcessedEventRetention: getEnvAsDuration("PROCESSED_EVENT_RETENTION", 14*24*time.Hour),

		RedisAddr:            getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword:        getEnv("REDIS_PASSWORD", ""),
		RedisTLS:             getEnvAsBool("REDIS_TLS", false),
		ThreadFeedMaxEntries: getEnvAsInt("THREAD_FEED_MAX_ENTRIES", 200),
		ThreadFeedTTL:        getEnvAsDuration("THREAD_FEED_TTL", 7*24*time.Hour),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		UseMemoryQueue:      getEnvAsBool("USE_MEMORY_QUEUE", false),
		MediaQueueURL:       getEnv("MEDIA_QUEUE_URL", ""),
		MediaJobsTable:      getEnv("MEDIA_JOBS_TABLE", "media_jobs"),
		MediaBucket:         getEnv("MEDIA_BUCKET", ""),
		MediaWorkerCount:    getEnvAsInt("MEDIA_WORKER_COUNT", 2),

		EmailProvider:     strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", "auto"))),
		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "WhatsApp Bridge"),
		SESFromEmail:      getEnv("SES_FROM_EMAIL", ""),
		SESFromName:       getEnv("SES_FROM_NAME", "WhatsApp Bridge"),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma separated variable, dropping blanks.
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
