// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Redis for the idempotency ledger (optional)
	AutoMigrate bool   // Apply goose migrations at startup

	// Bank webhook
	BankWebhookSecret string // HMAC-SHA256 key for X-Bank-Signature

	// Transition engine
	MaxTransitionAttempts int
	RetryBaseDelay        time.Duration
	IdempotencyTTL        time.Duration
	IdempotencyWait       time.Duration

	// Background replay verification (0 disables)
	VerifyInterval time.Duration

	// Store circuit breaker
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// HTTP surface
	RateLimitRPM   int
	RateLimitBurst int
	CORSOrigins    []string

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort                  = "8080"
	DefaultEnv                   = "development"
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "json"
	DefaultMaxTransitionAttempts = 5
	DefaultRetryBaseDelay        = 5 * time.Millisecond
	DefaultIdempotencyTTL        = 30 * 24 * time.Hour
	DefaultIdempotencyWait       = 10 * time.Second
	DefaultBreakerThreshold      = 5
	DefaultBreakerCooldown       = 30 * time.Second
	DefaultRateLimitRPM          = 600
	DefaultRateLimitBurst        = 100
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisURL:              os.Getenv("REDIS_URL"),
		AutoMigrate:           getEnvBool("AUTO_MIGRATE", false),
		BankWebhookSecret:     os.Getenv("BANK_WEBHOOK_SECRET"),
		MaxTransitionAttempts: int(getEnvInt64("MAX_TRANSITION_ATTEMPTS", DefaultMaxTransitionAttempts)),
		RetryBaseDelay:        getEnvDuration("RETRY_BASE_DELAY", DefaultRetryBaseDelay),
		IdempotencyTTL:        getEnvDuration("IDEMPOTENCY_TTL", DefaultIdempotencyTTL),
		IdempotencyWait:       getEnvDuration("IDEMPOTENCY_WAIT", DefaultIdempotencyWait),
		VerifyInterval:        getEnvDuration("VERIFY_INTERVAL", 0),
		BreakerThreshold:      int(getEnvInt64("BREAKER_THRESHOLD", DefaultBreakerThreshold)),
		BreakerCooldown:       getEnvDuration("BREAKER_COOLDOWN", DefaultBreakerCooldown),
		RateLimitRPM:          int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:        int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		CORSOrigins:           getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric, got %q", c.Port)
	}
	if c.MaxTransitionAttempts < 1 {
		return fmt.Errorf("MAX_TRANSITION_ATTEMPTS must be at least 1")
	}
	if c.RetryBaseDelay < 0 {
		return fmt.Errorf("RETRY_BASE_DELAY must not be negative")
	}
	// Keys must outlive plausible webhook retry windows.
	if c.IdempotencyTTL < time.Hour {
		return fmt.Errorf("IDEMPOTENCY_TTL must be at least 1h")
	}
	if c.IdempotencyWait <= 0 {
		return fmt.Errorf("IDEMPOTENCY_WAIT must be positive")
	}
	if c.VerifyInterval < 0 {
		return fmt.Errorf("VERIFY_INTERVAL must not be negative")
	}
	if c.RateLimitRPM < 1 || c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must be at least 1")
	}
	if c.IsProduction() && c.BankWebhookSecret == "" {
		return fmt.Errorf("BANK_WEBHOOK_SECRET is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
