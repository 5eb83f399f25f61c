package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	// Server configuration
	Port          string
	Mode          string
	LogLevel      string
	PublicBaseURL string
	AdminAPIKey   string

	// Database configuration
	DatabaseURL string

	// Redis configuration
	RedisURL string

	// Brevo email configuration
	BrevoAPIKey    string
	BrevoFromEmail string
	BrevoFromName  string
	AdminEmail     string

	// Downstream order status webhook
	StatusWebhookURL    string
	StatusWebhookSecret string

	// Affiliate configuration
	ReferralSecret  string
	EnvelopeSecret  string
	ReferralWindow  time.Duration
	MinPayout       decimal.Decimal
	PayoutCurrency  string
	PayoutDelayDays int
	JobLeaseTTL     time.Duration
	JobInterval     time.Duration
	ArchiveAfter    time.Duration

	// Notification endpoint throttling
	NotificationRPS   int
	NotificationBurst int

	// Gateways
	GatewayTimeout time.Duration
	GatewaysFile   string
	Gateways       []GatewayConfig
}

// Load reads .env (if present) and the environment into a Config. The result is
// built once at process start and passed to every component that needs it.
func Load() (*Config, error) {
	// Ignore error if .env file doesn't exist
	_ = godotenv.Load()

	minPayout, err := decimal.NewFromString(getEnv("MIN_PAYOUT", "50.00"))
	if err != nil {
		return nil, fmt.Errorf("invalid MIN_PAYOUT: %w", err)
	}

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		Mode:                getEnv("GIN_MODE", "debug"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		PublicBaseURL:       getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
		AdminAPIKey:         getEnv("ADMIN_API_KEY", ""),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		RedisURL:            getEnv("REDIS_URL", "redis://localhost:6379/0"),
		BrevoAPIKey:         getEnv("BREVO_API_KEY", ""),
		BrevoFromEmail:      getEnv("BREVO_FROM_EMAIL", ""),
		BrevoFromName:       getEnv("BREVO_FROM_NAME", "Store"),
		AdminEmail:          getEnv("ADMIN_EMAIL", ""),
		StatusWebhookURL:    getEnv("STATUS_WEBHOOK_URL", ""),
		StatusWebhookSecret: getEnv("STATUS_WEBHOOK_SECRET", ""),
		ReferralSecret:      getEnv("REFERRAL_SECRET", ""),
		EnvelopeSecret:      getEnv("ENVELOPE_SECRET", ""),
		ReferralWindow:      time.Duration(getEnvInt("REFERRAL_WINDOW_HOURS", 720)) * time.Hour,
		MinPayout:           minPayout,
		PayoutCurrency:      getEnv("PAYOUT_CURRENCY", "USD"),
		PayoutDelayDays:     getEnvInt("PAYOUT_DELAY_DAYS", 30),
		JobLeaseTTL:         time.Duration(getEnvInt("JOB_LEASE_SECONDS", 600)) * time.Second,
		JobInterval:         time.Duration(getEnvInt("JOB_INTERVAL_MINUTES", 60)) * time.Minute,
		ArchiveAfter:        time.Duration(getEnvInt("ARCHIVE_AFTER_DAYS", 365)) * 24 * time.Hour,
		NotificationRPS:     getEnvInt("NOTIFICATION_RPS", 20),
		NotificationBurst:   getEnvInt("NOTIFICATION_BURST", 40),
		GatewayTimeout:      time.Duration(getEnvInt("GATEWAY_TIMEOUT_SECONDS", 10)) * time.Second,
		GatewaysFile:        getEnv("GATEWAYS_FILE", "gateways.yaml"),
	}

	if cfg.ReferralSecret == "" {
		return nil, fmt.Errorf("REFERRAL_SECRET is required")
	}

	if cfg.EnvelopeSecret == "" {
		return nil, fmt.Errorf("ENVELOPE_SECRET is required")
	}

	gateways, err := LoadGateways(cfg.GatewaysFile)
	if err != nil {
		return nil, err
	}
	cfg.Gateways = gateways

	return cfg, nil
}

// Production reports whether gin runs in release mode.
func (c *Config) Production() bool {
	return c.Mode == "release"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
