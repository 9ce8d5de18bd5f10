// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Custody provider (escrow vaults)
	CustodyURL     string        // Base URL of the custody proxy (empty = built-in fake, dev only)
	CustodyAPIKey  string        // Bearer token for the custody proxy
	CustodyTimeout time.Duration // Per-call timeout

	// Trade engine settings
	FundingPollInterval time.Duration // How often a trade polls its vault for the deposit
	RequestTTL          time.Duration // Open trade request lifetime
	ExpirySweepInterval time.Duration // How often the expiry sweep runs
	DeliveryCodeLength  int

	// Credits / payments
	StripeSecretKey     string // Card checkout for credit purchases (optional)
	StripeWebhookSecret string
	StripeSuccessURL    string // Redirect after a completed checkout
	StripeCancelURL     string // Redirect after an abandoned checkout

	// Notifications
	WebhookSecret string // Default HMAC secret for outbound notification webhooks

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; empty disables tracing
	RateLimitRPM int
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultCustodyTimeout      = 15 * time.Second
	DefaultFundingPollInterval = 30 * time.Second
	DefaultRequestTTL          = 24 * time.Hour
	DefaultExpirySweepInterval = time.Minute
	DefaultDeliveryCodeLength  = 6
	DefaultRateLimit           = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		CustodyURL:          os.Getenv("CUSTODY_URL"),
		CustodyAPIKey:       os.Getenv("CUSTODY_API_KEY"),
		CustodyTimeout:      getEnvDuration("CUSTODY_TIMEOUT", DefaultCustodyTimeout),
		FundingPollInterval: getEnvDuration("FUNDING_POLL_INTERVAL", DefaultFundingPollInterval),
		RequestTTL:          getEnvDuration("REQUEST_TTL", DefaultRequestTTL),
		ExpirySweepInterval: getEnvDuration("EXPIRY_SWEEP_INTERVAL", DefaultExpirySweepInterval),
		DeliveryCodeLength:  int(getEnvInt64("DELIVERY_CODE_LENGTH", DefaultDeliveryCodeLength)),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripeSuccessURL:    getEnv("STRIPE_SUCCESS_URL", "https://peervault.app/credits/success"),
		StripeCancelURL:     getEnv("STRIPE_CANCEL_URL", "https://peervault.app/credits/cancel"),
		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.CustodyURL == "" && c.IsProduction() {
		return fmt.Errorf("CUSTODY_URL is required in production (the fake provider is dev-only)")
	}
	if c.CustodyURL != "" && c.CustodyAPIKey == "" {
		return fmt.Errorf("CUSTODY_API_KEY is required when CUSTODY_URL is set")
	}
	if c.FundingPollInterval < time.Second {
		return fmt.Errorf("FUNDING_POLL_INTERVAL must be at least 1s")
	}
	if c.RequestTTL <= 0 {
		return fmt.Errorf("REQUEST_TTL must be positive")
	}
	if c.DeliveryCodeLength < 4 || c.DeliveryCodeLength > 12 {
		return fmt.Errorf("DELIVERY_CODE_LENGTH must be between 4 and 12")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
