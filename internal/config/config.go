// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mbd888/escrowpay/internal/money"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool

	// Payment gateway
	StripeSecretKey string
	StripeAPIURL    string // Override for tests and stripe-mock
	GatewayTimeout  time.Duration
	Currency        string

	// Inbound webhooks
	WebhookSecret        string
	WebhookTolerance     time.Duration
	WebhookLease         time.Duration
	WebhookSweepInterval time.Duration

	// Public API throttling, per caller. Zero disables.
	RateLimitPerMinute int
	RateLimitBurst     int

	// Wallet
	MinWithdrawal money.Amount

	// Notifications
	KafkaBrokers []string
	KafkaTopic   string

	// Observability
	OTLPEndpoint      string
	ReconcileInterval time.Duration
}

const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
	DefaultCurrency             = "usd"
	DefaultGatewayTimeout       = 15 * time.Second
	DefaultWebhookTolerance     = 5 * time.Minute
	DefaultWebhookLease         = 60 * time.Second
	DefaultWebhookSweepInterval = 30 * time.Second
	DefaultReconcileInterval    = 15 * time.Minute
	DefaultMinWithdrawal        = "10.00"
	DefaultKafkaTopic           = "escrowpay.events"
	DefaultRateLimitPerMinute   = 120
	DefaultRateLimitBurst       = 20
)

// placeholderSecrets are values shipped in sample env files. Any of them
// disables webhook signature verification.
var placeholderSecrets = map[string]bool{
	"":                  true,
	"whsec_placeholder": true,
	"whsec_xxx":         true,
	"changeme":          true,
}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	minWithdrawal, err := money.Parse(getEnv("MIN_WITHDRAWAL", DefaultMinWithdrawal))
	if err != nil {
		return nil, fmt.Errorf("MIN_WITHDRAWAL: %w", err)
	}

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		AutoMigrate:          getEnvBool("AUTO_MIGRATE", true),
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		StripeAPIURL:         os.Getenv("STRIPE_API_URL"),
		GatewayTimeout:       getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		Currency:             strings.ToLower(getEnv("CURRENCY", DefaultCurrency)),
		WebhookSecret:        os.Getenv("STRIPE_WEBHOOK_SECRET"),
		WebhookTolerance:     getEnvDuration("WEBHOOK_TOLERANCE", DefaultWebhookTolerance),
		WebhookLease:         getEnvDuration("WEBHOOK_LEASE", DefaultWebhookLease),
		WebhookSweepInterval: getEnvDuration("WEBHOOK_SWEEP_INTERVAL", DefaultWebhookSweepInterval),
		RateLimitPerMinute:   getEnvInt("RATE_LIMIT_PER_MINUTE", DefaultRateLimitPerMinute),
		RateLimitBurst:       getEnvInt("RATE_LIMIT_BURST", DefaultRateLimitBurst),
		MinWithdrawal:        minWithdrawal,
		KafkaBrokers:         splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:           getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	var errs []error

	if c.WebhookTolerance <= 0 {
		errs = append(errs, fmt.Errorf("WEBHOOK_TOLERANCE must be positive"))
	}
	if c.WebhookLease <= 0 {
		errs = append(errs, fmt.Errorf("WEBHOOK_LEASE must be positive"))
	}
	if c.GatewayTimeout <= 0 {
		errs = append(errs, fmt.Errorf("GATEWAY_TIMEOUT must be positive"))
	}
	if c.RateLimitPerMinute < 0 || c.RateLimitBurst < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_PER_MINUTE and RATE_LIMIT_BURST must not be negative"))
	}
	if !c.MinWithdrawal.Positive() {
		errs = append(errs, fmt.Errorf("MIN_WITHDRAWAL must be greater than zero"))
	}

	if c.IsProduction() {
		if c.WebhookVerificationDisabled() {
			errs = append(errs, fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production"))
		}
		if c.StripeSecretKey == "" {
			errs = append(errs, fmt.Errorf("STRIPE_SECRET_KEY is required in production"))
		}
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required in production"))
		}
	}

	return errors.Join(errs...)
}

// WebhookVerificationDisabled reports whether the configured webhook secret is
// unset or a known placeholder. Signature checks are skipped in that case,
// which is only acceptable for local development.
func (c *Config) WebhookVerificationDisabled() bool {
	return placeholderSecrets[strings.TrimSpace(c.WebhookSecret)]
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
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

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
