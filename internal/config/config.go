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
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL    string // PostgreSQL connection string (optional, uses in-memory if not set)
	MigrateOnStart bool   // apply embedded migrations before serving
	RedisAddr      string // Optional; enables webhook markers and the KYC cache

	// Auth
	JWTSecret string
	JWTIssuer string

	// Fees and gateway
	PlatformFeeBPS int64
	GatewayTimeout time.Duration

	// Stripe
	StripeSecretKey     string
	StripeWebhookSecret string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string
	IdentityReturnURL   string

	// Paystack
	PaystackSecretKey string
	PaystackBaseURL   string

	// Reconciliation
	ReconcileInterval   time.Duration
	ReconcileStaleAfter time.Duration

	// Notifications
	NotifyQueueSize int
	NotifyWorkers   int
	AMQPURL         string
	AMQPExchange    string
	KafkaBrokers    []string
	KafkaTopic      string

	// Observability
	OTLPEndpoint       string
	TraceSamplePercent int

	// Security
	RateLimitRPS   int
	AllowedOrigins []string
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultPlatformFeeBPS      = 800
	DefaultGatewayTimeout      = 10 * time.Second
	DefaultReconcileInterval   = 5 * time.Minute
	DefaultReconcileStaleAfter = 30 * time.Minute
	DefaultNotifyQueueSize     = 1024
	DefaultNotifyWorkers       = 2
	DefaultAMQPExchange        = "handyhub.notifications"
	DefaultKafkaTopic          = "handyhub.notifications"
	DefaultRateLimit           = 100
	DefaultPaystackBaseURL     = "https://api.paystack.co"
	DefaultJWTIssuer           = "handyhub"
	DefaultTraceSamplePercent  = 100
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
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		MigrateOnStart:      getEnvBool("MIGRATE_ON_START"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		JWTIssuer:           getEnv("JWT_ISSUER", DefaultJWTIssuer),
		PlatformFeeBPS:      getEnvInt64("PLATFORM_FEE_BPS", DefaultPlatformFeeBPS),
		GatewayTimeout:      getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		CheckoutSuccessURL:  os.Getenv("CHECKOUT_SUCCESS_URL"),
		CheckoutCancelURL:   os.Getenv("CHECKOUT_CANCEL_URL"),
		IdentityReturnURL:   os.Getenv("IDENTITY_RETURN_URL"),
		PaystackSecretKey:   os.Getenv("PAYSTACK_SECRET_KEY"),
		PaystackBaseURL:     getEnv("PAYSTACK_BASE_URL", DefaultPaystackBaseURL),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		ReconcileStaleAfter: getEnvDuration("RECONCILE_STALE_AFTER", DefaultReconcileStaleAfter),
		NotifyQueueSize:     int(getEnvInt64("NOTIFY_QUEUE_SIZE", DefaultNotifyQueueSize)),
		NotifyWorkers:       int(getEnvInt64("NOTIFY_WORKERS", DefaultNotifyWorkers)),
		AMQPURL:             os.Getenv("AMQP_URL"),
		AMQPExchange:        getEnv("AMQP_EXCHANGE", DefaultAMQPExchange),
		KafkaBrokers:        getEnvList("KAFKA_BROKERS"),
		KafkaTopic:          getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSamplePercent:  int(getEnvInt64("TRACE_SAMPLE_PERCENT", DefaultTraceSamplePercent)),
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		AllowedOrigins:      getEnvList("ALLOWED_ORIGINS"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.IsProduction() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
	}
	if c.PlatformFeeBPS <= 0 || c.PlatformFeeBPS >= 10_000 {
		return fmt.Errorf("PLATFORM_FEE_BPS must be between 1 and 9999")
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	if c.StripeSecretKey != "" && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	if c.NotifyWorkers <= 0 {
		return fmt.Errorf("NOTIFY_WORKERS must be positive")
	}
	if c.TraceSamplePercent < 0 || c.TraceSamplePercent > 100 {
		return fmt.Errorf("TRACE_SAMPLE_PERCENT must be between 0 and 100")
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

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}
