package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func validConfig() Config {
	return Config{
		Env:               "development",
		JWTSecret:         "dev-secret",
		PlatformFeeBPS:    DefaultPlatformFeeBPS,
		GatewayTimeout:    DefaultGatewayTimeout,
		ReconcileInterval: DefaultReconcileInterval,
		NotifyWorkers:     DefaultNotifyWorkers,
	}
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "JWT_SECRET", "dev-secret")
	setEnv(t, "PORT", "9090")
	setEnv(t, "GATEWAY_TIMEOUT", "3s")
	setEnv(t, "KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, int64(DefaultPlatformFeeBPS), cfg.PlatformFeeBPS)
	assert.Equal(t, 3*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, DefaultReconcileInterval, cfg.ReconcileInterval)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, DefaultPaystackBaseURL, cfg.PaystackBaseURL)
}

func TestLoad_MissingJWTSecret(t *testing.T) {
	setEnv(t, "JWT_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid config", func(c *Config) {}, ""},
		{"fee out of range", func(c *Config) { c.PlatformFeeBPS = 10_000 }, "PLATFORM_FEE_BPS"},
		{"zero gateway timeout", func(c *Config) { c.GatewayTimeout = 0 }, "GATEWAY_TIMEOUT"},
		{"stripe without webhook secret", func(c *Config) { c.StripeSecretKey = "sk_test_x" }, "STRIPE_WEBHOOK_SECRET"},
		{"short production secret", func(c *Config) {
			c.Env = "production"
			c.DatabaseURL = "postgres://db"
		}, "at least 32 characters"},
		{"production without database", func(c *Config) {
			c.Env = "production"
			c.JWTSecret = "0123456789abcdef0123456789abcdef"
		}, "DATABASE_URL"},
		{"no notification workers", func(c *Config) { c.NotifyWorkers = 0 }, "NOTIFY_WORKERS"},
		{"sample percent above 100", func(c *Config) { c.TraceSamplePercent = 101 }, "TRACE_SAMPLE_PERCENT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DURATION", "90s")
	setEnv(t, "TEST_BAD_DURATION", "soon")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DURATION", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_BAD_DURATION", time.Second))
}

func TestGetEnvBool(t *testing.T) {
	setEnv(t, "TEST_BOOL_ON", "true")
	setEnv(t, "TEST_BOOL_BAD", "sometimes")

	assert.True(t, getEnvBool("TEST_BOOL_ON"))
	assert.False(t, getEnvBool("TEST_BOOL_BAD"))
	assert.False(t, getEnvBool("TEST_BOOL_UNSET"))
}
