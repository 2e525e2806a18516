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

	// Marketplace settings
	CommissionRate     float64       // Platform cut of each order subtotal
	EscrowReleaseDelay time.Duration // Held-funds age before auto-release
	EscrowSweepEvery   time.Duration // How often the auto-release sweep runs

	// M-Pesa Daraja settings
	MpesaBaseURL     string
	MpesaConsumerKey string
	MpesaSecret      string
	MpesaShortcode   string
	MpesaPasskey     string
	MpesaCallbackURL string
	MpesaTimeout     time.Duration // Daraja HTTP request timeout

	// Security
	AdminSecret  string // Admin API secret
	RateLimitRPS int

	// Tracing
	OTLPEndpoint string // OTLP gRPC collector address (optional)
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultCommissionRate  = 0.02
	DefaultReleaseDelay    = 72 * time.Hour
	DefaultSweepInterval   = 5 * time.Minute
	DefaultMpesaBaseURL    = "https://sandbox.safaricom.co.ke"
	DefaultMpesaShortcode  = "174379"
	DefaultMpesaTimeout    = 30 * time.Second
	DefaultRateLimit       = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		CommissionRate:     getEnvFloat("COMMISSION_RATE", DefaultCommissionRate),
		EscrowReleaseDelay: getEnvDuration("ESCROW_RELEASE_DELAY", DefaultReleaseDelay),
		EscrowSweepEvery:   getEnvDuration("ESCROW_SWEEP_INTERVAL", DefaultSweepInterval),
		MpesaBaseURL:       getEnv("MPESA_BASE_URL", DefaultMpesaBaseURL),
		MpesaConsumerKey:   os.Getenv("MPESA_CONSUMER_KEY"),
		MpesaSecret:        os.Getenv("MPESA_CONSUMER_SECRET"),
		MpesaShortcode:     getEnv("MPESA_SHORTCODE", DefaultMpesaShortcode),
		MpesaPasskey:       os.Getenv("MPESA_PASSKEY"),
		MpesaCallbackURL:   os.Getenv("MPESA_CALLBACK_URL"),
		MpesaTimeout:       getEnvDuration("MPESA_TIMEOUT", DefaultMpesaTimeout),
		AdminSecret:        os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:       int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.CommissionRate < 0 || c.CommissionRate >= 1 {
		return fmt.Errorf("COMMISSION_RATE must be in [0, 1), got %v", c.CommissionRate)
	}
	if c.EscrowReleaseDelay <= 0 {
		return fmt.Errorf("ESCROW_RELEASE_DELAY must be positive")
	}
	if c.EscrowSweepEvery <= 0 {
		return fmt.Errorf("ESCROW_SWEEP_INTERVAL must be positive")
	}

	// M-Pesa credentials are only required outside development; local runs
	// talk to the stubbed gateway.
	if !c.IsDevelopment() {
		if c.MpesaConsumerKey == "" || c.MpesaSecret == "" {
			return fmt.Errorf("MPESA_CONSUMER_KEY and MPESA_CONSUMER_SECRET are required in %s", c.Env)
		}
		if c.MpesaPasskey == "" {
			return fmt.Errorf("MPESA_PASSKEY is required in %s", c.Env)
		}
		if c.MpesaCallbackURL == "" {
			return fmt.Errorf("MPESA_CALLBACK_URL is required in %s", c.Env)
		}
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
