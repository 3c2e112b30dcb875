// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

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

	// DemoMode runs with in-memory stores and a simulated payment provider.
	DemoMode bool

	// Payment settings
	StripeAPIKey string
	Currency     string
	// OTPSecret signs one-time payment confirmation codes.
	OTPSecret string

	// Geocoding
	GeocoderURL      string // Optional; uses the static resolver if not set
	GeocoderEmail    string
	GeocoderPassword string

	// Security
	AdminSecret  string // Arbiter API fallback secret
	RateLimitRPM int

	// Observability
	OTLPEndpoint string // OTLP trace collector (optional)
}

// Defaults
const (
	DefaultPort      = "8080"
	DefaultEnv       = "development"
	DefaultLogLevel  = "info"
	DefaultCurrency  = "SGD"
	DefaultRateLimit = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:      os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		DemoMode:         getEnvBool("DEMO_MODE", false),
		StripeAPIKey:     os.Getenv("STRIPE_API_KEY"),
		Currency:         getEnv("CURRENCY", DefaultCurrency),
		OTPSecret:        os.Getenv("OTP_SECRET"),
		GeocoderURL:      os.Getenv("GEOCODER_URL"),
		GeocoderEmail:    os.Getenv("GEOCODER_EMAIL"),
		GeocoderPassword: os.Getenv("GEOCODER_PASSWORD"),
		AdminSecret:      os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:     int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		OTLPEndpoint:     os.Getenv("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.DemoMode {
		return nil
	}

	if c.OTPSecret == "" {
		return fmt.Errorf("OTP_SECRET is required outside demo mode")
	}
	if c.StripeAPIKey == "" {
		return fmt.Errorf("STRIPE_API_KEY is required outside demo mode")
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
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
