// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/zafegard/zafegard/internal/identity"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Tracing
	OTLPEndpoint     string
	OTLPInsecure     bool
	TraceSampleRatio float64

	// Rate limiting, per client IP
	RateLimitRPM   int
	RateLimitBurst int

	// Caller authentication
	SignatureMaxAge time.Duration

	// CORSOrigins lists browser origins allowed to call the API; empty
	// allows any origin.
	CORSOrigins []string

	// Smart wallet registrar (optional, no-op if not set)
	HookURL    string
	HookSecret string

	// PolicyAddress is this policy's own contract address, installed as the
	// limit on every registered signer.
	PolicyAddress identity.Address

	// SeedFile is an optional YAML file of admin and wallets applied at startup.
	SeedFile string
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultRateLimitRPM    = 120
	DefaultRateLimitBurst  = 20
	DefaultSignatureMaxAge = 5 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:        getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:     getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		TraceSampleRatio: getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		RateLimitRPM:     int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:   int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		SignatureMaxAge:  getEnvDuration("SIGNATURE_MAX_AGE", DefaultSignatureMaxAge),
		CORSOrigins:      getEnvList("CORS_ALLOWED_ORIGINS"),
		HookURL:          os.Getenv("SMART_WALLET_HOOK_URL"),
		HookSecret:       os.Getenv("SMART_WALLET_HOOK_SECRET"),
		PolicyAddress:    identity.Address(os.Getenv("POLICY_ADDRESS")),
		SeedFile:         os.Getenv("SEED_FILE"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric, got %q", c.Port)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	if c.RateLimitRPM <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must be positive")
	}
	if c.SignatureMaxAge <= 0 {
		return fmt.Errorf("SIGNATURE_MAX_AGE must be a positive duration")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1, got %g", c.TraceSampleRatio)
	}
	if c.HookURL != "" {
		u, err := url.Parse(c.HookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("SMART_WALLET_HOOK_URL must be an http(s) URL")
		}
		if c.PolicyAddress.IsZero() {
			return fmt.Errorf("POLICY_ADDRESS is required when SMART_WALLET_HOOK_URL is set")
		}
	}
	if !c.PolicyAddress.IsZero() && c.PolicyAddress.Kind() != identity.ContractAddress {
		return fmt.Errorf("POLICY_ADDRESS must be a contract address")
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
