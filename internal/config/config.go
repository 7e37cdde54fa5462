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

	// Storage and transport
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	NATSURL     string // NATS server (optional, uses the in-memory bus if not set)

	// Chain keys, hex-encoded secp256k1. Empty keys are generated at
	// startup outside production, giving the chain a fresh ID.
	RegistryChainKey string
	BridgeChainKey   string
	RelayChainKey    string

	// Chains that receive CodeUpdated notifications from the registry
	SubscriberChains []string
	// Auditor and remote relay chains allowed to deliver ActivityLog and
	// ProofOfAudit. The local relay chain is always trusted.
	TrustedChains []string

	// Security
	AdminSecret    string
	AuthMaxSkew    time.Duration
	RateLimitRPM   int      // Anonymous requests per minute per IP
	RateLimitBurst int      // Anonymous burst above the steady rate
	CORSOrigins    []string // Allowed browser origins, "*" for any

	// Bridge
	ScoreRequestTimeout time.Duration
	SweepInterval       time.Duration

	// Relay
	ReportInterval time.Duration // How often pending activity logs are resent

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64 // Fraction of root spans kept, 0 to 1
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultRateLimitRPM        = 60
	DefaultRateLimitBurst      = 10
	DefaultAuthMaxSkew         = 5 * time.Minute
	DefaultScoreRequestTimeout = 2 * time.Minute
	DefaultSweepInterval       = 15 * time.Second
	DefaultReportInterval      = 5 * time.Second
	DefaultTraceSampleRatio    = 1.0
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
		LogFormat:        getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		NATSURL:          os.Getenv("NATS_URL"),
		RegistryChainKey: os.Getenv("REGISTRY_CHAIN_KEY"),
		BridgeChainKey:   os.Getenv("BRIDGE_CHAIN_KEY"),
		RelayChainKey:    os.Getenv("RELAY_CHAIN_KEY"),
		SubscriberChains: splitList(os.Getenv("SUBSCRIBER_CHAINS")),
		TrustedChains:    splitList(os.Getenv("TRUSTED_CHAINS")),
		AdminSecret:      os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:     int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:   int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		CORSOrigins:      splitList(getEnv("CORS_ORIGINS", "*")),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	var err error
	if cfg.AuthMaxSkew, err = getEnvDuration("AUTH_MAX_SKEW", DefaultAuthMaxSkew); err != nil {
		return nil, err
	}
	if cfg.ScoreRequestTimeout, err = getEnvDuration("SCORE_REQUEST_TIMEOUT", DefaultScoreRequestTimeout); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval); err != nil {
		return nil, err
	}
	if cfg.ReportInterval, err = getEnvDuration("RELAY_REPORT_INTERVAL", DefaultReportInterval); err != nil {
		return nil, err
	}
	if cfg.TraceSampleRatio, err = getEnvFloat("OTEL_TRACES_SAMPLER_ARG", DefaultTraceSampleRatio); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	keys := []struct{ name, value string }{
		{"REGISTRY_CHAIN_KEY", c.RegistryChainKey},
		{"BRIDGE_CHAIN_KEY", c.BridgeChainKey},
		{"RELAY_CHAIN_KEY", c.RelayChainKey},
	}
	for _, k := range keys {
		if k.value == "" {
			if c.IsProduction() {
				return fmt.Errorf("%s is required in production", k.name)
			}
			continue
		}
		if !isHexKey(k.value) {
			return fmt.Errorf("%s must be 64 hex characters (with or without 0x prefix)", k.name)
		}
	}

	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	if c.AuthMaxSkew <= 0 {
		return fmt.Errorf("AUTH_MAX_SKEW must be positive")
	}
	if c.ScoreRequestTimeout <= 0 {
		return fmt.Errorf("SCORE_REQUEST_TIMEOUT must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.ReportInterval <= 0 {
		return fmt.Errorf("RELAY_REPORT_INTERVAL must be positive")
	}
	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive")
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_BURST must be positive")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
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

func isHexKey(key string) bool {
	key = strings.TrimPrefix(key, "0x")
	if len(key) != 64 {
		return false
	}
	for _, r := range key {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

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

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}
