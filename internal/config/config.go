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
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Ledger settings. When RPCURL is empty the service runs against an
	// in-process ledger (demo/development mode).
	RPCURL            string
	ChainID           int64
	CustodyPrivateKey string            // Hex-encoded key controlling the custody wallet
	TokenContracts    map[string]string // currency symbol -> token contract address

	// Settlement
	BaseCurrency      string        // platform default settlement currency
	FundingTimeout    time.Duration // how long a Funding transfer may await confirmation
	ReleaseTimeout    time.Duration // how long a release/refund transfer may await confirmation
	SweepInterval     time.Duration // background sweep cadence
	ReconcileInterval time.Duration // custody reconciliation cadence

	// Currency conversion
	SwapServiceURL string        // external conversion service (optional)
	SwapAPIKey     string        //
	QuoteTolerance time.Duration // max age of a rate quote at execution time

	// Preferences
	PrefsCacheTTL time.Duration

	// Observability / limits
	OTLPEndpoint string
	RateLimitRPM int

	// Operations. Admin endpoints are disabled when the token is empty.
	AdminToken string
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultBaseCurrency   = "USDC"
	DefaultChainID        = 84532 // Base Sepolia
	DefaultFundingTimeout = 5 * time.Minute
	DefaultReleaseTimeout = 2 * time.Minute
	DefaultSweepInterval  = 15 * time.Second
	DefaultReconcileInt   = 5 * time.Minute
	DefaultQuoteTolerance = 30 * time.Second
	DefaultPrefsCacheTTL  = time.Minute
	DefaultRateLimitRPM   = 120
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RPCURL:            os.Getenv("RPC_URL"),
		ChainID:           getEnvInt64("CHAIN_ID", DefaultChainID),
		CustodyPrivateKey: os.Getenv("CUSTODY_PRIVATE_KEY"),
		TokenContracts:    parseTokenContracts(os.Getenv("TOKEN_CONTRACTS")),
		BaseCurrency:      strings.ToUpper(getEnv("BASE_CURRENCY", DefaultBaseCurrency)),
		FundingTimeout:    getEnvDuration("FUNDING_TIMEOUT", DefaultFundingTimeout),
		ReleaseTimeout:    getEnvDuration("RELEASE_TIMEOUT", DefaultReleaseTimeout),
		SweepInterval:     getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInt),
		SwapServiceURL:    os.Getenv("SWAP_SERVICE_URL"),
		SwapAPIKey:        os.Getenv("SWAP_API_KEY"),
		QuoteTolerance:    getEnvDuration("QUOTE_TOLERANCE", DefaultQuoteTolerance),
		PrefsCacheTTL:     getEnvDuration("PREFS_CACHE_TTL", DefaultPrefsCacheTTL),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		AdminToken:        os.Getenv("ADMIN_TOKEN"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.RPCURL != "" {
		key := strings.TrimPrefix(c.CustodyPrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("CUSTODY_PRIVATE_KEY must be 64 hex characters when RPC_URL is set")
		}
	}
	if c.BaseCurrency == "" {
		return fmt.Errorf("BASE_CURRENCY must not be empty")
	}
	if c.FundingTimeout <= 0 || c.ReleaseTimeout <= 0 {
		return fmt.Errorf("funding and release timeouts must be positive")
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

// parseTokenContracts parses "USDC=0xabc...,USDT=0xdef..." into a map.
// Malformed entries are skipped.
func parseTokenContracts(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(parts[0]))] = strings.TrimSpace(parts[1])
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
