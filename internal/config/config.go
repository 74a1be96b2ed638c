// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/mbd888/escrowmart/internal/units"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // optional, in-process cache if not set

	// Messaging
	KafkaBrokers  []string // optional, notifications stay in-process if empty
	NotifyTopic   string
	ReferralTopic string

	// Security
	JWTSecret      string
	JWTIssuer      string
	CORSOrigins    []string // empty allows any origin without credentials
	RateLimitRPM   int
	RateLimitBurst int

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64

	// Settlement network
	RPCURL             string // chain RPC for balance reads and tx verification (optional)
	SettlementURL      string
	SettlementAPIKey   string
	SettlementTimeout  time.Duration
	SettlementContract string // fallback escrow contract
	SettlementRate     units.Rate
	TokenDecimals      int
	CacheTTL           time.Duration
	BreakerThreshold   int           // consecutive transient failures before the circuit opens
	BreakerCooldown    time.Duration // how long the circuit stays open before probing

	// Retry queue
	RetryBaseDelay  time.Duration
	RetryMaxRetries int
	RetryInterval   time.Duration
	RetryBatchSize  int
	RetryStaleAfter time.Duration

	// Order rewards
	MinBuyerReputation     int64
	BuyerReputationReward  int64
	SellerReputationReward int64
	GreenBonus             int64
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultNotifyTopic    = "escrowmart.notifications"
	DefaultReferralTopic  = "escrowmart.referrals"
	DefaultJWTIssuer      = "escrowmart"
	DefaultSettlementRate = "1"
	DefaultTokenDecimals  = 18
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	rate, err := units.ParseRate(getEnv("SETTLEMENT_RATE", DefaultSettlementRate))
	if err != nil {
		return nil, fmt.Errorf("SETTLEMENT_RATE: %w", err)
	}

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisURL:               os.Getenv("REDIS_URL"),
		KafkaBrokers:           splitList(os.Getenv("KAFKA_BROKERS")),
		NotifyTopic:            getEnv("NOTIFY_TOPIC", DefaultNotifyTopic),
		ReferralTopic:          getEnv("REFERRAL_TOPIC", DefaultReferralTopic),
		JWTSecret:              os.Getenv("JWT_SECRET"),
		JWTIssuer:              getEnv("JWT_ISSUER", DefaultJWTIssuer),
		CORSOrigins:            splitList(os.Getenv("CORS_ORIGINS")),
		RateLimitRPM:           int(getEnvInt64("RATE_LIMIT_RPM", 120)),
		RateLimitBurst:         int(getEnvInt64("RATE_LIMIT_BURST", 20)),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:       getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		RPCURL:                 os.Getenv("RPC_URL"),
		SettlementURL:          os.Getenv("SETTLEMENT_URL"),
		SettlementAPIKey:       os.Getenv("SETTLEMENT_API_KEY"),
		SettlementTimeout:      getEnvDuration("SETTLEMENT_TIMEOUT", 30*time.Second),
		SettlementContract:     os.Getenv("SETTLEMENT_CONTRACT"),
		SettlementRate:         rate,
		TokenDecimals:          int(getEnvInt64("TOKEN_DECIMALS", DefaultTokenDecimals)),
		CacheTTL:               getEnvDuration("CACHE_TTL", 5*time.Minute),
		BreakerThreshold:       int(getEnvInt64("SETTLEMENT_BREAKER_THRESHOLD", 5)),
		BreakerCooldown:        getEnvDuration("SETTLEMENT_BREAKER_COOLDOWN", 30*time.Second),
		RetryBaseDelay:         getEnvDuration("RETRY_BASE_DELAY", 30*time.Second),
		RetryMaxRetries:        int(getEnvInt64("RETRY_MAX_RETRIES", 5)),
		RetryInterval:          getEnvDuration("RETRY_INTERVAL", 60*time.Second),
		RetryBatchSize:         int(getEnvInt64("RETRY_BATCH_SIZE", 20)),
		RetryStaleAfter:        getEnvDuration("RETRY_STALE_AFTER", 10*time.Minute),
		MinBuyerReputation:     getEnvInt64("MIN_BUYER_REPUTATION", 0),
		BuyerReputationReward:  getEnvInt64("BUYER_REPUTATION_REWARD", 1),
		SellerReputationReward: getEnvInt64("SELLER_REPUTATION_REWARD", 2),
		GreenBonus:             getEnvInt64("GREEN_BONUS", 10),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.IsProduction() {
		if len(c.JWTSecret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
		if c.SettlementURL == "" {
			return fmt.Errorf("SETTLEMENT_URL is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}
	if c.RateLimitRPM <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must be positive")
	}
	if c.RetryMaxRetries < 1 {
		return fmt.Errorf("RETRY_MAX_RETRIES must be at least 1")
	}
	if c.RetryBaseDelay <= 0 || c.RetryInterval <= 0 {
		return fmt.Errorf("RETRY_BASE_DELAY and RETRY_INTERVAL must be positive")
	}
	// A stale reclaim must never race an attempt that can still answer.
	if c.SettlementTimeout <= 0 || c.SettlementTimeout >= c.RetryStaleAfter {
		return fmt.Errorf("SETTLEMENT_TIMEOUT must be positive and shorter than RETRY_STALE_AFTER")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}
	if c.TokenDecimals < 0 || c.TokenDecimals > 36 {
		return fmt.Errorf("TOKEN_DECIMALS must be between 0 and 36")
	}
	if c.SettlementContract != "" && !common.IsHexAddress(c.SettlementContract) {
		return fmt.Errorf("SETTLEMENT_CONTRACT must be a 20-byte hex address")
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

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
