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
	"github.com/shopspring/decimal"
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

	// Ledger settings
	RPCURL          string
	ChainID         int64
	ContractAddress string // Energy trading contract; empty runs without a chain connection
	OperatorKey     string // Hex-encoded signing key for circuit breaker writes
	StartBlock      uint64 // 0 = latest
	PollInterval    time.Duration
	Confirmations   uint64
	MaxBlockRange   uint64
	TokenDecimals   int32
	DryRun          bool // Watch the chain but refuse ledger writes

	// Detection thresholds, in token units
	SuspiciousVolume    decimal.Decimal
	MinPrice            decimal.Decimal
	MaxPrice            decimal.Decimal
	LargeMinting        decimal.Decimal
	PriceEpsilon        decimal.Decimal
	RapidTradeThreshold int
	FrontRunGap         time.Duration
	FrontRunMatches     int

	// Windows and timeouts
	AnalysisWindow     time.Duration
	RetentionWindow    time.Duration
	EvaluationWindow   time.Duration
	StoreTimeout       time.Duration
	LedgerWriteTimeout time.Duration

	// Ingestion
	IngestLanes     int
	IngestQueueSize int

	// Mitigation
	MitigationStrategiesFile string

	// Alert housekeeping
	AlertResolveAfter time.Duration
	AlertRetention    time.Duration
	CleanupInterval   time.Duration

	// Security
	AdminSecret  string
	RateLimitRPM int
	CORSOrigins  []string

	// Fan-out
	KafkaBrokers  []string
	KafkaTopic    string
	WebhookURLs   []string
	WebhookSecret string

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultRPCURL              = "http://localhost:8545"
	DefaultChainID             = 31337
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultTokenDecimals       = 18
	DefaultRapidTradeThreshold = 5
	DefaultFrontRunMatches     = 2
	DefaultIngestLanes         = 16
	DefaultIngestQueueSize     = 1024
	DefaultRateLimit           = 120
	DefaultKafkaTopic          = "tradeguard.events"
)

// Default windows and timeouts.
var (
	DefaultPollInterval       = 5 * time.Second
	DefaultAnalysisWindow     = time.Minute
	DefaultRetentionWindow    = 5 * time.Minute
	DefaultEvaluationWindow   = 5 * time.Minute
	DefaultStoreTimeout       = 3 * time.Second
	DefaultLedgerWriteTimeout = 60 * time.Second
	DefaultFrontRunGap        = 30 * time.Second
	DefaultAlertResolveAfter  = 24 * time.Hour
	DefaultAlertRetention     = 30 * 24 * time.Hour
	DefaultCleanupInterval    = time.Hour
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:   getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		RPCURL:          getEnv("RPC_URL", DefaultRPCURL),
		ChainID:         getEnvInt64("CHAIN_ID", DefaultChainID),
		ContractAddress: os.Getenv("CONTRACT_ADDRESS"),
		OperatorKey:     os.Getenv("OPERATOR_PRIVATE_KEY"),
		StartBlock:      uint64(getEnvInt64("START_BLOCK", 0)),
		PollInterval:    getEnvDuration("POLL_INTERVAL", DefaultPollInterval),
		Confirmations:   uint64(getEnvInt64("CONFIRMATIONS", 0)),
		MaxBlockRange:   uint64(getEnvInt64("MAX_BLOCK_RANGE", 2000)),
		TokenDecimals:   int32(getEnvInt64("TOKEN_DECIMALS", DefaultTokenDecimals)),
		DryRun:          getEnvBool("DRY_RUN", false),

		SuspiciousVolume:    getEnvDecimal("SUSPICIOUS_VOLUME", decimal.NewFromInt(500)),
		MinPrice:            getEnvDecimal("MIN_PRICE", decimal.RequireFromString("0.1")),
		MaxPrice:            getEnvDecimal("MAX_PRICE", decimal.NewFromInt(2)),
		LargeMinting:        getEnvDecimal("LARGE_MINTING", decimal.NewFromInt(500)),
		PriceEpsilon:        getEnvDecimal("PRICE_EPSILON", decimal.RequireFromString("0.01")),
		RapidTradeThreshold: int(getEnvInt64("RAPID_TRADE_THRESHOLD", DefaultRapidTradeThreshold)),
		FrontRunGap:         getEnvDuration("FRONT_RUN_GAP", DefaultFrontRunGap),
		FrontRunMatches:     int(getEnvInt64("FRONT_RUN_MATCHES", DefaultFrontRunMatches)),

		AnalysisWindow:     getEnvDuration("ANALYSIS_WINDOW", DefaultAnalysisWindow),
		RetentionWindow:    getEnvDuration("RETENTION_WINDOW", DefaultRetentionWindow),
		EvaluationWindow:   getEnvDuration("EVALUATION_WINDOW", DefaultEvaluationWindow),
		StoreTimeout:       getEnvDuration("STORE_TIMEOUT", DefaultStoreTimeout),
		LedgerWriteTimeout: getEnvDuration("LEDGER_WRITE_TIMEOUT", DefaultLedgerWriteTimeout),

		IngestLanes:     int(getEnvInt64("INGEST_LANES", DefaultIngestLanes)),
		IngestQueueSize: int(getEnvInt64("INGEST_QUEUE_SIZE", DefaultIngestQueueSize)),

		MitigationStrategiesFile: os.Getenv("MITIGATION_STRATEGIES_FILE"),

		AlertResolveAfter: getEnvDuration("ALERT_RESOLVE_AFTER", DefaultAlertResolveAfter),
		AlertRetention:    getEnvDuration("ALERT_RETENTION", DefaultAlertRetention),
		CleanupInterval:   getEnvDuration("CLEANUP_INTERVAL", DefaultCleanupInterval),

		AdminSecret:  os.Getenv("ADMIN_SECRET"),
		RateLimitRPM: int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		CORSOrigins:  getEnvList("CORS_ORIGINS"),

		KafkaBrokers:  getEnvList("KAFKA_BROKERS"),
		KafkaTopic:    getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		WebhookURLs:   getEnvList("WEBHOOK_URLS"),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.ContractAddress != "" {
		if !common.IsHexAddress(c.ContractAddress) {
			return fmt.Errorf("CONTRACT_ADDRESS must be a 0x-prefixed 20-byte hex address")
		}
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required when CONTRACT_ADDRESS is set")
		}
		if !c.DryRun {
			if c.OperatorKey == "" {
				return fmt.Errorf("OPERATOR_PRIVATE_KEY is required unless DRY_RUN=true")
			}
			key := strings.TrimPrefix(c.OperatorKey, "0x")
			if len(key) != 64 {
				return fmt.Errorf("OPERATOR_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
			}
		}
	}

	if !c.MinPrice.LessThan(c.MaxPrice) {
		return fmt.Errorf("MIN_PRICE must be below MAX_PRICE")
	}
	if c.TokenDecimals < 0 || c.TokenDecimals > 36 {
		return fmt.Errorf("TOKEN_DECIMALS must be between 0 and 36")
	}
	if c.RapidTradeThreshold <= 0 || c.FrontRunMatches <= 0 {
		return fmt.Errorf("RAPID_TRADE_THRESHOLD and FRONT_RUN_MATCHES must be positive")
	}

	for name, d := range map[string]time.Duration{
		"POLL_INTERVAL":        c.PollInterval,
		"ANALYSIS_WINDOW":      c.AnalysisWindow,
		"RETENTION_WINDOW":     c.RetentionWindow,
		"EVALUATION_WINDOW":    c.EvaluationWindow,
		"STORE_TIMEOUT":        c.StoreTimeout,
		"LEDGER_WRITE_TIMEOUT": c.LedgerWriteTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.RetentionWindow < c.AnalysisWindow {
		return fmt.Errorf("RETENTION_WINDOW must be at least ANALYSIS_WINDOW")
	}
	if c.IngestLanes <= 0 {
		return fmt.Errorf("INGEST_LANES must be positive")
	}
	for _, u := range c.WebhookURLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("WEBHOOK_URLS entry %q must be an http(s) URL", u)
		}
	}

	return nil
}

// ChainEnabled reports whether a contract is configured.
func (c *Config) ChainEnabled() bool {
	return c.ContractAddress != ""
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

// getEnvDuration accepts Go duration strings ("90s") or bare seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
