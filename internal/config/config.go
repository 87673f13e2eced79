// Package config handles application configuration from environment variables
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/mbd888/escrowd/internal/faults"
	"github.com/mbd888/escrowd/internal/units"
)

// ErrInvalid is the kind every validation failure carries.
var ErrInvalid = faults.New(faults.KindConfig, "invalid_environment", "invalid configuration")

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Signing domain
	NetworkID      uint64
	SystemName     string
	SystemVersion  string
	SystemVerifier string // ledger identity; the verifying address in the domain

	// Governance and arbitration
	GovernanceAddr string
	AuthorityAddr  string
	AuthorityURL   string // remote authority; empty runs it in-process
	LedgerURL      string // remote ledger the authority calls back; empty uses the in-process ledger
	ProtocolSecret string
	TreasuryAddr   string

	// Delivery
	BridgeURL       string // empty uses the in-memory bridge
	BridgeVaultAddr string

	// Fees and timeouts
	FeeRecipient    string
	BaseFeeBps      uint64
	DisputeFeeBps   uint64
	MinFee          string
	MaxFee          string
	DisputeFloorFee string
	FeePolicy       string // "flat" or "reputation"
	MinTimeout      int64  // seconds
	MaxTimeout      int64
	TimeoutMode     string // "dual" or "single"
	SweepInterval   time.Duration

	// Outbound events
	WebhookURL    string
	WebhookSecret string

	// Observability
	OTelEndpoint string

	// HTTP edge
	CORSOrigins    []string
	RateLimitRPM   int
	RateLimitBurst int

	// DevAuth trusts the X-Actor-Address header without a signature
	DevAuth bool
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultNetworkID       = 31337
	DefaultSystemName      = "escrowd"
	DefaultSystemVersion   = "1"
	DefaultBaseFeeBps      = 250
	DefaultDisputeFeeBps   = 100
	DefaultMinFee          = "0.001"
	DefaultMaxFee          = "100"
	DefaultDisputeFloorFee = "0.05"
	DefaultFeePolicy       = "flat"
	DefaultMinTimeout      = 60
	DefaultMaxTimeout      = 30 * 24 * 3600
	DefaultTimeoutMode     = "dual"
	DefaultSweepInterval   = 30 * time.Second
	DefaultCORSOrigins     = "*"
	DefaultRateLimitRPM    = 120
	DefaultRateLimitBurst  = 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:       getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		NetworkID:       uint64(getEnvInt64("NETWORK_ID", DefaultNetworkID)),
		SystemName:      getEnv("SYSTEM_NAME", DefaultSystemName),
		SystemVersion:   getEnv("SYSTEM_VERSION", DefaultSystemVersion),
		SystemVerifier:  os.Getenv("SYSTEM_VERIFIER"),
		GovernanceAddr:  os.Getenv("GOVERNANCE_ADDR"),
		AuthorityAddr:   os.Getenv("AUTHORITY_ADDR"),
		AuthorityURL:    os.Getenv("AUTHORITY_URL"),
		LedgerURL:       os.Getenv("LEDGER_URL"),
		ProtocolSecret:  os.Getenv("PROTOCOL_SECRET"),
		TreasuryAddr:    os.Getenv("TREASURY_ADDR"),
		BridgeURL:       os.Getenv("BRIDGE_URL"),
		BridgeVaultAddr: os.Getenv("BRIDGE_VAULT_ADDR"),
		FeeRecipient:    os.Getenv("FEE_RECIPIENT"),
		BaseFeeBps:      uint64(getEnvInt64("BASE_FEE_BPS", DefaultBaseFeeBps)),
		DisputeFeeBps:   uint64(getEnvInt64("DISPUTE_FEE_BPS", DefaultDisputeFeeBps)),
		MinFee:          getEnv("MIN_FEE", DefaultMinFee),
		MaxFee:          getEnv("MAX_FEE", DefaultMaxFee),
		DisputeFloorFee: getEnv("DISPUTE_FLOOR_FEE", DefaultDisputeFloorFee),
		FeePolicy:       getEnv("FEE_POLICY", DefaultFeePolicy),
		MinTimeout:      getEnvInt64("MIN_TIMEOUT", DefaultMinTimeout),
		MaxTimeout:      getEnvInt64("MAX_TIMEOUT", DefaultMaxTimeout),
		TimeoutMode:     getEnv("TIMEOUT_MODE", DefaultTimeoutMode),
		SweepInterval:   getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		WebhookURL:      os.Getenv("WEBHOOK_URL"),
		WebhookSecret:   os.Getenv("WEBHOOK_SECRET"),
		OTelEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		CORSOrigins:     splitList(getEnv("CORS_ORIGINS", DefaultCORSOrigins)),
		RateLimitRPM:    int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:  int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		DevAuth:         getEnvBool("DEV_AUTH", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	for _, f := range []struct{ name, value string }{
		{"SYSTEM_VERIFIER", c.SystemVerifier},
		{"GOVERNANCE_ADDR", c.GovernanceAddr},
		{"AUTHORITY_ADDR", c.AuthorityAddr},
		{"FEE_RECIPIENT", c.FeeRecipient},
		{"TREASURY_ADDR", c.TreasuryAddr},
	} {
		if f.value == "" {
			return ErrInvalid.Withf("%s is required", f.name)
		}
		if !common.IsHexAddress(f.value) {
			return ErrInvalid.Withf("%s must be a valid Ethereum address", f.name)
		}
	}
	if c.BridgeVaultAddr != "" && !common.IsHexAddress(c.BridgeVaultAddr) {
		return ErrInvalid.Withf("BRIDGE_VAULT_ADDR must be a valid Ethereum address")
	}
	if c.NetworkID == 0 {
		return ErrInvalid.Withf("NETWORK_ID must be positive")
	}
	for _, f := range []struct{ name, value string }{
		{"MIN_FEE", c.MinFee},
		{"MAX_FEE", c.MaxFee},
		{"DISPUTE_FLOOR_FEE", c.DisputeFloorFee},
	} {
		if _, ok := units.Parse(f.value); !ok {
			return ErrInvalid.Withf("%s must be a non-negative decimal amount", f.name)
		}
	}
	if c.MinTimeout <= 0 || c.MinTimeout > c.MaxTimeout {
		return ErrInvalid.Withf("MIN_TIMEOUT and MAX_TIMEOUT must satisfy 0 < min <= max")
	}
	switch c.TimeoutMode {
	case "dual", "single":
	default:
		return ErrInvalid.Withf("TIMEOUT_MODE must be dual or single")
	}
	switch c.FeePolicy {
	case "flat", "reputation":
	default:
		return ErrInvalid.Withf("FEE_POLICY must be flat or reputation")
	}
	if c.AuthorityURL != "" && c.LedgerURL != "" {
		return ErrInvalid.Withf("AUTHORITY_URL and LEDGER_URL are mutually exclusive")
	}
	if (c.AuthorityURL != "" || c.LedgerURL != "") && c.ProtocolSecret == "" {
		return ErrInvalid.Withf("PROTOCOL_SECRET is required when AUTHORITY_URL or LEDGER_URL is set")
	}
	if c.RateLimitRPM <= 0 || c.RateLimitBurst <= 0 {
		return ErrInvalid.Withf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must be positive")
	}
	if c.DevAuth && c.IsProduction() {
		return ErrInvalid.Withf("DEV_AUTH cannot be enabled in production")
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
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvBool(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return defaultValue
	}
}
