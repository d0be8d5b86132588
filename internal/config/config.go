package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
)

// AppConfig ties together the file configuration, environment overrides and derived values.
type AppConfig struct {
	Network NetworkConfig `toml:"network"` // algod / indexer endpoints
	Deposit DepositConfig `toml:"deposit"` // escrow target and deposit limits
	Wallet  WalletConfig  `toml:"wallet"`  // server-side signing wallet
	Backend BackendConfig `toml:"backend"` // stub deposit endpoint used in test mode
	Service ServiceConfig `toml:"service"` // HTTP surface
	Ledger  LedgerConfig  `toml:"ledger"`  // deposit record persistence
	Logging LoggingConfig `toml:"logging"` // zap logger settings
}

type NetworkConfig struct {
	AlgodAddress   string `toml:"algod_address"`
	AlgodToken     string `toml:"algod_token"` // sent as X-API-Key when set
	IndexerAddress string `toml:"indexer_address"`
	IndexerToken   string `toml:"indexer_token"`
}

type DepositConfig struct {
	EscrowAddress string `toml:"escrow_address"`
	MinAlgo       string `toml:"min_algo"` // decimal ALGO, e.g. "0.1"
	TestMode      bool   `toml:"test_mode"`
	ConfirmRounds int    `toml:"confirm_rounds"` // >0 waits for live deposits to confirm before recording the round

	MinAmount decimal.Decimal `toml:"-"`
}

type WalletConfig struct {
	Mnemonic string `toml:"mnemonic"` // 25-word account mnemonic; empty selects the dev wallet
}

type BackendConfig struct {
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`

	Timeout time.Duration `toml:"-"`
}

type ServiceConfig struct {
	HTTPPort                 int    `toml:"http_port"`
	HMACSecret               string `toml:"hmac_secret"`
	HMACClockSkewSeconds     int    `toml:"hmac_clock_skew_seconds"`
	IdempotencyWindowSeconds int    `toml:"idempotency_window_seconds"`
	HMACSignatureHeader      string `toml:"hmac_signature_header"` // empty keeps X-Request-Signature
	HMACTimestampHeader      string `toml:"hmac_timestamp_header"` // empty keeps X-Request-Timestamp

	HMACClockSkew     time.Duration `toml:"-"`
	IdempotencyWindow time.Duration `toml:"-"`
}

type LedgerConfig struct {
	Driver      string `toml:"driver"` // memory, sqlite or postgres
	SQLitePath  string `toml:"sqlite_path"`
	PostgresDSN string `toml:"postgres_dsn"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn or error
	Format string `toml:"format"` // console or json
}

const (
	defaultAlgodAddress   = "https://testnet-algorand.api.purestake.io/ps2"
	defaultIndexerAddress = "https://testnet-algorand.api.purestake.io/idx2"
	defaultEscrowAddress  = "PASTE_ESCROW_ADDRESS_HERE"
	defaultMinAlgo        = "0.1"
)

// Default returns the hardcoded fallbacks used when neither file nor environment sets a value.
func Default() *AppConfig {
	return &AppConfig{
		Network: NetworkConfig{
			AlgodAddress:   defaultAlgodAddress,
			IndexerAddress: defaultIndexerAddress,
		},
		Deposit: DepositConfig{
			EscrowAddress: defaultEscrowAddress,
			MinAlgo:       defaultMinAlgo,
		},
		Backend: BackendConfig{
			TimeoutSeconds: 30,
		},
		Service: ServiceConfig{
			HTTPPort:                 3000,
			HMACClockSkewSeconds:     60,
			IdempotencyWindowSeconds: 86400,
		},
		Ledger: LedgerConfig{
			Driver:     "memory",
			SQLitePath: filepath.Join(os.TempDir(), "launchpad-ledger.db"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load aggregates configuration from an optional TOML file and the environment.
// An empty path falls back to CONFIG_PATH; a missing file at that point is an error.
func Load(path string) (*AppConfig, error) {
	cfg := Default()

	path = envOr("CONFIG_PATH", path)
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.derive(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) applyEnv() {
	c.Network.AlgodAddress = envOr("ALGOD_ADDRESS", c.Network.AlgodAddress)
	c.Network.AlgodToken = envOr("ALGOD_TOKEN", c.Network.AlgodToken)
	c.Network.IndexerAddress = envOr("INDEXER_ADDRESS", c.Network.IndexerAddress)
	c.Network.IndexerToken = envOr("INDEXER_TOKEN", c.Network.IndexerToken)

	c.Deposit.EscrowAddress = envOr("ESCROW_ADDRESS", c.Deposit.EscrowAddress)
	c.Deposit.MinAlgo = envOr("MIN_DEPOSIT_ALGO", c.Deposit.MinAlgo)
	c.Deposit.TestMode = envOrBool("TEST_MODE", c.Deposit.TestMode)
	c.Deposit.ConfirmRounds = envOrInt("CONFIRM_ROUNDS", c.Deposit.ConfirmRounds)

	c.Wallet.Mnemonic = envOr("WALLET_MNEMONIC", c.Wallet.Mnemonic)

	c.Backend.BaseURL = envOr("BACKEND_URL", c.Backend.BaseURL)
	c.Backend.TimeoutSeconds = envOrInt("BACKEND_TIMEOUT_SECONDS", c.Backend.TimeoutSeconds)

	c.Service.HTTPPort = envOrInt("API_HTTP_PORT", c.Service.HTTPPort)
	c.Service.HMACSecret = envOr("HMAC_SECRET", c.Service.HMACSecret)
	c.Service.HMACClockSkewSeconds = envOrInt("HMAC_CLOCK_SKEW_SECONDS", c.Service.HMACClockSkewSeconds)
	c.Service.IdempotencyWindowSeconds = envOrInt("IDEMPOTENCY_WINDOW_SECONDS", c.Service.IdempotencyWindowSeconds)
	c.Service.HMACSignatureHeader = envOr("HMAC_SIGNATURE_HEADER", c.Service.HMACSignatureHeader)
	c.Service.HMACTimestampHeader = envOr("HMAC_TIMESTAMP_HEADER", c.Service.HMACTimestampHeader)

	c.Ledger.Driver = envOr("LEDGER_DRIVER", c.Ledger.Driver)
	c.Ledger.SQLitePath = envOr("LEDGER_SQLITE_PATH", c.Ledger.SQLitePath)
	c.Ledger.PostgresDSN = envOr("LEDGER_POSTGRES_DSN", c.Ledger.PostgresDSN)

	c.Logging.Level = envOr("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = envOr("LOG_FORMAT", c.Logging.Format)
}

func (c *AppConfig) derive() error {
	minAmount, err := decimal.NewFromString(strings.TrimSpace(c.Deposit.MinAlgo))
	if err != nil {
		return fmt.Errorf("parse min deposit %q: %w", c.Deposit.MinAlgo, err)
	}
	c.Deposit.MinAmount = minAmount

	// test mode talks to this service's own stub endpoint unless told otherwise
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		c.Backend.BaseURL = fmt.Sprintf("http://localhost:%d", c.Service.HTTPPort)
	}

	c.Backend.Timeout = time.Duration(c.Backend.TimeoutSeconds) * time.Second
	c.Service.HMACClockSkew = time.Duration(c.Service.HMACClockSkewSeconds) * time.Second
	c.Service.IdempotencyWindow = time.Duration(c.Service.IdempotencyWindowSeconds) * time.Second
	return nil
}

// Validate checks values that would otherwise fail late at request time.
func (c *AppConfig) Validate() error {
	if strings.TrimSpace(c.Deposit.EscrowAddress) == "" {
		return errors.New("escrow address is required")
	}
	if !c.Deposit.MinAmount.IsPositive() {
		return fmt.Errorf("min deposit must be positive, got %s", c.Deposit.MinAmount)
	}
	if !c.Deposit.TestMode && c.Network.AlgodAddress == "" {
		return errors.New("algod address is required outside test mode")
	}
	if c.Deposit.ConfirmRounds < 0 {
		return fmt.Errorf("confirm rounds must not be negative, got %d", c.Deposit.ConfirmRounds)
	}
	if c.Service.HTTPPort < 0 || c.Service.HTTPPort > 65535 {
		return fmt.Errorf("invalid http port %d", c.Service.HTTPPort)
	}
	switch c.Ledger.Driver {
	case "memory":
	case "sqlite":
		if c.Ledger.SQLitePath == "" {
			return errors.New("ledger sqlite path is required")
		}
	case "postgres":
		if c.Ledger.PostgresDSN == "" {
			return errors.New("ledger postgres dsn is required")
		}
	default:
		return fmt.Errorf("unknown ledger driver %q", c.Ledger.Driver)
	}
	return nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}
