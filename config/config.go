// Package config resolves the service's runtime configuration. Defaults are
// overlaid first by an optional YAML file, then by environment variables, so
// deployments can ship a base file and override secrets per environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures runtime configuration for the settlement service.
type Config struct {
	Environment   string `yaml:"environment"`
	ListenAddress string `yaml:"listen"`
	DatabaseDSN   string `yaml:"database_dsn"`

	Collector  RailConfig       `yaml:"collector"`
	Disburser  RailConfig       `yaml:"disburser"`
	Custody    CustodyConfig    `yaml:"custody"`
	BankVerify BankVerifyConfig `yaml:"bank_verify"`
	Rates      RatesConfig      `yaml:"rates"`
	Settlement SettlementConfig `yaml:"settlement"`
	Recon      ReconConfig      `yaml:"recon"`
	Log        LogConfig        `yaml:"log"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
}

// RailConfig points at one fiat rail's API.
type RailConfig struct {
	BaseURL       string `yaml:"base_url"`
	APIKey        string `yaml:"api_key"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// CustodyConfig points at the wallet-custody service.
type CustodyConfig struct {
	BaseURL         string `yaml:"base_url"`
	Token           string `yaml:"token"`
	Network         string `yaml:"network"`
	TreasuryAddress string `yaml:"treasury_address"`
	StableAsset     string `yaml:"stable_asset"`
	StableDecimals  int    `yaml:"stable_decimals"`
	MinGasWei       string `yaml:"min_gas_wei"`
	GasBufferBps    int64  `yaml:"gas_buffer_bps"`
}

// BankVerifyConfig points at the account-resolution provider.
type BankVerifyConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// DirectionConfig prices one settlement direction. Amounts are decimal
// strings in the direction's source currency, fee_cap included: the onramp
// cap is fiat-denominated, the offramp cap stablecoin-denominated.
type DirectionConfig struct {
	FeePercent string `yaml:"fee_percent"`
	FeeCap     string `yaml:"fee_cap"`
	Markup     string `yaml:"markup"`
	MinAmount  string `yaml:"min_amount"`
	MaxAmount  string `yaml:"max_amount"`
}

// RatesConfig wires the rate engine.
type RatesConfig struct {
	SourceURL    string          `yaml:"source_url"`
	SourceToken  string          `yaml:"source_token"`
	CacheTTL     time.Duration   `yaml:"cache_ttl"`
	FetchTimeout time.Duration   `yaml:"fetch_timeout"`
	FallbackRate string          `yaml:"fallback_rate"`
	Onramp       DirectionConfig `yaml:"onramp"`
	Offramp      DirectionConfig `yaml:"offramp"`
}

// SettlementConfig carries cross-direction settlement parameters.
type SettlementConfig struct {
	FiatCurrency    string `yaml:"fiat_currency"`
	AmountTolerance string `yaml:"amount_tolerance"`
}

// ReconConfig tunes the polling reconciler.
type ReconConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Grace       time.Duration `yaml:"grace"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// LogConfig tunes structured logging output.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// RateLimitConfig throttles inbound webhook deliveries.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

const (
	envListen           = "SETTLEMENTD_LISTEN"
	envEnvironment      = "SETTLEMENTD_ENV"
	envDatabaseDSN      = "SETTLEMENTD_DB_DSN"
	envCollectorBase    = "SETTLEMENTD_COLLECTOR_BASE"
	envCollectorKey     = "SETTLEMENTD_COLLECTOR_API_KEY"
	envCollectorSecret  = "SETTLEMENTD_COLLECTOR_WEBHOOK_SECRET"
	envDisburserBase    = "SETTLEMENTD_DISBURSER_BASE"
	envDisburserKey     = "SETTLEMENTD_DISBURSER_API_KEY"
	envDisburserSecret  = "SETTLEMENTD_DISBURSER_WEBHOOK_SECRET"
	envCustodyBase      = "SETTLEMENTD_CUSTODY_BASE"
	envCustodyToken     = "SETTLEMENTD_CUSTODY_TOKEN"
	envCustodyNetwork   = "SETTLEMENTD_CUSTODY_NETWORK"
	envTreasuryAddress  = "SETTLEMENTD_TREASURY_ADDRESS"
	envBankVerifyBase   = "SETTLEMENTD_BANK_VERIFY_BASE"
	envBankVerifyKey    = "SETTLEMENTD_BANK_VERIFY_API_KEY"
	envRateSourceURL    = "SETTLEMENTD_RATE_SOURCE_URL"
	envRateSourceToken  = "SETTLEMENTD_RATE_SOURCE_TOKEN"
	envRateFallback     = "SETTLEMENTD_RATE_FALLBACK"
	envLogLevel         = "SETTLEMENTD_LOG_LEVEL"
	envLogFile          = "SETTLEMENTD_LOG_FILE"
	envReconInterval    = "SETTLEMENTD_RECON_INTERVAL"
	envReconGrace       = "SETTLEMENTD_RECON_GRACE"
	envReconMaxAttempts = "SETTLEMENTD_RECON_MAX_ATTEMPTS"
)

// Load resolves configuration from defaults, the optional YAML file at path,
// and finally environment variables.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if trimmed := strings.TrimSpace(path); trimmed != "" {
		raw, err := os.ReadFile(trimmed)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", trimmed, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", trimmed, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Environment:   "development",
		ListenAddress: ":8080",
		DatabaseDSN:   "settlementd.db",
		Custody: CustodyConfig{
			Network:        "ethereum-mainnet",
			StableAsset:    "USDC",
			StableDecimals: 6,
			MinGasWei:      "10000000000000000",
			GasBufferBps:   3000,
		},
		Rates: RatesConfig{
			CacheTTL:     time.Minute,
			FetchTimeout: 5 * time.Second,
			Onramp: DirectionConfig{
				FeePercent: "0.01",
				MinAmount:  "1000",
				MaxAmount:  "10000000",
			},
			Offramp: DirectionConfig{
				FeePercent: "0.01",
				Markup:     "0",
				MinAmount:  "1",
				MaxAmount:  "100000",
			},
		},
		Settlement: SettlementConfig{
			FiatCurrency:    "NGN",
			AmountTolerance: "1",
		},
		Recon: ReconConfig{
			Interval:    time.Minute,
			Grace:       5 * time.Minute,
			MaxAttempts: 20,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
		RateLimit: RateLimitConfig{
			PerSecond: 20,
			Burst:     40,
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Environment = getenvDefault(envEnvironment, cfg.Environment)
	cfg.ListenAddress = getenvDefault(envListen, cfg.ListenAddress)
	cfg.DatabaseDSN = getenvDefault(envDatabaseDSN, cfg.DatabaseDSN)

	cfg.Collector.BaseURL = getenvDefault(envCollectorBase, cfg.Collector.BaseURL)
	cfg.Collector.APIKey = getenvDefault(envCollectorKey, cfg.Collector.APIKey)
	cfg.Collector.WebhookSecret = getenvDefault(envCollectorSecret, cfg.Collector.WebhookSecret)

	cfg.Disburser.BaseURL = getenvDefault(envDisburserBase, cfg.Disburser.BaseURL)
	cfg.Disburser.APIKey = getenvDefault(envDisburserKey, cfg.Disburser.APIKey)
	cfg.Disburser.WebhookSecret = getenvDefault(envDisburserSecret, cfg.Disburser.WebhookSecret)

	cfg.Custody.BaseURL = getenvDefault(envCustodyBase, cfg.Custody.BaseURL)
	cfg.Custody.Token = getenvDefault(envCustodyToken, cfg.Custody.Token)
	cfg.Custody.Network = getenvDefault(envCustodyNetwork, cfg.Custody.Network)
	cfg.Custody.TreasuryAddress = getenvDefault(envTreasuryAddress, cfg.Custody.TreasuryAddress)

	cfg.BankVerify.BaseURL = getenvDefault(envBankVerifyBase, cfg.BankVerify.BaseURL)
	cfg.BankVerify.APIKey = getenvDefault(envBankVerifyKey, cfg.BankVerify.APIKey)

	cfg.Rates.SourceURL = getenvDefault(envRateSourceURL, cfg.Rates.SourceURL)
	cfg.Rates.SourceToken = getenvDefault(envRateSourceToken, cfg.Rates.SourceToken)
	cfg.Rates.FallbackRate = getenvDefault(envRateFallback, cfg.Rates.FallbackRate)

	cfg.Log.Level = getenvDefault(envLogLevel, cfg.Log.Level)
	cfg.Log.File = getenvDefault(envLogFile, cfg.Log.File)

	cfg.Recon.Interval = parseDurationDefault(envReconInterval, cfg.Recon.Interval)
	cfg.Recon.Grace = parseDurationDefault(envReconGrace, cfg.Recon.Grace)
	cfg.Recon.MaxAttempts = parseIntDefault(envReconMaxAttempts, cfg.Recon.MaxAttempts)
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("config: database DSN is required")
	}
	if strings.TrimSpace(c.Collector.BaseURL) == "" {
		return fmt.Errorf("config: collector base URL is required")
	}
	if strings.TrimSpace(c.Disburser.BaseURL) == "" {
		return fmt.Errorf("config: disburser base URL is required")
	}
	if strings.TrimSpace(c.Custody.BaseURL) == "" {
		return fmt.Errorf("config: custody base URL is required")
	}
	if strings.TrimSpace(c.Custody.TreasuryAddress) == "" {
		return fmt.Errorf("config: treasury address is required")
	}
	if strings.TrimSpace(c.Rates.SourceURL) == "" && strings.TrimSpace(c.Rates.FallbackRate) == "" {
		return fmt.Errorf("config: a rate source URL or fallback rate is required")
	}
	return nil
}

func getenvDefault(key, def string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return def
}

func parseDurationDefault(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func parseIntDefault(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
