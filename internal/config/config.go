// Package config loads the keeper's process configuration from the
// environment. Everything is read once at startup; a validation failure is
// the only fatal path in the program.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
)

var (
	ErrMissingKeeperKey = errors.New("KEEPER_PRIVATE_KEY is required")
	ErrMalformedKey     = errors.New("KEEPER_PRIVATE_KEY must be 0x-prefixed 64-hex-char string")
)

var keyPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// AIConfig configures the optional pre-trade LLM gate.
type AIConfig struct {
	Enabled             bool
	Provider            string
	Model               string
	APIKey              string
	BaseURL             string
	ConfidenceThreshold int
	Timeout             time.Duration
}

// Config is the full startup configuration, defaults per DefaultConfig.
type Config struct {
	// Cycle cadence and budgets.
	PollInterval        time.Duration
	TradeConcurrency    int
	CycleGasBudgetEth   decimal.Decimal
	SpendRateThreshold  float64 // percent of max vault balance per hour
	PriceSnapshotPeriod time.Duration

	// Keeper identity and gas floors.
	KeeperPrivateKey    string
	MinKeeperGasBalance decimal.Decimal
	LowKeeperGasBalance decimal.Decimal

	// Alerting.
	AlertWebhookURL string

	// Store.
	DatabasePath string

	// RPC endpoints keyed by chain id, e.g. RPC_URL_10143.
	RPCEndpoints map[uint64]string

	// Per-chain contract addresses, overridable per chain id,
	// e.g. WETH_ADDRESS_10143 or VAULT_ADDRESS_8453.
	Networks map[uint64]Network

	AI AIConfig
}

// Network holds the contract addresses the keeper trades through on one
// chain. An empty Vault marks a vaultless chain: sub-wallets trade their own
// balances directly.
type Network struct {
	WETH     string
	V2Router string
	V3Router string
	Vault    string
}

// defaultNetworks carries the canonical deployments; Monad routers and every
// vault address are deployment-specific and come from the environment.
var defaultNetworks = map[uint64]Network{
	1: {
		WETH:     "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
		V2Router: "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D",
		V3Router: "0xE592427A0AEce92De3Edee1F18E0157C05861564",
	},
	8453: {
		WETH:     "0x4200000000000000000000000000000000000006",
		V2Router: "0x4752ba5DBc23f44D87826276BF6Fd6b1C372aD24",
		V3Router: "0x2626664c2603336E57B271c5C0b26F421741e481",
	},
	10143: {
		WETH: "0x760AfE86e5de5fa0Ee542fc7B7B713e1c5425701", // wrapped MON
	},
}

// DefaultConfig holds the baseline settings; values not present in the environment
// fall back to these.
var DefaultConfig = Config{
	PollInterval:        15 * time.Second,
	TradeConcurrency:    5,
	CycleGasBudgetEth:   decimal.RequireFromString("0.05"),
	SpendRateThreshold:  30,
	PriceSnapshotPeriod: 5 * time.Minute,
	MinKeeperGasBalance: decimal.RequireFromString("0.01"),
	LowKeeperGasBalance: decimal.RequireFromString("0.05"),
	DatabasePath:        "keeper.db",
	AI: AIConfig{
		Provider:            "openai-compatible",
		ConfidenceThreshold: 70,
		Timeout:             2 * time.Second,
	},
}

// Load reads the optional .env file and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load() // absence of .env is fine
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from the given lookup function. Split out so tests
// can feed a map instead of mutating the process environment.
func FromEnv(getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig
	cfg.RPCEndpoints = make(map[uint64]string)
	cfg.Networks = make(map[uint64]Network)

	if v := getenv("POLL_INTERVAL"); v != "" {
		cfg.PollInterval = time.Duration(cast.ToInt64(v)) * time.Millisecond
	}
	if v := getenv("TRADE_CONCURRENCY"); v != "" {
		cfg.TradeConcurrency = cast.ToInt(v)
	}
	if v := getenv("CYCLE_GAS_BUDGET"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("CYCLE_GAS_BUDGET: %w", err)
		}
		cfg.CycleGasBudgetEth = d
	}
	if v := getenv("SPEND_RATE_THRESHOLD_PCT"); v != "" {
		cfg.SpendRateThreshold = cast.ToFloat64(v)
	}
	if v := getenv("PRICE_SNAPSHOT_INTERVAL"); v != "" {
		cfg.PriceSnapshotPeriod = time.Duration(cast.ToInt64(v)) * time.Millisecond
	}
	if v := getenv("MIN_KEEPER_GAS_BALANCE"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("MIN_KEEPER_GAS_BALANCE: %w", err)
		}
		cfg.MinKeeperGasBalance = d
	}
	if v := getenv("LOW_KEEPER_GAS_BALANCE"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("LOW_KEEPER_GAS_BALANCE: %w", err)
		}
		cfg.LowKeeperGasBalance = d
	}
	if v := getenv("ALERT_WEBHOOK_URL"); v != "" {
		cfg.AlertWebhookURL = v
	}
	if v := getenv("DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}

	cfg.KeeperPrivateKey = getenv("KEEPER_PRIVATE_KEY")

	cfg.AI.Enabled = cast.ToBool(getenv("AI_EVALUATION_ENABLED"))
	if v := getenv("AI_PROVIDER"); v != "" {
		cfg.AI.Provider = v
	}
	if v := getenv("AI_MODEL"); v != "" {
		cfg.AI.Model = v
	}
	cfg.AI.APIKey = getenv("AI_API_KEY")
	cfg.AI.BaseURL = getenv("AI_BASE_URL")
	if v := getenv("AI_CONFIDENCE_THRESHOLD"); v != "" {
		cfg.AI.ConfidenceThreshold = cast.ToInt(v)
	}
	if v := getenv("AI_TIMEOUT_MS"); v != "" {
		cfg.AI.Timeout = time.Duration(cast.ToInt64(v)) * time.Millisecond
	}

	for _, chainID := range knownChainIDs {
		if v := getenv(fmt.Sprintf("RPC_URL_%d", chainID)); v != "" {
			cfg.RPCEndpoints[chainID] = v
		}
		net := defaultNetworks[chainID]
		if v := getenv(fmt.Sprintf("WETH_ADDRESS_%d", chainID)); v != "" {
			net.WETH = v
		}
		if v := getenv(fmt.Sprintf("V2_ROUTER_%d", chainID)); v != "" {
			net.V2Router = v
		}
		if v := getenv(fmt.Sprintf("V3_ROUTER_%d", chainID)); v != "" {
			net.V3Router = v
		}
		if v := getenv(fmt.Sprintf("VAULT_ADDRESS_%d", chainID)); v != "" {
			net.Vault = v
		}
		cfg.Networks[chainID] = net
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// knownChainIDs enumerates the chains the keeper can be pointed at.
var knownChainIDs = []uint64{1, 8453, 10143}

// Validate checks the fatal-on-startup constraints.
func (c *Config) Validate() error {
	if c.KeeperPrivateKey == "" {
		return ErrMissingKeeperKey
	}
	if !keyPattern.MatchString(c.KeeperPrivateKey) {
		return ErrMalformedKey
	}
	if c.TradeConcurrency < 1 {
		return fmt.Errorf("TRADE_CONCURRENCY must be >= 1, got %d", c.TradeConcurrency)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.AI.ConfidenceThreshold < 0 || c.AI.ConfidenceThreshold > 100 {
		return fmt.Errorf("AI_CONFIDENCE_THRESHOLD out of [0,100]: %d", c.AI.ConfidenceThreshold)
	}
	for chainID := range c.RPCEndpoints {
		if c.Networks[chainID].WETH == "" {
			return fmt.Errorf("WETH_ADDRESS_%d is required for a configured chain", chainID)
		}
	}
	return nil
}
