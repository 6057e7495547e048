// Package types holds the domain model shared by every keeper component:
// eigen configurations, sub-wallets, positions, trade records and the
// decision action emitted by the engine.
package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// EigenID is the short human-readable identifier of one trading agent.
type EigenID string

// Bytes32 returns the on-chain identifier of the eigen, the keccak hash of
// its short id. Vault contracts key everything by this hash.
func (id EigenID) Bytes32() common.Hash {
	return crypto.Keccak256Hash([]byte(id))
}

func (id EigenID) String() string { return string(id) }

// Status is the lifecycle state of an eigen.
type Status string

const (
	StatusActive      Status = "active"
	StatusSuspended   Status = "suspended"
	StatusLiquidating Status = "liquidating"
	StatusLiquidated  Status = "liquidated"
	StatusTerminated  Status = "terminated"
)

// WalletSource selects how sub-wallet keys are obtained.
type WalletSource string

const (
	WalletSourceDerived  WalletSource = "derived"
	WalletSourceImported WalletSource = "imported"
)

// PoolVersion tags the AMM flavour a pool belongs to.
type PoolVersion string

const (
	PoolV2 PoolVersion = "v2"
	PoolV3 PoolVersion = "v3"
	PoolV4 PoolVersion = "v4"
)

// Pool identifies one AMM liquidity pool.
type Pool struct {
	Version     PoolVersion
	Address     common.Address
	Fee         uint32
	TickSpacing int32
	Hook        common.Address
	PoolID      common.Hash
}

// EigenConfig is the durable configuration of one eigen. Created by the API
// collaborator, mutated only through the store's whitelisted update path.
type EigenConfig struct {
	ID    EigenID
	Token common.Address
	Owner common.Address

	ChainID uint64
	Pool    Pool

	Status          Status
	StatusReason    string
	StatusChangedAt time.Time

	// Trading knobs.
	VolumeTargetEth  decimal.Decimal
	TradesPerHour    float64
	OrderSizeMinPct  float64
	OrderSizeMaxPct  float64
	SpreadPct        float64
	ProfitTargetPct  float64
	StopLossPct      float64
	WalletCount      int
	SlippageBps      int
	ReactiveSellMode bool
	ReactiveSellPct  float64
	LastScannedBlock uint64

	GasBudgetEth decimal.Decimal
	GasSpentEth  decimal.Decimal

	CustomPrompt string
	WalletSource WalletSource

	CreatedAt time.Time
	UpdatedAt time.Time
}

// GasRemaining reports how much of the eigen's gas budget is left. Negative
// values are clamped to zero; gas_spent > gas_budget is monitored, not
// enforced.
func (c *EigenConfig) GasRemaining() decimal.Decimal {
	rem := c.GasBudgetEth.Sub(c.GasSpentEth)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// SubWallet is one of the eigen's deterministic execution wallets.
// (Eigen, Index) is unique; the address is a pure function of the master
// secret, the eigen id and the index.
type SubWallet struct {
	Eigen       EigenID
	Index       int
	Address     common.Address
	LastTradeAt time.Time
	TradeCount  int
}

// ImportedWallet is a sub-wallet whose private key was supplied externally
// and is held encrypted (AES-256-GCM, key = SHA-256 of the master secret).
type ImportedWallet struct {
	SubWallet
	EncryptedKey []byte // nonce ‖ ciphertext‖tag as produced by GCM Seal
}

// TokenPosition is the ledger row for one (eigen, token, wallet) tuple.
// AmountRaw is in token base units; EntryPrice is base-asset per whole
// token; TotalCost is in base asset.
type TokenPosition struct {
	Eigen      EigenID
	Token      common.Address
	Wallet     common.Address
	AmountRaw  *big.Int
	EntryPrice decimal.Decimal
	TotalCost  decimal.Decimal
	UpdatedAt  time.Time
}

// IsZero reports whether the position holds no tokens.
func (p *TokenPosition) IsZero() bool {
	return p.AmountRaw == nil || p.AmountRaw.Sign() == 0
}

// TradeType labels an append-only trade record.
type TradeType string

const (
	TradeBuy          TradeType = "buy"
	TradeSell         TradeType = "sell"
	TradeProfitTake   TradeType = "profit_take"
	TradeReactiveSell TradeType = "reactive_sell"
	TradeLiquidation  TradeType = "liquidation"
	TradeArbitrage    TradeType = "arbitrage"
)

// TradeRecord is one executed (or attempted) trade. Immutable once written.
type TradeRecord struct {
	ID           string
	Eigen        EigenID
	Type         TradeType
	Wallet       common.Address
	Token        common.Address
	AmountToken  *big.Int        // token base units, positive
	AmountNative decimal.Decimal // base asset spent (buy) or received (sell)
	Price        decimal.Decimal
	RealizedPnl  decimal.Decimal
	GasCostEth   decimal.Decimal
	TxHash       common.Hash
	Router       common.Address
	PoolVersion  PoolVersion
	Timestamp    time.Time
}

// PriceSnapshot is an append-only price observation used for AI context and
// charting.
type PriceSnapshot struct {
	Token     common.Address
	Price     decimal.Decimal
	Source    string
	Timestamp time.Time
}

// AIEvaluation is the append-only record of one pre-trade LLM gate call.
type AIEvaluation struct {
	Eigen          EigenID
	Action         string
	Approved       bool
	Confidence     int
	Reason         string
	AdjustedAmount decimal.Decimal // zero when the model did not resize
	SuggestedWait  time.Duration
	Model          string
	Latency        time.Duration
	Tokens         int
	Timestamp      time.Time
}
