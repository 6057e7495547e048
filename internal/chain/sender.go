package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/eigentrade/keeper/internal/nonce"
)

// ErrReverted marks a mined-but-failed transaction.
var ErrReverted = errors.New("transaction reverted")

// nativeTransferGas is the intrinsic gas of a plain value transfer.
const nativeTransferGas = 21000

// Sender signs and submits transactions with nonce discipline. All keeper
// writes go through here so the per-address ordering guarantee holds.
type Sender struct {
	gw     *Gateway
	nonces *nonce.Manager
	logger log.Logger
}

func NewSender(gw *Gateway, nonces *nonce.Manager) *Sender {
	return &Sender{gw: gw, nonces: nonces, logger: log.New("component", "sender")}
}

// SendResult reports a mined transaction and its realized gas cost.
type SendResult struct {
	TxHash     common.Hash
	Receipt    *gethtypes.Receipt
	GasCostEth decimal.Decimal
}

// SendNative transfers amount wei from key's address to `to` and waits for
// the receipt.
func (s *Sender) SendNative(ctx context.Context, chainID uint64, key *ecdsa.PrivateKey, to common.Address, amount *big.Int) (*SendResult, error) {
	return s.send(ctx, chainID, key, &to, amount, nil, nativeTransferGas)
}

// SendCall submits a contract call with value. gasLimit 0 means estimate.
func (s *Sender) SendCall(ctx context.Context, chainID uint64, key *ecdsa.PrivateKey, to common.Address, data []byte, value *big.Int, gasLimit uint64) (*SendResult, error) {
	return s.send(ctx, chainID, key, &to, value, data, gasLimit)
}

func (s *Sender) send(ctx context.Context, chainID uint64, key *ecdsa.PrivateKey, to *common.Address, value *big.Int, data []byte, gasLimit uint64) (*SendResult, error) {
	from := gethcrypto.PubkeyToAddress(key.PublicKey)

	gasPrice, err := s.gw.SuggestGasPrice(ctx, chainID)
	if err != nil {
		return nil, errors.Wrap(err, "suggest gas price")
	}
	if value == nil {
		value = new(big.Int)
	}
	if gasLimit == 0 {
		b, err := s.gw.backend(chainID)
		if err != nil {
			return nil, err
		}
		gasLimit, err = b.EstimateGas(ctx, ethereum.CallMsg{
			From: from, To: to, Value: value, Data: data, GasPrice: gasPrice,
		})
		if err != nil {
			return nil, errors.Wrap(err, "estimate gas")
		}
		gasLimit += gasLimit / 5 // headroom for state drift between estimate and inclusion
	}

	lease, err := s.nonces.Acquire(ctx, chainID, from)
	if err != nil {
		return nil, errors.Wrap(err, "acquire nonce")
	}

	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    lease.Nonce,
		To:       to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(new(big.Int).SetUint64(chainID)), key)
	if err != nil {
		lease.Invalidate()
		return nil, errors.Wrap(err, "sign tx")
	}

	if err := s.gw.SendTransaction(ctx, chainID, signed); err != nil {
		lease.Invalidate()
		return nil, errors.Wrap(err, "send tx")
	}
	lease.Release()

	receipt, err := s.gw.WaitReceipt(ctx, chainID, signed.Hash(), DefaultReceiptTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "wait receipt %s", signed.Hash().Hex())
	}
	result := &SendResult{
		TxHash:     signed.Hash(),
		Receipt:    receipt,
		GasCostEth: receiptGasCost(receipt, gasPrice),
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return result, errors.Wrapf(ErrReverted, "tx %s", signed.Hash().Hex())
	}
	return result, nil
}

// receiptGasCost converts gas used into native units.
func receiptGasCost(receipt *gethtypes.Receipt, gasPrice *big.Int) decimal.Decimal {
	price := receipt.EffectiveGasPrice
	if price == nil {
		price = gasPrice
	}
	wei := new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), price)
	return decimal.NewFromBigInt(wei, -18)
}

// TransferCostEth estimates the native cost of a plain transfer at the
// current gas price, used when sweeping a wallet to the last wei.
func (s *Sender) TransferCostEth(ctx context.Context, chainID uint64) (decimal.Decimal, *big.Int, error) {
	gasPrice, err := s.gw.SuggestGasPrice(ctx, chainID)
	if err != nil {
		return decimal.Zero, nil, err
	}
	costWei := new(big.Int).Mul(big.NewInt(nativeTransferGas), gasPrice)
	return decimal.NewFromBigInt(costWei, -18), costWei, nil
}

// WaitMined is a convenience wrapper around WaitReceipt that also checks the
// status flag.
func (s *Sender) WaitMined(ctx context.Context, chainID uint64, txHash common.Hash, timeout time.Duration) (*gethtypes.Receipt, error) {
	receipt, err := s.gw.WaitReceipt(ctx, chainID, txHash, timeout)
	if err != nil {
		return nil, err
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("tx %s: %w", txHash.Hex(), ErrReverted)
	}
	return receipt, nil
}
