package executor

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// permitValidity bounds how long a signed router permit stays usable.
const permitValidity = 30 * time.Minute

const permit2ABIJSON = `[
  {"inputs":[{"name":"user","type":"address"},{"name":"token","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"amount","type":"uint160"},{"name":"expiration","type":"uint48"},{"name":"nonce","type":"uint48"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"name":"owner","type":"address"},{"components":[{"components":[{"name":"token","type":"address"},{"name":"amount","type":"uint160"},{"name":"expiration","type":"uint48"},{"name":"nonce","type":"uint48"}],"name":"details","type":"tuple"},{"name":"spender","type":"address"},{"name":"sigDeadline","type":"uint256"}],"name":"permitSingle","type":"tuple"},{"name":"signature","type":"bytes"}],"name":"permit","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

var permit2ABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(permit2ABIJSON))
	if err != nil {
		panic(fmt.Sprintf("permit2 abi: %v", err))
	}
	return parsed
}()

var (
	permitDetailsTypeHash = gethcrypto.Keccak256Hash([]byte(
		"PermitDetails(address token,uint160 amount,uint48 expiration,uint48 nonce)"))
	permitSingleTypeHash = gethcrypto.Keccak256Hash([]byte(
		"PermitSingle(PermitDetails details,address spender,uint256 sigDeadline)PermitDetails(address token,uint160 amount,uint48 expiration,uint48 nonce)"))
	eip712DomainTypeHash = gethcrypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,uint256 chainId,address verifyingContract)"))
	permit2NameHash = gethcrypto.Keccak256Hash([]byte("Permit2"))

	maxUint160 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 160), big.NewInt(1))
)

type permitDetails struct {
	Token      common.Address
	Amount     *big.Int
	Expiration *big.Int
	Nonce      *big.Int
}

type permitSingle struct {
	Details     permitDetails
	Spender     common.Address
	SigDeadline *big.Int
}

// permitRouter grants the router a short-lived permit-authority allowance
// for the wallet's tokens: the permit is built for the trade amount, signed
// inline with the sub-wallet key, and submitted before the swap. An
// unexpired allowance that already covers the amount is left alone.
func (e *Executor) permitRouter(ctx context.Context, chainID uint64, key *ecdsa.PrivateKey, owner, token, router common.Address, amount *big.Int) (decimal.Decimal, error) {
	cost := decimal.Zero

	granted, expiration, nonce, err := e.permit2Allowance(ctx, chainID, owner, token, router)
	if err != nil {
		return cost, errors.Wrap(err, "permit allowance")
	}
	now := time.Now()
	if granted.Cmp(amount) >= 0 && expiration.Int64() > now.Unix() {
		return cost, nil
	}

	permitted := new(big.Int).Set(amount)
	if permitted.Cmp(maxUint160) > 0 {
		permitted.Set(maxUint160)
	}
	deadline := big.NewInt(now.Add(permitValidity).Unix())
	single := permitSingle{
		Details: permitDetails{
			Token:      token,
			Amount:     permitted,
			Expiration: deadline,
			Nonce:      nonce,
		},
		Spender:     router,
		SigDeadline: deadline,
	}
	sig, err := signPermitSingle(key, chainID, single)
	if err != nil {
		return cost, errors.Wrap(err, "sign permit")
	}
	data, err := permit2ABI.Pack("permit", owner, single, sig)
	if err != nil {
		return cost, err
	}
	res, err := e.sender.SendCall(ctx, chainID, key, permit2Address, data, nil, 0)
	if err != nil {
		return cost, errors.Wrap(err, "submit permit")
	}
	cost = cost.Add(res.GasCostEth)
	e.logger.Debug("Signed router permit", "owner", owner, "spender", router, "deadline", deadline)
	return cost, nil
}

func (e *Executor) permit2Allowance(ctx context.Context, chainID uint64, owner, token, spender common.Address) (*big.Int, *big.Int, *big.Int, error) {
	data, err := permit2ABI.Pack("allowance", owner, token, spender)
	if err != nil {
		return nil, nil, nil, err
	}
	out, err := e.gw.Call(ctx, chainID, permit2Address, data)
	if err != nil {
		return nil, nil, nil, err
	}
	vals, err := permit2ABI.Unpack("allowance", out)
	if err != nil || len(vals) != 3 {
		return nil, nil, nil, errors.New("malformed permit allowance response")
	}
	return vals[0].(*big.Int), vals[1].(*big.Int), vals[2].(*big.Int), nil
}

// permitSingleDigest is the EIP-712 signing hash for one permit.
func permitSingleDigest(chainID uint64, single permitSingle) []byte {
	word := func(v *big.Int) []byte { return common.LeftPadBytes(v.Bytes(), 32) }
	addr := func(a common.Address) []byte { return common.LeftPadBytes(a.Bytes(), 32) }

	detailsHash := gethcrypto.Keccak256(
		permitDetailsTypeHash.Bytes(),
		addr(single.Details.Token),
		word(single.Details.Amount),
		word(single.Details.Expiration),
		word(single.Details.Nonce),
	)
	structHash := gethcrypto.Keccak256(
		permitSingleTypeHash.Bytes(),
		detailsHash,
		addr(single.Spender),
		word(single.SigDeadline),
	)
	domainSeparator := gethcrypto.Keccak256(
		eip712DomainTypeHash.Bytes(),
		permit2NameHash.Bytes(),
		word(new(big.Int).SetUint64(chainID)),
		addr(permit2Address),
	)
	return gethcrypto.Keccak256([]byte("\x19\x01"), domainSeparator, structHash)
}

func signPermitSingle(key *ecdsa.PrivateKey, chainID uint64, single permitSingle) ([]byte, error) {
	sig, err := gethcrypto.Sign(permitSingleDigest(chainID, single), key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}
