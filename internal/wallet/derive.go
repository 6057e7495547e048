// Package wallet manages the keeper's sub-wallet fleet: deterministic key
// derivation from the master secret, encrypted imports, least-recently-traded
// selection and gas-floor funding.
package wallet

import (
	"crypto/ecdsa"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/eigentrade/keeper/internal/types"
)

// DeriveKey produces the sub-wallet key for (master, eigen, index). The key
// material is keccak256(masterKeyBytes ‖ eigenID ‖ uint32be(index)), reduced
// into the secp256k1 field by geth's ToECDSA. Pure function: derived keys are
// never persisted, only rederived on demand.
func DeriveKey(master *ecdsa.PrivateKey, eigen types.EigenID, index int) (*ecdsa.PrivateKey, error) {
	seed := crypto.FromECDSA(master)
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(index))

	material := crypto.Keccak256(seed, []byte(eigen), idx[:])
	for {
		key, err := crypto.ToECDSA(material)
		if err == nil {
			return key, nil
		}
		// Out-of-range scalar: hash again. Astronomically rare but cheap to
		// handle deterministically.
		material = crypto.Keccak256(material)
	}
}

// DeriveAddress returns the address of the derived sub-wallet.
func DeriveAddress(master *ecdsa.PrivateKey, eigen types.EigenID, index int) (common.Address, error) {
	key, err := DeriveKey(master, eigen, index)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}
