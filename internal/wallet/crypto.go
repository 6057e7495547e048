package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	ErrMalformedKeyHex    = errors.New("decrypted key is not a valid 0x-prefixed private key")
)

// encryptionKey is SHA-256 of the master secret's raw key bytes.
func encryptionKey(master *ecdsa.PrivateKey) [32]byte {
	return sha256.Sum256(gethcrypto.FromECDSA(master))
}

func newGCM(master *ecdsa.PrivateKey) (cipher.AEAD, error) {
	key := encryptionKey(master)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncryptPrivateKey seals a 0x-prefixed hex private key under the master
// secret. Output layout: nonce ‖ ciphertext‖tag.
func EncryptPrivateKey(master *ecdsa.PrivateKey, keyHex string) ([]byte, error) {
	if err := validateKeyHex(keyHex); err != nil {
		return nil, err
	}
	gcm, err := newGCM(master)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, []byte(keyHex), nil), nil
}

// DecryptPrivateKey opens an encrypted import and validates the plaintext is
// a syntactically valid key. The plaintext is never logged by any caller.
func DecryptPrivateKey(master *ecdsa.PrivateKey, sealed []byte) (string, error) {
	gcm, err := newGCM(master)
	if err != nil {
		return "", err
	}
	if len(sealed) < gcm.NonceSize() {
		return "", ErrCiphertextTooShort
	}
	plain, err := gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt imported key: %w", err)
	}
	keyHex := string(plain)
	if err := validateKeyHex(keyHex); err != nil {
		return "", err
	}
	return keyHex, nil
}

// ParseKeyHex converts a validated 0x-prefixed hex key into an ECDSA key.
func ParseKeyHex(keyHex string) (*ecdsa.PrivateKey, error) {
	if err := validateKeyHex(keyHex); err != nil {
		return nil, err
	}
	return gethcrypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
}

func validateKeyHex(keyHex string) error {
	if len(keyHex) != 66 || !strings.HasPrefix(keyHex, "0x") {
		return ErrMalformedKeyHex
	}
	for _, c := range keyHex[2:] {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return ErrMalformedKeyHex
		}
	}
	return nil
}
