// Package signing produces and verifies EIP-191 personal-message signatures
// over the canonical IVXP messages.
package signing

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer signs protocol messages on behalf of one account.
type Signer interface {
	// Address returns the checksummed account address.
	Address() string

	// Sign returns a 0x-prefixed 65-byte personal_sign signature over message.
	Sign(message string) (string, error)
}

// KeySigner signs with an in-memory secp256k1 key.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

var _ Signer = (*KeySigner)(nil)

// NewKeySigner wraps an existing private key.
func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

// NewKeySignerFromHex parses a hex private key, with or without 0x.
func NewKeySignerFromHex(hexKey string) (*KeySigner, error) {
	key, err := PrivateKeyFromHex(hexKey)
	if err != nil {
		return nil, err
	}
	return NewKeySigner(key), nil
}

// GenerateKeySigner creates a signer with a fresh random key.
func GenerateKeySigner() (*KeySigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return NewKeySigner(key), nil
}

func (s *KeySigner) Address() string {
	return s.address.Hex()
}

// PrivateKey exposes the key for components that sign transactions.
func (s *KeySigner) PrivateKey() *ecdsa.PrivateKey {
	return s.key
}

func (s *KeySigner) Sign(message string) (string, error) {
	return SignPersonalMessage(message, s.key)
}

// PrivateKeyFromHex creates a private key from hex string
func PrivateKeyFromHex(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")

	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

// SignPersonalMessage signs message with the EIP-191 "\x19Ethereum Signed Message" prefix.
func SignPersonalMessage(message string, privateKey *ecdsa.PrivateKey) (string, error) {
	hash := accounts.TextHash([]byte(message))

	signature, err := crypto.Sign(hash, privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}

	// Wallets emit v in {27, 28}.
	signature[crypto.RecoveryIDOffset] += 27

	return hexutil.Encode(signature), nil
}
