package signing

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// RecoverAddress recovers the signer of an EIP-191 personal message.
func RecoverAddress(message, signature string) (common.Address, error) {
	sigBytes, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to decode signature: %w", err)
	}

	if len(sigBytes) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sigBytes))
	}

	// Adjust recovery ID for Ethereum
	if sigBytes[crypto.RecoveryIDOffset] >= 27 {
		sigBytes[crypto.RecoveryIDOffset] -= 27
	}
	if sigBytes[crypto.RecoveryIDOffset] > 1 {
		return common.Address{}, fmt.Errorf("invalid recovery id %d", sigBytes[crypto.RecoveryIDOffset])
	}

	hash := accounts.TextHash([]byte(message))
	pubKey, err := crypto.SigToPub(hash, sigBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}

	return crypto.PubkeyToAddress(*pubKey), nil
}

// Verify reports whether signature over message was produced by
// expectedAddress. Malformed input of any kind yields false.
func Verify(message, signature, expectedAddress string) bool {
	if message == "" || signature == "" || !common.IsHexAddress(expectedAddress) {
		return false
	}
	recovered, err := RecoverAddress(message, signature)
	if err != nil {
		return false
	}
	return strings.EqualFold(recovered.Hex(), expectedAddress)
}
