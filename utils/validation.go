package utils

import (
	"fmt"
	"math/big"
	"net/url"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/vitwit/ivxp/types"
)

var (
	txHashPattern = regexp.MustCompile("^0x[0-9a-fA-F]{64}$")
	hexPattern    = regexp.MustCompile("^[0-9a-fA-F]+$")
)

// ValidateAmount checks if an amount string is a valid non-negative decimal
// representable in USDC precision.
func ValidateAmount(amount string) (*decimal.Decimal, error) {
	if amount == "" {
		return nil, fmt.Errorf("amount cannot be empty")
	}

	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount format: %w", err)
	}

	if dec.IsNegative() {
		return nil, fmt.Errorf("amount cannot be negative")
	}

	if !dec.Round(types.USDCDecimals).Equal(dec) {
		return nil, fmt.Errorf("amount %s exceeds %d decimal places", amount, types.USDCDecimals)
	}

	return &dec, nil
}

// ValidateTransactionHash validates an EVM transaction hash (0x + 64 hex).
func ValidateTransactionHash(hash string) error {
	if hash == "" {
		return fmt.Errorf("transaction hash cannot be empty")
	}
	if !txHashPattern.MatchString(hash) {
		return fmt.Errorf("transaction hash must be 0x followed by 64 hex characters")
	}
	return nil
}

// ValidateAddress checks if a string is a valid Ethereum address
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if !common.IsHexAddress(address) || !strings.HasPrefix(address, "0x") {
		return fmt.Errorf("invalid address: %s", address)
	}
	return nil
}

// NormalizeAddress returns the checksummed form of address, or "" if invalid.
func NormalizeAddress(address string) string {
	if !common.IsHexAddress(address) {
		return ""
	}
	return common.HexToAddress(address).Hex()
}

// SameAddress compares two addresses case-insensitively.
func SameAddress(a, b string) bool {
	return a != "" && strings.EqualFold(a, b)
}

// ValidateProviderURL checks that a provider endpoint is an absolute http(s) URL.
func ValidateProviderURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, types.NewError(types.ErrInvalidProviderURL, "provider URL cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, types.WrapError(types.ErrInvalidProviderURL, "invalid provider URL", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, types.Errorf(types.ErrInvalidProviderURL, "provider URL must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, types.Errorf(types.ErrInvalidProviderURL, "provider URL %q has no host", raw)
	}
	return u, nil
}

// ParseAmountWithDecimals parses a decimal amount string and converts to big.Int with specified decimals
func ParseAmountWithDecimals(amount string, decimals int) (*big.Int, error) {
	dec, err := ValidateAmount(amount)
	if err != nil {
		return nil, err
	}

	return ToBaseUnits(*dec, decimals), nil
}

// ToBaseUnits converts a decimal amount into integer token units.
func ToBaseUnits(amount decimal.Decimal, decimals int) *big.Int {
	return amount.Shift(int32(decimals)).BigInt()
}

// FormatAmountFromBigInt formats a big.Int amount to decimal string with specified decimals
func FormatAmountFromBigInt(amount *big.Int, decimals int) string {
	dec := decimal.NewFromBigInt(amount, -int32(decimals))
	return dec.String()
}

func isHexString(s string) bool {
	return hexPattern.MatchString(s)
}
