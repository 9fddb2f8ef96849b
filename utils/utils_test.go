package utils

import (
	"math/big"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/ivxp/types"
)

const (
	clientAddr   = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	providerAddr = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

var txHash = "0x" + strings.Repeat("0f", 32)

func TestContentHash(t *testing.T) {
	// sha256("hello")
	const hello = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	assert.Equal(t, hello, ContentHash([]byte("hello")))

	tests := []struct {
		name     string
		expected string
		want     bool
	}{
		{"exact", hello, true},
		{"uppercase", strings.ToUpper(hello), true},
		{"0x prefix", "0x" + hello, true},
		{"other content", ContentHash([]byte("hello!")), false},
		{"truncated", hello[:60], false},
		{"not hex", strings.Repeat("z", 64), false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VerifyContentHash([]byte("hello"), tt.expected))
		})
	}
}

func TestValidateAmount(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"1", "1", false},
		{"0.000001", "0.000001", false},
		{"10.50", "10.5", false},
		{"0", "0", false},
		{"0.0000001", "", true},
		{"-1", "", true},
		{"", "", true},
		{"ten", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ValidateAmount(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestBaseUnits(t *testing.T) {
	units := ToBaseUnits(decimal.RequireFromString("12.345678"), types.USDCDecimals)
	assert.Equal(t, big.NewInt(12_345_678), units)
	assert.Equal(t, "12.345678", FormatAmountFromBigInt(units, types.USDCDecimals))

	parsed, err := ParseAmountWithDecimals("3", types.USDCDecimals)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(3_000_000), parsed)
}

func TestValidateTransactionHash(t *testing.T) {
	assert.NoError(t, ValidateTransactionHash(txHash))
	assert.Error(t, ValidateTransactionHash(""))
	assert.Error(t, ValidateTransactionHash(txHash[2:]))
	assert.Error(t, ValidateTransactionHash(txHash+"00"))
}

func TestAddresses(t *testing.T) {
	assert.NoError(t, ValidateAddress(clientAddr))
	assert.Error(t, ValidateAddress(clientAddr[2:]))
	assert.Error(t, ValidateAddress("0x1234"))

	assert.Equal(t, clientAddr, NormalizeAddress(strings.ToLower(clientAddr)))
	assert.Equal(t, "", NormalizeAddress("nope"))

	assert.True(t, SameAddress(clientAddr, strings.ToLower(clientAddr)))
	assert.False(t, SameAddress(clientAddr, providerAddr))
	assert.False(t, SameAddress("", ""))
}

func TestValidateProviderURL(t *testing.T) {
	tests := []struct {
		raw     string
		wantErr bool
	}{
		{"http://localhost:8080", false},
		{"https://provider.example.com/base", false},
		{"", true},
		{"ftp://provider.example.com", true},
		{"provider.example.com", true},
		{"http://", true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			_, err := ValidateProviderURL(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, types.ErrInvalidProviderURL, types.CodeOf(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestParseServiceRequest(t *testing.T) {
	valid := `{
		"protocol": "IVXP/1.0",
		"message_type": "service_request",
		"timestamp": "2026-03-01T12:00:00Z",
		"client_agent": {"name": "agent", "wallet_address": "` + clientAddr + `"},
		"service_request": {"type": "text_echo", "description": "hi", "budget_usdc": 10}
	}`

	req, err := ParseServiceRequest([]byte(valid))
	require.NoError(t, err)
	assert.Equal(t, "text_echo", req.ServiceRequest.Type)
	assert.True(t, req.ServiceRequest.BudgetUSDC.Equal(decimal.NewFromInt(10)))

	tests := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"wrong protocol", strings.Replace(valid, "IVXP/1.0", "IVXP/2.0", 1)},
		{"wrong type", strings.Replace(valid, `"service_request",`, `"service_quote",`, 1)},
		{"bad wallet", strings.Replace(valid, clientAddr, "0xnope", 1)},
		{"missing service type", strings.Replace(valid, `"type": "text_echo", `, "", 1)},
		{"negative budget", strings.Replace(valid, `"budget_usdc": 10`, `"budget_usdc": -1`, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseServiceRequest([]byte(tt.body))
			require.Error(t, err)
			assert.Equal(t, types.ErrInvalidRequest, types.CodeOf(err))
		})
	}
}

func TestParseDeliveryRequest(t *testing.T) {
	valid := `{
		"order_id": "ivxp-1",
		"payment_proof": {"tx_hash": "` + txHash + `", "from_address": "` + clientAddr + `", "network": "base-sepolia"},
		"signature": "0xsig",
		"signed_message": "Order: ivxp-1"
	}`

	req, err := ParseDeliveryRequest([]byte(valid))
	require.NoError(t, err)
	assert.Equal(t, "ivxp-1", req.OrderID)
	assert.Equal(t, types.NetworkBaseSepolia, req.PaymentProof.Network)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"not json", "[]", types.ErrInvalidRequest},
		{"no signature", strings.Replace(valid, `"signature": "0xsig",`, "", 1), types.ErrMalformedMessage},
		{"no signed message", strings.Replace(valid, `"signed_message": "Order: ivxp-1"`, `"signed_message": ""`, 1), types.ErrMalformedMessage},
		{"bad tx hash", strings.Replace(valid, txHash, "0x1234", 1), types.ErrInvalidRequest},
		{"missing order", strings.Replace(valid, `"order_id": "ivxp-1",`, "", 1), types.ErrInvalidRequest},
		{"wrong protocol", strings.Replace(valid, "{", `{"protocol": "IVXP/0.9",`, 1), types.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDeliveryRequest([]byte(tt.body))
			require.Error(t, err)
			assert.Equal(t, tt.code, types.CodeOf(err))
		})
	}
}

func TestParseProviderConfig(t *testing.T) {
	cfg, err := ParseProviderConfig([]byte(`{
		"name": "p",
		"wallet_address": "` + providerAddr + `",
		"network": "base-sepolia",
		"services": [{"type": "text_echo", "base_price_usdc": "1.5", "estimated_delivery_hours": 1}]
	}`))
	require.NoError(t, err)
	assert.Equal(t, 300, int(cfg.FreshnessWindow().Seconds()))
	assert.Equal(t, 600, int(cfg.NonceRetention().Seconds()))

	tests := []struct {
		name string
		body string
	}{
		{"unknown network", `{"name": "p", "wallet_address": "` + providerAddr + `", "network": "dogechain"}`},
		{"missing wallet", `{"name": "p", "network": "base-sepolia"}`},
		{"sub-unit price", `{"name": "p", "wallet_address": "` + providerAddr + `", "network": "base-sepolia", "services": [{"type": "x", "base_price_usdc": "0.0000001"}]}`},
		{"bad log level", `{"name": "p", "wallet_address": "` + providerAddr + `", "network": "base-sepolia", "log_level": "loud"}`},
		{"not json", `name=p`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseProviderConfig([]byte(tt.body))
			require.Error(t, err)
			assert.Equal(t, types.ErrConfigError, types.CodeOf(err))
		})
	}
}

func TestParseFlexibleTime(t *testing.T) {
	for _, s := range []string{"2026-03-01T12:00:00Z", "2026-03-01T12:00:00.123456Z", "2026-03-01T12:00:00"} {
		_, err := ParseFlexibleTime(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseFlexibleTime("March 1st")
	assert.Error(t, err)
}
