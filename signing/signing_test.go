package signing

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/ivxp/types"
)

const (
	anvilKey  = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	anvilAddr = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

var txHash = "0x" + strings.Repeat("ab", 32)

func TestKeySigner_Address(t *testing.T) {
	s, err := NewKeySignerFromHex(anvilKey)
	require.NoError(t, err)
	assert.Equal(t, anvilAddr, s.Address())

	_, err = NewKeySignerFromHex("not-a-key")
	assert.Error(t, err)
}

func TestSignAndVerify(t *testing.T) {
	s, err := NewKeySignerFromHex(anvilKey)
	require.NoError(t, err)
	other, err := GenerateKeySigner()
	require.NoError(t, err)

	msg := "Order: ivxp-1 | Payment: " + txHash + " | Nonce: n1 | Timestamp: 2026-03-01T12:00:00Z"
	sig, err := s.Sign(msg)
	require.NoError(t, err)
	assert.Len(t, sig, 2+65*2)

	recovered, err := RecoverAddress(msg, sig)
	require.NoError(t, err)
	assert.Equal(t, anvilAddr, recovered.Hex())

	tests := []struct {
		name    string
		message string
		sig     string
		addr    string
		want    bool
	}{
		{"valid", msg, sig, anvilAddr, true},
		{"lowercase address", msg, sig, strings.ToLower(anvilAddr), true},
		{"other signer", msg, sig, other.Address(), false},
		{"tampered message", msg + " ", sig, anvilAddr, false},
		{"truncated signature", msg, sig[:40], anvilAddr, false},
		{"not hex", msg, "0xzz", anvilAddr, false},
		{"empty message", "", sig, anvilAddr, false},
		{"invalid address", msg, sig, "0x1234", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Verify(tt.message, tt.sig, tt.addr))
		})
	}
}

func TestRecoverAddress_BadRecoveryID(t *testing.T) {
	s, err := NewKeySignerFromHex(anvilKey)
	require.NoError(t, err)
	sig, err := s.Sign("hello")
	require.NoError(t, err)

	// v = 0x1f, neither 27/28 nor 0/1
	bad := sig[:len(sig)-2] + "1f"
	_, err = RecoverAddress("hello", bad)
	assert.Error(t, err)
}

func TestDeliveryMessage_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 500_000_000, time.FixedZone("CET", 3600))
	m, err := NewDeliveryMessage("ivxp-1", txHash, "n1", ts)
	require.NoError(t, err)
	assert.Equal(t, "Order: ivxp-1 | Payment: "+txHash+" | Nonce: n1 | Timestamp: 2026-03-01T11:00:00.5Z", m.String())

	parsed, err := ParseDeliveryMessage(m.String())
	require.NoError(t, err)
	assert.Equal(t, "ivxp-1", parsed.OrderID)
	assert.Equal(t, txHash, parsed.TxHash)
	assert.Equal(t, "n1", parsed.Nonce)
	assert.True(t, parsed.HasTimestamp())
	assert.True(t, ts.Equal(parsed.Timestamp))
}

func TestNewDeliveryMessage_Invalid(t *testing.T) {
	tests := []struct {
		name, orderID, tx, nonce string
	}{
		{"empty order", "", txHash, "n"},
		{"empty tx", "ivxp-1", "", "n"},
		{"empty nonce", "ivxp-1", txHash, ""},
		{"separator in nonce", "ivxp-1", txHash, "a|b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDeliveryMessage(tt.orderID, tt.tx, tt.nonce, time.Now())
			require.Error(t, err)
			assert.Equal(t, types.ErrMalformedMessage, types.CodeOf(err))
		})
	}
}

func TestParseDeliveryMessage(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantErr   bool
		wantTS    bool
		wantNonce string
	}{
		{"no timestamp", "Order: ivxp-1 | Payment: 0xab | Nonce: n", false, false, "n"},
		{"naive timestamp", "Order: ivxp-1 | Payment: 0xab | Nonce: n | Timestamp: 2026-03-01T12:00:00", false, true, "n"},
		{"garbage timestamp", "Order: ivxp-1 | Payment: 0xab | Nonce: n | Timestamp: yesterday", true, false, ""},
		{"missing nonce", "Order: ivxp-1 | Payment: 0xab | Timestamp: 2026-03-01T12:00:00Z", false, true, ""},
		{"free text", "please deliver", false, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseDeliveryMessage(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, types.ErrMalformedMessage, types.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantTS, m.HasTimestamp())
			assert.Equal(t, tt.wantNonce, m.Nonce)
		})
	}
}

func TestConfirmationMessage(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msg, err := ConfirmationMessage("ivxp-1", "deadbeef", ts)
	require.NoError(t, err)
	assert.Equal(t, "Confirm: ivxp-1 | ContentHash: deadbeef | Timestamp: 2026-03-01T12:00:00Z", msg)

	id, hash, got, err := ParseConfirmationMessage(msg)
	require.NoError(t, err)
	assert.Equal(t, "ivxp-1", id)
	assert.Equal(t, "deadbeef", hash)
	assert.True(t, ts.Equal(got))

	_, _, _, err = ParseConfirmationMessage("Confirm: ivxp-1")
	assert.Equal(t, types.ErrMalformedMessage, types.CodeOf(err))

	_, err = ConfirmationMessage("ivxp|1", "deadbeef", ts)
	assert.Error(t, err)
}

func TestNewNonce(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		n := NewNonce()
		assert.Len(t, n, 32)
		assert.NotContains(t, n, "|")
		assert.False(t, seen[n])
		seen[n] = true
	}
}
