package signing

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vitwit/ivxp/types"
)

const (
	fieldSep = " | "

	keyOrder       = "Order"
	keyPayment     = "Payment"
	keyNonce       = "Nonce"
	keyTimestamp   = "Timestamp"
	keyConfirm     = "Confirm"
	keyContentHash = "ContentHash"
)

// DeliveryMessage is the canonical message a client signs to claim delivery:
//
//	Order: <id> | Payment: <tx_hash> | Nonce: <nonce> | Timestamp: <iso8601>
type DeliveryMessage struct {
	OrderID   string
	TxHash    string
	Nonce     string
	Timestamp time.Time

	// Raw timestamp as it appeared on the wire; empty when absent.
	RawTimestamp string
}

// NewDeliveryMessage builds a delivery message. No field may contain '|'.
func NewDeliveryMessage(orderID, txHash, nonce string, ts time.Time) (*DeliveryMessage, error) {
	fields := map[string]string{keyOrder: orderID, keyPayment: txHash, keyNonce: nonce}
	for k, v := range fields {
		if v == "" {
			return nil, types.Errorf(types.ErrMalformedMessage, "%s cannot be empty", strings.ToLower(k))
		}
		if strings.Contains(v, "|") {
			return nil, types.Errorf(types.ErrMalformedMessage, "%s must not contain '|'", strings.ToLower(k))
		}
	}
	ts = ts.UTC()
	return &DeliveryMessage{
		OrderID:      orderID,
		TxHash:       txHash,
		Nonce:        nonce,
		Timestamp:    ts,
		RawTimestamp: ts.Format(time.RFC3339Nano),
	}, nil
}

func (m *DeliveryMessage) String() string {
	return strings.Join([]string{
		keyOrder + ": " + m.OrderID,
		keyPayment + ": " + m.TxHash,
		keyNonce + ": " + m.Nonce,
		keyTimestamp + ": " + m.RawTimestamp,
	}, fieldSep)
}

// HasTimestamp reports whether the parsed message carried a timestamp.
func (m *DeliveryMessage) HasTimestamp() bool {
	return m.RawTimestamp != ""
}

// ParseDeliveryMessage reads the fields of a signed delivery message. Missing
// fields are left empty so callers can decide which absence is fatal; a
// present but unparseable timestamp is MALFORMED_MESSAGE.
func ParseDeliveryMessage(s string) (*DeliveryMessage, error) {
	fields := parseFields(s)
	m := &DeliveryMessage{
		OrderID:      fields[keyOrder],
		TxHash:       fields[keyPayment],
		Nonce:        fields[keyNonce],
		RawTimestamp: fields[keyTimestamp],
	}
	if m.RawTimestamp != "" {
		ts, err := parseTimestamp(m.RawTimestamp)
		if err != nil {
			return nil, types.WrapError(types.ErrMalformedMessage, "invalid timestamp in signed message", err)
		}
		m.Timestamp = ts
	}
	return m, nil
}

// ConfirmationMessage is signed by a client acknowledging a deliverable:
//
//	Confirm: <order_id> | ContentHash: <hash> | Timestamp: <iso8601>
func ConfirmationMessage(orderID, contentHash string, ts time.Time) (string, error) {
	if strings.Contains(orderID, "|") || strings.Contains(contentHash, "|") {
		return "", types.NewError(types.ErrMalformedMessage, "confirmation fields must not contain '|'")
	}
	return strings.Join([]string{
		keyConfirm + ": " + orderID,
		keyContentHash + ": " + contentHash,
		keyTimestamp + ": " + ts.UTC().Format(time.RFC3339Nano),
	}, fieldSep), nil
}

// ParseConfirmationMessage returns the order id, content hash and timestamp of
// a confirmation message.
func ParseConfirmationMessage(s string) (orderID, contentHash string, ts time.Time, err error) {
	fields := parseFields(s)
	orderID, contentHash = fields[keyConfirm], fields[keyContentHash]
	if orderID == "" || contentHash == "" || fields[keyTimestamp] == "" {
		return "", "", time.Time{}, types.NewError(types.ErrMalformedMessage, "confirmation message is incomplete")
	}
	ts, err = parseTimestamp(fields[keyTimestamp])
	if err != nil {
		return "", "", time.Time{}, types.WrapError(types.ErrMalformedMessage, "invalid timestamp in confirmation", err)
	}
	return orderID, contentHash, ts, nil
}

// NewNonce returns a fresh single-use nonce.
func NewNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func parseFields(s string) map[string]string {
	out := make(map[string]string, 4)
	for _, part := range strings.Split(s, "|") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse time: %s", s)
}
