package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusQuoted         OrderStatus = "quoted"
	StatusPaid           OrderStatus = "paid"
	StatusProcessing     OrderStatus = "processing"
	StatusDelivered      OrderStatus = "delivered"
	StatusDeliveryFailed OrderStatus = "delivery_failed"
	StatusConfirmed      OrderStatus = "confirmed"
)

var transitions = map[OrderStatus][]OrderStatus{
	StatusQuoted:     {StatusPaid},
	StatusPaid:       {StatusProcessing, StatusDelivered, StatusDeliveryFailed},
	StatusProcessing: {StatusDelivered, StatusDeliveryFailed},
	StatusDelivered:  {StatusConfirmed},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusDeliveryFailed
}

// IsResolved reports whether fulfillment has finished, successfully or not.
func (s OrderStatus) IsResolved() bool {
	return s == StatusDelivered || s == StatusConfirmed || s == StatusDeliveryFailed
}

func (s OrderStatus) IsValid() bool {
	switch s {
	case StatusQuoted, StatusPaid, StatusProcessing, StatusDelivered, StatusDeliveryFailed, StatusConfirmed:
		return true
	}
	return false
}

func (s OrderStatus) String() string {
	return string(s)
}

// Order is the provider's record of one purchase.
type Order struct {
	ID          string          `json:"order_id"`
	ServiceType string          `json:"service_type"`
	Description string          `json:"description,omitempty"`
	PriceUSDC   decimal.Decimal `json:"price_usdc"`

	// Fixed at quote time.
	PaymentAddress string  `json:"payment_address"`
	Network        Network `json:"network"`

	Status    OrderStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`

	ClientName    string `json:"client_name,omitempty"`
	ClientAddress string `json:"client_address,omitempty"`

	TxHash           string `json:"tx_hash,omitempty"`
	Signature        string `json:"signature,omitempty"`
	SignedMessage    string `json:"signed_message,omitempty"`
	DeliveryEndpoint string `json:"delivery_endpoint,omitempty"`

	Content       string `json:"content,omitempty"`
	ContentType   string `json:"content_type,omitempty"`
	ContentHash   string `json:"content_hash,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`

	// Incremented by stores on every write.
	Version int64 `json:"version"`
}

// Transition moves the order to status to, or fails with INVALID_TRANSITION.
func (o *Order) Transition(to OrderStatus, now time.Time) error {
	if !CanTransition(o.Status, to) {
		return Errorf(ErrInvalidTransition, "order %s cannot move from %s to %s", o.ID, o.Status, to)
	}
	o.Status = to
	o.UpdatedAt = now.UTC()
	return nil
}

// HasDeliverable reports whether content was produced for the order.
func (o *Order) HasDeliverable() bool {
	return o.ContentHash != ""
}

// Clone returns a copy safe to mutate.
func (o *Order) Clone() *Order {
	cp := *o
	return &cp
}

// StatusResponse renders the order for the status endpoint.
func (o *Order) StatusResponse() *OrderStatusResponse {
	updated := o.UpdatedAt
	return &OrderStatusResponse{
		OrderID:     o.ID,
		Status:      o.Status,
		Service:     o.ServiceType,
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   &updated,
		ContentHash: o.ContentHash,
	}
}

// CheckImmutable fails when an update changed the quoted price or payment address.
func CheckImmutable(before, after *Order) error {
	if !before.PriceUSDC.Equal(after.PriceUSDC) {
		return Errorf(ErrInvalidTransition, "order %s: price is immutable once quoted", before.ID)
	}
	if before.PaymentAddress != after.PaymentAddress {
		return Errorf(ErrInvalidTransition, "order %s: payment address is immutable once quoted", before.ID)
	}
	if before.ID != after.ID {
		return Errorf(ErrInvalidTransition, "order id is immutable")
	}
	return nil
}
