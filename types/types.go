package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ProtocolVersion is the protocol tag carried by every IVXP/1.0 message.
const ProtocolVersion = "IVXP/1.0"

// MessageType discriminates the canonical wire messages.
type MessageType string

const (
	MessageServiceCatalog       MessageType = "service_catalog"
	MessageServiceRequest       MessageType = "service_request"
	MessageServiceQuote         MessageType = "service_quote"
	MessageDeliveryRequest      MessageType = "delivery_request"
	MessageServiceDelivery      MessageType = "service_delivery"
	MessageDeliveryConfirmation MessageType = "delivery_confirmation"
)

// Capability names a provider-declared optional protocol feature.
const (
	CapabilitySSE = "sse"
)

// Envelope is embedded in every top-level protocol message.
type Envelope struct {
	// Protocol version tag, always "IVXP/1.0".
	Protocol string `json:"protocol"`

	// Kind of message carried by the envelope.
	MessageType MessageType `json:"message_type"`

	// Time the message was produced (ISO-8601).
	Timestamp time.Time `json:"timestamp"`
}

// NewEnvelope stamps an envelope for the given message kind.
func NewEnvelope(mt MessageType, now time.Time) Envelope {
	return Envelope{
		Protocol:    ProtocolVersion,
		MessageType: mt,
		Timestamp:   now.UTC(),
	}
}

// Check verifies the protocol tag and message discriminator.
func (e Envelope) Check(expected MessageType) error {
	if e.Protocol != ProtocolVersion {
		return NewError(ErrInvalidRequest, fmt.Sprintf("unsupported protocol version: %q", e.Protocol))
	}
	if e.MessageType != expected {
		return NewError(ErrInvalidRequest, fmt.Sprintf("invalid message type: expected %s, got %q", expected, e.MessageType))
	}
	return nil
}

// ServiceDefinition describes one service offered in a catalog.
type ServiceDefinition struct {
	// Service type identifier (e.g. "text_echo").
	Type string `json:"type" validate:"required"`

	// Base price in USDC.
	BasePriceUSDC decimal.Decimal `json:"base_price_usdc"`

	// Estimated time to deliver, in hours.
	EstimatedDeliveryHours float64 `json:"estimated_delivery_hours"`

	Description string `json:"description,omitempty"`
}

// ServiceCatalog is returned by GET /ivxp/catalog.
type ServiceCatalog struct {
	Envelope

	// Provider agent name.
	Provider string `json:"provider" validate:"required"`

	// Wallet receiving payments.
	WalletAddress string `json:"wallet_address" validate:"required"`

	// Optional protocol features such as "sse". Unknown entries are ignored.
	Capabilities []string `json:"capabilities,omitempty"`

	Services []ServiceDefinition `json:"services" validate:"dive"`
}

// Service finds a service definition by type.
func (c *ServiceCatalog) Service(serviceType string) (ServiceDefinition, bool) {
	for _, s := range c.Services {
		if s.Type == serviceType {
			return s, true
		}
	}
	return ServiceDefinition{}, false
}

// ClientAgent identifies the buyer.
type ClientAgent struct {
	Name            string `json:"name" validate:"required"`
	WalletAddress   string `json:"wallet_address" validate:"required,eth_addr"`
	ContactEndpoint string `json:"contact_endpoint,omitempty" validate:"omitempty,url"`
}

// ServiceRequestDetails is the body of a service request.
type ServiceRequestDetails struct {
	Type           string          `json:"type" validate:"required"`
	Description    string          `json:"description"`
	BudgetUSDC     decimal.Decimal `json:"budget_usdc"`
	DeliveryFormat string          `json:"delivery_format,omitempty"`
	Deadline       *time.Time      `json:"deadline,omitempty"`
}

// ServiceRequest is posted to /ivxp/request to obtain a quote.
type ServiceRequest struct {
	Envelope

	ClientAgent    ClientAgent           `json:"client_agent"`
	ServiceRequest ServiceRequestDetails `json:"service_request"`
}

// ProviderAgent identifies the seller.
type ProviderAgent struct {
	Name          string `json:"name"`
	WalletAddress string `json:"wallet_address"`
}

// QuoteDetails carries the binding price and payment instructions.
type QuoteDetails struct {
	// Agreed price in USDC.
	PriceUSDC decimal.Decimal `json:"price_usdc"`

	// When the provider expects to deliver.
	EstimatedDelivery time.Time `json:"estimated_delivery"`

	// Address the client must pay.
	PaymentAddress string `json:"payment_address"`

	// Network the payment must be made on.
	Network Network `json:"network"`

	// ERC-20 token contract of the stablecoin.
	TokenContract string `json:"token_contract,omitempty"`
}

// QuoteTerms are the commercial terms attached to a quote.
type QuoteTerms struct {
	PaymentTimeout int    `json:"payment_timeout,omitempty"`
	RevisionPolicy string `json:"revision_policy,omitempty"`
	RefundPolicy   string `json:"refund_policy,omitempty"`
}

// ServiceQuote answers a service request.
type ServiceQuote struct {
	Envelope

	OrderID       string        `json:"order_id"`
	ProviderAgent ProviderAgent `json:"provider_agent"`
	Quote         QuoteDetails  `json:"quote"`
	Terms         *QuoteTerms   `json:"terms,omitempty"`
}

// PaymentProof references the on-chain payment for an order.
type PaymentProof struct {
	TxHash      string           `json:"tx_hash" validate:"required"`
	FromAddress string           `json:"from_address" validate:"required,eth_addr"`
	Network     Network          `json:"network" validate:"required"`
	ToAddress   string           `json:"to_address,omitempty"`
	AmountUSDC  *decimal.Decimal `json:"amount_usdc,omitempty"`
	BlockNumber uint64           `json:"block_number,omitempty"`
}

// DeliveryRequest is posted to /ivxp/deliver once payment was made.
type DeliveryRequest struct {
	Envelope

	OrderID          string       `json:"order_id" validate:"required"`
	PaymentProof     PaymentProof `json:"payment_proof"`
	DeliveryEndpoint string       `json:"delivery_endpoint,omitempty" validate:"omitempty,url"`
	Signature        string       `json:"signature" validate:"required"`
	SignedMessage    string       `json:"signed_message" validate:"required"`
}

// DeliveryAccepted answers an accepted delivery request.
type DeliveryAccepted struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Message string `json:"message"`

	// Event stream for completion, set when the provider supports it.
	StreamURL string `json:"stream_url,omitempty"`
}

// OrderStatusResponse is returned by GET /ivxp/status/{order_id}.
type OrderStatusResponse struct {
	OrderID     string      `json:"order_id"`
	Status      OrderStatus `json:"status"`
	Service     string      `json:"service"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   *time.Time  `json:"updated_at,omitempty"`
	ContentHash string      `json:"content_hash,omitempty"`
}

// DownloadResponse is returned by GET /ivxp/download/{order_id}.
type DownloadResponse struct {
	OrderID     string `json:"order_id"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
	ContentHash string `json:"content_hash"`
}

// PendingResponse is returned with HTTP 202 while a deliverable is not ready.
type PendingResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Deliverable is the produced content of a fulfilled order.
type Deliverable struct {
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
}

// ServiceDelivery is pushed to a client's delivery endpoint.
type ServiceDelivery struct {
	Envelope

	OrderID       string        `json:"order_id"`
	Status        string        `json:"status"`
	ProviderAgent ProviderAgent `json:"provider_agent"`
	Deliverable   Deliverable   `json:"deliverable"`
	ContentHash   string        `json:"content_hash"`
	DeliveredAt   *time.Time    `json:"delivered_at,omitempty"`
}

// DeliveryConfirmation acknowledges receipt of a deliverable.
type DeliveryConfirmation struct {
	Envelope

	OrderID       string      `json:"order_id" validate:"required"`
	ContentHash   string      `json:"content_hash" validate:"required"`
	ClientAgent   ClientAgent `json:"client_agent"`
	Signature     string      `json:"signature" validate:"required"`
	SignedMessage string      `json:"signed_message" validate:"required"`
}

// ConfirmationAck answers a delivery confirmation.
type ConfirmationAck struct {
	OrderID     string      `json:"order_id"`
	Status      OrderStatus `json:"status"`
	ConfirmedAt time.Time   `json:"confirmed_at"`
}

// ErrorResponse is the JSON body of every non-2xx provider answer.
type ErrorResponse struct {
	Error      string `json:"error"`
	StatusCode int    `json:"status_code"`
	Code       string `json:"code,omitempty"`
}

// StreamEvent is the data payload of a completion stream event.
type StreamEvent struct {
	OrderID     string      `json:"order_id"`
	Status      OrderStatus `json:"status"`
	ContentHash string      `json:"content_hash,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}

// Stream event names.
const (
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventExhausted = "exhausted"
)
