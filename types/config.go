package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ServiceConfig declares one service a provider sells.
type ServiceConfig struct {
	Type                   string          `json:"type" validate:"required"`
	BasePriceUSDC          decimal.Decimal `json:"base_price_usdc"`
	EstimatedDeliveryHours float64         `json:"estimated_delivery_hours" validate:"gte=0"`
	Description            string          `json:"description,omitempty"`
}

// ProviderConfig configures a provider process.
type ProviderConfig struct {
	Name          string  `json:"name" validate:"required"`
	WalletAddress string  `json:"wallet_address" validate:"required,eth_addr"`
	Network       Network `json:"network" validate:"required"`
	TokenContract string  `json:"token_contract,omitempty" validate:"omitempty,eth_addr"`
	RPCURL        string  `json:"rpc_url,omitempty" validate:"omitempty,url"`

	// Public base URL, used to build stream URLs. Empty means relative.
	PublicURL    string   `json:"public_url,omitempty" validate:"omitempty,url"`
	Capabilities []string `json:"capabilities,omitempty"`

	// Tolerance for signed message timestamps, in seconds.
	FreshnessWindowSeconds int `json:"freshness_window_seconds,omitempty" validate:"gte=0"`

	// How long nonces of terminal orders are kept, in seconds.
	NonceRetentionSeconds int `json:"nonce_retention_seconds,omitempty" validate:"gte=0"`

	FulfillmentAttempts   int `json:"fulfillment_attempts,omitempty" validate:"gte=0"`
	PaymentTimeoutSeconds int `json:"payment_timeout_seconds,omitempty" validate:"gte=0"`

	// Requests per second allowed per client IP; 0 disables limiting.
	RateLimit float64 `json:"rate_limit,omitempty" validate:"gte=0"`
	RateBurst int     `json:"rate_burst,omitempty" validate:"gte=0"`

	Services []ServiceConfig `json:"services,omitempty" validate:"dive"`

	LogLevel string `json:"log_level,omitempty" validate:"omitempty,oneof=debug info warn error"`
}

const (
	DefaultFreshnessWindow     = 300 * time.Second
	DefaultFulfillmentAttempts = 3
	DefaultPaymentTimeout      = 3600
)

// FreshnessWindow returns the configured window or the 300s default.
func (c *ProviderConfig) FreshnessWindow() time.Duration {
	if c.FreshnessWindowSeconds > 0 {
		return time.Duration(c.FreshnessWindowSeconds) * time.Second
	}
	return DefaultFreshnessWindow
}

// NonceRetention returns how long nonces outlive their order's terminal
// state. It is never shorter than the freshness window.
func (c *ProviderConfig) NonceRetention() time.Duration {
	d := time.Duration(c.NonceRetentionSeconds) * time.Second
	if w := 2 * c.FreshnessWindow(); d < w {
		return w
	}
	return d
}

// ClientConfig configures a client agent.
type ClientConfig struct {
	Name            string  `json:"name" validate:"required"`
	Network         Network `json:"network,omitempty"`
	RPCURL          string  `json:"rpc_url,omitempty" validate:"omitempty,url"`
	TokenContract   string  `json:"token_contract,omitempty" validate:"omitempty,eth_addr"`
	ReceiveEndpoint string  `json:"receive_endpoint,omitempty" validate:"omitempty,url"`

	TimeoutSeconds      int `json:"timeout_seconds,omitempty" validate:"gte=0"`
	PollIntervalSeconds int `json:"poll_interval_seconds,omitempty" validate:"gte=0"`
	PollAttempts        int `json:"poll_attempts,omitempty" validate:"gte=0"`

	LogLevel string `json:"log_level,omitempty" validate:"omitempty,oneof=debug info warn error"`
}
