// Package notify waits for an order to be resolved, either over the
// provider's event stream or by polling its status endpoint.
package notify

import (
	"context"

	"github.com/vitwit/ivxp/types"
)

// Outcome is the resolution of an order as observed by a Waiter.
type Outcome struct {
	OrderID     string
	Status      types.OrderStatus
	ContentHash string

	// "sse" or "poll".
	Source string
}

// Waiter blocks until an order is delivered, fails, or ctx ends.
type Waiter interface {
	Wait(ctx context.Context, orderID string) (*Outcome, error)
}

// HasCapability reports whether caps declares name. Matching is exact and
// an absent capability means unsupported.
func HasCapability(caps []string, name string) bool {
	for _, c := range caps {
		if c == name {
			return true
		}
	}
	return false
}

// Select returns stream when the provider declares the sse capability and
// poll otherwise.
func Select(caps []string, stream, poll Waiter) Waiter {
	if stream != nil && HasCapability(caps, types.CapabilitySSE) {
		return stream
	}
	return poll
}

func deliveryFailed(orderID, reason string) error {
	if reason == "" {
		reason = "provider could not fulfil the order"
	}
	return types.Errorf(types.ErrDeliveryFailed, "order %s failed: %s", orderID, reason)
}
