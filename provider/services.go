package provider

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"github.com/vitwit/ivxp/types"
)

const contentTypeJSON = "application/json"

// ServiceHandler produces the deliverable of a paid order.
type ServiceHandler interface {
	Handle(ctx context.Context, order *types.Order) (*types.Deliverable, error)
}

// ServiceFunc adapts a function to ServiceHandler.
type ServiceFunc func(ctx context.Context, order *types.Order) (*types.Deliverable, error)

func (f ServiceFunc) Handle(ctx context.Context, order *types.Order) (*types.Deliverable, error) {
	return f(ctx, order)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// DefaultServices is the catalog of the built-in services.
func DefaultServices() []types.ServiceConfig {
	return []types.ServiceConfig{
		{
			Type:                   "text_echo",
			BasePriceUSDC:          decimal.NewFromInt(1),
			EstimatedDeliveryHours: 0.01,
			Description:            "Echoes the request description back",
		},
		{
			Type:                   "json_transform",
			BasePriceUSDC:          decimal.NewFromInt(5),
			EstimatedDeliveryHours: 0.1,
			Description:            "Wraps the request input in a transformed JSON document",
		},
	}
}

// BuiltinHandlers returns the handlers of DefaultServices keyed by type.
func BuiltinHandlers() map[string]ServiceHandler {
	return map[string]ServiceHandler{
		"text_echo":      ServiceFunc(TextEcho),
		"json_transform": ServiceFunc(JSONTransform),
	}
}

func TextEcho(ctx context.Context, order *types.Order) (*types.Deliverable, error) {
	text := order.Description
	if text == "" {
		text = "no description"
	}
	return jsonDeliverable(map[string]any{
		"original_text": text,
		"echoed_text":   text,
		"order_id":      order.ID,
	})
}

// JSONTransform embeds the description as input; a JSON description is
// embedded as a document, anything else as a string.
func JSONTransform(ctx context.Context, order *types.Order) (*types.Deliverable, error) {
	var input any = order.Description
	var doc any
	if order.Description != "" && json.Unmarshal([]byte(order.Description), &doc) == nil {
		input = doc
	}
	return jsonDeliverable(map[string]any{
		"transformed": true,
		"service":     "json_transform",
		"order_id":    order.ID,
		"input":       input,
	})
}

func jsonDeliverable(v any) (*types.Deliverable, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, Permanent(err)
	}
	return &types.Deliverable{Content: string(b), ContentType: contentTypeJSON}, nil
}
