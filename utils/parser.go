package utils

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/vitwit/ivxp/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validator returns the shared struct validator.
func Validator() *validator.Validate {
	return validate
}

// ValidateStruct runs tag validation and reports failures as INVALID_REQUEST.
func ValidateStruct(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		return &types.IVXPError{
			Code:    types.ErrInvalidRequest,
			Message: fmt.Sprintf("validation failed: %v", describeValidation(err)),
			Err:     err,
		}
	}
	return nil
}

func describeValidation(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

// ParseServiceRequest decodes and validates a service request.
func ParseServiceRequest(data []byte) (*types.ServiceRequest, error) {
	var req types.ServiceRequest

	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &types.IVXPError{
			Code:    types.ErrInvalidRequest,
			Message: fmt.Sprintf("failed to parse service request: %v", err),
		}
	}
	if err := req.Check(types.MessageServiceRequest); err != nil {
		return nil, err
	}
	if err := ValidateStruct(&req); err != nil {
		return nil, err
	}
	if req.ServiceRequest.BudgetUSDC.IsNegative() {
		return nil, types.NewError(types.ErrInvalidRequest, "budget_usdc cannot be negative")
	}

	return &req, nil
}

// ParseDeliveryRequest decodes and validates a delivery request. Missing
// signature parts are reported as MALFORMED_MESSAGE.
func ParseDeliveryRequest(data []byte) (*types.DeliveryRequest, error) {
	var req types.DeliveryRequest

	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &types.IVXPError{
			Code:    types.ErrInvalidRequest,
			Message: fmt.Sprintf("failed to parse delivery request: %v", err),
		}
	}
	if err := ValidateDeliveryRequest(&req); err != nil {
		return nil, err
	}

	return &req, nil
}

// ValidateDeliveryRequest checks the shape of an already decoded request.
// The envelope is optional for delivery requests, as older clients omit it.
func ValidateDeliveryRequest(req *types.DeliveryRequest) error {
	if req.Protocol != "" && req.Protocol != types.ProtocolVersion {
		return types.Errorf(types.ErrInvalidRequest, "unsupported protocol version: %q", req.Protocol)
	}
	if req.SignedMessage == "" || req.Signature == "" {
		return types.NewError(types.ErrMalformedMessage, "signature and signed_message are required")
	}
	if err := ValidateStruct(req); err != nil {
		return err
	}
	if err := ValidateTransactionHash(req.PaymentProof.TxHash); err != nil {
		return types.WrapError(types.ErrInvalidRequest, "invalid payment proof", err)
	}
	return nil
}

// ParseDeliveryConfirmation decodes and validates a confirmation.
func ParseDeliveryConfirmation(data []byte) (*types.DeliveryConfirmation, error) {
	var c types.DeliveryConfirmation

	if err := json.Unmarshal(data, &c); err != nil {
		return nil, &types.IVXPError{
			Code:    types.ErrInvalidRequest,
			Message: fmt.Sprintf("failed to parse delivery confirmation: %v", err),
		}
	}
	if err := c.Check(types.MessageDeliveryConfirmation); err != nil {
		return nil, err
	}
	if err := ValidateStruct(&c); err != nil {
		return nil, err
	}

	return &c, nil
}

// ParseServiceDelivery decodes a pushed service delivery.
func ParseServiceDelivery(data []byte) (*types.ServiceDelivery, error) {
	var d types.ServiceDelivery

	if err := json.Unmarshal(data, &d); err != nil {
		return nil, &types.IVXPError{
			Code:    types.ErrInvalidRequest,
			Message: fmt.Sprintf("failed to parse service delivery: %v", err),
		}
	}
	if err := d.Check(types.MessageServiceDelivery); err != nil {
		return nil, err
	}
	if d.OrderID == "" || d.ContentHash == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "order_id and content_hash are required")
	}

	return &d, nil
}

// ParseProviderConfig parses ProviderConfig from JSON
func ParseProviderConfig(data []byte) (*types.ProviderConfig, error) {
	var config types.ProviderConfig

	if err := json.Unmarshal(data, &config); err != nil {
		return nil, &types.IVXPError{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("failed to parse provider config: %v", err),
		}
	}

	if err := ValidateProviderConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// ValidateProviderConfig validates a provider config built in code or from a file.
func ValidateProviderConfig(config *types.ProviderConfig) error {
	if err := validate.Struct(config); err != nil {
		return &types.IVXPError{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("validation failed: %v", describeValidation(err)),
		}
	}
	if !config.Network.IsKnown() {
		return types.Errorf(types.ErrConfigError, "unsupported network: %s", config.Network)
	}
	for _, s := range config.Services {
		if _, err := ValidateAmount(s.BasePriceUSDC.String()); err != nil {
			return types.WrapError(types.ErrConfigError, "service "+s.Type, err)
		}
	}
	return nil
}

// ParseClientConfig parses ClientConfig from JSON
func ParseClientConfig(data []byte) (*types.ClientConfig, error) {
	var config types.ClientConfig

	if err := json.Unmarshal(data, &config); err != nil {
		return nil, &types.IVXPError{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("failed to parse client config: %v", err),
		}
	}

	if err := validate.Struct(&config); err != nil {
		return nil, &types.IVXPError{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("validation failed: %v", describeValidation(err)),
		}
	}

	return &config, nil
}

// Helper to parse time fields that might be in different formats
func ParseFlexibleTime(timeStr string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, timeStr); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse time: %s", timeStr)
}
