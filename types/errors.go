package types

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind groups error codes by how a caller should react to them.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindReplay         ErrorKind = "replay"
	KindAuthorization  ErrorKind = "authorization"
	KindPayment        ErrorKind = "payment"
	KindPartialSuccess ErrorKind = "partial_success"
	KindAvailability   ErrorKind = "availability"
	KindBudget         ErrorKind = "budget"
	KindNotFound       ErrorKind = "not_found"
	KindDelivery       ErrorKind = "delivery"
)

// Error codes. The set is closed: every code belongs to exactly one kind.
const (
	ErrInvalidRequest      = "INVALID_REQUEST"
	ErrInvalidProviderURL  = "INVALID_PROVIDER_URL"
	ErrInvalidCatalog      = "INVALID_CATALOG"
	ErrInvalidQuote        = "INVALID_QUOTE"
	ErrInvalidResponse     = "INVALID_RESPONSE"
	ErrServiceNotOffered   = "SERVICE_NOT_OFFERED"
	ErrMalformedMessage    = "MALFORMED_MESSAGE"
	ErrMessageMismatch     = "MESSAGE_ORDER_MISMATCH"
	ErrInvalidOrderStatus  = "INVALID_ORDER_STATUS"
	ErrInvalidTransition   = "INVALID_TRANSITION"
	ErrContentHashMismatch = "CONTENT_HASH_MISMATCH"
	ErrConfigError         = "CONFIG_ERROR"
	ErrHTTP                = "HTTP_ERROR"

	ErrStaleTimestamp = "STALE_TIMESTAMP"
	ErrDuplicateNonce = "DUPLICATE_NONCE"

	ErrSignatureInvalid = "SIGNATURE_INVALID"

	ErrPaymentRequired     = "PAYMENT_REQUIRED"
	ErrPaymentNotVerified  = "PAYMENT_NOT_VERIFIED"
	ErrPaymentFailed       = "PAYMENT_FAILED"
	ErrInsufficientBalance = "INSUFFICIENT_BALANCE"
	ErrNetworkMismatch     = "NETWORK_MISMATCH"

	ErrPartialSuccess = "PARTIAL_SUCCESS"

	ErrServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrTimeout            = "TIMEOUT"
	ErrNotReady           = "NOT_READY"
	ErrStreamExhausted    = "STREAM_EXHAUSTED"
	ErrCanceled           = "CANCELED"

	ErrBudgetExceeded = "BUDGET_EXCEEDED"

	ErrNotFound      = "NOT_FOUND"
	ErrOrderNotFound = "ORDER_NOT_FOUND"

	ErrDeliveryFailed = "DELIVERY_FAILED"
)

var codeKinds = map[string]ErrorKind{
	ErrInvalidRequest:      KindValidation,
	ErrInvalidProviderURL:  KindValidation,
	ErrInvalidCatalog:      KindValidation,
	ErrInvalidQuote:        KindValidation,
	ErrInvalidResponse:     KindValidation,
	ErrServiceNotOffered:   KindValidation,
	ErrMalformedMessage:    KindValidation,
	ErrMessageMismatch:     KindValidation,
	ErrInvalidOrderStatus:  KindValidation,
	ErrInvalidTransition:   KindValidation,
	ErrContentHashMismatch: KindValidation,
	ErrConfigError:         KindValidation,
	ErrHTTP:                KindValidation,

	ErrStaleTimestamp: KindReplay,
	ErrDuplicateNonce: KindReplay,

	ErrSignatureInvalid: KindAuthorization,

	ErrPaymentRequired:     KindPayment,
	ErrPaymentNotVerified:  KindPayment,
	ErrPaymentFailed:       KindPayment,
	ErrInsufficientBalance: KindPayment,
	ErrNetworkMismatch:     KindPayment,

	ErrPartialSuccess: KindPartialSuccess,

	ErrServiceUnavailable: KindAvailability,
	ErrTimeout:            KindAvailability,
	ErrNotReady:           KindAvailability,
	ErrStreamExhausted:    KindAvailability,
	ErrCanceled:           KindAvailability,

	ErrBudgetExceeded: KindBudget,

	ErrNotFound:      KindNotFound,
	ErrOrderNotFound: KindNotFound,

	ErrDeliveryFailed: KindDelivery,
}

// KindOfCode returns the kind a code belongs to. Unknown codes are validation errors.
func KindOfCode(code string) ErrorKind {
	if k, ok := codeKinds[code]; ok {
		return k
	}
	return KindValidation
}

// IsKnownCode reports whether code is part of the closed code set.
func IsKnownCode(code string) bool {
	_, ok := codeKinds[code]
	return ok
}

// IVXPError is the single error type surfaced by the protocol engine.
type IVXPError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`

	// Operation that produced the error, e.g. "quote" or "payment".
	Op string `json:"op,omitempty"`

	// Underlying cause.
	Err error `json:"-"`
}

func (e *IVXPError) Error() string {
	if e.Op != "" {
		return e.Op + ": " + e.Message
	}
	return e.Message
}

func (e *IVXPError) Unwrap() error {
	return e.Err
}

// Kind returns the error's kind.
func (e *IVXPError) Kind() ErrorKind {
	return KindOfCode(e.Code)
}

// PartialSuccessData is attached to PARTIAL_SUCCESS errors.
type PartialSuccessData struct {
	OrderID string `json:"order_id"`
	TxHash  string `json:"tx_hash"`
}

// BudgetData is attached to BUDGET_EXCEEDED errors.
type BudgetData struct {
	OrderID    string `json:"order_id"`
	PriceUSDC  string `json:"price_usdc"`
	BudgetUSDC string `json:"budget_usdc"`
}

// HTTPErrorData is attached to errors mapped from provider HTTP answers.
type HTTPErrorData struct {
	StatusCode   int    `json:"status_code"`
	ProviderCode string `json:"provider_code,omitempty"`
}

func NewError(code, message string) *IVXPError {
	return &IVXPError{Code: code, Message: message}
}

func Errorf(code, format string, args ...any) *IVXPError {
	return &IVXPError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an error with the given code around a cause.
func WrapError(code, message string, cause error) *IVXPError {
	if cause != nil {
		message = message + ": " + cause.Error()
	}
	return &IVXPError{Code: code, Message: message, Err: cause}
}

// NewPartialSuccess marks a failure that happened after the payment went through.
func NewPartialSuccess(orderID, txHash string, cause error) *IVXPError {
	e := WrapError(ErrPartialSuccess,
		fmt.Sprintf("payment %s confirmed but delivery of order %s was not accepted", txHash, orderID), cause)
	e.Data = &PartialSuccessData{OrderID: orderID, TxHash: txHash}
	return e
}

// WrapOp tags err with the operation that produced it. IVXP errors keep their
// code; context errors become TIMEOUT or CANCELED; anything else becomes
// SERVICE_UNAVAILABLE.
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}

	var ie *IVXPError
	if errors.As(err, &ie) {
		cp := *ie
		if cp.Op == "" {
			cp.Op = op
		}
		return &cp
	}

	code := ErrServiceUnavailable
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = ErrTimeout
	case errors.Is(err, context.Canceled):
		code = ErrCanceled
	}
	return &IVXPError{Code: code, Message: err.Error(), Op: op, Err: err}
}

// AsError extracts an *IVXPError from err's chain.
func AsError(err error) (*IVXPError, bool) {
	var ie *IVXPError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}

// CodeOf returns the code of err, or "" when err carries none.
func CodeOf(err error) string {
	if ie, ok := AsError(err); ok {
		return ie.Code
	}
	return ""
}

// KindOf returns the kind of err, or "" when err carries no code.
func KindOf(err error) ErrorKind {
	if ie, ok := AsError(err); ok {
		return ie.Kind()
	}
	return ""
}

// IsRetryable reports whether repeating the same call may succeed.
func IsRetryable(err error) bool {
	ie, ok := AsError(err)
	if !ok {
		return false
	}
	return ie.Kind() == KindAvailability && ie.Code != ErrCanceled
}

// IsRecoverable reports whether err is a partial success that can be resumed
// without paying again.
func IsRecoverable(err error) bool {
	return KindOf(err) == KindPartialSuccess
}
