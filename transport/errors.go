package transport

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"

	"github.com/vitwit/ivxp/types"
)

// statusError maps a non-2xx provider answer to a protocol error. body is the
// raw response; when it carries an ErrorResponse its message and code are kept.
func statusError(status int, body []byte) error {
	var er types.ErrorResponse
	msg := http.StatusText(status)
	if len(body) > 0 && json.Unmarshal(body, &er) == nil && er.Error != "" {
		msg = er.Error
	}

	var code string
	switch {
	case status == http.StatusUnauthorized:
		code = types.ErrSignatureInvalid
	case status == http.StatusPaymentRequired:
		code = types.ErrPaymentRequired
	case status == http.StatusNotFound:
		code = types.ErrNotFound
	case status >= 500:
		code = types.ErrServiceUnavailable
	default:
		return &types.IVXPError{
			Code:    types.ErrHTTP,
			Message: fmt.Sprintf("provider answered %d: %s", status, msg),
			Data:    &types.HTTPErrorData{StatusCode: status, ProviderCode: er.Code},
		}
	}

	e := types.Errorf(code, "provider answered %d: %s", status, msg)
	e.Data = &types.HTTPErrorData{StatusCode: status, ProviderCode: er.Code}
	return e
}

// requestError classifies a failure to obtain any HTTP answer.
func requestError(err error) error {
	var ne net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return types.WrapError(types.ErrServiceUnavailable, "provider unreachable", err)
	case errors.As(err, &ne) && ne.Timeout():
		return types.WrapError(types.ErrTimeout, "request timed out", err)
	}
	return types.WrapOp("", err)
}
