package provider

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/ivxp/metrics"
	"github.com/vitwit/ivxp/signing"
	"github.com/vitwit/ivxp/types"
)

func serve(t *testing.T, f *fixture) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(f.p.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decodeError(t *testing.T, data []byte) types.ErrorResponse {
	t.Helper()
	var e types.ErrorResponse
	require.NoError(t, json.Unmarshal(data, &e))
	return e
}

func TestHTTP_Routing(t *testing.T) {
	f := newFixture(t, testConfig())
	srv := serve(t, f)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantCode   string
	}{
		{"catalog", http.MethodGet, "/ivxp/catalog", http.StatusOK, ""},
		{"health", http.MethodGet, "/ivxp/health", http.StatusOK, ""},
		{"catalog wrong method", http.MethodPost, "/ivxp/catalog", http.StatusMethodNotAllowed, types.ErrInvalidRequest},
		{"deliver wrong method", http.MethodGet, "/ivxp/deliver", http.StatusMethodNotAllowed, types.ErrInvalidRequest},
		{"unknown route", http.MethodGet, "/ivxp/nothing", http.StatusNotFound, types.ErrNotFound},
		{"unknown order", http.MethodGet, "/ivxp/status/ivxp-missing", http.StatusNotFound, types.ErrOrderNotFound},
		{"stream disabled", http.MethodGet, "/ivxp/stream/ivxp-missing", http.StatusNotFound, types.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := do(t, tt.method, srv.URL+tt.path, nil)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
			if tt.wantCode == "" {
				return
			}
			e := decodeError(t, data)
			assert.Equal(t, tt.wantCode, e.Code)
			assert.Equal(t, tt.wantStatus, e.StatusCode)
			assert.NotEmpty(t, e.Error)
		})
	}
}

func TestHTTP_RequestQuote(t *testing.T) {
	f := newFixture(t, testConfig())
	srv := serve(t, f)

	resp, data := do(t, http.MethodPost, srv.URL+"/ivxp/request", map[string]any{
		"protocol":     types.ProtocolVersion,
		"message_type": types.MessageServiceRequest,
		"timestamp":    time.Now().UTC(),
		"client_agent": map[string]any{"name": "c", "wallet_address": clientAddr},
		"service_request": map[string]any{
			"type":        "text_echo",
			"description": "hi",
			"budget_usdc": 10,
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	var q types.ServiceQuote
	require.NoError(t, json.Unmarshal(data, &q))
	assert.Equal(t, types.MessageServiceQuote, q.MessageType)
	assert.Contains(t, string(data), `"price_usdc"`)

	resp, data = do(t, http.MethodPost, srv.URL+"/ivxp/request", map[string]any{"protocol": "nope"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, types.ErrInvalidRequest, decodeError(t, data).Code)

	resp, data = do(t, http.MethodPost, srv.URL+"/ivxp/request", "not an object")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, types.ErrInvalidRequest, decodeError(t, data).Code)
}

func TestHTTP_DeliverStatusMapping(t *testing.T) {
	other, err := signing.GenerateKeySigner()
	require.NoError(t, err)

	tests := []struct {
		name       string
		build      func(t *testing.T, f *fixture, q *types.ServiceQuote, tx string) *types.DeliveryRequest
		wantStatus int
		wantCode   string
	}{
		{
			name: "stale",
			build: func(t *testing.T, f *fixture, q *types.ServiceQuote, tx string) *types.DeliveryRequest {
				return deliveryRequest(t, f.client, q.OrderID, tx, "n", f.clock.Now().Add(-time.Hour))
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   types.ErrStaleTimestamp,
		},
		{
			name: "bad signature",
			build: func(t *testing.T, f *fixture, q *types.ServiceQuote, tx string) *types.DeliveryRequest {
				return deliveryRequest(t, other, q.OrderID, tx, "n", f.clock.Now())
			},
			wantStatus: http.StatusUnauthorized,
			wantCode:   types.ErrSignatureInvalid,
		},
		{
			name: "unverified payment",
			build: func(t *testing.T, f *fixture, q *types.ServiceQuote, tx string) *types.DeliveryRequest {
				return deliveryRequest(t, f.client, q.OrderID, "0x"+repeatHex("ab"), "n", f.clock.Now())
			},
			wantStatus: http.StatusPaymentRequired,
			wantCode:   types.ErrPaymentNotVerified,
		},
		{
			name: "unknown order",
			build: func(t *testing.T, f *fixture, q *types.ServiceQuote, tx string) *types.DeliveryRequest {
				return deliveryRequest(t, f.client, "ivxp-missing", tx, "n", f.clock.Now())
			},
			wantStatus: http.StatusNotFound,
			wantCode:   types.ErrOrderNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testConfig())
			srv := serve(t, f)
			q := f.quote(t, "text_echo", "x")
			tx := f.pay(t, q)

			resp, data := do(t, http.MethodPost, srv.URL+"/ivxp/deliver", tt.build(t, f, q, tx))
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantCode, decodeError(t, data).Code)
		})
	}
}

func TestHTTP_DeliverAndDownload(t *testing.T) {
	f := newFixture(t, testConfig())
	srv := serve(t, f)
	q := f.quote(t, "text_echo", "over http")

	resp, data := do(t, http.MethodGet, srv.URL+"/ivxp/download/"+q.OrderID, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var pending types.PendingResponse
	require.NoError(t, json.Unmarshal(data, &pending))
	assert.Equal(t, "pending_payment", pending.Status)

	tx := f.pay(t, q)
	req := deliveryRequest(t, f.client, q.OrderID, tx, "n", f.clock.Now())
	resp, data = do(t, http.MethodPost, srv.URL+"/ivxp/deliver", req)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	f.waitStatus(t, q.OrderID, types.StatusDelivered)

	resp, data = do(t, http.MethodGet, srv.URL+"/ivxp/download/"+q.OrderID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var dl types.DownloadResponse
	require.NoError(t, json.Unmarshal(data, &dl))
	assert.Contains(t, dl.Content, "over http")

	// a second delivery for the same order conflicts with its state
	resp, data = do(t, http.MethodPost, srv.URL+"/ivxp/deliver", deliveryRequest(t, f.client, q.OrderID, tx, "m", f.clock.Now()))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, types.ErrInvalidOrderStatus, decodeError(t, data).Code)

	resp, data = do(t, http.MethodGet, srv.URL+"/ivxp/status/"+q.OrderID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st types.OrderStatusResponse
	require.NoError(t, json.Unmarshal(data, &st))
	assert.Equal(t, types.StatusDelivered, st.Status)
	assert.Equal(t, dl.ContentHash, st.ContentHash)

	conf := confirmation(t, f.client, q.OrderID, dl.ContentHash, f.clock.Now())
	resp, data = do(t, http.MethodPost, srv.URL+"/ivxp/orders/"+q.OrderID+"/confirm", conf)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var ack types.ConfirmationAck
	require.NoError(t, json.Unmarshal(data, &ack))
	assert.Equal(t, types.StatusConfirmed, ack.Status)
}

func TestHTTP_Stream(t *testing.T) {
	cfg := testConfig()
	cfg.Capabilities = []string{types.CapabilitySSE}
	f := newFixture(t, cfg)
	srv := serve(t, f)
	q := f.quote(t, "text_echo", "streamed")

	body := make(chan string, 1)
	go func() {
		resp, err := http.Get(srv.URL + "/ivxp/stream/" + q.OrderID)
		if !assert.NoError(t, err) {
			body <- ""
			return
		}
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream"))
		data, _ := io.ReadAll(resp.Body)
		body <- string(data)
	}()

	require.Eventually(t, func() bool {
		return f.p.events.subscribers(q.OrderID) == 1
	}, 2*time.Second, 5*time.Millisecond)

	tx := f.pay(t, q)
	_, err := f.p.HandleDeliver(context.Background(), deliveryRequest(t, f.client, q.OrderID, tx, "n", f.clock.Now()))
	require.NoError(t, err)

	select {
	case got := <-body:
		assert.Contains(t, got, "event: completed")
		assert.Contains(t, got, `"order_id":"`+q.OrderID+`"`)
		assert.Contains(t, got, `"status":"delivered"`)
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not end")
	}

	// resolved orders are answered at once
	resp, data := do(t, http.MethodGet, srv.URL+"/ivxp/stream/"+q.OrderID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "event: completed")
	assert.Equal(t, 0, f.p.events.subscribers(q.OrderID))

	resp, data = do(t, http.MethodGet, srv.URL+"/ivxp/stream/ivxp-missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, types.ErrOrderNotFound, decodeError(t, data).Code)
}

func TestHTTP_Metrics(t *testing.T) {
	f := newFixture(t, testConfig(), WithMetrics(metrics.NewPrometheusRecorder(nil)))
	srv := serve(t, f)

	do(t, http.MethodGet, srv.URL+"/ivxp/catalog", nil)
	resp, data := do(t, http.MethodGet, srv.URL+"/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), `ivxp_http_requests_total{method="GET",route="/ivxp/catalog",status="200"} 1`)
}

func TestHTTP_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 0.001
	cfg.RateBurst = 1
	f := newFixture(t, cfg)
	srv := serve(t, f)

	resp, _ := do(t, http.MethodGet, srv.URL+"/ivxp/catalog", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, data := do(t, http.MethodGet, srv.URL+"/ivxp/catalog", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, types.ErrServiceUnavailable, decodeError(t, data).Code)
}

func TestHTTP_RateLimitSharedAcrossHandlers(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 0.001
	cfg.RateBurst = 1
	f := newFixture(t, cfg)
	first := serve(t, f)
	second := serve(t, f)
	require.NotNil(t, f.p.limiter)

	resp, _ := do(t, http.MethodGet, first.URL+"/ivxp/catalog", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// the burst was spent through the first handler
	resp, _ = do(t, http.MethodGet, second.URL+"/ivxp/catalog", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{types.NewError(types.ErrInvalidRequest, ""), http.StatusBadRequest},
		{types.NewError(types.ErrDuplicateNonce, ""), http.StatusBadRequest},
		{types.NewError(types.ErrInvalidOrderStatus, ""), http.StatusConflict},
		{types.NewError(types.ErrSignatureInvalid, ""), http.StatusUnauthorized},
		{types.NewError(types.ErrNetworkMismatch, ""), http.StatusPaymentRequired},
		{types.NewError(types.ErrOrderNotFound, ""), http.StatusNotFound},
		{types.NewError(types.ErrServiceUnavailable, ""), http.StatusServiceUnavailable},
		{types.NewError(types.ErrDeliveryFailed, ""), http.StatusInternalServerError},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, httpStatus(tt.err), "%v", tt.err)
	}
}

func TestWriteError_HidesInternalErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, io.ErrUnexpectedEOF)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	e := decodeError(t, rec.Body.Bytes())
	assert.Equal(t, "internal error", e.Error)
	assert.Empty(t, e.Code)
}
