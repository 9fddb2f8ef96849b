package transport

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/ivxp/types"
)

func serveJSON(status int, body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

func TestClient_StatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
	}{
		{"unauthorized", 401, `{"error":"bad signature","status_code":401,"code":"SIGNATURE_INVALID"}`, types.ErrSignatureInvalid},
		{"payment required", 402, `{"error":"payment not verified","status_code":402}`, types.ErrPaymentRequired},
		{"not found", 404, `{"error":"order not found","status_code":404}`, types.ErrNotFound},
		{"internal error", 500, ``, types.ErrServiceUnavailable},
		{"bad gateway", 502, `oops`, types.ErrServiceUnavailable},
		{"bad request", 400, `{"error":"stale","status_code":400,"code":"STALE_TIMESTAMP"}`, types.ErrHTTP},
		{"conflict", 409, `{"error":"wrong state","status_code":409}`, types.ErrHTTP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serveJSON(tt.status, tt.body)
			defer srv.Close()

			_, err := NewClient().GetStatus(context.Background(), srv.URL, "ivxp-1")
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, types.CodeOf(err))

			ie, _ := types.AsError(err)
			data, ok := ie.Data.(*types.HTTPErrorData)
			require.True(t, ok)
			assert.Equal(t, tt.status, data.StatusCode)
		})
	}
}

func TestClient_HTTPErrorKeepsProviderCode(t *testing.T) {
	srv := serveJSON(400, `{"error":"nonce reused","status_code":400,"code":"DUPLICATE_NONCE"}`)
	defer srv.Close()

	_, err := NewClient().GetStatus(context.Background(), srv.URL, "ivxp-1")
	ie, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrHTTP, ie.Code)
	assert.Equal(t, "DUPLICATE_NONCE", ie.Data.(*types.HTTPErrorData).ProviderCode)
	assert.Contains(t, ie.Message, "nonce reused")
}

func TestClient_RejectsNonJSONContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html></html>`))
	}))
	defer srv.Close()

	_, err := NewClient().GetCatalog(context.Background(), srv.URL)
	assert.Equal(t, types.ErrInvalidResponse, types.CodeOf(err))
}

func TestClient_CatalogSchema(t *testing.T) {
	t.Run("missing services is invalid catalog", func(t *testing.T) {
		srv := serveJSON(200, `{"protocol":"IVXP/1.0","provider":"p","wallet_address":"0x70997970C51812dc3A010C7d01b50e0d17dc79C8"}`)
		defer srv.Close()

		_, err := NewClient().GetCatalog(context.Background(), srv.URL)
		assert.Equal(t, types.ErrInvalidCatalog, types.CodeOf(err))
	})

	t.Run("string and number prices decode", func(t *testing.T) {
		srv := serveJSON(200, `{
			"protocol":"IVXP/1.0","message_type":"service_catalog","timestamp":"2026-01-01T00:00:00Z",
			"provider":"p","wallet_address":"0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
			"capabilities":["sse","future_thing"],
			"services":[
				{"type":"text_echo","base_price_usdc":"1","estimated_delivery_hours":0.01},
				{"type":"json_transform","base_price_usdc":5.5}
			]}`)
		defer srv.Close()

		cat, err := NewClient().GetCatalog(context.Background(), srv.URL)
		require.NoError(t, err)
		require.Len(t, cat.Services, 2)
		assert.True(t, cat.Services[0].BasePriceUSDC.Equal(decimal.NewFromInt(1)))
		assert.True(t, cat.Services[1].BasePriceUSDC.Equal(decimal.RequireFromString("5.5")))
		assert.Equal(t, []string{"sse", "future_thing"}, cat.Capabilities)
	})
}

func TestClient_DownloadNotReady(t *testing.T) {
	srv := serveJSON(http.StatusAccepted, `{"status":"processing","message":"order is being processed"}`)
	defer srv.Close()

	_, err := NewClient().Download(context.Background(), srv.URL, "ivxp-1")
	assert.Equal(t, types.ErrNotReady, types.CodeOf(err))
	assert.True(t, types.IsRetryable(err))
}

func TestClient_ConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	_, err = NewClient().GetCatalog(context.Background(), "http://"+addr)
	assert.Equal(t, types.ErrServiceUnavailable, types.CodeOf(err))
}

func TestClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := NewClient(WithTimeout(50*time.Millisecond)).GetCatalog(context.Background(), srv.URL)
	assert.Equal(t, types.ErrTimeout, types.CodeOf(err))
}

func TestClient_CallerCancel(t *testing.T) {
	srv := serveJSON(200, `{}`)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewClient().GetCatalog(ctx, srv.URL)
	assert.Equal(t, types.ErrCanceled, types.CodeOf(err))
	assert.False(t, types.IsRetryable(err))
}

func TestClient_InvalidProviderURL(t *testing.T) {
	_, err := NewClient().GetCatalog(context.Background(), "ftp://example.com")
	assert.Equal(t, types.ErrInvalidProviderURL, types.CodeOf(err))
}

func TestStreamURL(t *testing.T) {
	tests := []struct {
		name     string
		accepted *types.DeliveryAccepted
		want     string
	}{
		{"fallback", nil, "http://p.example/ivxp/stream/ivxp-1"},
		{"absolute", &types.DeliveryAccepted{StreamURL: "http://events.example/s/1"}, "http://events.example/s/1"},
		{"relative", &types.DeliveryAccepted{StreamURL: "/ivxp/stream/ivxp-1"}, "http://p.example/ivxp/stream/ivxp-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StreamURL("http://p.example/", "ivxp-1", tt.accepted))
		})
	}
}
