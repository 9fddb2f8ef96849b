package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/ivxp/ledger"
	"github.com/vitwit/ivxp/provider"
	"github.com/vitwit/ivxp/signing"
	"github.com/vitwit/ivxp/types"
	"github.com/vitwit/ivxp/utils"
	"github.com/vitwit/ivxp/verification"
)

const (
	clientKey    = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	clientAddr   = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	providerAddr = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

type hits struct {
	stream  atomic.Int32
	status  atomic.Int32
	deliver atomic.Int32
	total   atomic.Int32
}

func (h *hits) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.total.Add(1)
		switch {
		case strings.HasPrefix(r.URL.Path, "/ivxp/stream/"):
			h.stream.Add(1)
		case strings.HasPrefix(r.URL.Path, "/ivxp/status/"):
			h.status.Add(1)
		case r.URL.Path == "/ivxp/deliver":
			h.deliver.Add(1)
		}
		next.ServeHTTP(w, r)
	})
}

type envOptions struct {
	capabilities []string
	mint         int64
	network      types.Network

	// intercept may answer a request itself by returning true.
	intercept func(w http.ResponseWriter, r *http.Request) bool
}

type env struct {
	url      string
	provider *provider.Provider
	payer    *ledger.MemoryLedger
	client   *Client
	hits     *hits
}

func newEnv(t *testing.T, o envOptions) *env {
	t.Helper()
	if o.mint == 0 {
		o.mint = 100
	}
	if o.network == "" {
		o.network = types.NetworkBaseSepolia
	}

	chain := ledger.NewMemoryChain()
	chain.Mint(clientAddr, decimal.NewFromInt(o.mint))

	verifier := verification.NewVerificationService(time.Second)
	require.NoError(t, verifier.AddLedger(types.NetworkBaseSepolia, chain.Account(providerAddr)))

	p, err := provider.New(types.ProviderConfig{
		Name:          "test-provider",
		WalletAddress: providerAddr,
		Network:       types.NetworkBaseSepolia,
		Capabilities:  o.capabilities,
	}, verifier, provider.WithRetryBackoff(time.Millisecond))
	require.NoError(t, err)

	h := &hits{}
	handler := p.Handler()
	srv := httptest.NewServer(h.wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if o.intercept != nil && o.intercept(w, r) {
			return
		}
		handler.ServeHTTP(w, r)
	})))
	t.Cleanup(func() {
		srv.Close()
		p.Close()
	})

	signer, err := signing.NewKeySignerFromHex(clientKey)
	require.NoError(t, err)
	payer := chain.Account(clientAddr)

	c, err := New(types.ClientConfig{Name: "test-client", Network: o.network}, signer, payer,
		WithPolling(10*time.Millisecond, 200))
	require.NoError(t, err)

	return &env{url: srv.URL, provider: p, payer: payer, client: c, hits: h}
}

func echoParams(url string) OrderParams {
	return OrderParams{
		ProviderURL: url,
		ServiceType: "text_echo",
		Description: "hello provider",
		Budget:      decimal.NewFromInt(10),
	}
}

func TestExecute_EndToEndPolling(t *testing.T) {
	e := newEnv(t, envOptions{})
	ctx := context.Background()

	res, err := e.client.Execute(ctx, echoParams(e.url))
	require.NoError(t, err)

	assert.Equal(t, types.StatusDelivered, res.Status)
	assert.True(t, res.PriceUSDC.Equal(decimal.NewFromInt(1)))
	assert.Contains(t, res.Content, "hello provider")
	assert.Equal(t, utils.ContentHash([]byte(res.Content)), res.ContentHash)
	assert.Equal(t, "poll", res.NotifiedBy)
	assert.False(t, res.Confirmed)

	st, err := e.provider.HandleStatus(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDelivered, st.Status)
	assert.Equal(t, res.ContentHash, st.ContentHash)

	assert.Equal(t, int64(1), e.payer.SendCalls())
	assert.Equal(t, int32(0), e.hits.stream.Load(), "no sse capability, no stream attempt")
	assert.GreaterOrEqual(t, e.hits.status.Load(), int32(1))

	bal, err := e.payer.Balance(ctx, clientAddr)
	require.NoError(t, err)
	assert.Equal(t, "99", bal)
}

func TestExecute_EndToEndStream(t *testing.T) {
	e := newEnv(t, envOptions{capabilities: []string{"sse", "batch-v2"}})

	res, err := e.client.Execute(context.Background(), echoParams(e.url))
	require.NoError(t, err)

	assert.Equal(t, "sse", res.NotifiedBy)
	assert.Equal(t, types.StatusDelivered, res.Status)
	assert.Equal(t, int32(1), e.hits.stream.Load())
	assert.Equal(t, int32(0), e.hits.status.Load(), "sse capability, no polling")
}

func TestExecute_Confirm(t *testing.T) {
	e := newEnv(t, envOptions{})
	p := echoParams(e.url)
	p.Confirm = true

	res, err := e.client.Execute(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, res.Confirmed)
	assert.Equal(t, types.StatusConfirmed, res.Status)

	st, err := e.provider.HandleStatus(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusConfirmed, st.Status)
}

func TestExecute_BudgetGuard(t *testing.T) {
	e := newEnv(t, envOptions{})
	p := echoParams(e.url)
	p.ServiceType = "json_transform"
	p.Budget = decimal.RequireFromString("4.99")

	_, err := e.client.Execute(context.Background(), p)
	ie, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrBudgetExceeded, ie.Code)
	assert.Equal(t, OpQuote, ie.Op)

	data, ok := ie.Data.(*types.BudgetData)
	require.True(t, ok)
	assert.Equal(t, "5", data.PriceUSDC)
	assert.Equal(t, "4.99", data.BudgetUSDC)
	assert.NotEmpty(t, data.OrderID)

	assert.Equal(t, int64(0), e.payer.SendCalls())
	assert.Equal(t, int32(0), e.hits.deliver.Load())
}

func TestExecute_BudgetEqualToPrice(t *testing.T) {
	e := newEnv(t, envOptions{})
	p := echoParams(e.url)
	p.Budget = decimal.NewFromInt(1)

	_, err := e.client.Execute(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.payer.SendCalls())
}

func TestExecute_FailsBeforePaying(t *testing.T) {
	tests := []struct {
		name     string
		opts     envOptions
		mutate   func(*OrderParams)
		wantCode string
		wantOp   string
		noHTTP   bool
	}{
		{"invalid url", envOptions{}, func(p *OrderParams) { p.ProviderURL = "ftp://provider" }, types.ErrInvalidProviderURL, OpValidate, true},
		{"missing service", envOptions{}, func(p *OrderParams) { p.ServiceType = " " }, types.ErrInvalidRequest, OpValidate, true},
		{"zero budget", envOptions{}, func(p *OrderParams) { p.Budget = decimal.Zero }, types.ErrInvalidRequest, OpValidate, true},
		{"service not offered", envOptions{}, func(p *OrderParams) { p.ServiceType = "translation" }, types.ErrServiceNotOffered, OpCatalog, false},
		{"network mismatch", envOptions{network: types.NetworkBase}, func(p *OrderParams) {}, types.ErrNetworkMismatch, OpQuote, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, tt.opts)
			p := echoParams(e.url)
			tt.mutate(&p)

			_, err := e.client.Execute(context.Background(), p)
			ie, ok := types.AsError(err)
			require.True(t, ok, "%v", err)
			assert.Equal(t, tt.wantCode, ie.Code)
			assert.Equal(t, tt.wantOp, ie.Op)
			assert.Equal(t, int64(0), e.payer.SendCalls())
			if tt.noHTTP {
				assert.Equal(t, int32(0), e.hits.total.Load())
			}
		})
	}
}

func TestExecute_InsufficientBalance(t *testing.T) {
	e := newEnv(t, envOptions{mint: 3})
	p := echoParams(e.url)
	p.ServiceType = "json_transform"

	_, err := e.client.Execute(context.Background(), p)
	ie, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrInsufficientBalance, ie.Code)
	assert.Equal(t, OpPayment, ie.Op)
	assert.Equal(t, int32(0), e.hits.deliver.Load())
}

func TestExecute_PartialSuccessThenResume(t *testing.T) {
	var failed atomic.Bool
	e := newEnv(t, envOptions{intercept: func(w http.ResponseWriter, r *http.Request) bool {
		if r.URL.Path == "/ivxp/deliver" && failed.CompareAndSwap(false, true) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"maintenance","status_code":503,"code":"SERVICE_UNAVAILABLE"}`))
			return true
		}
		return false
	}})
	ctx := context.Background()

	_, err := e.client.Execute(ctx, echoParams(e.url))
	ie, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrPartialSuccess, ie.Code)
	assert.Equal(t, OpDeliver, ie.Op)
	assert.True(t, types.IsRecoverable(err))

	data, ok := ie.Data.(*types.PartialSuccessData)
	require.True(t, ok)
	assert.NotEmpty(t, data.OrderID)
	assert.NotEmpty(t, data.TxHash)

	st, err := e.provider.HandleStatus(ctx, data.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQuoted, st.Status)

	res, err := e.client.Resume(ctx, e.url, data.OrderID, data.TxHash)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDelivered, res.Status)
	assert.Equal(t, data.TxHash, res.TxHash)
	assert.Equal(t, int64(1), e.payer.SendCalls(), "resume never pays again")
}

// unconfirmedLedger broadcasts a transfer but never sees it settle.
type unconfirmedLedger struct {
	ledger.PaymentService
	txHash string
	err    error
}

func (l *unconfirmedLedger) Send(ctx context.Context, toAddress string, amount decimal.Decimal) (string, error) {
	return l.txHash, l.err
}

func TestExecute_PaymentErrorKeepsTxHash(t *testing.T) {
	tx := "0x" + strings.Repeat("ab", 32)

	tests := []struct {
		name        string
		err         error
		wantCode    string
		recoverable bool
	}{
		{"receipt timeout", types.NewError(types.ErrTimeout, "transfer not mined"), types.ErrPartialSuccess, true},
		{"receipt unavailable", types.NewError(types.ErrServiceUnavailable, "failed to fetch receipt"), types.ErrPartialSuccess, true},
		{"reverted", types.Errorf(types.ErrPaymentFailed, "transfer %s reverted", tx), types.ErrPaymentFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, envOptions{})
			signer, err := signing.NewKeySignerFromHex(clientKey)
			require.NoError(t, err)
			c, err := New(types.ClientConfig{Name: "test-client", Network: types.NetworkBaseSepolia}, signer,
				&unconfirmedLedger{txHash: tx, err: tt.err})
			require.NoError(t, err)

			_, err = c.Execute(context.Background(), echoParams(e.url))
			ie, ok := types.AsError(err)
			require.True(t, ok, "%v", err)
			assert.Equal(t, tt.wantCode, ie.Code)
			assert.Equal(t, OpPayment, ie.Op)
			assert.Equal(t, tt.recoverable, types.IsRecoverable(err))
			if tt.recoverable {
				assert.Same(t, tt.err, ie.Err)
			}

			data, ok := ie.Data.(*types.PartialSuccessData)
			require.True(t, ok)
			assert.Equal(t, tx, data.TxHash)
			assert.True(t, strings.HasPrefix(data.OrderID, "ivxp-"))
			assert.Equal(t, int32(0), e.hits.deliver.Load())
		})
	}
}

func TestResume_Validation(t *testing.T) {
	e := newEnv(t, envOptions{})
	tx := "0x" + strings.Repeat("ab", 32)

	tests := []struct {
		name    string
		url     string
		orderID string
		txHash  string
	}{
		{"bad url", "not a url", "ivxp-1", tx},
		{"no order", e.url, "", tx},
		{"bad tx", e.url, "ivxp-1", "0x12"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.client.Resume(context.Background(), tt.url, tt.orderID, tt.txHash)
			ie, ok := types.AsError(err)
			require.True(t, ok)
			assert.Equal(t, OpValidate, ie.Op)
		})
	}

	_, err := e.client.Resume(context.Background(), e.url, "ivxp-missing", tx)
	ie, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrPartialSuccess, ie.Code)
	assert.Equal(t, types.ErrNotFound, types.CodeOf(ie.Err))
}

func TestExecute_ContextCanceled(t *testing.T) {
	e := newEnv(t, envOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.client.Execute(ctx, echoParams(e.url))
	ie, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrCanceled, ie.Code)
	assert.Equal(t, OpCatalog, ie.Op)
}

func TestExecute_PushToReceiver(t *testing.T) {
	pushed := make(chan *types.ServiceDelivery, 1)
	recv := httptest.NewServer(NewReceiver(func(ctx context.Context, d *types.ServiceDelivery) error {
		pushed <- d
		return nil
	}, nil))
	defer recv.Close()

	e := newEnv(t, envOptions{})
	p := echoParams(e.url)
	p.DeliveryEndpoint = recv.URL + ReceivePath

	res, err := e.client.Execute(context.Background(), p)
	require.NoError(t, err)

	select {
	case d := <-pushed:
		assert.Equal(t, res.OrderID, d.OrderID)
		assert.Equal(t, res.ContentHash, d.ContentHash)
	case <-time.After(2 * time.Second):
		t.Fatal("provider did not push the deliverable")
	}
}

func TestNew_Validation(t *testing.T) {
	signer, err := signing.NewKeySignerFromHex(clientKey)
	require.NoError(t, err)
	payer := ledger.NewMemoryChain().Account(clientAddr)

	_, err = New(types.ClientConfig{}, signer, payer)
	assert.Equal(t, types.ErrInvalidRequest, types.CodeOf(err))

	_, err = New(types.ClientConfig{Name: "c"}, nil, payer)
	assert.Equal(t, types.ErrConfigError, types.CodeOf(err))

	_, err = New(types.ClientConfig{Name: "c", Network: "dogecoin"}, signer, payer)
	assert.Equal(t, types.ErrConfigError, types.CodeOf(err))

	c, err := New(types.ClientConfig{Name: "c"}, signer, payer)
	require.NoError(t, err)
	assert.Equal(t, clientAddr, c.Address())
	assert.NotNil(t, c.Transport())
}
