// Package transport speaks IVXP/1.0 JSON over HTTP to a provider.
package transport

import (
	"bytes"
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/vitwit/ivxp/logger"
	"github.com/vitwit/ivxp/metrics"
	"github.com/vitwit/ivxp/types"
	"github.com/vitwit/ivxp/utils"
	"github.com/xeipuuv/gojsonschema"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultTimeout = 30 * time.Second

	// Upper bound on response bodies read from a provider.
	maxBodyBytes = 10 << 20
)

// Client is the HTTP implementation of types.ClientAdapter.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     logger.Logger
	metrics    metrics.Recorder
}

var _ types.ClientAdapter = (*Client)(nil)

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(t *Client) {
		t.httpClient = c
	}
}

// WithTimeout bounds every single request. It never extends the caller's deadline.
func WithTimeout(d time.Duration) Option {
	return func(t *Client) {
		t.timeout = d
	}
}

func WithLogger(l logger.Logger) Option {
	return func(t *Client) {
		t.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(t *Client) {
		t.metrics = r
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: http.DefaultClient,
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logger.OrNoop(c.logger).Named("transport")
	c.metrics = metrics.OrNoop(c.metrics)
	return c
}

// HTTPClient returns the underlying HTTP client, e.g. for event streams.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

func (c *Client) GetCatalog(ctx context.Context, providerURL string) (*types.ServiceCatalog, error) {
	var out types.ServiceCatalog
	if _, err := c.do(ctx, http.MethodGet, endpoint(providerURL, "/ivxp/catalog"), nil, catalogLoader, types.ErrInvalidCatalog, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RequestQuote(ctx context.Context, providerURL string, req *types.ServiceRequest) (*types.ServiceQuote, error) {
	var out types.ServiceQuote
	if _, err := c.do(ctx, http.MethodPost, endpoint(providerURL, "/ivxp/request"), req, quoteLoader, types.ErrInvalidQuote, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RequestDelivery(ctx context.Context, providerURL string, req *types.DeliveryRequest) (*types.DeliveryAccepted, error) {
	var out types.DeliveryAccepted
	if _, err := c.do(ctx, http.MethodPost, endpoint(providerURL, "/ivxp/deliver"), req, deliveryAcceptedLoader, types.ErrInvalidResponse, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetStatus(ctx context.Context, providerURL, orderID string) (*types.OrderStatusResponse, error) {
	var out types.OrderStatusResponse
	u := endpoint(providerURL, "/ivxp/status/"+url.PathEscape(orderID))
	if _, err := c.do(ctx, http.MethodGet, u, nil, statusLoader, types.ErrInvalidResponse, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Download fetches the deliverable. A 202 answer means the order is not
// ready yet and yields NOT_READY.
func (c *Client) Download(ctx context.Context, providerURL, orderID string) (*types.DownloadResponse, error) {
	var out types.DownloadResponse
	u := endpoint(providerURL, "/ivxp/download/"+url.PathEscape(orderID))
	if _, err := c.do(ctx, http.MethodGet, u, nil, downloadLoader, types.ErrInvalidResponse, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Confirm posts a signed delivery confirmation.
func (c *Client) Confirm(ctx context.Context, providerURL string, conf *types.DeliveryConfirmation) (*types.ConfirmationAck, error) {
	var out types.ConfirmationAck
	u := endpoint(providerURL, "/ivxp/orders/"+url.PathEscape(conf.OrderID)+"/confirm")
	if _, err := c.do(ctx, http.MethodPost, u, conf, confirmationAckLoader, types.ErrInvalidResponse, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StreamURL returns the event stream of an order: the one announced by the
// provider when present, the conventional path otherwise.
func StreamURL(providerURL, orderID string, accepted *types.DeliveryAccepted) string {
	if accepted != nil && accepted.StreamURL != "" {
		if strings.HasPrefix(accepted.StreamURL, "/") {
			return endpoint(providerURL, accepted.StreamURL)
		}
		return accepted.StreamURL
	}
	return endpoint(providerURL, "/ivxp/stream/"+url.PathEscape(orderID))
}

func endpoint(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

func (c *Client) do(ctx context.Context, method, u string, body any, schema gojsonschema.JSONLoader, schemaCode string, out any) (int, error) {
	if _, err := utils.ValidateProviderURL(u); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, types.WrapError(types.ErrInvalidRequest, "failed to encode request", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return 0, types.WrapError(types.ErrInvalidRequest, "failed to build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(method, "error", start)
		c.logger.Debug("request failed", map[string]any{"method": method, "url": u, "error": err})
		return 0, requestError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		c.observe(method, "error", start)
		return resp.StatusCode, requestError(err)
	}
	c.observe(method, http.StatusText(resp.StatusCode), start)

	if resp.StatusCode == http.StatusAccepted {
		var pending types.PendingResponse
		_ = json.Unmarshal(data, &pending)
		e := types.Errorf(types.ErrNotReady, "order not ready: %s", pending.Status)
		e.Data = &pending
		return resp.StatusCode, e
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, statusError(resp.StatusCode, data)
	}

	if !isJSONContentType(resp.Header.Get("Content-Type")) {
		return resp.StatusCode, types.Errorf(types.ErrInvalidResponse,
			"unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	if err := validateJSONSchema(schema, data, schemaCode); err != nil {
		return resp.StatusCode, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return resp.StatusCode, types.WrapError(schemaCode, "failed to decode response", err)
	}
	return resp.StatusCode, nil
}

func (c *Client) observe(method, outcome string, start time.Time) {
	c.metrics.ObserveLatency("transport_"+strings.ToLower(method), time.Since(start),
		map[string]string{metrics.LabelOutcome: outcome})
}

func isJSONContentType(ct string) bool {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}
