// Package client buys services from IVXP providers: it discovers, pays,
// claims and downloads an order in one call.
package client

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitwit/ivxp/ledger"
	"github.com/vitwit/ivxp/logger"
	"github.com/vitwit/ivxp/metrics"
	"github.com/vitwit/ivxp/notify"
	"github.com/vitwit/ivxp/signing"
	"github.com/vitwit/ivxp/transport"
	"github.com/vitwit/ivxp/types"
	"github.com/vitwit/ivxp/utils"
)

// Operation names attached to the errors returned by Execute and Resume.
const (
	OpValidate = "validate"
	OpCatalog  = "catalog"
	OpQuote    = "quote"
	OpPayment  = "payment"
	OpSign     = "sign"
	OpDeliver  = "deliver"
	OpAwait    = "await"
	OpDownload = "download"
	OpConfirm  = "confirm"
)

// OrderParams describes one purchase.
type OrderParams struct {
	ProviderURL string
	ServiceType string
	Description string

	// Highest price the caller accepts. Quotes above it are refused before
	// any payment is made.
	Budget decimal.Decimal

	DeliveryFormat string

	// Endpoint the provider should push the deliverable to, if any.
	DeliveryEndpoint string

	// Confirm sends a signed receipt after a verified download.
	Confirm bool
}

func (p OrderParams) validate() error {
	if _, err := utils.ValidateProviderURL(p.ProviderURL); err != nil {
		return err
	}
	if strings.TrimSpace(p.ServiceType) == "" {
		return types.NewError(types.ErrInvalidRequest, "service type is required")
	}
	if !p.Budget.IsPositive() {
		return types.Errorf(types.ErrInvalidRequest, "budget must be positive, got %s", p.Budget)
	}
	if p.DeliveryEndpoint != "" {
		if _, err := utils.ValidateProviderURL(p.DeliveryEndpoint); err != nil {
			return types.WrapError(types.ErrInvalidRequest, "invalid delivery endpoint", err)
		}
	}
	return nil
}

// Result is a completed purchase.
type Result struct {
	OrderID     string
	TxHash      string
	PriceUSDC   decimal.Decimal
	Status      types.OrderStatus
	Content     string
	ContentType string
	ContentHash string

	// How completion was observed: "sse" or "poll".
	NotifiedBy string
	Confirmed  bool
}

// Client runs orders against providers.
type Client struct {
	cfg       types.ClientConfig
	transport *transport.Client
	payments  ledger.PaymentService
	signer    signing.Signer

	pollInterval time.Duration
	pollAttempts int

	clock   func() time.Time
	logger  logger.Logger
	metrics metrics.Recorder
}

type Option func(*Client)

// WithTransport replaces the HTTP transport built from the configuration.
func WithTransport(t *transport.Client) Option {
	return func(c *Client) {
		c.transport = t
	}
}

func WithClock(clock func() time.Time) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(c *Client) {
		c.metrics = r
	}
}

// WithPolling overrides the polling interval and attempt ceiling.
func WithPolling(interval time.Duration, attempts int) Option {
	return func(c *Client) {
		c.pollInterval = interval
		c.pollAttempts = attempts
	}
}

// New creates a client paying through payments and signing with signer.
func New(cfg types.ClientConfig, signer signing.Signer, payments ledger.PaymentService, opts ...Option) (*Client, error) {
	if err := utils.ValidateStruct(&cfg); err != nil {
		return nil, err
	}
	if signer == nil || payments == nil {
		return nil, types.NewError(types.ErrConfigError, "a signer and a payment service are required")
	}
	if cfg.Network != "" && !cfg.Network.IsKnown() {
		return nil, types.Errorf(types.ErrConfigError, "unsupported network: %s", cfg.Network)
	}

	c := &Client{
		cfg:          cfg,
		payments:     payments,
		signer:       signer,
		pollInterval: time.Duration(cfg.PollIntervalSeconds) * time.Second,
		pollAttempts: cfg.PollAttempts,
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logger.OrNoop(c.logger).Named("client")
	c.metrics = metrics.OrNoop(c.metrics)
	if c.transport == nil {
		topts := []transport.Option{transport.WithLogger(c.logger), transport.WithMetrics(c.metrics)}
		if cfg.TimeoutSeconds > 0 {
			topts = append(topts, transport.WithTimeout(time.Duration(cfg.TimeoutSeconds)*time.Second))
		}
		c.transport = transport.NewClient(topts...)
	}
	return c, nil
}

// Address returns the paying account.
func (c *Client) Address() string {
	return c.signer.Address()
}

// Transport exposes the underlying provider transport.
func (c *Client) Transport() *transport.Client {
	return c.transport
}

func (c *Client) now() time.Time {
	return c.clock().UTC()
}

// Execute buys one service end to end: catalog, quote, budget check,
// payment, signed delivery request, completion, download and optional
// confirmation. No funds move unless the quote is within p.Budget.
//
// Once the payment went through, a rejected delivery request is reported as
// PARTIAL_SUCCESS carrying the order id and tx hash; pass them to Resume.
func (c *Client) Execute(ctx context.Context, p OrderParams) (*Result, error) {
	start := time.Now()
	res, err := c.execute(ctx, p)
	c.observe("execute", start, err)
	return res, err
}

func (c *Client) execute(ctx context.Context, p OrderParams) (*Result, error) {
	if err := p.validate(); err != nil {
		return nil, types.WrapOp(OpValidate, err)
	}

	catalog, err := c.transport.GetCatalog(ctx, p.ProviderURL)
	if err != nil {
		return nil, types.WrapOp(OpCatalog, err)
	}
	if _, ok := catalog.Service(p.ServiceType); !ok {
		return nil, types.WrapOp(OpCatalog,
			types.Errorf(types.ErrServiceNotOffered, "provider %s does not offer %s", catalog.Provider, p.ServiceType))
	}

	quote, err := c.transport.RequestQuote(ctx, p.ProviderURL, &types.ServiceRequest{
		Envelope: types.NewEnvelope(types.MessageServiceRequest, c.now()),
		ClientAgent: types.ClientAgent{
			Name:            c.cfg.Name,
			WalletAddress:   c.signer.Address(),
			ContactEndpoint: c.cfg.ReceiveEndpoint,
		},
		ServiceRequest: types.ServiceRequestDetails{
			Type:           p.ServiceType,
			Description:    p.Description,
			BudgetUSDC:     p.Budget,
			DeliveryFormat: p.DeliveryFormat,
		},
	})
	if err != nil {
		return nil, types.WrapOp(OpQuote, err)
	}
	if err := c.checkQuote(quote, p.Budget); err != nil {
		return nil, types.WrapOp(OpQuote, err)
	}

	c.logger.Info("paying for order", map[string]any{
		"order_id": quote.OrderID,
		"price":    quote.Quote.PriceUSDC.String(),
		"to":       quote.Quote.PaymentAddress,
		"network":  quote.Quote.Network.String(),
	})
	txHash, err := c.payments.Send(ctx, quote.Quote.PaymentAddress, quote.Quote.PriceUSDC)
	if err != nil {
		return nil, types.WrapOp(OpPayment, paymentError(quote.OrderID, txHash, err))
	}

	res, err := c.claim(ctx, claim{
		providerURL:  p.ProviderURL,
		capabilities: catalog.Capabilities,
		orderID:      quote.OrderID,
		txHash:       txHash,
		network:      quote.Quote.Network,
		endpoint:     p.DeliveryEndpoint,
		confirm:      p.Confirm,
	})
	if err != nil {
		return nil, err
	}
	res.PriceUSDC = quote.Quote.PriceUSDC
	return res, nil
}

// paymentError keeps the transaction hash of a payment that was broadcast but
// did not confirm. A revert stays PAYMENT_FAILED; anything else may still
// settle and is reported as a resumable partial success.
func paymentError(orderID, txHash string, err error) error {
	if txHash == "" {
		return err
	}
	if types.CodeOf(err) == types.ErrPaymentFailed {
		ie, _ := types.AsError(err)
		cp := *ie
		cp.Data = &types.PartialSuccessData{OrderID: orderID, TxHash: txHash}
		return &cp
	}
	return types.NewPartialSuccess(orderID, txHash, err)
}

// checkQuote enforces the budget ceiling and the quote's own sanity.
func (c *Client) checkQuote(q *types.ServiceQuote, budget decimal.Decimal) error {
	price := q.Quote.PriceUSDC
	if price.GreaterThan(budget) {
		e := types.Errorf(types.ErrBudgetExceeded, "quoted price %s USDC exceeds budget %s USDC", price, budget)
		e.Data = &types.BudgetData{
			OrderID:    q.OrderID,
			PriceUSDC:  price.String(),
			BudgetUSDC: budget.String(),
		}
		return e
	}
	if !price.IsPositive() {
		return types.Errorf(types.ErrInvalidQuote, "quoted price must be positive, got %s", price)
	}
	if err := utils.ValidateAddress(q.Quote.PaymentAddress); err != nil {
		return types.WrapError(types.ErrInvalidQuote, "invalid payment address", err)
	}
	if c.cfg.Network != "" && q.Quote.Network != c.cfg.Network {
		return types.Errorf(types.ErrNetworkMismatch, "quote is on %s, client pays on %s", q.Quote.Network, c.cfg.Network)
	}
	return nil
}

// Resume claims an order that was paid but whose delivery request failed. It
// signs with a fresh nonce and never pays again. The payment network is the
// configured one.
func (c *Client) Resume(ctx context.Context, providerURL, orderID, txHash string) (*Result, error) {
	start := time.Now()
	res, err := c.resume(ctx, providerURL, orderID, txHash)
	c.observe("resume", start, err)
	return res, err
}

func (c *Client) resume(ctx context.Context, providerURL, orderID, txHash string) (*Result, error) {
	if _, err := utils.ValidateProviderURL(providerURL); err != nil {
		return nil, types.WrapOp(OpValidate, err)
	}
	if orderID == "" {
		return nil, types.WrapOp(OpValidate, types.NewError(types.ErrInvalidRequest, "order id is required"))
	}
	if err := utils.ValidateTransactionHash(txHash); err != nil {
		return nil, types.WrapOp(OpValidate, types.WrapError(types.ErrInvalidRequest, "invalid tx hash", err))
	}
	if c.cfg.Network == "" {
		return nil, types.WrapOp(OpValidate, types.NewError(types.ErrConfigError, "resuming an order needs a configured network"))
	}

	catalog, err := c.transport.GetCatalog(ctx, providerURL)
	if err != nil {
		return nil, types.WrapOp(OpCatalog, err)
	}

	return c.claim(ctx, claim{
		providerURL:  providerURL,
		capabilities: catalog.Capabilities,
		orderID:      orderID,
		txHash:       txHash,
		network:      c.cfg.Network,
	})
}

type claim struct {
	providerURL  string
	capabilities []string
	orderID      string
	txHash       string
	network      types.Network
	endpoint     string
	confirm      bool
}

// claim runs everything after the payment: sign, deliver, await, download
// and confirm.
func (c *Client) claim(ctx context.Context, cl claim) (*Result, error) {
	now := c.now()
	msg, err := signing.NewDeliveryMessage(cl.orderID, cl.txHash, signing.NewNonce(), now)
	if err != nil {
		return nil, types.WrapOp(OpSign, types.NewPartialSuccess(cl.orderID, cl.txHash, err))
	}
	sig, err := c.signer.Sign(msg.String())
	if err != nil {
		return nil, types.WrapOp(OpSign, types.NewPartialSuccess(cl.orderID, cl.txHash, err))
	}

	accepted, err := c.transport.RequestDelivery(ctx, cl.providerURL, &types.DeliveryRequest{
		Envelope: types.NewEnvelope(types.MessageDeliveryRequest, now),
		OrderID:  cl.orderID,
		PaymentProof: types.PaymentProof{
			TxHash:      cl.txHash,
			FromAddress: c.signer.Address(),
			Network:     cl.network,
		},
		DeliveryEndpoint: cl.endpoint,
		Signature:        sig,
		SignedMessage:    msg.String(),
	})
	if err != nil {
		c.logger.Warn("delivery request failed after payment", map[string]any{
			"order_id": cl.orderID,
			"tx_hash":  cl.txHash,
			"error":    err,
		})
		return nil, types.WrapOp(OpDeliver, types.NewPartialSuccess(cl.orderID, cl.txHash, err))
	}

	waiter := notify.Select(cl.capabilities,
		notify.NewStream(c.transport.HTTPClient(), transport.StreamURL(cl.providerURL, cl.orderID, accepted), c.logger),
		notify.NewPoller(c.transport, cl.providerURL,
			notify.WithInterval(c.pollInterval),
			notify.WithAttempts(c.pollAttempts),
			notify.WithPollLogger(c.logger)),
	)
	outcome, err := waiter.Wait(ctx, cl.orderID)
	if err != nil {
		return nil, types.WrapOp(OpAwait, err)
	}

	dl, err := c.transport.Download(ctx, cl.providerURL, cl.orderID)
	if err != nil {
		return nil, types.WrapOp(OpDownload, err)
	}
	if err := verifyDownload(dl, outcome); err != nil {
		return nil, types.WrapOp(OpDownload, err)
	}

	res := &Result{
		OrderID:     cl.orderID,
		TxHash:      cl.txHash,
		Status:      outcome.Status,
		Content:     dl.Content,
		ContentType: dl.ContentType,
		ContentHash: dl.ContentHash,
		NotifiedBy:  outcome.Source,
	}

	if cl.confirm {
		ack, err := c.confirm(ctx, cl.providerURL, cl.orderID, dl.ContentHash)
		if err != nil {
			return nil, types.WrapOp(OpConfirm, err)
		}
		res.Status = ack.Status
		res.Confirmed = true
	}

	c.logger.Info("order completed", map[string]any{
		"order_id":     cl.orderID,
		"content_hash": dl.ContentHash,
		"notified_by":  outcome.Source,
	})
	return res, nil
}

func verifyDownload(dl *types.DownloadResponse, outcome *notify.Outcome) error {
	if !utils.VerifyContentHash([]byte(dl.Content), dl.ContentHash) {
		return types.Errorf(types.ErrContentHashMismatch, "content of order %s does not match its hash", dl.OrderID)
	}
	if outcome != nil && outcome.ContentHash != "" && !sameHash(outcome.ContentHash, dl.ContentHash) {
		return types.Errorf(types.ErrContentHashMismatch, "download hash of order %s differs from the announced one", dl.OrderID)
	}
	return nil
}

func sameHash(a, b string) bool {
	return strings.EqualFold(strings.TrimPrefix(a, "0x"), strings.TrimPrefix(b, "0x"))
}

func (c *Client) confirm(ctx context.Context, providerURL, orderID, contentHash string) (*types.ConfirmationAck, error) {
	now := c.now()
	msg, err := signing.ConfirmationMessage(orderID, contentHash, now)
	if err != nil {
		return nil, err
	}
	sig, err := c.signer.Sign(msg)
	if err != nil {
		return nil, err
	}
	return c.transport.Confirm(ctx, providerURL, &types.DeliveryConfirmation{
		Envelope:    types.NewEnvelope(types.MessageDeliveryConfirmation, now),
		OrderID:     orderID,
		ContentHash: contentHash,
		ClientAgent: types.ClientAgent{
			Name:          c.cfg.Name,
			WalletAddress: c.signer.Address(),
		},
		Signature:     sig,
		SignedMessage: msg,
	})
}

func (c *Client) observe(op string, start time.Time, err error) {
	outcome := "completed"
	if err != nil {
		outcome = types.CodeOf(err)
		if outcome == "" {
			outcome = "error"
		}
	}
	labels := map[string]string{metrics.LabelOutcome: outcome}
	c.metrics.IncCounter(op, labels)
	c.metrics.ObserveLatency(op, time.Since(start), labels)
}
