// Package provider sells services over IVXP/1.0: it quotes orders, checks
// payment proofs, fulfils paid orders and serves their deliverables.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/vitwit/ivxp/ledger"
	"github.com/vitwit/ivxp/logger"
	"github.com/vitwit/ivxp/metrics"
	"github.com/vitwit/ivxp/signing"
	"github.com/vitwit/ivxp/types"
	"github.com/vitwit/ivxp/utils"
	"github.com/vitwit/ivxp/verification"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultRetryBackoff = 500 * time.Millisecond
	verifyRetries       = 2
	orderIDPrefix       = "ivxp-"
)

// Provider implements types.ProviderAdapter.
type Provider struct {
	cfg      types.ProviderConfig
	store    Store
	verifier verification.Verifier
	nonces   *NonceRegistry
	events   *broker

	services []types.ServiceConfig
	handlers map[string]ServiceHandler

	clock        func() time.Time
	logger       logger.Logger
	metrics      metrics.Recorder
	httpClient   *http.Client
	retryBackoff time.Duration
	limiter      *rateLimiter

	// fulfillment lifetime
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ types.ProviderAdapter = (*Provider)(nil)

type Option func(*Provider)

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(p *Provider) {
		p.clock = clock
	}
}

func WithLogger(l logger.Logger) Option {
	return func(p *Provider) {
		p.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(p *Provider) {
		p.metrics = r
	}
}

// WithStore replaces the default in-memory store.
func WithStore(s Store) Option {
	return func(p *Provider) {
		p.store = s
	}
}

// WithService registers a handler for a service type. Types not listed in
// the configuration are added to the catalog with def.
func WithService(def types.ServiceConfig, h ServiceHandler) Option {
	return func(p *Provider) {
		p.handlers[def.Type] = h
		for i := range p.services {
			if p.services[i].Type == def.Type {
				p.services[i] = def
				return
			}
		}
		p.services = append(p.services, def)
	}
}

// WithHTTPClient sets the client used to push deliveries to clients.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithRetryBackoff sets the base delay between fulfillment attempts.
func WithRetryBackoff(d time.Duration) Option {
	return func(p *Provider) {
		p.retryBackoff = d
	}
}

// New creates a provider. Services configured in cfg must have a handler,
// either built in or registered with WithService.
func New(cfg types.ProviderConfig, verifier verification.Verifier, opts ...Option) (*Provider, error) {
	if err := utils.ValidateProviderConfig(&cfg); err != nil {
		return nil, err
	}
	if verifier == nil {
		return nil, types.NewError(types.ErrConfigError, "a payment verifier is required")
	}
	if cfg.TokenContract == "" {
		cfg.TokenContract = types.USDCContracts[cfg.Network]
	}
	if cfg.FulfillmentAttempts <= 0 {
		cfg.FulfillmentAttempts = types.DefaultFulfillmentAttempts
	}
	if cfg.PaymentTimeoutSeconds <= 0 {
		cfg.PaymentTimeoutSeconds = types.DefaultPaymentTimeout
	}

	services := cfg.Services
	if len(services) == 0 {
		services = DefaultServices()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Provider{
		cfg:          cfg,
		verifier:     verifier,
		nonces:       NewNonceRegistry(),
		events:       newBroker(),
		services:     append([]types.ServiceConfig(nil), services...),
		handlers:     BuiltinHandlers(),
		clock:        time.Now,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		retryBackoff: defaultRetryBackoff,
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.store == nil {
		p.store = NewMemoryStore()
	}
	p.logger = logger.OrNoop(p.logger).Named("provider")
	p.metrics = metrics.OrNoop(p.metrics)

	for _, s := range p.services {
		if _, ok := p.handlers[s.Type]; !ok {
			cancel()
			return nil, types.Errorf(types.ErrConfigError, "no handler for service %q", s.Type)
		}
	}

	// one limiter per provider, shared by every Handler
	if cfg.RateLimit > 0 {
		p.limiter = newRateLimiter(cfg.RateLimit, cfg.RateBurst)
		p.startLimiterCleanup(p.limiter)
	}
	return p, nil
}

func (p *Provider) now() time.Time {
	return p.clock().UTC()
}

func (p *Provider) Config() types.ProviderConfig {
	return p.cfg
}

func (p *Provider) supportsStream() bool {
	for _, c := range p.cfg.Capabilities {
		if c == types.CapabilitySSE {
			return true
		}
	}
	return false
}

func (p *Provider) service(serviceType string) (types.ServiceConfig, bool) {
	for _, s := range p.services {
		if s.Type == serviceType {
			return s, true
		}
	}
	return types.ServiceConfig{}, false
}

func (p *Provider) HandleCatalog(ctx context.Context) (*types.ServiceCatalog, error) {
	defs := make([]types.ServiceDefinition, 0, len(p.services))
	for _, s := range p.services {
		defs = append(defs, types.ServiceDefinition{
			Type:                   s.Type,
			BasePriceUSDC:          s.BasePriceUSDC,
			EstimatedDeliveryHours: s.EstimatedDeliveryHours,
			Description:            s.Description,
		})
	}
	return &types.ServiceCatalog{
		Envelope:      types.NewEnvelope(types.MessageServiceCatalog, p.now()),
		Provider:      p.cfg.Name,
		WalletAddress: p.cfg.WalletAddress,
		Capabilities:  append([]string(nil), p.cfg.Capabilities...),
		Services:      defs,
	}, nil
}

func (p *Provider) HandleRequest(ctx context.Context, req *types.ServiceRequest) (*types.ServiceQuote, error) {
	if err := req.Check(types.MessageServiceRequest); err != nil {
		return nil, err
	}
	if err := utils.ValidateStruct(req); err != nil {
		return nil, err
	}

	svc, ok := p.service(req.ServiceRequest.Type)
	if !ok {
		p.count("quote", "not_offered")
		return nil, types.Errorf(types.ErrServiceNotOffered, "unknown service type: %s", req.ServiceRequest.Type)
	}

	now := p.now()
	order := &types.Order{
		ID:             orderIDPrefix + uuid.NewString(),
		ServiceType:    svc.Type,
		Description:    req.ServiceRequest.Description,
		PriceUSDC:      svc.BasePriceUSDC,
		PaymentAddress: p.cfg.WalletAddress,
		Network:        p.cfg.Network,
		Status:         types.StatusQuoted,
		CreatedAt:      now,
		UpdatedAt:      now,
		ClientName:     req.ClientAgent.Name,
		ClientAddress:  req.ClientAgent.WalletAddress,
	}
	if err := p.store.Create(ctx, order); err != nil {
		return nil, err
	}

	p.count("quote", "quoted")
	p.logger.Info("order quoted", map[string]any{
		"order_id": order.ID,
		"service":  order.ServiceType,
		"price":    order.PriceUSDC.String(),
		"client":   order.ClientAddress,
	})

	eta := now.Add(time.Duration(svc.EstimatedDeliveryHours * float64(time.Hour)))
	return &types.ServiceQuote{
		Envelope: types.NewEnvelope(types.MessageServiceQuote, now),
		OrderID:  order.ID,
		ProviderAgent: types.ProviderAgent{
			Name:          p.cfg.Name,
			WalletAddress: p.cfg.WalletAddress,
		},
		Quote: types.QuoteDetails{
			PriceUSDC:         order.PriceUSDC,
			EstimatedDelivery: eta,
			PaymentAddress:    order.PaymentAddress,
			Network:           order.Network,
			TokenContract:     p.cfg.TokenContract,
		},
		Terms: &types.QuoteTerms{
			PaymentTimeout: p.cfg.PaymentTimeoutSeconds,
			RevisionPolicy: "none",
			RefundPolicy:   "refund if delivery fails",
		},
	}, nil
}

// HandleDeliver accepts a paid order. The checks run in a fixed order and
// none of them has side effects: freshness, nonce, order state, message
// binding, network, payment, signature.
func (p *Provider) HandleDeliver(ctx context.Context, req *types.DeliveryRequest) (*types.DeliveryAccepted, error) {
	start := time.Now()
	accepted, err := p.deliver(ctx, req)

	outcome := "accepted"
	if err != nil {
		outcome = types.CodeOf(err)
		p.logger.Warn("delivery request rejected", map[string]any{
			"order_id": req.OrderID,
			"error":    err,
		})
	}
	p.count("deliver", outcome)
	p.metrics.ObserveLatency("deliver", time.Since(start), map[string]string{metrics.LabelOutcome: outcome})
	return accepted, err
}

func (p *Provider) deliver(ctx context.Context, req *types.DeliveryRequest) (*types.DeliveryAccepted, error) {
	if err := utils.ValidateDeliveryRequest(req); err != nil {
		return nil, err
	}
	now := p.now()

	msg, err := signing.ParseDeliveryMessage(req.SignedMessage)
	if err != nil {
		return nil, err
	}
	if !msg.HasTimestamp() {
		return nil, types.NewError(types.ErrMalformedMessage, "signed message has no timestamp")
	}
	if err := p.checkFreshness(msg.Timestamp, now); err != nil {
		return nil, err
	}

	if msg.Nonce == "" {
		return nil, types.NewError(types.ErrMalformedMessage, "signed message has no nonce")
	}
	if p.nonces.Seen(req.OrderID, msg.Nonce) {
		return nil, types.Errorf(types.ErrDuplicateNonce, "nonce already used for order %s", req.OrderID)
	}

	order, err := p.store.Get(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order.Status != types.StatusQuoted {
		return nil, types.Errorf(types.ErrInvalidOrderStatus, "order %s is %s, expected quoted", order.ID, order.Status)
	}

	if msg.OrderID != req.OrderID {
		return nil, types.Errorf(types.ErrMessageMismatch, "signed message is for order %q, not %q", msg.OrderID, req.OrderID)
	}
	if msg.TxHash != "" && !strings.EqualFold(msg.TxHash, req.PaymentProof.TxHash) {
		return nil, types.NewError(types.ErrMessageMismatch, "signed message names a different payment")
	}

	if req.PaymentProof.Network != order.Network {
		return nil, types.Errorf(types.ErrNetworkMismatch, "payment on %s, order expects %s", req.PaymentProof.Network, order.Network)
	}

	verified, err := p.verifyPayment(ctx, order.Network, req.PaymentProof.TxHash, ledger.ExpectedTransfer{
		From:   req.PaymentProof.FromAddress,
		To:     order.PaymentAddress,
		Amount: order.PriceUSDC,
	})
	if err != nil {
		return nil, types.WrapOp("verify", err)
	}
	if !verified {
		return nil, types.Errorf(types.ErrPaymentNotVerified, "payment %s does not match order %s", req.PaymentProof.TxHash, order.ID)
	}

	if !signing.Verify(req.SignedMessage, req.Signature, order.ClientAddress) {
		return nil, types.NewError(types.ErrSignatureInvalid, "signature does not match the ordering client")
	}

	if !p.nonces.Register(req.OrderID, msg.Nonce) {
		return nil, types.Errorf(types.ErrDuplicateNonce, "nonce already used for order %s", req.OrderID)
	}

	_, err = p.store.Update(ctx, order.ID, func(o *types.Order) error {
		if o.Status != types.StatusQuoted {
			return types.Errorf(types.ErrInvalidOrderStatus, "order %s is %s, expected quoted", o.ID, o.Status)
		}
		o.TxHash = req.PaymentProof.TxHash
		o.Signature = req.Signature
		o.SignedMessage = req.SignedMessage
		o.DeliveryEndpoint = req.DeliveryEndpoint
		return o.Transition(types.StatusPaid, now)
	})
	if err != nil {
		// the payment was never recorded, so the client may retry with the same nonce
		p.nonces.Release(req.OrderID, msg.Nonce)
		return nil, err
	}

	p.logger.Info("payment accepted", map[string]any{
		"order_id": order.ID,
		"tx_hash":  req.PaymentProof.TxHash,
		"network":  order.Network.String(),
	})

	p.wg.Add(1)
	go p.fulfill(order.ID)

	resp := &types.DeliveryAccepted{
		OrderID: order.ID,
		Status:  "accepted",
		Message: fmt.Sprintf("Delivery accepted for order %s", order.ID),
	}
	if p.supportsStream() {
		resp.StreamURL = strings.TrimRight(p.cfg.PublicURL, "/") + "/ivxp/stream/" + order.ID
	}
	return resp, nil
}

// verifyPayment checks the payment on chain. Verifiers that can retry get a
// few extra attempts for RPC failures before the client sees an error.
func (p *Provider) verifyPayment(ctx context.Context, network types.Network, txHash string, expected ledger.ExpectedTransfer) (bool, error) {
	if rv, ok := p.verifier.(verification.RetryingVerifier); ok {
		return rv.VerifyWithRetry(ctx, network, txHash, expected, verifyRetries, p.retryBackoff)
	}
	return p.verifier.Verify(ctx, network, txHash, expected)
}

// checkFreshness accepts timestamps at most the freshness window away from
// now, in either direction.
func (p *Provider) checkFreshness(ts, now time.Time) error {
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > p.cfg.FreshnessWindow() {
		return types.Errorf(types.ErrStaleTimestamp, "signed message timestamp %s is outside the %s window",
			ts.Format(time.RFC3339Nano), p.cfg.FreshnessWindow())
	}
	return nil
}

func (p *Provider) HandleStatus(ctx context.Context, orderID string) (*types.OrderStatusResponse, error) {
	order, err := p.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return order.StatusResponse(), nil
}

// HandleDownload returns the deliverable of a delivered or confirmed order,
// and of a failed order whose content was kept. Orders still in progress
// yield NOT_READY carrying a PendingResponse.
func (p *Provider) HandleDownload(ctx context.Context, orderID string) (*types.DownloadResponse, error) {
	order, err := p.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	switch {
	case order.Status == types.StatusDelivered, order.Status == types.StatusConfirmed,
		order.Status == types.StatusDeliveryFailed && order.HasDeliverable():
		return &types.DownloadResponse{
			OrderID:     order.ID,
			Content:     order.Content,
			ContentType: order.ContentType,
			ContentHash: order.ContentHash,
		}, nil
	case order.Status == types.StatusQuoted:
		return nil, notReady(order.ID, "pending_payment", "Awaiting payment for order "+order.ID)
	case order.Status == types.StatusPaid, order.Status == types.StatusProcessing:
		return nil, notReady(order.ID, "processing", "Order "+order.ID+" is being processed")
	}
	return nil, types.Errorf(types.ErrNotReady, "order %s has no deliverable", order.ID)
}

func notReady(orderID, status, message string) error {
	e := types.Errorf(types.ErrNotReady, "order %s is not ready: %s", orderID, status)
	e.Data = &types.PendingResponse{Status: status, Message: message}
	return e
}

// HandleConfirm records the client's signed acknowledgement of a delivery.
func (p *Provider) HandleConfirm(ctx context.Context, orderID string, conf *types.DeliveryConfirmation) (*types.ConfirmationAck, error) {
	if err := conf.Check(types.MessageDeliveryConfirmation); err != nil {
		return nil, err
	}
	if err := utils.ValidateStruct(conf); err != nil {
		return nil, err
	}
	if conf.OrderID != orderID {
		return nil, types.Errorf(types.ErrMessageMismatch, "confirmation is for order %q, not %q", conf.OrderID, orderID)
	}

	msgOrder, msgHash, ts, err := signing.ParseConfirmationMessage(conf.SignedMessage)
	if err != nil {
		return nil, err
	}
	now := p.now()
	if err := p.checkFreshness(ts, now); err != nil {
		return nil, err
	}
	if msgOrder != orderID || !strings.EqualFold(msgHash, conf.ContentHash) {
		return nil, types.NewError(types.ErrMessageMismatch, "signed confirmation does not match the request")
	}

	order, err := p.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != types.StatusDelivered {
		return nil, types.Errorf(types.ErrInvalidOrderStatus, "order %s is %s, expected delivered", order.ID, order.Status)
	}
	if !strings.EqualFold(strings.TrimPrefix(conf.ContentHash, "0x"), order.ContentHash) {
		return nil, types.Errorf(types.ErrContentHashMismatch, "content hash does not match order %s", order.ID)
	}
	if !signing.Verify(conf.SignedMessage, conf.Signature, order.ClientAddress) {
		return nil, types.NewError(types.ErrSignatureInvalid, "confirmation signature does not match the ordering client")
	}

	updated, err := p.store.Update(ctx, orderID, func(o *types.Order) error {
		return o.Transition(types.StatusConfirmed, now)
	})
	if err != nil {
		if types.CodeOf(err) == types.ErrInvalidTransition {
			return nil, types.WrapError(types.ErrInvalidOrderStatus, "order changed concurrently", err)
		}
		return nil, err
	}

	p.count("confirm", "confirmed")
	return &types.ConfirmationAck{
		OrderID:     updated.ID,
		Status:      updated.Status,
		ConfirmedAt: now,
	}, nil
}

// Start runs background maintenance until ctx ends or the provider closes.
func (p *Provider) Start(ctx context.Context) {
	interval := p.cfg.FreshnessWindow()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.ctx.Done():
				return
			case <-t.C:
				p.SweepNonces()
			}
		}
	}()
}

// SweepNonces evicts nonces of orders resolved longer ago than the
// retention period.
func (p *Provider) SweepNonces() int {
	n := p.nonces.Sweep(p.now(), p.cfg.NonceRetention())
	if n > 0 {
		p.logger.Debug("evicted nonces", map[string]any{"orders": n})
	}
	return n
}

// Close stops fulfillment, waits for running work and closes the store.
func (p *Provider) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
		err = p.store.Close()
	})
	return err
}

func (p *Provider) count(event, outcome string) {
	p.metrics.IncCounter(event, map[string]string{metrics.LabelOutcome: outcome})
}
