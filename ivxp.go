// Package ivxp implements the IVXP/1.0 agent commerce protocol: a client
// agent discovers a provider's catalog, gets a quote, pays in USDC on an EVM
// chain, proves payment with a signed message and downloads the deliverable.
package ivxp

import (
	"net/http"
	"time"

	"github.com/vitwit/ivxp/client"
	"github.com/vitwit/ivxp/ledger"
	"github.com/vitwit/ivxp/logger"
	"github.com/vitwit/ivxp/metrics"
	"github.com/vitwit/ivxp/provider"
	"github.com/vitwit/ivxp/registry"
	"github.com/vitwit/ivxp/signing"
	"github.com/vitwit/ivxp/transport"
	"github.com/vitwit/ivxp/types"
	"github.com/vitwit/ivxp/verification"
)

const (
	// Version of this library.
	Version = "0.1.0"

	// ProtocolVersion is the wire protocol tag.
	ProtocolVersion = types.ProtocolVersion
)

// IVXP holds the shared settings the clients and providers it builds use.
type IVXP struct {
	logger     logger.Logger
	metrics    metrics.Recorder
	timeout    time.Duration
	httpClient *http.Client
}

// New creates an IVXP instance.
func New(opts ...Option) *IVXP {
	x := &IVXP{
		timeout: transport.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(x)
	}
	x.logger = logger.OrNoop(x.logger)
	x.metrics = metrics.OrNoop(x.metrics)
	if x.httpClient == nil {
		x.httpClient = &http.Client{}
	}
	return x
}

// Transport returns an HTTP transport sharing x's settings.
func (x *IVXP) Transport() *transport.Client {
	return transport.NewClient(
		transport.WithHTTPClient(x.httpClient),
		transport.WithTimeout(x.timeout),
		transport.WithLogger(x.logger),
		transport.WithMetrics(x.metrics),
	)
}

// NewClient creates a client agent. Options given here win over x's.
func (x *IVXP) NewClient(cfg types.ClientConfig, signer signing.Signer, payments ledger.PaymentService, opts ...client.Option) (*client.Client, error) {
	base := []client.Option{
		client.WithTransport(x.Transport()),
		client.WithLogger(x.logger),
		client.WithMetrics(x.metrics),
	}
	return client.New(cfg, signer, payments, append(base, opts...)...)
}

// NewVerifier routes payment verification to one ledger per network.
func (x *IVXP) NewVerifier(ledgers map[types.Network]ledger.PaymentService) (*verification.VerificationService, error) {
	svc := verification.NewVerificationService(x.timeout)
	for network, l := range ledgers {
		if err := svc.AddLedger(network, l); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// NewProvider creates a provider. Options given here win over x's.
func (x *IVXP) NewProvider(cfg types.ProviderConfig, verifier verification.Verifier, opts ...provider.Option) (*provider.Provider, error) {
	base := []provider.Option{
		provider.WithLogger(x.logger),
		provider.WithMetrics(x.metrics),
		provider.WithHTTPClient(x.httpClient),
	}
	return provider.New(cfg, verifier, append(base, opts...)...)
}

// NewHealthChecker checks providers through x's transport.
func (x *IVXP) NewHealthChecker(opts ...registry.Option) *registry.Checker {
	base := []registry.Option{
		registry.WithLogger(x.logger),
		registry.WithMetrics(x.metrics),
		registry.WithTimeout(x.timeout),
	}
	return registry.NewChecker(x.Transport(), append(base, opts...)...)
}
