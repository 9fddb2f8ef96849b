// Package verification routes payment proofs to the ledger of their network.
package verification

import (
	"context"
	"sync"
	"time"

	"github.com/vitwit/ivxp/ledger"
	"github.com/vitwit/ivxp/types"
	"github.com/vitwit/ivxp/utils"
)

// Verifier checks that a transaction on network paid the expected transfer.
type Verifier interface {
	Verify(ctx context.Context, network types.Network, txHash string, expected ledger.ExpectedTransfer) (bool, error)
}

// RetryingVerifier is a Verifier that can retry transient ledger failures.
type RetryingVerifier interface {
	Verifier
	VerifyWithRetry(ctx context.Context, network types.Network, txHash string, expected ledger.ExpectedTransfer, maxRetries int, retryDelay time.Duration) (bool, error)
}

// VerificationService manages payment verification across networks.
type VerificationService struct {
	mu      sync.RWMutex
	ledgers map[types.Network]ledger.PaymentService
	timeout time.Duration
}

var _ RetryingVerifier = (*VerificationService)(nil)

// NewVerificationService creates a service whose ledger calls are bounded by timeout.
func NewVerificationService(timeout time.Duration) *VerificationService {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &VerificationService{
		ledgers: make(map[types.Network]ledger.PaymentService),
		timeout: timeout,
	}
}

// AddLedger registers the ledger used for network.
func (s *VerificationService) AddLedger(network types.Network, svc ledger.PaymentService) error {
	if !network.IsKnown() {
		return types.Errorf(types.ErrConfigError, "unsupported network: %s", network)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledgers[network] = svc
	return nil
}

// Verify verifies a payment on network. Malformed hashes or addresses are
// reported as not verified rather than as errors.
func (s *VerificationService) Verify(
	ctx context.Context,
	network types.Network,
	txHash string,
	expected ledger.ExpectedTransfer,
) (bool, error) {
	svc, err := s.ledgerFor(network)
	if err != nil {
		return false, err
	}
	if err := s.QuickVerify(network, txHash, expected); err != nil {
		return false, nil
	}

	verifyCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ok, err := svc.Verify(verifyCtx, txHash, expected)
	if err != nil {
		return false, types.WrapOp("verify", err)
	}
	return ok, nil
}

// VerifyWithRetry retries Verify on retryable errors.
func (s *VerificationService) VerifyWithRetry(
	ctx context.Context,
	network types.Network,
	txHash string,
	expected ledger.ExpectedTransfer,
	maxRetries int,
	retryDelay time.Duration,
) (bool, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false, types.WrapOp("verify", ctx.Err())
			case <-time.After(retryDelay):
			}
		}

		ok, err := s.Verify(ctx, network, txHash, expected)
		if err == nil {
			return ok, nil
		}
		lastErr = err
		if !types.IsRetryable(err) {
			return false, err
		}
	}

	return false, lastErr
}

// BatchVerify verifies several payments on the same network. Every item
// gets an outcome at its own index.
func (s *VerificationService) BatchVerify(ctx context.Context, network types.Network, items []ledger.VerifyItem) ([]ledger.VerifyOutcome, error) {
	svc, err := s.ledgerFor(network)
	if err != nil {
		return nil, err
	}

	verifyCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return ledger.BatchVerify(verifyCtx, svc, items), nil
}

// QuickVerify performs the format checks that need no chain access.
func (s *VerificationService) QuickVerify(network types.Network, txHash string, expected ledger.ExpectedTransfer) error {
	if !s.IsNetworkSupported(network) {
		return types.Errorf(types.ErrNetworkMismatch, "network %s is not supported", network)
	}
	if err := utils.ValidateTransactionHash(txHash); err != nil {
		return types.WrapError(types.ErrInvalidRequest, "invalid tx hash", err)
	}
	if err := utils.ValidateAddress(expected.To); err != nil {
		return types.WrapError(types.ErrInvalidRequest, "invalid recipient", err)
	}
	if expected.From != "" {
		if err := utils.ValidateAddress(expected.From); err != nil {
			return types.WrapError(types.ErrInvalidRequest, "invalid sender", err)
		}
	}
	if !expected.Amount.IsPositive() {
		return types.NewError(types.ErrInvalidRequest, "expected amount must be positive")
	}
	return nil
}

// GetSupportedNetworks returns all networks with a configured ledger.
func (s *VerificationService) GetSupportedNetworks() []types.Network {
	s.mu.RLock()
	defer s.mu.RUnlock()

	networks := make([]types.Network, 0, len(s.ledgers))
	for network := range s.ledgers {
		networks = append(networks, network)
	}
	return networks
}

func (s *VerificationService) IsNetworkSupported(network types.Network) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ledgers[network]
	return ok
}

// Close closes every ledger holding a connection.
func (s *VerificationService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, svc := range s.ledgers {
		if c, ok := svc.(interface{ Close() }); ok {
			c.Close()
		}
	}
}

func (s *VerificationService) ledgerFor(network types.Network) (ledger.PaymentService, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.ledgers[network]
	if !ok {
		return nil, types.Errorf(types.ErrNetworkMismatch, "no ledger configured for network %s", network)
	}
	return svc, nil
}
