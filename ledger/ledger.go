// Package ledger is the boundary to the chain: it sends stablecoin transfers
// and verifies that a transaction moved the expected amount between the
// expected parties.
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// ExpectedTransfer describes the transfer a transaction must contain.
type ExpectedTransfer struct {
	From   string
	To     string
	Amount decimal.Decimal
}

// PaymentService is the ledger capability the protocol engine depends on.
type PaymentService interface {
	// Send transfers amount (USDC) to toAddress and returns the tx hash.
	Send(ctx context.Context, toAddress string, amount decimal.Decimal) (string, error)

	// Verify reports whether txHash moved exactly the expected amount.
	Verify(ctx context.Context, txHash string, expected ExpectedTransfer) (bool, error)

	// Balance returns the token balance of address as a decimal string.
	Balance(ctx context.Context, address string) (string, error)
}

// VerifyItem is one entry of a batch verification.
type VerifyItem struct {
	TxHash   string
	Expected ExpectedTransfer
}

// VerifyOutcome is the settled result of one batch entry.
type VerifyOutcome struct {
	TxHash string
	Valid  bool
	Err    error
}

// BatchVerify verifies every item concurrently. Each item yields an outcome at
// its own index whether or not others fail.
func BatchVerify(ctx context.Context, svc PaymentService, items []VerifyItem) []VerifyOutcome {
	outcomes := make([]VerifyOutcome, len(items))

	type verificationResult struct {
		index   int
		outcome VerifyOutcome
	}

	resultChan := make(chan verificationResult, len(items))

	for i, item := range items {
		go func(index int, it VerifyItem) {
			valid, err := svc.Verify(ctx, it.TxHash, it.Expected)
			resultChan <- verificationResult{
				index:   index,
				outcome: VerifyOutcome{TxHash: it.TxHash, Valid: valid, Err: err},
			}
		}(i, item)
	}

	for range items {
		res := <-resultChan
		outcomes[res.index] = res.outcome
	}

	return outcomes
}
