package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vitwit/ivxp/types"
)

type memoryTransfer struct {
	from   string
	to     string
	amount decimal.Decimal
}

// MemoryChain is an in-process token ledger shared by several accounts. It is
// used for local development and tests.
type MemoryChain struct {
	mu        sync.RWMutex
	balances  map[string]decimal.Decimal
	transfers map[string]memoryTransfer
}

func NewMemoryChain() *MemoryChain {
	return &MemoryChain{
		balances:  make(map[string]decimal.Decimal),
		transfers: make(map[string]memoryTransfer),
	}
}

// Mint credits address with amount.
func (c *MemoryChain) Mint(address string, amount decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := strings.ToLower(address)
	c.balances[key] = c.balances[key].Add(amount)
}

// Account returns a PaymentService that sends from address.
func (c *MemoryChain) Account(address string) *MemoryLedger {
	return &MemoryLedger{chain: c, from: address}
}

func (c *MemoryChain) transfer(from, to string, amount decimal.Decimal) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fromKey, toKey := strings.ToLower(from), strings.ToLower(to)
	if c.balances[fromKey].LessThan(amount) {
		return "", types.Errorf(types.ErrInsufficientBalance,
			"insufficient balance: %s has %s, needs %s", from, c.balances[fromKey], amount)
	}

	c.balances[fromKey] = c.balances[fromKey].Sub(amount)
	c.balances[toKey] = c.balances[toKey].Add(amount)

	hash := crypto.Keccak256Hash([]byte(uuid.NewString())).Hex()
	c.transfers[hash] = memoryTransfer{from: fromKey, to: toKey, amount: amount}
	return hash, nil
}

// MemoryLedger is one account's view of a MemoryChain.
type MemoryLedger struct {
	chain *MemoryChain
	from  string

	sendCalls   atomic.Int64
	verifyCalls atomic.Int64
}

var _ PaymentService = (*MemoryLedger)(nil)

func (l *MemoryLedger) Send(ctx context.Context, toAddress string, amount decimal.Decimal) (string, error) {
	l.sendCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !amount.IsPositive() {
		return "", types.Errorf(types.ErrPaymentFailed, "amount must be positive, got %s", amount)
	}
	return l.chain.transfer(l.from, toAddress, amount)
}

func (l *MemoryLedger) Verify(ctx context.Context, txHash string, expected ExpectedTransfer) (bool, error) {
	l.verifyCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return false, err
	}

	l.chain.mu.RLock()
	t, ok := l.chain.transfers[strings.ToLower(txHash)]
	l.chain.mu.RUnlock()
	if !ok {
		return false, nil
	}

	if expected.From != "" && !strings.EqualFold(t.from, expected.From) {
		return false, nil
	}
	return strings.EqualFold(t.to, expected.To) && t.amount.Equal(expected.Amount), nil
}

func (l *MemoryLedger) Balance(ctx context.Context, address string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.chain.mu.RLock()
	defer l.chain.mu.RUnlock()
	return l.chain.balances[strings.ToLower(address)].String(), nil
}

// SendCalls returns how many times Send was invoked.
func (l *MemoryLedger) SendCalls() int64 {
	return l.sendCalls.Load()
}

// VerifyCalls returns how many times Verify was invoked.
func (l *MemoryLedger) VerifyCalls() int64 {
	return l.verifyCalls.Load()
}

func (l *MemoryLedger) String() string {
	return fmt.Sprintf("memory-ledger(%s)", l.from)
}
