package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"github.com/vitwit/ivxp/logger"
	"github.com/vitwit/ivxp/types"
	"github.com/vitwit/ivxp/utils"
)

// EVMConfig configures an EVMLedger.
type EVMConfig struct {
	RPCURL        string
	TokenContract string
	Network       types.Network

	// Token decimals; defaults to USDC's 6.
	Decimals int

	// How often to poll for a receipt after sending, and for how long.
	ReceiptPollInterval time.Duration
	ReceiptTimeout      time.Duration
}

// EVMLedger moves and verifies ERC-20 stablecoin transfers over JSON-RPC.
type EVMLedger struct {
	client  *ethclient.Client
	network types.Network
	token   common.Address
	cfg     EVMConfig
	logger  logger.Logger

	// nil for verify-only ledgers
	key  *ecdsa.PrivateKey
	from common.Address
}

var _ PaymentService = (*EVMLedger)(nil)

// NewEVMLedger dials rpcURL. key may be nil when the ledger only verifies.
func NewEVMLedger(cfg EVMConfig, key *ecdsa.PrivateKey, log logger.Logger) (*EVMLedger, error) {
	if cfg.TokenContract == "" {
		cfg.TokenContract = types.USDCContracts[cfg.Network]
	}
	if err := utils.ValidateAddress(cfg.TokenContract); err != nil {
		return nil, types.WrapError(types.ErrConfigError, "token contract", err)
	}
	if cfg.Decimals == 0 {
		cfg.Decimals = types.USDCDecimals
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = 2 * time.Second
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}
	if log == nil {
		log = logger.NoopLogger{}
	}

	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ethereum RPC: %w", err)
	}

	l := &EVMLedger{
		client:  client,
		network: cfg.Network,
		token:   common.HexToAddress(cfg.TokenContract),
		cfg:     cfg,
		logger:  log.Named("ledger"),
		key:     key,
	}
	if key != nil {
		l.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return l, nil
}

// Send submits an ERC-20 transfer and waits until it is mined.
func (l *EVMLedger) Send(ctx context.Context, toAddress string, amount decimal.Decimal) (string, error) {
	if l.key == nil {
		return "", types.NewError(types.ErrConfigError, "ledger has no signing key")
	}
	if err := utils.ValidateAddress(toAddress); err != nil {
		return "", types.WrapError(types.ErrPaymentFailed, "invalid recipient", err)
	}
	if !amount.IsPositive() {
		return "", types.Errorf(types.ErrPaymentFailed, "amount must be positive, got %s", amount)
	}

	value := utils.ToBaseUnits(amount, l.cfg.Decimals)
	balance, err := l.balanceOf(ctx, l.from)
	if err != nil {
		return "", err
	}
	if balance.Cmp(value) < 0 {
		return "", types.Errorf(types.ErrInsufficientBalance, "insufficient balance: have %s, need %s",
			utils.FormatAmountFromBigInt(balance, l.cfg.Decimals), amount)
	}

	data, err := tokenABI.Pack("transfer", common.HexToAddress(toAddress), value)
	if err != nil {
		return "", fmt.Errorf("failed to pack transfer: %w", err)
	}

	nonce, err := l.client.PendingNonceAt(ctx, l.from)
	if err != nil {
		return "", types.WrapError(types.ErrServiceUnavailable, "failed to fetch nonce", err)
	}
	gasPrice, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", types.WrapError(types.ErrServiceUnavailable, "failed to fetch gas price", err)
	}
	gas, err := l.client.EstimateGas(ctx, ethereum.CallMsg{From: l.from, To: &l.token, Data: data})
	if err != nil {
		return "", types.WrapError(types.ErrPaymentFailed, "transfer would revert", err)
	}
	chainID, err := l.client.ChainID(ctx)
	if err != nil {
		return "", types.WrapError(types.ErrServiceUnavailable, "failed to fetch chain id", err)
	}

	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &l.token,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(chainID), l.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign transfer: %w", err)
	}
	if err := l.client.SendTransaction(ctx, signed); err != nil {
		return "", types.WrapError(types.ErrPaymentFailed, "failed to broadcast transfer", err)
	}

	hash := signed.Hash()
	l.logger.Info("transfer broadcast", map[string]any{
		"tx_hash": hash.Hex(),
		"to":      toAddress,
		"amount":  amount.String(),
		"network": l.network.String(),
	})

	receipt, err := l.waitReceipt(ctx, hash)
	if err != nil {
		return hash.Hex(), err
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return hash.Hex(), types.Errorf(types.ErrPaymentFailed, "transfer %s reverted", hash.Hex())
	}
	return hash.Hex(), nil
}

func (l *EVMLedger) waitReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ReceiptTimeout)
	defer cancel()

	for {
		receipt, err := l.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, types.WrapError(types.ErrServiceUnavailable, "failed to fetch receipt", err)
		}

		select {
		case <-ctx.Done():
			return nil, types.WrapError(types.ErrTimeout, "transfer "+hash.Hex()+" not mined", ctx.Err())
		case <-time.After(l.cfg.ReceiptPollInterval):
		}
	}
}

// Verify checks the receipt of txHash for a successful Transfer event of the
// configured token matching expected.
func (l *EVMLedger) Verify(ctx context.Context, txHash string, expected ExpectedTransfer) (bool, error) {
	if err := utils.ValidateTransactionHash(txHash); err != nil {
		return false, nil
	}
	if err := utils.ValidateAddress(expected.To); err != nil {
		return false, nil
	}

	receipt, err := l.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, types.WrapError(types.ErrServiceUnavailable, "failed to fetch receipt", err)
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return false, nil
	}

	value := utils.ToBaseUnits(expected.Amount, l.cfg.Decimals)
	transfers := DecodeTransfers(l.token, receipt.Logs)
	return MatchTransfer(transfers, expected.From, common.HexToAddress(expected.To), value), nil
}

func (l *EVMLedger) Balance(ctx context.Context, address string) (string, error) {
	if err := utils.ValidateAddress(address); err != nil {
		return "", types.WrapError(types.ErrInvalidRequest, "invalid address", err)
	}
	bal, err := l.balanceOf(ctx, common.HexToAddress(address))
	if err != nil {
		return "", err
	}
	return utils.FormatAmountFromBigInt(bal, l.cfg.Decimals), nil
}

func (l *EVMLedger) balanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	data, err := tokenABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf: %w", err)
	}

	out, err := l.client.CallContract(ctx, ethereum.CallMsg{To: &l.token, Data: data}, nil)
	if err != nil {
		return nil, types.WrapError(types.ErrServiceUnavailable, "balanceOf call failed", err)
	}

	vals, err := tokenABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("failed to decode balanceOf: %w", err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("balanceOf returned %d values", len(vals))
	}
	bal, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result %T", vals[0])
	}
	return bal, nil
}

// Close closes the RPC connection.
func (l *EVMLedger) Close() {
	l.client.Close()
}
