// Package chain talks to the energy trading contract: it decodes contract
// logs and signs circuit breaker state changes with the operator key.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jonboulle/clockwork"

	"github.com/mbd888/tradeguard/internal/circuitbreaker"
	"github.com/mbd888/tradeguard/internal/retry"
	"github.com/mbd888/tradeguard/internal/traces"
)

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrInvalidAddress    = errors.New("chain: invalid contract address")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
	ErrTransactionFailed = errors.New("chain: transaction reverted")
	ErrTimeout           = errors.New("chain: operation timed out")
	ErrReadOnly          = errors.New("chain: no operator key configured")
)

// TxError wraps a failed contract transaction with the step that failed.
type TxError struct {
	Op     string // Step that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *TxError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

const (
	// DefaultGasLimit is used when gas estimation fails.
	DefaultGasLimit = uint64(200000)

	// ReceiptPollInterval between receipt checks.
	ReceiptPollInterval = 2 * time.Second

	sendAttempts  = 3
	sendBaseDelay = 500 * time.Millisecond
)

// Config for connecting to the contract.
type Config struct {
	RPCURL          string
	ContractAddress string
	PrivateKey      string // Hex string, optional 0x prefix. Empty means read-only.
	ChainID         int64
	Decimals        int32
}

// Option configures the contract client.
type Option func(*Contract)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) Option {
	return func(c *Contract) { c.client = client }
}

// WithClock sets the clock used while polling for receipts.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Contract) { c.clock = clock }
}

// Contract is a client for the energy trading contract. It implements
// circuitbreaker.Ledger and circuitbreaker.LedgerReader.
type Contract struct {
	client     EthClient
	address    common.Address
	privateKey *ecdsa.PrivateKey
	operator   common.Address
	chainID    *big.Int
	decimals   int32
	abi        abi.ABI
	clock      clockwork.Clock
}

var (
	_ circuitbreaker.Ledger       = (*Contract)(nil)
	_ circuitbreaker.LedgerReader = (*Contract)(nil)
)

// New creates a contract client. Without a private key the client can read
// and decode but every RequestState fails with ErrReadOnly.
func New(cfg Config, opts ...Option) (*Contract, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, cfg.ContractAddress)
	}
	parsed, err := ContractABI()
	if err != nil {
		return nil, err
	}

	c := &Contract{
		address:  common.HexToAddress(cfg.ContractAddress),
		chainID:  big.NewInt(cfg.ChainID),
		decimals: cfg.Decimals,
		abi:      parsed,
		clock:    clockwork.NewRealClock(),
	}
	if c.decimals == 0 {
		c.decimals = DefaultDecimals
	}

	if cfg.PrivateKey != "" {
		key := strings.TrimPrefix(cfg.PrivateKey, "0x")
		if len(key) != 64 {
			return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
		}
		pk, err := crypto.HexToECDSA(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
		}
		c.privateKey = pk
		c.operator = crypto.PubkeyToAddress(pk.PublicKey)
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.client = client
	}
	return c, nil
}

// Client returns the underlying Ethereum client.
func (c *Contract) Client() EthClient { return c.client }

// Address returns the contract address.
func (c *Contract) Address() common.Address { return c.address }

// Operator returns the signing address, or the zero address when read-only.
func (c *Contract) Operator() string {
	if c.privateKey == nil {
		return ""
	}
	return c.operator.Hex()
}

// Decimals returns the token precision used for conversions.
func (c *Contract) Decimals() int32 { return c.decimals }

// RequestState calls triggerCircuitBreaker and waits for the receipt. It
// returns the transaction hash once the transaction is mined successfully.
func (c *Contract) RequestState(ctx context.Context, state circuitbreaker.State, reason string) (string, error) {
	ctx, span := traces.StartSpan(ctx, "chain.RequestState", traces.BreakerState(state.String()))
	defer span.End()

	if c.privateKey == nil {
		return "", ErrReadOnly
	}

	data, err := c.abi.Pack(methodTriggerCircuitBreaker, uint8(state), reason)
	if err != nil {
		return "", &TxError{Op: "pack", Err: err}
	}

	var signed *types.Transaction
	err = retry.Do(ctx, sendAttempts, sendBaseDelay, func() error {
		signed, err = c.sendTx(ctx, data)
		return err
	})
	if err != nil {
		return "", err
	}

	txHash := signed.Hash().Hex()
	if _, err := c.WaitForReceipt(ctx, txHash); err != nil {
		return txHash, err
	}
	return txHash, nil
}

// sendTx builds, signs and sends one transaction. Signing failures are
// permanent; RPC failures are retried by the caller.
func (c *Contract) sendTx(ctx context.Context, data []byte) (*types.Transaction, error) {
	nonce, err := c.client.PendingNonceAt(ctx, c.operator)
	if err != nil {
		return nil, &TxError{Op: "nonce", Err: err}
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &TxError{Op: "gas_price", Err: err}
	}

	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.operator,
		To:    &c.address,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// A failing estimate usually means the call would revert.
		return nil, retry.Permanent(&TxError{Op: "estimate_gas", Err: err})
	}
	if gasLimit == 0 {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, c.address, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return nil, retry.Permanent(&TxError{Op: "sign", Err: err})
	}

	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return nil, &TxError{Op: "send", TxHash: signed.Hash().Hex(), Err: err}
	}
	return signed, nil
}

// WaitForReceipt polls until the transaction is mined or ctx is done.
func (c *Contract) WaitForReceipt(ctx context.Context, txHash string) (*types.Receipt, error) {
	hash := common.HexToHash(txHash)
	ticker := c.clock.NewTicker(ReceiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return nil, &TxError{Op: "confirm", TxHash: txHash, Err: ErrTransactionFailed}
			}
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &TxError{Op: "confirm", TxHash: txHash, Err: ErrTimeout}
			}
			return nil, ctx.Err()
		case <-ticker.Chan():
		}
	}
}

// LedgerStatus reads getContractState.
func (c *Contract) LedgerStatus(ctx context.Context) (*circuitbreaker.LedgerStatus, error) {
	data, err := c.abi.Pack(methodGetContractState)
	if err != nil {
		return nil, err
	}
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call getContractState: %w", err)
	}
	vals, err := c.abi.Unpack(methodGetContractState, out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack getContractState: %w", err)
	}
	if len(vals) != 4 {
		return nil, fmt.Errorf("getContractState returned %d values", len(vals))
	}

	state, _ := vals[0].(uint8)
	return &circuitbreaker.LedgerStatus{
		State:           circuitbreaker.State(state),
		TotalSupply:     ToDecimal(bigInt(vals[1]), c.decimals).String(),
		DailyVolume:     ToDecimal(bigInt(vals[2]), c.decimals).String(),
		LastVolumeReset: unixTime(vals[3]),
	}, nil
}

// Close closes the client connection.
func (c *Contract) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}
