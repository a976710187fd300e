// Package evm reads balances and transactions from EVM JSON-RPC endpoints
// through go-ethereum's ethclient.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/emperorhan/wallet-monitor/internal/chain/ratelimit"
	"github.com/emperorhan/wallet-monitor/internal/circuitbreaker"
	"github.com/emperorhan/wallet-monitor/internal/domain/model"
	"github.com/emperorhan/wallet-monitor/internal/retry"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

const erc20ABIJSON = `[
	{
		"constant": true,
		"inputs": [{"name": "_owner", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"name": "balance", "type": "uint256"}],
		"type": "function"
	}
]`

var erc20ABI = mustParseABI(erc20ABIJSON)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse erc20 abi: %v", err))
	}
	return parsed
}

// Backend is the subset of *ethclient.Client the reader uses.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

type Options struct {
	RPS         float64
	Burst       int
	Breaker     circuitbreaker.Config
	RetryPolicy retry.Policy
}

// Reader implements chain.BalanceReader for one EVM chain. Every call is
// rate limited, guarded by a circuit breaker and retried when transient.
type Reader struct {
	chainID model.ChainID
	backend Backend
	limiter *ratelimit.Limiter
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
	logger  *slog.Logger
	closeFn func()
}

// Dial connects to rpcURL and checks that the endpoint serves chainID.
func Dial(ctx context.Context, rpcURL string, chainID model.ChainID, opts Options, logger *slog.Logger) (*Reader, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s rpc: %w", chainID.Name(), err)
	}

	remote, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("get %s chain id: %w", chainID.Name(), err)
	}
	if remote.Int64() != int64(chainID) {
		client.Close()
		return nil, fmt.Errorf("rpc for %s reports chain id %s", chainID.Name(), remote)
	}

	r := NewReader(client, chainID, opts, logger)
	r.closeFn = client.Close
	return r, nil
}

func NewReader(backend Backend, chainID model.ChainID, opts Options, logger *slog.Logger) *Reader {
	if opts.Breaker.Name == "" {
		opts.Breaker.Name = chainID.String()
	}
	if opts.RetryPolicy.MaxAttempts == 0 {
		opts.RetryPolicy = retry.DefaultPolicy
	}
	return &Reader{
		chainID: chainID,
		backend: backend,
		limiter: ratelimit.NewLimiter(opts.RPS, opts.Burst, chainID),
		breaker: circuitbreaker.New(opts.Breaker),
		policy:  opts.RetryPolicy,
		logger:  logger.With("component", "evm_reader", "chain_id", chainID),
	}
}

func (r *Reader) ChainID() model.ChainID { return r.chainID }

func (r *Reader) Close() {
	if r.closeFn != nil {
		r.closeFn()
	}
}

// GetBalance returns the balance of token held by wallet, scaled by the
// token's decimals (18 when unknown).
func (r *Reader) GetBalance(ctx context.Context, wallet string, token model.TokenInfo) (string, error) {
	if token.ChainID != r.chainID {
		return "", fmt.Errorf("token %s is on chain %s, reader serves %s", token.Symbol, token.ChainID, r.chainID)
	}
	if !common.IsHexAddress(wallet) {
		return "", fmt.Errorf("invalid wallet address %q", wallet)
	}
	owner := common.HexToAddress(wallet)

	var raw *big.Int
	if token.IsNative() {
		err := r.call(ctx, "eth_getBalance", func(ctx context.Context) error {
			var err error
			raw, err = r.backend.BalanceAt(ctx, owner, nil)
			return err
		})
		if err != nil {
			return "", fmt.Errorf("get native balance: %w", err)
		}
	} else {
		if !common.IsHexAddress(*token.Address) {
			return "", fmt.Errorf("invalid token address %q", *token.Address)
		}
		var err error
		raw, err = r.erc20Balance(ctx, owner, common.HexToAddress(*token.Address))
		if err != nil {
			return "", fmt.Errorf("get %s balance: %w", token.Symbol, err)
		}
	}

	return FormatUnits(raw, token.EffectiveDecimals()), nil
}

func (r *Reader) erc20Balance(ctx context.Context, owner, contract common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}

	var out []byte
	err = r.call(ctx, "eth_call", func(ctx context.Context) error {
		var err error
		out, err = r.backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	// Contracts that never saw the owner may return no data.
	if len(out) == 0 {
		return new(big.Int), nil
	}

	values, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	if len(values) == 0 {
		return new(big.Int), nil
	}
	bal, ok := values[0].(*big.Int)
	if !ok || bal == nil {
		return new(big.Int), nil
	}
	return bal, nil
}

// GetTransaction fetches a transaction with its receipt status and block
// time. Pending transactions carry no block number or timestamp.
func (r *Reader) GetTransaction(ctx context.Context, hash string) (*model.Transaction, error) {
	h := common.HexToHash(hash)

	var (
		tx      *types.Transaction
		pending bool
	)
	err := r.call(ctx, "eth_getTransactionByHash", func(ctx context.Context) error {
		var err error
		tx, pending, err = r.backend.TransactionByHash(ctx, h)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", hash, err)
	}

	out := &model.Transaction{
		Hash:    tx.Hash().Hex(),
		ChainID: r.chainID,
		Value:   FormatUnits(tx.Value(), model.NativeDecimals),
		Pending: pending,
	}
	if to := tx.To(); to != nil {
		out.To = to.Hex()
	}
	if from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(int64(r.chainID))), tx); err == nil {
		out.From = from.Hex()
	} else {
		r.logger.Debug("cannot recover sender", "hash", hash, "error", err)
	}
	if pending {
		return out, nil
	}

	var receipt *types.Receipt
	err = r.call(ctx, "eth_getTransactionReceipt", func(ctx context.Context) error {
		var err error
		receipt, err = r.backend.TransactionReceipt(ctx, h)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get receipt %s: %w", hash, err)
	}
	out.Failed = receipt.Status == types.ReceiptStatusFailed
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Int64()

		var header *types.Header
		err = r.call(ctx, "eth_getBlockByNumber", func(ctx context.Context) error {
			var err error
			header, err = r.backend.HeaderByNumber(ctx, receipt.BlockNumber)
			return err
		})
		if err != nil {
			r.logger.Warn("block header unavailable", "hash", hash, "block", out.BlockNumber, "error", err)
		} else {
			ts := time.Unix(int64(header.Time), 0).UTC()
			out.Timestamp = &ts
		}
	}
	return out, nil
}

func (r *Reader) call(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, r.policy, func(ctx context.Context) error {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		err := r.breaker.Execute(func() error { return fn(ctx) })
		ratelimit.RecordRPCCall(r.chainID, method, err)
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return retry.Terminal(err)
		}
		return err
	})
}

// FormatUnits renders raw base units as a decimal string scaled by decimals.
func FormatUnits(raw *big.Int, decimals int) string {
	if raw == nil {
		return "0"
	}
	return decimal.NewFromBigInt(raw, -int32(decimals)).String()
}
