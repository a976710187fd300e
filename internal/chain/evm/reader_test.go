package evm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/emperorhan/wallet-monitor/internal/circuitbreaker"
	"github.com/emperorhan/wallet-monitor/internal/domain/model"
	"github.com/emperorhan/wallet-monitor/internal/retry"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWallet = "0x00000000000000000000000000000000000000aa"

type fakeBackend struct {
	balanceAt   func(common.Address) (*big.Int, error)
	callIn      []ethereum.CallMsg
	callOut     []byte
	callErr     error
	tx          *types.Transaction
	pending     bool
	receipt     *types.Receipt
	header      *types.Header
	headerErr   error
	balanceHits int
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (f *fakeBackend) BalanceAt(_ context.Context, a common.Address, _ *big.Int) (*big.Int, error) {
	f.balanceHits++
	return f.balanceAt(a)
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.callIn = append(f.callIn, msg)
	return f.callOut, f.callErr
}

func (f *fakeBackend) TransactionByHash(context.Context, common.Hash) (*types.Transaction, bool, error) {
	if f.tx == nil {
		return nil, false, ethereum.NotFound
	}
	return f.tx, f.pending, nil
}

func (f *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return f.receipt, nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return f.header, f.headerErr
}

func newTestReader(b Backend, opts Options) *Reader {
	if opts.RetryPolicy.MaxAttempts == 0 {
		opts.RetryPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	}
	return NewReader(b, model.ChainEthereum, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestFormatUnits(t *testing.T) {
	oneEth, _ := new(big.Int).SetString("1500000000000000000", 10)
	assert.Equal(t, "1.5", FormatUnits(oneEth, 18))
	assert.Equal(t, "100.25", FormatUnits(big.NewInt(100_250_000), 6))
	assert.Equal(t, "0", FormatUnits(new(big.Int), 18))
	assert.Equal(t, "0", FormatUnits(nil, 18))
}

func TestReader_NativeBalance(t *testing.T) {
	wei, _ := new(big.Int).SetString("2000000000000000000", 10)
	b := &fakeBackend{balanceAt: func(a common.Address) (*big.Int, error) {
		assert.Equal(t, common.HexToAddress(testWallet), a)
		return wei, nil
	}}
	r := newTestReader(b, Options{})

	bal, err := r.GetBalance(context.Background(), testWallet, model.NativeToken(model.ChainEthereum))
	require.NoError(t, err)
	assert.Equal(t, "2", bal)
}

func TestReader_ERC20BalanceUsesTokenDecimals(t *testing.T) {
	out, err := erc20ABI.Methods["balanceOf"].Outputs.Pack(big.NewInt(5_500_000))
	require.NoError(t, err)
	b := &fakeBackend{callOut: out}
	r := newTestReader(b, Options{})

	token := model.TokenInfo{
		Address:  model.StringPtr("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
		Symbol:   "USDC",
		Decimals: 6,
		ChainID:  model.ChainEthereum,
	}
	bal, err := r.GetBalance(context.Background(), testWallet, token)
	require.NoError(t, err)
	assert.Equal(t, "5.5", bal)

	require.Len(t, b.callIn, 1)
	assert.Equal(t, common.HexToAddress(*token.Address), *b.callIn[0].To)
	assert.Equal(t, erc20ABI.Methods["balanceOf"].ID, b.callIn[0].Data[:4])
}

func TestReader_ERC20DecimalsFallBackTo18(t *testing.T) {
	raw, _ := new(big.Int).SetString("3000000000000000000", 10)
	out, err := erc20ABI.Methods["balanceOf"].Outputs.Pack(raw)
	require.NoError(t, err)
	r := newTestReader(&fakeBackend{callOut: out}, Options{})

	token := model.TokenInfo{Address: model.StringPtr("0x00000000000000000000000000000000000000bb"), Symbol: "X", ChainID: model.ChainEthereum}
	bal, err := r.GetBalance(context.Background(), testWallet, token)
	require.NoError(t, err)
	assert.Equal(t, "3", bal)
}

func TestReader_EmptyCallResultIsZero(t *testing.T) {
	r := newTestReader(&fakeBackend{}, Options{})
	token := model.TokenInfo{Address: model.StringPtr("0x00000000000000000000000000000000000000bb"), Symbol: "X", ChainID: model.ChainEthereum}

	bal, err := r.GetBalance(context.Background(), testWallet, token)
	require.NoError(t, err)
	assert.Equal(t, "0", bal)
}

func TestReader_RejectsWrongChainAndBadAddress(t *testing.T) {
	r := newTestReader(&fakeBackend{}, Options{})

	_, err := r.GetBalance(context.Background(), testWallet, model.NativeToken(model.ChainPolygon))
	require.Error(t, err)

	_, err = r.GetBalance(context.Background(), "not-an-address", model.NativeToken(model.ChainEthereum))
	require.Error(t, err)
}

func TestReader_RetriesTransientErrors(t *testing.T) {
	calls := 0
	b := &fakeBackend{balanceAt: func(common.Address) (*big.Int, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("503 service unavailable")
		}
		return big.NewInt(1), nil
	}}
	r := newTestReader(b, Options{})

	bal, err := r.GetBalance(context.Background(), testWallet, model.NativeToken(model.ChainEthereum))
	require.NoError(t, err)
	assert.Equal(t, "0.000000000000000001", bal)
	assert.Equal(t, 2, calls)
}

func TestReader_BreakerOpensAndShortCircuits(t *testing.T) {
	b := &fakeBackend{balanceAt: func(common.Address) (*big.Int, error) {
		return nil, errors.New("execution reverted")
	}}
	r := newTestReader(b, Options{Breaker: circuitbreaker.Config{FailureThreshold: 2, OpenTimeout: time.Hour}})
	native := model.NativeToken(model.ChainEthereum)

	for i := 0; i < 2; i++ {
		_, err := r.GetBalance(context.Background(), testWallet, native)
		require.Error(t, err)
	}
	_, err := r.GetBalance(context.Background(), testWallet, native)
	require.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, 2, b.balanceHits)
}

func TestReader_GetTransaction(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	to := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	value, _ := new(big.Int).SetString("250000000000000000", 10)

	tx, err := types.SignTx(
		types.NewTx(&types.LegacyTx{Nonce: 7, To: &to, Value: value, Gas: 21000, GasPrice: big.NewInt(1)}),
		types.LatestSignerForChainID(big.NewInt(1)), key)
	require.NoError(t, err)

	b := &fakeBackend{
		tx:      tx,
		receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(1234)},
		header:  &types.Header{Number: big.NewInt(1234), Time: 1_700_000_000},
	}
	r := newTestReader(b, Options{})

	got, err := r.GetTransaction(context.Background(), tx.Hash().Hex())
	require.NoError(t, err)
	assert.Equal(t, tx.Hash().Hex(), got.Hash)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Hex(), got.From)
	assert.Equal(t, to.Hex(), got.To)
	assert.Equal(t, "0.25", got.Value)
	assert.Equal(t, int64(1234), got.BlockNumber)
	require.NotNil(t, got.Timestamp)
	assert.Equal(t, int64(1_700_000_000), got.Timestamp.Unix())
	assert.False(t, got.Failed)
	assert.False(t, got.Pending)
}

func TestReader_GetTransactionNotFound(t *testing.T) {
	r := newTestReader(&fakeBackend{}, Options{})

	_, err := r.GetTransaction(context.Background(), "0x01")
	require.ErrorIs(t, err, ethereum.NotFound)
}
