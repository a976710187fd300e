package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/emperorhan/wallet-monitor/internal/chain/mocks"
	"github.com/emperorhan/wallet-monitor/internal/domain/model"
	"github.com/emperorhan/wallet-monitor/internal/store/memory"
	"github.com/emperorhan/wallet-monitor/internal/tracking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const wallet = "0xWallet"

var (
	native = model.NativeToken(model.ChainEthereum)
	usdc   = model.TokenInfo{Address: model.StringPtr("0xusdc"), Symbol: "USDC", Decimals: 6, ChainID: model.ChainEthereum}
	dai    = model.TokenInfo{Address: model.StringPtr("0xdai"), Symbol: "DAI", Decimals: 18, ChainID: model.ChainEthereum}
	link   = model.TokenInfo{Address: model.StringPtr("0xlink"), Symbol: "LINK", Decimals: 18, ChainID: model.ChainEthereum}
)

type fixture struct {
	svc     *Service
	reader  *mocks.MockBalanceReader
	tracked *tracking.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	reader := mocks.NewMockBalanceReader(ctrl)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tracked := tracking.NewStore(memory.NewKV(), logger)

	svc := New(reader, tracked, logger)
	svc.concurrency = 1
	svc.nowFn = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return &fixture{svc: svc, reader: reader, tracked: tracked}
}

// seed installs tokens with the given snapshot balances ("" = no snapshot).
func (f *fixture) seed(t *testing.T, tokens []model.TokenInfo, balances []string) {
	t.Helper()
	var snaps []model.BalanceSnapshot
	for i, tok := range tokens {
		if balances[i] == "" {
			continue
		}
		snaps = append(snaps, model.BalanceSnapshot{TokenAddress: tok.Address, ChainID: tok.ChainID, Balance: balances[i]})
	}
	require.NoError(t, f.tracked.ReplaceDiscovery(context.Background(), wallet, tokens, snaps))
}

func (f *fixture) snapshot(t *testing.T, token model.TokenInfo) (model.BalanceSnapshot, bool) {
	t.Helper()
	v, err := f.tracked.View(context.Background(), wallet)
	require.NoError(t, err)
	return v.Snapshot(token)
}

func TestMonitor_NoTrackedTokensReturnsImmediately(t *testing.T) {
	f := newFixture(t)

	changes, err := f.svc.MonitorBalanceChanges(context.Background(), wallet)
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestMonitor_NoiseSuppressed(t *testing.T) {
	f := newFixture(t)
	f.seed(t, []model.TokenInfo{dai}, []string{"10.000000"})
	f.reader.EXPECT().GetBalance(gomock.Any(), wallet, dai).Return("10.00005", nil)

	changes, err := f.svc.MonitorBalanceChanges(context.Background(), wallet)
	require.NoError(t, err)
	assert.Empty(t, changes)

	snap, ok := f.snapshot(t, dai)
	require.True(t, ok)
	assert.Equal(t, "10.000000", snap.Balance, "snapshot keeps the last meaningful value")
}

func TestMonitor_ChangeDetectionSign(t *testing.T) {
	f := newFixture(t)
	f.seed(t, []model.TokenInfo{usdc, dai}, []string{"5.0", "5.0"})
	f.reader.EXPECT().GetBalance(gomock.Any(), wallet, usdc).Return("5.5", nil)
	f.reader.EXPECT().GetBalance(gomock.Any(), wallet, dai).Return("4.2", nil)

	changes, err := f.svc.MonitorBalanceChanges(context.Background(), wallet)
	require.NoError(t, err)
	require.Len(t, changes, 2)

	assert.Equal(t, model.ChangeIncrease, changes[0].Type)
	assert.Equal(t, 0.5, changes[0].Difference)
	assert.Equal(t, "5.0", changes[0].OldBalance)
	assert.Equal(t, "5.5", changes[0].NewBalance)

	assert.Equal(t, model.ChangeDecrease, changes[1].Type)
	assert.Equal(t, -0.8, changes[1].Difference)

	snap, ok := f.snapshot(t, dai)
	require.True(t, ok)
	assert.Equal(t, "4.2", snap.Balance, "changed snapshots are persisted")
}

func TestMonitor_PartialFailureIsolation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, []model.TokenInfo{usdc, dai, link}, []string{"1", "1", "1"})
	f.reader.EXPECT().GetBalance(gomock.Any(), wallet, usdc).Return("2", nil)
	f.reader.EXPECT().GetBalance(gomock.Any(), wallet, dai).Return("", errors.New("rpc timeout"))
	f.reader.EXPECT().GetBalance(gomock.Any(), wallet, link).Return("0.5", nil)

	changes, err := f.svc.MonitorBalanceChanges(context.Background(), wallet)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "USDC", changes[0].Token.Symbol)
	assert.Equal(t, "LINK", changes[1].Token.Symbol)

	snap, _ := f.snapshot(t, dai)
	assert.Equal(t, "1", snap.Balance)
}

func TestMonitor_FirstSeenBaseline(t *testing.T) {
	f := newFixture(t)
	f.seed(t, []model.TokenInfo{native, usdc}, []string{"1", ""})
	f.reader.EXPECT().GetBalance(gomock.Any(), wallet, native).Return("1", nil)
	f.reader.EXPECT().GetBalance(gomock.Any(), wallet, usdc).Return("42.5", nil)

	changes, err := f.svc.MonitorBalanceChanges(context.Background(), wallet)
	require.NoError(t, err)
	assert.Empty(t, changes)

	snaps, err := f.tracked.BalanceSnapshots(context.Background(), wallet)
	require.NoError(t, err)
	require.Len(t, snaps, 2, "exactly one new snapshot")
	snap, ok := f.snapshot(t, usdc)
	require.True(t, ok)
	assert.Equal(t, "42.5", snap.Balance)
}

func TestMonitor_StopsWhenRediscoveredMidCycle(t *testing.T) {
	f := newFixture(t)
	f.seed(t, []model.TokenInfo{usdc, dai}, []string{"1", "1"})

	f.reader.EXPECT().GetBalance(gomock.Any(), wallet, usdc).DoAndReturn(
		func(ctx context.Context, _ string, _ model.TokenInfo) (string, error) {
			// A rediscovery lands while the cycle is reading balances.
			assert.NoError(t, f.tracked.ReplaceDiscovery(ctx, wallet, []model.TokenInfo{usdc},
				[]model.BalanceSnapshot{{TokenAddress: usdc.Address, ChainID: usdc.ChainID, Balance: "9"}}))
			return "3", nil
		})
	f.reader.EXPECT().GetBalance(gomock.Any(), wallet, dai).Return("1", nil)

	changes, err := f.svc.MonitorBalanceChanges(context.Background(), wallet)
	require.NoError(t, err)
	require.Len(t, changes, 1)

	snap, ok := f.snapshot(t, usdc)
	require.True(t, ok)
	assert.Equal(t, "9", snap.Balance, "rediscovered baseline is not overwritten by the stale cycle")
}

func TestRefreshAllBalanceSnapshots_IgnoresThreshold(t *testing.T) {
	f := newFixture(t)
	f.seed(t, []model.TokenInfo{usdc, dai}, []string{"10.000000", "1"})
	f.reader.EXPECT().GetBalance(gomock.Any(), wallet, usdc).Return("10.00005", nil)
	f.reader.EXPECT().GetBalance(gomock.Any(), wallet, dai).Return("", errors.New("boom"))

	n, err := f.svc.RefreshAllBalanceSnapshots(context.Background(), wallet)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	snap, _ := f.snapshot(t, usdc)
	assert.Equal(t, "10.00005", snap.Balance)
}
