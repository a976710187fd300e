package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emperorhan/wallet-monitor/internal/domain/model"
	"github.com/emperorhan/wallet-monitor/internal/notify"
	"github.com/emperorhan/wallet-monitor/internal/scheduler"
	"github.com/emperorhan/wallet-monitor/internal/store"
	"github.com/emperorhan/wallet-monitor/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWallet = "0xAbC0000000000000000000000000000000000001"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDiscovery struct {
	calls  atomic.Int32
	tokens []model.TokenInfo
	err    error
}

func (f *fakeDiscovery) DiscoverUserTokens(context.Context, string) ([]model.TokenInfo, error) {
	f.calls.Add(1)
	if f.err != nil {
		return []model.TokenInfo{}, f.err
	}
	return f.tokens, nil
}

type fakeMonitor struct {
	changes    []model.BalanceChange
	err        error
	refreshed  int
	refreshErr error
	onMonitor  func()
}

func (f *fakeMonitor) MonitorBalanceChanges(context.Context, string) ([]model.BalanceChange, error) {
	if f.onMonitor != nil {
		f.onMonitor()
	}
	return f.changes, f.err
}

func (f *fakeMonitor) RefreshAllBalanceSnapshots(context.Context, string) (int, error) {
	return f.refreshed, f.refreshErr
}

type fakeScheduler struct {
	mu          sync.Mutex
	unsupported bool
	tasks       map[string]scheduler.TaskFunc
	registered  map[string]time.Duration
	registers   int
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{tasks: map[string]scheduler.TaskFunc{}, registered: map[string]time.Duration{}}
}

func (f *fakeScheduler) DefineTask(id string, fn scheduler.TaskFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[id] = fn
}

func (f *fakeScheduler) RegisterPeriodicTask(id string, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unsupported {
		return scheduler.ErrUnsupported
	}
	if _, ok := f.tasks[id]; !ok {
		return scheduler.ErrTaskNotDefined
	}
	f.registered[id] = d
	f.registers++
	return nil
}

func (f *fakeScheduler) UnregisterTask(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.registered, id)
	return nil
}

func (f *fakeScheduler) Close() {}

func (f *fakeScheduler) interval(id string) (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.registered[id]
	return d, ok
}

func (f *fakeScheduler) run(id string) scheduler.Result {
	f.mu.Lock()
	fn := f.tasks[id]
	f.mu.Unlock()
	return fn(context.Background())
}

type recordingSink struct {
	mu      sync.Mutex
	granted bool
	sent    []notify.Notification
}

func (r *recordingSink) Name() string    { return "recording" }
func (r *recordingSink) Available() bool { return true }

func (r *recordingSink) RequestPermission(context.Context) (bool, error) { return r.granted, nil }

func (r *recordingSink) Schedule(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingSink) notifications() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Notification(nil), r.sent...)
}

type fakeScoper struct {
	scopes []string
}

func (f *fakeScoper) SetScope(w string) { f.scopes = append(f.scopes, w) }

type fakeHistory struct {
	invalidated []string
}

func (f *fakeHistory) InvalidateWallet(w string) { f.invalidated = append(f.invalidated, w) }

type fixture struct {
	svc       *Service
	kv        *memory.KV
	discovery *fakeDiscovery
	monitor   *fakeMonitor
	sched     *fakeScheduler
	sink      *recordingSink
	scoper    *fakeScoper
	history   *fakeHistory
}

func newFixture(t *testing.T, wallet string) *fixture {
	t.Helper()
	f := &fixture{
		kv:        memory.NewKV(),
		discovery: &fakeDiscovery{},
		monitor:   &fakeMonitor{},
		sched:     newFakeScheduler(),
		sink:      &recordingSink{granted: true},
		scoper:    &fakeScoper{},
		history:   &fakeHistory{},
	}
	var wallets store.WalletRepository = memory.NewStaticWalletRepo(wallet, "")
	f.svc = New(Deps{
		Wallets:   wallets,
		KV:        f.kv,
		Discovery: f.discovery,
		Monitor:   f.monitor,
		Notifier:  notify.NewDispatcher(testLogger(), nil, f.sink),
		Scheduler: f.sched,
		Scopes:    []Scoper{f.scoper},
		History:   f.history,
	}, Config{}, testLogger())
	t.Cleanup(f.svc.Close)
	return f
}

func (f *fixture) saveSettings(t *testing.T, patch model.SettingsPatch) {
	t.Helper()
	_, err := f.svc.UpdateSettings(context.Background(), patch)
	require.NoError(t, err)
}

func usdcChange(typ model.ChangeType, oldBal, newBal string, diff float64) model.BalanceChange {
	return model.BalanceChange{
		Token:      model.TokenInfo{Address: model.StringPtr("0xusdc"), Symbol: "USDC", Decimals: 6, ChainID: model.ChainEthereum},
		OldBalance: oldBal,
		NewBalance: newBal,
		Difference: diff,
		Type:       typ,
	}
}

func TestInitialize(t *testing.T) {
	f := newFixture(t, testWallet)

	require.NoError(t, f.svc.Initialize(context.Background()))

	assert.Equal(t, StateInitialized, f.svc.State())
	assert.Equal(t, int32(1), f.discovery.calls.Load())
	assert.Equal(t, []string{testWallet}, f.scoper.scopes)
	st := f.svc.GetStatus()
	assert.True(t, st.Initialized)
	assert.False(t, st.Monitoring)
	assert.Equal(t, testWallet, st.Wallet)
}

func TestInitialize_PermissionDeniedFailsClosed(t *testing.T) {
	f := newFixture(t, testWallet)
	f.sink.granted = false

	err := f.svc.Initialize(context.Background())
	require.ErrorIs(t, err, notify.ErrPermissionDenied)
	assert.Equal(t, StateUninitialized, f.svc.State())
	assert.Zero(t, f.discovery.calls.Load())
}

func TestInitialize_NoWallet(t *testing.T) {
	f := newFixture(t, "")

	err := f.svc.Initialize(context.Background())
	require.ErrorIs(t, err, ErrNoWallet)
	assert.Equal(t, StateUninitialized, f.svc.State())
}

func TestInitialize_DiscoveryFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, testWallet)
	f.discovery.err = errors.New("rpc down")

	require.NoError(t, f.svc.Initialize(context.Background()))
	assert.Equal(t, StateInitialized, f.svc.State())
}

func TestStartMonitoring_AutoInitializesAndFloorsInterval(t *testing.T) {
	f := newFixture(t, testWallet)
	f.saveSettings(t, model.SettingsPatch{Frequency: ptr(int64(1000))})

	require.NoError(t, f.svc.StartMonitoring(context.Background()))

	assert.Equal(t, StateMonitoring, f.svc.State())
	d, ok := f.sched.interval(BalanceTaskID)
	require.True(t, ok)
	assert.Equal(t, DefaultMinInterval, d)
}

func TestStartMonitoring_UsesConfiguredFrequency(t *testing.T) {
	f := newFixture(t, testWallet)

	require.NoError(t, f.svc.StartMonitoring(context.Background()))
	d, _ := f.sched.interval(BalanceTaskID)
	assert.Equal(t, time.Minute, d)
}

func TestStartMonitoring_Disabled(t *testing.T) {
	f := newFixture(t, testWallet)
	f.saveSettings(t, model.SettingsPatch{Enabled: ptr(false)})

	err := f.svc.StartMonitoring(context.Background())
	require.ErrorIs(t, err, ErrMonitoringDisabled)
	assert.Equal(t, StateInitialized, f.svc.State())
}

func TestStartMonitoring_UnsupportedEnvironment(t *testing.T) {
	f := newFixture(t, testWallet)
	f.sched.unsupported = true

	err := f.svc.StartMonitoring(context.Background())
	require.ErrorIs(t, err, scheduler.ErrUnsupported)
	assert.Equal(t, StateInitialized, f.svc.State())
}

func TestStopMonitoring(t *testing.T) {
	f := newFixture(t, testWallet)
	require.NoError(t, f.svc.StartMonitoring(context.Background()))

	f.svc.StopMonitoring(context.Background())

	assert.Equal(t, StateInitialized, f.svc.State())
	_, ok := f.sched.interval(BalanceTaskID)
	assert.False(t, ok)
	assert.False(t, f.svc.GetStatus().Monitoring)
}

func TestUpdateSettings_FrequencyChangeRestarts(t *testing.T) {
	f := newFixture(t, testWallet)
	require.NoError(t, f.svc.StartMonitoring(context.Background()))

	updated, err := f.svc.UpdateSettings(context.Background(), model.SettingsPatch{Frequency: ptr(int64(120_000))})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, updated.Frequency)

	d, ok := f.sched.interval(BalanceTaskID)
	require.True(t, ok)
	assert.Equal(t, 2*time.Minute, d)
	assert.Equal(t, 2, f.sched.registers)
	assert.Equal(t, StateMonitoring, f.svc.State())
}

func TestUpdateSettings_DisableWithFrequencyChangeStopsCleanly(t *testing.T) {
	f := newFixture(t, testWallet)
	require.NoError(t, f.svc.StartMonitoring(context.Background()))

	updated, err := f.svc.UpdateSettings(context.Background(), model.SettingsPatch{
		Enabled:   ptr(false),
		Frequency: ptr(int64(120_000)),
	})
	require.NoError(t, err)
	assert.False(t, updated.Enabled)
	assert.Equal(t, 2*time.Minute, updated.Frequency)

	got, err := f.svc.GetSettings(context.Background())
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	_, ok := f.sched.interval(BalanceTaskID)
	assert.False(t, ok)
	assert.Equal(t, StateInitialized, f.svc.State())
}

func TestUpdateSettings_NoRestartWhenFrequencyUnchanged(t *testing.T) {
	f := newFixture(t, testWallet)
	require.NoError(t, f.svc.StartMonitoring(context.Background()))

	_, err := f.svc.UpdateSettings(context.Background(), model.SettingsPatch{Types: []model.NotificationType{model.NotifyIncrease}})
	require.NoError(t, err)
	assert.Equal(t, 1, f.sched.registers)

	got, err := f.svc.GetSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.NotificationType{model.NotifyIncrease}, got.Types)
}

func TestGetSettings_Defaults(t *testing.T) {
	f := newFixture(t, testWallet)

	got, err := f.svc.GetSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.DefaultNotificationSettings(), got)
}

func TestBackgroundTick_SettingsFilteredNotification(t *testing.T) {
	f := newFixture(t, testWallet)
	f.saveSettings(t, model.SettingsPatch{Types: []model.NotificationType{model.NotifyIncrease}})
	require.NoError(t, f.svc.StartMonitoring(context.Background()))

	f.monitor.changes = []model.BalanceChange{
		usdcChange(model.ChangeIncrease, "1", "2", 1),
		{
			Token:      model.TokenInfo{Address: model.StringPtr("0xdai"), Symbol: "DAI", Decimals: 18, ChainID: model.ChainEthereum},
			OldBalance: "5", NewBalance: "3", Difference: -2, Type: model.ChangeDecrease,
		},
	}

	res := f.sched.run(BalanceTaskID)
	assert.Equal(t, scheduler.ResultNewData, res)

	sent := f.sink.notifications()
	require.Len(t, sent, 1)
	assert.Equal(t, "Balance increased", sent[0].Title)
	assert.Equal(t, "Received 1 USDC", sent[0].Body)
	assert.Equal(t, []string{testWallet}, f.history.invalidated)

	st := f.svc.GetStatus()
	require.NotNil(t, st.LastCheck)
	assert.Equal(t, "new-data", st.LastResult)
}

func TestBackgroundTick_NoChanges(t *testing.T) {
	f := newFixture(t, testWallet)
	require.NoError(t, f.svc.StartMonitoring(context.Background()))

	assert.Equal(t, scheduler.ResultNoData, f.sched.run(BalanceTaskID))
	assert.Empty(t, f.sink.notifications())
	assert.Empty(t, f.history.invalidated)
}

func TestBackgroundTick_AllFilteredOut(t *testing.T) {
	f := newFixture(t, testWallet)
	f.saveSettings(t, model.SettingsPatch{Types: []model.NotificationType{model.NotifyDecrease}})
	require.NoError(t, f.svc.StartMonitoring(context.Background()))
	f.monitor.changes = []model.BalanceChange{usdcChange(model.ChangeIncrease, "1", "2", 1)}

	assert.Equal(t, scheduler.ResultNewData, f.sched.run(BalanceTaskID))
	assert.Empty(t, f.sink.notifications())
}

func TestBackgroundTick_MonitorFailure(t *testing.T) {
	f := newFixture(t, testWallet)
	require.NoError(t, f.svc.StartMonitoring(context.Background()))
	f.monitor.err = errors.New("store unavailable")

	assert.Equal(t, scheduler.ResultFailed, f.sched.run(BalanceTaskID))
}

func TestBackgroundTick_DisabledAfterStart(t *testing.T) {
	f := newFixture(t, testWallet)
	require.NoError(t, f.svc.StartMonitoring(context.Background()))
	f.saveSettings(t, model.SettingsPatch{Enabled: ptr(false)})
	f.monitor.changes = []model.BalanceChange{usdcChange(model.ChangeIncrease, "1", "2", 1)}

	assert.Equal(t, scheduler.ResultNoData, f.sched.run(BalanceTaskID))
	assert.Empty(t, f.sink.notifications())
}

func TestBackgroundTick_StoppedMidTickDiscardsResult(t *testing.T) {
	f := newFixture(t, testWallet)
	require.NoError(t, f.svc.StartMonitoring(context.Background()))
	f.monitor.changes = []model.BalanceChange{usdcChange(model.ChangeIncrease, "1", "2", 1)}
	f.monitor.onMonitor = func() { f.svc.StopMonitoring(context.Background()) }

	assert.Equal(t, scheduler.ResultNoData, f.sched.run(BalanceTaskID))
	assert.Empty(t, f.sink.notifications())
}

func TestRediscoverTokens(t *testing.T) {
	f := newFixture(t, testWallet)
	f.discovery.tokens = []model.TokenInfo{model.NativeToken(model.ChainEthereum)}

	tokens, err := f.svc.RediscoverTokens(context.Background())
	require.NoError(t, err)
	assert.Len(t, tokens, 1)

	f.discovery.err = errors.New("rpc down")
	_, err = f.svc.RediscoverTokens(context.Background())
	assert.Error(t, err)
}

func TestPeriodicRediscovery(t *testing.T) {
	f := newFixture(t, testWallet)
	f.svc.cfg.RediscoveryInterval = 5 * time.Millisecond

	require.NoError(t, f.svc.Initialize(context.Background()))
	assert.Eventually(t, func() bool { return f.discovery.calls.Load() >= 3 }, time.Second, time.Millisecond)

	f.svc.StopMonitoring(context.Background())
	time.Sleep(20 * time.Millisecond)
	settled := f.discovery.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, settled, f.discovery.calls.Load(), "timer cleared on stop")
}

func TestForceRefreshBalances(t *testing.T) {
	f := newFixture(t, testWallet)
	f.monitor.refreshed = 4

	n, err := f.svc.ForceRefreshBalances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestTestNotification(t *testing.T) {
	f := newFixture(t, testWallet)
	assert.ErrorIs(t, f.svc.TestNotification(context.Background()), notify.ErrNotInitialized)

	require.NoError(t, f.svc.Initialize(context.Background()))
	require.NoError(t, f.svc.TestNotification(context.Background()))
	assert.Len(t, f.sink.notifications(), 1)
}

func ptr[T any](v T) *T { return &v }
