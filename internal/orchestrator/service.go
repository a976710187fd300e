// Package orchestrator drives the monitoring lifecycle: initialization,
// the periodic balance poll, periodic token rediscovery and settings.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emperorhan/wallet-monitor/internal/domain/model"
	"github.com/emperorhan/wallet-monitor/internal/scheduler"
	"github.com/emperorhan/wallet-monitor/internal/store"
	"github.com/emperorhan/wallet-monitor/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrNoWallet           = errors.New("no wallet configured")
	ErrMonitoringDisabled = errors.New("monitoring disabled in settings")
)

const (
	BalanceTaskID              = "balance-monitor"
	DefaultMinInterval         = 15 * time.Second
	DefaultRediscoveryInterval = 24 * time.Hour
)

type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateMonitoring
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateMonitoring:
		return "monitoring"
	default:
		return "uninitialized"
	}
}

type Discoverer interface {
	DiscoverUserTokens(ctx context.Context, wallet string) ([]model.TokenInfo, error)
}

type Monitor interface {
	MonitorBalanceChanges(ctx context.Context, wallet string) ([]model.BalanceChange, error)
	RefreshAllBalanceSnapshots(ctx context.Context, wallet string) (int, error)
}

type Notifier interface {
	Initialize(ctx context.Context) error
	IsInitialized() bool
	ShowGroupedBalanceChangeNotifications(ctx context.Context, changes []model.BalanceChange) error
	ShowTestNotification(ctx context.Context) error
}

// Scoper is a wallet-partitioned cache, reset whenever the wallet changes.
type Scoper interface {
	SetScope(wallet string)
}

// HistoryInvalidator drops cached transaction lists after balance changes.
type HistoryInvalidator interface {
	InvalidateWallet(wallet string)
}

type Config struct {
	// MinInterval is the floor applied to the configured poll frequency.
	MinInterval         time.Duration
	RediscoveryInterval time.Duration
}

type Deps struct {
	Wallets   store.WalletRepository
	KV        store.KVStore
	Discovery Discoverer
	Monitor   Monitor
	Notifier  Notifier
	Scheduler scheduler.Scheduler
	Scopes    []Scoper
	History   HistoryInvalidator
}

// Status is the externally visible lifecycle state.
type Status struct {
	Initialized bool       `json:"initialized"`
	Monitoring  bool       `json:"monitoring"`
	Wallet      string     `json:"wallet,omitempty"`
	LastCheck   *time.Time `json:"lastCheck,omitempty"`
	LastResult  string     `json:"lastResult,omitempty"`
}

// Service is the monitoring orchestrator. One instance is built at startup
// and shared by the admin API and the scheduler.
type Service struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	nowFn  func() time.Time

	state atomic.Int32

	// mu serializes lifecycle transitions.
	mu              sync.Mutex
	stopRediscovery context.CancelFunc
	wg              sync.WaitGroup

	statusMu   sync.RWMutex
	wallet     string
	lastCheck  time.Time
	lastResult scheduler.Result
	checked    bool
}

func New(deps Deps, cfg Config, logger *slog.Logger) *Service {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.RediscoveryInterval <= 0 {
		cfg.RediscoveryInterval = DefaultRediscoveryInterval
	}
	return &Service{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With("component", "orchestrator"),
		nowFn:  time.Now,
	}
}

func (s *Service) State() State {
	return State(s.state.Load())
}

// Initialize prepares notifications, resolves the wallet, runs one token
// discovery and defines the background task. It fails as a whole if
// notifications or the wallet are unavailable.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initializeLocked(ctx)
}

func (s *Service) initializeLocked(ctx context.Context) error {
	ctx, span := tracing.Tracer("orchestrator").Start(ctx, "orchestrator.Initialize")
	defer span.End()

	if err := s.deps.Notifier.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize notifications: %w", err)
	}
	wallet, err := s.resolveWallet(ctx)
	if err != nil {
		return err
	}

	if _, err := s.deps.Discovery.DiscoverUserTokens(ctx, wallet); err != nil {
		s.logger.Warn("initial token discovery failed", "wallet", wallet, "error", err)
	}

	s.deps.Scheduler.DefineTask(BalanceTaskID, s.backgroundTick)
	s.armRediscoveryLocked()

	if s.State() == StateUninitialized {
		s.state.Store(int32(StateInitialized))
	}
	s.logger.Info("monitoring initialized", "wallet", wallet)
	return nil
}

// StartMonitoring registers the periodic balance poll, initializing first if
// needed. The poll interval is the configured frequency, floored at
// Config.MinInterval. An environment without background scheduling yields
// an error matching scheduler.ErrUnsupported.
func (s *Service) StartMonitoring(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx)
}

func (s *Service) startLocked(ctx context.Context) error {
	if s.State() == StateUninitialized {
		if err := s.initializeLocked(ctx); err != nil {
			return err
		}
	}

	settings, err := s.GetSettings(ctx)
	if err != nil {
		return err
	}
	if !settings.Enabled {
		return ErrMonitoringDisabled
	}

	interval := max(settings.Frequency, s.cfg.MinInterval)
	if err := s.deps.Scheduler.RegisterPeriodicTask(BalanceTaskID, interval); err != nil {
		if errors.Is(err, scheduler.ErrUnsupported) {
			s.logger.Info("background scheduling unavailable in this environment")
		}
		return fmt.Errorf("register background task: %w", err)
	}
	s.armRediscoveryLocked()

	s.state.Store(int32(StateMonitoring))
	s.logger.Info("monitoring started", "interval", interval)
	return nil
}

// StopMonitoring unregisters the poll and the rediscovery timer. Work
// already in flight completes and its results are discarded.
func (s *Service) StopMonitoring(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Service) stopLocked() {
	if err := s.deps.Scheduler.UnregisterTask(BalanceTaskID); err != nil && !errors.Is(err, scheduler.ErrUnsupported) {
		s.logger.Warn("unregister background task failed", "error", err)
	}
	if s.stopRediscovery != nil {
		s.stopRediscovery()
		s.stopRediscovery = nil
	}
	if s.State() == StateMonitoring {
		s.state.Store(int32(StateInitialized))
		s.logger.Info("monitoring stopped")
	}
}

// Close stops monitoring and waits for the rediscovery loop to exit.
func (s *Service) Close() {
	s.mu.Lock()
	s.stopLocked()
	s.mu.Unlock()
	s.wg.Wait()
}

// RediscoverTokens replaces the tracked token list with a fresh discovery.
func (s *Service) RediscoverTokens(ctx context.Context) ([]model.TokenInfo, error) {
	ctx, span := tracing.Tracer("orchestrator").Start(ctx, "orchestrator.RediscoverTokens")
	defer span.End()

	wallet, err := s.resolveWallet(ctx)
	if err != nil {
		return nil, err
	}
	tokens, err := s.deps.Discovery.DiscoverUserTokens(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("rediscover tokens: %w", err)
	}
	span.SetAttributes(attribute.Int("tokens", len(tokens)))
	return tokens, nil
}

// ForceRefreshBalances overwrites every snapshot with a fresh reading.
func (s *Service) ForceRefreshBalances(ctx context.Context) (int, error) {
	wallet, err := s.resolveWallet(ctx)
	if err != nil {
		return 0, err
	}
	n, err := s.deps.Monitor.RefreshAllBalanceSnapshots(ctx, wallet)
	if err != nil {
		return n, fmt.Errorf("refresh balances: %w", err)
	}
	return n, nil
}

// GetSettings returns the persisted settings, or the defaults if none are
// stored.
func (s *Service) GetSettings(ctx context.Context) (model.NotificationSettings, error) {
	raw, err := s.deps.KV.Get(ctx, store.KeyNotificationSettings)
	if errors.Is(err, store.ErrNotFound) {
		return model.DefaultNotificationSettings(), nil
	}
	if err != nil {
		return model.NotificationSettings{}, fmt.Errorf("load settings: %w", err)
	}
	settings := model.DefaultNotificationSettings()
	if err := json.Unmarshal(raw, &settings); err != nil {
		return model.NotificationSettings{}, fmt.Errorf("decode settings: %w", err)
	}
	return settings, nil
}

// UpdateSettings merges patch into the stored settings. A frequency change
// while monitoring restarts the poll with the new interval.
func (s *Service) UpdateSettings(ctx context.Context, patch model.SettingsPatch) (model.NotificationSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.GetSettings(ctx)
	if err != nil {
		return model.NotificationSettings{}, err
	}
	updated := patch.Apply(current)

	raw, err := json.Marshal(updated)
	if err != nil {
		return model.NotificationSettings{}, fmt.Errorf("encode settings: %w", err)
	}
	if err := s.deps.KV.Set(ctx, store.KeyNotificationSettings, raw); err != nil {
		return model.NotificationSettings{}, fmt.Errorf("save settings: %w", err)
	}

	if updated.Frequency != current.Frequency && s.State() == StateMonitoring {
		s.logger.Info("poll frequency changed, restarting monitoring", "from", current.Frequency, "to", updated.Frequency)
		s.stopLocked()
		if err := s.startLocked(ctx); err != nil {
			if errors.Is(err, ErrMonitoringDisabled) {
				s.logger.Info("monitoring disabled by settings update, not restarting")
				return updated, nil
			}
			return updated, fmt.Errorf("restart monitoring: %w", err)
		}
	}
	return updated, nil
}

func (s *Service) GetStatus() Status {
	st := s.State()
	out := Status{
		Initialized: st != StateUninitialized,
		Monitoring:  st == StateMonitoring,
	}

	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	out.Wallet = s.wallet
	if s.checked {
		t := s.lastCheck
		out.LastCheck = &t
		out.LastResult = s.lastResult.String()
	}
	return out
}

func (s *Service) TestNotification(ctx context.Context) error {
	return s.deps.Notifier.ShowTestNotification(ctx)
}

// backgroundTick is one scheduled balance poll.
func (s *Service) backgroundTick(ctx context.Context) (res scheduler.Result) {
	ctx, span := tracing.Tracer("orchestrator").Start(ctx, "orchestrator.backgroundTick")
	defer span.End()
	defer func() {
		span.SetAttributes(attribute.String("result", res.String()))
		s.recordTick(res)
	}()

	settings, err := s.GetSettings(ctx)
	if err != nil {
		s.logger.Warn("background tick: load settings failed", "error", err)
		return scheduler.ResultFailed
	}
	if !settings.Enabled {
		return scheduler.ResultNoData
	}

	wallet, err := s.resolveWallet(ctx)
	if err != nil {
		s.logger.Warn("background tick: wallet unavailable", "error", err)
		return scheduler.ResultFailed
	}

	changes, err := s.deps.Monitor.MonitorBalanceChanges(ctx, wallet)
	if err != nil {
		s.logger.Warn("background tick: monitor failed", "wallet", wallet, "error", err)
		return scheduler.ResultFailed
	}
	if len(changes) == 0 {
		return scheduler.ResultNoData
	}
	if s.deps.History != nil {
		s.deps.History.InvalidateWallet(wallet)
	}

	if s.State() != StateMonitoring {
		s.logger.Debug("monitoring stopped during tick, discarding changes", "changes", len(changes))
		return scheduler.ResultNoData
	}

	// Quiet hours are stored with the settings but not applied here.
	if filtered := settings.Filter(changes); len(filtered) > 0 {
		if err := s.deps.Notifier.ShowGroupedBalanceChangeNotifications(ctx, filtered); err != nil {
			s.logger.Warn("background tick: notification failed", "changes", len(filtered), "error", err)
		}
	}
	return scheduler.ResultNewData
}

func (s *Service) recordTick(res scheduler.Result) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.lastCheck = s.nowFn()
	s.lastResult = res
	s.checked = true
}

// resolveWallet loads the active wallet and re-scopes caches when it differs
// from the previous one.
func (s *Service) resolveWallet(ctx context.Context) (string, error) {
	w, err := s.deps.Wallets.GetWallet(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve wallet: %w", err)
	}
	if w == nil || strings.TrimSpace(w.Address) == "" {
		return "", ErrNoWallet
	}
	address := strings.TrimSpace(w.Address)

	s.statusMu.Lock()
	changed := !strings.EqualFold(s.wallet, address)
	s.wallet = address
	s.statusMu.Unlock()

	if changed {
		for _, sc := range s.deps.Scopes {
			sc.SetScope(address)
		}
	}
	return address, nil
}

// armRediscoveryLocked starts the periodic rediscovery loop unless it is
// already running. Caller holds mu.
func (s *Service) armRediscoveryLocked() {
	if s.stopRediscovery != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stopRediscovery = cancel

	interval := s.cfg.RediscoveryInterval
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tokens, err := s.RediscoverTokens(context.WithoutCancel(ctx))
				if err != nil {
					s.logger.Warn("periodic rediscovery failed", "error", err)
					continue
				}
				s.logger.Info("periodic rediscovery completed", "tokens", len(tokens))
			}
		}
	}()
}
