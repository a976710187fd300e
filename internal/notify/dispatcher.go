// Package notify turns balance changes into user notifications and delivers
// them through pluggable sinks.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emperorhan/wallet-monitor/internal/domain/model"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotInitialized   = errors.New("notifications not initialized")
	ErrUnavailable      = errors.New("no notification channel available")
	ErrPermissionDenied = errors.New("notification permission denied")
)

// PriceLookup resolves fiat prices keyed by model.TokenRef.Key().
type PriceLookup interface {
	Prices(ctx context.Context, tokens []model.TokenInfo) (map[string]model.TokenPrice, error)
}

// Dispatcher formats balance changes and hands them to the sinks. It refuses
// to deliver anything until Initialize has obtained permission.
type Dispatcher struct {
	sink         Sink
	prices       PriceLookup
	logger       *slog.Logger
	nowFn        func() time.Time
	defaultChain model.ChainID

	mu          sync.RWMutex
	initialized bool
}

// NewDispatcher creates a dispatcher over sinks. prices may be nil.
func NewDispatcher(logger *slog.Logger, prices PriceLookup, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		sink:         NewMultiSink(logger, sinks...),
		prices:       prices,
		logger:       logger.With("component", "notify"),
		nowFn:        time.Now,
		defaultChain: model.DefaultChainID,
	}
}

// SetDefaultChain sets the chain whose changes are described without an
// "on <chain>" qualifier. Call it before the dispatcher is shared.
func (d *Dispatcher) SetDefaultChain(id model.ChainID) {
	if id != 0 {
		d.defaultChain = id
	}
}

// Initialize checks that a channel exists and asks for permission. Any
// failure leaves the dispatcher uninitialized.
func (d *Dispatcher) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.initialized = false
	if !d.sink.Available() {
		return ErrUnavailable
	}
	granted, err := d.sink.RequestPermission(ctx)
	if err != nil {
		return fmt.Errorf("request permission: %w", err)
	}
	if !granted {
		return ErrPermissionDenied
	}
	d.initialized = true
	d.logger.Info("notifications initialized")
	return nil
}

func (d *Dispatcher) IsInitialized() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.initialized
}

// ShowBalanceChangeNotification sends one descriptive notification for change.
func (d *Dispatcher) ShowBalanceChangeNotification(ctx context.Context, change model.BalanceChange) error {
	if !d.IsInitialized() {
		return ErrNotInitialized
	}

	title := "Balance increased"
	verb := "Received"
	if change.Type == model.ChangeDecrease {
		title = "Balance decreased"
		verb = "Sent"
	}
	amount := changeAmount(change)
	body := fmt.Sprintf("%s %s %s%s", verb, amount.String(), change.Token.Symbol, d.chainQualifier(change.Token.ChainID))
	if usd, ok := d.fiatValue(ctx, change.Token, amount); ok {
		body += fmt.Sprintf(" (~$%s)", usd.StringFixed(2))
	}

	return d.send(ctx, title, body, map[string]any{
		"type":       "balance_change",
		"changeType": string(change.Type),
		"token":      change.Token.Symbol,
		"chainId":    int64(change.Token.ChainID),
		"newBalance": change.NewBalance,
	})
}

// ShowGroupedBalanceChangeNotifications summarizes changes in a single
// notification. A lone change gets the detailed single message.
func (d *Dispatcher) ShowGroupedBalanceChangeNotifications(ctx context.Context, changes []model.BalanceChange) error {
	if len(changes) == 0 {
		return nil
	}
	if !d.IsInitialized() {
		return ErrNotInitialized
	}
	if len(changes) == 1 {
		return d.ShowBalanceChangeNotification(ctx, changes[0])
	}

	var increases, decreases []model.BalanceChange
	for _, c := range changes {
		if c.Type == model.ChangeDecrease {
			decreases = append(decreases, c)
		} else {
			increases = append(increases, c)
		}
	}

	var title, body, changeType string
	switch {
	case len(increases) > 0 && len(decreases) > 0:
		title = "Balance changes"
		body = fmt.Sprintf("%d balance changes detected (%d increased, %d decreased)",
			len(changes), len(increases), len(decreases))
	case len(increases) == 1:
		return d.ShowBalanceChangeNotification(ctx, increases[0])
	case len(decreases) == 1:
		return d.ShowBalanceChangeNotification(ctx, decreases[0])
	case len(decreases) == 0:
		title = "Balances increased"
		body = fmt.Sprintf("%d tokens received funds", len(increases))
		changeType = string(model.ChangeIncrease)
	default:
		title = "Balances decreased"
		body = fmt.Sprintf("%d tokens sent funds", len(decreases))
		changeType = string(model.ChangeDecrease)
	}

	data := map[string]any{"type": "balance_changes", "count": len(changes)}
	if changeType != "" {
		data["changeType"] = changeType
	}
	return d.send(ctx, title, body, data)
}

// ShowTestNotification sends a fixed message to verify delivery.
func (d *Dispatcher) ShowTestNotification(ctx context.Context) error {
	if !d.IsInitialized() {
		return ErrNotInitialized
	}
	return d.send(ctx, "Test notification", "Wallet balance notifications are working.", map[string]any{"type": "test"})
}

func (d *Dispatcher) send(ctx context.Context, title, body string, data map[string]any) error {
	n := Notification{
		ID:        uuid.New(),
		Title:     title,
		Body:      body,
		Data:      data,
		CreatedAt: d.nowFn(),
	}
	if err := d.sink.Schedule(ctx, n); err != nil {
		return fmt.Errorf("schedule notification: %w", err)
	}
	return nil
}

func (d *Dispatcher) fiatValue(ctx context.Context, token model.TokenInfo, amount decimal.Decimal) (decimal.Decimal, bool) {
	if d.prices == nil {
		return decimal.Zero, false
	}
	prices, err := d.prices.Prices(ctx, []model.TokenInfo{token})
	if err != nil {
		d.logger.Debug("price lookup failed", "token", token.Symbol, "error", err)
		return decimal.Zero, false
	}
	p, ok := prices[token.Ref().Key()]
	if !ok || p.Price <= 0 {
		return decimal.Zero, false
	}
	return amount.Mul(decimal.NewFromFloat(p.Price)), true
}

// changeAmount is the absolute size of the change. It prefers the exact
// balance strings over the float difference.
func changeAmount(c model.BalanceChange) decimal.Decimal {
	newBal, errNew := decimal.NewFromString(c.NewBalance)
	oldBal, errOld := decimal.NewFromString(c.OldBalance)
	if errNew == nil && errOld == nil {
		return newBal.Sub(oldBal).Abs()
	}
	return decimal.NewFromFloat(c.Difference).Abs()
}

func (d *Dispatcher) chainQualifier(id model.ChainID) string {
	if id == 0 || id == d.defaultChain {
		return ""
	}
	return " on " + id.Name()
}
