// Package monitor polls live balances of the tracked tokens and diffs them
// against the stored snapshots.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emperorhan/wallet-monitor/internal/chain"
	"github.com/emperorhan/wallet-monitor/internal/domain/model"
	"github.com/emperorhan/wallet-monitor/internal/metrics"
	"github.com/emperorhan/wallet-monitor/internal/tracing"
	"github.com/emperorhan/wallet-monitor/internal/tracking"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// NoiseThreshold is the smallest absolute difference, in token units,
// reported as a change. Differences at or below it are rounding jitter.
var NoiseThreshold = decimal.New(1, -4)

const defaultConcurrency = 4

type Service struct {
	reader      chain.BalanceReader
	tracked     *tracking.Store
	concurrency int
	logger      *slog.Logger
	nowFn       func() time.Time
}

func New(reader chain.BalanceReader, tracked *tracking.Store, logger *slog.Logger) *Service {
	return &Service{
		reader:      reader,
		tracked:     tracked,
		concurrency: defaultConcurrency,
		logger:      logger.With("component", "monitor"),
		nowFn:       time.Now,
	}
}

type reading struct {
	token   model.TokenInfo
	balance decimal.Decimal
	raw     string
	err     error
}

// readAll fetches every token's live balance. Failures are carried per
// token, never returned as a group error.
func (s *Service) readAll(ctx context.Context, wallet string, tokens []model.TokenInfo) []reading {
	out := make([]reading, len(tokens))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, token := range tokens {
		g.Go(func() error {
			r := reading{token: token}
			r.raw, r.err = s.reader.GetBalance(gctx, wallet, token)
			if r.err == nil {
				r.balance, r.err = decimal.NewFromString(r.raw)
				if r.err != nil {
					r.err = fmt.Errorf("parse balance %q: %w", r.raw, r.err)
				}
			}
			out[i] = r
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// MonitorBalanceChanges compares each tracked token's live balance with its
// snapshot and returns the changes above NoiseThreshold. Changed snapshots
// are persisted immediately; tokens seen for the first time get a baseline
// snapshot and no change. A token whose read fails is logged and skipped.
//
// If a rediscovery replaces the token list mid-cycle the scan stops and the
// changes found so far are returned without further snapshot writes.
func (s *Service) MonitorBalanceChanges(ctx context.Context, wallet string) ([]model.BalanceChange, error) {
	ctx, span := tracing.Tracer("monitor").Start(ctx, "monitor.MonitorBalanceChanges")
	defer span.End()

	start := time.Now()
	defer func() { metrics.MonitorCycleLatency.Observe(time.Since(start).Seconds()) }()
	metrics.MonitorCyclesTotal.Inc()

	view, err := s.tracked.View(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("load tracked state: %w", err)
	}
	if len(view.Tokens) == 0 {
		return nil, nil
	}

	readings := s.readAll(ctx, wallet, view.Tokens)

	var (
		changes   []model.BalanceChange
		failures  int
		baselines int
	)
	for _, r := range readings {
		if r.err != nil {
			failures++
			metrics.MonitorTokenErrors.WithLabelValues(r.token.ChainID.String()).Inc()
			s.logger.Warn("balance read failed",
				"wallet", wallet, "token", r.token.Symbol, "chain_id", r.token.ChainID, "error", r.err)
			continue
		}

		now := s.nowFn()
		snap, ok := view.Snapshot(r.token)
		var old decimal.Decimal
		if ok {
			old, err = decimal.NewFromString(snap.Balance)
			if err != nil {
				s.logger.Warn("replacing unreadable snapshot", "wallet", wallet, "token", r.token.Symbol, "balance", snap.Balance)
				ok = false
			}
		}

		if !ok {
			err := s.tracked.UpsertSnapshot(ctx, wallet, view.Generation, newSnapshot(r, now))
			if errors.Is(err, tracking.ErrStaleGeneration) {
				return s.abandon(wallet, changes), nil
			}
			if err != nil {
				s.logger.Warn("baseline snapshot write failed", "wallet", wallet, "token", r.token.Symbol, "error", err)
			}
			baselines++
			continue
		}

		diff := r.balance.Sub(old)
		if !diff.Abs().GreaterThan(NoiseThreshold) {
			continue
		}

		change := model.BalanceChange{
			Token:      r.token,
			OldBalance: snap.Balance,
			NewBalance: r.raw,
			Difference: diff.InexactFloat64(),
			Timestamp:  now,
			Type:       model.ChangeIncrease,
		}
		if diff.IsNegative() {
			change.Type = model.ChangeDecrease
		}
		changes = append(changes, change)
		metrics.BalanceChangesTotal.WithLabelValues(r.token.ChainID.String(), string(change.Type)).Inc()

		err := s.tracked.UpsertSnapshot(ctx, wallet, view.Generation, newSnapshot(r, now))
		if errors.Is(err, tracking.ErrStaleGeneration) {
			return s.abandon(wallet, changes), nil
		}
		if err != nil {
			s.logger.Warn("snapshot write failed", "wallet", wallet, "token", r.token.Symbol, "error", err)
		}
	}

	span.SetAttributes(
		attribute.Int("tokens", len(view.Tokens)),
		attribute.Int("changes", len(changes)),
		attribute.Int("failures", failures),
	)
	s.logger.Debug("monitor cycle completed",
		"wallet", wallet, "tokens", len(view.Tokens), "changes", len(changes),
		"baselines", baselines, "failures", failures)
	return changes, nil
}

func (s *Service) abandon(wallet string, changes []model.BalanceChange) []model.BalanceChange {
	s.logger.Info("token list replaced during monitor cycle, stopping scan", "wallet", wallet, "changes", len(changes))
	return changes
}

// RefreshAllBalanceSnapshots re-measures every tracked token and overwrites
// its snapshot regardless of NoiseThreshold. It returns the number of
// snapshots written.
func (s *Service) RefreshAllBalanceSnapshots(ctx context.Context, wallet string) (int, error) {
	view, err := s.tracked.View(ctx, wallet)
	if err != nil {
		return 0, fmt.Errorf("load tracked state: %w", err)
	}

	written := 0
	for _, r := range s.readAll(ctx, wallet, view.Tokens) {
		if r.err != nil {
			metrics.MonitorTokenErrors.WithLabelValues(r.token.ChainID.String()).Inc()
			s.logger.Warn("balance read failed", "wallet", wallet, "token", r.token.Symbol, "error", r.err)
			continue
		}
		err := s.tracked.UpsertSnapshot(ctx, wallet, view.Generation, newSnapshot(r, s.nowFn()))
		if errors.Is(err, tracking.ErrStaleGeneration) {
			return written, err
		}
		if err != nil {
			s.logger.Warn("snapshot write failed", "wallet", wallet, "token", r.token.Symbol, "error", err)
			continue
		}
		written++
	}

	s.logger.Info("balance snapshots refreshed", "wallet", wallet, "written", written, "tokens", len(view.Tokens))
	return written, nil
}

func newSnapshot(r reading, now time.Time) model.BalanceSnapshot {
	return model.BalanceSnapshot{
		TokenAddress: r.token.Address,
		ChainID:      r.token.ChainID,
		Balance:      r.raw,
		Timestamp:    now,
	}
}
