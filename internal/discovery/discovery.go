// Package discovery enumerates the tokens a wallet holds and records them,
// with a baseline balance snapshot each, for the balance monitor.
package discovery

import (
	"context"
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
	"go.opentelemetry.io/otel/codes"
)

type Service struct {
	source  chain.BalanceSource
	tracked *tracking.Store
	logger  *slog.Logger
	nowFn   func() time.Time
}

func New(source chain.BalanceSource, tracked *tracking.Store, logger *slog.Logger) *Service {
	return &Service{
		source:  source,
		tracked: tracked,
		logger:  logger.With("component", "discovery"),
		nowFn:   time.Now,
	}
}

// DiscoverUserTokens reads the wallet's full holding, bypassing caches, and
// replaces the tracked token list with every token whose balance is above
// zero. Each discovered token gets a baseline snapshot at the observed
// balance.
//
// On failure it returns an empty list with the error and leaves the
// previously tracked state untouched.
func (s *Service) DiscoverUserTokens(ctx context.Context, wallet string) ([]model.TokenInfo, error) {
	ctx, span := tracing.Tracer("discovery").Start(ctx, "discovery.DiscoverUserTokens")
	defer span.End()
	span.SetAttributes(attribute.String("wallet", wallet))

	tokens, err := s.discover(ctx, wallet)
	if err != nil {
		metrics.DiscoveryRunsTotal.WithLabelValues("failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("token discovery failed", "wallet", wallet, "error", err)
		return []model.TokenInfo{}, err
	}

	metrics.DiscoveryRunsTotal.WithLabelValues("ok").Inc()
	metrics.DiscoveredTokens.Set(float64(len(tokens)))
	span.SetAttributes(attribute.Int("tokens", len(tokens)))
	s.logger.Info("token discovery completed", "wallet", wallet, "tokens", len(tokens))
	return tokens, nil
}

func (s *Service) discover(ctx context.Context, wallet string) ([]model.TokenInfo, error) {
	wb, err := s.source.GetWalletBalance(ctx, wallet, true)
	if err != nil {
		return nil, fmt.Errorf("get wallet balance: %w", err)
	}
	if wb == nil {
		return nil, fmt.Errorf("get wallet balance: empty response")
	}

	now := s.nowFn()
	holdings := make([]model.TokenBalance, 0, len(wb.Tokens)+1)
	holdings = append(holdings, wb.NativeToken)
	holdings = append(holdings, wb.Tokens...)

	tokens := make([]model.TokenInfo, 0, len(holdings))
	baseline := make([]model.BalanceSnapshot, 0, len(holdings))
	for _, h := range holdings {
		if h.ChainID == 0 {
			h.ChainID = s.tracked.DefaultChain()
		}
		bal, err := decimal.NewFromString(h.Balance)
		if err != nil {
			if h.Balance != "" {
				s.logger.Warn("skipping token with unparsable balance",
					"wallet", wallet, "token", h.Symbol, "balance", h.Balance, "error", err)
			}
			continue
		}
		if !bal.IsPositive() {
			continue
		}
		if h.ChainName == "" {
			h.ChainName = h.ChainID.Name()
		}
		tokens = append(tokens, h.TokenInfo)
		baseline = append(baseline, model.BalanceSnapshot{
			TokenAddress: h.Address,
			ChainID:      h.ChainID,
			Balance:      h.Balance,
			Timestamp:    now,
		})
	}

	if err := s.tracked.ReplaceDiscovery(ctx, wallet, tokens, baseline); err != nil {
		return nil, fmt.Errorf("persist discovery: %w", err)
	}
	return tokens, nil
}

// GetDiscoveredTokens returns the tracked token list of wallet.
func (s *Service) GetDiscoveredTokens(ctx context.Context, wallet string) ([]model.TokenInfo, error) {
	return s.tracked.DiscoveredTokens(ctx, wallet)
}

// GetBalanceSnapshots returns the tracked snapshots of wallet.
func (s *Service) GetBalanceSnapshots(ctx context.Context, wallet string) ([]model.BalanceSnapshot, error) {
	return s.tracked.BalanceSnapshots(ctx, wallet)
}

// UpdateBalanceSnapshot upserts the snapshot of one token, matched by
// address (nil for the native coin) within chainID.
func (s *Service) UpdateBalanceSnapshot(ctx context.Context, wallet string, tokenAddress *string, chainID model.ChainID, balance string) error {
	return s.tracked.UpdateBalanceSnapshot(ctx, wallet, model.BalanceSnapshot{
		TokenAddress: tokenAddress,
		ChainID:      chainID,
		Balance:      balance,
		Timestamp:    s.nowFn(),
	})
}
