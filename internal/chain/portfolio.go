package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emperorhan/wallet-monitor/internal/cache"
	"github.com/emperorhan/wallet-monitor/internal/domain/model"
	"golang.org/x/sync/errgroup"
)

const defaultPortfolioConcurrency = 8

type PortfolioConfig struct {
	// Chains whose native coin is probed. Candidates on other chains are
	// ignored.
	Chains []model.ChainID
	// PrimaryChain provides WalletBalance.NativeToken.
	PrimaryChain model.ChainID
	Candidates   []model.TokenInfo
	Concurrency  int
}

// PortfolioSource is the BalanceSource used by discovery. It probes the
// native coin of every configured chain plus each candidate token, in
// parallel, and caches the assembled result per wallet.
type PortfolioSource struct {
	reader      BalanceReader
	cache       *cache.Store[model.WalletBalance]
	chains      []model.ChainID
	primary     model.ChainID
	candidates  []model.TokenInfo
	concurrency int
	logger      *slog.Logger
	nowFn       func() time.Time
}

func NewPortfolioSource(reader BalanceReader, store *cache.Store[model.WalletBalance], cfg PortfolioConfig, logger *slog.Logger) *PortfolioSource {
	if cfg.PrimaryChain == 0 {
		cfg.PrimaryChain = model.DefaultChainID
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultPortfolioConcurrency
	}

	chains := []model.ChainID{cfg.PrimaryChain}
	for _, id := range cfg.Chains {
		if id != cfg.PrimaryChain {
			chains = append(chains, id)
		}
	}
	enabled := make(map[model.ChainID]bool, len(chains))
	for _, id := range chains {
		enabled[id] = true
	}
	var candidates []model.TokenInfo
	for _, t := range cfg.Candidates {
		if enabled[t.ChainID] {
			candidates = append(candidates, t)
		}
	}

	return &PortfolioSource{
		reader:      reader,
		cache:       store,
		chains:      chains,
		primary:     cfg.PrimaryChain,
		candidates:  candidates,
		concurrency: cfg.Concurrency,
		logger:      logger.With("component", "portfolio"),
		nowFn:       time.Now,
	}
}

// SetScope partitions the balance cache by wallet.
func (p *PortfolioSource) SetScope(wallet string) {
	p.cache.SetScope(strings.ToLower(wallet))
}

func (p *PortfolioSource) GetWalletBalance(ctx context.Context, wallet string, forceRefresh bool) (*model.WalletBalance, error) {
	key := "wallet-balance:" + strings.ToLower(wallet)
	fetch := func(ctx context.Context) (model.WalletBalance, error) {
		return p.fetch(ctx, wallet)
	}

	var (
		wb  model.WalletBalance
		err error
	)
	if forceRefresh {
		wb, err = p.cache.Refresh(ctx, key, cache.CategoryBalance, fetch)
	} else {
		wb, err = p.cache.GetOrFetch(ctx, key, cache.CategoryBalance, fetch)
	}
	if err != nil {
		return nil, err
	}
	return &wb, nil
}

type probeResult struct {
	token   model.TokenInfo
	balance string
	err     error
}

// fetch reads every probe. A failed candidate read is logged and skipped;
// a failed read of the primary native coin fails the whole call.
func (p *PortfolioSource) fetch(ctx context.Context, wallet string) (model.WalletBalance, error) {
	probes := make([]model.TokenInfo, 0, len(p.chains)+len(p.candidates))
	for _, id := range p.chains {
		probes = append(probes, model.NativeToken(id))
	}
	probes = append(probes, p.candidates...)

	results := make([]probeResult, len(probes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, token := range probes {
		g.Go(func() error {
			bal, err := p.reader.GetBalance(gctx, wallet, token)
			results[i] = probeResult{token: token, balance: bal, err: err}
			return nil
		})
	}
	_ = g.Wait()

	wb := model.WalletBalance{FetchedAt: p.nowFn()}
	var failed int
	for i, r := range results {
		if r.err != nil {
			if i == 0 {
				return model.WalletBalance{}, fmt.Errorf("read %s native balance: %w", p.primary.Name(), r.err)
			}
			failed++
			p.logger.Warn("balance probe failed",
				"wallet", wallet, "token", r.token.Symbol, "chain_id", r.token.ChainID, "error", r.err)
			continue
		}
		tb := model.TokenBalance{TokenInfo: r.token, Balance: r.balance}
		if i == 0 {
			wb.NativeToken = tb
			continue
		}
		wb.Tokens = append(wb.Tokens, tb)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return model.WalletBalance{}, errors.Join(errors.New("portfolio fetch interrupted"), ctxErr)
	}

	p.logger.Debug("portfolio fetched", "wallet", wallet, "probes", len(probes), "failed", failed)
	return wb, nil
}
