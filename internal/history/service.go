// Package history serves wallet transaction lists and details through the
// transaction cache.
package history

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/emperorhan/wallet-monitor/internal/cache"
	"github.com/emperorhan/wallet-monitor/internal/chain"
	"github.com/emperorhan/wallet-monitor/internal/domain/model"
)

// Lister pages through a wallet's transactions.
type Lister interface {
	ListTransactions(ctx context.Context, wallet, cursor string) (model.TransactionPage, error)
}

// DetailFetcher loads a single transaction by hash on one chain.
type DetailFetcher interface {
	GetTransaction(ctx context.Context, hash string) (*model.Transaction, error)
}

type Service struct {
	lister  Lister
	details map[model.ChainID]DetailFetcher
	cache   *cache.TransactionCache
	logger  *slog.Logger
}

// New creates a history service. lister may be nil when no explorer is
// configured.
func New(lister Lister, details map[model.ChainID]DetailFetcher, txCache *cache.TransactionCache, logger *slog.Logger) *Service {
	return &Service{
		lister:  lister,
		details: details,
		cache:   txCache,
		logger:  logger.With("component", "history"),
	}
}

// ListTransactions returns one page of wallet transactions. cursor "" is the
// first page.
func (s *Service) ListTransactions(ctx context.Context, wallet, cursor string) (model.TransactionPage, error) {
	if page, ok := s.cache.GetList(wallet, cursor); ok {
		return page, nil
	}
	if s.lister == nil {
		return model.TransactionPage{}, fmt.Errorf("list transactions: no explorer configured")
	}

	page, err := s.lister.ListTransactions(ctx, wallet, cursor)
	if err != nil {
		return model.TransactionPage{}, fmt.Errorf("list transactions: %w", err)
	}
	s.cache.SetList(wallet, cursor, page)
	for _, tx := range page.Transactions {
		if !tx.Pending {
			s.cache.SetDetail(tx)
		}
	}
	return page, nil
}

// GetTransaction returns the transaction with hash on chainID.
func (s *Service) GetTransaction(ctx context.Context, chainID model.ChainID, hash string) (model.Transaction, error) {
	if tx, ok := s.cache.GetDetail(hash); ok && tx.ChainID == chainID {
		return tx, nil
	}
	fetcher, ok := s.details[chainID]
	if !ok {
		return model.Transaction{}, fmt.Errorf("chain %d: %w", chainID, chain.ErrUnsupportedChain)
	}

	tx, err := fetcher.GetTransaction(ctx, hash)
	if err != nil {
		return model.Transaction{}, fmt.Errorf("get transaction %s: %w", hash, err)
	}
	// Pending transactions change once mined.
	if !tx.Pending {
		s.cache.SetDetail(*tx)
	}
	return *tx, nil
}

// InvalidateWallet drops the cached transaction lists of wallet.
func (s *Service) InvalidateWallet(wallet string) {
	if n := s.cache.InvalidateWallet(wallet); n > 0 {
		s.logger.Debug("transaction lists invalidated", "wallet", wallet, "pages", n)
	}
}
