// Package chain reads on-chain balances. Readers are registered per chain
// id in a Router; PortfolioSource assembles a wallet's full holding from
// them for token discovery.
package chain

//go:generate mockgen -destination=mocks/mock_chain.go -package=mocks . BalanceReader,BalanceSource

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/emperorhan/wallet-monitor/internal/domain/model"
)

// ErrUnsupportedChain is returned for tokens on a chain with no reader.
var ErrUnsupportedChain = errors.New("chain: unsupported chain")

// BalanceReader reads one token balance of wallet as a normalized decimal
// string (e.g. "1.5" for 1.5 ETH).
type BalanceReader interface {
	GetBalance(ctx context.Context, wallet string, token model.TokenInfo) (string, error)
}

// BalanceSource reports every holding of a wallet. forceRefresh bypasses
// any cached result.
type BalanceSource interface {
	GetWalletBalance(ctx context.Context, wallet string, forceRefresh bool) (*model.WalletBalance, error)
}

// Router dispatches balance reads by token.ChainID.
type Router struct {
	mu      sync.RWMutex
	readers map[model.ChainID]BalanceReader
}

func NewRouter() *Router {
	return &Router{readers: make(map[model.ChainID]BalanceReader)}
}

// Register installs reader for chainID, replacing any previous one.
func (r *Router) Register(chainID model.ChainID, reader BalanceReader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readers[chainID] = reader
}

// Chains returns the registered chain ids in ascending order.
func (r *Router) Chains() []model.ChainID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]model.ChainID, 0, len(r.readers))
	for id := range r.readers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (r *Router) Supports(chainID model.ChainID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.readers[chainID]
	return ok
}

func (r *Router) GetBalance(ctx context.Context, wallet string, token model.TokenInfo) (string, error) {
	r.mu.RLock()
	reader, ok := r.readers[token.ChainID]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedChain, token.ChainID)
	}
	return reader.GetBalance(ctx, wallet, token)
}
