package cache

import (
	"time"

	"github.com/emperorhan/wallet-monitor/internal/domain/model"
)

const (
	// Lists change whenever the wallet transacts.
	TransactionListTTL = 2 * time.Minute
	// Details of a mined transaction are effectively immutable.
	TransactionDetailTTL = 10 * time.Minute

	firstPageCursor         = "first"
	defaultTxListCapacity   = 200
	defaultTxDetailCapacity = 1000
)

type txListKey struct {
	wallet string
	cursor string
}

// TransactionCache holds wallet transaction pages and transaction details
// in two independent maps with their own TTLs.
type TransactionCache struct {
	lists   *LRU[txListKey, model.TransactionPage]
	details *LRU[string, model.Transaction]
}

func NewTransactionCache() *TransactionCache {
	return &TransactionCache{
		lists:   NewLRU[txListKey, model.TransactionPage](defaultTxListCapacity, TransactionListTTL),
		details: NewLRU[string, model.Transaction](defaultTxDetailCapacity, TransactionDetailTTL),
	}
}

func listKey(wallet, cursor string) txListKey {
	if cursor == "" {
		cursor = firstPageCursor
	}
	return txListKey{wallet: normalizeAddress(wallet), cursor: cursor}
}

// GetList returns the cached page for wallet at cursor ("" = first page).
func (c *TransactionCache) GetList(wallet, cursor string) (model.TransactionPage, bool) {
	return c.lists.Get(listKey(wallet, cursor))
}

func (c *TransactionCache) SetList(wallet, cursor string, page model.TransactionPage) {
	c.lists.Put(listKey(wallet, cursor), page)
}

func (c *TransactionCache) GetDetail(hash string) (model.Transaction, bool) {
	return c.details.Get(normalizeAddress(hash))
}

func (c *TransactionCache) SetDetail(tx model.Transaction) {
	c.details.Put(normalizeAddress(tx.Hash), tx)
}

// InvalidateWallet drops every cached page of wallet. Details are kept.
func (c *TransactionCache) InvalidateWallet(wallet string) int {
	w := normalizeAddress(wallet)
	return c.lists.DeleteFunc(func(k txListKey, _ model.TransactionPage) bool {
		return k.wallet == w
	})
}

func (c *TransactionCache) Clear() {
	c.lists.Purge()
	c.details.Purge()
}
