package store

import (
	"context"
	"errors"

	"github.com/emperorhan/wallet-monitor/internal/domain/model"
)

// ErrNotFound is returned by KVStore.Get when the key has never been set.
var ErrNotFound = errors.New("store: not found")

// Well-known KV keys.
const (
	KeyNotificationSettings = "notification_settings"
	keyDiscoveredTokens     = "discovered_tokens:"
	keyBalanceSnapshots     = "balance_snapshots:"
)

// DiscoveredTokensKey returns the key holding the discovered token list of wallet.
func DiscoveredTokensKey(wallet string) string {
	return keyDiscoveredTokens + wallet
}

// BalanceSnapshotsKey returns the key holding the balance snapshots of wallet.
func BalanceSnapshotsKey(wallet string) string {
	return keyBalanceSnapshots + wallet
}

// KVStore is a persistent key-value store. Values are opaque bytes, JSON
// encoded by callers.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// WalletRepository resolves the wallet being monitored. A nil wallet with a
// nil error means none is configured.
type WalletRepository interface {
	GetWallet(ctx context.Context) (*model.Wallet, error)
}
