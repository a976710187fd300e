package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/emperorhan/wallet-monitor/internal/domain/model"
	"github.com/emperorhan/wallet-monitor/internal/store"
)

// KV is an in-process store.KVStore. Values are copied on the way in and out.
type KV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewKV() *KV {
	return &KV{data: make(map[string][]byte)}
}

func (s *KV) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *KV) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *KV) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Len returns the number of stored keys.
func (s *KV) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// StaticWalletRepo serves a wallet fixed at construction, typically from
// WALLET_ADDRESS.
type StaticWalletRepo struct {
	wallet *model.Wallet
}

// NewStaticWalletRepo returns a repository for address. An empty address
// yields a repository that reports no wallet.
func NewStaticWalletRepo(address, label string) *StaticWalletRepo {
	address = strings.TrimSpace(address)
	if address == "" {
		return &StaticWalletRepo{}
	}
	return &StaticWalletRepo{wallet: &model.Wallet{Address: address, Label: label}}
}

func (r *StaticWalletRepo) GetWallet(context.Context) (*model.Wallet, error) {
	if r.wallet == nil {
		return nil, nil
	}
	w := *r.wallet
	return &w, nil
}
