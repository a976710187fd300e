// Package tracking persists the discovered token list and the balance
// snapshots of each wallet on top of a KV store.
//
// All access for one wallet is serialized. Every rediscovery bumps the
// wallet's generation; snapshot writes made on behalf of a monitor cycle
// carry the generation they read and are rejected once it is stale, so a
// cycle never writes into a list that was swapped underneath it.
package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/emperorhan/wallet-monitor/internal/domain/model"
	"github.com/emperorhan/wallet-monitor/internal/store"
)

// ErrStaleGeneration is returned by UpsertSnapshot when a rediscovery
// replaced the wallet's token list after the caller's View was taken.
var ErrStaleGeneration = errors.New("tracking: discovery generation changed")

// View is a consistent read of one wallet's tracked state.
type View struct {
	Generation uint64
	Tokens     []model.TokenInfo
	Snapshots  []model.BalanceSnapshot
}

// Snapshot returns the snapshot matching token, if any.
func (v View) Snapshot(token model.TokenInfo) (model.BalanceSnapshot, bool) {
	return findSnapshot(v.Snapshots, token.Ref())
}

type walletState struct {
	mu  sync.Mutex
	gen uint64
}

type Store struct {
	kv           store.KVStore
	logger       *slog.Logger
	defaultChain model.ChainID

	mu      sync.Mutex
	wallets map[string]*walletState
}

// Option customizes a Store.
type Option func(*Store)

// WithDefaultChain sets the chain assumed for tokens and snapshots persisted
// without a chain id.
func WithDefaultChain(id model.ChainID) Option {
	return func(s *Store) {
		if id != 0 {
			s.defaultChain = id
		}
	}
}

func NewStore(kv store.KVStore, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		kv:           kv,
		logger:       logger.With("component", "tracking"),
		defaultChain: model.DefaultChainID,
		wallets:      make(map[string]*walletState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefaultChain returns the chain assumed when a chain id is missing.
func (s *Store) DefaultChain() model.ChainID {
	return s.defaultChain
}

func walletKey(wallet string) string {
	return strings.ToLower(strings.TrimSpace(wallet))
}

func (s *Store) state(wallet string) *walletState {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := walletKey(wallet)
	st, ok := s.wallets[key]
	if !ok {
		st = &walletState{}
		s.wallets[key] = st
	}
	return st
}

// Generation returns the wallet's current discovery generation.
func (s *Store) Generation(wallet string) uint64 {
	st := s.state(wallet)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.gen
}

// DiscoveredTokens returns the persisted token list, empty if none.
func (s *Store) DiscoveredTokens(ctx context.Context, wallet string) ([]model.TokenInfo, error) {
	st := s.state(wallet)
	st.mu.Lock()
	defer st.mu.Unlock()
	return s.loadTokens(ctx, wallet)
}

// BalanceSnapshots returns the persisted snapshots, empty if none.
func (s *Store) BalanceSnapshots(ctx context.Context, wallet string) ([]model.BalanceSnapshot, error) {
	st := s.state(wallet)
	st.mu.Lock()
	defer st.mu.Unlock()
	return s.loadSnapshots(ctx, wallet)
}

// View reads tokens, snapshots and generation atomically.
func (s *Store) View(ctx context.Context, wallet string) (View, error) {
	st := s.state(wallet)
	st.mu.Lock()
	defer st.mu.Unlock()

	tokens, err := s.loadTokens(ctx, wallet)
	if err != nil {
		return View{}, err
	}
	snaps, err := s.loadSnapshots(ctx, wallet)
	if err != nil {
		return View{}, err
	}
	return View{Generation: st.gen, Tokens: tokens, Snapshots: snaps}, nil
}

// ReplaceDiscovery swaps in a new token list wholesale and upserts the
// baseline snapshots observed during discovery. Snapshots of tokens that are
// no longer held are kept. If the token list cannot be written the previous
// snapshots are restored, so a failed call leaves prior state in place.
func (s *Store) ReplaceDiscovery(ctx context.Context, wallet string, tokens []model.TokenInfo, baseline []model.BalanceSnapshot) error {
	st := s.state(wallet)
	st.mu.Lock()
	defer st.mu.Unlock()

	oldRaw, err := s.kv.Get(ctx, store.BalanceSnapshotsKey(walletKey(wallet)))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("read balance snapshots: %w", err)
	}
	hadSnapshots := err == nil

	var merged []model.BalanceSnapshot
	if hadSnapshots {
		if err := json.Unmarshal(oldRaw, &merged); err != nil {
			s.logger.Warn("discarding unreadable balance snapshots", "wallet", wallet, "error", err)
			merged = nil
		}
		s.normalizeSnapshots(merged)
	}
	for _, snap := range baseline {
		merged = s.upsertSnapshot(merged, snap)
	}

	if err := s.saveJSON(ctx, store.BalanceSnapshotsKey(walletKey(wallet)), merged); err != nil {
		return fmt.Errorf("write balance snapshots: %w", err)
	}
	if tokens == nil {
		tokens = []model.TokenInfo{}
	}
	if err := s.saveJSON(ctx, store.DiscoveredTokensKey(walletKey(wallet)), tokens); err != nil {
		s.restoreSnapshots(ctx, wallet, oldRaw, hadSnapshots)
		return fmt.Errorf("write discovered tokens: %w", err)
	}

	st.gen++
	s.logger.Info("discovery state replaced", "wallet", wallet, "tokens", len(tokens), "generation", st.gen)
	return nil
}

func (s *Store) restoreSnapshots(ctx context.Context, wallet string, raw []byte, existed bool) {
	key := store.BalanceSnapshotsKey(walletKey(wallet))
	var err error
	if existed {
		err = s.kv.Set(ctx, key, raw)
	} else {
		err = s.kv.Delete(ctx, key)
	}
	if err != nil {
		s.logger.Error("restore balance snapshots failed", "wallet", wallet, "error", err)
	}
}

// UpdateBalanceSnapshot upserts one snapshot regardless of generation.
func (s *Store) UpdateBalanceSnapshot(ctx context.Context, wallet string, snap model.BalanceSnapshot) error {
	st := s.state(wallet)
	st.mu.Lock()
	defer st.mu.Unlock()
	return s.upsertLocked(ctx, wallet, snap)
}

// UpsertSnapshot upserts one snapshot if the wallet is still at generation
// gen, and returns ErrStaleGeneration otherwise.
func (s *Store) UpsertSnapshot(ctx context.Context, wallet string, gen uint64, snap model.BalanceSnapshot) error {
	st := s.state(wallet)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.gen != gen {
		return ErrStaleGeneration
	}
	return s.upsertLocked(ctx, wallet, snap)
}

func (s *Store) upsertLocked(ctx context.Context, wallet string, snap model.BalanceSnapshot) error {
	snaps, err := s.loadSnapshots(ctx, wallet)
	if err != nil {
		return err
	}
	snaps = s.upsertSnapshot(snaps, snap)
	if err := s.saveJSON(ctx, store.BalanceSnapshotsKey(walletKey(wallet)), snaps); err != nil {
		return fmt.Errorf("write balance snapshots: %w", err)
	}
	return nil
}

func (s *Store) loadTokens(ctx context.Context, wallet string) ([]model.TokenInfo, error) {
	var tokens []model.TokenInfo
	if err := s.loadJSON(ctx, store.DiscoveredTokensKey(walletKey(wallet)), &tokens); err != nil {
		return nil, fmt.Errorf("read discovered tokens: %w", err)
	}
	for i := range tokens {
		if tokens[i].ChainID == 0 {
			tokens[i].ChainID = s.defaultChain
		}
	}
	return tokens, nil
}

func (s *Store) loadSnapshots(ctx context.Context, wallet string) ([]model.BalanceSnapshot, error) {
	var snaps []model.BalanceSnapshot
	if err := s.loadJSON(ctx, store.BalanceSnapshotsKey(walletKey(wallet)), &snaps); err != nil {
		return nil, fmt.Errorf("read balance snapshots: %w", err)
	}
	s.normalizeSnapshots(snaps)
	return snaps, nil
}

func (s *Store) loadJSON(ctx context.Context, key string, dst any) error {
	raw, err := s.kv.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (s *Store) saveJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.kv.Set(ctx, key, raw)
}

// Snapshots written before chain ids were recorded belong to the default
// chain.
func (s *Store) normalizeSnapshots(snaps []model.BalanceSnapshot) {
	for i := range snaps {
		if snaps[i].ChainID == 0 {
			snaps[i].ChainID = s.defaultChain
		}
	}
}

func findSnapshot(snaps []model.BalanceSnapshot, ref model.TokenRef) (model.BalanceSnapshot, bool) {
	for _, s := range snaps {
		if ref.Matches(s.TokenAddress, s.ChainID) {
			return s, true
		}
	}
	return model.BalanceSnapshot{}, false
}

func (s *Store) upsertSnapshot(snaps []model.BalanceSnapshot, snap model.BalanceSnapshot) []model.BalanceSnapshot {
	if snap.ChainID == 0 {
		snap.ChainID = s.defaultChain
	}
	ref := snap.Ref()
	for i := range snaps {
		if ref.Matches(snaps[i].TokenAddress, snaps[i].ChainID) {
			snaps[i] = snap
			return snaps
		}
	}
	return append(snaps, snap)
}
