package cache

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emperorhan/wallet-monitor/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// Category selects the TTL applied to an entry. It is stored with the entry
// rather than inferred from the key.
type Category string

const (
	CategoryBalance   Category = "balance"
	CategoryPrice     Category = "price"
	CategoryTokenList Category = "token-list"
	CategoryAllowance Category = "allowance"
	CategoryQuote     Category = "quote"
	CategoryDefault   Category = "default"
)

// DefaultTTLs is the per-category TTL table.
var DefaultTTLs = map[Category]time.Duration{
	CategoryBalance:   30 * time.Second,
	CategoryPrice:     60 * time.Second,
	CategoryTokenList: 5 * time.Minute,
	CategoryAllowance: 60 * time.Second,
	CategoryQuote:     10 * time.Second,
	CategoryDefault:   60 * time.Second,
}

const (
	DefaultMaxEntries    = 1000
	DefaultEvictFraction = 0.2
	DefaultSweepInterval = 5 * time.Minute

	// GlobalScope is used until a wallet scope is set.
	GlobalScope = "global"
)

// Config configures a Store. Zero values fall back to the defaults above.
type Config struct {
	Name          string
	MaxEntries    int
	EvictFraction float64
	SweepInterval time.Duration
	TTLs          map[Category]time.Duration
}

// FetchFunc loads a value on a cache miss.
type FetchFunc[V any] func(ctx context.Context) (V, error)

// FetchOption customizes a single GetOrFetch call.
type FetchOption func(*fetchOptions)

type fetchOptions struct {
	scope string
}

// WithScope overrides the store's current scope for one call.
func WithScope(id string) FetchOption {
	return func(o *fetchOptions) { o.scope = id }
}

type storeEntry[V any] struct {
	value       V
	category    Category
	storedAt    time.Time
	accessCount int64
}

// Store is a scoped TTL cache with request coalescing: concurrent misses on
// the same key share a single fetch. Keys are partitioned by scope (usually
// a wallet address) so data never crosses wallets.
type Store[V any] struct {
	cfg    Config
	logger *slog.Logger
	group  singleflight.Group
	nowFn  func() time.Time

	mu       sync.Mutex
	entries  map[string]*storeEntry[V]
	scope    string
	scopeGen uint64
	hits     int64
	misses   int64
}

// NewStore creates a Store with the given config.
func NewStore[V any](cfg Config, logger *slog.Logger) *Store[V] {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.EvictFraction <= 0 || cfg.EvictFraction > 1 {
		cfg.EvictFraction = DefaultEvictFraction
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	ttls := make(map[Category]time.Duration, len(DefaultTTLs))
	for c, d := range DefaultTTLs {
		ttls[c] = d
	}
	for c, d := range cfg.TTLs {
		ttls[c] = d
	}
	cfg.TTLs = ttls

	return &Store[V]{
		cfg:     cfg,
		logger:  logger.With("component", "cache", "cache", cfg.Name),
		nowFn:   time.Now,
		entries: make(map[string]*storeEntry[V]),
		scope:   GlobalScope,
	}
}

// GetOrFetch returns the live cached value for key, or joins the in-flight
// fetch for key, or starts one. A failed fetch is returned to every waiter
// and never cached. A caller whose ctx ends stops waiting; the fetch itself
// runs to completion.
func (s *Store[V]) GetOrFetch(ctx context.Context, key string, category Category, fetch FetchFunc[V], opts ...FetchOption) (V, error) {
	var zero V

	s.mu.Lock()
	scope := s.scope
	gen := s.scopeGen
	s.mu.Unlock()

	o := fetchOptions{scope: scope}
	for _, opt := range opts {
		opt(&o)
	}
	if o.scope == "" {
		o.scope = GlobalScope
	}
	fullKey := o.scope + ":" + key

	if v, ok := s.lookup(fullKey, true); ok {
		return v, nil
	}

	fetchCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(fullKey, func() (any, error) {
		// A flight that starts right after a previous one stored its value
		// must not refetch.
		if v, ok := s.lookup(fullKey, false); ok {
			return v, nil
		}
		v, err := fetch(fetchCtx)
		if err != nil {
			metrics.CacheFetchErrors.WithLabelValues(s.cfg.Name).Inc()
			return nil, err
		}
		s.put(fullKey, o.scope, gen, category, v)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		if res.Shared {
			metrics.CacheRequestsTotal.WithLabelValues(s.cfg.Name, "shared").Inc()
		}
		v, _ := res.Val.(V)
		return v, nil
	}
}

// Refresh drops any cached value for key and fetches it again. A fetch
// already in flight for key is joined rather than duplicated.
func (s *Store[V]) Refresh(ctx context.Context, key string, category Category, fetch FetchFunc[V], opts ...FetchOption) (V, error) {
	s.mu.Lock()
	o := fetchOptions{scope: s.scope}
	for _, opt := range opts {
		opt(&o)
	}
	if o.scope == "" {
		o.scope = GlobalScope
	}
	delete(s.entries, o.scope+":"+key)
	s.mu.Unlock()

	return s.GetOrFetch(ctx, key, category, fetch, opts...)
}

func (s *Store[V]) lookup(fullKey string, count bool) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[fullKey]
	if ok && s.expired(e) {
		delete(s.entries, fullKey)
		ok = false
	}
	if !ok {
		if count {
			s.misses++
			metrics.CacheRequestsTotal.WithLabelValues(s.cfg.Name, "miss").Inc()
		}
		var zero V
		return zero, false
	}

	e.accessCount++
	if count {
		s.hits++
		metrics.CacheRequestsTotal.WithLabelValues(s.cfg.Name, "hit").Inc()
	}
	return e.value, true
}

func (s *Store[V]) put(fullKey, scope string, gen uint64, category Category, v V) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The scope this fetch belonged to was purged while it was in flight.
	if gen != s.scopeGen && scope != s.scope {
		s.logger.Debug("discarding result for purged scope", "key", fullKey)
		return
	}

	if _, exists := s.entries[fullKey]; !exists && len(s.entries) >= s.cfg.MaxEntries {
		s.evictLeastAccessed()
	}
	s.entries[fullKey] = &storeEntry[V]{
		value:       v,
		category:    category,
		storedAt:    s.nowFn(),
		accessCount: 1,
	}
	metrics.CacheEntries.WithLabelValues(s.cfg.Name).Set(float64(len(s.entries)))
}

// evictLeastAccessed drops the EvictFraction of entries with the lowest
// access counts. Ordering is by frequency, not recency. Caller holds mu.
func (s *Store[V]) evictLeastAccessed() {
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.SliceStable(keys, func(i, j int) bool {
		return s.entries[keys[i]].accessCount < s.entries[keys[j]].accessCount
	})

	n := int(math.Ceil(float64(len(keys)) * s.cfg.EvictFraction))
	if n < 1 {
		n = 1
	}
	for _, k := range keys[:n] {
		delete(s.entries, k)
	}
	metrics.CacheEvictionsTotal.WithLabelValues(s.cfg.Name, "capacity").Add(float64(n))
	s.logger.Debug("evicted least accessed entries", "count", n)
}

func (s *Store[V]) expired(e *storeEntry[V]) bool {
	return s.nowFn().Sub(e.storedAt) >= s.ttl(e.category)
}

func (s *Store[V]) ttl(c Category) time.Duration {
	if d, ok := s.cfg.TTLs[c]; ok {
		return d
	}
	return s.cfg.TTLs[CategoryDefault]
}

// Scope returns the current scope id.
func (s *Store[V]) Scope() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope
}

// SetScope switches the default scope. Every entry of the previous scope is
// purged, and fetches still in flight for it will not be stored.
func (s *Store[V]) SetScope(id string) {
	if id == "" {
		id = GlobalScope
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id == s.scope {
		return
	}
	prefix := s.scope + ":"
	removed := 0
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			delete(s.entries, k)
			removed++
		}
	}
	s.logger.Info("cache scope changed", "from", s.scope, "to", id, "purged", removed)
	s.scope = id
	s.scopeGen++
	metrics.CacheEvictionsTotal.WithLabelValues(s.cfg.Name, "scope").Add(float64(removed))
	metrics.CacheEntries.WithLabelValues(s.cfg.Name).Set(float64(len(s.entries)))
}

// Clear removes every entry, or only those whose full key contains pattern.
func (s *Store[V]) Clear(pattern string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pattern == "" {
		n := len(s.entries)
		s.entries = make(map[string]*storeEntry[V])
		metrics.CacheEntries.WithLabelValues(s.cfg.Name).Set(0)
		return n
	}

	removed := 0
	for k := range s.entries {
		if strings.Contains(k, pattern) {
			delete(s.entries, k)
			removed++
		}
	}
	metrics.CacheEntries.WithLabelValues(s.cfg.Name).Set(float64(len(s.entries)))
	return removed
}

// Sweep removes every entry older than its category TTL.
func (s *Store[V]) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, e := range s.entries {
		if s.expired(e) {
			delete(s.entries, k)
			removed++
		}
	}
	if removed > 0 {
		metrics.CacheEvictionsTotal.WithLabelValues(s.cfg.Name, "expired").Add(float64(removed))
		s.logger.Debug("swept expired entries", "count", removed)
	}
	metrics.CacheEntries.WithLabelValues(s.cfg.Name).Set(float64(len(s.entries)))
	return removed
}

// Run sweeps expired entries every SweepInterval until ctx is done.
func (s *Store[V]) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Len returns the number of stored entries, expired or not.
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stats returns hit and miss counts.
func (s *Store[V]) Stats() (hits, misses int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits, s.misses
}
