package cache

import (
	"strings"
	"time"

	"github.com/emperorhan/wallet-monitor/internal/domain/model"
)

const (
	PriceTTL             = 10 * time.Minute
	DefaultPriceCapacity = 2000
)

// PriceCache holds token prices keyed by lowercased token address.
type PriceCache struct {
	lru *LRU[string, model.TokenPrice]
}

func NewPriceCache(capacity int) *PriceCache {
	if capacity <= 0 {
		capacity = DefaultPriceCapacity
	}
	return &PriceCache{lru: NewLRU[string, model.TokenPrice](capacity, PriceTTL)}
}

func (c *PriceCache) Get(address string) (model.TokenPrice, bool) {
	return c.lru.Get(normalizeAddress(address))
}

func (c *PriceCache) Set(address string, price model.TokenPrice) {
	c.lru.Put(normalizeAddress(address), price)
}

func (c *PriceCache) SetMany(prices map[string]model.TokenPrice) {
	for addr, p := range prices {
		c.Set(addr, p)
	}
}

// Missing returns the addresses that have no live price, lowercased and
// deduplicated, in input order. Callers batch-fetch only these.
func (c *PriceCache) Missing(addresses []string) []string {
	seen := make(map[string]struct{}, len(addresses))
	var out []string
	for _, addr := range addresses {
		key := normalizeAddress(addr)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if _, ok := c.lru.Get(key); !ok {
			out = append(out, key)
		}
	}
	return out
}

func (c *PriceCache) Len() int {
	return c.lru.Len()
}

func (c *PriceCache) Clear() {
	c.lru.Purge()
}

func normalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
