package cache

import (
	"testing"
	"time"

	"github.com/emperorhan/wallet-monitor/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceCache_TTLBoundary(t *testing.T) {
	c := NewPriceCache(0)
	clock := newFakeClock()
	c.lru.nowFn = clock.Now

	c.Set("0xABC", model.TokenPrice{Price: 1.23, Symbol: "ABC", Timestamp: clock.Now()})

	clock.Advance(599_999 * time.Millisecond)
	p, ok := c.Get("0xabc")
	require.True(t, ok)
	assert.Equal(t, 1.23, p.Price)

	clock.Advance(2 * time.Millisecond)
	_, ok = c.Get("0xabc")
	assert.False(t, ok, "prices expire after 10 minutes")
}

func TestPriceCache_MissingDedupesAndLowercases(t *testing.T) {
	c := NewPriceCache(10)
	c.Set("0xaaa", model.TokenPrice{Price: 1})

	missing := c.Missing([]string{"0xAAA", "0xBBB", "0xbbb", " 0xCCC "})
	assert.Equal(t, []string{"0xbbb", "0xccc"}, missing)
}

func TestPriceCache_SetManyAndClear(t *testing.T) {
	c := NewPriceCache(10)
	c.SetMany(map[string]model.TokenPrice{
		"0xA": {Price: 1},
		"0xB": {Price: 2},
	})
	assert.Equal(t, 2, c.Len())
	assert.Empty(t, c.Missing([]string{"0xa", "0xb"}))

	c.Clear()
	assert.Equal(t, 0, c.Len())
}
