package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/quotestream/internal/domain/market"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubMarket bool

func (m stubMarket) IsOpen(time.Time) bool { return bool(m) }

func TestStoreFreshThenStale(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := New[market.Quote](Config{Kind: KindPrice, TTL: Fixed(time.Minute), Clock: clock.Now})

	quote := market.Quote{Symbol: "AAPL", Price: decimal.RequireFromString("190.12")}
	written := store.Set("AAPL", quote)
	require.Equal(t, clock.Now().Add(time.Minute), written.ExpiresAt)

	got, ok := store.Get("AAPL")
	require.True(t, ok)
	require.True(t, got.Value.Price.Equal(quote.Price))

	clock.Advance(61 * time.Second)
	_, ok = store.Get("AAPL")
	require.False(t, ok, "expired entries are not fresh")

	stale, ok := store.Lookup("AAPL")
	require.True(t, ok, "expired entries remain available as last resort")
	require.True(t, stale.Stale(clock.Now()))
	require.Equal(t, 1, store.Len(), "reads never delete")
}

func TestStoreMissingKey(t *testing.T) {
	store := New[[]string](Config{Kind: KindExpirations})
	_, ok := store.Get("SPY")
	require.False(t, ok)
	_, ok = store.Lookup("SPY")
	require.False(t, ok)
}

func TestStoreEvictsOldestAtCapacity(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	store := New[int](Config{Kind: "test", TTL: Fixed(time.Hour), MaxEntries: 2, Clock: clock.Now})

	store.Set("a", 1)
	clock.Advance(time.Second)
	store.Set("b", 2)
	clock.Advance(time.Second)
	store.Set("c", 3)

	_, ok := store.Lookup("a")
	require.False(t, ok)
	require.ElementsMatch(t, []string{"b", "c"}, store.Keys())

	// Overwriting an existing key never evicts.
	store.Set("b", 20)
	require.Equal(t, 2, store.Len())
}

func TestOptionChainTTLFollowsMarketSession(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	ttls := DefaultTTLs()

	open := NewCaches(ttls, stubMarket(true), clock.Now)
	entry := open.Chains.Set(ChainKey("SPY", "2025-06-20"), market.OptionChain{Underlying: "SPY"})
	require.Equal(t, 15*time.Minute, entry.ExpiresAt.Sub(entry.FetchedAt))

	closed := NewCaches(ttls, stubMarket(false), clock.Now)
	entry = closed.Chains.Set(ChainKey("SPY", "2025-06-20"), market.OptionChain{Underlying: "SPY"})
	require.Equal(t, 60*time.Minute, entry.ExpiresAt.Sub(entry.FetchedAt))
}

func TestStoreConcurrentAccess(t *testing.T) {
	store := New[int](Config{Kind: "test", TTL: Fixed(time.Minute)})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				store.Set("k", n)
				store.Get("k")
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, store.Len())
}
