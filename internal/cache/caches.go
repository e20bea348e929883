package cache

import (
	"time"

	"github.com/coachpo/quotestream/internal/domain/market"
)

// Data kinds, used as cache labels.
const (
	KindPrice       = "price"
	KindOptionChain = "option_chain"
	KindExpirations = "expirations"
	KindSearch      = "search"
	KindProfile     = "company_profile"
	KindAggregates  = "aggregates"
)

// TTLs holds the lifetime of each data kind.
type TTLs struct {
	Price             time.Duration
	OptionChainOpen   time.Duration
	OptionChainClosed time.Duration
	Expirations       time.Duration
	Search            time.Duration
	Profile           time.Duration
	Aggregates        time.Duration
	MaxEntries        int
}

// DefaultTTLs returns the standard lifetimes.
func DefaultTTLs() TTLs {
	return TTLs{
		Price:             60 * time.Second,
		OptionChainOpen:   15 * time.Minute,
		OptionChainClosed: 60 * time.Minute,
		Expirations:       12 * time.Hour,
		Search:            24 * time.Hour,
		Profile:           24 * time.Hour,
		Aggregates:        time.Hour,
		MaxEntries:        10000,
	}
}

// MarketClock reports whether the market is open at a point in time.
type MarketClock interface {
	IsOpen(t time.Time) bool
}

// Caches bundles one store per data kind.
type Caches struct {
	Prices      *Store[market.Quote]
	Chains      *Store[market.OptionChain]
	Expirations *Store[[]string]
	Search      *Store[[]market.TickerMatch]
	Profiles    *Store[market.CompanyProfile]
	Aggregates  *Store[[]market.Bar]
}

// NewCaches builds every store. Option chains live longer while the market is
// closed; a nil clock treats the market as always open.
func NewCaches(ttls TTLs, clock MarketClock, now func() time.Time) *Caches {
	chainTTL := func(t time.Time) time.Duration {
		if clock == nil || clock.IsOpen(t) {
			return ttls.OptionChainOpen
		}
		return ttls.OptionChainClosed
	}
	cfg := func(kind string, ttl TTLFunc) Config {
		return Config{Kind: kind, TTL: ttl, MaxEntries: ttls.MaxEntries, Clock: now}
	}
	return &Caches{
		Prices:      New[market.Quote](cfg(KindPrice, Fixed(ttls.Price))),
		Chains:      New[market.OptionChain](cfg(KindOptionChain, chainTTL)),
		Expirations: New[[]string](cfg(KindExpirations, Fixed(ttls.Expirations))),
		Search:      New[[]market.TickerMatch](cfg(KindSearch, Fixed(ttls.Search))),
		Profiles:    New[market.CompanyProfile](cfg(KindProfile, Fixed(ttls.Profile))),
		Aggregates:  New[[]market.Bar](cfg(KindAggregates, Fixed(ttls.Aggregates))),
	}
}

// ChainKey is the option chain cache key for an underlying and expiration.
func ChainKey(underlying, expiration string) string {
	return underlying + "|" + expiration
}
