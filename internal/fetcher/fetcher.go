// Package fetcher answers price and reference queries by walking the
// fallback chain: live stream, fresh cache, proxied REST, direct REST and
// finally the expired cache.
package fetcher

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/coachpo/quotestream/errs"
	"github.com/coachpo/quotestream/internal/cache"
	"github.com/coachpo/quotestream/internal/domain/market"
	"github.com/coachpo/quotestream/internal/rest"
)

// FetchHolder is the registry holder for symbols subscribed after a fetch.
const FetchHolder = "fetch"

// Vendor is the REST surface the fetcher reads from.
type Vendor interface {
	Available(route rest.Route) bool
	PrevClose(ctx context.Context, route rest.Route, symbol string) (market.Quote, error)
	Snapshots(ctx context.Context, route rest.Route, symbols []string) (map[string]market.Quote, error)
	OptionContracts(ctx context.Context, route rest.Route, underlying, expiration string) ([]market.OptionContract, error)
	Expirations(ctx context.Context, route rest.Route, underlying string) ([]string, error)
	OptionSnapshot(ctx context.Context, route rest.Route, underlying, contract string) (market.OptionDetail, error)
	SearchTickers(ctx context.Context, route rest.Route, query string, limit int) ([]market.TickerMatch, error)
	TickerDetails(ctx context.Context, route rest.Route, symbol string) (market.CompanyProfile, error)
	Aggregates(ctx context.Context, route rest.Route, symbol, span, from, to string) ([]market.Bar, error)
}

// LiveSource exposes the latest streamed tick of a symbol while it is fresh.
type LiveSource interface {
	Fresh(symbol string) (market.Tick, bool)
}

// Subscriber registers interest in a symbol.
type Subscriber interface {
	Subscribe(symbol string, segment market.Segment, tier market.Tier, holder string) (market.Subscription, error)
}

// Config tunes the fetcher.
type Config struct {
	DebounceWindow    time.Duration
	PerCallLimit      int
	BatchWorkers      int
	OptionDetailBatch int
	SearchLimit       int
	// SubscribeTier is the tier fetched symbols are subscribed at; Paused
	// disables the subscription.
	SubscribeTier market.Tier
}

// DefaultConfig returns the standard fetcher settings.
func DefaultConfig() Config {
	return Config{
		DebounceWindow:    50 * time.Millisecond,
		PerCallLimit:      100,
		BatchWorkers:      4,
		OptionDetailBatch: 5,
		SearchLimit:       20,
		SubscribeTier:     market.TierMedium,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = def.DebounceWindow
	}
	if c.PerCallLimit <= 0 {
		c.PerCallLimit = def.PerCallLimit
	}
	if c.BatchWorkers <= 0 {
		c.BatchWorkers = def.BatchWorkers
	}
	if c.OptionDetailBatch <= 0 {
		c.OptionDetailBatch = def.OptionDetailBatch
	}
	if c.SearchLimit <= 0 {
		c.SearchLimit = def.SearchLimit
	}
	if !c.SubscribeTier.Valid() {
		c.SubscribeTier = def.SubscribeTier
	}
	return c
}

// Fetcher resolves prices and reference data.
type Fetcher struct {
	cfg        Config
	vendor     Vendor
	caches     *cache.Caches
	live       LiveSource
	subscriber Subscriber
	logger     *zap.Logger
	now        func() time.Time

	flights singleflight.Group
	batcher *batcher
	metrics *fetchMetrics
}

// Option customises a Fetcher.
type Option func(*Fetcher)

// WithLiveSource serves fresh streamed ticks before touching the cache.
func WithLiveSource(live LiveSource) Option {
	return func(f *Fetcher) { f.live = live }
}

// WithSubscriber subscribes every symbol that had to be fetched.
func WithSubscriber(sub Subscriber) Option {
	return func(f *Fetcher) { f.subscriber = sub }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) {
		if now != nil {
			f.now = now
		}
	}
}

// New constructs a Fetcher.
func New(cfg Config, vendor Vendor, caches *cache.Caches, logger *zap.Logger, opts ...Option) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if caches == nil {
		caches = cache.NewCaches(cache.DefaultTTLs(), nil, nil)
	}
	f := &Fetcher{
		cfg:     cfg.normalize(),
		vendor:  vendor,
		caches:  caches,
		logger:  logger,
		now:     time.Now,
		metrics: newFetchMetrics(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.batcher = newBatcher(f)
	return f
}

// Caches exposes the underlying stores.
func (f *Fetcher) Caches() *cache.Caches { return f.caches }

// Close cancels a pending batch; its callers receive an error.
func (f *Fetcher) Close() {
	f.batcher.close()
}

// GetPrice walks the fallback chain for one symbol.
func (f *Fetcher) GetPrice(ctx context.Context, symbol string) (market.Quote, error) {
	normalized, err := market.ValidateSymbol(symbol)
	if err != nil {
		return market.Quote{}, err
	}
	if quote, ok := f.local(normalized); ok {
		f.metrics.recordSource(ctx, quote.Source)
		return quote, nil
	}
	return f.remote(ctx, normalized)
}

// RefreshPrice skips the stream and the fresh cache.
func (f *Fetcher) RefreshPrice(ctx context.Context, symbol string) (market.Quote, error) {
	normalized, err := market.ValidateSymbol(symbol)
	if err != nil {
		return market.Quote{}, err
	}
	return f.remote(ctx, normalized)
}

// local answers from the live stream or the fresh cache without any I/O.
func (f *Fetcher) local(symbol string) (market.Quote, bool) {
	if f.live != nil {
		if tick, ok := f.live.Fresh(symbol); ok && tick.Price.IsPositive() {
			return market.Quote{
				Symbol: symbol,
				Price:  tick.Price,
				Bid:    tick.Bid,
				Ask:    tick.Ask,
				AsOf:   tick.ReceivedAt,
				Source: market.SourceStream,
			}, true
		}
	}
	if entry, ok := f.caches.Prices.Get(symbol); ok {
		quote := entry.Value
		quote.Source = market.SourceCache
		quote.ExpiresAt = entry.ExpiresAt
		return quote, true
	}
	return market.Quote{}, false
}

// remote fetches over REST and falls back to the expired cache.
func (f *Fetcher) remote(ctx context.Context, symbol string) (market.Quote, error) {
	entry, route, err := await(ctx, f, "price:"+symbol, func(ctx context.Context) (cache.Entry[market.Quote], rest.Route, error) {
		return f.fetchPrice(ctx, symbol)
	})
	if err == nil {
		quote := entry.Value
		quote.Source = routeSource(route)
		quote.ExpiresAt = entry.ExpiresAt
		f.metrics.recordSource(ctx, quote.Source)
		return quote, nil
	}
	if stale, ok := f.caches.Prices.Lookup(symbol); ok {
		f.logger.Debug("serving expired price",
			zap.String("symbol", symbol),
			zap.Error(err))
		quote := stale.Value
		quote.Source = market.SourceExpiredCache
		quote.Stale = true
		quote.ExpiresAt = stale.ExpiresAt
		f.metrics.recordSource(ctx, quote.Source)
		return quote, nil
	}
	return market.Quote{}, err
}

func (f *Fetcher) fetchPrice(ctx context.Context, symbol string) (cache.Entry[market.Quote], rest.Route, error) {
	quote, route, err := viaRoutes(ctx, f, func(ctx context.Context, route rest.Route) (market.Quote, error) {
		return f.vendor.PrevClose(ctx, route, symbol)
	})
	if err != nil {
		return cache.Entry[market.Quote]{}, route, err
	}
	return f.storePrice(symbol, quote), route, nil
}

func (f *Fetcher) storePrice(symbol string, quote market.Quote) cache.Entry[market.Quote] {
	quote.Symbol = symbol
	quote.Source = ""
	quote.Stale = false
	entry := f.caches.Prices.Set(symbol, quote)
	f.subscribe(symbol)
	return entry
}

func (f *Fetcher) subscribe(symbol string) {
	if f.subscriber == nil || f.cfg.SubscribeTier == market.TierPaused {
		return
	}
	if _, err := f.subscriber.Subscribe(symbol, "", f.cfg.SubscribeTier, FetchHolder); err != nil {
		f.logger.Debug("subscribe fetched symbol", zap.String("symbol", symbol), zap.Error(err))
	}
}

func routeSource(route rest.Route) market.Source {
	if route == rest.RouteDirect {
		return market.SourceDirect
	}
	return market.SourceProxied
}

// viaRoutes tries the proxied route, then the direct one.
func viaRoutes[V any](ctx context.Context, f *Fetcher, fetch func(context.Context, rest.Route) (V, error)) (V, rest.Route, error) {
	var (
		zero    V
		lastErr error
	)
	for _, route := range []rest.Route{rest.RouteProxied, rest.RouteDirect} {
		if !f.vendor.Available(route) {
			continue
		}
		value, err := fetch(ctx, route)
		if err == nil {
			return value, route, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		f.logger.Debug("route failed", zap.String("route", string(route)), zap.Error(err))
	}
	if lastErr == nil {
		lastErr = errs.New("fetcher/routes", errs.CodeUnavailable,
			errs.WithMessage("no REST route configured"),
			errs.WithCanonicalCode(errs.CanonicalNoData))
	}
	return zero, "", lastErr
}

type flightResult[V any] struct {
	value V
	route rest.Route
}

// await runs fetch once per key across concurrent callers. The fetch is
// detached from ctx: a caller that gives up stops waiting, but the fetch
// still completes and writes through.
func await[V any](ctx context.Context, f *Fetcher, key string, fetch func(context.Context) (V, rest.Route, error)) (V, rest.Route, error) {
	detached := context.WithoutCancel(ctx)
	ch := f.flights.DoChan(key, func() (any, error) {
		value, route, err := fetch(detached)
		return flightResult[V]{value: value, route: route}, err
	})
	select {
	case <-ctx.Done():
		var zero V
		return zero, "", errs.New("fetcher/await", errs.CodeNetwork, errs.WithCause(ctx.Err()))
	case res := <-ch:
		out, _ := res.Val.(flightResult[V])
		return out.value, out.route, res.Err
	}
}

// readThrough serves key from store when fresh, fetches otherwise, and falls
// back to an expired entry when every route fails.
func readThrough[V any](ctx context.Context, f *Fetcher, store *cache.Store[V], key string, fetch func(context.Context, rest.Route) (V, error)) (cache.Entry[V], bool, error) {
	if entry, ok := store.Get(key); ok {
		return entry, false, nil
	}
	entry, _, err := await(ctx, f, store.Kind()+":"+key, func(ctx context.Context) (cache.Entry[V], rest.Route, error) {
		value, route, err := viaRoutes(ctx, f, fetch)
		if err != nil {
			return cache.Entry[V]{}, route, err
		}
		return store.Set(key, value), route, nil
	})
	if err == nil {
		return entry, false, nil
	}
	if stale, ok := store.Lookup(key); ok {
		f.logger.Debug("serving expired entry",
			zap.String("kind", store.Kind()),
			zap.String("key", key),
			zap.Error(err))
		return stale, true, nil
	}
	return cache.Entry[V]{}, false, err
}
