// Package quotes is the public facade of the market-data subsystem. A Service
// owns the streaming connections, the subscription registry, the caches and
// the REST fallback, and exposes them as one API.
package quotes

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coachpo/quotestream/errs"
	"github.com/coachpo/quotestream/internal/cache"
	"github.com/coachpo/quotestream/internal/domain/advisor"
	"github.com/coachpo/quotestream/internal/domain/market"
	"github.com/coachpo/quotestream/internal/domain/portfolio"
	"github.com/coachpo/quotestream/internal/eventbus"
	"github.com/coachpo/quotestream/internal/fetcher"
	"github.com/coachpo/quotestream/internal/infra/calendar"
	"github.com/coachpo/quotestream/internal/lifecycle"
	"github.com/coachpo/quotestream/internal/registry"
	"github.com/coachpo/quotestream/internal/rest"
	"github.com/coachpo/quotestream/internal/stream"
	"github.com/coachpo/quotestream/internal/throttle"
)

// Config assembles the configuration of every component.
type Config struct {
	Stream    stream.Config
	Throttle  throttle.Config
	Cache     cache.TTLs
	MarketMIC string
	REST      rest.Config
	Fetcher   fetcher.Config
	Registry  registry.Config
	Lifecycle lifecycle.Config
	Bus       eventbus.MemoryConfig
	// Principal is the portfolio held while the app is in the foreground.
	// Empty disables portfolio membership.
	Principal string
}

// DefaultConfig returns the standard settings without endpoints or credentials.
func DefaultConfig() Config {
	return Config{
		Stream:    stream.DefaultConfig(),
		Throttle:  throttle.DefaultConfig(),
		Cache:     cache.DefaultTTLs(),
		MarketMIC: "xnys",
		REST:      rest.DefaultConfig(),
		Fetcher:   fetcher.DefaultConfig(),
		Registry:  registry.Config{BatchWindow: registry.DefaultBatchWindow},
		Lifecycle: lifecycle.Config{Policy: lifecycle.PolicyDisconnect},
	}
}

// Service is the market-data facade.
type Service struct {
	cfg       Config
	logger    *zap.Logger
	bus       eventbus.Bus
	policy    *throttle.Policy
	caches    *cache.Caches
	streams   *stream.Manager
	registry  *registry.Registry
	fetcher   *fetcher.Fetcher
	monitor   *lifecycle.Monitor
	store     portfolio.Store
	generator advisor.Generator
	now       func() time.Time

	runMu   sync.Mutex
	running bool

	mu      sync.Mutex
	handles map[string]*Handle
	holds   map[holdKey]int
}

type options struct {
	vendor    fetcher.Vendor
	store     portfolio.Store
	generator advisor.Generator
	clock     func() time.Time
}

// Option customises a Service.
type Option func(*options)

// WithVendor replaces the REST client.
func WithVendor(v fetcher.Vendor) Option {
	return func(o *options) { o.vendor = v }
}

// WithStore attaches the portfolio store.
func WithStore(s portfolio.Store) Option {
	return func(o *options) { o.store = s }
}

// WithGenerator attaches the recommendation generator.
func WithGenerator(g advisor.Generator) Option {
	return func(o *options) { o.generator = g }
}

// WithClock overrides the time source of the caches and the fetcher.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// New wires every component. Nothing runs until Start.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.Cache == (cache.TTLs{}) {
		cfg.Cache = cache.DefaultTTLs()
	}
	if o.vendor == nil {
		o.vendor = rest.New(cfg.REST, logger.With(zap.String("component", "rest")))
	}

	caches := cache.NewCaches(cfg.Cache, calendar.NewSession(cfg.MarketMIC), o.clock)
	bus := eventbus.NewMemoryBus(cfg.Bus, logger.With(zap.String("component", "eventbus")))
	policy := throttle.New(cfg.Throttle)
	streams := stream.NewManager(cfg.Stream, bus, policy, caches.Prices, logger.With(zap.String("component", "stream")))
	reg := registry.New(cfg.Registry, streams, logger.With(zap.String("component", "registry")))
	streams.SetSource(reg)
	fetch := fetcher.New(cfg.Fetcher, o.vendor, caches, logger.With(zap.String("component", "fetcher")),
		fetcher.WithLiveSource(streams),
		fetcher.WithSubscriber(reg),
		fetcher.WithClock(o.clock))
	monitor := lifecycle.New(cfg.Lifecycle, reg, streams, logger.With(zap.String("component", "lifecycle")))

	s := &Service{
		cfg:       cfg,
		logger:    logger,
		bus:       bus,
		policy:    policy,
		caches:    caches,
		streams:   streams,
		registry:  reg,
		fetcher:   fetch,
		monitor:   monitor,
		store:     o.store,
		generator: o.generator,
		now:       o.clock,
		handles:   make(map[string]*Handle),
		holds:     make(map[holdKey]int),
	}
	if s.store != nil && cfg.Principal != "" {
		monitor.SetMembership(portfolioMembers{store: s.store, principal: cfg.Principal})
	}
	return s
}

// Start arms the throttle timers and the connection manager, then holds the
// configured portfolio. Connections open on first subscription.
func (s *Service) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return nil
	}
	s.policy.Start(ctx)
	s.streams.Start(ctx)
	s.running = true

	if s.store != nil && s.cfg.Principal != "" {
		members, err := portfolioMembers{store: s.store, principal: s.cfg.Principal}.Members(ctx)
		if err != nil {
			s.logger.Warn("load portfolio membership", zap.Error(err))
		} else if err := s.registry.Reconcile(lifecycle.PortfolioHolder, members); err != nil {
			s.logger.Warn("hold portfolio", zap.Error(err))
		}
	}
	s.logger.Info("quote service started")
	return nil
}

// Stop releases every handle, closes the connections and the bus. It returns
// early with ctx's error when ctx ends first.
func (s *Service) Stop(ctx context.Context) error {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return nil
	}
	s.running = false
	s.runMu.Unlock()

	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()
	for _, h := range handles {
		h.Release()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.registry.Close()
		s.fetcher.Close()
		s.streams.Stop()
		s.policy.Stop()
		s.bus.Close()
	}()
	select {
	case <-done:
		s.logger.Info("quote service stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetPrice returns the best available price of symbol.
func (s *Service) GetPrice(ctx context.Context, symbol string) (market.Quote, error) {
	return s.fetcher.GetPrice(ctx, symbol)
}

// GetPrices returns every symbol that resolved; the error joins the failures
// of the others.
func (s *Service) GetPrices(ctx context.Context, symbols []string) (map[string]market.Quote, error) {
	return s.fetcher.GetPrices(ctx, symbols)
}

// ForceRefresh bypasses the caches for symbol and lets its next streamed tick
// through the throttle.
func (s *Service) ForceRefresh(ctx context.Context, symbol string) (market.Quote, error) {
	normalized, err := market.ValidateSymbol(symbol)
	if err != nil {
		return market.Quote{}, err
	}
	s.policy.ForceUpdate(normalized)
	return s.fetcher.RefreshPrice(ctx, normalized)
}

// GetOptionChain returns the chain of underlying for expiration, or for the
// nearest expiration when empty.
func (s *Service) GetOptionChain(ctx context.Context, underlying, expiration string) (market.OptionChain, error) {
	return s.fetcher.GetOptionChain(ctx, underlying, expiration)
}

// GetExpirations returns the upcoming expirations of underlying.
func (s *Service) GetExpirations(ctx context.Context, underlying string) ([]string, error) {
	return s.fetcher.GetExpirations(ctx, underlying)
}

// Search looks tickers up by name or symbol.
func (s *Service) Search(ctx context.Context, query string) ([]market.TickerMatch, error) {
	return s.fetcher.Search(ctx, query)
}

// CompanyProfile returns reference details of symbol.
func (s *Service) CompanyProfile(ctx context.Context, symbol string) (market.CompanyProfile, error) {
	return s.fetcher.CompanyProfile(ctx, symbol)
}

// Aggregates returns historical bars.
func (s *Service) Aggregates(ctx context.Context, symbol, span, from, to string) ([]market.Bar, error) {
	return s.fetcher.Aggregates(ctx, symbol, span, from, to)
}

// ConnectionState returns the state of segment's streaming connection.
func (s *Service) ConnectionState(segment market.Segment) market.ConnectionState {
	return s.streams.State(segment)
}

// ConnectionStates returns the state of every segment.
func (s *Service) ConnectionStates() map[market.Segment]market.ConnectionState {
	return s.streams.States()
}

// Subscriptions returns the registry contents.
func (s *Service) Subscriptions() []market.Subscription {
	return s.registry.Snapshot()
}

// Events streams every event of typ until ctx ends.
func (s *Service) Events(ctx context.Context, typ eventbus.EventType) (<-chan eventbus.Event, error) {
	_, ch, err := s.bus.Subscribe(ctx, eventbus.Global(typ))
	return ch, err
}

// SetAppState applies a foreground or background transition.
func (s *Service) SetAppState(ctx context.Context, state lifecycle.AppState) error {
	return s.monitor.Transition(ctx, state)
}

// AppState returns the last applied app state.
func (s *Service) AppState() lifecycle.AppState {
	return s.monitor.State()
}

// Unsubscribe drops every holder of symbol and closes the handles on it.
func (s *Service) Unsubscribe(symbol string) error {
	normalized, err := market.ValidateSymbol(symbol)
	if err != nil {
		return err
	}
	s.mu.Lock()
	var closing []*Handle
	for _, h := range s.handles {
		if h.symbol == normalized {
			closing = append(closing, h)
		}
	}
	s.mu.Unlock()
	for _, h := range closing {
		h.detach()
	}
	return s.registry.Remove(normalized, "")
}

func (s *Service) storeRequired() error {
	if s.store == nil {
		return errs.New("quotes/portfolio", errs.CodeUnavailable, errs.WithMessage("no portfolio store configured"))
	}
	return nil
}
