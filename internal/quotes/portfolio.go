package quotes

import (
	"context"
	"sync"

	concpool "github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/coachpo/quotestream/errs"
	"github.com/coachpo/quotestream/internal/domain/advisor"
	"github.com/coachpo/quotestream/internal/domain/market"
	"github.com/coachpo/quotestream/internal/domain/portfolio"
	"github.com/coachpo/quotestream/internal/lifecycle"
	"github.com/coachpo/quotestream/internal/registry"
)

// portfolioMembers lists a principal's positions as High-tier members.
type portfolioMembers struct {
	store     portfolio.Store
	principal string
}

func (p portfolioMembers) Members(ctx context.Context) ([]registry.Member, error) {
	positions, err := portfolio.Positions(ctx, p.store, p.principal)
	if err != nil {
		return nil, err
	}
	options, err := portfolio.OptionPositions(ctx, p.store, p.principal)
	if err != nil {
		return nil, err
	}
	symbols := portfolio.Symbols(positions, options)
	members := make([]registry.Member, 0, len(symbols))
	for _, symbol := range symbols {
		members = append(members, registry.Member{
			Symbol:  symbol,
			Segment: market.SegmentOf(symbol),
			Tier:    market.TierHigh,
		})
	}
	return members, nil
}

// Portfolio values principal's holdings at current prices and keeps them
// subscribed at High. Values are derived on every call and never stored.
func (s *Service) Portfolio(ctx context.Context, principal string) (portfolio.Summary, error) {
	if err := s.storeRequired(); err != nil {
		return portfolio.Summary{}, err
	}
	var (
		positions []portfolio.Position
		options   []portfolio.OptionPosition
		cash      []portfolio.CashBalance
	)
	p := concpool.New().WithErrors().WithContext(ctx)
	p.Go(func(ctx context.Context) (err error) {
		positions, err = portfolio.Positions(ctx, s.store, principal)
		return err
	})
	p.Go(func(ctx context.Context) (err error) {
		options, err = portfolio.OptionPositions(ctx, s.store, principal)
		return err
	})
	p.Go(func(ctx context.Context) (err error) {
		cash, err = portfolio.CashBalances(ctx, s.store, principal)
		return err
	})
	if err := p.Wait(); err != nil {
		return portfolio.Summary{}, err
	}

	symbols := portfolio.Symbols(positions, options)
	quotes := map[string]market.Quote{}
	if len(symbols) > 0 {
		var err error
		quotes, err = s.fetcher.GetPrices(ctx, symbols)
		if err != nil {
			s.logger.Warn("portfolio pricing incomplete",
				zap.String("principal", principal),
				zap.Int("symbols", len(symbols)),
				zap.Int("priced", len(quotes)),
				zap.Error(err))
		}
	}
	for _, symbol := range symbols {
		if _, err := s.registry.Subscribe(symbol, market.SegmentOf(symbol), market.TierHigh, lifecycle.PortfolioHolder); err != nil {
			s.logger.Warn("hold portfolio symbol", zap.String("symbol", symbol), zap.Error(err))
		}
	}
	return portfolio.Value(principal, positions, options, cash, quotes, s.now()), nil
}

// Recommend assembles the generator input for underlying and asks the
// generator for suggestions.
func (s *Service) Recommend(ctx context.Context, principal, underlying string) ([]advisor.Suggestion, error) {
	if s.generator == nil {
		return nil, errs.New("quotes/recommend", errs.CodeUnavailable, errs.WithMessage("no recommendation generator configured"))
	}
	if err := s.storeRequired(); err != nil {
		return nil, err
	}
	in := advisor.Input{Principal: principal, Underlying: market.NormalizeSymbol(underlying), AsOf: s.now()}

	var mu sync.Mutex
	p := concpool.New().WithErrors().WithContext(ctx)
	p.Go(func(ctx context.Context) error {
		chain, err := s.fetcher.GetOptionChain(ctx, underlying, "")
		mu.Lock()
		in.Chain = chain
		mu.Unlock()
		return err
	})
	p.Go(func(ctx context.Context) error {
		quote, err := s.fetcher.GetPrice(ctx, in.Underlying)
		mu.Lock()
		in.Quote = quote
		mu.Unlock()
		return err
	})
	p.Go(func(ctx context.Context) error {
		summary, err := s.Portfolio(ctx, principal)
		mu.Lock()
		in.Portfolio = summary
		mu.Unlock()
		return err
	})
	p.Go(func(ctx context.Context) error {
		prefs, err := portfolio.StrategyPreferences(ctx, s.store, principal)
		mu.Lock()
		in.Preferences = prefs
		mu.Unlock()
		return err
	})
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return s.generator.Recommend(ctx, in)
}
