package portfolio

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/quotestream/internal/domain/market"
)

// Holding is one valued position. Derived values are never persisted.
type Holding struct {
	ID            string
	Kind          Kind
	Symbol        string
	Underlying    string
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	CostBasis     decimal.Decimal
	MarketValue   decimal.Decimal
	Profit        decimal.Decimal
	ProfitPercent decimal.Decimal
	Source        market.Source
	Stale         bool
	Priced        bool
}

// Summary values a principal's portfolio. Totals cover priced holdings only;
// Unpriced counts the rest.
type Summary struct {
	Principal   string
	Holdings    []Holding
	Cash        decimal.Decimal
	CostBasis   decimal.Decimal
	MarketValue decimal.Decimal
	Profit      decimal.Decimal
	TotalValue  decimal.Decimal
	Unpriced    int
	AsOf        time.Time
}

// Symbols returns every symbol that must be priced to value the holdings.
func Symbols(positions []Position, options []OptionPosition) []string {
	seen := make(map[string]struct{}, len(positions)+len(options))
	out := make([]string, 0, len(positions)+len(options))
	add := func(symbol string) {
		symbol = market.NormalizeSymbol(symbol)
		if symbol == "" {
			return
		}
		if _, ok := seen[symbol]; ok {
			return
		}
		seen[symbol] = struct{}{}
		out = append(out, symbol)
	}
	for _, p := range positions {
		add(p.Symbol)
	}
	for _, p := range options {
		add(p.Contract)
	}
	return out
}

// Value derives market value and profit from holdings and quotes.
func Value(principal string, positions []Position, options []OptionPosition, cash []CashBalance, quotes map[string]market.Quote, asOf time.Time) Summary {
	s := Summary{Principal: principal, AsOf: asOf}
	one := decimal.NewFromInt(1)
	for _, p := range positions {
		s.add(Holding{
			ID:        p.ID,
			Kind:      KindPosition,
			Symbol:    market.NormalizeSymbol(p.Symbol),
			Quantity:  p.Quantity,
			CostBasis: p.Quantity.Mul(p.AverageCost),
		}, quotes, one)
	}
	for _, p := range options {
		mult := p.Multiplier()
		s.add(Holding{
			ID:         p.ID,
			Kind:       KindOptionPosition,
			Symbol:     market.NormalizeSymbol(p.Contract),
			Underlying: market.NormalizeSymbol(p.Underlying),
			Quantity:   p.Quantity,
			CostBasis:  p.Quantity.Mul(p.AverageCost).Mul(mult),
		}, quotes, mult)
	}
	for _, c := range cash {
		s.Cash = s.Cash.Add(c.Amount)
	}
	s.Profit = s.MarketValue.Sub(s.CostBasis)
	s.TotalValue = s.MarketValue.Add(s.Cash)
	return s
}

func (s *Summary) add(h Holding, quotes map[string]market.Quote, mult decimal.Decimal) {
	quote, ok := quotes[h.Symbol]
	if ok && quote.Price.IsPositive() {
		h.Priced = true
		h.Price = quote.Price
		h.Source = quote.Source
		h.Stale = quote.Stale
		h.MarketValue = h.Quantity.Mul(quote.Price).Mul(mult)
		h.Profit = h.MarketValue.Sub(h.CostBasis)
		if !h.CostBasis.IsZero() {
			h.ProfitPercent = h.Profit.Div(h.CostBasis.Abs()).Mul(decimal.NewFromInt(100)).Round(2)
		}
		s.CostBasis = s.CostBasis.Add(h.CostBasis)
		s.MarketValue = s.MarketValue.Add(h.MarketValue)
	} else {
		s.Unpriced++
	}
	s.Holdings = append(s.Holdings, h)
}
