// Package advisor defines the contract of the recommendation generator. The
// generator itself is an external collaborator.
package advisor

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/quotestream/internal/domain/market"
	"github.com/coachpo/quotestream/internal/domain/portfolio"
)

// Input is everything a generator sees for one request.
type Input struct {
	Principal   string
	Underlying  string
	Quote       market.Quote
	Chain       market.OptionChain
	Portfolio   portfolio.Summary
	Preferences []portfolio.StrategyPreference
	AsOf        time.Time
}

// Leg is one contract of a suggested trade.
type Leg struct {
	Contract string
	Side     string
	Quantity decimal.Decimal
}

// Suggestion is one recommended action.
type Suggestion struct {
	Strategy   string
	Action     string
	Legs       []Leg
	Rationale  string
	Confidence float64
}

// Generator produces suggestions.
type Generator interface {
	Recommend(ctx context.Context, in Input) ([]Suggestion, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, in Input) ([]Suggestion, error)

// Recommend calls f.
func (f GeneratorFunc) Recommend(ctx context.Context, in Input) ([]Suggestion, error) {
	return f(ctx, in)
}
