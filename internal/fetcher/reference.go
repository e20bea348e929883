package fetcher

import (
	"context"
	"strings"
	"time"

	"github.com/coachpo/quotestream/errs"
	"github.com/coachpo/quotestream/internal/domain/market"
	"github.com/coachpo/quotestream/internal/rest"
)

var spans = map[string]struct{}{
	"minute": {}, "hour": {}, "day": {}, "week": {}, "month": {}, "quarter": {}, "year": {},
}

// Search returns tickers matching query.
func (f *Fetcher) Search(ctx context.Context, query string) ([]market.TickerMatch, error) {
	key := strings.ToLower(strings.TrimSpace(query))
	if key == "" {
		return nil, errs.New("fetcher/search", errs.CodeInvalid, errs.WithMessage("query required"))
	}
	entry, _, err := readThrough(ctx, f, f.caches.Search, key,
		func(ctx context.Context, route rest.Route) ([]market.TickerMatch, error) {
			return f.vendor.SearchTickers(ctx, route, key, f.cfg.SearchLimit)
		})
	if err != nil {
		return nil, err
	}
	return append([]market.TickerMatch(nil), entry.Value...), nil
}

// CompanyProfile returns reference details of symbol.
func (f *Fetcher) CompanyProfile(ctx context.Context, symbol string) (market.CompanyProfile, error) {
	normalized, err := market.ValidateSymbol(symbol)
	if err != nil {
		return market.CompanyProfile{}, err
	}
	entry, _, err := readThrough(ctx, f, f.caches.Profiles, normalized,
		func(ctx context.Context, route rest.Route) (market.CompanyProfile, error) {
			return f.vendor.TickerDetails(ctx, route, normalized)
		})
	if err != nil {
		return market.CompanyProfile{}, err
	}
	return entry.Value, nil
}

// Aggregates returns historical bars of symbol between from and to
// (YYYY-MM-DD, inclusive), one bar per span unit.
func (f *Fetcher) Aggregates(ctx context.Context, symbol, span, from, to string) ([]market.Bar, error) {
	normalized, err := market.ValidateSymbol(symbol)
	if err != nil {
		return nil, err
	}
	span = strings.ToLower(strings.TrimSpace(span))
	if _, ok := spans[span]; !ok {
		return nil, errs.New("fetcher/aggregates", errs.CodeInvalid,
			errs.WithSymbol(normalized),
			errs.WithMessage("unknown span "+span))
	}
	fromDate, ferr := time.Parse(time.DateOnly, strings.TrimSpace(from))
	toDate, terr := time.Parse(time.DateOnly, strings.TrimSpace(to))
	if ferr != nil || terr != nil || toDate.Before(fromDate) {
		return nil, errs.New("fetcher/aggregates", errs.CodeInvalid,
			errs.WithSymbol(normalized),
			errs.WithMessage("from and to must be ordered YYYY-MM-DD dates"))
	}
	from, to = fromDate.Format(time.DateOnly), toDate.Format(time.DateOnly)

	key := strings.Join([]string{normalized, span, from, to}, "|")
	entry, _, err := readThrough(ctx, f, f.caches.Aggregates, key,
		func(ctx context.Context, route rest.Route) ([]market.Bar, error) {
			return f.vendor.Aggregates(ctx, route, normalized, span, from, to)
		})
	if err != nil {
		return nil, err
	}
	return append([]market.Bar(nil), entry.Value...), nil
}
