package fetcher

import (
	"context"
	"errors"
	"strings"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/coachpo/quotestream/errs"
	"github.com/coachpo/quotestream/internal/cache"
	"github.com/coachpo/quotestream/internal/domain/market"
	"github.com/coachpo/quotestream/internal/rest"
)

var newYork = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.UTC
	}
	return loc
}()

func validateUnderlying(underlying string) (string, error) {
	normalized := market.NormalizeSymbol(underlying)
	if normalized == "" || strings.HasPrefix(normalized, market.OptionPrefix) {
		return "", errs.New("fetcher/options", errs.CodeInvalid,
			errs.WithSymbol(normalized),
			errs.WithMessage("underlying symbol required"),
			errs.WithCanonicalCode(errs.CanonicalMissingUnderlying))
	}
	return market.ValidateSymbol(normalized)
}

// GetExpirations returns the upcoming expiration dates of underlying.
func (f *Fetcher) GetExpirations(ctx context.Context, underlying string) ([]string, error) {
	normalized, err := validateUnderlying(underlying)
	if err != nil {
		return nil, err
	}
	entry, _, err := readThrough(ctx, f, f.caches.Expirations, normalized,
		func(ctx context.Context, route rest.Route) ([]string, error) {
			return f.vendor.Expirations(ctx, route, normalized)
		})
	if err != nil {
		return nil, err
	}
	return append([]string(nil), entry.Value...), nil
}

// nearestExpiration picks the first expiration on or after today in New York.
func (f *Fetcher) nearestExpiration(ctx context.Context, underlying string) (string, error) {
	dates, err := f.GetExpirations(ctx, underlying)
	if err != nil {
		return "", err
	}
	today := f.now().In(newYork).Format(time.DateOnly)
	for _, date := range dates {
		if date >= today {
			return date, nil
		}
	}
	return "", errs.New("fetcher/options", errs.CodeNotFound,
		errs.WithSymbol(underlying),
		errs.WithMessage("no upcoming expiration"),
		errs.WithCanonicalCode(errs.CanonicalNoData))
}

// GetOptionChain returns every contract of underlying for expiration, with
// per-contract detail. An empty expiration means the nearest one. A contract
// whose detail cannot be fetched keeps a zeroed detail with DetailError set.
func (f *Fetcher) GetOptionChain(ctx context.Context, underlying, expiration string) (market.OptionChain, error) {
	normalized, err := validateUnderlying(underlying)
	if err != nil {
		return market.OptionChain{}, err
	}
	expiration = strings.TrimSpace(expiration)
	if expiration == "" {
		if expiration, err = f.nearestExpiration(ctx, normalized); err != nil {
			return market.OptionChain{}, err
		}
	} else if _, perr := time.Parse(time.DateOnly, expiration); perr != nil {
		return market.OptionChain{}, errs.New("fetcher/options", errs.CodeInvalid,
			errs.WithSymbol(normalized),
			errs.WithMessage("expiration must be YYYY-MM-DD"),
			errs.WithCause(perr))
	}

	key := cache.ChainKey(normalized, expiration)
	entry, stale, err := readThrough(ctx, f, f.caches.Chains, key,
		func(ctx context.Context, route rest.Route) (market.OptionChain, error) {
			return f.fetchChain(ctx, route, normalized, expiration)
		})
	if err != nil {
		// No earlier chain to fall back on: hand out the zeroed contracts
		// without caching them.
		var outage *detailOutage
		if errors.As(err, &outage) {
			return outage.chain, nil
		}
		return market.OptionChain{}, err
	}
	chain := entry.Value
	chain.Contracts = append([]market.OptionQuote(nil), chain.Contracts...)
	chain.Stale = stale
	return chain, nil
}

func (f *Fetcher) fetchChain(ctx context.Context, route rest.Route, underlying, expiration string) (market.OptionChain, error) {
	contracts, err := f.vendor.OptionContracts(ctx, route, underlying, expiration)
	if err != nil {
		return market.OptionChain{}, err
	}
	quotes := make([]market.OptionQuote, len(contracts))
	for i, contract := range contracts {
		quotes[i].Contract = contract
	}

	size := f.cfg.OptionDetailBatch
	for start := 0; start < len(quotes); start += size {
		end := min(start+size, len(quotes))
		p := concpool.New().WithMaxGoroutines(size)
		for i := start; i < end; i++ {
			p.Go(func() {
				quotes[i].Detail = f.contractDetail(ctx, underlying, quotes[i].Contract.Ticker)
			})
		}
		p.Wait()
	}

	chain := market.OptionChain{
		Underlying: underlying,
		Expiration: expiration,
		Contracts:  quotes,
		FetchedAt:  f.now(),
	}
	if failed := chain.Failed(); failed > 0 {
		f.metrics.recordDetailFailures(ctx, failed)
		f.logger.Warn("option details incomplete",
			zap.String("underlying", underlying),
			zap.String("expiration", expiration),
			zap.Int("contracts", len(quotes)),
			zap.Int("failed", failed))
		if failed == len(quotes) {
			return market.OptionChain{}, &detailOutage{chain: chain}
		}
	}
	return chain, nil
}

// detailOutage reports a chain whose every contract detail failed. Such a
// chain is never cached, so an earlier good entry keeps being served.
type detailOutage struct {
	chain market.OptionChain
}

func (e *detailOutage) Error() string {
	return "option details unavailable for " + e.chain.Underlying + " " + e.chain.Expiration
}

// contractDetail walks both routes for one contract and never fails: the
// error is carried in the detail instead.
func (f *Fetcher) contractDetail(ctx context.Context, underlying, contract string) market.OptionDetail {
	detail, _, err := viaRoutes(ctx, f, func(ctx context.Context, route rest.Route) (market.OptionDetail, error) {
		return f.vendor.OptionSnapshot(ctx, route, underlying, contract)
	})
	if err != nil {
		return market.OptionDetail{DetailError: err.Error()}
	}
	return detail
}
