package rest

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/quotestream/errs"
	"github.com/coachpo/quotestream/internal/domain/market"
)

// Logical endpoint names, used in errors and metrics.
const (
	EndpointPrevClose       = "prev_close"
	EndpointSnapshot        = "snapshot"
	EndpointOptionContracts = "option_contracts"
	EndpointOptionSnapshot  = "option_snapshot"
	EndpointSearch          = "search"
	EndpointTickerDetails   = "ticker_details"
	EndpointAggregates      = "aggregates"
)

type prevCloseResponse struct {
	Status  string         `json:"status"`
	Ticker  string         `json:"ticker"`
	Results []aggregateBar `json:"results"`
}

type aggregateBar struct {
	Ticker    string          `json:"T"`
	Open      decimal.Decimal `json:"o"`
	High      decimal.Decimal `json:"h"`
	Low       decimal.Decimal `json:"l"`
	Close     decimal.Decimal `json:"c"`
	Volume    decimal.Decimal `json:"v"`
	VWAP      decimal.Decimal `json:"vw"`
	Timestamp int64           `json:"t"`
}

func (b aggregateBar) toBar() market.Bar {
	return market.Bar{
		Open:      b.Open,
		High:      b.High,
		Low:       b.Low,
		Close:     b.Close,
		Volume:    b.Volume,
		VWAP:      b.VWAP,
		Timestamp: time.UnixMilli(b.Timestamp).UTC(),
	}
}

type snapshotResponse struct {
	Status  string           `json:"status"`
	Tickers []tickerSnapshot `json:"tickers"`
}

type tickerSnapshot struct {
	Ticker    string `json:"ticker"`
	LastTrade struct {
		Price decimal.Decimal `json:"p"`
	} `json:"lastTrade"`
	// The vendor keys bid and ask as "p" and "P", which only differ in case.
	LastQuote map[string]float64 `json:"lastQuote"`
	Day       struct {
		Close decimal.Decimal `json:"c"`
	} `json:"day"`
	PrevDay struct {
		Close decimal.Decimal `json:"c"`
	} `json:"prevDay"`
	Updated int64 `json:"updated"`
}

func (s tickerSnapshot) toQuote(now time.Time) (market.Quote, bool) {
	symbol := market.NormalizeSymbol(s.Ticker)
	if symbol == "" {
		return market.Quote{}, false
	}
	bid := decimal.NewFromFloat(s.LastQuote["p"])
	ask := decimal.NewFromFloat(s.LastQuote["P"])
	price := s.LastTrade.Price
	if !price.IsPositive() {
		price = market.PriceFromMid(bid, ask)
	}
	if !price.IsPositive() {
		price = s.Day.Close
	}
	if !price.IsPositive() {
		price = s.PrevDay.Close
	}
	if !price.IsPositive() {
		return market.Quote{}, false
	}
	asOf := now
	if s.Updated > 0 {
		asOf = time.Unix(0, s.Updated).UTC()
	}
	return market.Quote{Symbol: symbol, Price: price, Bid: bid, Ask: ask, AsOf: asOf}, true
}

type contractsResponse struct {
	Status  string           `json:"status"`
	Results []contractRecord `json:"results"`
	NextURL string           `json:"next_url"`
}

type contractRecord struct {
	Ticker            string          `json:"ticker"`
	UnderlyingTicker  string          `json:"underlying_ticker"`
	ContractType      string          `json:"contract_type"`
	StrikePrice       decimal.Decimal `json:"strike_price"`
	ExpirationDate    string          `json:"expiration_date"`
	SharesPerContract int             `json:"shares_per_contract"`
	ExerciseStyle     string          `json:"exercise_style"`
}

func (r contractRecord) toContract() market.OptionContract {
	return market.OptionContract{
		Ticker:        market.NormalizeSymbol(r.Ticker),
		Underlying:    market.NormalizeSymbol(r.UnderlyingTicker),
		Type:          market.ContractType(strings.ToLower(strings.TrimSpace(r.ContractType))),
		Strike:        r.StrikePrice,
		Expiration:    strings.TrimSpace(r.ExpirationDate),
		SharesPerUnit: r.SharesPerContract,
		ExerciseStyle: r.ExerciseStyle,
	}
}

type optionSnapshotResponse struct {
	Status  string         `json:"status"`
	Results optionSnapshot `json:"results"`
}

type optionSnapshot struct {
	ImpliedVolatility decimal.Decimal `json:"implied_volatility"`
	OpenInterest      int64           `json:"open_interest"`
	Day               struct {
		Close  decimal.Decimal `json:"close"`
		Volume int64           `json:"volume"`
	} `json:"day"`
	Greeks struct {
		Delta decimal.Decimal `json:"delta"`
		Gamma decimal.Decimal `json:"gamma"`
		Theta decimal.Decimal `json:"theta"`
		Vega  decimal.Decimal `json:"vega"`
		Rho   decimal.Decimal `json:"rho"`
	} `json:"greeks"`
	LastQuote struct {
		Bid         decimal.Decimal `json:"bid"`
		Ask         decimal.Decimal `json:"ask"`
		Midpoint    decimal.Decimal `json:"midpoint"`
		LastUpdated int64           `json:"last_updated"`
	} `json:"last_quote"`
	LastTrade struct {
		Price decimal.Decimal `json:"price"`
	} `json:"last_trade"`
}

func (s optionSnapshot) toDetail(now time.Time) market.OptionDetail {
	price := s.LastTrade.Price
	if !price.IsPositive() {
		price = s.LastQuote.Midpoint
	}
	if !price.IsPositive() {
		price = market.PriceFromMid(s.LastQuote.Bid, s.LastQuote.Ask)
	}
	if !price.IsPositive() {
		price = s.Day.Close
	}
	updated := now
	if s.LastQuote.LastUpdated > 0 {
		updated = time.Unix(0, s.LastQuote.LastUpdated).UTC()
	}
	return market.OptionDetail{
		Price:             price,
		Bid:               s.LastQuote.Bid,
		Ask:               s.LastQuote.Ask,
		OpenInterest:      s.OpenInterest,
		Volume:            s.Day.Volume,
		ImpliedVolatility: s.ImpliedVolatility,
		Greeks: market.Greeks{
			Delta: s.Greeks.Delta,
			Gamma: s.Greeks.Gamma,
			Theta: s.Greeks.Theta,
			Vega:  s.Greeks.Vega,
			Rho:   s.Greeks.Rho,
		},
		UpdatedAt: updated,
	}
}

type searchResponse struct {
	Status  string         `json:"status"`
	Results []tickerRecord `json:"results"`
}

type tickerRecord struct {
	Ticker          string `json:"ticker"`
	Name            string `json:"name"`
	Market          string `json:"market"`
	Type            string `json:"type"`
	PrimaryExchange string `json:"primary_exchange"`
	Active          bool   `json:"active"`
}

type detailsResponse struct {
	Status  string        `json:"status"`
	Results detailsRecord `json:"results"`
}

type detailsRecord struct {
	Ticker          string          `json:"ticker"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	HomepageURL     string          `json:"homepage_url"`
	MarketCap       decimal.Decimal `json:"market_cap"`
	TotalEmployees  int64           `json:"total_employees"`
	ListDate        string          `json:"list_date"`
	PrimaryExchange string          `json:"primary_exchange"`
}

type aggregatesResponse struct {
	Status  string         `json:"status"`
	Ticker  string         `json:"ticker"`
	Results []aggregateBar `json:"results"`
}

func symbolPath(symbol string) string {
	return url.PathEscape(market.NormalizeSymbol(symbol))
}

func noData(endpoint, symbol string) error {
	return errs.New("rest/"+endpoint, errs.CodeNotFound,
		errs.WithSymbol(symbol),
		errs.WithMessage("empty result"),
		errs.WithCanonicalCode(errs.CanonicalNoData))
}

// PrevClose returns the previous session's close as a quote.
func (c *Client) PrevClose(ctx context.Context, route Route, symbol string) (market.Quote, error) {
	var payload prevCloseResponse
	path := "/v2/aggs/ticker/" + symbolPath(symbol) + "/prev"
	if err := c.get(ctx, route, EndpointPrevClose, path, url.Values{"adjusted": {"true"}}, &payload); err != nil {
		return market.Quote{}, err
	}
	normalized := market.NormalizeSymbol(symbol)
	if len(payload.Results) == 0 || !payload.Results[0].Close.IsPositive() {
		return market.Quote{}, noData(EndpointPrevClose, normalized)
	}
	bar := payload.Results[0]
	asOf := time.Now().UTC()
	if bar.Timestamp > 0 {
		asOf = time.UnixMilli(bar.Timestamp).UTC()
	}
	return market.Quote{Symbol: normalized, Price: bar.Close, AsOf: asOf}, nil
}

// Snapshots returns the current quote of each symbol in one request. Symbols
// the vendor does not report are absent from the result.
func (c *Client) Snapshots(ctx context.Context, route Route, symbols []string) (map[string]market.Quote, error) {
	if len(symbols) == 0 {
		return map[string]market.Quote{}, nil
	}
	tickers := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		tickers = append(tickers, market.NormalizeSymbol(symbol))
	}
	var payload snapshotResponse
	query := url.Values{"tickers": {strings.Join(tickers, ",")}}
	if err := c.get(ctx, route, EndpointSnapshot, "/v2/snapshot/locale/us/markets/stocks/tickers", query, &payload); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make(map[string]market.Quote, len(payload.Tickers))
	for _, snap := range payload.Tickers {
		if quote, ok := snap.toQuote(now); ok {
			out[quote.Symbol] = quote
		}
	}
	return out, nil
}

// OptionContracts lists the contracts of underlying, optionally limited to
// one expiration date (YYYY-MM-DD). Pagination is followed up to MaxPages.
func (c *Client) OptionContracts(ctx context.Context, route Route, underlying, expiration string) ([]market.OptionContract, error) {
	query := url.Values{
		"underlying_ticker": {market.NormalizeSymbol(underlying)},
		"expired":           {"false"},
		"limit":             {"1000"},
	}
	if expiration = strings.TrimSpace(expiration); expiration != "" {
		query.Set("expiration_date", expiration)
	}
	path := "/v3/reference/options/contracts"
	var contracts []market.OptionContract
	for page := 0; page < c.cfg.MaxPages; page++ {
		var payload contractsResponse
		if err := c.get(ctx, route, EndpointOptionContracts, path, query, &payload); err != nil {
			return nil, err
		}
		for _, record := range payload.Results {
			if strings.TrimSpace(record.Ticker) == "" {
				continue
			}
			contracts = append(contracts, record.toContract())
		}
		next, nextQuery, ok := nextPage(payload.NextURL)
		if !ok {
			break
		}
		path, query = next, nextQuery
	}
	return contracts, nil
}

// Expirations lists the distinct upcoming expiration dates of underlying.
func (c *Client) Expirations(ctx context.Context, route Route, underlying string) ([]string, error) {
	contracts, err := c.OptionContracts(ctx, route, underlying, "")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, contract := range contracts {
		if contract.Expiration != "" {
			seen[contract.Expiration] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for date := range seen {
		out = append(out, date)
	}
	sort.Strings(out)
	return out, nil
}

// OptionSnapshot returns the live detail of one contract.
func (c *Client) OptionSnapshot(ctx context.Context, route Route, underlying, contract string) (market.OptionDetail, error) {
	var payload optionSnapshotResponse
	path := "/v3/snapshot/options/" + symbolPath(underlying) + "/" + symbolPath(contract)
	if err := c.get(ctx, route, EndpointOptionSnapshot, path, nil, &payload); err != nil {
		return market.OptionDetail{}, err
	}
	return payload.Results.toDetail(time.Now().UTC()), nil
}

// SearchTickers returns tickers matching query.
func (c *Client) SearchTickers(ctx context.Context, route Route, query string, limit int) ([]market.TickerMatch, error) {
	if limit <= 0 {
		limit = 20
	}
	var payload searchResponse
	params := url.Values{
		"search": {strings.TrimSpace(query)},
		"active": {"true"},
		"limit":  {strconv.Itoa(limit)},
	}
	if err := c.get(ctx, route, EndpointSearch, "/v3/reference/tickers", params, &payload); err != nil {
		return nil, err
	}
	out := make([]market.TickerMatch, 0, len(payload.Results))
	for _, record := range payload.Results {
		out = append(out, market.TickerMatch{
			Ticker:   market.NormalizeSymbol(record.Ticker),
			Name:     record.Name,
			Market:   record.Market,
			Type:     record.Type,
			Exchange: record.PrimaryExchange,
			Active:   record.Active,
		})
	}
	return out, nil
}

// TickerDetails returns the company profile of symbol.
func (c *Client) TickerDetails(ctx context.Context, route Route, symbol string) (market.CompanyProfile, error) {
	var payload detailsResponse
	if err := c.get(ctx, route, EndpointTickerDetails, "/v3/reference/tickers/"+symbolPath(symbol), nil, &payload); err != nil {
		return market.CompanyProfile{}, err
	}
	r := payload.Results
	if strings.TrimSpace(r.Ticker) == "" {
		return market.CompanyProfile{}, noData(EndpointTickerDetails, market.NormalizeSymbol(symbol))
	}
	return market.CompanyProfile{
		Ticker:          market.NormalizeSymbol(r.Ticker),
		Name:            r.Name,
		Description:     r.Description,
		HomepageURL:     r.HomepageURL,
		MarketCap:       r.MarketCap,
		Employees:       r.TotalEmployees,
		ListDate:        r.ListDate,
		PrimaryExchange: r.PrimaryExchange,
	}, nil
}

// Aggregates returns bars of one span unit (minute, hour, day, week, month)
// between from and to, both YYYY-MM-DD.
func (c *Client) Aggregates(ctx context.Context, route Route, symbol, span, from, to string) ([]market.Bar, error) {
	var payload aggregatesResponse
	path := "/v2/aggs/ticker/" + symbolPath(symbol) + "/range/1/" + url.PathEscape(span) + "/" +
		url.PathEscape(from) + "/" + url.PathEscape(to)
	params := url.Values{"adjusted": {"true"}, "sort": {"asc"}}
	if err := c.get(ctx, route, EndpointAggregates, path, params, &payload); err != nil {
		return nil, err
	}
	out := make([]market.Bar, 0, len(payload.Results))
	for _, bar := range payload.Results {
		out = append(out, bar.toBar())
	}
	return out, nil
}
