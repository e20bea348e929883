// Package market defines the canonical market-data types shared across quotestream.
package market

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/quotestream/errs"
)

// OptionPrefix marks option contract symbols (e.g. O:SPY250620C00500000).
const OptionPrefix = "O:"

// Segment identifies a market data category that requires its own streaming connection.
type Segment string

const (
	// SegmentEquity covers stocks and ETFs.
	SegmentEquity Segment = "equity"
	// SegmentOption covers listed option contracts.
	SegmentOption Segment = "option"
)

// Segments lists every segment in connection order.
var Segments = []Segment{SegmentEquity, SegmentOption}

// Valid reports whether s is a known segment.
func (s Segment) Valid() bool {
	return s == SegmentEquity || s == SegmentOption
}

func (s Segment) String() string { return string(s) }

// NormalizeSymbol trims and upper-cases a symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// SegmentOf derives the segment from a normalized symbol.
func SegmentOf(symbol string) Segment {
	if strings.HasPrefix(NormalizeSymbol(symbol), OptionPrefix) {
		return SegmentOption
	}
	return SegmentEquity
}

// ValidateSymbol normalizes symbol and rejects empty or malformed values.
func ValidateSymbol(symbol string) (string, error) {
	normalized := NormalizeSymbol(symbol)
	if normalized == "" || normalized == OptionPrefix {
		return "", errs.New("market/symbol", errs.CodeInvalid,
			errs.WithMessage("symbol required"),
			errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))
	}
	if strings.ContainsAny(normalized, " ,") {
		return "", errs.New("market/symbol", errs.CodeInvalid,
			errs.WithSymbol(normalized),
			errs.WithMessage("symbol must not contain spaces or commas"),
			errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))
	}
	return normalized, nil
}

// TickKind distinguishes trade prints from quote updates.
type TickKind string

const (
	// TickTrade is a last-sale print.
	TickTrade TickKind = "trade"
	// TickQuote is a top-of-book bid/ask update.
	TickQuote TickKind = "quote"
)

// Tick is one inbound real-time price message for a symbol.
type Tick struct {
	Symbol     string
	Segment    Segment
	Kind       TickKind
	Price      decimal.Decimal
	Size       decimal.Decimal
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	ExchangeTS time.Time
	ReceivedAt time.Time
}

// Quote is the price answer handed to callers regardless of which layer produced it.
type Quote struct {
	Symbol    string
	Price     decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	AsOf      time.Time
	Source    Source
	Stale     bool
	ExpiresAt time.Time
}

// Source records which fallback layer answered a price request.
type Source string

const (
	SourceStream       Source = "stream"
	SourceCache        Source = "cache"
	SourceProxied      Source = "rest_proxied"
	SourceDirect       Source = "rest_direct"
	SourceExpiredCache Source = "cache_expired"
)

// ConnectionState is the lifecycle state of one segment's streaming connection.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateError        ConnectionState = "error"
)

// Active reports whether a connection attempt is live or underway.
func (s ConnectionState) Active() bool {
	return s == StateConnecting || s == StateConnected || s == StateReconnecting
}

// Subscription is the registry's view of one (symbol, segment) of interest.
type Subscription struct {
	Symbol     string
	Segment    Segment
	Tier       Tier
	LastUpdate time.Time
	Paused     bool
	Holders    map[string]Tier
}

// PriceFromMid returns the midpoint of bid and ask, or zero when either side is missing.
func PriceFromMid(bid, ask decimal.Decimal) decimal.Decimal {
	if bid.IsZero() || ask.IsZero() {
		return decimal.Zero
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2))
}
