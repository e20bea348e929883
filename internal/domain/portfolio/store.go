// Package portfolio defines the persisted per-principal holdings that drive
// portfolio subscriptions and valuation.
package portfolio

import (
	"context"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/quotestream/errs"
	"github.com/coachpo/quotestream/internal/domain/market"
)

// Kind names one category of stored rows.
type Kind string

const (
	KindPosition           Kind = "position"
	KindOptionPosition     Kind = "option_position"
	KindCashBalance        Kind = "cash_balance"
	KindStrategyPreference Kind = "strategy_preference"
)

// Kinds lists every row kind.
var Kinds = []Kind{KindPosition, KindOptionPosition, KindCashBalance, KindStrategyPreference}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindPosition, KindOptionPosition, KindCashBalance, KindStrategyPreference:
		return true
	default:
		return false
	}
}

// Row is the untyped stored form of a record. Payload is a JSON document.
type Row struct {
	ID        string
	Kind      Kind
	Payload   []byte
	UpdatedAt time.Time
}

// Store persists rows per principal.
type Store interface {
	List(ctx context.Context, principal string, kind Kind) ([]Row, error)
	Insert(ctx context.Context, principal string, row Row) (Row, error)
	Update(ctx context.Context, principal, id string, row Row) (Row, error)
	Delete(ctx context.Context, principal string, kind Kind, id string) error
}

// Position is an equity holding.
type Position struct {
	ID          string          `json:"-"`
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	AverageCost decimal.Decimal `json:"averageCost"`
	UpdatedAt   time.Time       `json:"-"`
}

// OptionPosition is a holding of one listed contract.
type OptionPosition struct {
	ID            string              `json:"-"`
	Contract      string              `json:"contract"`
	Underlying    string              `json:"underlying"`
	Type          market.ContractType `json:"type"`
	Strike        decimal.Decimal     `json:"strike"`
	Expiration    string              `json:"expiration"`
	Quantity      decimal.Decimal     `json:"quantity"`
	AverageCost   decimal.Decimal     `json:"averageCost"`
	SharesPerUnit int                 `json:"sharesPerUnit,omitempty"`
	UpdatedAt     time.Time           `json:"-"`
}

// Multiplier is the number of shares one contract controls.
func (p OptionPosition) Multiplier() decimal.Decimal {
	if p.SharesPerUnit > 0 {
		return decimal.NewFromInt(int64(p.SharesPerUnit))
	}
	return decimal.NewFromInt(100)
}

// CashBalance is uninvested cash in one currency.
type CashBalance struct {
	ID        string          `json:"-"`
	Currency  string          `json:"currency"`
	Amount    decimal.Decimal `json:"amount"`
	UpdatedAt time.Time       `json:"-"`
}

// StrategyPreference records how a principal wants recommendations shaped.
type StrategyPreference struct {
	ID        string         `json:"-"`
	Strategy  string         `json:"strategy"`
	Enabled   bool           `json:"enabled"`
	Params    map[string]any `json:"params,omitempty"`
	UpdatedAt time.Time      `json:"-"`
}

func stampPosition(p *Position, row Row) { p.ID, p.UpdatedAt = row.ID, row.UpdatedAt }
func stampOption(p *OptionPosition, row Row) {
	p.ID, p.UpdatedAt = row.ID, row.UpdatedAt
}
func stampCash(c *CashBalance, row Row) { c.ID, c.UpdatedAt = row.ID, row.UpdatedAt }
func stampPreference(s *StrategyPreference, row Row) {
	s.ID, s.UpdatedAt = row.ID, row.UpdatedAt
}

// Positions lists the equity positions of principal.
func Positions(ctx context.Context, s Store, principal string) ([]Position, error) {
	return list(ctx, s, principal, KindPosition, stampPosition)
}

// OptionPositions lists the option positions of principal.
func OptionPositions(ctx context.Context, s Store, principal string) ([]OptionPosition, error) {
	return list(ctx, s, principal, KindOptionPosition, stampOption)
}

// CashBalances lists the cash balances of principal.
func CashBalances(ctx context.Context, s Store, principal string) ([]CashBalance, error) {
	return list(ctx, s, principal, KindCashBalance, stampCash)
}

// StrategyPreferences lists the strategy preferences of principal.
func StrategyPreferences(ctx context.Context, s Store, principal string) ([]StrategyPreference, error) {
	return list(ctx, s, principal, KindStrategyPreference, stampPreference)
}

// AddPosition stores a new equity position.
func AddPosition(ctx context.Context, s Store, principal string, p Position) (Position, error) {
	p.Symbol = market.NormalizeSymbol(p.Symbol)
	if _, err := market.ValidateSymbol(p.Symbol); err != nil {
		return Position{}, err
	}
	if market.SegmentOf(p.Symbol) == market.SegmentOption {
		return Position{}, invalid("option contracts belong in option positions")
	}
	return insert(ctx, s, principal, KindPosition, p, stampPosition)
}

// AddOptionPosition stores a new option position.
func AddOptionPosition(ctx context.Context, s Store, principal string, p OptionPosition) (OptionPosition, error) {
	p.Contract = market.NormalizeSymbol(p.Contract)
	p.Underlying = market.NormalizeSymbol(p.Underlying)
	if !strings.HasPrefix(p.Contract, market.OptionPrefix) || p.Underlying == "" {
		return OptionPosition{}, invalid("option position needs an O: contract and its underlying")
	}
	return insert(ctx, s, principal, KindOptionPosition, p, stampOption)
}

// AddCashBalance stores a new cash balance.
func AddCashBalance(ctx context.Context, s Store, principal string, c CashBalance) (CashBalance, error) {
	c.Currency = strings.ToUpper(strings.TrimSpace(c.Currency))
	if c.Currency == "" {
		c.Currency = "USD"
	}
	return insert(ctx, s, principal, KindCashBalance, c, stampCash)
}

// AddStrategyPreference stores a new strategy preference.
func AddStrategyPreference(ctx context.Context, s Store, principal string, p StrategyPreference) (StrategyPreference, error) {
	p.Strategy = strings.TrimSpace(p.Strategy)
	if p.Strategy == "" {
		return StrategyPreference{}, invalid("strategy name required")
	}
	return insert(ctx, s, principal, KindStrategyPreference, p, stampPreference)
}

// UpdatePosition replaces the stored position with the same ID.
func UpdatePosition(ctx context.Context, s Store, principal string, p Position) (Position, error) {
	p.Symbol = market.NormalizeSymbol(p.Symbol)
	return update(ctx, s, principal, p.ID, KindPosition, p, stampPosition)
}

// UpdateStrategyPreference replaces the stored preference with the same ID.
func UpdateStrategyPreference(ctx context.Context, s Store, principal string, p StrategyPreference) (StrategyPreference, error) {
	return update(ctx, s, principal, p.ID, KindStrategyPreference, p, stampPreference)
}

func list[T any](ctx context.Context, s Store, principal string, kind Kind, stamp func(*T, Row)) ([]T, error) {
	rows, err := s.List(ctx, principal, kind)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		var value T
		if err := json.Unmarshal(row.Payload, &value); err != nil {
			return nil, errs.New("portfolio/decode", errs.CodeData,
				errs.WithField("kind", string(kind)),
				errs.WithField("id", row.ID),
				errs.WithCause(err))
		}
		stamp(&value, row)
		out = append(out, value)
	}
	return out, nil
}

func insert[T any](ctx context.Context, s Store, principal string, kind Kind, value T, stamp func(*T, Row)) (T, error) {
	var zero T
	payload, err := json.Marshal(value)
	if err != nil {
		return zero, errs.New("portfolio/encode", errs.CodeInvalid, errs.WithCause(err))
	}
	row, err := s.Insert(ctx, principal, Row{Kind: kind, Payload: payload})
	if err != nil {
		return zero, err
	}
	stamp(&value, row)
	return value, nil
}

func update[T any](ctx context.Context, s Store, principal, id string, kind Kind, value T, stamp func(*T, Row)) (T, error) {
	var zero T
	payload, err := json.Marshal(value)
	if err != nil {
		return zero, errs.New("portfolio/encode", errs.CodeInvalid, errs.WithCause(err))
	}
	row, err := s.Update(ctx, principal, id, Row{Kind: kind, Payload: payload})
	if err != nil {
		return zero, err
	}
	stamp(&value, row)
	return value, nil
}

func invalid(message string) error {
	return errs.New("portfolio", errs.CodeInvalid, errs.WithMessage(message))
}

// ValidateRow checks the arguments every Store implementation must reject.
func ValidateRow(principal string, kind Kind) error {
	if strings.TrimSpace(principal) == "" {
		return invalid("principal required")
	}
	if !kind.Valid() {
		return errs.New("portfolio", errs.CodeInvalid,
			errs.WithMessage("unknown row kind"),
			errs.WithField("kind", string(kind)))
	}
	return nil
}

// NotFound is returned when no row matches.
func NotFound(kind Kind, id string) error {
	return errs.New("portfolio", errs.CodeNotFound,
		errs.WithMessage("row not found"),
		errs.WithField("kind", string(kind)),
		errs.WithField("id", id))
}
