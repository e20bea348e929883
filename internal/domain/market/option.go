package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// ContractType is call or put.
type ContractType string

const (
	ContractCall ContractType = "call"
	ContractPut  ContractType = "put"
)

// OptionContract is reference data for one listed contract.
type OptionContract struct {
	Ticker        string
	Underlying    string
	Type          ContractType
	Strike        decimal.Decimal
	Expiration    string
	SharesPerUnit int
	ExerciseStyle string
}

// Greeks are the sensitivities of an option's price to its inputs.
type Greeks struct {
	Delta decimal.Decimal
	Gamma decimal.Decimal
	Theta decimal.Decimal
	Vega  decimal.Decimal
	Rho   decimal.Decimal
}

// OptionDetail is the live quote detail resolved per contract. A detail whose
// fetch failed carries zero values and a non-empty DetailError.
type OptionDetail struct {
	Price             decimal.Decimal
	Bid               decimal.Decimal
	Ask               decimal.Decimal
	OpenInterest      int64
	Volume            int64
	ImpliedVolatility decimal.Decimal
	Greeks            Greeks
	UpdatedAt         time.Time
	DetailError       string
}

// OptionQuote pairs a contract with its live detail.
type OptionQuote struct {
	Contract OptionContract
	Detail   OptionDetail
}

// OptionChain is every contract of an underlying for one expiration.
type OptionChain struct {
	Underlying string
	Expiration string
	Contracts  []OptionQuote
	FetchedAt  time.Time
	// Stale marks a chain served from an expired cache entry.
	Stale bool
}

// Failed counts contracts whose detail could not be resolved.
func (c OptionChain) Failed() int {
	n := 0
	for _, q := range c.Contracts {
		if q.Detail.DetailError != "" {
			n++
		}
	}
	return n
}

// TickerMatch is one result of a ticker search.
type TickerMatch struct {
	Ticker   string
	Name     string
	Market   string
	Type     string
	Exchange string
	Active   bool
}

// CompanyProfile is reference data from ticker details.
type CompanyProfile struct {
	Ticker          string
	Name            string
	Description     string
	HomepageURL     string
	MarketCap       decimal.Decimal
	Employees       int64
	ListDate        string
	PrimaryExchange string
}

// Bar is one aggregate historical bar.
type Bar struct {
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	VWAP      decimal.Decimal
	Timestamp time.Time
}
