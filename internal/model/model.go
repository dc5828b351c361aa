// Package model holds the domain types shared across yieldflow packages.
package model

import (
	"math"
	"time"
)

// HoursPerYear converts a duration to the 365-day year fraction used by
// the pricing engine.
const HoursPerYear = 24 * 365

// Asset describes one scannable underlying and the venue-specific
// identifiers needed to source market data for it.
type Asset struct {
	Symbol       string  // canonical symbol, e.g. "BTC"
	SpotSymbol   string  // spot pair on the spot provider, e.g. "BTCUSDT"
	VolCurrency  string  // currency of the volatility index, e.g. "BTC"
	ContractSize float64 // underlying units covered per contract
}

// StrikeQuote is one covered-call offer published by the venue: a strike,
// an expiry and the APR the venue quotes for selling that call.
type StrikeQuote struct {
	Asset     string
	ProductID string
	Strike    float64
	QuotedAPR float64
	Expiry    time.Time
}

// TimeToExpiryYears reports the remaining lifetime of the quote as a
// fraction of a 365-day year. Values at or below zero mean the offer has
// expired.
func (q StrikeQuote) TimeToExpiryYears(now time.Time) float64 {
	return q.Expiry.Sub(now).Hours() / HoursPerYear
}

// MarketSnapshot is the latest known spot price and implied volatility for
// an asset. Volatility is NaN when the provider could not supply a value;
// consumers must treat that as "unavailable", never as zero.
type MarketSnapshot struct {
	Asset      string
	Spot       float64
	Volatility float64
	Source     string
	FetchedAt  time.Time
}

// HasVolatility reports whether the snapshot carries a usable volatility.
func (s MarketSnapshot) HasVolatility() bool {
	return !math.IsNaN(s.Volatility) && s.Volatility > 0
}

// ScanRow is a flattened per-strike scan result, produced by the scanner
// and consumed by the dashboard store and the parquet writer. When
// HasTheoretical is false the theoretical and excess APR fields carry no
// meaning and must be rendered as absent, not zero.
type ScanRow struct {
	ScanID         string
	Asset          string
	Strike         float64
	Expiry         time.Time
	DaysToExpiry   float64
	Spot           float64
	Volatility     float64
	QuotedAPR      float64
	TheoreticalAPR float64
	ExcessAPR      float64
	CallPrice      float64
	Premium        float64
	HasTheoretical bool
	Error          string
	Timestamp      time.Time
}
