// Package types defines core data structures shared across the backtest
// engine.
//
//   - Bar = one OHLCV row of an instrument's daily series
//   - IndicatorRow = computed indicator values keyed by column name
//   - Trade = immutable record of one simulated fill
//   - Position = open holding owned by the portfolio ledger
//   - Regime = confirmed market-risk state
package types

import (
	"fmt"
	"math"
	"time"
)

// Bar represents a single daily OHLCV bar.
type Bar struct {
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// IndicatorRow holds all computed indicator values for one bar, keyed by
// column name. Missing indicators are represented by NaN values.
type IndicatorRow map[string]float64

// Get returns the value for a given indicator column.
// Returns (value, true) if present and finite; (NaN, false) otherwise.
func (r IndicatorRow) Get(key string) (float64, bool) {
	v, ok := r[key]
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return math.NaN(), false
	}
	return v, true
}

// BarData combines a Bar with its corresponding indicator values.
// This is the unit the condition evaluator reads.
type BarData struct {
	Bar        Bar
	Indicators IndicatorRow
}

// Side represents trade direction. The portfolio is long-only; Sell closes
// or trims an existing position.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Regime is the confirmed market-risk state governing aggregate exposure.
type Regime string

const (
	Aggressive Regime = "aggressive"
	Neutral    Regime = "neutral"
	Defensive  Regime = "defensive"
)

// Trade is an immutable record of one simulated fill. Written once on
// execution and appended to the ledger's audit log; never mutated.
type Trade struct {
	Symbol   string
	Date     time.Time
	Side     Side
	Quantity float64
	Price    float64 // fill price after slippage
	Fee      float64
	Reason   string  // entry label or exit reason
	PnL      float64 // realized P&L, sells only
	HeldDays int     // sells only
}

// String returns a human-readable representation of the trade.
func (t Trade) String() string {
	return fmt.Sprintf("%s %s %s qty=%.2f px=%.4f reason=%s",
		t.Date.Format("2006-01-02"), t.Side, t.Symbol, t.Quantity, t.Price, t.Reason)
}

// SkipReason classifies why a requested order was not executed.
type SkipReason string

const (
	SkipLimitUp   SkipReason = "limit_up"
	SkipLimitDown SkipReason = "limit_down"
	SkipNoData    SkipReason = "no_data"
	SkipNoCash    SkipReason = "insufficient_cash"
)

// SkippedOrder records an order the simulator rejected. Rejections are part
// of the audit trail, not errors.
type SkippedOrder struct {
	Symbol string
	Date   time.Time
	Side   Side
	Reason SkipReason
}

// Position is an open holding. Owned exclusively by the portfolio ledger:
// created on a filled buy, removed when quantity reaches zero.
type Position struct {
	Symbol       string
	Quantity     float64
	AvgCost      float64
	EntryDate    time.Time
	HighestPrice float64 // highest close since entry, drives the trailing stop
	LastPrice    float64
	RealizedPnL  float64
}

// MarketValue returns the position's value at its last mark.
func (p *Position) MarketValue() float64 {
	return p.Quantity * p.LastPrice
}

// UnrealizedPnL returns the open P&L at the last mark.
func (p *Position) UnrealizedPnL() float64 {
	return (p.LastPrice - p.AvgCost) * p.Quantity
}

// GainPct returns the unrealized gain as a fraction of average cost.
func (p *Position) GainPct() float64 {
	if p.AvgCost == 0 {
		return 0
	}
	return (p.LastPrice - p.AvgCost) / p.AvgCost
}

// Snapshot is the end-of-day portfolio state recorded by the ledger.
type Snapshot struct {
	Date       time.Time
	TotalValue float64
	Cash       float64
	Positions  int
	Regime     Regime
}

// Candidate is one instrument eligible for entry on a given day, with the
// score and volatility estimate the sizer consumes.
type Candidate struct {
	Symbol     string
	Score      float64
	Volatility float64
	Labels     []string // matched condition labels, for audit
}

// TakeProfitTier maps a realized gain threshold to a ratcheting exit floor,
// both as fractions of entry price.
type TakeProfitTier struct {
	GainPct  float64 `json:"gain_pct"`
	FloorPct float64 `json:"floor_pct"`
}

// ExitConfig holds a strategy's exit parameters. Immutable for the duration
// of a backtest run.
type ExitConfig struct {
	StopLossPct     float64          `json:"stop_loss_pct"`
	ATRMultiplier   float64          `json:"atr_multiplier"`
	TakeProfitTiers []TakeProfitTier `json:"take_profit_tiers"`
	MaxHoldDays     int              `json:"max_hold_days"`
}

// HasTrailingStop returns true if the config uses an ATR trailing stop.
func (c ExitConfig) HasTrailingStop() bool {
	return c.ATRMultiplier > 0
}

// HasTimeStop returns true if the config uses a max-hold-days exit.
func (c ExitConfig) HasTimeStop() bool {
	return c.MaxHoldDays > 0
}
