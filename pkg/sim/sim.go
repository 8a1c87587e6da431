// Package sim converts queued orders into simulated fills against a day's
// bars.
//
// Orders queued during day N execute at day N+1's open: next-day
// execution, never same-day lookahead. Fills are adjusted by a slippage
// percentage against the trader plus a proportional fee. Orders for
// instruments at their daily price limit are rejected and recorded as
// skipped, since a real exchange would block them. Forced exits execute
// before rebalance sells, which execute before buys.
package sim

import (
	"log/slog"
	"sort"
	"time"

	"github.com/stratlab/equitysim/pkg/portfolio"
	"github.com/stratlab/equitysim/pkg/types"
)

// Defaults applied by NewSimulator when the corresponding config value is
// zero.
const (
	DefaultSlippagePct = 0.001 // 10 bps against the trader
	DefaultFeePct      = 0.0005
	DefaultLimitPct    = 0.10 // daily limit-up/down band vs previous close
)

// ExitOrder is a forced full exit of an open position (stop floor crossed,
// sell rule fired, or max hold days reached).
type ExitOrder struct {
	Symbol string
	Reason string
}

// Config holds the simulator's execution parameters.
type Config struct {
	SlippagePct float64
	FeePct      float64
	LimitPct    float64
}

// Simulator executes queued orders against daily bars and writes the
// resulting fills into a portfolio ledger.
type Simulator struct {
	slippage float64
	fee      float64
	limit    float64
	logger   *slog.Logger
}

// NewSimulator creates a simulator, filling zero config values with
// package defaults.
func NewSimulator(cfg Config, logger *slog.Logger) *Simulator {
	if cfg.SlippagePct == 0 {
		cfg.SlippagePct = DefaultSlippagePct
	}
	if cfg.FeePct == 0 {
		cfg.FeePct = DefaultFeePct
	}
	if cfg.LimitPct == 0 {
		cfg.LimitPct = DefaultLimitPct
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{
		slippage: cfg.SlippagePct,
		fee:      cfg.FeePct,
		limit:    cfg.LimitPct,
		logger:   logger,
	}
}

// Day is the per-symbol market context for one fill day.
type Day struct {
	Bar       types.Bar
	PrevClose float64 // 0 when unknown; disables limit detection
}

// limitUp reports whether the open is at or above the daily limit-up price.
func (s *Simulator) limitUp(d Day) bool {
	return d.PrevClose > 0 && d.Bar.Open >= d.PrevClose*(1+s.limit)
}

// limitDown reports whether the open is at or below the daily limit-down
// price.
func (s *Simulator) limitDown(d Day) bool {
	return d.PrevClose > 0 && d.Bar.Open <= d.PrevClose*(1-s.limit)
}

// Execute fills forced exits and rebalance orders at the day's open prices.
//
// exits are full-position sells queued by the stop tracker or sell rules;
// they run first and take priority over rebalance sells for the same
// symbol. targets maps symbol -> target portfolio weight; holdings not
// named (or named with weight 0) are sold down, under-weight targets are
// bought up to weight. days supplies each symbol's bar and previous close;
// a symbol without data is skipped and recorded.
//
// All iteration is in sorted symbol order so fills are deterministic.
func (s *Simulator) Execute(
	led *portfolio.Ledger,
	exits []ExitOrder,
	targets map[string]float64,
	days map[string]Day,
	date time.Time,
) {
	exited := make(map[string]bool, len(exits))

	// 1. Forced exits.
	sortedExits := make([]ExitOrder, len(exits))
	copy(sortedExits, exits)
	sort.Slice(sortedExits, func(i, j int) bool { return sortedExits[i].Symbol < sortedExits[j].Symbol })

	for _, ex := range sortedExits {
		pos := led.Position(ex.Symbol)
		if pos == nil || exited[ex.Symbol] {
			continue
		}
		d, ok := days[ex.Symbol]
		if !ok {
			led.RecordSkip(types.SkippedOrder{Symbol: ex.Symbol, Date: date, Side: types.Sell, Reason: types.SkipNoData})
			continue
		}
		if s.limitDown(d) {
			led.RecordSkip(types.SkippedOrder{Symbol: ex.Symbol, Date: date, Side: types.Sell, Reason: types.SkipLimitDown})
			continue
		}
		price := d.Bar.Open * (1 - s.slippage)
		fee := pos.Quantity * price * s.fee
		if err := led.ApplySell(ex.Symbol, date, pos.Quantity, price, fee, ex.Reason); err != nil {
			s.logger.Warn("exit fill failed", "symbol", ex.Symbol, "error", err)
			continue
		}
		exited[ex.Symbol] = true
	}

	total := led.TotalValue()
	if total <= 0 {
		return
	}

	// 2. Rebalance sells: positions over target weight.
	for _, pos := range led.Positions() {
		if exited[pos.Symbol] {
			continue
		}
		target := targets[pos.Symbol]
		targetValue := target * total
		excess := pos.MarketValue() - targetValue
		// Ignore drift below 0.5% of the portfolio to avoid fee churn.
		if excess <= total*0.005 {
			continue
		}
		d, ok := days[pos.Symbol]
		if !ok {
			led.RecordSkip(types.SkippedOrder{Symbol: pos.Symbol, Date: date, Side: types.Sell, Reason: types.SkipNoData})
			continue
		}
		if s.limitDown(d) {
			led.RecordSkip(types.SkippedOrder{Symbol: pos.Symbol, Date: date, Side: types.Sell, Reason: types.SkipLimitDown})
			continue
		}
		price := d.Bar.Open * (1 - s.slippage)
		qty := excess / price
		if qty > pos.Quantity {
			qty = pos.Quantity
		}
		fee := qty * price * s.fee
		if err := led.ApplySell(pos.Symbol, date, qty, price, fee, "rebalance"); err != nil {
			s.logger.Warn("rebalance sell failed", "symbol", pos.Symbol, "error", err)
		}
	}

	// 3. Buys: under-weight targets, spending remaining cash.
	symbols := make([]string, 0, len(targets))
	for sym := range targets {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	total = led.TotalValue()
	for _, sym := range symbols {
		target := targets[sym]
		if target <= 0 || exited[sym] {
			continue
		}
		var held float64
		if pos := led.Position(sym); pos != nil {
			held = pos.MarketValue()
		}
		deficit := target*total - held
		if deficit <= total*0.005 {
			continue
		}
		d, ok := days[sym]
		if !ok {
			led.RecordSkip(types.SkippedOrder{Symbol: sym, Date: date, Side: types.Buy, Reason: types.SkipNoData})
			continue
		}
		if s.limitUp(d) {
			// Exchanges block buys at the limit-up price; recorded, not an
			// error.
			led.RecordSkip(types.SkippedOrder{Symbol: sym, Date: date, Side: types.Buy, Reason: types.SkipLimitUp})
			continue
		}
		price := d.Bar.Open * (1 + s.slippage)
		spend := deficit
		maxSpend := led.Cash() / (1 + s.fee)
		if spend > maxSpend {
			spend = maxSpend
		}
		if spend <= 0 {
			led.RecordSkip(types.SkippedOrder{Symbol: sym, Date: date, Side: types.Buy, Reason: types.SkipNoCash})
			continue
		}
		qty := spend / price
		fee := spend * s.fee
		if err := led.ApplyBuy(sym, date, qty, price, fee, "entry"); err != nil {
			s.logger.Warn("buy fill failed", "symbol", sym, "error", err)
		}
	}
}
