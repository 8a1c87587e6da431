// Package portfolio implements the ledger: the single owner of positions,
// cash, the trade audit log, and daily snapshots.
//
// Positions exist only while quantity is positive; a fill that brings
// quantity to zero removes the record. Trades are append-only and never
// mutated after being written.
package portfolio

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/stratlab/equitysim/pkg/types"
)

// ReconcileTolerance is the floating-point slack allowed when checking that
// cash plus position value matches the flow-derived total.
const ReconcileTolerance = 1e-6

// Ledger owns all mutable portfolio state for one backtest run. It is not
// safe for concurrent use; each run owns its own ledger.
type Ledger struct {
	initialCapital float64
	cash           float64
	positions      map[string]*types.Position
	trades         []types.Trade
	skipped        []types.SkippedOrder
	snapshots      []types.Snapshot

	realized  float64
	totalFees float64
}

// NewLedger creates a ledger holding only cash.
func NewLedger(initialCapital float64) *Ledger {
	return &Ledger{
		initialCapital: initialCapital,
		cash:           initialCapital,
		positions:      make(map[string]*types.Position),
	}
}

// Cash returns uninvested capital.
func (l *Ledger) Cash() float64 {
	return l.cash
}

// InitialCapital returns the starting capital.
func (l *Ledger) InitialCapital() float64 {
	return l.initialCapital
}

// Position returns the open position for a symbol, or nil.
func (l *Ledger) Position(symbol string) *types.Position {
	return l.positions[symbol]
}

// Positions returns open positions sorted by symbol for deterministic
// iteration.
func (l *Ledger) Positions() []*types.Position {
	out := make([]*types.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// PositionCount returns the number of open positions.
func (l *Ledger) PositionCount() int {
	return len(l.positions)
}

// TotalValue returns cash plus the mark value of all positions.
func (l *Ledger) TotalValue() float64 {
	total := l.cash
	for _, p := range l.positions {
		total += p.MarketValue()
	}
	return total
}

// Trades returns the append-only trade log.
func (l *Ledger) Trades() []types.Trade {
	return l.trades
}

// Skipped returns the skipped-order audit trail.
func (l *Ledger) Skipped() []types.SkippedOrder {
	return l.skipped
}

// Snapshots returns the daily snapshot series.
func (l *Ledger) Snapshots() []types.Snapshot {
	return l.snapshots
}

// ApplyBuy spends cash on a fill and creates or grows the position.
// Returns an error when the fill would overdraw cash; the simulator sizes
// orders against available cash so this indicates a bug, not a data
// problem.
func (l *Ledger) ApplyBuy(symbol string, date time.Time, qty, price, fee float64, reason string) error {
	cost := qty*price + fee
	if cost > l.cash+ReconcileTolerance {
		return fmt.Errorf("buy %s cost %.4f exceeds cash %.4f", symbol, cost, l.cash)
	}
	l.cash -= cost
	l.totalFees += fee

	pos, ok := l.positions[symbol]
	if !ok {
		l.positions[symbol] = &types.Position{
			Symbol:       symbol,
			Quantity:     qty,
			AvgCost:      price,
			EntryDate:    date,
			HighestPrice: price,
			LastPrice:    price,
		}
	} else {
		newQty := pos.Quantity + qty
		pos.AvgCost = (pos.AvgCost*pos.Quantity + price*qty) / newQty
		pos.Quantity = newQty
		pos.LastPrice = price
		if price > pos.HighestPrice {
			pos.HighestPrice = price
		}
	}

	l.trades = append(l.trades, types.Trade{
		Symbol:   symbol,
		Date:     date,
		Side:     types.Buy,
		Quantity: qty,
		Price:    price,
		Fee:      fee,
		Reason:   reason,
	})
	return nil
}

// ApplySell converts position quantity back to cash, realizes P&L, and
// removes the position when quantity reaches zero.
func (l *Ledger) ApplySell(symbol string, date time.Time, qty, price, fee float64, reason string) error {
	pos, ok := l.positions[symbol]
	if !ok {
		return fmt.Errorf("sell %s: no open position", symbol)
	}
	if qty > pos.Quantity+ReconcileTolerance {
		return fmt.Errorf("sell %s qty %.4f exceeds held %.4f", symbol, qty, pos.Quantity)
	}
	if qty > pos.Quantity {
		qty = pos.Quantity
	}

	proceeds := qty*price - fee
	l.cash += proceeds
	l.totalFees += fee

	pnl := (price - pos.AvgCost) * qty
	pos.RealizedPnL += pnl
	l.realized += pnl

	heldDays := int(date.Sub(pos.EntryDate).Hours() / 24)

	pos.Quantity -= qty
	pos.LastPrice = price
	if pos.Quantity <= ReconcileTolerance {
		// Quantity zero: the record is deleted, not retained.
		delete(l.positions, symbol)
	}

	l.trades = append(l.trades, types.Trade{
		Symbol:   symbol,
		Date:     date,
		Side:     types.Sell,
		Quantity: qty,
		Price:    price,
		Fee:      fee,
		Reason:   reason,
		PnL:      pnl,
		HeldDays: heldDays,
	})
	return nil
}

// RecordSkip appends a rejected order to the audit trail.
func (l *Ledger) RecordSkip(s types.SkippedOrder) {
	l.skipped = append(l.skipped, s)
}

// Mark updates a position to the day's closing price and advances the
// trailing high-water mark.
func (l *Ledger) Mark(symbol string, closePrice float64) {
	pos, ok := l.positions[symbol]
	if !ok {
		return
	}
	pos.LastPrice = closePrice
	if closePrice > pos.HighestPrice {
		pos.HighestPrice = closePrice
	}
}

// TakeSnapshot records end-of-day state.
func (l *Ledger) TakeSnapshot(date time.Time, regime types.Regime) types.Snapshot {
	snap := types.Snapshot{
		Date:       date,
		TotalValue: l.TotalValue(),
		Cash:       l.cash,
		Positions:  len(l.positions),
		Regime:     regime,
	}
	l.snapshots = append(l.snapshots, snap)
	return snap
}

// Reconcile verifies that cash plus position value matches the total
// derived from capital flows: initial capital, realized P&L, unrealized
// P&L, and fees. Returns an error naming the difference when it exceeds
// the tolerance.
func (l *Ledger) Reconcile() error {
	var unrealized float64
	for _, p := range l.positions {
		unrealized += p.UnrealizedPnL()
		if p.Quantity <= 0 {
			return fmt.Errorf("position %s has non-positive quantity %.6f", p.Symbol, p.Quantity)
		}
	}
	expected := l.initialCapital + l.realized + unrealized - l.totalFees
	actual := l.TotalValue()
	if diff := math.Abs(expected - actual); diff > 1e-4 {
		return fmt.Errorf("ledger does not reconcile: expected %.6f, actual %.6f (diff %.6g)",
			expected, actual, diff)
	}
	return nil
}
