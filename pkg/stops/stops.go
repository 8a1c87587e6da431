// Package stops computes exit floors for open positions.
//
// Three independent policies each yield a floor price and the highest,
// most protective one binds:
//
//  1. fixed stop: entry * (1 - stop_loss_pct)
//  2. trailing stop: highest price since entry - atr_multiplier * ATR
//  3. tiered take-profit: a monotonic gain -> floor ratchet that locks in
//     profit as the position runs
//
// The tracker is pure with respect to position state: it computes floors,
// the order simulator executes the exits.
package stops

import "github.com/stratlab/equitysim/pkg/types"

// Floor reason strings recorded on the resulting exit trade.
const (
	ReasonFixedStop    = "stop_loss"
	ReasonTrailingStop = "trailing_stop"
	ReasonTakeProfit   = "take_profit_floor"
	ReasonTimeStop     = "time_stop"
)

// ExitFloor is the binding exit level for one position on one day.
type ExitFloor struct {
	Price  float64
	Reason string
}

// Floor computes the binding exit floor for a position. atr is the current
// ATR value for the instrument (0 disables the trailing policy for the
// day). Policies that do not apply contribute nothing; a zero-value
// ExitFloor (Price 0) means no floor binds.
func Floor(pos *types.Position, atr float64, cfg types.ExitConfig) ExitFloor {
	var best ExitFloor

	if cfg.StopLossPct > 0 {
		fixed := pos.AvgCost * (1 - cfg.StopLossPct)
		if fixed > best.Price {
			best = ExitFloor{Price: fixed, Reason: ReasonFixedStop}
		}
	}

	if cfg.ATRMultiplier > 0 && atr > 0 && pos.HighestPrice > 0 {
		trailing := pos.HighestPrice - cfg.ATRMultiplier*atr
		if trailing > best.Price {
			best = ExitFloor{Price: trailing, Reason: ReasonTrailingStop}
		}
	}

	if tier, ok := bindingTier(pos, cfg.TakeProfitTiers); ok {
		floor := pos.AvgCost * (1 + tier.FloorPct)
		if floor > best.Price {
			best = ExitFloor{Price: floor, Reason: ReasonTakeProfit}
		}
	}

	return best
}

// bindingTier returns the highest tier whose gain threshold the position's
// best gain since entry has reached. The ratchet keys off the highest price
// observed, not the current mark, so the floor never moves down.
func bindingTier(pos *types.Position, tiers []types.TakeProfitTier) (types.TakeProfitTier, bool) {
	if pos.AvgCost <= 0 || pos.HighestPrice <= 0 {
		return types.TakeProfitTier{}, false
	}
	maxGain := (pos.HighestPrice - pos.AvgCost) / pos.AvgCost

	var best types.TakeProfitTier
	found := false
	for _, tier := range tiers {
		if maxGain >= tier.GainPct && (!found || tier.GainPct > best.GainPct) {
			best = tier
			found = true
		}
	}
	return best, found
}

// Crossed reports whether the day's trading crossed the floor. The day low
// is the trigger: intraday touches count, matching how a resting stop order
// would fill.
func Crossed(f ExitFloor, dayLow float64) bool {
	return f.Price > 0 && dayLow <= f.Price
}
