package rules

import (
	"fmt"
	"math"
	"sort"

	"github.com/stratlab/equitysim/pkg/fields"
)

// bound accumulates the value-comparison constraints folded onto one
// resolved column.
type bound struct {
	lower    float64
	upper    float64
	hasLower bool
	hasUpper bool
	rng      fields.Range
}

// CheckReachability statically inspects an AND-combined condition set and
// reports whether it can ever be simultaneously true. It is pure: no data
// is read, and calling it twice on the same input yields the same answer.
//
// Only value-comparison conditions participate; field, lookback, and
// percentage variants cannot be proven unreachable without data and are
// skipped, so the check is conservative: it may miss unreachable sets but
// never rejects a reachable one. Conditions whose field fails to resolve
// are also skipped here; Compile reports those as configuration errors.
//
// Returns (true, "") when reachable, or (false, reason) naming the column
// and the contradiction.
func CheckReachability(conds []Condition) (bool, string) {
	byCol := make(map[string]*bound)

	for _, c := range conds {
		if c.Compare != CompareValue || !validOp(c.Op) {
			continue
		}
		col, err := fields.Resolve(c.Field)
		if err != nil {
			continue
		}
		b, ok := byCol[col.Key]
		if !ok {
			b = &bound{lower: math.Inf(-1), upper: math.Inf(1), rng: col.Range}
			byCol[col.Key] = b
		}
		switch c.Op {
		case GT, GE:
			if c.Value > b.lower {
				b.lower = c.Value
			}
			b.hasLower = true
		case LT, LE:
			if c.Value < b.upper {
				b.upper = c.Value
			}
			b.hasUpper = true
		}
	}

	// Deterministic reporting order.
	keys := make([]string, 0, len(byCol))
	for k := range byCol {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		b := byCol[key]
		if b.hasLower && b.hasUpper && b.lower >= b.upper {
			return false, fmt.Sprintf(
				"range contradiction on %s: requires > %g and < %g simultaneously",
				key, b.lower, b.upper)
		}
		if b.hasLower && b.rng.HasMax && b.lower >= b.rng.Max {
			return false, fmt.Sprintf(
				"out of declared range on %s: requires > %g but the field never exceeds %g",
				key, b.lower, b.rng.Max)
		}
		if b.hasUpper && b.rng.HasMin && b.upper <= b.rng.Min {
			return false, fmt.Sprintf(
				"out of declared range on %s: requires < %g but the field never falls below %g",
				key, b.upper, b.rng.Min)
		}
	}
	return true, ""
}
