// Package rules implements the condition evaluation engine: a small
// declarative vocabulary of per-day predicates over indicator series,
// compiled once per rule set into closures, plus a static reachability
// checker that rejects logically impossible rule sets before any data is
// touched.
//
// Every data problem during evaluation (missing column, insufficient
// lookback history, non-finite value, zero denominator) resolves to
// "condition not triggered", never to an error. A backtest over thousands
// of instrument-days must not abort on a single bad cell.
package rules

import (
	"fmt"
	"sync/atomic"

	"github.com/stratlab/equitysim/pkg/fields"
	"github.com/stratlab/equitysim/pkg/types"
)

// Op is a comparison operator.
type Op string

const (
	GT Op = ">"
	LT Op = "<"
	GE Op = ">="
	LE Op = "<="
)

// CompareType selects which of the seven comparison variants a condition
// uses. The compiler reads different Condition fields per variant.
type CompareType string

const (
	// CompareValue: field OP literal.
	CompareValue CompareType = "value"
	// CompareField: field OP other field, same day.
	CompareField CompareType = "field"
	// CompareLookbackMin: field OP min of other field over trailing N days,
	// excluding today.
	CompareLookbackMin CompareType = "lookback_min"
	// CompareLookbackMax: field OP max of other field over trailing N days,
	// excluding today.
	CompareLookbackMax CompareType = "lookback_max"
	// CompareLookbackValue: field OP its own value N days ago.
	CompareLookbackValue CompareType = "lookback_value"
	// CompareConsecutive: field strictly monotonic for N trailing days.
	CompareConsecutive CompareType = "consecutive"
	// ComparePctDiff: (field - other) / other * 100 OP literal.
	ComparePctDiff CompareType = "pct_diff"
	// ComparePctChange: N-day percentage change of field OP literal.
	ComparePctChange CompareType = "pct_change"
)

// RunDirection selects the monotonic direction for CompareConsecutive.
type RunDirection string

const (
	Rising  RunDirection = "rising"
	Falling RunDirection = "falling"
)

// Condition is a single immutable predicate. Which operand fields are read
// depends on Compare; Compile validates the combination.
type Condition struct {
	Label   string          `json:"label"`
	Field   fields.FieldRef `json:"field"`
	Op      Op              `json:"op,omitempty"`
	Compare CompareType     `json:"compare"`

	Value     float64         `json:"value,omitempty"`     // value, pct_diff, pct_change
	Other     fields.FieldRef `json:"other,omitempty"`     // field, lookback_min/max, pct_diff
	N         int             `json:"n,omitempty"`         // lookback variants, consecutive, pct_change
	Direction RunDirection    `json:"direction,omitempty"` // consecutive
}

// conditionFn evaluates one compiled condition at bar idx of a
// point-in-time slice. It must only read bars[0..idx].
type conditionFn func(bars []types.BarData, idx int) bool

// compiled pairs a condition's label with its evaluation closure.
type compiled struct {
	label string
	fn    conditionFn
}

// RuleSet is a compiled, AND-combined group of conditions.
type RuleSet struct {
	conds []compiled

	// zeroDenom counts pct_diff/pct_change evaluations that resolved to
	// silent false because the reference value was exactly zero. A strategy
	// relying on such a condition against a zero-valued field never
	// triggers, which can mask a data-quality bug; this counter makes that
	// observable out of band without changing the silent-false contract.
	zeroDenom atomic.Int64
}

// ZeroDenominatorHits returns how many times a percentage condition hit a
// zero denominator since compilation.
func (rs *RuleSet) ZeroDenominatorHits() int64 {
	return rs.zeroDenom.Load()
}

// Len returns the number of conditions in the set.
func (rs *RuleSet) Len() int {
	return len(rs.conds)
}

// Evaluate runs every condition against bars[idx]. Returns true iff all
// conditions hold, plus the labels of conditions that individually held
// (populated even when the set as a whole is false, for explainability).
// bars must be a point-in-time view: bars[idx] is "today" and no later
// rows may be present beyond it; the closures never index past idx.
func (rs *RuleSet) Evaluate(bars []types.BarData, idx int) (bool, []string) {
	if len(rs.conds) == 0 || idx < 0 || idx >= len(bars) {
		return false, nil
	}
	all := true
	matched := make([]string, 0, len(rs.conds))
	for _, c := range rs.conds {
		if c.fn(bars, idx) {
			matched = append(matched, c.label)
		} else {
			all = false
		}
	}
	return all, matched
}

// Compile resolves every condition's fields against the registry and builds
// evaluation closures. Field resolution or an invalid variant/operand
// combination is a configuration error, reported before any run starts.
func Compile(conds []Condition) (*RuleSet, error) {
	rs := &RuleSet{conds: make([]compiled, 0, len(conds))}
	for i, c := range conds {
		fn, err := compileCondition(c, &rs.zeroDenom)
		if err != nil {
			return nil, fmt.Errorf("condition[%d] %q: %w", i, c.Label, err)
		}
		label := c.Label
		if label == "" {
			label = fmt.Sprintf("condition_%d", i+1)
		}
		rs.conds = append(rs.conds, compiled{label: label, fn: fn})
	}
	return rs, nil
}

// cmp applies op to (v, r).
func cmp(v, r float64, op Op) bool {
	switch op {
	case GT:
		return v > r
	case LT:
		return v < r
	case GE:
		return v >= r
	case LE:
		return v <= r
	}
	return false
}

func validOp(op Op) bool {
	return op == GT || op == LT || op == GE || op == LE
}

func compileCondition(c Condition, zeroDenom *atomic.Int64) (conditionFn, error) {
	col, err := fields.Resolve(c.Field)
	if err != nil {
		return nil, err
	}

	switch c.Compare {
	case CompareValue:
		if !validOp(c.Op) {
			return nil, fmt.Errorf("value compare requires operator, got %q", c.Op)
		}
		op, lit := c.Op, c.Value
		return func(bars []types.BarData, idx int) bool {
			v, ok := col.Accessor(bars[idx])
			if !ok {
				return false
			}
			return cmp(v, lit, op)
		}, nil

	case CompareField:
		if !validOp(c.Op) {
			return nil, fmt.Errorf("field compare requires operator, got %q", c.Op)
		}
		other, err := fields.Resolve(c.Other)
		if err != nil {
			return nil, fmt.Errorf("other field: %w", err)
		}
		op := c.Op
		return func(bars []types.BarData, idx int) bool {
			v, ok := col.Accessor(bars[idx])
			if !ok {
				return false
			}
			r, ok := other.Accessor(bars[idx])
			if !ok {
				return false
			}
			return cmp(v, r, op)
		}, nil

	case CompareLookbackMin, CompareLookbackMax:
		if !validOp(c.Op) {
			return nil, fmt.Errorf("%s compare requires operator, got %q", c.Compare, c.Op)
		}
		if c.N <= 0 {
			return nil, fmt.Errorf("%s compare requires n > 0", c.Compare)
		}
		otherRef := c.Other
		if otherRef.IsZero() {
			otherRef = c.Field
		}
		other, err := fields.Resolve(otherRef)
		if err != nil {
			return nil, fmt.Errorf("other field: %w", err)
		}
		op, n, wantMax := c.Op, c.N, c.Compare == CompareLookbackMax
		return func(bars []types.BarData, idx int) bool {
			// Trailing window excludes today; needs n prior rows.
			if idx < n {
				return false
			}
			v, ok := col.Accessor(bars[idx])
			if !ok {
				return false
			}
			ext, ok := other.Accessor(bars[idx-n])
			if !ok {
				return false
			}
			for i := idx - n + 1; i < idx; i++ {
				w, ok := other.Accessor(bars[i])
				if !ok {
					return false
				}
				if wantMax {
					if w > ext {
						ext = w
					}
				} else if w < ext {
					ext = w
				}
			}
			return cmp(v, ext, op)
		}, nil

	case CompareLookbackValue:
		if !validOp(c.Op) {
			return nil, fmt.Errorf("lookback_value compare requires operator, got %q", c.Op)
		}
		if c.N <= 0 {
			return nil, fmt.Errorf("lookback_value compare requires n > 0")
		}
		op, n := c.Op, c.N
		return func(bars []types.BarData, idx int) bool {
			if idx < n {
				return false
			}
			v, ok := col.Accessor(bars[idx])
			if !ok {
				return false
			}
			past, ok := col.Accessor(bars[idx-n])
			if !ok {
				return false
			}
			return cmp(v, past, op)
		}, nil

	case CompareConsecutive:
		if c.N <= 0 {
			return nil, fmt.Errorf("consecutive compare requires n > 0")
		}
		if c.Direction != Rising && c.Direction != Falling {
			return nil, fmt.Errorf("consecutive compare requires direction rising or falling, got %q", c.Direction)
		}
		n, rising := c.N, c.Direction == Rising
		return func(bars []types.BarData, idx int) bool {
			if idx < n {
				return false
			}
			for i := idx - n + 1; i <= idx; i++ {
				curr, ok := col.Accessor(bars[i])
				if !ok {
					return false
				}
				prev, ok := col.Accessor(bars[i-1])
				if !ok {
					return false
				}
				if rising {
					if curr <= prev {
						return false
					}
				} else if curr >= prev {
					return false
				}
			}
			return true
		}, nil

	case ComparePctDiff:
		if !validOp(c.Op) {
			return nil, fmt.Errorf("pct_diff compare requires operator, got %q", c.Op)
		}
		other, err := fields.Resolve(c.Other)
		if err != nil {
			return nil, fmt.Errorf("other field: %w", err)
		}
		op, lit := c.Op, c.Value
		return func(bars []types.BarData, idx int) bool {
			v, ok := col.Accessor(bars[idx])
			if !ok {
				return false
			}
			r, ok := other.Accessor(bars[idx])
			if !ok {
				return false
			}
			// Zero reference value: silent non-trigger, not an error.
			if r == 0 {
				zeroDenom.Add(1)
				return false
			}
			return cmp((v-r)/r*100, lit, op)
		}, nil

	case ComparePctChange:
		if !validOp(c.Op) {
			return nil, fmt.Errorf("pct_change compare requires operator, got %q", c.Op)
		}
		if c.N <= 0 {
			return nil, fmt.Errorf("pct_change compare requires n > 0")
		}
		op, lit, n := c.Op, c.Value, c.N
		return func(bars []types.BarData, idx int) bool {
			if idx < n {
				return false
			}
			v, ok := col.Accessor(bars[idx])
			if !ok {
				return false
			}
			past, ok := col.Accessor(bars[idx-n])
			if !ok {
				return false
			}
			if past == 0 {
				zeroDenom.Add(1)
				return false
			}
			return cmp((v-past)/past*100, lit, op)
		}, nil

	default:
		return nil, fmt.Errorf("unknown compare type %q", c.Compare)
	}
}
