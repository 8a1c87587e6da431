package rules

import (
	"strings"
	"testing"

	"github.com/stratlab/equitysim/pkg/fields"
)

func valueCond(kind fields.Kind, period int, op Op, v float64) Condition {
	return Condition{
		Field:   fields.FieldRef{Kind: kind, Period: period},
		Op:      op,
		Compare: CompareValue,
		Value:   v,
	}
}

func TestReachabilityRangeContradiction(t *testing.T) {
	conds := []Condition{
		valueCond(fields.RSI, 14, GT, 70),
		valueCond(fields.RSI, 14, LT, 25),
	}
	ok, reason := CheckReachability(conds)
	if ok {
		t.Fatal("rsi > 70 AND rsi < 25 must be unreachable")
	}
	if !strings.Contains(reason, "rsi_14") {
		t.Errorf("reason should name the column, got %q", reason)
	}
	if !strings.Contains(reason, "contradiction") {
		t.Errorf("reason should name the contradiction, got %q", reason)
	}
}

func TestReachabilityEqualBoundsUnreachable(t *testing.T) {
	// lower >= upper is treated as unreachable.
	conds := []Condition{
		valueCond(fields.Close, 0, GE, 50),
		valueCond(fields.Close, 0, LE, 50),
	}
	if ok, _ := CheckReachability(conds); ok {
		t.Error("lower bound meeting upper bound should be unreachable")
	}
}

func TestReachabilityDistinctColumns(t *testing.T) {
	conds := []Condition{
		valueCond(fields.RSI, 14, GT, 70),
		valueCond(fields.KDJK, 0, LT, 25),
		valueCond(fields.Close, 0, GT, 10),
	}
	if ok, reason := CheckReachability(conds); !ok {
		t.Errorf("distinct columns must be reachable, got %q", reason)
	}
}

func TestReachabilityDistinctPeriodsNotConflated(t *testing.T) {
	// Same oscillator with different periods are different columns.
	conds := []Condition{
		valueCond(fields.RSI, 6, GT, 70),
		valueCond(fields.RSI, 14, LT, 25),
	}
	if ok, reason := CheckReachability(conds); !ok {
		t.Errorf("rsi_6 and rsi_14 must not be conflated, got %q", reason)
	}
}

func TestReachabilityDeclaredRange(t *testing.T) {
	// RSI is bounded to [0,100]: requiring > 100 is impossible.
	ok, reason := CheckReachability([]Condition{valueCond(fields.RSI, 14, GT, 100)})
	if ok {
		t.Fatal("rsi > 100 must be unreachable")
	}
	if !strings.Contains(reason, "declared range") {
		t.Errorf("reason should name the declared range, got %q", reason)
	}

	// Requiring < 0 is equally impossible.
	if ok, _ := CheckReachability([]Condition{valueCond(fields.RSI, 14, LT, 0)}); ok {
		t.Error("rsi < 0 must be unreachable")
	}

	// Within range stays reachable.
	if ok, reason := CheckReachability([]Condition{valueCond(fields.RSI, 14, GT, 95)}); !ok {
		t.Errorf("rsi > 95 is reachable, got %q", reason)
	}
}

func TestReachabilityUnboundedFieldIgnoresRange(t *testing.T) {
	if ok, reason := CheckReachability([]Condition{valueCond(fields.Close, 0, GT, 1e9)}); !ok {
		t.Errorf("close has no declared max; must be reachable, got %q", reason)
	}
}

func TestReachabilitySkipsNonValueVariants(t *testing.T) {
	// Lookback and pct variants cannot be proven unreachable without data.
	conds := []Condition{
		{
			Field:   fields.FieldRef{Kind: fields.Close},
			Op:      GT,
			Compare: CompareLookbackMax,
			N:       20,
		},
		{
			Field:   fields.FieldRef{Kind: fields.Close},
			Op:      GT,
			Compare: ComparePctDiff,
			Other:   fields.FieldRef{Kind: fields.VWAP},
			Value:   500,
		},
	}
	if ok, reason := CheckReachability(conds); !ok {
		t.Errorf("non-value variants must be skipped, got %q", reason)
	}
}

func TestReachabilityIdempotent(t *testing.T) {
	conds := []Condition{
		valueCond(fields.RSI, 14, GT, 70),
		valueCond(fields.RSI, 14, LT, 25),
	}
	ok1, r1 := CheckReachability(conds)
	ok2, r2 := CheckReachability(conds)
	if ok1 != ok2 || r1 != r2 {
		t.Errorf("CheckReachability is not idempotent: (%v,%q) vs (%v,%q)", ok1, r1, ok2, r2)
	}
}

func TestReachabilityEmptySet(t *testing.T) {
	if ok, _ := CheckReachability(nil); !ok {
		t.Error("empty condition set is trivially reachable")
	}
}
