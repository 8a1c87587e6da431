package rules

import (
	"math"
	"testing"

	"github.com/stratlab/equitysim/pkg/fields"
	"github.com/stratlab/equitysim/pkg/types"
)

// makeBars creates a slice of BarData from close prices.
func makeBars(closes []float64) []types.BarData {
	bars := make([]types.BarData, len(closes))
	for i, c := range closes {
		bars[i] = types.BarData{
			Bar: types.Bar{
				Open:   c - 0.5,
				High:   c + 1.0,
				Low:    c - 1.0,
				Close:  c,
				Volume: 1000,
			},
			Indicators: make(types.IndicatorRow),
		}
	}
	return bars
}

// makeBarsWithIndicators creates bars from close prices and adds named indicator arrays.
func makeBarsWithIndicators(closes []float64, indicators map[string][]float64) []types.BarData {
	bars := makeBars(closes)
	for i := range bars {
		for name, values := range indicators {
			if i < len(values) {
				bars[i].Indicators[name] = values[i]
			}
		}
	}
	return bars
}

func mustCompile(t *testing.T, conds ...Condition) *RuleSet {
	t.Helper()
	rs, err := Compile(conds)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return rs
}

func TestCompareValue(t *testing.T) {
	bars := makeBarsWithIndicators(
		[]float64{100, 101, 102, 103, 104},
		map[string][]float64{"rsi_14": {30, 40, 50, 60, 70}},
	)
	rs := mustCompile(t, Condition{
		Label:   "rsi above 55",
		Field:   fields.FieldRef{Kind: fields.RSI, Period: 14},
		Op:      GT,
		Compare: CompareValue,
		Value:   55,
	})

	if ok, _ := rs.Evaluate(bars, 2); ok {
		t.Error("rsi=50 should not trigger > 55")
	}
	ok, matched := rs.Evaluate(bars, 3)
	if !ok {
		t.Error("rsi=60 should trigger > 55")
	}
	if len(matched) != 1 || matched[0] != "rsi above 55" {
		t.Errorf("matched = %v, want [rsi above 55]", matched)
	}
}

func TestCompareField(t *testing.T) {
	bars := makeBarsWithIndicators(
		[]float64{100, 101, 102},
		map[string][]float64{
			"ema_20": {99, 102, 105},
		},
	)
	rs := mustCompile(t, Condition{
		Label:   "close above ema20",
		Field:   fields.FieldRef{Kind: fields.Close},
		Op:      GT,
		Compare: CompareField,
		Other:   fields.FieldRef{Kind: fields.EMA, Period: 20},
	})

	if ok, _ := rs.Evaluate(bars, 0); !ok {
		t.Error("close 100 > ema 99 should trigger")
	}
	if ok, _ := rs.Evaluate(bars, 2); ok {
		t.Error("close 102 > ema 105 should not trigger")
	}
}

func TestCompareLookbackMax(t *testing.T) {
	// Breakout: close above the max of the prior 3 closes.
	bars := makeBars([]float64{10, 12, 11, 13, 12.5})
	cond := Condition{
		Label:   "3-day breakout",
		Field:   fields.FieldRef{Kind: fields.Close},
		Op:      GT,
		Compare: CompareLookbackMax,
		N:       3,
	}
	rs := mustCompile(t, cond)

	// idx 2: only 2 prior rows, insufficient history -> silent false.
	if ok, _ := rs.Evaluate(bars, 2); ok {
		t.Error("insufficient history should not trigger")
	}
	// idx 3: close 13 > max(10,12,11)=12 -> trigger.
	if ok, _ := rs.Evaluate(bars, 3); !ok {
		t.Error("13 above trailing max 12 should trigger")
	}
	// idx 4: close 12.5 vs max(12,11,13)=13 -> no trigger.
	if ok, _ := rs.Evaluate(bars, 4); ok {
		t.Error("12.5 below trailing max 13 should not trigger")
	}
}

func TestCompareLookbackMin(t *testing.T) {
	bars := makeBars([]float64{10, 9, 9.5, 8.5})
	rs := mustCompile(t, Condition{
		Label:   "3-day breakdown",
		Field:   fields.FieldRef{Kind: fields.Close},
		Op:      LT,
		Compare: CompareLookbackMin,
		N:       3,
	})
	// idx 3: close 8.5 < min(10,9,9.5)=9 -> trigger.
	if ok, _ := rs.Evaluate(bars, 3); !ok {
		t.Error("8.5 below trailing min 9 should trigger")
	}
}

func TestLookbackBeyondHistoryNeverTriggers(t *testing.T) {
	bars := makeBars([]float64{10, 11, 12})
	rs := mustCompile(t, Condition{
		Field:   fields.FieldRef{Kind: fields.Close},
		Op:      GT,
		Compare: CompareLookbackMax,
		N:       10,
	})
	for i := range bars {
		if ok, _ := rs.Evaluate(bars, i); ok {
			t.Errorf("lookback 10 over 3 rows should never trigger (idx %d)", i)
		}
	}
}

func TestCompareLookbackValue(t *testing.T) {
	bars := makeBarsWithIndicators(
		[]float64{100, 101, 102, 103},
		map[string][]float64{"volume_ratio": {1.0, 1.2, 1.5, 1.1}},
	)
	rs := mustCompile(t, Condition{
		Label:   "volume ratio up vs 2 days ago",
		Field:   fields.FieldRef{Kind: fields.VolumeRatio},
		Op:      GT,
		Compare: CompareLookbackValue,
		N:       2,
	})
	// idx 2: 1.5 > 1.0 -> trigger.
	if ok, _ := rs.Evaluate(bars, 2); !ok {
		t.Error("1.5 > value 2 days ago (1.0) should trigger")
	}
	// idx 3: 1.1 vs 1.2 -> no trigger.
	if ok, _ := rs.Evaluate(bars, 3); ok {
		t.Error("1.1 < value 2 days ago (1.2) should not trigger")
	}
	// idx 1: needs 2 prior rows.
	if ok, _ := rs.Evaluate(bars, 1); ok {
		t.Error("insufficient history should not trigger")
	}
}

func TestCompareConsecutive(t *testing.T) {
	bars := makeBarsWithIndicators(
		[]float64{100, 101, 102, 103, 104},
		map[string][]float64{"ema_20": {10, 11, 12, 13, 12}},
	)
	rising := mustCompile(t, Condition{
		Field:     fields.FieldRef{Kind: fields.EMA, Period: 20},
		Compare:   CompareConsecutive,
		N:         3,
		Direction: Rising,
	})
	if ok, _ := rising.Evaluate(bars, 3); !ok {
		t.Error("ema rising 3 days should trigger at idx 3")
	}
	if ok, _ := rising.Evaluate(bars, 4); ok {
		t.Error("dip at idx 4 breaks the run")
	}
	if ok, _ := rising.Evaluate(bars, 2); ok {
		t.Error("needs n+1 rows; idx 2 has only 3")
	}

	falling := mustCompile(t, Condition{
		Field:     fields.FieldRef{Kind: fields.EMA, Period: 20},
		Compare:   CompareConsecutive,
		N:         3,
		Direction: Falling,
	})
	if ok, _ := falling.Evaluate(bars, 3); ok {
		t.Error("rising series should not trigger falling run")
	}
}

func TestComparePctDiff(t *testing.T) {
	bars := makeBarsWithIndicators(
		[]float64{105, 105},
		map[string][]float64{"vwap": {100, 0}},
	)
	rs := mustCompile(t, Condition{
		Label:   "close 3% above vwap",
		Field:   fields.FieldRef{Kind: fields.Close},
		Op:      GT,
		Compare: ComparePctDiff,
		Other:   fields.FieldRef{Kind: fields.VWAP},
		Value:   3,
	})
	// (105-100)/100*100 = 5 > 3 -> trigger.
	if ok, _ := rs.Evaluate(bars, 0); !ok {
		t.Error("5%% deviation should trigger > 3")
	}
	// Zero denominator: silent false.
	if ok, _ := rs.Evaluate(bars, 1); ok {
		t.Error("zero vwap should resolve to silent false")
	}
}

func TestComparePctChange(t *testing.T) {
	bars := makeBars([]float64{100, 102, 110})
	rs := mustCompile(t, Condition{
		Label:   "2-day change over 5%",
		Field:   fields.FieldRef{Kind: fields.Close},
		Op:      GE,
		Compare: ComparePctChange,
		N:       2,
		Value:   5,
	})
	// idx 2: (110-100)/100*100 = 10 >= 5 -> trigger.
	if ok, _ := rs.Evaluate(bars, 2); !ok {
		t.Error("10%% change should trigger >= 5")
	}
	if ok, _ := rs.Evaluate(bars, 1); ok {
		t.Error("insufficient history should not trigger")
	}
}

func TestMissingIndicatorIsSilentFalse(t *testing.T) {
	bars := makeBars([]float64{100, 101})
	bars[1].Indicators["rsi_14"] = math.NaN()
	rs := mustCompile(t, Condition{
		Field:   fields.FieldRef{Kind: fields.RSI, Period: 14},
		Op:      GT,
		Compare: CompareValue,
		Value:   1,
	})
	if ok, _ := rs.Evaluate(bars, 0); ok {
		t.Error("absent indicator should be silent false")
	}
	if ok, _ := rs.Evaluate(bars, 1); ok {
		t.Error("NaN indicator should be silent false")
	}
}

func TestEvaluateMatchedLabelsOnOverallFalse(t *testing.T) {
	bars := makeBarsWithIndicators(
		[]float64{100},
		map[string][]float64{"rsi_14": {60}},
	)
	rs := mustCompile(t,
		Condition{
			Label: "rsi over 50", Field: fields.FieldRef{Kind: fields.RSI, Period: 14},
			Op: GT, Compare: CompareValue, Value: 50,
		},
		Condition{
			Label: "rsi over 90", Field: fields.FieldRef{Kind: fields.RSI, Period: 14},
			Op: GT, Compare: CompareValue, Value: 90,
		},
	)
	ok, matched := rs.Evaluate(bars, 0)
	if ok {
		t.Error("set should be false: second condition fails")
	}
	if len(matched) != 1 || matched[0] != "rsi over 50" {
		t.Errorf("matched = %v, want the individually-true label", matched)
	}
}

func TestEmptyRuleSetNeverTriggers(t *testing.T) {
	rs := mustCompile(t)
	bars := makeBars([]float64{100})
	if ok, _ := rs.Evaluate(bars, 0); ok {
		t.Error("empty rule set must not trigger")
	}
}

func TestCompileErrors(t *testing.T) {
	cases := []struct {
		name string
		cond Condition
	}{
		{"unknown field", Condition{Field: fields.FieldRef{Kind: "bogus"}, Op: GT, Compare: CompareValue}},
		{"missing period", Condition{Field: fields.FieldRef{Kind: fields.RSI}, Op: GT, Compare: CompareValue}},
		{"bad operator", Condition{Field: fields.FieldRef{Kind: fields.Close}, Op: "!=", Compare: CompareValue}},
		{"unknown compare", Condition{Field: fields.FieldRef{Kind: fields.Close}, Op: GT, Compare: "fancy"}},
		{"consecutive without direction", Condition{Field: fields.FieldRef{Kind: fields.Close}, Compare: CompareConsecutive, N: 3}},
		{"lookback without n", Condition{Field: fields.FieldRef{Kind: fields.Close}, Op: GT, Compare: CompareLookbackMax}},
		{"pct_diff without other", Condition{Field: fields.FieldRef{Kind: fields.Close}, Op: GT, Compare: ComparePctDiff}},
	}
	for _, tc := range cases {
		if _, err := Compile([]Condition{tc.cond}); err == nil {
			t.Errorf("%s: expected compile error", tc.name)
		}
	}
}

func TestDistinctPeriodsResolveToDistinctColumns(t *testing.T) {
	a := fields.FieldRef{Kind: fields.RSI, Period: 6}
	b := fields.FieldRef{Kind: fields.RSI, Period: 14}
	if a.String() == b.String() {
		t.Errorf("rsi_6 and rsi_14 must not conflate: %s vs %s", a, b)
	}
}
