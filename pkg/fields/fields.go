// Package fields provides the closed registry of indicator fields a rule
// may reference.
//
// A FieldRef names a base field plus an optional period parameter. The
// registry resolves it once, at rule-set compile time, to a Column carrying
// the concrete column key, a typed accessor, and the field's declared
// semantic range (when one exists). Two refs with the same kind but
// different periods resolve to different columns.
package fields

import (
	"fmt"
	"math"

	"github.com/stratlab/equitysim/pkg/types"
)

// Kind enumerates the base fields the rule vocabulary knows about.
type Kind string

const (
	Open   Kind = "open"
	High   Kind = "high"
	Low    Kind = "low"
	Close  Kind = "close"
	Volume Kind = "volume"

	SMA         Kind = "sma"
	EMA         Kind = "ema"
	RSI         Kind = "rsi"
	ATR         Kind = "atr"
	MACD        Kind = "macd"
	MACDHist    Kind = "macd_hist"
	BollUpper   Kind = "bb_upper"
	BollMiddle  Kind = "bb_middle"
	BollLower   Kind = "bb_lower"
	VWAP        Kind = "vwap"
	KDJK        Kind = "kdj_k"
	KDJD        Kind = "kdj_d"
	VolumeRatio Kind = "volume_ratio"
)

// parameterized reports whether a kind takes a period parameter.
var parameterized = map[Kind]bool{
	SMA: true, EMA: true, RSI: true, ATR: true,
}

// knownKinds is the closed vocabulary; anything else is a config error.
var knownKinds = map[Kind]bool{
	Open: true, High: true, Low: true, Close: true, Volume: true,
	SMA: true, EMA: true, RSI: true, ATR: true,
	MACD: true, MACDHist: true,
	BollUpper: true, BollMiddle: true, BollLower: true,
	VWAP: true, KDJK: true, KDJD: true, VolumeRatio: true,
}

// FieldRef names a field as it appears in a strategy document.
type FieldRef struct {
	Kind   Kind `json:"kind"`
	Period int  `json:"period,omitempty"`
}

// IsZero reports whether the ref is unset.
func (f FieldRef) IsZero() bool {
	return f.Kind == ""
}

// String returns the resolved column key, e.g. "rsi_14" or "close".
func (f FieldRef) String() string {
	if parameterized[f.Kind] && f.Period > 0 {
		return fmt.Sprintf("%s_%d", f.Kind, f.Period)
	}
	return string(f.Kind)
}

// Range is a field's declared semantic value range.
type Range struct {
	Min    float64
	Max    float64
	HasMin bool
	HasMax bool
}

// Accessor reads a field value from one bar.
// Returns (NaN, false) when the value is missing or non-finite.
type Accessor func(bd types.BarData) (float64, bool)

// Column is a resolved field: a stable key, a typed accessor, and the
// declared range used by the reachability checker.
type Column struct {
	Key      string
	Accessor Accessor
	Range    Range
}

// declaredRanges lists fields with known semantic bounds.
// Bounded oscillators power the "out of declared range" reachability check.
var declaredRanges = map[Kind]Range{
	RSI:         {Min: 0, Max: 100, HasMin: true, HasMax: true},
	KDJK:        {Min: 0, Max: 100, HasMin: true, HasMax: true},
	KDJD:        {Min: 0, Max: 100, HasMin: true, HasMax: true},
	Volume:      {Min: 0, HasMin: true},
	VolumeRatio: {Min: 0, HasMin: true},
	ATR:         {Min: 0, HasMin: true},
}

// Resolve maps a FieldRef to its Column. Returns an error for an unknown
// kind or a missing period on a parameterized field; resolution happens at
// compile time so these are caught before any data is touched.
func Resolve(ref FieldRef) (Column, error) {
	if !knownKinds[ref.Kind] {
		return Column{}, fmt.Errorf("unknown field kind %q", ref.Kind)
	}
	if parameterized[ref.Kind] && ref.Period <= 0 {
		return Column{}, fmt.Errorf("field %q requires a positive period", ref.Kind)
	}
	if !parameterized[ref.Kind] && ref.Period != 0 {
		return Column{}, fmt.Errorf("field %q does not take a period", ref.Kind)
	}

	key := ref.String()
	col := Column{Key: key, Range: declaredRanges[ref.Kind]}

	switch ref.Kind {
	case Open:
		col.Accessor = func(bd types.BarData) (float64, bool) { return finite(bd.Bar.Open) }
	case High:
		col.Accessor = func(bd types.BarData) (float64, bool) { return finite(bd.Bar.High) }
	case Low:
		col.Accessor = func(bd types.BarData) (float64, bool) { return finite(bd.Bar.Low) }
	case Close:
		col.Accessor = func(bd types.BarData) (float64, bool) { return finite(bd.Bar.Close) }
	case Volume:
		col.Accessor = func(bd types.BarData) (float64, bool) { return finite(bd.Bar.Volume) }
	default:
		col.Accessor = func(bd types.BarData) (float64, bool) { return bd.Indicators.Get(key) }
	}
	return col, nil
}

func finite(v float64) (float64, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return math.NaN(), false
	}
	return v, true
}
