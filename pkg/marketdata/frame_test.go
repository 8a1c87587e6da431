package marketdata

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stratlab/equitysim/pkg/types"
)

func d(day int) time.Time {
	return time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC)
}

func barOn(day int, closePrice float64) types.BarData {
	return types.BarData{
		Bar: types.Bar{
			Date: d(day), Open: closePrice - 0.5, High: closePrice + 1,
			Low: closePrice - 1, Close: closePrice, Volume: 1000,
		},
		Indicators: make(types.IndicatorRow),
	}
}

func TestFrameHistoryIsPointInTime(t *testing.T) {
	f, err := NewFrame(map[string][]types.BarData{
		"ACME": {barOn(2, 10), barOn(3, 11), barOn(4, 12), barOn(5, 13)},
	})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}

	hist := f.History("ACME", d(3))
	if len(hist) != 2 {
		t.Fatalf("history up to day 3 = %d rows, want 2", len(hist))
	}
	for _, bd := range hist {
		if bd.Bar.Date.After(d(3)) {
			t.Errorf("history leaked future row dated %s", bd.Bar.Date)
		}
	}

	// As-of before all data: empty, not an error.
	if hist := f.History("ACME", d(1)); len(hist) != 0 {
		t.Errorf("history before first bar = %d rows, want 0", len(hist))
	}
	// Unknown symbol: nil.
	if hist := f.History("GHOST", d(3)); hist != nil {
		t.Errorf("unknown symbol history = %v, want nil", hist)
	}
}

func TestFrameSortsUnorderedInput(t *testing.T) {
	f, err := NewFrame(map[string][]types.BarData{
		"ACME": {barOn(5, 13), barOn(2, 10), barOn(4, 12)},
	})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	hist := f.History("ACME", d(5))
	for i := 1; i < len(hist); i++ {
		if !hist[i-1].Bar.Date.Before(hist[i].Bar.Date) {
			t.Fatal("history not sorted ascending")
		}
	}
}

func TestFrameCalendarIsUnion(t *testing.T) {
	f, err := NewFrame(map[string][]types.BarData{
		"ACME": {barOn(2, 10), barOn(4, 12)},
		"ZETA": {barOn(3, 20), barOn(4, 21)},
	})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	cal := f.Calendar()
	if len(cal) != 3 {
		t.Fatalf("calendar = %v, want 3 dates", cal)
	}
	if !cal[0].Equal(d(2)) || !cal[2].Equal(d(4)) {
		t.Errorf("calendar order wrong: %v", cal)
	}
}

func TestFrameBarOn(t *testing.T) {
	f, _ := NewFrame(map[string][]types.BarData{
		"ACME": {barOn(2, 10), barOn(4, 12)},
	})
	if bd, ok := f.BarOn("ACME", d(4)); !ok || bd.Bar.Close != 12 {
		t.Errorf("BarOn day 4 = (%v, %v)", bd.Bar.Close, ok)
	}
	// Day 3 is a calendar day but ACME has no bar: halted/missing.
	if _, ok := f.BarOn("ACME", d(3)); ok {
		t.Error("BarOn for a missing day should report false")
	}
}

func TestFrameDuplicateDateRejected(t *testing.T) {
	_, err := NewFrame(map[string][]types.BarData{
		"ACME": {barOn(2, 10), barOn(2, 11)},
	})
	if err == nil {
		t.Error("duplicate bar dates should be rejected")
	}
}

func TestReadCSV(t *testing.T) {
	data := `date,symbol,open,high,low,close,volume,rsi_14,ema_20
2024-01-02,ACME,9.5,11,9,10,1000,55.5,9.8
2024-01-03,ACME,10.5,12,10,11,1100,,10.1
2024-01-02,ZETA,20,21,19,20.5,500,60,20.2
`
	f, err := ReadCSV(strings.NewReader(data))
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}

	syms := f.Symbols()
	if len(syms) != 2 || syms[0] != "ACME" || syms[1] != "ZETA" {
		t.Fatalf("symbols = %v", syms)
	}

	hist := f.History("ACME", d(3))
	if len(hist) != 2 {
		t.Fatalf("ACME history = %d rows, want 2", len(hist))
	}
	if v, ok := hist[0].Indicators.Get("rsi_14"); !ok || v != 55.5 {
		t.Errorf("rsi_14 = (%v, %v), want (55.5, true)", v, ok)
	}
	// Empty indicator cell becomes a missing value, not an error.
	if _, ok := hist[1].Indicators.Get("rsi_14"); ok {
		t.Error("empty cell should be a missing value")
	}
}

func TestReadCSVMissingColumn(t *testing.T) {
	if _, err := ReadCSV(strings.NewReader("date,symbol,open\n")); err == nil {
		t.Error("missing required columns should error")
	}
}

func TestVolatility(t *testing.T) {
	bars := []types.BarData{
		barOn(1, 100), barOn(2, 101), barOn(3, 99),
		barOn(4, 102), barOn(5, 101), barOn(6, 103),
	}
	v := Volatility(bars, 5)
	if v <= 0 || math.IsNaN(v) {
		t.Errorf("volatility = %v, want positive", v)
	}
	if Volatility(bars, 10) != 0 {
		t.Error("insufficient history should yield 0")
	}
	flat := []types.BarData{barOn(1, 100), barOn(2, 100), barOn(3, 100)}
	if Volatility(flat, 2) != 0 {
		t.Error("flat series volatility should be 0")
	}
}
