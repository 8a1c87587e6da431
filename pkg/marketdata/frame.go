// Package marketdata provides the indicator store the backtest engine
// reads: an in-memory Frame holding per-instrument daily series over a
// shared trading calendar, a CSV loader, and an HTTP client for fetching
// series from the data service.
//
// The Frame is the no-lookahead boundary: History never returns rows dated
// after the requested as-of date, so the engine cannot see the future even
// by accident. A Frame is immutable once built and therefore safe to share
// across concurrent runs.
package marketdata

import (
	"fmt"
	"sort"
	"time"

	"github.com/stratlab/equitysim/pkg/types"
)

// Store is the read interface the engine consumes. Implementations must be
// safe for concurrent readers and must never expose rows after the as-of
// date.
type Store interface {
	Calendar() []time.Time
	Symbols() []string
	// History returns the symbol's bars dated at or before asOf, oldest
	// first. An unknown symbol yields nil.
	History(symbol string, asOf time.Time) []types.BarData
	// BarOn returns the symbol's bar for an exact calendar date.
	BarOn(symbol string, date time.Time) (types.BarData, bool)
}

// Frame is the in-memory Store implementation.
type Frame struct {
	calendar []time.Time
	series   map[string][]types.BarData
	index    map[string]map[time.Time]int
}

// NewFrame builds a Frame from per-symbol series. Each series is sorted by
// date; the calendar is the sorted union of all dates. Duplicate dates
// within one symbol are an error.
func NewFrame(series map[string][]types.BarData) (*Frame, error) {
	f := &Frame{
		series: make(map[string][]types.BarData, len(series)),
		index:  make(map[string]map[time.Time]int, len(series)),
	}
	calendarSet := make(map[time.Time]bool)

	for sym, bars := range series {
		sorted := make([]types.BarData, len(bars))
		copy(sorted, bars)
		sort.Slice(sorted, func(i, j int) bool {
			return sorted[i].Bar.Date.Before(sorted[j].Bar.Date)
		})

		idx := make(map[time.Time]int, len(sorted))
		for i, bd := range sorted {
			d := bd.Bar.Date
			if _, dup := idx[d]; dup {
				return nil, fmt.Errorf("symbol %s has duplicate bar for %s", sym, d.Format("2006-01-02"))
			}
			idx[d] = i
			calendarSet[d] = true
		}
		f.series[sym] = sorted
		f.index[sym] = idx
	}

	f.calendar = make([]time.Time, 0, len(calendarSet))
	for d := range calendarSet {
		f.calendar = append(f.calendar, d)
	}
	sort.Slice(f.calendar, func(i, j int) bool { return f.calendar[i].Before(f.calendar[j]) })
	return f, nil
}

// Calendar returns the sorted union of all trading dates.
func (f *Frame) Calendar() []time.Time {
	return f.calendar
}

// Symbols returns all instrument ids, sorted.
func (f *Frame) Symbols() []string {
	syms := make([]string, 0, len(f.series))
	for s := range f.series {
		syms = append(syms, s)
	}
	sort.Strings(syms)
	return syms
}

// History returns the point-in-time prefix of a symbol's series: all bars
// dated at or before asOf, oldest first. The returned slice shares backing
// storage with the Frame and must be treated as read-only.
func (f *Frame) History(symbol string, asOf time.Time) []types.BarData {
	bars := f.series[symbol]
	if len(bars) == 0 {
		return nil
	}
	// First index strictly after asOf bounds the visible prefix.
	n := sort.Search(len(bars), func(i int) bool {
		return bars[i].Bar.Date.After(asOf)
	})
	return bars[:n]
}

// BarOn returns the bar for an exact date.
func (f *Frame) BarOn(symbol string, date time.Time) (types.BarData, bool) {
	idx, ok := f.index[symbol]
	if !ok {
		return types.BarData{}, false
	}
	i, ok := idx[date]
	if !ok {
		return types.BarData{}, false
	}
	return f.series[symbol][i], true
}
