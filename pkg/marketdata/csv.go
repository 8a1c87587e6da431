package marketdata

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/stratlab/equitysim/pkg/types"
)

// Reserved CSV column names; everything else in the header is treated as an
// indicator column.
var reservedColumns = map[string]bool{
	"date": true, "symbol": true,
	"open": true, "high": true, "low": true, "close": true, "volume": true,
}

// LoadCSV reads a multi-instrument daily series file into a Frame.
//
// Expected header: date,symbol,open,high,low,close,volume followed by any
// number of indicator columns (e.g. rsi_14, ema_20, atr_14). An empty or
// unparsable indicator cell becomes NaN, a missing value rather than an error.
func LoadCSV(path string) (*Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return ReadCSV(f)
}

// ReadCSV parses CSV series data from a reader. See LoadCSV for the format.
func ReadCSV(r io.Reader) (*Frame, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	colIdx := make(map[string]int, len(header))
	for i, name := range header {
		colIdx[name] = i
	}
	for _, required := range []string{"date", "symbol", "open", "high", "low", "close", "volume"} {
		if _, ok := colIdx[required]; !ok {
			return nil, fmt.Errorf("missing required column %q", required)
		}
	}

	var indicatorCols []string
	for _, name := range header {
		if !reservedColumns[name] {
			indicatorCols = append(indicatorCols, name)
		}
	}

	series := make(map[string][]types.BarData)
	line := 1
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line+1, err)
		}
		line++

		date, err := time.Parse("2006-01-02", record[colIdx["date"]])
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid date %q", line, record[colIdx["date"]])
		}
		symbol := record[colIdx["symbol"]]
		if symbol == "" {
			return nil, fmt.Errorf("line %d: empty symbol", line)
		}

		bar := types.Bar{Date: date}
		for name, dst := range map[string]*float64{
			"open": &bar.Open, "high": &bar.High, "low": &bar.Low,
			"close": &bar.Close, "volume": &bar.Volume,
		} {
			v, err := strconv.ParseFloat(record[colIdx[name]], 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid %s %q", line, name, record[colIdx[name]])
			}
			*dst = v
		}

		indicators := make(types.IndicatorRow, len(indicatorCols))
		for _, name := range indicatorCols {
			cell := record[colIdx[name]]
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				v = math.NaN()
			}
			indicators[name] = v
		}

		series[symbol] = append(series[symbol], types.BarData{Bar: bar, Indicators: indicators})
	}

	if len(series) == 0 {
		return nil, fmt.Errorf("no data rows")
	}
	return NewFrame(series)
}
