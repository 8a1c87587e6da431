package persistence

import (
	"time"

	"github.com/stratlab/equitysim/pkg/engine"
	"github.com/stratlab/equitysim/pkg/types"
)

// ResultRecord maps to one row in the backtest_results table.
type ResultRecord struct {
	RunID        string
	StrategyID   int
	StrategyName string
	Status       string
	Detail       string
	PeriodStart  time.Time
	PeriodEnd    time.Time

	InitialCapital float64
	FinalValue     float64

	TotalReturn      float64
	AnnualizedReturn float64
	MaxDrawdown      float64
	Volatility       float64
	Sharpe           float64
	Sortino          float64
	Calmar           float64

	TradeCount   int
	WinRate      float64
	ProfitFactor float64
	AvgHoldDays  float64
}

// TradeRecord maps to one row in the backtest_trades table. ResultID is the
// FK to backtest_results.id, set after the summary row insert.
type TradeRecord struct {
	ResultID  int64
	Symbol    string
	TradeDate time.Time
	Side      string
	Quantity  float64
	Price     float64
	Fee       float64
	Reason    string
	PnL       float64
	HeldDays  int
}

// SkipRecord maps to one row in the backtest_skipped_orders table.
type SkipRecord struct {
	ResultID int64
	Symbol   string
	SkipDate time.Time
	Side     string
	Reason   string
}

// BuildResultRecord flattens a run result into its summary row. The period
// falls back to the snapshot range when the run config left the window
// open-ended.
func BuildResultRecord(runID string, res *engine.Result) ResultRecord {
	start, end := res.StartDate, res.EndDate
	if len(res.Snapshots) > 0 {
		if start.IsZero() {
			start = res.Snapshots[0].Date
		}
		if end.IsZero() {
			end = res.Snapshots[len(res.Snapshots)-1].Date
		}
	}

	return ResultRecord{
		RunID:        runID,
		StrategyID:   res.StrategyID,
		StrategyName: res.StrategyName,
		Status:       string(res.Status),
		Detail:       res.Detail,
		PeriodStart:  start,
		PeriodEnd:    end,

		InitialCapital: res.InitialCapital,
		FinalValue:     res.FinalValue,

		TotalReturn:      res.Stats.TotalReturn,
		AnnualizedReturn: res.Stats.AnnualizedReturn,
		MaxDrawdown:      res.Stats.MaxDrawdown,
		Volatility:       res.Stats.Volatility,
		Sharpe:           res.Stats.Sharpe,
		Sortino:          res.Stats.Sortino,
		Calmar:           res.Stats.Calmar,

		TradeCount:   res.Stats.TradeCount,
		WinRate:      res.Stats.WinRate,
		ProfitFactor: res.Stats.ProfitFactor,
		AvgHoldDays:  res.Stats.AvgHoldDays,
	}
}

// BuildTradeRecords converts the run's trade log into rows ready for bulk
// insertion. ResultID is left 0 for the caller to fill in.
func BuildTradeRecords(trades []types.Trade) []TradeRecord {
	records := make([]TradeRecord, len(trades))
	for i, t := range trades {
		records[i] = TradeRecord{
			Symbol:    t.Symbol,
			TradeDate: t.Date,
			Side:      string(t.Side),
			Quantity:  t.Quantity,
			Price:     t.Price,
			Fee:       t.Fee,
			Reason:    t.Reason,
			PnL:       t.PnL,
			HeldDays:  t.HeldDays,
		}
	}
	return records
}

// BuildSkipRecords converts the skipped-order audit trail into rows.
func BuildSkipRecords(skipped []types.SkippedOrder) []SkipRecord {
	records := make([]SkipRecord, len(skipped))
	for i, s := range skipped {
		records[i] = SkipRecord{
			Symbol:   s.Symbol,
			SkipDate: s.Date,
			Side:     string(s.Side),
			Reason:   string(s.Reason),
		}
	}
	return records
}
