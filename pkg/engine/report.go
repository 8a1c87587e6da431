package engine

import (
	"math"
	"time"

	"github.com/stratlab/equitysim/pkg/types"
)

// Status is the terminal state of a run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
	// StatusInvalid marks a run aborted by a sanity check such as the
	// signal explosion guard; its partial stats must not be compared with
	// completed runs.
	StatusInvalid Status = "invalid"
	StatusFailed  Status = "failed"
)

// tradingDaysPerYear annualizes daily figures.
const tradingDaysPerYear = 252

// Result is everything one run produced.
type Result struct {
	StrategyID   int       `json:"strategy_id"`
	StrategyName string    `json:"strategy_name"`
	Status       Status    `json:"status"`
	Detail       string    `json:"detail,omitempty"`
	StartDate    time.Time `json:"start_date"`
	EndDate      time.Time `json:"end_date"`

	InitialCapital float64 `json:"initial_capital"`
	FinalValue     float64 `json:"final_value"`

	Stats     Stats                `json:"stats"`
	Trades    []types.Trade        `json:"trades"`
	Skipped   []types.SkippedOrder `json:"skipped_orders"`
	Snapshots []types.Snapshot     `json:"snapshots"`

	ZeroDenominatorHits int64 `json:"zero_denominator_hits,omitempty"`
}

// Stats summarizes a run's equity curve and trade log.
type Stats struct {
	TotalReturn      float64 `json:"total_return"`
	AnnualizedReturn float64 `json:"annualized_return"`
	Volatility       float64 `json:"volatility"`
	Sharpe           float64 `json:"sharpe"`
	Sortino          float64 `json:"sortino"`
	Calmar           float64 `json:"calmar"`

	MaxDrawdown     float64 `json:"max_drawdown"`
	MaxDrawdownDays int     `json:"max_drawdown_days"`

	TradeCount int `json:"trade_count"`
	// WinRate and ProfitFactor cover closed (sell) trades only.
	// ProfitFactor is 0 when there are no losing trades.
	WinRate      float64 `json:"win_rate"`
	ProfitFactor float64 `json:"profit_factor"`
	AvgHoldDays  float64 `json:"avg_hold_days"`
}

// ComputeStats derives performance statistics from the daily snapshot
// series and the trade log. All ratios are annualized over 252 trading
// days with a zero risk-free rate.
func ComputeStats(initialCapital float64, snaps []types.Snapshot, trades []types.Trade) Stats {
	var s Stats
	s.TradeCount = len(trades)

	if len(snaps) > 0 && initialCapital > 0 {
		final := snaps[len(snaps)-1].TotalValue
		s.TotalReturn = final/initialCapital - 1

		n := float64(len(snaps))
		if growth := final / initialCapital; growth > 0 {
			s.AnnualizedReturn = math.Pow(growth, tradingDaysPerYear/n) - 1
		} else {
			s.AnnualizedReturn = -1
		}

		daily := dailyReturns(initialCapital, snaps)
		mean, std := meanStd(daily)
		s.Volatility = std * math.Sqrt(tradingDaysPerYear)
		if std > 0 {
			s.Sharpe = mean / std * math.Sqrt(tradingDaysPerYear)
		}
		if down := downsideStd(daily); down > 0 {
			s.Sortino = mean / down * math.Sqrt(tradingDaysPerYear)
		}

		s.MaxDrawdown, s.MaxDrawdownDays = maxDrawdown(initialCapital, snaps)
		if s.MaxDrawdown > 0 {
			s.Calmar = s.AnnualizedReturn / s.MaxDrawdown
		}
	}

	var (
		sells     int
		wins      int
		grossWin  float64
		grossLoss float64
		heldSum   float64
	)
	for _, t := range trades {
		if t.Side != types.Sell {
			continue
		}
		sells++
		heldSum += float64(t.HeldDays)
		if t.PnL > 0 {
			wins++
			grossWin += t.PnL
		} else {
			grossLoss += -t.PnL
		}
	}
	if sells > 0 {
		s.WinRate = float64(wins) / float64(sells)
		s.AvgHoldDays = heldSum / float64(sells)
	}
	if grossLoss > 0 {
		s.ProfitFactor = grossWin / grossLoss
	}

	return s
}

// dailyReturns converts the snapshot series into simple daily returns,
// anchored on the initial capital.
func dailyReturns(initialCapital float64, snaps []types.Snapshot) []float64 {
	out := make([]float64, 0, len(snaps))
	prev := initialCapital
	for _, snap := range snaps {
		if prev > 0 {
			out = append(out, snap.TotalValue/prev-1)
		}
		prev = snap.TotalValue
	}
	return out
}

func meanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(xs)-1))
}

// downsideStd is the standard deviation of negative returns only, measured
// against zero.
func downsideStd(xs []float64) float64 {
	var ss float64
	n := 0
	for _, x := range xs {
		if x < 0 {
			ss += x * x
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(ss / float64(n))
}

// maxDrawdown returns the deepest peak-to-trough decline as a fraction of
// the peak, plus the length in trading days of the longest underwater
// stretch (consecutive snapshots below a prior peak).
func maxDrawdown(initialCapital float64, snaps []types.Snapshot) (float64, int) {
	peak := initialCapital
	var (
		maxDD      float64
		underwater int
		longest    int
	)
	for _, snap := range snaps {
		v := snap.TotalValue
		if v >= peak {
			peak = v
			underwater = 0
			continue
		}
		underwater++
		if underwater > longest {
			longest = underwater
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD, longest
}
