// Package engine implements the portfolio backtest loop: one pass over the
// trading calendar that marks positions, evaluates stops and sell rules,
// updates the risk regime, sizes new candidates, and executes the queued
// orders at the next day's open.
//
// A signal that fires on day N fills at day N+1's open. The engine never
// reads a bar dated after the current calendar day; the market data store
// enforces the same boundary independently.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/stratlab/equitysim/pkg/fields"
	"github.com/stratlab/equitysim/pkg/marketdata"
	"github.com/stratlab/equitysim/pkg/portfolio"
	"github.com/stratlab/equitysim/pkg/risk"
	"github.com/stratlab/equitysim/pkg/sim"
	"github.com/stratlab/equitysim/pkg/sizing"
	"github.com/stratlab/equitysim/pkg/stops"
	"github.com/stratlab/equitysim/pkg/strategy"
	"github.com/stratlab/equitysim/pkg/types"
)

// ErrSignalExplosion marks a run aborted because the buy rules triggered on
// an implausibly large share of the universe, which almost always means a
// degenerate rule set rather than a genuine signal.
var ErrSignalExplosion = errors.New("buy signal explosion")

// Defaults applied by New when the corresponding config value is zero.
const (
	DefaultVolatilityWindow = 20
	DefaultATRPeriod        = 14
	DefaultExplosionFactor  = 5
)

// RiskFeed supplies the daily composite market risk score in [0,100]. A day
// without a score leaves the confirmed regime untouched.
type RiskFeed interface {
	Score(date time.Time) (float64, bool)
}

// ScoreSeries is a map-backed RiskFeed.
type ScoreSeries map[time.Time]float64

func (s ScoreSeries) Score(date time.Time) (float64, bool) {
	v, ok := s[date]
	return v, ok
}

// Scorer ranks buy candidates. The engine is signal-agnostic: it consumes a
// numeric score per instrument per day and never inspects how it was
// produced. A nil Scorer scores every triggered candidate equally.
type Scorer interface {
	Score(symbol string, date time.Time) (float64, bool)
}

// Config holds one run's parameters.
type Config struct {
	StartDate time.Time
	EndDate   time.Time

	InitialCapital float64
	MaxPositions   int
	MaxPositionPct float64 // per-instrument weight cap; 0 disables
	MinPositionPct float64 // per-instrument weight floor; 0 disables

	ConfirmDays      int // risk regime hysteresis window
	VolatilityWindow int
	ATRPeriod        int
	// ExplosionFactor aborts the run when daily buy triggers exceed
	// ExplosionFactor * MaxPositions.
	ExplosionFactor int

	Sim sim.Config
}

func (c *Config) validate() error {
	if c.InitialCapital <= 0 {
		return fmt.Errorf("initial capital must be positive, got %g", c.InitialCapital)
	}
	if c.MaxPositions <= 0 {
		return fmt.Errorf("max positions must be positive, got %d", c.MaxPositions)
	}
	if !c.StartDate.IsZero() && !c.EndDate.IsZero() && c.EndDate.Before(c.StartDate) {
		return fmt.Errorf("end date %s precedes start date %s",
			c.EndDate.Format("2006-01-02"), c.StartDate.Format("2006-01-02"))
	}
	if c.VolatilityWindow == 0 {
		c.VolatilityWindow = DefaultVolatilityWindow
	}
	if c.ATRPeriod == 0 {
		c.ATRPeriod = DefaultATRPeriod
	}
	if c.ExplosionFactor == 0 {
		c.ExplosionFactor = DefaultExplosionFactor
	}
	return nil
}

// Engine runs one strategy over one data frame with one ledger. An Engine
// is single-use state-free: all per-run state lives in Run's locals, so one
// Engine may serve sequential runs, but a run is never concurrent with
// itself.
type Engine struct {
	strat  *strategy.Compiled
	store  marketdata.Store
	feed   RiskFeed
	scorer Scorer
	sim    *sim.Simulator
	atr    fields.Column
	cfg    Config
	logger *slog.Logger
}

// New validates the config and resolves the ATR column the stop tracker
// reads. feed and scorer may be nil.
func New(
	strat *strategy.Compiled,
	store marketdata.Store,
	feed RiskFeed,
	scorer Scorer,
	cfg Config,
	logger *slog.Logger,
) (*Engine, error) {
	if strat == nil {
		return nil, errors.New("strategy is required")
	}
	if store == nil {
		return nil, errors.New("market data store is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	atr, err := fields.Resolve(fields.FieldRef{Kind: fields.ATR, Period: cfg.ATRPeriod})
	if err != nil {
		return nil, fmt.Errorf("resolving ATR column: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("strategy", strat.Def.Name)
	return &Engine{
		strat:  strat,
		store:  store,
		feed:   feed,
		scorer: scorer,
		sim:    sim.NewSimulator(cfg.Sim, logger),
		atr:    atr,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Run executes the backtest. Cancellation is checked at the top of each
// calendar day, so an interrupted run stops on a day boundary with the
// ledger in a consistent end-of-day state; the partial result is returned
// alongside the error.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	calendar := e.window()
	if len(calendar) == 0 {
		e.logger.Warn("no trading days in window",
			"start", e.cfg.StartDate, "end", e.cfg.EndDate)
		led := portfolio.NewLedger(e.cfg.InitialCapital)
		return e.finish(led, StatusCompleted, ""), nil
	}

	led := portfolio.NewLedger(e.cfg.InitialCapital)
	machine := risk.NewStateMachine(e.cfg.ConfirmDays, e.logger)
	regime := machine.Current()
	explosionLimit := e.cfg.ExplosionFactor * e.cfg.MaxPositions

	var (
		pendingExits   []sim.ExitOrder
		pendingTargets map[string]float64
		lastClose      = make(map[string]float64)
	)

	e.logger.Info("backtest starting",
		"days", len(calendar),
		"capital", e.cfg.InitialCapital,
		"max_positions", e.cfg.MaxPositions,
	)

	for i, day := range calendar {
		select {
		case <-ctx.Done():
			status := StatusCancelled
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				status = StatusTimeout
			}
			e.logger.Warn("backtest interrupted",
				"day", day.Format("2006-01-02"), "completed_days", i)
			return e.finish(led, status, ctx.Err().Error()),
				fmt.Errorf("backtest interrupted on %s: %w", day.Format("2006-01-02"), ctx.Err())
		default:
		}

		// 1. Fill yesterday's queue at today's open. Limit detection uses
		// yesterday's close, captured in lastClose before today's update.
		if len(pendingExits) > 0 || len(pendingTargets) > 0 {
			days := e.tradingDays(led, pendingExits, pendingTargets, day, lastClose)
			e.sim.Execute(led, pendingExits, pendingTargets, days, day)
		}
		pendingExits, pendingTargets = nil, nil

		// 2. Mark holdings to today's close.
		for _, pos := range led.Positions() {
			if bd, ok := e.store.BarOn(pos.Symbol, day); ok {
				led.Mark(pos.Symbol, bd.Bar.Close)
			}
		}

		// 3. Stop floors, sell rules, time stop. A halted instrument is not
		// checked today; its stops re-arm when it trades again.
		exits := e.collectExits(led, day)

		// 4. Risk regime update.
		if e.feed != nil {
			if score, ok := e.feed.Score(day); ok {
				regime = machine.Update(score)
			}
		}

		// 5. Candidate scan over the full universe.
		cands := e.scanCandidates(led, day)
		if len(cands) > explosionLimit {
			reason := fmt.Sprintf("%d buy triggers on %s exceeds limit %d (%dx max positions)",
				len(cands), day.Format("2006-01-02"), explosionLimit, e.cfg.ExplosionFactor)
			e.logger.Error("aborting run", "error", reason)
			return e.finish(led, StatusInvalid, reason),
				fmt.Errorf("%w: %s", ErrSignalExplosion, reason)
		}

		// 6. Queue tomorrow's orders.
		pendingExits = exits
		pendingTargets = e.buildTargets(led, exits, cands, regime)

		// 7. End of day: snapshot and reconcile.
		led.TakeSnapshot(day, regime)
		if err := led.Reconcile(); err != nil {
			e.logger.Error("ledger reconciliation failed", "day", day, "error", err)
			return e.finish(led, StatusFailed, err.Error()),
				fmt.Errorf("on %s: %w", day.Format("2006-01-02"), err)
		}

		for _, sym := range e.store.Symbols() {
			if bd, ok := e.store.BarOn(sym, day); ok {
				lastClose[sym] = bd.Bar.Close
			}
		}
	}

	res := e.finish(led, StatusCompleted, "")
	e.logger.Info("backtest complete",
		"final_value", res.FinalValue,
		"total_return", res.Stats.TotalReturn,
		"trades", res.Stats.TradeCount,
	)
	return res, nil
}

// window returns the calendar days inside the configured date range.
func (e *Engine) window() []time.Time {
	var out []time.Time
	for _, d := range e.store.Calendar() {
		if !e.cfg.StartDate.IsZero() && d.Before(e.cfg.StartDate) {
			continue
		}
		if !e.cfg.EndDate.IsZero() && d.After(e.cfg.EndDate) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// tradingDays assembles the per-symbol market context the simulator needs:
// every symbol that is held, exiting, or targeted.
func (e *Engine) tradingDays(
	led *portfolio.Ledger,
	exits []sim.ExitOrder,
	targets map[string]float64,
	day time.Time,
	lastClose map[string]float64,
) map[string]sim.Day {
	need := make(map[string]bool)
	for _, ex := range exits {
		need[ex.Symbol] = true
	}
	for sym := range targets {
		need[sym] = true
	}
	for _, pos := range led.Positions() {
		need[pos.Symbol] = true
	}

	days := make(map[string]sim.Day, len(need))
	for sym := range need {
		if bd, ok := e.store.BarOn(sym, day); ok {
			days[sym] = sim.Day{Bar: bd.Bar, PrevClose: lastClose[sym]}
		}
	}
	return days
}

// collectExits evaluates each open position against the stop floors, the
// sell rules, and the max-hold time stop. The first policy to fire wins;
// its reason is recorded on the exit trade.
func (e *Engine) collectExits(led *portfolio.Ledger, day time.Time) []sim.ExitOrder {
	var exits []sim.ExitOrder
	for _, pos := range led.Positions() {
		bd, ok := e.store.BarOn(pos.Symbol, day)
		if !ok {
			continue
		}

		atr, _ := e.atr.Accessor(bd)
		floor := stops.Floor(pos, atr, e.strat.Def.Exit)
		if stops.Crossed(floor, bd.Bar.Low) {
			e.logger.Debug("stop floor crossed",
				"symbol", pos.Symbol, "floor", floor.Price, "low", bd.Bar.Low, "reason", floor.Reason)
			exits = append(exits, sim.ExitOrder{Symbol: pos.Symbol, Reason: floor.Reason})
			continue
		}

		hist := e.store.History(pos.Symbol, day)
		if n := len(hist); n > 0 {
			if fired, _ := e.strat.Sell.Evaluate(hist, n-1); fired {
				exits = append(exits, sim.ExitOrder{Symbol: pos.Symbol, Reason: "signal_exit"})
				continue
			}
		}

		if e.strat.Def.Exit.HasTimeStop() {
			held := int(day.Sub(pos.EntryDate).Hours() / 24)
			if held >= e.strat.Def.Exit.MaxHoldDays {
				exits = append(exits, sim.ExitOrder{Symbol: pos.Symbol, Reason: stops.ReasonTimeStop})
			}
		}
	}
	return exits
}

// scanCandidates evaluates the buy rules for every symbol not already held
// that traded today. No pyramiding: a held symbol is never a candidate.
func (e *Engine) scanCandidates(led *portfolio.Ledger, day time.Time) []types.Candidate {
	var cands []types.Candidate
	for _, sym := range e.store.Symbols() {
		if led.Position(sym) != nil {
			continue
		}
		if _, ok := e.store.BarOn(sym, day); !ok {
			continue
		}
		hist := e.store.History(sym, day)
		n := len(hist)
		if n == 0 {
			continue
		}
		fired, labels := e.strat.Buy.Evaluate(hist, n-1)
		if !fired {
			continue
		}

		score := 100.0
		if e.scorer != nil {
			s, ok := e.scorer.Score(sym, day)
			if !ok {
				// Triggered but unrankable: dropped rather than guessed.
				continue
			}
			score = s
		}

		cands = append(cands, types.Candidate{
			Symbol:     sym,
			Score:      score,
			Volatility: marketdata.Volatility(hist, e.cfg.VolatilityWindow),
			Labels:     labels,
		})
	}
	return cands
}

// buildTargets merges current holdings with newly sized candidates into the
// target weight map the simulator executes tomorrow.
//
// Holdings not queued for exit keep their current weight share, so a regime
// downgrade or a vanished buy signal never force-liquidates an open
// position; positions leave through stops and sell rules. New candidates
// are sized into the remaining position slots and capped by the regime's
// exposure headroom above the held weight.
func (e *Engine) buildTargets(
	led *portfolio.Ledger,
	exits []sim.ExitOrder,
	cands []types.Candidate,
	regime types.Regime,
) map[string]float64 {
	exiting := make(map[string]bool, len(exits))
	for _, ex := range exits {
		exiting[ex.Symbol] = true
	}

	targets := make(map[string]float64)
	total := led.TotalValue()
	var heldWeight float64
	if total > 0 {
		for _, pos := range led.Positions() {
			if exiting[pos.Symbol] {
				continue
			}
			w := pos.MarketValue() / total
			targets[pos.Symbol] = w
			heldWeight += w
		}
	}

	params := risk.ParamsFor(regime, e.cfg.MaxPositions)
	slots := e.cfg.MaxPositions - len(targets)
	headroom := params.MaxExposure - heldWeight
	if slots <= 0 || headroom <= 0 || len(cands) == 0 {
		return targets
	}

	fresh := sizing.Size(cands, regime, slots, sizing.Config{
		MinWeight: e.cfg.MinPositionPct,
		MaxWeight: e.cfg.MaxPositionPct,
	})

	var freshSum float64
	for _, w := range fresh {
		freshSum += w
	}
	scale := 1.0
	if freshSum > headroom {
		scale = headroom / freshSum
	}
	for sym, w := range fresh {
		targets[sym] = w * scale
	}
	return targets
}

// finish assembles the result from the ledger's final state.
func (e *Engine) finish(led *portfolio.Ledger, status Status, detail string) *Result {
	res := &Result{
		StrategyID:   e.strat.Def.ID,
		StrategyName: e.strat.Def.Name,
		Status:       status,
		Detail:       detail,
		StartDate:    e.cfg.StartDate,
		EndDate:      e.cfg.EndDate,

		InitialCapital: led.InitialCapital(),
		FinalValue:     led.TotalValue(),

		Stats:     ComputeStats(led.InitialCapital(), led.Snapshots(), led.Trades()),
		Trades:    led.Trades(),
		Skipped:   led.Skipped(),
		Snapshots: led.Snapshots(),

		ZeroDenominatorHits: e.strat.Buy.ZeroDenominatorHits() + e.strat.Sell.ZeroDenominatorHits(),
	}
	sort.SliceStable(res.Skipped, func(i, j int) bool {
		if !res.Skipped[i].Date.Equal(res.Skipped[j].Date) {
			return res.Skipped[i].Date.Before(res.Skipped[j].Date)
		}
		return res.Skipped[i].Symbol < res.Skipped[j].Symbol
	})
	return res
}
