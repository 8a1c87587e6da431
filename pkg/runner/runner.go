// Package runner executes a batch of strategy backtests over a shared data
// frame with a bounded worker pool.
//
// Each strategy runs in isolation: its own engine, its own ledger, its own
// deadline. One run failing, timing out, or panicking never disturbs the
// others. A watchdog force-fails whatever is still marked running once the
// batch context has been dead for a grace period, so the tracker can never
// report a batch as running forever.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stratlab/equitysim/pkg/engine"
	"github.com/stratlab/equitysim/pkg/eventbus"
	"github.com/stratlab/equitysim/pkg/marketdata"
	"github.com/stratlab/equitysim/pkg/persistence"
	"github.com/stratlab/equitysim/pkg/runtracker"
	"github.com/stratlab/equitysim/pkg/strategy"
)

// Defaults applied by New when the corresponding config value is zero.
const (
	DefaultConcurrency    = 4
	DefaultRunTimeout     = 5 * time.Minute
	DefaultGracePeriod    = 30 * time.Second
	DefaultPersistTimeout = 30 * time.Second
)

// Config holds the batch runner's parameters. Engine is the per-run
// configuration shared by every strategy in the batch.
type Config struct {
	Concurrency int
	RunTimeout  time.Duration // per-run deadline; 0 selects the default
	GracePeriod time.Duration
	Source      string // event source name; defaults to "runner"

	Engine engine.Config
}

// Runner fans a strategy batch out over a worker pool.
type Runner struct {
	store   marketdata.Store
	feed    engine.RiskFeed
	scorer  engine.Scorer
	tracker *runtracker.Tracker
	persist persistence.Persister
	bus     eventbus.Publisher
	cfg     Config
	logger  *slog.Logger
}

// New creates a runner. feed and scorer may be nil; persist and bus fall
// back to their no-op implementations when nil.
func New(
	store marketdata.Store,
	feed engine.RiskFeed,
	scorer engine.Scorer,
	tracker *runtracker.Tracker,
	persist persistence.Persister,
	bus eventbus.Publisher,
	cfg Config,
	logger *slog.Logger,
) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.RunTimeout == 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Source == "" {
		cfg.Source = "runner"
	}
	if persist == nil {
		persist = persistence.NopPersister{}
	}
	if bus == nil {
		bus = eventbus.NopPublisher{}
	}
	if tracker == nil {
		tracker = runtracker.NewTracker(logger, "")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:   store,
		feed:    feed,
		scorer:  scorer,
		tracker: tracker,
		persist: persist,
		bus:     bus,
		cfg:     cfg,
		logger:  logger,
	}
}

// Tracker returns the run tracker, for wiring into the monitoring API.
func (r *Runner) Tracker() *runtracker.Tracker {
	return r.tracker
}

// RunBatch executes every strategy and blocks until all finish or the
// watchdog gives up on them. Results are returned in strategy order; a
// slot is nil when its run produced nothing. The returned run id
// identifies the batch in the tracker, the event stream, and the
// database.
func (r *Runner) RunBatch(ctx context.Context, strats []*strategy.Compiled) (string, []*engine.Result, error) {
	if len(strats) == 0 {
		return "", nil, errors.New("no strategies to run")
	}

	infos := make([]runtracker.StrategyInfo, len(strats))
	for i, s := range strats {
		infos[i] = runtracker.StrategyInfo{ID: s.Def.ID, Name: s.Def.Name}
	}
	runID := r.tracker.StartBatch(
		formatDate(r.cfg.Engine.StartDate),
		formatDate(r.cfg.Engine.EndDate),
		r.cfg.Engine.InitialCapital,
		infos,
	)

	r.publish(ctx, eventbus.NewEvent(eventbus.EventBatchStarted, runID, r.cfg.Source, map[string]any{
		"strategies":  len(strats),
		"concurrency": r.cfg.Concurrency,
	}))

	results := make([]*engine.Result, len(strats))
	sem := make(chan struct{}, r.cfg.Concurrency)
	var wg sync.WaitGroup

	for i, strat := range strats {
		wg.Add(1)
		go func(idx int, s *strategy.Compiled) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[idx] = r.runOne(ctx, runID, s)
		}(i, strat)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	r.watch(ctx, runID, done)

	batch := r.tracker.GetRun(runID)
	completed, _, _, failed := batch.Counts()
	r.publish(context.WithoutCancel(ctx), eventbus.NewEvent(eventbus.EventBatchFinished, runID, r.cfg.Source, map[string]any{
		"status":    string(batch.Status),
		"completed": completed,
		"failed":    failed,
	}))
	r.logger.Info("batch done",
		"run_id", runID,
		"status", batch.Status,
		"completed", completed,
		"failed", failed,
	)
	return runID, results, nil
}

// watch blocks until all workers finish. If the batch context dies first,
// the workers get a grace period to observe the cancellation; whatever is
// still not terminal after that is force-failed in the tracker.
func (r *Runner) watch(ctx context.Context, runID string, done <-chan struct{}) {
	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	timer := time.NewTimer(r.cfg.GracePeriod)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		r.logger.Error("watchdog: jobs still running after grace period",
			"run_id", runID, "grace", r.cfg.GracePeriod)
		r.tracker.FailRemaining(runID, "batch deadline exceeded")
		// Workers are abandoned; they will still observe the cancelled
		// context and unwind, but the batch no longer waits for them.
	}
}

// runOne executes a single strategy backtest with its own deadline and
// panic isolation, and records the outcome in the tracker.
func (r *Runner) runOne(ctx context.Context, runID string, s *strategy.Compiled) (res *engine.Result) {
	log := r.logger.With("run_id", runID, "strategy", s.Def.Name)

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("backtest panicked", "panic", rec)
			r.tracker.MarkJobFailed(runID, s.Def.ID, runtracker.JobFailed, fmt.Sprintf("panic: %v", rec))
			r.publishJobFailed(ctx, runID, s.Def.ID, runtracker.JobFailed, fmt.Sprintf("panic: %v", rec))
			res = nil
		}
	}()

	if err := ctx.Err(); err != nil {
		r.tracker.MarkJobFailed(runID, s.Def.ID, runtracker.JobFailed, "batch cancelled before start")
		return nil
	}

	r.tracker.MarkJobRunning(runID, s.Def.ID)
	r.publish(ctx, eventbus.NewEvent(eventbus.EventJobStarted, runID, r.cfg.Source, map[string]any{
		"strategy_id":   s.Def.ID,
		"strategy_name": s.Def.Name,
	}))

	eng, err := engine.New(s, r.store, r.feed, r.scorer, r.cfg.Engine, log)
	if err != nil {
		r.tracker.MarkJobFailed(runID, s.Def.ID, runtracker.JobFailed, err.Error())
		r.publishJobFailed(ctx, runID, s.Def.ID, runtracker.JobFailed, err.Error())
		return nil
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.RunTimeout)
	defer cancel()

	result, runErr := eng.Run(runCtx)

	if runErr != nil {
		status := classify(result, runErr)
		r.tracker.MarkJobFailed(runID, s.Def.ID, status, runErr.Error())
		r.publishJobFailed(ctx, runID, s.Def.ID, status, runErr.Error())
		r.persistResult(ctx, runID, result, log)
		return result
	}

	r.tracker.MarkJobCompleted(runID, s.Def.ID,
		result.Stats.TradeCount, result.FinalValue, result.Stats.TotalReturn)
	r.publish(ctx, eventbus.NewEvent(eventbus.EventJobCompleted, runID, r.cfg.Source, map[string]any{
		"strategy_id":  s.Def.ID,
		"trade_count":  result.Stats.TradeCount,
		"final_value":  result.FinalValue,
		"total_return": result.Stats.TotalReturn,
	}))
	r.persistResult(ctx, runID, result, log)
	return result
}

// classify maps an engine failure onto the tracker's failure flavors.
func classify(res *engine.Result, err error) runtracker.JobStatus {
	switch {
	case errors.Is(err, engine.ErrSignalExplosion):
		return runtracker.JobInvalid
	case res != nil && res.Status == engine.StatusTimeout:
		return runtracker.JobTimeout
	case errors.Is(err, context.DeadlineExceeded):
		return runtracker.JobTimeout
	default:
		return runtracker.JobFailed
	}
}

// persistResult stores a run outcome, detached from the batch context so a
// cancelled batch can still save what it produced.
func (r *Runner) persistResult(ctx context.Context, runID string, res *engine.Result, log *slog.Logger) {
	if res == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultPersistTimeout)
	defer cancel()
	if _, err := r.persist.SaveResult(saveCtx, runID, res); err != nil {
		log.Error("persisting result failed", "error", err)
	}
}

func (r *Runner) publishJobFailed(ctx context.Context, runID string, strategyID int, status runtracker.JobStatus, msg string) {
	r.publish(ctx, eventbus.NewEvent(eventbus.EventJobFailed, runID, r.cfg.Source, map[string]any{
		"strategy_id": strategyID,
		"status":      string(status),
		"error":       msg,
	}))
}

// publish sends an event, logging rather than propagating failures: the
// bus is observability, not control flow.
func (r *Runner) publish(ctx context.Context, ev *eventbus.Event) {
	if err := r.bus.Publish(ctx, ev); err != nil {
		r.logger.Warn("event publish failed", "event_type", ev.EventType, "error", err)
	}
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02")
}
