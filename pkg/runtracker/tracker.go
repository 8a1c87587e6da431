package runtracker

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Tracker provides thread-safe management of backtest batch state. It is
// the central store queried by the monitoring API endpoints.
type Tracker struct {
	mu     sync.RWMutex
	runs   map[string]*BatchRun
	logger *slog.Logger

	// startedAt is used by the health endpoint to report uptime.
	startedAt time.Time
	version   string
}

// NewTracker creates a new batch tracker.
func NewTracker(logger *slog.Logger, version string) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if version == "" {
		version = "dev"
	}
	return &Tracker{
		runs:      make(map[string]*BatchRun),
		logger:    logger,
		startedAt: time.Now(),
		version:   version,
	}
}

// StartedAt returns the time the tracker was created.
func (t *Tracker) StartedAt() time.Time {
	return t.startedAt
}

// Version returns the version string.
func (t *Tracker) Version() string {
	return t.version
}

// UptimeSeconds returns seconds since the tracker was created.
func (t *Tracker) UptimeSeconds() float64 {
	return time.Since(t.startedAt).Seconds()
}

// generateRunID produces a short random hex run identifier.
func generateRunID() string {
	b := make([]byte, 5)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}

// StrategyInfo holds the minimal info needed to register a strategy in a
// batch.
type StrategyInfo struct {
	ID   int
	Name string
}

// StartBatch creates a new BatchRun with every job pending and returns its
// run_id.
func (t *Tracker) StartBatch(
	startDate, endDate string,
	initialCapital float64,
	strategies []StrategyInfo,
) string {
	runID := generateRunID()
	now := time.Now()

	jobs := make([]JobState, len(strategies))
	for i, s := range strategies {
		jobs[i] = JobState{
			StrategyID:   s.ID,
			StrategyName: s.Name,
			Status:       JobPending,
		}
	}

	run := &BatchRun{
		RunID:          runID,
		StartDate:      startDate,
		EndDate:        endDate,
		InitialCapital: initialCapital,
		StartTime:      now,
		Status:         BatchRunning,
		Jobs:           jobs,
	}

	t.mu.Lock()
	t.runs[runID] = run
	t.mu.Unlock()

	t.logger.Info("Batch started",
		"run_id", runID,
		"start_date", startDate,
		"end_date", endDate,
		"strategies", len(strategies),
	)
	return runID
}

// MarkJobRunning marks a strategy backtest as running within a batch.
func (t *Tracker) MarkJobRunning(runID string, strategyID int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, _ := t.findJobLocked(runID, strategyID, "MarkJobRunning")
	if job == nil {
		return
	}
	now := time.Now()
	job.Status = JobRunning
	job.StartTime = &now
	t.logger.Debug("Job marked running",
		"run_id", runID,
		"strategy_id", strategyID,
		"strategy_name", job.StrategyName,
	)
}

// MarkJobCompleted marks a job as completed, recording its headline
// numbers and duration.
func (t *Tracker) MarkJobCompleted(runID string, strategyID, tradeCount int, finalValue, totalReturn float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, run := t.findJobLocked(runID, strategyID, "MarkJobCompleted")
	if job == nil {
		return
	}
	now := time.Now()
	job.Status = JobCompleted
	job.EndTime = &now
	job.TradeCount = tradeCount
	job.FinalValue = finalValue
	job.TotalReturn = totalReturn
	if job.StartTime != nil {
		job.DurationSecs = now.Sub(*job.StartTime).Seconds()
	}
	t.logger.Debug("Job completed",
		"run_id", runID,
		"strategy_id", strategyID,
		"trades", tradeCount,
		"total_return", totalReturn,
		"duration_secs", job.DurationSecs,
	)
	t.maybeFinishBatchLocked(run)
}

// MarkJobFailed marks a job as terminally unsuccessful. status selects the
// failure flavor: JobFailed, JobTimeout, or JobInvalid.
func (t *Tracker) MarkJobFailed(runID string, strategyID int, status JobStatus, errMsg string) {
	if !status.Terminal() || status == JobCompleted {
		status = JobFailed
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	job, run := t.findJobLocked(runID, strategyID, "MarkJobFailed")
	if job == nil {
		return
	}
	now := time.Now()
	job.Status = status
	job.EndTime = &now
	job.ErrorMessage = errMsg
	if job.StartTime != nil {
		job.DurationSecs = now.Sub(*job.StartTime).Seconds()
	}
	t.logger.Warn("Job failed",
		"run_id", runID,
		"strategy_id", strategyID,
		"status", status,
		"error", errMsg,
	)
	t.maybeFinishBatchLocked(run)
}

// findJobLocked locates a job within a run. Must be called with t.mu held.
func (t *Tracker) findJobLocked(runID string, strategyID int, op string) (*JobState, *BatchRun) {
	run, ok := t.runs[runID]
	if !ok {
		t.logger.Warn(op+": run not found", "run_id", runID)
		return nil, nil
	}
	for i := range run.Jobs {
		if run.Jobs[i].StrategyID == strategyID {
			return &run.Jobs[i], run
		}
	}
	t.logger.Warn(op+": strategy not found in run",
		"run_id", runID, "strategy_id", strategyID,
	)
	return nil, nil
}

// maybeFinishBatchLocked checks whether all jobs are done and finalises the
// batch. Must be called with t.mu held.
func (t *Tracker) maybeFinishBatchLocked(run *BatchRun) {
	completed, running, pending, failed := run.Counts()
	if running > 0 || pending > 0 {
		return
	}
	now := time.Now()
	run.EndTime = &now
	if failed > 0 && completed == 0 {
		run.Status = BatchFailed
	} else {
		run.Status = BatchCompleted
	}
	t.logger.Info("Batch finished",
		"run_id", run.RunID,
		"status", run.Status,
		"completed", completed,
		"failed", failed,
		"elapsed_secs", run.ElapsedSeconds(),
	)
}

// FailRemaining force-fails every non-terminal job in a run. The batch
// watchdog calls this when the grace period after the deadline expires.
func (t *Tracker) FailRemaining(runID string, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	run, ok := t.runs[runID]
	if !ok {
		t.logger.Warn("FailRemaining: run not found", "run_id", runID)
		return
	}
	now := time.Now()
	for i := range run.Jobs {
		if run.Jobs[i].Status.Terminal() {
			continue
		}
		run.Jobs[i].Status = JobTimeout
		run.Jobs[i].EndTime = &now
		run.Jobs[i].ErrorMessage = errMsg
		if run.Jobs[i].StartTime != nil {
			run.Jobs[i].DurationSecs = now.Sub(*run.Jobs[i].StartTime).Seconds()
		}
	}
	t.maybeFinishBatchLocked(run)
}

// GetRun returns a snapshot of the run with the given ID, or nil if not
// found.
func (t *Tracker) GetRun(runID string) *BatchRun {
	t.mu.RLock()
	defer t.mu.RUnlock()
	run, ok := t.runs[runID]
	if !ok {
		return nil
	}
	// Return a copy to avoid data races on the caller side.
	cp := *run
	cp.Jobs = make([]JobState, len(run.Jobs))
	copy(cp.Jobs, run.Jobs)
	return &cp
}

// ListRuns returns a snapshot of all runs, newest first. An optional status
// filter narrows the results.
func (t *Tracker) ListRuns(statusFilter string, limit int) []*BatchRun {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*BatchRun, 0, len(t.runs))
	for _, run := range t.runs {
		if statusFilter != "" && string(run.Status) != statusFilter {
			continue
		}
		cp := *run
		cp.Jobs = make([]JobState, len(run.Jobs))
		copy(cp.Jobs, run.Jobs)
		result = append(result, &cp)
	}

	// Sort by start time descending (newest first).
	for i := 0; i < len(result); i++ {
		for j := i + 1; j < len(result); j++ {
			if result[j].StartTime.After(result[i].StartTime) {
				result[i], result[j] = result[j], result[i]
			}
		}
	}

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}
