// Package runtracker provides in-memory tracking of backtest batch
// progress. It is the store the monitoring API queries so dashboards can
// show live per-strategy state, progress, and ETA while a batch runs.
package runtracker

import (
	"time"
)

// BatchStatus represents the overall status of a backtest batch.
type BatchStatus string

const (
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
)

// JobStatus represents the execution status of a single strategy backtest
// within a batch.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	// JobTimeout marks a job killed by its per-run deadline, as opposed to
	// one that returned an error of its own.
	JobTimeout JobStatus = "timeout"
	// JobInvalid marks a job aborted by an engine sanity check, e.g. the
	// signal explosion guard.
	JobInvalid JobStatus = "invalid"
)

// Terminal reports whether a job status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobTimeout, JobInvalid:
		return true
	}
	return false
}

// JobState tracks one strategy backtest within a batch.
type JobState struct {
	StrategyID   int        `json:"strategy_id"`
	StrategyName string     `json:"strategy_name"`
	Status       JobStatus  `json:"status"`
	StartTime    *time.Time `json:"start_time"`
	EndTime      *time.Time `json:"end_time"`
	DurationSecs float64    `json:"duration_seconds"`

	TradeCount   int     `json:"trade_count"`
	FinalValue   float64 `json:"final_value"`
	TotalReturn  float64 `json:"total_return"`
	ErrorMessage string  `json:"error_message,omitempty"`
}

// BatchRun tracks the overall state of one backtest batch: a set of
// strategies run over the same data window with the same capital.
type BatchRun struct {
	RunID          string     `json:"run_id"`
	StartDate      string     `json:"start_date"`
	EndDate        string     `json:"end_date"`
	InitialCapital float64    `json:"initial_capital"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        *time.Time `json:"end_time"`
	Status         BatchStatus `json:"status"`
	Jobs           []JobState `json:"jobs"`
}

// Counts returns the number of jobs in each bucket. The failed bucket
// includes timeouts and invalid runs.
func (r *BatchRun) Counts() (completed, running, pending, failed int) {
	for i := range r.Jobs {
		switch r.Jobs[i].Status {
		case JobCompleted:
			completed++
		case JobRunning:
			running++
		case JobPending:
			pending++
		case JobFailed, JobTimeout, JobInvalid:
			failed++
		}
	}
	return
}

// TotalJobs returns the number of strategy backtests in this batch.
func (r *BatchRun) TotalJobs() int {
	return len(r.Jobs)
}

// TotalTrades returns the sum of trades across all finished jobs.
func (r *BatchRun) TotalTrades() int {
	total := 0
	for i := range r.Jobs {
		total += r.Jobs[i].TradeCount
	}
	return total
}

// ProgressPercent returns the completion percentage (0-100); failed jobs
// count as done.
func (r *BatchRun) ProgressPercent() int {
	total := r.TotalJobs()
	if total == 0 {
		return 0
	}
	completed, _, _, failed := r.Counts()
	return (completed + failed) * 100 / total
}

// ElapsedSeconds returns the seconds elapsed since the batch started.
func (r *BatchRun) ElapsedSeconds() float64 {
	if r.EndTime != nil {
		return r.EndTime.Sub(r.StartTime).Seconds()
	}
	return time.Since(r.StartTime).Seconds()
}

// EstimatedRemainingSeconds extrapolates from the average duration of
// finished jobs.
func (r *BatchRun) EstimatedRemainingSeconds() float64 {
	completed, running, pending, failed := r.Counts()
	done := completed + failed
	if done == 0 {
		return 0
	}

	elapsed := r.ElapsedSeconds()
	avgPerJob := elapsed / float64(done)
	remaining := pending + running
	return avgPerJob * float64(remaining)
}

// ETACompletion returns the estimated time of completion, or nil if not
// calculable.
func (r *BatchRun) ETACompletion() *time.Time {
	remaining := r.EstimatedRemainingSeconds()
	if remaining <= 0 {
		return nil
	}
	eta := time.Now().Add(time.Duration(remaining * float64(time.Second)))
	return &eta
}
