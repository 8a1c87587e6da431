// Package api provides HTTP handlers for the backtest monitoring API.
//
// Endpoints:
//
//	GET /api/v1/status                - Service health check
//	GET /api/v1/runs                  - List all batches (optional filters)
//	GET /api/v1/runs/{run_id}         - Detailed batch status
//	GET /api/v1/runs/{run_id}/summary - High-level batch summary
//	GET /ws                           - Live progress event stream
//
// The run endpoints are protected by bearer-token auth when a JWT secret
// is configured; status and the websocket stream are always open.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/stratlab/equitysim/pkg/runtracker"
)

// Server holds dependencies for the API handlers.
type Server struct {
	Tracker     *runtracker.Tracker
	Hub         *Hub
	Auth        JWT
	DBConnected bool
	Logger      *slog.Logger
}

// NewServer creates a new API server.
func NewServer(tracker *runtracker.Tracker, hub *Hub, auth JWT, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Tracker: tracker,
		Hub:     hub,
		Auth:    auth,
		Logger:  logger,
	}
}

// RegisterRoutes registers all API routes on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	protect := Middleware(s.Auth)

	mux.HandleFunc("GET /api/v1/status", s.HandleStatus)
	mux.Handle("GET /api/v1/runs", protect(http.HandlerFunc(s.HandleListRuns)))
	// Go 1.22+ pattern matching with path parameters
	mux.Handle("GET /api/v1/runs/{run_id}/summary", protect(http.HandlerFunc(s.HandleGetRunSummary)))
	mux.Handle("GET /api/v1/runs/{run_id}", protect(http.HandlerFunc(s.HandleGetRun)))
	if s.Hub != nil {
		mux.HandleFunc("GET /ws", s.Hub.ServeWS)
	}
}

// ---------------------------------------------------------------------------
// Response types
// ---------------------------------------------------------------------------

type statusResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Version       string  `json:"version"`
	DBConnected   bool    `json:"db_connected"`
	WSClients     int     `json:"ws_clients"`
}

type runListItem struct {
	RunID                     string  `json:"run_id"`
	StartDate                 string  `json:"start_date"`
	EndDate                   string  `json:"end_date"`
	StartTime                 string  `json:"start_time"`
	EndTime                   *string `json:"end_time"`
	Status                    string  `json:"status"`
	TotalJobs                 int     `json:"total_jobs"`
	CompletedJobs             int     `json:"completed_jobs"`
	PendingJobs               int     `json:"pending_jobs"`
	FailedJobs                int     `json:"failed_jobs"`
	ProgressPercent           int     `json:"progress_percent"`
	ElapsedTimeSeconds        float64 `json:"elapsed_time_seconds"`
	EstimatedRemainingSeconds float64 `json:"estimated_remaining_seconds"`
}

type runListResponse struct {
	Runs      []runListItem `json:"runs"`
	TotalRuns int           `json:"total_runs"`
}

type jobItem struct {
	StrategyID   int     `json:"strategy_id"`
	StrategyName string  `json:"strategy_name"`
	Status       string  `json:"status"`
	StartTime    *string `json:"start_time"`
	EndTime      *string `json:"end_time"`
	DurationSecs float64 `json:"duration_seconds"`
	TradeCount   int     `json:"trade_count"`
	FinalValue   float64 `json:"final_value"`
	TotalReturn  float64 `json:"total_return"`
	ErrorMessage *string `json:"error_message"`
}

type runDetailResponse struct {
	RunID                     string    `json:"run_id"`
	StartDate                 string    `json:"start_date"`
	EndDate                   string    `json:"end_date"`
	InitialCapital            float64   `json:"initial_capital"`
	StartTime                 string    `json:"start_time"`
	EndTime                   *string   `json:"end_time"`
	Status                    string    `json:"status"`
	TotalJobs                 int       `json:"total_jobs"`
	CompletedJobs             int       `json:"completed_jobs"`
	PendingJobs               int       `json:"pending_jobs"`
	FailedJobs                int       `json:"failed_jobs"`
	ProgressPercent           int       `json:"progress_percent"`
	ElapsedTimeSeconds        float64   `json:"elapsed_time_seconds"`
	EstimatedRemainingSeconds float64   `json:"estimated_remaining_seconds"`
	Jobs                      []jobItem `json:"jobs"`
}

type countDetail struct {
	Count   int `json:"count"`
	Percent int `json:"percent"`
}

type runSummaryResponse struct {
	RunID                     string      `json:"run_id"`
	StartDate                 string      `json:"start_date"`
	EndDate                   string      `json:"end_date"`
	TotalJobs                 int         `json:"total_jobs"`
	Completed                 countDetail `json:"completed"`
	Running                   countDetail `json:"running"`
	Pending                   countDetail `json:"pending"`
	Failed                    countDetail `json:"failed"`
	TotalTrades               int         `json:"total_trades"`
	AvgTradesPerJob           float64     `json:"avg_trades_per_job"`
	BestTotalReturn           *float64    `json:"best_total_return"`
	ElapsedTimeSeconds        float64     `json:"elapsed_time_seconds"`
	EstimatedTotalTimeSeconds float64     `json:"estimated_total_time_seconds"`
	ETACompletion             *string     `json:"eta_completion"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

// HandleStatus returns overall service health and readiness.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:        "healthy",
		UptimeSeconds: s.Tracker.UptimeSeconds(),
		Version:       s.Tracker.Version(),
		DBConnected:   s.DBConnected,
	}
	if s.Hub != nil {
		resp.WSClients = s.Hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleListRuns returns a list of all batches with summary statistics.
func (s *Server) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	statusFilter := q.Get("status")
	limit := 100
	if l := q.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	runs := s.Tracker.ListRuns(statusFilter, limit)
	items := make([]runListItem, len(runs))
	for i, run := range runs {
		items[i] = buildRunListItem(run)
	}

	writeJSON(w, http.StatusOK, runListResponse{
		Runs:      items,
		TotalRuns: len(items),
	})
}

// HandleGetRun returns detailed status of a specific batch including
// per-strategy job state.
func (s *Server) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if runID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "run_id is required"})
		return
	}

	run := s.Tracker.GetRun(runID)
	if run == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "run not found"})
		return
	}

	completed, _, pending, failed := run.Counts()

	jobs := make([]jobItem, len(run.Jobs))
	for i, job := range run.Jobs {
		jobs[i] = buildJobItem(job)
	}

	resp := runDetailResponse{
		RunID:                     run.RunID,
		StartDate:                 run.StartDate,
		EndDate:                   run.EndDate,
		InitialCapital:            run.InitialCapital,
		StartTime:                 run.StartTime.UTC().Format("2006-01-02T15:04:05Z"),
		EndTime:                   formatOptionalTime(run.EndTime),
		Status:                    string(run.Status),
		TotalJobs:                 run.TotalJobs(),
		CompletedJobs:             completed,
		PendingJobs:               pending,
		FailedJobs:                failed,
		ProgressPercent:           run.ProgressPercent(),
		ElapsedTimeSeconds:        run.ElapsedSeconds(),
		EstimatedRemainingSeconds: run.EstimatedRemainingSeconds(),
		Jobs:                      jobs,
	}

	writeJSON(w, http.StatusOK, resp)
}

// HandleGetRunSummary returns high-level stats for a batch, suitable for
// dashboards.
func (s *Server) HandleGetRunSummary(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if runID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "run_id is required"})
		return
	}

	run := s.Tracker.GetRun(runID)
	if run == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "run not found"})
		return
	}

	completed, running, pending, failed := run.Counts()
	total := run.TotalJobs()
	totalTrades := run.TotalTrades()

	var avgTrades float64
	if completed > 0 {
		avgTrades = float64(totalTrades) / float64(completed)
	}

	var best *float64
	for i := range run.Jobs {
		if run.Jobs[i].Status != runtracker.JobCompleted {
			continue
		}
		ret := run.Jobs[i].TotalReturn
		if best == nil || ret > *best {
			v := ret
			best = &v
		}
	}

	elapsed := run.ElapsedSeconds()
	estimatedTotal := elapsed
	if completed > 0 && total > 0 {
		estimatedTotal = (elapsed / float64(completed)) * float64(total)
	}

	var etaStr *string
	if eta := run.ETACompletion(); eta != nil {
		s := eta.UTC().Format("2006-01-02T15:04:05Z")
		etaStr = &s
	}

	pct := func(count, tot int) int {
		if tot == 0 {
			return 0
		}
		return count * 100 / tot
	}

	resp := runSummaryResponse{
		RunID:                     run.RunID,
		StartDate:                 run.StartDate,
		EndDate:                   run.EndDate,
		TotalJobs:                 total,
		Completed:                 countDetail{Count: completed, Percent: pct(completed, total)},
		Running:                   countDetail{Count: running, Percent: pct(running, total)},
		Pending:                   countDetail{Count: pending, Percent: pct(pending, total)},
		Failed:                    countDetail{Count: failed, Percent: pct(failed, total)},
		TotalTrades:               totalTrades,
		AvgTradesPerJob:           avgTrades,
		BestTotalReturn:           best,
		ElapsedTimeSeconds:        elapsed,
		EstimatedTotalTimeSeconds: estimatedTotal,
		ETACompletion:             etaStr,
	}

	writeJSON(w, http.StatusOK, resp)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode JSON response", "error", err)
	}
}

func buildRunListItem(run *runtracker.BatchRun) runListItem {
	completed, _, pending, failed := run.Counts()
	return runListItem{
		RunID:                     run.RunID,
		StartDate:                 run.StartDate,
		EndDate:                   run.EndDate,
		StartTime:                 run.StartTime.UTC().Format("2006-01-02T15:04:05Z"),
		EndTime:                   formatOptionalTime(run.EndTime),
		Status:                    string(run.Status),
		TotalJobs:                 run.TotalJobs(),
		CompletedJobs:             completed,
		PendingJobs:               pending,
		FailedJobs:                failed,
		ProgressPercent:           run.ProgressPercent(),
		ElapsedTimeSeconds:        run.ElapsedSeconds(),
		EstimatedRemainingSeconds: run.EstimatedRemainingSeconds(),
	}
}

func buildJobItem(job runtracker.JobState) jobItem {
	item := jobItem{
		StrategyID:   job.StrategyID,
		StrategyName: job.StrategyName,
		Status:       string(job.Status),
		StartTime:    formatOptionalTime(job.StartTime),
		EndTime:      formatOptionalTime(job.EndTime),
		DurationSecs: job.DurationSecs,
		TradeCount:   job.TradeCount,
		FinalValue:   job.FinalValue,
		TotalReturn:  job.TotalReturn,
	}
	if job.ErrorMessage != "" {
		msg := job.ErrorMessage
		item.ErrorMessage = &msg
	}
	return item
}

func formatOptionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format("2006-01-02T15:04:05Z")
	return &s
}
