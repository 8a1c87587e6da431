package runtracker

import (
	"testing"
)

func startTestBatch(t *Tracker) string {
	return t.StartBatch("2024-01-01", "2024-06-30", 100_000, []StrategyInfo{
		{ID: 1, Name: "breakout"},
		{ID: 2, Name: "reversal"},
		{ID: 3, Name: "momentum"},
	})
}

func TestBatchLifecycle(t *testing.T) {
	tr := NewTracker(nil, "test")
	runID := startTestBatch(tr)

	run := tr.GetRun(runID)
	if run == nil {
		t.Fatal("run not found after StartBatch")
	}
	if run.Status != BatchRunning {
		t.Errorf("status = %s, want running", run.Status)
	}
	if run.TotalJobs() != 3 {
		t.Errorf("jobs = %d, want 3", run.TotalJobs())
	}

	tr.MarkJobRunning(runID, 1)
	tr.MarkJobCompleted(runID, 1, 12, 108_000, 0.08)
	tr.MarkJobRunning(runID, 2)
	tr.MarkJobFailed(runID, 2, JobTimeout, "deadline exceeded")

	run = tr.GetRun(runID)
	completed, running, pending, failed := run.Counts()
	if completed != 1 || running != 0 || pending != 1 || failed != 1 {
		t.Errorf("counts = (%d,%d,%d,%d), want (1,0,1,1)", completed, running, pending, failed)
	}
	if run.Status != BatchRunning {
		t.Errorf("batch should still be running with a pending job, got %s", run.Status)
	}
	if run.Jobs[1].Status != JobTimeout {
		t.Errorf("job 2 status = %s, want timeout", run.Jobs[1].Status)
	}
	if run.TotalTrades() != 12 {
		t.Errorf("total trades = %d, want 12", run.TotalTrades())
	}

	tr.MarkJobRunning(runID, 3)
	tr.MarkJobCompleted(runID, 3, 5, 97_000, -0.03)

	run = tr.GetRun(runID)
	if run.Status != BatchCompleted {
		t.Errorf("batch status = %s, want completed (some jobs succeeded)", run.Status)
	}
	if run.EndTime == nil {
		t.Error("finished batch should have an end time")
	}
	if run.ProgressPercent() != 100 {
		t.Errorf("progress = %d, want 100", run.ProgressPercent())
	}
}

func TestBatchFailsWhenNothingCompletes(t *testing.T) {
	tr := NewTracker(nil, "test")
	runID := tr.StartBatch("2024-01-01", "2024-06-30", 100_000, []StrategyInfo{
		{ID: 1, Name: "breakout"},
	})
	tr.MarkJobRunning(runID, 1)
	tr.MarkJobFailed(runID, 1, JobInvalid, "signal explosion")

	run := tr.GetRun(runID)
	if run.Status != BatchFailed {
		t.Errorf("batch status = %s, want failed", run.Status)
	}
	if run.Jobs[0].Status != JobInvalid {
		t.Errorf("job status = %s, want invalid", run.Jobs[0].Status)
	}
}

func TestMarkJobFailedNormalizesStatus(t *testing.T) {
	tr := NewTracker(nil, "test")
	runID := tr.StartBatch("", "", 1, []StrategyInfo{{ID: 1, Name: "x"}})

	// A non-terminal or completed status is not a valid failure flavor.
	tr.MarkJobFailed(runID, 1, JobRunning, "boom")
	if got := tr.GetRun(runID).Jobs[0].Status; got != JobFailed {
		t.Errorf("status = %s, want failed", got)
	}
}

func TestFailRemaining(t *testing.T) {
	tr := NewTracker(nil, "test")
	runID := startTestBatch(tr)

	tr.MarkJobRunning(runID, 1)
	tr.MarkJobCompleted(runID, 1, 2, 101_000, 0.01)
	tr.MarkJobRunning(runID, 2)
	tr.FailRemaining(runID, "batch deadline exceeded")

	run := tr.GetRun(runID)
	if run.Status != BatchCompleted {
		t.Errorf("batch status = %s, want completed", run.Status)
	}
	if run.Jobs[0].Status != JobCompleted {
		t.Error("completed job must not be overwritten by FailRemaining")
	}
	for _, idx := range []int{1, 2} {
		if run.Jobs[idx].Status != JobTimeout {
			t.Errorf("job %d status = %s, want timeout", idx+1, run.Jobs[idx].Status)
		}
	}
}

func TestGetRunReturnsCopy(t *testing.T) {
	tr := NewTracker(nil, "test")
	runID := startTestBatch(tr)

	snap := tr.GetRun(runID)
	snap.Jobs[0].Status = JobFailed

	if got := tr.GetRun(runID).Jobs[0].Status; got != JobPending {
		t.Errorf("mutating a snapshot leaked into the tracker: %s", got)
	}
}

func TestListRuns(t *testing.T) {
	tr := NewTracker(nil, "test")
	a := startTestBatch(tr)
	startTestBatch(tr)

	all := tr.ListRuns("", 0)
	if len(all) != 2 {
		t.Fatalf("runs = %d, want 2", len(all))
	}

	// Finish one batch, then filter by status.
	for _, id := range []int{1, 2, 3} {
		tr.MarkJobRunning(a, id)
		tr.MarkJobCompleted(a, id, 0, 100_000, 0)
	}
	done := tr.ListRuns(string(BatchCompleted), 0)
	if len(done) != 1 || done[0].RunID != a {
		t.Errorf("completed filter = %+v, want run %s", done, a)
	}

	if got := tr.ListRuns("", 1); len(got) != 1 {
		t.Errorf("limit 1 returned %d runs", len(got))
	}
}

func TestUnknownRunAndStrategyAreIgnored(t *testing.T) {
	tr := NewTracker(nil, "test")
	runID := startTestBatch(tr)

	tr.MarkJobRunning("nope", 1)
	tr.MarkJobCompleted(runID, 999, 0, 0, 0)

	run := tr.GetRun(runID)
	if _, _, pending, _ := run.Counts(); pending != 3 {
		t.Errorf("pending = %d, want 3 untouched jobs", pending)
	}
}
