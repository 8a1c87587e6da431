package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stratlab/equitysim/pkg/engine"
	"github.com/stratlab/equitysim/pkg/eventbus"
	"github.com/stratlab/equitysim/pkg/fields"
	"github.com/stratlab/equitysim/pkg/marketdata"
	"github.com/stratlab/equitysim/pkg/rules"
	"github.com/stratlab/equitysim/pkg/runtracker"
	"github.com/stratlab/equitysim/pkg/strategy"
	"github.com/stratlab/equitysim/pkg/types"
)

type memPersister struct {
	mu    sync.Mutex
	saved []string
}

func (p *memPersister) SaveResult(_ context.Context, _ string, res *engine.Result) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved = append(p.saved, res.StrategyName)
	return int64(len(p.saved)), nil
}

func (p *memPersister) Close() error { return nil }

type memBus struct {
	mu     sync.Mutex
	events []string
}

func (b *memBus) Publish(_ context.Context, ev *eventbus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev.EventType)
	return nil
}

func (b *memBus) Close() error { return nil }

func (b *memBus) count(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e == eventType {
			n++
		}
	}
	return n
}

func day(n int) time.Time {
	return time.Date(2024, 1, n, 0, 0, 0, 0, time.UTC)
}

func bar(n int, open, high, low, close float64) types.BarData {
	return types.BarData{
		Bar:        types.Bar{Date: day(n), Open: open, High: high, Low: low, Close: close, Volume: 10000},
		Indicators: make(types.IndicatorRow),
	}
}

func testFrame(t *testing.T) *marketdata.Frame {
	t.Helper()
	f, err := marketdata.NewFrame(map[string][]types.BarData{
		"ACME": {
			bar(2, 90, 91, 89, 90),
			bar(3, 100, 106, 99, 105),
			bar(4, 106, 108, 105, 107),
			bar(5, 107, 109, 106, 108),
		},
	})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	return f
}

func compiled(t *testing.T, id int, name string, buyOp rules.Op, buyValue float64) *strategy.Compiled {
	t.Helper()
	def := strategy.Definition{
		ID:      id,
		Name:    name,
		Enabled: true,
		Weight:  1,
		BuyRules: []rules.Condition{{
			Label:   "entry",
			Field:   fields.FieldRef{Kind: fields.Close},
			Op:      buyOp,
			Compare: rules.CompareValue,
			Value:   buyValue,
		}},
		SellRules: []rules.Condition{{
			Label:   "exit",
			Field:   fields.FieldRef{Kind: fields.Close},
			Op:      rules.LT,
			Compare: rules.CompareValue,
			Value:   0.01,
		}},
		Exit: types.ExitConfig{StopLossPct: 0.05},
	}
	c, err := def.Compile()
	if err != nil {
		t.Fatalf("Compile %s: %v", name, err)
	}
	return c
}

func TestRunBatchCompletes(t *testing.T) {
	persist := &memPersister{}
	bus := &memBus{}
	r := New(testFrame(t), nil, nil, nil, persist, bus, Config{
		Concurrency: 2,
		Engine:      engine.Config{InitialCapital: 100_000, MaxPositions: 2},
	}, nil)

	strats := []*strategy.Compiled{
		compiled(t, 1, "breakout", rules.GT, 100),
		compiled(t, 2, "never_triggers", rules.LT, 0.01),
	}
	runID, results, err := r.RunBatch(context.Background(), strats)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if runID == "" {
		t.Error("empty run id")
	}
	if len(results) != 2 || results[0] == nil || results[1] == nil {
		t.Fatalf("results = %v", results)
	}
	if results[0].StrategyName != "breakout" || results[1].StrategyName != "never_triggers" {
		t.Errorf("results out of strategy order: %s, %s", results[0].StrategyName, results[1].StrategyName)
	}
	if results[0].Stats.TradeCount == 0 {
		t.Error("breakout strategy should have traded")
	}
	if results[1].Stats.TradeCount != 0 {
		t.Error("never-triggering strategy should not trade")
	}

	batch := r.Tracker().GetRun(runID)
	if batch == nil || batch.Status != runtracker.BatchCompleted {
		t.Fatalf("batch = %+v, want completed", batch)
	}
	completed, _, _, failed := batch.Counts()
	if completed != 2 || failed != 0 {
		t.Errorf("counts = (%d completed, %d failed), want (2, 0)", completed, failed)
	}

	if len(persist.saved) != 2 {
		t.Errorf("persisted %d results, want 2", len(persist.saved))
	}
	for _, want := range []struct {
		event string
		n     int
	}{
		{eventbus.EventBatchStarted, 1},
		{eventbus.EventJobStarted, 2},
		{eventbus.EventJobCompleted, 2},
		{eventbus.EventBatchFinished, 1},
	} {
		if got := bus.count(want.event); got != want.n {
			t.Errorf("%s events = %d, want %d", want.event, got, want.n)
		}
	}
}

func TestRunBatchMarksTimeouts(t *testing.T) {
	r := New(testFrame(t), nil, nil, nil, nil, nil, Config{
		RunTimeout:  -time.Second, // every run starts past its deadline
		GracePeriod: 10 * time.Millisecond,
		Engine:      engine.Config{InitialCapital: 100_000, MaxPositions: 2},
	}, nil)

	runID, results, err := r.RunBatch(context.Background(), []*strategy.Compiled{
		compiled(t, 1, "breakout", rules.GT, 100),
	})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	batch := r.Tracker().GetRun(runID)
	if got := batch.Jobs[0].Status; got != runtracker.JobTimeout {
		t.Errorf("job status = %s, want timeout", got)
	}
	// A timed-out run still returns its partial result.
	if results[0] == nil || results[0].Status != engine.StatusTimeout {
		t.Errorf("result = %+v, want partial result with timeout status", results[0])
	}
}

func TestRunBatchCancelledUpFront(t *testing.T) {
	r := New(testFrame(t), nil, nil, nil, nil, nil, Config{
		GracePeriod: 10 * time.Millisecond,
		Engine:      engine.Config{InitialCapital: 100_000, MaxPositions: 2},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runID, _, err := r.RunBatch(ctx, []*strategy.Compiled{
		compiled(t, 1, "breakout", rules.GT, 100),
	})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	batch := r.Tracker().GetRun(runID)
	if batch.Status != runtracker.BatchFailed {
		t.Errorf("batch status = %s, want failed", batch.Status)
	}
}

func TestRunBatchRejectsEmpty(t *testing.T) {
	r := New(testFrame(t), nil, nil, nil, nil, nil, Config{}, nil)
	if _, _, err := r.RunBatch(context.Background(), nil); err == nil {
		t.Error("empty batch should error")
	}
}
