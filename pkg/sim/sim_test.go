package sim

import (
	"math"
	"testing"
	"time"

	"github.com/stratlab/equitysim/pkg/portfolio"
	"github.com/stratlab/equitysim/pkg/types"
)

var day = time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)

func newSim() *Simulator {
	return NewSimulator(Config{SlippagePct: 0.001, FeePct: 0.0005, LimitPct: 0.10}, nil)
}

func dayAt(open, prevClose float64) Day {
	return Day{
		Bar:       types.Bar{Date: day, Open: open, High: open * 1.02, Low: open * 0.98, Close: open},
		PrevClose: prevClose,
	}
}

func TestBuyFillWithSlippageAndFee(t *testing.T) {
	led := portfolio.NewLedger(100000)
	s := newSim()

	s.Execute(led, nil,
		map[string]float64{"ACME": 0.5},
		map[string]Day{"ACME": dayAt(100, 99)},
		day,
	)

	trades := led.Trades()
	if len(trades) != 1 {
		t.Fatalf("trades = %v, want 1 buy", trades)
	}
	tr := trades[0]
	if tr.Side != types.Buy {
		t.Fatalf("side = %s", tr.Side)
	}
	wantPrice := 100 * 1.001
	if math.Abs(tr.Price-wantPrice) > 1e-9 {
		t.Errorf("fill price = %v, want %v (slippage against the trader)", tr.Price, wantPrice)
	}
	if tr.Fee <= 0 {
		t.Errorf("fee = %v, want > 0", tr.Fee)
	}
	if err := led.Reconcile(); err != nil {
		t.Errorf("Reconcile: %v", err)
	}
}

func TestLimitUpBuyRejected(t *testing.T) {
	led := portfolio.NewLedger(100000)
	s := newSim()

	// Open exactly at the 10% limit-up vs previous close.
	s.Execute(led, nil,
		map[string]float64{"ACME": 0.5},
		map[string]Day{"ACME": dayAt(110, 100)},
		day,
	)

	if len(led.Trades()) != 0 {
		t.Errorf("limit-up buy must not fill, trades = %v", led.Trades())
	}
	skipped := led.Skipped()
	if len(skipped) != 1 || skipped[0].Reason != types.SkipLimitUp {
		t.Fatalf("skipped = %v, want one limit_up record", skipped)
	}
	if skipped[0].Side != types.Buy {
		t.Errorf("skip side = %s, want buy", skipped[0].Side)
	}
}

func TestLimitDownSellRejected(t *testing.T) {
	led := portfolio.NewLedger(100000)
	led.ApplyBuy("ACME", day.AddDate(0, 0, -5), 100, 100, 0, "entry")
	s := newSim()

	s.Execute(led,
		[]ExitOrder{{Symbol: "ACME", Reason: "stop_loss"}},
		nil,
		map[string]Day{"ACME": dayAt(90, 100)},
		day,
	)

	if led.Position("ACME") == nil {
		t.Error("limit-down sell must not fill")
	}
	skipped := led.Skipped()
	if len(skipped) != 1 || skipped[0].Reason != types.SkipLimitDown {
		t.Errorf("skipped = %v, want one limit_down record", skipped)
	}
}

func TestForcedExitBeforeRebalance(t *testing.T) {
	led := portfolio.NewLedger(100000)
	led.ApplyBuy("ACME", day.AddDate(0, 0, -5), 100, 100, 0, "entry")
	s := newSim()

	// The exit must fully close the position even though the target would
	// keep it.
	s.Execute(led,
		[]ExitOrder{{Symbol: "ACME", Reason: "trailing_stop"}},
		map[string]float64{"ACME": 0.5},
		map[string]Day{"ACME": dayAt(105, 104)},
		day,
	)

	if led.Position("ACME") != nil {
		t.Error("forced exit should close the position before rebalance buys")
	}
	trades := led.Trades()
	last := trades[len(trades)-1]
	if last.Side != types.Sell || last.Reason != "trailing_stop" {
		t.Errorf("last trade = %+v, want trailing_stop sell", last)
	}
}

func TestRebalanceSellTrimsOverweight(t *testing.T) {
	led := portfolio.NewLedger(10000)
	led.ApplyBuy("ACME", day.AddDate(0, 0, -5), 90, 100, 0, "entry")
	s := newSim()

	s.Execute(led, nil,
		map[string]float64{"ACME": 0.2},
		map[string]Day{"ACME": dayAt(100, 100)},
		day,
	)

	pos := led.Position("ACME")
	if pos == nil {
		t.Fatal("position should survive a trim")
	}
	weight := pos.MarketValue() / led.TotalValue()
	if weight > 0.25 {
		t.Errorf("post-trim weight = %v, want near 0.2", weight)
	}
}

func TestMissingDataSkips(t *testing.T) {
	led := portfolio.NewLedger(10000)
	s := newSim()

	s.Execute(led, nil,
		map[string]float64{"GHOST": 0.5},
		map[string]Day{},
		day,
	)

	if len(led.Skipped()) != 1 || led.Skipped()[0].Reason != types.SkipNoData {
		t.Errorf("skipped = %v, want one no_data record", led.Skipped())
	}
}

func TestBuysCappedByCash(t *testing.T) {
	led := portfolio.NewLedger(1000)
	s := newSim()

	s.Execute(led, nil,
		map[string]float64{"AAA": 0.6, "BBB": 0.6},
		map[string]Day{"AAA": dayAt(10, 10), "BBB": dayAt(10, 10)},
		day,
	)

	if led.Cash() < -portfolio.ReconcileTolerance {
		t.Errorf("cash went negative: %v", led.Cash())
	}
	if err := led.Reconcile(); err != nil {
		t.Errorf("Reconcile: %v", err)
	}
}
