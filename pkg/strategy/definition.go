// Package strategy defines the strategy document: buy/sell rule sets plus
// an exit configuration, authored as JSON by collaborators and validated
// before any backtest may run against it.
//
// Validation is two-stage. Validate reports structural problems as
// human-readable strings; Compile additionally runs the static
// reachability check and resolves every condition against the field
// registry. A rule set that fails reachability is rejected with the
// specific contradiction, never silently accepted with zero future
// triggers.
package strategy

import (
	"encoding/json"
	"fmt"

	"github.com/stratlab/equitysim/pkg/rules"
	"github.com/stratlab/equitysim/pkg/types"
)

// Definition is one strategy document.
type Definition struct {
	ID      int     `json:"id"`
	Name    string  `json:"name"`
	Enabled bool    `json:"enabled"`
	Weight  float64 `json:"weight"`

	BuyRules  []rules.Condition `json:"buy_rules"`
	SellRules []rules.Condition `json:"sell_rules"`
	Exit      types.ExitConfig  `json:"exit"`
}

// Compiled is a Definition whose rule sets have been resolved and whose
// configuration has passed all pre-run checks. The exit configuration is
// copied by value and immutable for the duration of a run.
type Compiled struct {
	Def  Definition
	Buy  *rules.RuleSet
	Sell *rules.RuleSet
}

// Parse decodes a strategy document from JSON.
func Parse(raw []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("parsing strategy document: %w", err)
	}
	return &def, nil
}

// Validate checks the document structurally and returns human-readable
// problems. An empty slice means the document is well formed; reachability
// and field resolution are checked separately by Compile.
func (d *Definition) Validate() []string {
	var errs []string

	if d.Name == "" {
		errs = append(errs, "name is required")
	}
	if d.Weight < 0 {
		errs = append(errs, "weight must not be negative")
	}
	if len(d.BuyRules) == 0 {
		errs = append(errs, "buy_rules must not be empty")
	}

	if d.Exit.StopLossPct < 0 || d.Exit.StopLossPct >= 1 {
		errs = append(errs, fmt.Sprintf("exit.stop_loss_pct %g must be in [0, 1)", d.Exit.StopLossPct))
	}
	if d.Exit.ATRMultiplier < 0 {
		errs = append(errs, "exit.atr_multiplier must not be negative")
	}
	if d.Exit.MaxHoldDays < 0 {
		errs = append(errs, "exit.max_hold_days must not be negative")
	}

	// Tiers must ratchet: strictly increasing gain thresholds and floors,
	// and each floor must lock in less than the gain that earned it.
	for i, tier := range d.Exit.TakeProfitTiers {
		if tier.GainPct <= 0 || tier.FloorPct <= 0 {
			errs = append(errs, fmt.Sprintf("exit.take_profit_tiers[%d]: thresholds must be positive", i))
			continue
		}
		if tier.FloorPct >= tier.GainPct {
			errs = append(errs, fmt.Sprintf(
				"exit.take_profit_tiers[%d]: floor %g must be below gain %g", i, tier.FloorPct, tier.GainPct))
		}
		if i > 0 {
			prev := d.Exit.TakeProfitTiers[i-1]
			if tier.GainPct <= prev.GainPct || tier.FloorPct <= prev.FloorPct {
				errs = append(errs, fmt.Sprintf(
					"exit.take_profit_tiers[%d]: tiers must be strictly increasing", i))
			}
		}
	}

	return errs
}

// Compile validates, checks reachability of both rule sets, and resolves
// all conditions. Any failure is a configuration error: the run is never
// started.
func (d *Definition) Compile() (*Compiled, error) {
	if errs := d.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid strategy %q: %s", d.Name, errs[0])
	}

	if ok, reason := rules.CheckReachability(d.BuyRules); !ok {
		return nil, fmt.Errorf("strategy %q buy rules unreachable: %s", d.Name, reason)
	}
	if ok, reason := rules.CheckReachability(d.SellRules); !ok {
		return nil, fmt.Errorf("strategy %q sell rules unreachable: %s", d.Name, reason)
	}

	buy, err := rules.Compile(d.BuyRules)
	if err != nil {
		return nil, fmt.Errorf("strategy %q buy rules: %w", d.Name, err)
	}
	sell, err := rules.Compile(d.SellRules)
	if err != nil {
		return nil, fmt.Errorf("strategy %q sell rules: %w", d.Name, err)
	}

	return &Compiled{Def: *d, Buy: buy, Sell: sell}, nil
}
