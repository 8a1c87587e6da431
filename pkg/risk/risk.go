// Package risk implements the hysteresis-confirmed market-risk state
// machine and the per-regime exposure parameters the position sizer
// consumes.
//
// A daily composite risk score in [0,100] suggests a regime through fixed
// thresholds; the suggestion must persist for ConfirmDays consecutive days
// before the machine commits the switch. This suppresses single-day noise
// from flipping portfolio-wide exposure.
package risk

import (
	"log/slog"

	"github.com/stratlab/equitysim/pkg/types"
)

// Score thresholds mapping the daily risk score to a suggested regime.
const (
	AggressiveThreshold = 70
	DefensiveThreshold  = 40
)

// DefaultConfirmDays is the hysteresis confirmation window.
const DefaultConfirmDays = 2

// StateMachine tracks the confirmed regime and any pending switch.
// Update is called at most once per trading day; the confirmed regime can
// change at most once per call.
type StateMachine struct {
	confirmDays int
	current     types.Regime
	pending     types.Regime
	pendingDays int
	logger      *slog.Logger
}

// NewStateMachine creates a state machine starting in the neutral regime.
// confirmDays <= 0 selects DefaultConfirmDays.
func NewStateMachine(confirmDays int, logger *slog.Logger) *StateMachine {
	if confirmDays <= 0 {
		confirmDays = DefaultConfirmDays
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StateMachine{
		confirmDays: confirmDays,
		current:     types.Neutral,
		logger:      logger,
	}
}

// Current returns the confirmed regime.
func (m *StateMachine) Current() types.Regime {
	return m.current
}

// Suggest maps a raw score to the regime it points at, without hysteresis.
func Suggest(score float64) types.Regime {
	switch {
	case score >= AggressiveThreshold:
		return types.Aggressive
	case score < DefensiveThreshold:
		return types.Defensive
	default:
		return types.Neutral
	}
}

// Update feeds one day's risk score and returns the confirmed regime after
// hysteresis. A suggestion matching the confirmed regime resets any pending
// switch; a differing suggestion must repeat for confirmDays consecutive
// days before it commits.
func (m *StateMachine) Update(score float64) types.Regime {
	suggested := Suggest(score)

	if suggested == m.current {
		m.pending = ""
		m.pendingDays = 0
		return m.current
	}

	if suggested == m.pending {
		m.pendingDays++
	} else {
		m.pending = suggested
		m.pendingDays = 1
	}

	if m.pendingDays >= m.confirmDays {
		m.logger.Debug("risk regime switch confirmed",
			"from", m.current,
			"to", suggested,
			"confirm_days", m.confirmDays,
		)
		m.current = suggested
		m.pending = ""
		m.pendingDays = 0
	}
	return m.current
}

// RegimeParams gates position sizing per regime: the aggregate exposure
// ceiling, how many candidates may be taken, and the minimum score a
// candidate needs.
type RegimeParams struct {
	MaxExposure   float64
	MaxCandidates int
	ScoreFloor    float64
}

// ParamsFor returns the sizing gates for a regime. maxPositions is the
// run-level candidate cap that the aggressive regime allows in full.
func ParamsFor(regime types.Regime, maxPositions int) RegimeParams {
	switch regime {
	case types.Aggressive:
		return RegimeParams{MaxExposure: 1.0, MaxCandidates: maxPositions, ScoreFloor: 0}
	case types.Defensive:
		// No new entries; existing positions still exit via stops.
		return RegimeParams{MaxExposure: 0, MaxCandidates: 0, ScoreFloor: 0}
	default:
		half := maxPositions / 2
		if half < 1 {
			half = 1
		}
		return RegimeParams{MaxExposure: 0.6, MaxCandidates: half, ScoreFloor: 70}
	}
}
