// Package sizing computes target portfolio weights from daily candidate
// scores, volatility estimates, and the confirmed risk regime.
package sizing

import (
	"math"
	"sort"

	"github.com/stratlab/equitysim/pkg/risk"
	"github.com/stratlab/equitysim/pkg/types"
)

// Config bounds the per-instrument weight band.
type Config struct {
	MinWeight float64 // per-instrument floor after selection; 0 disables
	MaxWeight float64 // per-instrument cap; 0 disables
}

// Size converts candidates into target weights.
//
// Raw weight is the candidate's score share of the selected set, dampened
// by volatility: the median volatility of the selected set divided by the
// instrument's own volatility, so higher-volatility names are down-weighted.
// The regime gates the candidate count, the score floor, and the aggregate
// exposure ceiling; defensive admits no new entries at all.
//
// The result is deterministic: candidates are ranked by score descending
// with symbol as tiebreak, and the returned map's values depend only on the
// inputs.
func Size(candidates []types.Candidate, regime types.Regime, maxPositions int, cfg Config) map[string]float64 {
	params := risk.ParamsFor(regime, maxPositions)
	weights := make(map[string]float64)
	if params.MaxExposure <= 0 || params.MaxCandidates <= 0 {
		return weights
	}

	selected := make([]types.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Score > 0 && c.Score >= params.ScoreFloor {
			selected = append(selected, c)
		}
	}
	sort.Slice(selected, func(i, j int) bool {
		if selected[i].Score != selected[j].Score {
			return selected[i].Score > selected[j].Score
		}
		return selected[i].Symbol < selected[j].Symbol
	})
	if len(selected) > params.MaxCandidates {
		selected = selected[:params.MaxCandidates]
	}
	if len(selected) == 0 {
		return weights
	}

	medVol := medianVolatility(selected)

	var scoreSum float64
	for _, c := range selected {
		scoreSum += c.Score
	}
	if scoreSum <= 0 {
		return weights
	}

	var total float64
	for _, c := range selected {
		w := c.Score / scoreSum
		if medVol > 0 && c.Volatility > 0 {
			w *= medVol / c.Volatility
		}
		if cfg.MaxWeight > 0 && w > cfg.MaxWeight {
			w = cfg.MaxWeight
		}
		if cfg.MinWeight > 0 && w < cfg.MinWeight {
			w = cfg.MinWeight
		}
		weights[c.Symbol] = w
		total += w
	}

	// Clamp aggregate exposure to the regime ceiling.
	if total > params.MaxExposure {
		scale := params.MaxExposure / total
		for sym := range weights {
			weights[sym] *= scale
		}
	}
	return weights
}

// medianVolatility returns the median of the selected candidates' finite,
// positive volatility estimates; 0 when none exist.
func medianVolatility(cands []types.Candidate) float64 {
	vols := make([]float64, 0, len(cands))
	for _, c := range cands {
		if c.Volatility > 0 && !math.IsNaN(c.Volatility) && !math.IsInf(c.Volatility, 0) {
			vols = append(vols, c.Volatility)
		}
	}
	if len(vols) == 0 {
		return 0
	}
	sort.Float64s(vols)
	mid := len(vols) / 2
	if len(vols)%2 == 1 {
		return vols[mid]
	}
	return (vols[mid-1] + vols[mid]) / 2
}
