package search

import (
	"math"
	"time"
)

// ProgressState is the context of one search phase.
type ProgressState struct {
	Phase     int
	Duration  time.Duration
	WidthGoal float64
	Ratios    []float64
	MinRate   float64
	MaxRate   float64
	// LastWidth paces the next external step.
	LastWidth float64
}

// phases returns one state per phase. Durations grow geometrically from
// the initial to the final duration; each phase before the last doubles
// the width goal of the phase after it.
func (c Config) phases() []ProgressState {
	n := c.IntermediatePhases
	ratios := c.ratios()
	out := make([]ProgressState, 0, n+1)
	for k := 0; k <= n; k++ {
		duration := c.FinalTrialDuration
		if k < n {
			scale := math.Pow(c.FinalTrialDuration.Seconds()/c.InitialTrialDuration.Seconds(), float64(k)/float64(n))
			duration = time.Duration(float64(c.InitialTrialDuration) * scale).Round(time.Millisecond)
		}
		goal := c.FinalRelativeWidth
		for i := k; i < n; i++ {
			goal = DoubleRelativeWidth(goal)
		}
		out = append(out, ProgressState{
			Phase:     k,
			Duration:  duration,
			WidthGoal: goal,
			Ratios:    ratios,
			MinRate:   c.MinRate,
			MaxRate:   c.MaxRate,
			LastWidth: goal,
		})
	}
	return out
}
