package search

import (
	"fmt"
	"sort"
	"time"

	"github.com/NodePath81/droprate/internal/trial"
)

const (
	DefaultFinalRelativeWidth   = 0.005
	DefaultInitialTrialDuration = time.Second
	DefaultFinalTrialDuration   = 30 * time.Second
	DefaultIntermediatePhases   = 2
	DefaultDoublings            = 1
	DefaultTimeout              = 10 * time.Minute
	DefaultMaxIterations        = 100
)

// Config controls a multiple loss ratio search.
type Config struct {
	// MinRate and MaxRate bound the offered load in packets per second.
	MinRate float64
	MaxRate float64
	// LossRatios are the targets; 0 yields NDR, positive values PDR.
	LossRatios []float64
	// FinalRelativeWidth is the width goal of the final phase.
	FinalRelativeWidth float64
	// InitialTrialDuration is used by the first phase.
	InitialTrialDuration time.Duration
	// FinalTrialDuration is used by the last phase.
	FinalTrialDuration time.Duration
	// IntermediatePhases is the number of phases before the final one.
	IntermediatePhases int
	// Doublings is how many times the width doubles per external step.
	Doublings int
	// Timeout bounds total search time. Zero disables it.
	Timeout time.Duration
	// MaxIterations bounds trials per phase. Zero disables it.
	MaxIterations int
}

// DefaultConfig returns defaults for the given rate domain and ratios.
func DefaultConfig(minRate, maxRate float64, ratios ...float64) Config {
	return Config{
		MinRate:              minRate,
		MaxRate:              maxRate,
		LossRatios:           ratios,
		FinalRelativeWidth:   DefaultFinalRelativeWidth,
		InitialTrialDuration: DefaultInitialTrialDuration,
		FinalTrialDuration:   DefaultFinalTrialDuration,
		IntermediatePhases:   DefaultIntermediatePhases,
		Doublings:            DefaultDoublings,
		Timeout:              DefaultTimeout,
		MaxIterations:        DefaultMaxIterations,
	}
}

// Validate reports the first problem wrapped in trial.ErrInvalidConfig.
func (c Config) Validate() error {
	switch {
	case c.MinRate < 0:
		return fmt.Errorf("%w: min rate %g must be >= 0", trial.ErrInvalidConfig, c.MinRate)
	case c.MaxRate <= 0:
		return fmt.Errorf("%w: max rate %g must be > 0", trial.ErrInvalidConfig, c.MaxRate)
	case c.MinRate > c.MaxRate:
		return fmt.Errorf("%w: min rate %g above max rate %g", trial.ErrInvalidConfig, c.MinRate, c.MaxRate)
	case len(c.LossRatios) == 0:
		return fmt.Errorf("%w: no loss ratios", trial.ErrInvalidConfig)
	case c.FinalRelativeWidth <= 0 || c.FinalRelativeWidth >= 1:
		return fmt.Errorf("%w: final relative width %g must be in (0,1)", trial.ErrInvalidConfig, c.FinalRelativeWidth)
	case c.InitialTrialDuration <= 0 || c.FinalTrialDuration <= 0:
		return fmt.Errorf("%w: trial durations must be > 0", trial.ErrInvalidConfig)
	case c.FinalTrialDuration < c.InitialTrialDuration:
		return fmt.Errorf("%w: final trial duration %s below initial %s", trial.ErrInvalidConfig, c.FinalTrialDuration, c.InitialTrialDuration)
	case c.IntermediatePhases < 0:
		return fmt.Errorf("%w: intermediate phases must be >= 0", trial.ErrInvalidConfig)
	case c.Doublings < 1:
		return fmt.Errorf("%w: doublings must be >= 1", trial.ErrInvalidConfig)
	case c.Timeout < 0 || c.MaxIterations < 0:
		return fmt.Errorf("%w: budgets must be >= 0", trial.ErrInvalidConfig)
	}
	for _, r := range c.LossRatios {
		if r < 0 || r >= 1 {
			return fmt.Errorf("%w: loss ratio %g must be in [0,1)", trial.ErrInvalidConfig, r)
		}
	}
	return nil
}

// ratios returns a sorted copy of the loss ratios without duplicates.
func (c Config) ratios() []float64 {
	out := append([]float64(nil), c.LossRatios...)
	sort.Float64s(out)
	uniq := out[:0]
	for i, r := range out {
		if i == 0 || r != out[i-1] {
			uniq = append(uniq, r)
		}
	}
	return uniq
}
