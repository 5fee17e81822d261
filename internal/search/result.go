package search

import (
	"fmt"

	"github.com/NodePath81/droprate/internal/trial"
)

// Interval is a pair of measurements believed to bracket the highest rate
// satisfying one loss ratio.
type Interval struct {
	Low  trial.Measurement
	High trial.Measurement
}

// Width is the relative width of the target rates.
func (i Interval) Width() float64 {
	return RelativeWidth(i.Low.TargetTR(), i.High.TargetTR())
}

func (i Interval) String() string {
	return fmt.Sprintf("[%.1f, %.1f] width %.5f", i.Low.TargetTR(), i.High.TargetTR(), i.Width())
}

// RatioInterval is the interval found for one target loss ratio.
type RatioInterval struct {
	Ratio float64
	Interval
}

// Result is the outcome of a rate search. Intervals are ordered by ratio.
// A non-converged result still carries the tightest bounds known when the
// budget ran out.
type Result struct {
	Intervals []RatioInterval
	Converged bool
	// Reason names the exhausted budget, or the stall, when Converged is
	// false.
	Reason string
	Trials int
}

// Interval returns the interval for ratio.
func (r Result) Interval(ratio float64) (Interval, bool) {
	for _, ri := range r.Intervals {
		if ri.Ratio == ratio {
			return ri.Interval, true
		}
	}
	return Interval{}, false
}

// NDR returns the interval of the smallest ratio.
func (r Result) NDR() Interval {
	if len(r.Intervals) == 0 {
		return Interval{}
	}
	return r.Intervals[0].Interval
}

// PDR returns the interval of the largest ratio.
func (r Result) PDR() Interval {
	if len(r.Intervals) == 0 {
		return Interval{}
	}
	return r.Intervals[len(r.Intervals)-1].Interval
}
