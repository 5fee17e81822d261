package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/NodePath81/droprate/internal/trial"
)

// ErrShortDuration reports a measurement or query for a duration shorter
// than the longest duration already stored.
var ErrShortDuration = errors.New("duration shorter than current")

// Database keeps measurements of one search session grouped by trial
// duration. Durations only grow: the current duration is the longest one
// seen, the previous duration the one before it.
type Database struct {
	byDuration map[time.Duration]*PerDuration
	current    time.Duration
	previous   time.Duration
	count      int
}

func New() *Database {
	return &Database{byDuration: make(map[time.Duration]*PerDuration)}
}

// Current returns the longest stored duration, zero when empty.
func (d *Database) Current() time.Duration { return d.current }

// Len is the total number of stored measurements.
func (d *Database) Len() int { return d.count }

// At returns the per-duration store, nil if nothing was measured there.
func (d *Database) At(duration time.Duration) *PerDuration {
	return d.byDuration[duration]
}

func (d *Database) Has(duration time.Duration, rate float64) bool {
	data := d.byDuration[duration]
	return data != nil && data.Has(rate)
}

func (d *Database) Add(m trial.Measurement) error {
	duration := m.Duration()
	if d.current != 0 && duration < d.current {
		return fmt.Errorf("%w: %s below %s", ErrShortDuration, m, d.current)
	}
	if data, ok := d.byDuration[duration]; ok {
		if err := data.Add(m); err != nil {
			return err
		}
		d.count++
		return nil
	}
	data := NewPerDuration(duration)
	if err := data.Add(m); err != nil {
		return err
	}
	d.byDuration[duration] = data
	d.previous = d.current
	d.current = duration
	d.count++
	return nil
}

// ValuesForRatio returns valid bounds at the given duration plus a hint:
// a valid bound from the next shorter duration lying strictly between
// them, lower bound preferred. A duration of zero means the current one.
// Asking for a duration longer than current yields only a hint taken
// from the current duration.
func (d *Database) ValuesForRatio(ratio float64, duration time.Duration) (lower, upper, hint *Entry, err error) {
	if d.current == 0 {
		return nil, nil, nil, nil
	}
	if duration == 0 {
		duration = d.current
	}
	if duration < d.current {
		return nil, nil, nil, fmt.Errorf("%w: asked for %s, current %s", ErrShortDuration, duration, d.current)
	}
	hintDuration := d.current
	if duration == d.current {
		lower, upper, _, _ = d.byDuration[d.current].ValidBounds(ratio)
		hintDuration = d.previous
	}
	if hintDuration == 0 {
		return lower, upper, nil, nil
	}
	lowerHint, upperHint, _, _ := d.byDuration[hintDuration].ValidBounds(ratio)
	inside := func(e *Entry) *Entry {
		if e == nil {
			return nil
		}
		if lower != nil && e.TargetTR() <= lower.TargetTR() {
			return nil
		}
		if upper != nil && e.TargetTR() >= upper.TargetTR() {
			return nil
		}
		return e
	}
	lowerHint, upperHint = inside(lowerHint), inside(upperHint)
	hint = lowerHint
	if hint == nil {
		hint = upperHint
	}
	return lower, upper, hint, nil
}

// Bounds is a lower and upper measurement pair for one loss ratio.
type Bounds struct {
	Ratio float64
	Lower Entry
	Upper Entry
}

// Results builds one Bounds per ratio from the current duration. A bound
// missing there is taken from the previous duration when it still brackets
// the other bound, so a phase change does not discard a known interval.
// Otherwise it falls back to the smallest (lower) or largest (upper)
// measurement, which may produce a degenerate pair.
func (d *Database) Results(ratios []float64) ([]Bounds, error) {
	if d.current == 0 {
		return nil, trial.ErrEmpty
	}
	data := d.byDuration[d.current]
	smallest, err := data.Smallest()
	if err != nil {
		return nil, err
	}
	largest, err := data.Largest()
	if err != nil {
		return nil, err
	}
	previous := d.byDuration[d.previous]
	out := make([]Bounds, 0, len(ratios))
	for _, ratio := range ratios {
		lower, upper, _, _ := data.ValidBounds(ratio)
		if previous != nil && (lower == nil || upper == nil) {
			prevLower, prevUpper, _, _ := previous.ValidBounds(ratio)
			if lower == nil && prevLower != nil && (upper == nil || prevLower.TargetTR() < upper.TargetTR()) {
				lower = prevLower
			}
			if upper == nil && prevUpper != nil && (lower == nil || prevUpper.TargetTR() > lower.TargetTR()) {
				upper = prevUpper
			}
		}
		b := Bounds{Ratio: ratio, Lower: smallest, Upper: largest}
		if lower != nil {
			b.Lower = *lower
		}
		if upper != nil {
			b.Upper = *upper
		}
		out = append(out, b)
	}
	return out, nil
}
