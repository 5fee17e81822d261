package database

import (
	"fmt"
	"sort"
	"time"

	"github.com/NodePath81/droprate/internal/trial"
)

// Entry is a stored measurement together with its effective loss ratio,
// the running maximum of loss ratios at or below its target rate.
type Entry struct {
	Measurement        trial.Measurement
	EffectiveLossRatio float64
}

// TargetTR is shorthand for the measurement target rate.
func (e Entry) TargetTR() float64 { return e.Measurement.TargetTR() }

// PerDuration holds measurements of a single trial duration sorted by
// target rate. The backing slice is replaced on every insert and never
// modified in place, so slices returned by Entries stay valid.
type PerDuration struct {
	duration time.Duration
	entries  []Entry
}

func NewPerDuration(duration time.Duration) *PerDuration {
	return &PerDuration{duration: duration}
}

func (p *PerDuration) Duration() time.Duration { return p.duration }

func (p *PerDuration) Len() int { return len(p.entries) }

// Entries returns the rate-ordered entries.
func (p *PerDuration) Entries() []Entry { return p.entries }

// Has reports whether a measurement at exactly this target rate exists.
func (p *PerDuration) Has(rate float64) bool {
	idx := p.search(rate)
	return idx < len(p.entries) && p.entries[idx].TargetTR() == rate
}

func (p *PerDuration) search(rate float64) int {
	return sort.Search(len(p.entries), func(i int) bool {
		return p.entries[i].TargetTR() >= rate
	})
}

// Add inserts m in rate order and refreshes effective loss ratios from the
// insertion point upward. A duplicate target rate leaves p unchanged.
func (p *PerDuration) Add(m trial.Measurement) error {
	if m.Duration() != p.duration {
		return fmt.Errorf("%w: duration %s does not match %s", trial.ErrInvalidMeasurement, m.Duration(), p.duration)
	}
	idx := p.search(m.TargetTR())
	if idx < len(p.entries) && p.entries[idx].TargetTR() == m.TargetTR() {
		return fmt.Errorf("%w: %s and %s", trial.ErrConflict, m, p.entries[idx].Measurement)
	}
	next := make([]Entry, 0, len(p.entries)+1)
	next = append(next, p.entries[:idx]...)
	next = append(next, Entry{Measurement: m})
	next = append(next, p.entries[idx:]...)

	running := 0.0
	if idx > 0 {
		running = next[idx-1].EffectiveLossRatio
	}
	for i := idx; i < len(next); i++ {
		if r := next[i].Measurement.LossRatio(); r > running {
			running = r
		}
		next[i].EffectiveLossRatio = running
	}
	p.entries = next
	return nil
}

// ValidBounds returns the tightest and second tightest valid lower bounds
// (effective ratio <= ratio) and upper bounds (effective ratio > ratio).
// Missing bounds are nil.
func (p *PerDuration) ValidBounds(ratio float64) (lower1, upper1, lower2, upper2 *Entry) {
	// Effective ratios are non-decreasing, so lower bounds form a prefix.
	split := sort.Search(len(p.entries), func(i int) bool {
		return p.entries[i].EffectiveLossRatio > ratio
	})
	if split >= 1 {
		lower1 = p.entryAt(split - 1)
	}
	if split >= 2 {
		lower2 = p.entryAt(split - 2)
	}
	if split < len(p.entries) {
		upper1 = p.entryAt(split)
	}
	if split+1 < len(p.entries) {
		upper2 = p.entryAt(split + 1)
	}
	return lower1, upper1, lower2, upper2
}

func (p *PerDuration) entryAt(i int) *Entry {
	e := p.entries[i]
	return &e
}

func (p *PerDuration) Smallest() (Entry, error) {
	if len(p.entries) == 0 {
		return Entry{}, fmt.Errorf("%w at duration %s", trial.ErrEmpty, p.duration)
	}
	return p.entries[0], nil
}

func (p *PerDuration) Largest() (Entry, error) {
	if len(p.entries) == 0 {
		return Entry{}, fmt.Errorf("%w at duration %s", trial.ErrEmpty, p.duration)
	}
	return p.entries[len(p.entries)-1], nil
}
