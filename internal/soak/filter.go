package soak

import "github.com/NodePath81/droprate/internal/trial"

// Filter drops early trials before they reach the Integrator. Trials are
// split by loss ratio against the target into below, equal and above
// groups, and only the later part of each group is kept.
type Filter struct {
	target float64
	less   []trial.Measurement
	equal  []trial.Measurement
	more   []trial.Measurement
}

func NewFilter(targetLossRatio float64) *Filter {
	return &Filter{target: targetLossRatio}
}

func (f *Filter) Add(m trial.Measurement) {
	switch r := m.LossRatio(); {
	case r < f.target:
		f.less = append(f.less, m)
	case r > f.target:
		f.more = append(f.more, m)
	default:
		f.equal = append(f.equal, m)
	}
}

// Len is the number of trials added.
func (f *Filter) Len() int {
	return len(f.less) + len(f.equal) + len(f.more)
}

// List returns below, equal and above groups in that order. A group of
// at most two trials is kept whole, a longer one from index (n-1)/2 on.
func (f *Filter) List() []trial.Measurement {
	out := make([]trial.Measurement, 0, f.Len())
	out = appendLatter(out, f.less)
	out = appendLatter(out, f.equal)
	out = appendLatter(out, f.more)
	return out
}

func appendLatter(dst, src []trial.Measurement) []trial.Measurement {
	if len(src) <= 2 {
		return append(dst, src...)
	}
	return append(dst, src[(len(src)-1)/2:]...)
}
