package soak

import "math"

// scalarTracker keeps the weighted average and variance of a stream of
// values. Weights and variance are held as logarithms.
type scalarTracker struct {
	logSumWeight float64
	average      float64
	logVariance  float64
}

func newScalarTracker() scalarTracker {
	return scalarTracker{logSumWeight: math.Inf(-1), logVariance: math.Inf(-1)}
}

func (t scalarTracker) empty() bool { return math.IsInf(t.logSumWeight, -1) }

func (t *scalarTracker) add(value, logWeight float64) {
	if t.empty() {
		t.logSumWeight = logWeight
		t.average = value
		return
	}
	old := t.logSumWeight
	t.logSumWeight = LogPlus(old, logWeight)
	logSampleRatio := logWeight - t.logSumWeight
	shift := value - t.average
	t.average += shift * math.Exp(logSampleRatio)
	if shift != 0 {
		t.logVariance = LogPlus(t.logVariance, 2*math.Log(math.Abs(shift))+logSampleRatio)
	}
	if !math.IsInf(t.logVariance, -1) {
		t.logVariance += old - t.logSumWeight
	}
}

func (t scalarTracker) variance() float64 {
	return math.Exp(t.logVariance)
}

// dualTracker adds secondary statistics that leave out the heaviest
// sample seen so far. A large gap between primary and secondary averages
// means one sample dominates.
type dualTracker struct {
	primary      scalarTracker
	secondary    scalarTracker
	maxLogWeight float64
}

func newDualTracker() dualTracker {
	return dualTracker{
		primary:      newScalarTracker(),
		secondary:    newScalarTracker(),
		maxLogWeight: math.Inf(-1),
	}
}

func (t *dualTracker) add(value, logWeight float64) {
	if !t.primary.empty() && logWeight < t.maxLogWeight {
		t.secondary.add(value, logWeight)
		t.primary.add(value, logWeight)
		return
	}
	t.maxLogWeight = logWeight
	t.secondary = t.primary
	t.primary.add(value, logWeight)
}

// vectorTracker keeps the weighted average and covariance of points.
type vectorTracker struct {
	logSumWeight float64
	average      vec2
	covariance   mat2
}

func newVectorTracker() vectorTracker {
	return vectorTracker{logSumWeight: math.Inf(-1)}
}

func (t vectorTracker) empty() bool { return math.IsInf(t.logSumWeight, -1) }

func (t *vectorTracker) add(point vec2, logWeight float64) {
	if t.empty() {
		t.logSumWeight = logWeight
		t.average = point
		return
	}
	old := t.logSumWeight
	t.logSumWeight = LogPlus(old, logWeight)
	dataRatio := math.Exp(old - t.logSumWeight)
	sampleRatio := math.Exp(logWeight - t.logSumWeight)
	shift := point.sub(t.average)
	for i := range t.average {
		t.average[i] += shift[i] * sampleRatio
	}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			t.covariance[i][j] = (t.covariance[i][j] + shift[i]*shift[j]*sampleRatio) * dataRatio
		}
	}
}
