package simulate

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/NodePath81/droprate/internal/trial"
)

// Step loses nothing at or below Threshold and LossAbove of the
// transmitted packets above it.
type Step struct {
	Threshold float64
	LossAbove float64
	Clock     *Clock
}

func NewStep(threshold, lossAbove float64, clock *Clock) *Step {
	return &Step{Threshold: threshold, LossAbove: lossAbove, Clock: clock}
}

func (s *Step) Measure(ctx context.Context, duration time.Duration, rate float64) (trial.Measurement, error) {
	if err := ctx.Err(); err != nil {
		return trial.Measurement{}, err
	}
	tx := transmitCount(duration, rate)
	var loss uint64
	if rate > s.Threshold {
		loss = uint64(math.Round(float64(tx) * s.LossAbove))
		if loss > tx {
			loss = tx
		}
	}
	advance(s.Clock, duration)
	return trial.New(duration, rate, tx, loss)
}

// Poisson models a system forwarding everything below SafeRate and losing
// ExcessRatio of the load above it, with Poisson distributed loss counts.
type Poisson struct {
	SafeRate    float64
	ExcessRatio float64
	Clock       *Clock

	mu  sync.Mutex
	rng *rand.Rand
}

func NewPoisson(safeRate, excessRatio float64, seed int64, clock *Clock) *Poisson {
	return &Poisson{
		SafeRate:    safeRate,
		ExcessRatio: excessRatio,
		Clock:       clock,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// ExpectedLoss is the mean loss count of a trial.
func (p *Poisson) ExpectedLoss(duration time.Duration, rate float64) float64 {
	return p.ExcessRatio * math.Max(0, rate-p.SafeRate) * duration.Seconds()
}

func (p *Poisson) Measure(ctx context.Context, duration time.Duration, rate float64) (trial.Measurement, error) {
	if err := ctx.Err(); err != nil {
		return trial.Measurement{}, err
	}
	tx := transmitCount(duration, rate)
	p.mu.Lock()
	loss := PoissonSample(p.rng, p.ExpectedLoss(duration, rate))
	p.mu.Unlock()
	if loss > tx {
		loss = tx
	}
	advance(p.Clock, duration)
	return trial.New(duration, rate, tx, loss)
}

// PoissonSample draws from a Poisson distribution with mean lambda, using
// Knuth's method for small means and a normal approximation otherwise.
func PoissonSample(rng *rand.Rand, lambda float64) uint64 {
	if lambda <= 0 {
		return 0
	}
	if lambda < 30 {
		limit := math.Exp(-lambda)
		var k uint64
		p := rng.Float64()
		for p > limit {
			k++
			p *= rng.Float64()
		}
		return k
	}
	v := math.Round(lambda + math.Sqrt(lambda)*rng.NormFloat64())
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func transmitCount(duration time.Duration, rate float64) uint64 {
	return uint64(math.Round(rate * duration.Seconds()))
}

func advance(clock *Clock, d time.Duration) {
	if clock != nil {
		clock.Advance(d)
	}
}
