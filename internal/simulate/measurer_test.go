package simulate

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"
)

func TestStepMeasurer(t *testing.T) {
	clock := NewClock(time.Unix(0, 0))
	step := NewStep(1000, 1, clock)
	m, err := step.Measure(context.Background(), 2*time.Second, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.LossCount() != 0 || m.TransmitCount() != 2000 {
		t.Fatalf("at threshold: tx=%d loss=%d, want 2000/0", m.TransmitCount(), m.LossCount())
	}
	m, err = step.Measure(context.Background(), time.Second, 1001)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.LossRatio() != 1 {
		t.Fatalf("above threshold: LossRatio() = %v, want 1", m.LossRatio())
	}
	if got := clock.Now(); !got.Equal(time.Unix(3, 0)) {
		t.Fatalf("clock = %v, want 3s after epoch", got)
	}
}

func TestStepMeasurerCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewStep(1, 1, nil).Measure(ctx, time.Second, 10); err == nil {
		t.Fatalf("expected error for canceled context")
	}
}

func TestPoissonSampleMean(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, lambda := range []float64{3, 200} {
		var sum float64
		const n = 20000
		for i := 0; i < n; i++ {
			sum += float64(PoissonSample(rng, lambda))
		}
		mean := sum / n
		if math.Abs(mean-lambda) > 0.05*lambda {
			t.Fatalf("mean for lambda %v = %v", lambda, mean)
		}
	}
	if got := PoissonSample(rng, 0); got != 0 {
		t.Fatalf("PoissonSample(0) = %d, want 0", got)
	}
}

func TestPoissonMeasurerBelowSafeRate(t *testing.T) {
	p := NewPoisson(500, 0.5, 1, nil)
	m, err := p.Measure(context.Background(), time.Second, 400)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.LossCount() != 0 {
		t.Fatalf("LossCount() = %d, want 0", m.LossCount())
	}
	if got := p.ExpectedLoss(2*time.Second, 700); got != 200 {
		t.Fatalf("ExpectedLoss = %v, want 200", got)
	}
}
