package trial

import (
	"context"
	"time"
)

// Measurer runs one trial at a constant offered load and reports counters.
// Implementations block for roughly the requested duration.
type Measurer interface {
	Measure(ctx context.Context, duration time.Duration, rate float64) (Measurement, error)
}

// MeasurerFunc adapts a plain function to Measurer.
type MeasurerFunc func(ctx context.Context, duration time.Duration, rate float64) (Measurement, error)

func (f MeasurerFunc) Measure(ctx context.Context, duration time.Duration, rate float64) (Measurement, error) {
	return f(ctx, duration, rate)
}
