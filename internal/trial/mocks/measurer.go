package mocks

import (
	"context"
	"time"

	"github.com/NodePath81/droprate/internal/trial"
	"github.com/stretchr/testify/mock"
)

// Measurer mock
type Measurer struct {
	mock.Mock
}

// Measure provides a mock function with given fields: ctx, duration, rate
func (_m *Measurer) Measure(ctx context.Context, duration time.Duration, rate float64) (trial.Measurement, error) {
	ret := _m.Called(ctx, duration, rate)

	var r0 trial.Measurement
	if rf, ok := ret.Get(0).(func(context.Context, time.Duration, float64) trial.Measurement); ok {
		r0 = rf(ctx, duration, rate)
	} else {
		r0 = ret.Get(0).(trial.Measurement)
	}

	var r1 error
	if rf, ok := ret.Get(1).(func(context.Context, time.Duration, float64) error); ok {
		r1 = rf(ctx, duration, rate)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}
