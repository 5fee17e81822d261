package database

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/NodePath81/droprate/internal/trial"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func measure(t *testing.T, duration time.Duration, rate float64, lossRatio float64) trial.Measurement {
	t.Helper()
	tx := uint64(rate * duration.Seconds())
	m, err := trial.New(duration, rate, tx, uint64(float64(tx)*lossRatio))
	require.NoError(t, err)
	return m
}

func TestPerDurationEffectiveRatioMonotone(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	p := NewPerDuration(time.Second)
	for i := 0; i < 200; i++ {
		rate := float64(rng.Intn(1_000_000) + 1)
		if p.Has(rate) {
			continue
		}
		require.NoError(t, p.Add(measure(t, time.Second, rate, rng.Float64()*0.2)))
		entries := p.Entries()
		for j := 1; j < len(entries); j++ {
			require.Less(t, entries[j-1].TargetTR(), entries[j].TargetTR())
			require.LessOrEqual(t, entries[j-1].EffectiveLossRatio, entries[j].EffectiveLossRatio)
			require.GreaterOrEqual(t, entries[j].EffectiveLossRatio, entries[j].Measurement.LossRatio())
		}
	}
}

func TestPerDurationConflictLeavesStoreUnchanged(t *testing.T) {
	p := NewPerDuration(time.Second)
	require.NoError(t, p.Add(measure(t, time.Second, 1000, 0)))
	require.NoError(t, p.Add(measure(t, time.Second, 2000, 0.5)))
	before := p.Entries()

	err := p.Add(measure(t, time.Second, 1000, 0.1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, trial.ErrConflict))
	assert.Equal(t, before, p.Entries())
	assert.Equal(t, 2, p.Len())
}

func TestPerDurationRejectsOtherDuration(t *testing.T) {
	p := NewPerDuration(time.Second)
	err := p.Add(measure(t, 2*time.Second, 1000, 0))
	assert.ErrorIs(t, err, trial.ErrInvalidMeasurement)
}

func TestPerDurationValidBounds(t *testing.T) {
	// Long enough that the smallest ratio still loses whole packets.
	duration := 10 * time.Second
	p := NewPerDuration(duration)
	for _, tc := range []struct {
		rate, ratio float64
	}{
		{100, 0}, {200, 0}, {300, 0.001}, {400, 0.01}, {500, 0.002}, {600, 0.5},
	} {
		m := measure(t, duration, tc.rate, tc.ratio)
		require.Equal(t, tc.ratio > 0, m.LossCount() > 0)
		require.NoError(t, p.Add(m))
	}

	lower1, upper1, lower2, upper2 := p.ValidBounds(0)
	require.NotNil(t, lower1)
	require.NotNil(t, lower2)
	assert.Equal(t, 200.0, lower1.TargetTR())
	assert.Equal(t, 100.0, lower2.TargetTR())
	assert.Equal(t, 300.0, upper1.TargetTR())
	assert.Equal(t, 400.0, upper2.TargetTR())

	// 500 has a small raw ratio but inherits 0.01 from 400.
	lower1, upper1, _, _ = p.ValidBounds(0.005)
	assert.Equal(t, 300.0, lower1.TargetTR())
	assert.Equal(t, 400.0, upper1.TargetTR())

	lower1, upper1, lower2, upper2 = p.ValidBounds(1)
	assert.Equal(t, 600.0, lower1.TargetTR())
	assert.Equal(t, 500.0, lower2.TargetTR())
	assert.Nil(t, upper1)
	assert.Nil(t, upper2)
}

func TestPerDurationBoundsNeverViolateRatio(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for round := 0; round < 50; round++ {
		p := NewPerDuration(time.Second)
		for i := 0; i < 20; i++ {
			rate := float64(rng.Intn(10_000) + 1)
			if p.Has(rate) {
				continue
			}
			require.NoError(t, p.Add(measure(t, time.Second, rate, rng.Float64()*0.1)))
		}
		for _, ratio := range []float64{0, 0.001, 0.01, 0.05, 0.1} {
			lower1, upper1, lower2, upper2 := p.ValidBounds(ratio)
			for _, lower := range []*Entry{lower1, lower2} {
				if lower != nil {
					require.LessOrEqual(t, lower.EffectiveLossRatio, ratio)
				}
			}
			for _, upper := range []*Entry{upper1, upper2} {
				if upper != nil {
					require.Greater(t, upper.EffectiveLossRatio, ratio)
				}
			}
			if lower1 != nil && upper1 != nil {
				require.Less(t, lower1.TargetTR(), upper1.TargetTR())
			}
		}
	}
}

func TestPerDurationSmallestLargest(t *testing.T) {
	p := NewPerDuration(time.Second)
	_, err := p.Smallest()
	assert.ErrorIs(t, err, trial.ErrEmpty)
	_, err = p.Largest()
	assert.ErrorIs(t, err, trial.ErrEmpty)

	require.NoError(t, p.Add(measure(t, time.Second, 300, 0)))
	require.NoError(t, p.Add(measure(t, time.Second, 100, 0)))
	require.NoError(t, p.Add(measure(t, time.Second, 200, 0)))
	smallest, err := p.Smallest()
	require.NoError(t, err)
	largest, err := p.Largest()
	require.NoError(t, err)
	assert.Equal(t, 100.0, smallest.TargetTR())
	assert.Equal(t, 300.0, largest.TargetTR())
}
