package control

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NodePath81/droprate/internal/simulate"
)

func newStore(t *testing.T) *StatusStore {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewStatusStore(NewStatusHub(ctx.Done()))
}

func TestStatusStoreLifecycle(t *testing.T) {
	s := newStore(t)
	s.Start("x", "soak", "soak", 2)
	got, ok := s.Get("x")
	require.True(t, ok)
	assert.Equal(t, StateRunning, got.State)
	assert.Equal(t, 1, s.Running())

	s.SoakProgress("x", 5e5, 10)
	s.Finish("x", false, "timeout", nil)
	got, _ = s.Get("x")
	assert.Equal(t, StatePartial, got.State)
	assert.Equal(t, 5e5, got.Average)
	assert.Equal(t, "timeout", got.Reason)
	assert.Equal(t, 0, s.Running())

	s.Start("y", "ndr", "ndrpdr", 1)
	s.Finish("y", false, "", errors.New("generator offline"))
	got, _ = s.Get("y")
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, "generator offline", got.Error)
}

func TestStatusStoreIgnoresUnknownSessions(t *testing.T) {
	s := newStore(t)
	s.Trial("nope", measurement(t, 1, 0))
	s.SoakProgress("nope", 1, 1)
	s.Finish("nope", true, "", nil)
	assert.Empty(t, s.Snapshot())
}

func TestObserveCountsTrials(t *testing.T) {
	s := newStore(t)
	s.Start("x", "ndr", "ndrpdr", 1)
	meas := s.Observe(simulate.NewStep(100, 1, nil), "x")
	for _, rate := range []float64{50, 150} {
		_, err := meas.Measure(context.Background(), time.Second, rate)
		require.NoError(t, err)
	}
	got, _ := s.Get("x")
	assert.Equal(t, 2, got.Trials)
	assert.Equal(t, 150.0, got.LastRate)
	assert.Equal(t, 1.0, got.LastLossRatio)
}

func TestRateLimiter(t *testing.T) {
	now := time.Unix(0, 0)
	rl := newRateLimiter(1, 2, time.Minute)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))
	assert.False(t, rl.Allow(""))

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))

	now = now.Add(2 * time.Minute)
	assert.True(t, rl.Allow("a"))
}
