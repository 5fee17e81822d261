package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NodePath81/droprate/internal/simulate"
	"github.com/NodePath81/droprate/internal/trial"
	"github.com/NodePath81/droprate/internal/util"
)

func openTemp(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	j := openTemp(t)
	base := time.Unix(1700000000, 0)
	j.now = func() time.Time { return base }

	id, err := j.StartSession(ctx, "ndr", "ndrpdr", 2)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	s, err := j.Session(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "ndr", s.Name)
	assert.Equal(t, 2, s.Repetition)
	assert.True(t, s.StartedAt.Equal(base))
	assert.False(t, s.Finished())

	j.now = func() time.Time { return base.Add(time.Minute) }
	require.NoError(t, j.FinishSession(ctx, id, true, "width goal met"))
	s, err = j.Session(ctx, id)
	require.NoError(t, err)
	assert.True(t, s.Finished())
	assert.True(t, s.Converged)
	assert.Equal(t, "width goal met", s.Reason)
	assert.Equal(t, time.Minute, s.FinishedAt.Sub(s.StartedAt))
}

func TestUnknownSession(t *testing.T) {
	ctx := context.Background()
	j := openTemp(t)
	_, err := j.Session(ctx, "nope")
	assert.True(t, errors.Is(err, ErrUnknownSession))
	err = j.FinishSession(ctx, "nope", false, "")
	assert.True(t, errors.Is(err, ErrUnknownSession))
}

func TestTrialsRoundTripInOrder(t *testing.T) {
	ctx := context.Background()
	j := openTemp(t)
	id, err := j.StartSession(ctx, "soak", "soak", 1)
	require.NoError(t, err)
	other, err := j.StartSession(ctx, "other", "soak", 1)
	require.NoError(t, err)

	var want []trial.Measurement
	for i, rate := range []float64{5e5, 1e6, 7.5e5} {
		m, err := trial.New(time.Duration(i+1)*time.Second, rate, uint64(rate)*uint64(i+1), uint64(i*10))
		require.NoError(t, err)
		require.NoError(t, j.RecordTrial(ctx, id, m))
		want = append(want, m)
	}
	m, err := trial.New(time.Second, 1, 1, 0)
	require.NoError(t, err)
	require.NoError(t, j.RecordTrial(ctx, other, m))

	got, err := j.Trials(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	sessions, err := j.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, 3, sessions[0].Trials)
	assert.Equal(t, 1, sessions[1].Trials)
}

func TestRecorderJournalsTrials(t *testing.T) {
	ctx := context.Background()
	j := openTemp(t)
	id, err := j.StartSession(ctx, "ndr", "ndrpdr", 1)
	require.NoError(t, err)

	rec := NewRecorder(simulate.NewStep(1000, 1, nil), j, id, util.NopLogger())
	_, err = rec.Measure(ctx, time.Second, 500)
	require.NoError(t, err)
	_, err = rec.Measure(ctx, time.Second, 2000)
	require.NoError(t, err)

	got, err := j.Trials(ctx, id)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(0), got[0].LossCount())
	assert.Equal(t, uint64(2000), got[1].LossCount())
}

func TestRecorderSkipsFailedTrials(t *testing.T) {
	ctx := context.Background()
	j := openTemp(t)
	id, err := j.StartSession(ctx, "ndr", "ndrpdr", 1)
	require.NoError(t, err)

	boom := errors.New("generator down")
	rec := NewRecorder(trial.MeasurerFunc(func(context.Context, time.Duration, float64) (trial.Measurement, error) {
		return trial.Measurement{}, boom
	}), j, id, util.NopLogger())
	_, err = rec.Measure(ctx, time.Second, 1)
	assert.True(t, errors.Is(err, boom))

	got, err := j.Trials(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, got)
}
