package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NodePath81/droprate/internal/search"
	"github.com/NodePath81/droprate/internal/simulate"
	"github.com/NodePath81/droprate/internal/trial"
)

func TestInstrumentCountsTrials(t *testing.T) {
	m := NewMetrics()
	meas := m.Instrument(simulate.NewStep(1000, 0.5, nil), "ndr")

	_, err := meas.Measure(context.Background(), time.Second, 500)
	require.NoError(t, err)
	_, err = meas.Measure(context.Background(), 2*time.Second, 2000)
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.trials.WithLabelValues("ndr")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.trialSeconds.WithLabelValues("ndr")))
	assert.Equal(t, 2000.0, testutil.ToFloat64(m.offeredRate.WithLabelValues("ndr")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.trialLossRatio, "droprate_trial_loss_ratio"))
}

func TestInstrumentCountsErrors(t *testing.T) {
	m := NewMetrics()
	boom := errors.New("down")
	meas := m.Instrument(trial.MeasurerFunc(func(context.Context, time.Duration, float64) (trial.Measurement, error) {
		return trial.Measurement{}, boom
	}), "soak")
	_, err := meas.Measure(context.Background(), time.Second, 1)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.trialErrors.WithLabelValues("soak")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.trials.WithLabelValues("soak")))
}

func TestBoundsAndSessions(t *testing.T) {
	m := NewMetrics()
	low, err := trial.New(time.Second, 900, 900, 0)
	require.NoError(t, err)
	high, err := trial.New(time.Second, 1100, 1100, 10)
	require.NoError(t, err)
	m.SetBounds("ndr", []search.RatioInterval{{Ratio: 0.005, Interval: search.Interval{Low: low, High: high}}})
	assert.Equal(t, 900.0, testutil.ToFloat64(m.bounds.WithLabelValues("ndr", "0.005", "lower")))
	assert.Equal(t, 1100.0, testutil.ToFloat64(m.bounds.WithLabelValues("ndr", "0.005", "upper")))

	m.SetSoakEstimate("soak", 5e5, 1e3)
	assert.Equal(t, 5e5, testutil.ToFloat64(m.soakEstimate.WithLabelValues("soak", "average")))

	m.SessionStarted()
	m.SessionStarted()
	m.SessionFinished("ndrpdr", OutcomeConverged)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.running))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessions.WithLabelValues("ndrpdr", OutcomeConverged)))
}

func TestHandlerExposesSeries(t *testing.T) {
	m := NewMetrics()
	m.SetSoakEstimate("soak", 1, 2)
	rec := httptest.NewRecorder()
	m.Handler(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `droprate_soak_estimate_pps{session="soak",stat="stdev"} 2`), body)
	assert.Contains(t, body, "droprate_uptime_seconds")
}
