package journal

import (
	"context"
	"time"

	"github.com/NodePath81/droprate/internal/trial"
	"github.com/NodePath81/droprate/internal/util"
)

// Recorder is a Measurer that journals every successful trial of one
// session. Journal write failures are logged and do not fail the trial.
type Recorder struct {
	next      trial.Measurer
	journal   *Journal
	sessionID string
	logger    util.Logger
}

func NewRecorder(next trial.Measurer, j *Journal, sessionID string, logger util.Logger) *Recorder {
	return &Recorder{next: next, journal: j, sessionID: sessionID, logger: logger}
}

func (r *Recorder) Measure(ctx context.Context, duration time.Duration, rate float64) (trial.Measurement, error) {
	m, err := r.next.Measure(ctx, duration, rate)
	if err != nil {
		return m, err
	}
	if err := r.journal.RecordTrial(ctx, r.sessionID, m); err != nil {
		r.logger.Warn("journal write failed", "session", r.sessionID, "error", err)
	}
	return m, nil
}
