package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/montanaflynn/stats"

	"github.com/NodePath81/droprate/internal/config"
	"github.com/NodePath81/droprate/internal/journal"
	"github.com/NodePath81/droprate/internal/metrics"
	"github.com/NodePath81/droprate/internal/search"
	"github.com/NodePath81/droprate/internal/simulate"
	"github.com/NodePath81/droprate/internal/soak"
	"github.com/NodePath81/droprate/internal/trial"
	"github.com/NodePath81/droprate/internal/util"
)

// Repetition is the outcome of one search run of a session.
type Repetition struct {
	ID        string
	Converged bool
	Reason    string
	Trials    int
	Search    *search.Result
	Soak      *soak.Result
}

// Summary aggregates one value across repetitions.
type Summary struct {
	Label string
	Mean  float64
	Stdev float64
	Min   float64
	Max   float64
}

type SessionReport struct {
	Name        string
	Kind        string
	Repetitions []Repetition
	Summaries   []Summary
}

// Converged counts repetitions that met their goal.
func (s SessionReport) Converged() int {
	n := 0
	for _, rep := range s.Repetitions {
		if rep.Converged {
			n++
		}
	}
	return n
}

func (r *Runtime) runSession(ctx context.Context, sc config.SessionConfig) (SessionReport, error) {
	report := SessionReport{Name: sc.Name, Kind: sc.Kind}
	for rep := 1; rep <= sc.Repetitions; rep++ {
		result, err := r.runRepetition(ctx, sc, rep)
		if err != nil {
			return report, err
		}
		report.Repetitions = append(report.Repetitions, result)
	}
	summaries, err := summarize(sc, report.Repetitions)
	if err != nil {
		return report, err
	}
	report.Summaries = summaries
	r.logger.Info("session finished", "session", sc.Name, "repetitions", len(report.Repetitions), "converged", report.Converged())
	return report, nil
}

func (r *Runtime) runRepetition(ctx context.Context, sc config.SessionConfig, rep int) (Repetition, error) {
	id, err := r.startSession(ctx, sc, rep)
	if err != nil {
		return Repetition{}, err
	}
	logger := r.logger.With("session", sc.Name, "repetition", rep)
	r.status.Start(id, sc.Name, sc.Kind, rep)
	r.metrics.SessionStarted()

	clock := simulate.NewClock(time.Now())
	meas := r.measurerChain(sc, rep, id, clock)

	var out Repetition
	switch sc.Kind {
	case config.KindSoak:
		out, err = r.runSoak(ctx, sc, rep, id, meas, clock)
	default:
		out, err = r.runSearch(ctx, sc, id, meas, clock)
	}
	out.ID = id
	r.finishSession(sc, id, out, err)
	if err != nil {
		return out, err
	}
	logger.Info("repetition finished", "converged", out.Converged, "reason", out.Reason, "trials", out.Trials)
	return out, nil
}

func (r *Runtime) runSearch(ctx context.Context, sc config.SessionConfig, id string, meas trial.Measurer, clock *simulate.Clock) (Repetition, error) {
	ctrl, err := search.New(meas, sc.SearchConfig(), r.logger.With("session", sc.Name),
		search.WithClock(clock.Now),
		search.WithObserver(func(p search.Progress) {
			r.status.SearchProgress(id, p.Intervals)
			r.metrics.SetBounds(sc.Name, p.Intervals)
		}))
	if err != nil {
		return Repetition{}, err
	}
	res, err := ctrl.Search(ctx)
	if err != nil {
		return Repetition{}, err
	}
	return Repetition{Converged: res.Converged, Reason: res.Reason, Trials: res.Trials, Search: &res}, nil
}

func (r *Runtime) runSoak(ctx context.Context, sc config.SessionConfig, rep int, id string, meas trial.Measurer, clock *simulate.Clock) (Repetition, error) {
	cfg := sc.SoakConfig()
	cfg.Integrator.Seed += int64(rep)
	ctrl, err := soak.New(meas, cfg, r.logger.With("session", sc.Name),
		soak.WithClock(clock.Now),
		soak.WithObserver(func(p soak.Progress) {
			r.status.SoakProgress(id, p.Estimate.Average, p.Estimate.Stdev)
			r.metrics.SetSoakEstimate(sc.Name, p.Estimate.Average, p.Estimate.Stdev)
		}))
	if err != nil {
		return Repetition{}, err
	}
	res, err := ctrl.Search(ctx)
	if err != nil {
		return Repetition{}, err
	}
	return Repetition{Converged: res.Converged, Reason: res.Reason, Trials: res.Trials, Soak: &res}, nil
}

// measurerChain wraps the simulated system so every trial is counted,
// journaled and published, in that order.
func (r *Runtime) measurerChain(sc config.SessionConfig, rep int, id string, clock *simulate.Clock) trial.Measurer {
	var meas trial.Measurer
	switch sc.Simulator.Model {
	case config.ModelPoisson:
		meas = simulate.NewPoisson(sc.Simulator.SafeRatePPS, sc.Simulator.ExcessRatio, sc.Simulator.Seed+int64(rep), clock)
	default:
		meas = simulate.NewStep(sc.Simulator.ThresholdPPS, sc.Simulator.LossAbove, clock)
	}
	meas = r.metrics.Instrument(meas, sc.Name)
	if r.journal != nil {
		meas = journal.NewRecorder(meas, r.journal, id, r.logger)
	}
	return r.status.Observe(meas, id)
}

func (r *Runtime) startSession(ctx context.Context, sc config.SessionConfig, rep int) (string, error) {
	if r.journal == nil {
		return uuid.NewString(), nil
	}
	return r.journal.StartSession(ctx, sc.Name, sc.Kind, rep)
}

func (r *Runtime) finishSession(sc config.SessionConfig, id string, out Repetition, err error) {
	outcome := metrics.OutcomePartial
	switch {
	case err != nil:
		outcome = metrics.OutcomeFailed
	case out.Converged:
		outcome = metrics.OutcomeConverged
	}
	r.metrics.SessionFinished(sc.Kind, outcome)
	r.status.Finish(id, out.Converged, out.Reason, err)
	if r.journal != nil {
		reason := out.Reason
		if err != nil {
			reason = err.Error()
		}
		// The search context may already be canceled here.
		if jerr := r.journal.FinishSession(context.Background(), id, out.Converged, reason); jerr != nil {
			r.logger.Warn("journal finish failed", "session", sc.Name, "error", jerr)
		}
	}
}

func summarize(sc config.SessionConfig, reps []Repetition) ([]Summary, error) {
	if len(reps) == 0 {
		return nil, nil
	}
	if sc.Kind == config.KindSoak {
		values := make([]float64, 0, len(reps))
		for _, rep := range reps {
			values = append(values, rep.Soak.Average)
		}
		s, err := summary("critical rate", values)
		if err != nil {
			return nil, err
		}
		return []Summary{s}, nil
	}

	var out []Summary
	for _, iv := range reps[0].Search.Intervals {
		values := make([]float64, 0, len(reps))
		for _, rep := range reps {
			if bound, ok := rep.Search.Interval(iv.Ratio); ok {
				values = append(values, bound.Low.TargetTR())
			}
		}
		s, err := summary(boundLabel(iv.Ratio), values)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func summary(label string, values []float64) (Summary, error) {
	data := stats.Float64Data(values)
	mean, err := stats.Mean(data)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize %s: %w", label, err)
	}
	stdev, err := stats.StandardDeviation(data)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize %s: %w", label, err)
	}
	lo, err := stats.Min(data)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize %s: %w", label, err)
	}
	hi, err := stats.Max(data)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize %s: %w", label, err)
	}
	return Summary{Label: label, Mean: mean, Stdev: stdev, Min: lo, Max: hi}, nil
}

func boundLabel(ratio float64) string {
	if ratio == 0 {
		return "NDR"
	}
	return "PDR " + util.FormatRatio(ratio)
}
