package search

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/NodePath81/droprate/internal/database"
	"github.com/NodePath81/droprate/internal/trial"
	"github.com/NodePath81/droprate/internal/util"
)

const (
	ReasonTimeout        = "timeout"
	ReasonIterationLimit = "iteration limit"
	ReasonStalled        = "candidate already measured"
)

// Progress is reported to the observer after every trial.
type Progress struct {
	Phase       int
	Duration    time.Duration
	WidthGoal   float64
	Measurement trial.Measurement
	Intervals   []RatioInterval
}

type Option func(*Controller)

// WithClock replaces time.Now for budget accounting.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithObserver registers a callback invoked after every trial.
func WithObserver(fn func(Progress)) Option {
	return func(c *Controller) { c.observer = fn }
}

// Controller searches NDR and PDR intervals for several loss ratios at
// once. It brackets each ratio by stepping down from the maximum rate,
// bisects the bracket, and repeats at growing trial durations, seeding
// every phase from the bounds of the previous one.
//
// A Controller is not safe for concurrent use; run one per session.
type Controller struct {
	measurer trial.Measurer
	cfg      Config
	logger   util.Logger
	now      func() time.Time
	observer func(Progress)
}

func New(measurer trial.Measurer, cfg Config, logger util.Logger, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if measurer == nil {
		return nil, fmt.Errorf("%w: nil measurer", trial.ErrInvalidConfig)
	}
	c := &Controller{
		measurer: measurer,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// session holds the mutable state of one Search call.
type session struct {
	db       *database.Database
	trials   int
	deadline time.Time
	// stalled is set when a ratio was left open because every candidate
	// rate had already been measured.
	stalled bool
}

// Search runs all phases. Measurer errors abort the search; exhausted
// budgets produce a non-converged result.
func (c *Controller) Search(ctx context.Context) (Result, error) {
	s := &session{db: database.New()}
	if c.cfg.Timeout > 0 {
		s.deadline = c.now().Add(c.cfg.Timeout)
	}
	phases := c.cfg.phases()

	first := phases[0]
	if _, err := c.measure(ctx, s, &first, c.cfg.MaxRate); err != nil {
		return Result{}, err
	}

	for i := range phases {
		state := phases[i]
		if i > 0 {
			state.LastWidth = c.seedWidth(s, state)
		}
		s.stalled = false
		c.logger.Info("search phase started", "phase", state.Phase, "duration", state.Duration, "width_goal", state.WidthGoal)
		iterations := 0
		for {
			rate, ok, err := c.nextRate(s, &state)
			if err != nil {
				return Result{}, err
			}
			if !ok {
				break
			}
			if !s.deadline.IsZero() && !c.now().Before(s.deadline) {
				return c.partial(s, ReasonTimeout)
			}
			if c.cfg.MaxIterations > 0 && iterations >= c.cfg.MaxIterations {
				return c.partial(s, ReasonIterationLimit)
			}
			iterations++
			if _, err := c.measure(ctx, s, &state, rate); err != nil {
				return Result{}, err
			}
		}
		c.logger.Info("search phase finished", "phase", state.Phase, "trials", iterations)
	}

	result, err := c.result(s)
	if err != nil {
		return Result{}, err
	}
	if s.stalled {
		result.Reason = ReasonStalled
		c.logger.Warn("search did not converge", "reason", ReasonStalled, "trials", s.trials)
		return result, nil
	}
	result.Converged = true
	return result, nil
}

func (c *Controller) measure(ctx context.Context, s *session, state *ProgressState, rate float64) (trial.Measurement, error) {
	if err := ctx.Err(); err != nil {
		return trial.Measurement{}, err
	}
	m, err := c.measurer.Measure(ctx, state.Duration, rate)
	if err != nil {
		return trial.Measurement{}, fmt.Errorf("measure %.1f pps for %s: %w", rate, state.Duration, err)
	}
	if m.Duration() != state.Duration || m.TargetTR() != rate {
		// Key the trial by what was requested so lookups stay exact.
		m, err = trial.New(state.Duration, rate, m.TransmitCount(), m.LossCount())
		if err != nil {
			return trial.Measurement{}, err
		}
	}
	if err := s.db.Add(m); err != nil {
		return trial.Measurement{}, err
	}
	s.trials++
	c.logger.Debug("trial measured", "phase", state.Phase, "duration", state.Duration, "rate", rate, "loss_ratio", m.LossRatio())
	if c.observer != nil {
		bounds, err := s.db.Results(state.Ratios)
		if err == nil {
			c.observer(Progress{
				Phase:       state.Phase,
				Duration:    state.Duration,
				WidthGoal:   state.WidthGoal,
				Measurement: m,
				Intervals:   toIntervals(bounds),
			})
		}
	}
	return m, nil
}

// nextRate picks the next trial rate for the phase. Ratios are visited in
// ascending order and the first one still open decides. Every trial is
// stored in the shared database, so it tightens all ratios at once.
func (c *Controller) nextRate(s *session, state *ProgressState) (float64, bool, error) {
	for _, ratio := range state.Ratios {
		lower, upper, hint, err := s.db.ValuesForRatio(ratio, state.Duration)
		if err != nil {
			return 0, false, err
		}
		rate, ok := c.candidate(s, state, lower, upper, hint)
		if !ok {
			continue
		}
		if s.db.Has(state.Duration, rate) {
			c.logger.Warn("candidate rate already measured", "ratio", ratio, "rate", rate, "duration", state.Duration)
			s.stalled = true
			continue
		}
		return rate, true, nil
	}
	return 0, false, nil
}

func (c *Controller) candidate(s *session, state *ProgressState, lower, upper, hint *database.Entry) (float64, bool) {
	if hint != nil {
		return hint.TargetTR(), true
	}
	switch {
	case lower == nil && upper == nil:
		return state.MaxRate, true
	case upper == nil:
		if lower.TargetTR() >= state.MaxRate {
			// Line rate survives.
			return 0, false
		}
		rate := ExpandUp(state.LastWidth, c.cfg.Doublings, lower.TargetTR())
		state.LastWidth = expandWidth(state.LastWidth, c.cfg.Doublings)
		return math.Min(state.MaxRate, rate), true
	case lower == nil:
		if upper.TargetTR() <= state.MinRate {
			// Even the minimal rate fails.
			return 0, false
		}
		if rate, ok := c.receiveRateJump(s, state, upper); ok {
			return rate, true
		}
		rate := ExpandDown(state.LastWidth, c.cfg.Doublings, upper.TargetTR())
		state.LastWidth = expandWidth(state.LastWidth, c.cfg.Doublings)
		return math.Max(state.MinRate, rate), true
	}
	width := RelativeWidth(lower.TargetTR(), upper.TargetTR())
	if width <= state.WidthGoal {
		return 0, false
	}
	state.LastWidth = math.Max(state.WidthGoal, HalfRelativeWidth(width))
	return (lower.TargetTR() + upper.TargetTR()) / 2, true
}

// receiveRateJump replaces the first step below a failing max rate trial
// with the rate the system actually forwarded.
func (c *Controller) receiveRateJump(s *session, state *ProgressState, upper *database.Entry) (float64, bool) {
	if state.Phase != 0 || upper.TargetTR() != state.MaxRate {
		return 0, false
	}
	data := s.db.At(state.Duration)
	if data == nil || data.Len() != 1 {
		return 0, false
	}
	maxLow := state.MaxRate * (1 - state.WidthGoal)
	rate := math.Max(state.MinRate, math.Min(maxLow, upper.Measurement.ReceiveRate()))
	return rate, true
}

// seedWidth starts external steps of a new phase from the width of the
// previous phase when that is wider than the new goal.
func (c *Controller) seedWidth(s *session, state ProgressState) float64 {
	bounds, err := s.db.Results(state.Ratios)
	if err != nil || len(bounds) == 0 {
		return state.WidthGoal
	}
	width := RelativeWidth(bounds[0].Lower.TargetTR(), bounds[0].Upper.TargetTR())
	if width > state.WidthGoal && width < 1 {
		return width
	}
	return state.WidthGoal
}

func (c *Controller) partial(s *session, reason string) (Result, error) {
	result, err := c.result(s)
	if err != nil {
		return Result{}, err
	}
	result.Reason = reason
	c.logger.Warn("search did not converge", "reason", reason, "trials", s.trials)
	return result, nil
}

func (c *Controller) result(s *session) (Result, error) {
	bounds, err := s.db.Results(c.cfg.ratios())
	if err != nil {
		return Result{}, err
	}
	return Result{Intervals: toIntervals(bounds), Trials: s.trials}, nil
}

func toIntervals(bounds []database.Bounds) []RatioInterval {
	out := make([]RatioInterval, 0, len(bounds))
	for _, b := range bounds {
		out = append(out, RatioInterval{
			Ratio:    b.Ratio,
			Interval: Interval{Low: b.Lower.Measurement, High: b.Upper.Measurement},
		})
	}
	return out
}
