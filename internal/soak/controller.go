package soak

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/NodePath81/droprate/internal/trial"
	"github.com/NodePath81/droprate/internal/util"
)

const (
	DefaultTargetLossRatio       = 1e-7
	DefaultTrialDurationPerTrial = time.Second
	DefaultTimeout               = 30 * time.Minute
	DefaultWidthGoal             = 0.01

	ReasonAboveMax  = "pinned at max rate"
	ReasonBelowMin  = "pinned at min rate"
	ReasonWidthGoal = "width goal met"
	ReasonTimeout   = "timeout"

	// optimisticTrials follow the receive rate before the estimate is used.
	optimisticTrials = 3
)

// Config controls a soak search.
type Config struct {
	MinRate float64
	MaxRate float64
	// TargetLossRatio splits trials in the filter and steers the first
	// trials after the max rate one.
	TargetLossRatio float64
	// TargetLossPerSecond defines the critical rate. Zero means
	// TargetLossRatio * MaxRate.
	TargetLossPerSecond float64
	// Trial n lasts n * TrialDurationPerTrial.
	TrialDurationPerTrial time.Duration
	// TrialNumberOffset makes the first trial number 1 + offset.
	TrialNumberOffset int
	Timeout           time.Duration
	// WidthGoal stops the search once stdev/average falls to it.
	WidthGoal  float64
	Integrator IntegratorConfig
}

func DefaultConfig(minRate, maxRate float64) Config {
	return Config{
		MinRate:               minRate,
		MaxRate:               maxRate,
		TargetLossRatio:       DefaultTargetLossRatio,
		TrialDurationPerTrial: DefaultTrialDurationPerTrial,
		Timeout:               DefaultTimeout,
		WidthGoal:             DefaultWidthGoal,
	}
}

func (c Config) Validate() error {
	switch {
	case c.MinRate < 0:
		return fmt.Errorf("%w: min rate %g must be >= 0", trial.ErrInvalidConfig, c.MinRate)
	case c.MaxRate <= 0:
		return fmt.Errorf("%w: max rate %g must be > 0", trial.ErrInvalidConfig, c.MaxRate)
	case c.MinRate > c.MaxRate:
		return fmt.Errorf("%w: min rate %g above max rate %g", trial.ErrInvalidConfig, c.MinRate, c.MaxRate)
	case c.TargetLossRatio < 0 || c.TargetLossRatio >= 1:
		return fmt.Errorf("%w: target loss ratio %g must be in [0,1)", trial.ErrInvalidConfig, c.TargetLossRatio)
	case c.TargetLossPerSecond < 0:
		return fmt.Errorf("%w: target loss per second must be >= 0", trial.ErrInvalidConfig)
	case c.TrialDurationPerTrial <= 0:
		return fmt.Errorf("%w: trial duration per trial must be > 0", trial.ErrInvalidConfig)
	case c.TrialNumberOffset < 0:
		return fmt.Errorf("%w: trial number offset must be >= 0", trial.ErrInvalidConfig)
	case c.Timeout <= 0:
		return fmt.Errorf("%w: timeout must be > 0", trial.ErrInvalidConfig)
	case c.WidthGoal <= 0:
		return fmt.Errorf("%w: width goal must be > 0", trial.ErrInvalidConfig)
	}
	return nil
}

// Result is the critical rate estimate of a soak search.
type Result struct {
	Average   float64
	Stdev     float64
	Converged bool
	Reason    string
	Trials    int
}

// Progress is reported to the observer after every trial.
type Progress struct {
	TrialNumber int
	Measurement trial.Measurement
	Estimate    Estimate
	// NextRate is the load of the following trial.
	NextRate float64
	// Radius is the stdev used as the local search radius.
	Radius float64
}

type Option func(*Controller)

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func WithObserver(fn func(Progress)) Option {
	return func(c *Controller) { c.observer = fn }
}

// Controller runs trials of growing duration, feeding them through a
// Filter into an Integrator, and moves the offered load to the posterior
// average until the estimate is tight, pinned to an edge, or time is up.
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
	if cfg.TargetLossPerSecond == 0 {
		cfg.TargetLossPerSecond = cfg.TargetLossRatio * cfg.MaxRate
	}
	cfg.Integrator.MaxRate = cfg.MaxRate
	cfg.Integrator.TargetLossPerSecond = cfg.TargetLossPerSecond
	// Fail early on integrator settings rather than after the first trial.
	if _, err := NewIntegrator(cfg.Integrator); err != nil {
		return nil, err
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

// Search returns the critical rate estimate. Measurer errors abort;
// running out of time returns the latest estimate as non-converged.
func (c *Controller) Search(ctx context.Context) (Result, error) {
	integrator, err := NewIntegrator(c.cfg.Integrator)
	if err != nil {
		return Result{}, err
	}
	filter := NewFilter(c.cfg.TargetLossRatio)
	deadline := c.now().Add(c.cfg.Timeout)

	var result Result
	rate := (c.cfg.MinRate + c.cfg.MaxRate) / 2
	trialNumber := c.cfg.TrialNumberOffset
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		trialNumber++
		duration := time.Duration(trialNumber) * c.cfg.TrialDurationPerTrial
		m, err := c.measurer.Measure(ctx, duration, rate)
		if err != nil {
			return Result{}, fmt.Errorf("measure %.1f pps for %s: %w", rate, duration, err)
		}
		filter.Add(m)
		est, err := integrator.Integrate(ctx, filter.List())
		if err != nil {
			return Result{}, err
		}
		result.Trials++
		result.Average, result.Stdev = est.Average, est.Stdev

		next := c.nextRate(trialNumber, m, est)
		c.logger.Info("soak trial computed",
			"trial", trialNumber, "rate", rate, "loss_ratio", m.LossRatio(),
			"avg", est.Average, "stdev", est.Stdev, "samples", est.Samples)
		if c.observer != nil {
			c.observer(Progress{TrialNumber: trialNumber, Measurement: m, Estimate: est, NextRate: next, Radius: est.Stdev})
		}

		if reason, done := c.stop(est); done {
			result.Converged = true
			result.Reason = reason
			return result, nil
		}
		if !c.now().Before(deadline) {
			result.Reason = ReasonTimeout
			c.logger.Warn("soak search did not converge", "trials", result.Trials, "avg", est.Average, "stdev", est.Stdev)
			return result, nil
		}
		rate = next
	}
}

// stop reports whether the estimate has pinned an edge of the rate domain
// or met the width goal. Critical rates are capped at MaxRate, so the
// estimate cannot sit above it; the max edge counts as pinned once the
// one-stdev band lies within the width goal below MaxRate.
func (c *Controller) stop(est Estimate) (string, bool) {
	if est.Degenerate {
		return "", false
	}
	switch {
	case est.Average-est.Stdev >= c.cfg.MaxRate*(1-c.cfg.WidthGoal):
		return ReasonAboveMax, true
	case est.Average+est.Stdev <= c.cfg.MinRate:
		return ReasonBelowMin, true
	case est.Average > 0 && est.Stdev/est.Average <= c.cfg.WidthGoal:
		return ReasonWidthGoal, true
	}
	return "", false
}

// nextRate follows max rate, then the observed receive rate, then the
// posterior average, always clamped to the rate domain.
func (c *Controller) nextRate(trialNumber int, m trial.Measurement, est Estimate) float64 {
	var load float64
	switch n := trialNumber - c.cfg.TrialNumberOffset; {
	case n <= 1:
		load = c.cfg.MaxRate
	case n <= optimisticTrials:
		load = m.ReceiveRate() / (1 - c.cfg.TargetLossRatio)
	default:
		load = est.Average
	}
	return math.Min(c.cfg.MaxRate, math.Max(c.cfg.MinRate, load))
}
