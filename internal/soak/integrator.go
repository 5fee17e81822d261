package soak

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/NodePath81/droprate/internal/trial"
)

const (
	DefaultMinExcessRatio = 1e-6
	DefaultSpreadFraction = 1e-4
	DefaultScaleCoeff     = 10.0
	DefaultMaxSamples     = 2000

	// dimension of the parameter space: safe rate and excess ratio.
	dimension = 2
	// topLen is how many of the heaviest samples shape the early focus.
	topLen = (dimension + 2) * (dimension + 1) / 2
	// maxProposalTries bounds rejection of points outside (-1,1)^2.
	maxProposalTries = 1000
)

// IntegratorConfig parametrizes the posterior over (safe rate, excess
// ratio). Both parameters have uniform priors after mapping into
// (-1,1): the safe rate linearly on (0, MaxRate), the excess ratio
// log-uniformly on (MinExcessRatio, 1).
type IntegratorConfig struct {
	MaxRate float64
	// TargetLossPerSecond defines the critical rate of a parameter point.
	TargetLossPerSecond float64
	MinExcessRatio      float64
	// Spread smooths the loss model around the safe rate, in pps.
	// Zero means MaxRate * DefaultSpreadFraction.
	Spread float64
	// ScaleCoeff widens the focus relative to the fitted covariance.
	ScaleCoeff float64
	// MaxSamples caps samples per Integrate call. Zero means no cap.
	MaxSamples int
	// SampleBudget caps wall-clock time per Integrate call. Zero means no cap.
	SampleBudget time.Duration
	Seed         int64
}

func (c *IntegratorConfig) setDefaults() {
	if c.MinExcessRatio == 0 {
		c.MinExcessRatio = DefaultMinExcessRatio
	}
	if c.Spread == 0 {
		c.Spread = c.MaxRate * DefaultSpreadFraction
	}
	if c.ScaleCoeff == 0 {
		c.ScaleCoeff = DefaultScaleCoeff
	}
	if c.MaxSamples == 0 && c.SampleBudget == 0 {
		c.MaxSamples = DefaultMaxSamples
	}
}

func (c IntegratorConfig) validate() error {
	switch {
	case c.MaxRate <= 0:
		return fmt.Errorf("%w: max rate %g must be > 0", trial.ErrInvalidConfig, c.MaxRate)
	case c.TargetLossPerSecond <= 0:
		return fmt.Errorf("%w: target loss per second %g must be > 0", trial.ErrInvalidConfig, c.TargetLossPerSecond)
	case c.MinExcessRatio <= 0 || c.MinExcessRatio >= 1:
		return fmt.Errorf("%w: min excess ratio %g must be in (0,1)", trial.ErrInvalidConfig, c.MinExcessRatio)
	case c.Spread <= 0:
		return fmt.Errorf("%w: spread %g must be > 0", trial.ErrInvalidConfig, c.Spread)
	case c.ScaleCoeff <= 0:
		return fmt.Errorf("%w: scale coefficient must be > 0", trial.ErrInvalidConfig)
	case c.MaxSamples < 0 || c.SampleBudget < 0:
		return fmt.Errorf("%w: sampling budgets must be >= 0", trial.ErrInvalidConfig)
	}
	return nil
}

// Estimate summarizes the critical rate posterior.
type Estimate struct {
	Average float64
	Stdev   float64
	Samples int
	// Degenerate is set when the samples could not support a spread
	// estimate, for example when every weight underflowed.
	Degenerate bool
}

// Integrator estimates the critical rate by importance sampling. The
// proposal is a truncated bivariate Gaussian whose center and shape
// follow the samples; the focus reached by one call seeds the next.
type Integrator struct {
	cfg     IntegratorConfig
	rng     *rand.Rand
	now     func() time.Time
	hintAvg vec2
	hintCov mat2
}

func NewIntegrator(cfg IntegratorConfig) (*Integrator, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Integrator{
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		now:     time.Now,
		hintCov: identity2(),
	}, nil
}

type observation struct {
	seconds   float64
	rate      float64
	lossCount float64
	logFactK  float64
}

type weightedPoint struct {
	logWeight float64
	point     vec2
}

// CriticalRate maps a parameter point to the load at which the model
// loses TargetLossPerSecond packets per second, capped at MaxRate.
func (in *Integrator) CriticalRate(safeRate, excessRatio float64) float64 {
	return math.Min(in.cfg.MaxRate, safeRate+in.cfg.TargetLossPerSecond/excessRatio)
}

func (in *Integrator) params(x vec2) (safeRate, logExcess float64) {
	safeRate = in.cfg.MaxRate * (x[0] + 1) / 2
	logExcess = (1 - (x[1]+1)/2) * math.Log(in.cfg.MinExcessRatio)
	return safeRate, logExcess
}

// logLikelihood treats every loss count as Poisson with mean
// excess * spread * softplus((rate - safe) / spread) * duration.
func (in *Integrator) logLikelihood(obs []observation, safeRate, logExcess float64) float64 {
	logSpread := math.Log(in.cfg.Spread)
	total := 0.0
	for _, o := range obs {
		logMean := logExcess + logSpread + logSoftplus((o.rate-safeRate)/in.cfg.Spread) + math.Log(o.seconds)
		total += o.lossCount*logMean - math.Exp(logMean) - o.logFactK
	}
	return total
}

// Integrate samples the posterior given the trials until a budget runs
// out and returns the critical rate estimate.
func (in *Integrator) Integrate(ctx context.Context, trials []trial.Measurement) (Estimate, error) {
	obs := make([]observation, 0, len(trials))
	for _, m := range trials {
		if m.Degenerate() {
			continue
		}
		k := float64(m.LossCount())
		logFact, _ := math.Lgamma(k + 1)
		obs = append(obs, observation{
			seconds:   m.Duration().Seconds(),
			rate:      m.TransmitRate(),
			lossCount: k,
			logFactK:  logFact,
		})
	}

	start := in.now()
	value := newDualTracker()
	sampled := newVectorTracker()
	logSumWeight := math.Inf(-1)
	top := make([]weightedPoint, 0, topLen)
	var topAvg vec2
	var topCov mat2
	focusAvg, focusCov := in.hintAvg, in.hintCov
	samples := 0

	for {
		if in.cfg.MaxSamples > 0 && samples >= in.cfg.MaxSamples {
			break
		}
		if in.cfg.SampleBudget > 0 && in.now().Sub(start) >= in.cfg.SampleBudget {
			break
		}
		if samples%64 == 0 {
			if err := ctx.Err(); err != nil {
				return Estimate{}, err
			}
		}

		if len(top) < topLen {
			focusAvg, focusCov = in.hintAvg, in.hintCov
		} else {
			logTop := top[0].logWeight
			logNorm := LogPlus(logSumWeight, logTop)
			topRatio := math.Exp(logTop - logNorm)
			sampledRatio := math.Exp(logSumWeight - logNorm)
			focusAvg = sampled.average.scale(sampledRatio).add(topAvg.scale(topRatio))
			focusCov = sampled.covariance.scale(sampledRatio).add(topCov.scale(topRatio)).scale(in.cfg.ScaleCoeff)
		}
		focusCov = focusCov.regularize()

		point := in.propose(focusAvg, focusCov)
		samples++
		safeRate, logExcess := in.params(point)
		logWeight := in.logLikelihood(obs, safeRate, logExcess)
		if math.IsNaN(logWeight) || math.IsInf(logWeight, 1) {
			continue
		}
		critical := in.CriticalRate(safeRate, math.Exp(logExcess))

		logSumWeight = LogPlus(logSumWeight, logWeight)
		if len(top) < topLen || logWeight >= top[len(top)-1].logWeight {
			if len(top) < topLen {
				top = append(top, weightedPoint{logWeight, point})
			} else {
				top[len(top)-1] = weightedPoint{logWeight, point}
			}
			if len(top) == topLen {
				sort.SliceStable(top, func(i, j int) bool { return top[i].logWeight > top[j].logWeight })
				topAvg, topCov = topStats(top)
			}
		}

		shift := point.sub(focusAvg)
		logRarity := focusCov.quadForm(shift) / 2
		logImportance := logWeight + logRarity + math.Log(focusCov.det())/2
		if math.IsNaN(logImportance) || math.IsInf(logImportance, 0) {
			continue
		}
		sampled.add(point, logImportance)
		value.add(critical, logImportance)
	}

	in.hintAvg, in.hintCov = focusAvg, focusCov
	return in.estimate(value, samples), nil
}

// topStats centers on the heaviest point; the covariance is the running
// mean of outer products of the other points around it.
func topStats(top []weightedPoint) (vec2, mat2) {
	avg := top[0].point
	var cov mat2
	count := 1
	for _, item := range top[1:] {
		count++
		next := 1 / float64(count)
		prev := 1 - next
		shift := item.point.sub(avg)
		for i := 0; i < 2; i++ {
			for j := 0; j < 2; j++ {
				cov[i][j] = (cov[i][j] + shift[i]*shift[j]*next) * prev
			}
		}
	}
	return avg, cov
}

// propose draws from N(avg, cov) restricted to (-1,1)^2.
func (in *Integrator) propose(avg vec2, cov mat2) vec2 {
	chol, err := cov.cholesky()
	if err == nil {
		for i := 0; i < maxProposalTries; i++ {
			z := vec2{in.rng.NormFloat64(), in.rng.NormFloat64()}
			p := avg.add(chol.mulVec(z))
			if math.Abs(p[0]) < 1 && math.Abs(p[1]) < 1 {
				return p
			}
		}
	}
	return vec2{in.rng.Float64()*2 - 1, in.rng.Float64()*2 - 1}
}

// estimate turns the value trackers into a posterior average and spread.
// The spread is the primary variance divided by the secondary standard
// deviation: when one heavy sample carries most of the weight, the
// secondary variance collapses and the reported spread grows.
func (in *Integrator) estimate(value dualTracker, samples int) Estimate {
	est := Estimate{Samples: samples}
	if value.primary.empty() || math.IsNaN(value.primary.average) {
		est.Average = in.cfg.MaxRate / 2
		est.Stdev = in.cfg.MaxRate
		est.Degenerate = true
		return est
	}
	est.Average = value.primary.average
	if math.IsInf(value.primary.logVariance, -1) {
		// Every sample produced the same value.
		return est
	}
	if value.secondary.empty() || math.IsInf(value.secondary.logVariance, -1) {
		est.Stdev = in.cfg.MaxRate
		est.Degenerate = true
		return est
	}
	stdev := math.Exp((2*value.primary.logVariance - value.secondary.logVariance) / 2)
	if math.IsNaN(stdev) || math.IsInf(stdev, 0) {
		est.Stdev = in.cfg.MaxRate
		est.Degenerate = true
		return est
	}
	est.Stdev = stdev
	return est
}
