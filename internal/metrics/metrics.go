package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NodePath81/droprate/internal/search"
	"github.com/NodePath81/droprate/internal/trial"
)

const namespace = "droprate"

const (
	OutcomeConverged = "converged"
	OutcomePartial   = "partial"
	OutcomeFailed    = "failed"
)

// Metrics owns a private registry so several instances can coexist in
// one process.
type Metrics struct {
	registry *prometheus.Registry
	handler  http.Handler

	trials         *prometheus.CounterVec
	trialErrors    *prometheus.CounterVec
	trialSeconds   *prometheus.CounterVec
	trialLossRatio *prometheus.HistogramVec
	offeredRate    *prometheus.GaugeVec
	bounds         *prometheus.GaugeVec
	soakEstimate   *prometheus.GaugeVec
	running        prometheus.Gauge
	sessions       *prometheus.CounterVec
	startTime      time.Time
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		trials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trials_total",
			Help:      "Trials measured.",
		}, []string{"session"}),
		trialErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trial_errors_total",
			Help:      "Trials whose measurer returned an error.",
		}, []string{"session"}),
		trialSeconds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trial_seconds_total",
			Help:      "Sum of requested trial durations.",
		}, []string{"session"}),
		trialLossRatio: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "trial_loss_ratio",
			Help:      "Loss ratio of measured trials.",
			Buckets:   append([]float64{0}, prometheus.ExponentialBuckets(1e-7, 10, 8)...),
		}, []string{"session"}),
		offeredRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "offered_rate_pps",
			Help:      "Target rate of the latest trial.",
		}, []string{"session"}),
		bounds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bound_pps",
			Help:      "Latest lower and upper bounds per loss ratio.",
		}, []string{"session", "ratio", "edge"}),
		soakEstimate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "soak_estimate_pps",
			Help:      "Critical rate posterior average and stdev.",
		}, []string{"session", "stat"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_running",
			Help:      "Sessions currently searching.",
		}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Finished sessions by kind and outcome.",
		}, []string{"kind", "outcome"}),
		startTime: time.Now(),
	}
	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since start.",
	}, func() float64 { return time.Since(m.startTime).Seconds() })

	m.registry.MustRegister(
		m.trials, m.trialErrors, m.trialSeconds, m.trialLossRatio,
		m.offeredRate, m.bounds, m.soakEstimate, m.running, m.sessions, uptime,
		collectors.NewGoCollector(),
	)
	m.handler = promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler(w http.ResponseWriter, r *http.Request) {
	m.handler.ServeHTTP(w, r)
}

// ObserveTrial records one successful trial.
func (m *Metrics) ObserveTrial(session string, tr trial.Measurement) {
	m.trials.WithLabelValues(session).Inc()
	m.trialSeconds.WithLabelValues(session).Add(tr.Duration().Seconds())
	m.trialLossRatio.WithLabelValues(session).Observe(tr.LossRatio())
	m.offeredRate.WithLabelValues(session).Set(tr.TargetTR())
}

func (m *Metrics) SetBounds(session string, intervals []search.RatioInterval) {
	for _, iv := range intervals {
		ratio := formatRatio(iv.Ratio)
		m.bounds.WithLabelValues(session, ratio, "lower").Set(iv.Low.TargetTR())
		m.bounds.WithLabelValues(session, ratio, "upper").Set(iv.High.TargetTR())
	}
}

func (m *Metrics) SetSoakEstimate(session string, average, stdev float64) {
	m.soakEstimate.WithLabelValues(session, "average").Set(average)
	m.soakEstimate.WithLabelValues(session, "stdev").Set(stdev)
}

func (m *Metrics) SessionStarted() {
	m.running.Inc()
}

func (m *Metrics) SessionFinished(kind, outcome string) {
	m.running.Dec()
	m.sessions.WithLabelValues(kind, outcome).Inc()
}

// Instrument wraps a Measurer so every trial updates the session series.
func (m *Metrics) Instrument(next trial.Measurer, session string) trial.Measurer {
	return &instrumented{next: next, metrics: m, session: session}
}

type instrumented struct {
	next    trial.Measurer
	metrics *Metrics
	session string
}

func (i *instrumented) Measure(ctx context.Context, duration time.Duration, rate float64) (trial.Measurement, error) {
	tr, err := i.next.Measure(ctx, duration, rate)
	if err != nil {
		i.metrics.trialErrors.WithLabelValues(i.session).Inc()
		return tr, err
	}
	i.metrics.ObserveTrial(i.session, tr)
	return tr, nil
}

func formatRatio(val float64) string {
	return strconv.FormatFloat(val, 'g', -1, 64)
}
