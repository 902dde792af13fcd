package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "classattend"

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	CheckIns          *prometheus.CounterVec
	CheckInDuration   prometheus.Histogram
	TokenRotations    prometheus.Counter
	Overrides         prometheus.Counter
	FinalizedAbsences prometheus.Counter
}

// New creates the collectors and registers them with reg when reg is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CheckIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkin_attempts_total",
			Help:      "Check-in attempts by outcome (status on success, error kind on rejection).",
		}, []string{"outcome"}),
		CheckInDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkin_duration_seconds",
			Help:      "Time spent evaluating a check-in attempt.",
			Buckets:   prometheus.DefBuckets,
		}),
		TokenRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_rotations_total",
			Help:      "Session tokens issued by the rotator.",
		}),
		Overrides: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overrides_total",
			Help:      "Manual attendance overrides applied.",
		}),
		FinalizedAbsences: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalized_absences_total",
			Help:      "Absent records written when finalizing closed sessions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.CheckIns, m.CheckInDuration, m.TokenRotations, m.Overrides, m.FinalizedAbsences)
	}
	return m
}

// ObserveCheckIn counts one attempt and records its duration.
func (m *Metrics) ObserveCheckIn(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.CheckIns.WithLabelValues(outcome).Inc()
	m.CheckInDuration.Observe(d.Seconds())
}

func (m *Metrics) IncRotations() {
	if m == nil {
		return
	}
	m.TokenRotations.Inc()
}

func (m *Metrics) IncOverrides() {
	if m == nil {
		return
	}
	m.Overrides.Inc()
}

func (m *Metrics) AddFinalizedAbsences(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FinalizedAbsences.Add(float64(n))
}
