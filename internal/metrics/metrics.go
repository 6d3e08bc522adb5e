// Package metrics owns the hub's prometheus collectors. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "swarmhub"

type Metrics struct {
	claims   *prometheus.CounterVec
	reaped   *prometheus.CounterVec
	polls    *prometheus.CounterVec
	pollWait prometheus.Histogram
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Claim attempts by kind and outcome (hit or miss).",
		}, []string{"kind", "outcome"}),
		reaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_reaped_total",
			Help:      "Stale claims released back to their pre-claim state.",
		}, []string{"kind"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Completed poll requests by returned trigger type (empty for none).",
		}, []string{"trigger"}),
		pollWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_wait_seconds",
			Help:      "Time a poll request waited before returning.",
			Buckets:   []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120},
		}),
	}
	reg.MustRegister(m.claims, m.reaped, m.polls, m.pollWait)
	return m
}

// Claim records one claim attempt. n is the number of records taken.
func (m *Metrics) Claim(kind string, n int) {
	if m == nil {
		return
	}
	outcome := "hit"
	if n == 0 {
		outcome = "miss"
	}
	m.claims.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) Reaped(kind string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.reaped.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) Poll(trigger string, waited time.Duration) {
	if m == nil {
		return
	}
	if trigger == "" {
		trigger = "empty"
	}
	m.polls.WithLabelValues(trigger).Inc()
	m.pollWait.Observe(waited.Seconds())
}
