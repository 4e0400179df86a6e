package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Post outcomes counted in forumspy_posts_total.
const (
	OutcomeSent     = "sent"
	OutcomeSeen     = "seen"
	OutcomeSkipped  = "skipped"
	OutcomeExcluded = "excluded"
	OutcomePrimed   = "primed"
	OutcomeFailed   = "failed"
)

// Metrics holds the relay's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	cycles        *prometheus.CounterVec
	posts         *prometheus.CounterVec
	tracked       prometheus.Gauge
	cycleDuration prometheus.Histogram
}

// NewMetrics registers the relay collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		cycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forumspy_cycles_total",
				Help: "Polling cycles by result",
			},
			[]string{"result"},
		),
		posts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forumspy_posts_total",
				Help: "Posts seen in the spy listing by outcome",
			},
			[]string{"outcome"},
		),
		tracked: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "forumspy_tracked_ids",
				Help: "Delivered post ids currently retained",
			},
		),
		cycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "forumspy_cycle_duration_seconds",
				Help:    "Polling cycle duration in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),
	}
}

func (m *Metrics) cycle(result string, seconds float64) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(result).Inc()
	m.cycleDuration.Observe(seconds)
}

func (m *Metrics) post(outcome string) {
	if m == nil {
		return
	}
	m.posts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) setTracked(n int) {
	if m == nil {
		return
	}
	m.tracked.Set(float64(n))
}
