package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	settlementOnce sync.Once
	settlementReg  *SettlementMetrics

	rateOnce sync.Once
	rateReg  *RateMetrics
)

// SettlementMetrics wraps collectors tracking settlement lifecycle health.
type SettlementMetrics struct {
	transitions *prometheus.CounterVec
	webhooks    *prometheus.CounterVec
	polls       *prometheus.CounterVec
	review      *prometheus.CounterVec
	latency     *prometheus.HistogramVec
}

// Settlement returns the lazily-initialised settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementReg = &SettlementMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablerail",
				Subsystem: "settlement",
				Name:      "transitions_total",
				Help:      "Applied ledger transitions segmented by direction and resulting status.",
			}, []string{"direction", "status"}),
			webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablerail",
				Subsystem: "settlement",
				Name:      "webhooks_total",
				Help:      "Inbound webhook deliveries segmented by rail and outcome.",
			}, []string{"rail", "outcome"}),
			polls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablerail",
				Subsystem: "settlement",
				Name:      "polls_total",
				Help:      "Polling reconciler sweeps segmented by direction and outcome.",
			}, []string{"direction", "outcome"}),
			review: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablerail",
				Subsystem: "settlement",
				Name:      "manual_review_total",
				Help:      "Transactions flagged for manual review segmented by failure code.",
			}, []string{"code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "stablerail",
				Subsystem: "settlement",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for settlement engine operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
		}
		prometheus.MustRegister(
			settlementReg.transitions,
			settlementReg.webhooks,
			settlementReg.polls,
			settlementReg.review,
			settlementReg.latency,
		)
	})
	return settlementReg
}

// RecordTransition counts one applied status transition.
func (m *SettlementMetrics) RecordTransition(direction, status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(direction, status).Inc()
}

// RecordWebhook counts one inbound webhook delivery. Outcomes should be stable
// strings such as "applied", "replay", "unknown", or "rejected".
func (m *SettlementMetrics) RecordWebhook(rail, outcome string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(rail, outcome).Inc()
}

// RecordPoll counts one polling reconciler attempt for a stuck row.
func (m *SettlementMetrics) RecordPoll(direction, outcome string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(direction, outcome).Inc()
}

// RecordManualReview counts a transaction parked for operator remediation.
func (m *SettlementMetrics) RecordManualReview(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unspecified"
	}
	m.review.WithLabelValues(code).Inc()
}

// ObserveOperation records the latency of a settlement engine operation.
func (m *SettlementMetrics) ObserveOperation(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(operation).Observe(d.Seconds())
}

// RateMetrics wraps collectors tracking rate engine behaviour.
type RateMetrics struct {
	quotes   *prometheus.CounterVec
	cacheAge prometheus.Gauge
}

// Rates returns the lazily-initialised rate metrics registry.
func Rates() *RateMetrics {
	rateOnce.Do(func() {
		rateReg = &RateMetrics{
			quotes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablerail",
				Subsystem: "rates",
				Name:      "quotes_total",
				Help:      "Quotes produced segmented by rate source and success.",
			}, []string{"source", "ok"}),
			cacheAge: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stablerail",
				Subsystem: "rates",
				Name:      "cache_age_seconds",
				Help:      "Age of the cached upstream rate at last use.",
			}),
		}
		prometheus.MustRegister(rateReg.quotes, rateReg.cacheAge)
	})
	return rateReg
}

// RecordQuote counts one quote attempt against the source that served it.
func (m *RateMetrics) RecordQuote(source string, ok bool) {
	if m == nil {
		return
	}
	if source == "" {
		source = "none"
	}
	m.quotes.WithLabelValues(source, strconv.FormatBool(ok)).Inc()
}

// SetCacheAge publishes the age of the cached rate.
func (m *RateMetrics) SetCacheAge(age time.Duration) {
	if m == nil {
		return
	}
	if age < 0 {
		age = 0
	}
	m.cacheAge.Set(age.Seconds())
}
