// Package metrics holds the limiter's in-process counters and mirrors them
// into Prometheus collectors.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is safe for concurrent use. The atomic counters back Snapshot;
// the collectors back /metrics.
type Metrics struct {
	hits         atomic.Int64
	blocksActive atomic.Int64
	abuseEvents  atomic.Int64

	hitsTotal   prometheus.Counter
	blocksGauge prometheus.Gauge
	abuseTotal  prometheus.Counter
	decisions   *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
// A nil reg leaves them unregistered (tests).
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		hitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "auth_rate_limit_hits_total",
			Help: "Auth requests rejected because a rate limit or block applied.",
		}),
		blocksGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "auth_blocks_active",
			Help: "Auth blocks set and not yet cleared by a successful login.",
		}),
		abuseTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "auth_abuse_events_total",
			Help: "Auth requests whose abuse risk score reached the threshold.",
		}),
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bastion",
			Subsystem: "policy",
			Name:      "decisions_total",
			Help:      "Global policy engine decisions by scope and outcome.",
		}, []string{"scope", "outcome"}),
	}
}

// IncRateLimitHits counts one rejected auth request.
func (m *Metrics) IncRateLimitHits() {
	m.hits.Add(1)
	m.hitsTotal.Inc()
}

// IncBlocksActive counts one new auth block.
func (m *Metrics) IncBlocksActive() {
	m.blocksActive.Add(1)
	m.blocksGauge.Inc()
}

// DecBlocksActive counts one cleared auth block. The gauge never goes below 0.
func (m *Metrics) DecBlocksActive() {
	for {
		cur := m.blocksActive.Load()
		if cur <= 0 {
			return
		}
		if m.blocksActive.CompareAndSwap(cur, cur-1) {
			m.blocksGauge.Dec()
			return
		}
	}
}

// IncAbuseEvents counts one abuse detection above the risk threshold.
func (m *Metrics) IncAbuseEvents() {
	m.abuseEvents.Add(1)
	m.abuseTotal.Inc()
}

// ObserveDecision counts one engine decision. Satisfies ratelimit.DecisionObserver.
func (m *Metrics) ObserveDecision(scope, outcome string) {
	m.decisions.WithLabelValues(scope, outcome).Inc()
}

// Snapshot is the JSON view served by the admin API.
type Snapshot struct {
	AuthRateLimitHitsTotal int64     `json:"auth_rate_limit_hits_total"`
	AuthBlocksActive       int64     `json:"auth_blocks_active"`
	AuthAbuseEventsTotal   int64     `json:"auth_abuse_events_total"`
	Timestamp              time.Time `json:"timestamp"`
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		AuthRateLimitHitsTotal: m.hits.Load(),
		AuthBlocksActive:       m.blocksActive.Load(),
		AuthAbuseEventsTotal:   m.abuseEvents.Load(),
		Timestamp:              time.Now().UTC(),
	}
}
