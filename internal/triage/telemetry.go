package triage

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Telemetry holds the low-cardinality thread-affinity counters. Butler
// names and miss reasons are the only labels; raw thread ids never appear.
type Telemetry struct {
	hits   *prometheus.CounterVec
	misses *prometheus.CounterVec
	stale  prometheus.Counter
}

// NewTelemetry registers the triage counters on the given registerer.
func NewTelemetry(reg prometheus.Registerer) *Telemetry {
	t := &Telemetry{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_thread_affinity_hits_total",
			Help: "Thread-affinity lookups that resolved a routing target.",
		}, []string{"butler"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_thread_affinity_misses_total",
			Help: "Thread-affinity lookups that fell through to LLM classification.",
		}, []string{"reason"}),
		stale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_thread_affinity_stale_total",
			Help: "Thread-affinity misses where history exists outside the TTL window.",
		}),
	}
	if reg != nil {
		reg.MustRegister(t.hits, t.misses, t.stale)
	}
	return t
}

// RecordHit counts a resolved lookup for a butler.
func (t *Telemetry) RecordHit(butler string) {
	if t == nil {
		return
	}
	if butler == "" {
		butler = "unknown"
	}
	t.hits.WithLabelValues(butler).Inc()
}

// RecordMiss counts a miss with its low-cardinality reason.
func (t *Telemetry) RecordMiss(reason string) {
	if t == nil {
		return
	}
	t.misses.WithLabelValues(reason).Inc()
}

// RecordStale counts a stale-history miss.
func (t *Telemetry) RecordStale() {
	if t == nil {
		return
	}
	t.stale.Inc()
	t.misses.WithLabelValues("stale").Inc()
}
