// Package connector provides the shared runtime pieces every connector
// process carries: a prometheus metrics set labelled by connector identity
// and the heartbeat loop that reports liveness and counters to the
// Switchboard.
package connector

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the per-connector instrument set. All series carry
// {connector_type, endpoint_identity} so one process can host several
// connector identities without mixing counters.
type Metrics struct {
	connectorType    string
	endpointIdentity string

	ingestSubmissions *prometheus.CounterVec
	ingestLatency     *prometheus.HistogramVec
	sourceAPICalls    *prometheus.CounterVec
	checkpointSaves   *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
}

// Metric names shared with the heartbeat collector.
const (
	metricIngestSubmissions = "connector_ingest_submissions_total"
	metricIngestLatency     = "connector_ingest_latency_seconds"
	metricSourceAPICalls    = "connector_source_api_calls_total"
	metricCheckpointSaves   = "connector_checkpoint_saves_total"
	metricErrorsTotal       = "connector_errors_total"
)

// Ingest submission statuses.
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusDuplicate = "duplicate"
)

// NewMetrics registers the connector instrument set on reg.
func NewMetrics(reg prometheus.Registerer, connectorType, endpointIdentity string) *Metrics {
	m := &Metrics{
		connectorType:    connectorType,
		endpointIdentity: endpointIdentity,
		ingestSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricIngestSubmissions,
			Help: "Ingest envelope submissions by status.",
		}, []string{"connector_type", "endpoint_identity", "status"}),
		ingestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metricIngestLatency,
			Help:    "Latency of ingest submissions to the Switchboard.",
			Buckets: prometheus.DefBuckets,
		}, []string{"connector_type", "endpoint_identity"}),
		sourceAPICalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricSourceAPICalls,
			Help: "Calls made to the connector's source provider API.",
		}, []string{"connector_type", "endpoint_identity", "api_method", "status"}),
		checkpointSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricCheckpointSaves,
			Help: "Checkpoint cursor saves by status.",
		}, []string{"connector_type", "endpoint_identity", "status"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricErrorsTotal,
			Help: "Connector errors by type and operation.",
		}, []string{"connector_type", "endpoint_identity", "error_type", "operation"}),
	}
	if reg != nil {
		// A second identity on the same registry reuses the collectors
		// already registered there; its series differ by label values.
		register := func(c prometheus.Collector) prometheus.Collector {
			if err := reg.Register(c); err != nil {
				if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
					return are.ExistingCollector
				}
				panic(err)
			}
			return c
		}
		m.ingestSubmissions = register(m.ingestSubmissions).(*prometheus.CounterVec)
		m.ingestLatency = register(m.ingestLatency).(*prometheus.HistogramVec)
		m.sourceAPICalls = register(m.sourceAPICalls).(*prometheus.CounterVec)
		m.checkpointSaves = register(m.checkpointSaves).(*prometheus.CounterVec)
		m.errorsTotal = register(m.errorsTotal).(*prometheus.CounterVec)
	}
	return m
}

// TrackIngestSubmission runs op, then records its latency and status
// counter — always, even when op fails. op returns the submission status
// (success/error/duplicate).
func (m *Metrics) TrackIngestSubmission(op func() (string, error)) error {
	started := time.Now()
	status, err := op()
	elapsed := time.Since(started).Seconds()

	if status == "" {
		if err != nil {
			status = StatusError
		} else {
			status = StatusSuccess
		}
	}
	m.ingestLatency.WithLabelValues(m.connectorType, m.endpointIdentity).Observe(elapsed)
	m.ingestSubmissions.WithLabelValues(m.connectorType, m.endpointIdentity, status).Inc()
	return err
}

// RecordSourceAPICall counts one provider API call.
func (m *Metrics) RecordSourceAPICall(apiMethod, status string) {
	m.sourceAPICalls.WithLabelValues(m.connectorType, m.endpointIdentity, apiMethod, status).Inc()
}

// RecordCheckpointSave counts one checkpoint save.
func (m *Metrics) RecordCheckpointSave(status string) {
	m.checkpointSaves.WithLabelValues(m.connectorType, m.endpointIdentity, status).Inc()
}

// RecordError counts one error by type and operation.
func (m *Metrics) RecordError(errorType, operation string) {
	m.errorsTotal.WithLabelValues(m.connectorType, m.endpointIdentity, errorType, operation).Inc()
}
