// Package prometheus supplies the concrete metrics.Recorder implementations
// registered against pkg/metrics's facade during init, keeping the facade
// free of a direct Prometheus client dependency.
package prometheus

import (
	"github.com/marmos91/dsmd/pkg/dsm"
	"github.com/marmos91/dsmd/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func init() {
	metrics.RegisterDSMRecorderConstructor(newDSMRecorder)
}

// dsmRecorder is the Prometheus implementation of dsm.Recorder.
type dsmRecorder struct {
	faultsResolved    *prometheus.CounterVec
	invalidatesSent   *prometheus.CounterVec
	requestsForwarded *prometheus.CounterVec
	transportErrors   prometheus.Counter
	forwardingHops    prometheus.Histogram
}

func newDSMRecorder() dsm.Recorder {
	reg := metrics.GetRegistry()

	return &dsmRecorder{
		faultsResolved: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsmd_faults_resolved_total",
				Help: "Total number of page faults resolved locally, by access kind and path",
			},
			[]string{"access", "path"}, // access: "read"|"write"; path: "fast"|"slow"
		),
		invalidatesSent: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsmd_invalidates_sent_total",
				Help: "Total number of INVALIDATE requests sent to copyset members, by ack outcome",
			},
			[]string{"acked"},
		),
		requestsForwarded: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsmd_requests_forwarded_total",
				Help: "Total number of requests forwarded to a probable owner, by request kind",
			},
			[]string{"kind"},
		),
		transportErrors: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dsmd_transport_errors_total",
				Help: "Total number of transport-level failures (dial, write, or timeout)",
			},
		),
		forwardingHops: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dsmd_forwarding_hops",
				Help:    "Number of probable-owner hops a request traversed before resolving",
				Buckets: []float64{0, 1, 2, 3, 4, 5, 8},
			},
		),
	}
}

func (m *dsmRecorder) FaultResolved(write bool, fastPath bool) {
	access := "read"
	if write {
		access = "write"
	}
	path := "slow"
	if fastPath {
		path = "fast"
	}
	m.faultsResolved.WithLabelValues(access, path).Inc()
}

func (m *dsmRecorder) InvalidateSent(acked bool) {
	label := "false"
	if acked {
		label = "true"
	}
	m.invalidatesSent.WithLabelValues(label).Inc()
}

func (m *dsmRecorder) RequestForwarded(kind dsm.ReqKind) {
	m.requestsForwarded.WithLabelValues(kind.String()).Inc()
}

func (m *dsmRecorder) TransportError() {
	m.transportErrors.Inc()
}

func (m *dsmRecorder) ForwardingHops(hops int) {
	m.forwardingHops.Observe(float64(hops))
}
