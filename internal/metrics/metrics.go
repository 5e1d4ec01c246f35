package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	Verifications     *prometheus.CounterVec
	IdentityMismatch  prometheus.Counter
	LateResponses     prometheus.Counter
	OracleLatency     *prometheus.HistogramVec
	IntegrityConsumed *prometheus.CounterVec
	Submissions       *prometheus.CounterVec
}

// New registers collectors on reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		Verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "faceexam",
			Name:      "verifications_total",
			Help:      "Face verifications by operation and resulting status.",
		}, []string{"op", "status"}),
		IdentityMismatch: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "faceexam",
			Name:      "identity_mismatch_total",
			Help:      "Attendance responses recognized as a different student than the attempt's.",
		}),
		LateResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "faceexam",
			Name:      "late_responses_total",
			Help:      "Attendance responses captured after the check expired.",
		}),
		OracleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "faceexam",
			Name:      "oracle_request_seconds",
			Help:      "Recognition oracle round trip by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		IntegrityConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "faceexam",
			Name:      "integrity_events_processed_total",
			Help:      "Integrity events handled by the worker.",
		}, []string{"kind", "result"}),
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "faceexam",
			Name:      "exam_submissions_total",
			Help:      "Exam submissions by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.Verifications, m.IdentityMismatch, m.LateResponses,
		m.OracleLatency, m.IntegrityConsumed, m.Submissions)
	return m
}
