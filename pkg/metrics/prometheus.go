package metrics

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using the Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	logger *slog.Logger

	// Intake metrics
	occurrencesDroppedTotal *prometheus.CounterVec
	eventsRegisteredTotal   *prometheus.CounterVec
	enqueueFailuresTotal    *prometheus.CounterVec

	// Deployment metrics
	deploymentsTotal *prometheus.CounterVec

	// Batch metrics
	batchChildrenTotal *prometheus.CounterVec

	// Reconciler metrics
	requeuedTotal prometheus.Counter
}

func NewPrometheusSink(reg prometheus.Registerer, logger *slog.Logger) *PrometheusSink {
	s := &PrometheusSink{logger: logger.With("module", "metrics")}
	s.initIntakeMetrics(reg)
	s.initDeploymentMetrics(reg)
	s.initBatchMetrics(reg)

	return s
}

func (s *PrometheusSink) initIntakeMetrics(reg prometheus.Registerer) {
	s.occurrencesDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "prompthook_intake_occurrences_dropped_total",
		Help: "External occurrences dropped before an event was recorded.",
	}, []string{"source", "reason"})

	s.eventsRegisteredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "prompthook_intake_trigger_events_registered_total",
		Help: "Trigger events committed to the store.",
	}, []string{"trigger_kind"})

	s.enqueueFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "prompthook_intake_enqueue_failures_total",
		Help: "Jobs that could not be enqueued after their records were committed.",
	}, []string{"job"})

	s.register(reg, s.occurrencesDroppedTotal, "prompthook_intake_occurrences_dropped_total")
	s.register(reg, s.eventsRegisteredTotal, "prompthook_intake_trigger_events_registered_total")
	s.register(reg, s.enqueueFailuresTotal, "prompthook_intake_enqueue_failures_total")
}

func (s *PrometheusSink) initDeploymentMetrics(reg prometheus.Registerer) {
	s.deploymentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "prompthook_trigger_deployments_total",
		Help: "Deploy and undeploy calls by outcome.",
	}, []string{"operation", "outcome"})

	s.register(reg, s.deploymentsTotal, "prompthook_trigger_deployments_total")
}

func (s *PrometheusSink) initBatchMetrics(reg prometheus.Registerer) {
	s.batchChildrenTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "prompthook_batch_children_total",
		Help: "Batch child jobs by final outcome.",
	}, []string{"outcome"})

	s.requeuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "prompthook_reconciler_trigger_events_requeued_total",
		Help: "Unexecuted trigger events enqueued again by the reconciler.",
	})

	s.register(reg, s.batchChildrenTotal, "prompthook_batch_children_total")
	s.register(reg, s.requeuedTotal, "prompthook_reconciler_trigger_events_requeued_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.logger.Warn("Failed to register metric", "metric", name, "error", err)
	}
}

func (s *PrometheusSink) OccurrenceDropped(source, reason string) {
	s.occurrencesDroppedTotal.WithLabelValues(source, reason).Inc()
}

func (s *PrometheusSink) TriggerEventRegistered(kind string) {
	s.eventsRegisteredTotal.WithLabelValues(kind).Inc()
}

func (s *PrometheusSink) EnqueueFailed(job string) {
	s.enqueueFailuresTotal.WithLabelValues(job).Inc()
}

func (s *PrometheusSink) DeploymentOutcome(operation, outcome string) {
	s.deploymentsTotal.WithLabelValues(operation, outcome).Inc()
}

func (s *PrometheusSink) BatchChildFinished(outcome string) {
	s.batchChildrenTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) TriggerEventsRequeued(count int) {
	s.requeuedTotal.Add(float64(count))
}

var _ Sink = (*PrometheusSink)(nil)
