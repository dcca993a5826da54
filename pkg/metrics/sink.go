// Package metrics records operational counters for trigger intake, deployment and batches.
package metrics

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations must not block or propagate errors.
type Sink interface {
	// Intake metrics
	OccurrenceDropped(source, reason string)
	TriggerEventRegistered(kind string)
	EnqueueFailed(job string)

	// Deployment metrics
	DeploymentOutcome(operation, outcome string)

	// Batch metrics
	BatchChildFinished(outcome string)

	// Reconciler metrics
	TriggerEventsRequeued(count int)
}

// Drop reasons for OccurrenceDropped. Expected drops (no triggers configured) are kept
// apart from the ones that usually mean a misconfigured sender or a stale address.
const (
	DropWrongDomain      = "wrong_domain"
	DropDocumentNotFound = "document_not_found"
	DropNoTriggers       = "no_triggers"
	DropFiltered         = "filtered"
	DropInvalidPayload   = "invalid_payload"
)

// Occurrence sources.
const (
	SourceEmail       = "email"
	SourceIntegration = "integration"
	SourceSchedule    = "schedule"
)

// Deployment operations and outcomes.
const (
	OperationDeploy   = "deploy"
	OperationUndeploy = "undeploy"

	OutcomeSuccess = "success"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Batch child outcomes.
const (
	ChildCompleted = "completed"
	ChildErrored   = "errored"
	ChildAbandoned = "abandoned"
)
