package metrics

// NoopSink discards every metric.
type NoopSink struct{}

func (NoopSink) OccurrenceDropped(string, string) {}
func (NoopSink) TriggerEventRegistered(string)    {}
func (NoopSink) EnqueueFailed(string)             {}
func (NoopSink) DeploymentOutcome(string, string) {}
func (NoopSink) BatchChildFinished(string)        {}
func (NoopSink) TriggerEventsRequeued(int)        {}

var _ Sink = NoopSink{}
