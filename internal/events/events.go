// Package events defines the domain event vocabulary published on the bus.
package events

import (
	"context"

	"github.com/orbitmesh/orbitmesh/internal/events/bus"
)

// Event subjects. Subjects are dot-separated so subscribers can use
// wildcard patterns like "job.*" or "workflow.>".
const (
	SubjectAgentConnected    = "agent.connected"
	SubjectAgentReady        = "agent.ready"
	SubjectAgentPaused       = "agent.paused"
	SubjectAgentResumed      = "agent.resumed"
	SubjectAgentStopping     = "agent.stopping"
	SubjectAgentStopped      = "agent.stopped"
	SubjectAgentDisconnected = "agent.disconnected"
	SubjectAgentRemoved      = "agent.removed"
	SubjectAgentHeartbeat    = "agent.heartbeat"
	SubjectAgentCapabilities = "agent.capabilities_updated"

	SubjectJobSubmitted    = "job.submitted"
	SubjectJobAssigned     = "job.assigned"
	SubjectJobAcknowledged = "job.acknowledged"
	SubjectJobStarted      = "job.started"
	SubjectJobProgress     = "job.progress"
	SubjectJobCompleted    = "job.completed"
	SubjectJobFailed       = "job.failed"
	SubjectJobRetried      = "job.retried"
	SubjectJobTimedOut     = "job.timed_out"
	SubjectJobCancelled    = "job.cancelled"

	SubjectInstanceStarted   = "workflow.instance.started"
	SubjectInstancePaused    = "workflow.instance.paused"
	SubjectInstanceResumed   = "workflow.instance.resumed"
	SubjectInstanceCompleted = "workflow.instance.completed"
	SubjectInstanceFailed    = "workflow.instance.failed"
	SubjectInstanceCancelled = "workflow.instance.cancelled"
	SubjectStepStarted       = "workflow.step.started"
	SubjectStepCompleted     = "workflow.step.completed"
	SubjectStepFailed        = "workflow.step.failed"
	SubjectStepSkipped       = "workflow.step.skipped"

	SubjectSignal        = "workflow.signal"
	SubjectProtocolError = "session.protocol_error"
)

// Publisher publishes domain events from a fixed source component.
type Publisher struct {
	bus    bus.EventBus
	source string
}

// NewPublisher creates a Publisher tagged with the given source.
func NewPublisher(b bus.EventBus, source string) *Publisher {
	return &Publisher{bus: b, source: source}
}

// Publish emits an event on the given subject. The subject doubles as the
// event type.
func (p *Publisher) Publish(ctx context.Context, subject string, data map[string]interface{}) error {
	return p.bus.Publish(ctx, subject, bus.NewEvent(subject, p.source, data))
}

// JobFailedData builds the JobFailed payload; it always carries enough
// detail to reconstruct the failure.
func JobFailedData(jobID, agentID, errMsg, errCode string, retryCount int, willRetry bool) map[string]interface{} {
	return map[string]interface{}{
		"job_id":      jobID,
		"agent_id":    agentID,
		"error":       errMsg,
		"error_code":  errCode,
		"retry_count": retryCount,
		"will_retry":  willRetry,
	}
}
