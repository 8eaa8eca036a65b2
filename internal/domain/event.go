package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventAgentRegistered   EventType = "agent.registered"
	EventAgentStatusChange EventType = "agent.status_change"
	EventAgentError        EventType = "agent.error"
	EventAgentRestarted    EventType = "agent.restarted"

	EventRoutingError EventType = "routing.error"
	EventHealthAlert  EventType = "health.alert"
	EventTelemetry    EventType = "telemetry.report"

	EventRouteProposal EventType = "route.proposal"
	EventErrorReport   EventType = "error.report"
	EventSecurityAlert EventType = "security.alert"

	EventConsensusCompleted EventType = "consensus.completed"
	EventConsensusFailed    EventType = "consensus.failed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	AgentID   string          `json:"agent_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// AgentObserver receives the outbound signals of a single agent. The owner
// that attaches an observer detaches it by setting nil; callbacks must not block.
type AgentObserver interface {
	// OnMessage is called for every message the agent emits.
	OnMessage(ctx context.Context, msg AgentMessage)
	// OnStatusChange is called after the agent's status transitions.
	OnStatusChange(agentID string, from, to AgentStatus)
	// OnError is called after the agent analysed a failure.
	OnError(agentID string, err error, analysis ErrorAnalysis)
}

// SignalKind distinguishes the agent signals relayed to security agents.
type SignalKind string

const (
	SignalStatusChange SignalKind = "status_change"
	SignalError        SignalKind = "error"
)

// AgentSignal is the payload of a SECURITY_EVENT relayed by the coordinator
// when another agent changes status or reports an error.
type AgentSignal struct {
	AgentID  string      `json:"agent_id"`
	Kind     SignalKind  `json:"kind"`
	From     AgentStatus `json:"from,omitempty"`
	To       AgentStatus `json:"to,omitempty"`
	Error    string      `json:"error,omitempty"`
	Severity Severity    `json:"severity,omitempty"`
	Category string      `json:"category,omitempty"`
	Time     time.Time   `json:"time"`
}
