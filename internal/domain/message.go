package domain

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// MessageType identifies the purpose of an agent message.
type MessageType string

const (
	MessageMarketData        MessageType = "MARKET_DATA"
	MessageRouteProposal     MessageType = "ROUTE_PROPOSAL"
	MessageRiskAssessment    MessageType = "RISK_ASSESSMENT"
	MessageAnalysisRequest   MessageType = "ANALYSIS_REQUEST"
	MessageExecutionRequest  MessageType = "EXECUTION_REQUEST"
	MessageExecutionResult   MessageType = "EXECUTION_RESULT"
	MessageConsensusRequest  MessageType = "CONSENSUS_REQUEST"
	MessageConsensusResponse MessageType = "CONSENSUS_RESPONSE"
	MessageErrorReport       MessageType = "ERROR_REPORT"
	MessageSecurityEvent     MessageType = "SECURITY_EVENT"
	MessagePerformanceReport MessageType = "PERFORMANCE_REPORT"
	MessageHealthCheck       MessageType = "HEALTH_CHECK"
)

// RequiredCapability returns the capability a direct recipient of t must
// hold, or "" when any agent may receive it.
func (t MessageType) RequiredCapability() Capability {
	switch t {
	case MessageAnalysisRequest:
		return CapabilityAnalyzeMarket
	case MessageExecutionRequest:
		return CapabilityExecuteTransaction
	}
	return ""
}

// MessagePriority orders queued messages. Higher values are processed first.
type MessagePriority int

const (
	PriorityLow MessagePriority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p MessagePriority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	}
	return "UNKNOWN"
}

// AgentMessage is the envelope exchanged between agents and the coordinator.
// It is passed by value; only a router rewrites To when it falls back.
type AgentMessage struct {
	ID            string          `json:"id"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Type          MessageType     `json:"type"`
	Payload       any             `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Priority      MessagePriority `json:"priority"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	// TargetType hints which agent type the sender expects at To. Fallback
	// uses it when To is not registered.
	TargetType AgentType `json:"target_type,omitempty"`
}

// NewMessage builds a message with a fresh id and timestamp.
func NewMessage(from, to string, typ MessageType, payload any, priority MessagePriority) AgentMessage {
	return AgentMessage{
		ID:        NewID(),
		From:      from,
		To:        to,
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now(),
		Priority:  priority,
	}
}

// NewID returns a new monotonic ULID string. Ids are never reused.
func NewID() string {
	return ulid.Make().String()
}
