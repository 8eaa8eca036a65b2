package domain

import (
	"strings"
	"time"
)

// CoordinatorID is the reserved recipient for messages addressed to the coordinator itself.
const CoordinatorID = "coordinator"

// BroadcastID is the reserved recipient for fan-out messages.
const BroadcastID = "broadcast"

// AgentType names the specialisation of an agent.
type AgentType string

const (
	AgentTypeRouteDiscovery     AgentType = "route_discovery"
	AgentTypeRiskAssessment     AgentType = "risk_assessment"
	AgentTypeMarketIntelligence AgentType = "market_intelligence"
	AgentTypeExecutionStrategy  AgentType = "execution_strategy"
	AgentTypeSecurity           AgentType = "security"
	AgentTypePerformanceMonitor AgentType = "performance_monitor"
)

// AgentTypes lists every known agent type.
var AgentTypes = []AgentType{
	AgentTypeRouteDiscovery,
	AgentTypeRiskAssessment,
	AgentTypeMarketIntelligence,
	AgentTypeExecutionStrategy,
	AgentTypeSecurity,
	AgentTypePerformanceMonitor,
}

// ParseAgentType resolves s (case-insensitive, "-" or "_" separated) to a known type.
func ParseAgentType(s string) (AgentType, bool) {
	norm := AgentType(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	for _, t := range AgentTypes {
		if t == norm {
			return t, true
		}
	}
	return "", false
}

// InferAgentType guesses the type of an agent from its id, e.g.
// "risk-assessment-2" resolves to AgentTypeRiskAssessment.
func InferAgentType(agentID string) (AgentType, bool) {
	norm := strings.ReplaceAll(strings.ToLower(agentID), "-", "_")
	for _, t := range AgentTypes {
		if strings.Contains(norm, string(t)) {
			return t, true
		}
	}
	return "", false
}

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	StatusInitializing AgentStatus = "INITIALIZING"
	StatusActive       AgentStatus = "ACTIVE"
	StatusBusy         AgentStatus = "BUSY"
	StatusError        AgentStatus = "ERROR"
	StatusOffline      AgentStatus = "OFFLINE"
)

// AgentRole is the role an agent plays inside the registry.
type AgentRole string

const (
	RolePrimary     AgentRole = "PRIMARY"
	RoleBackup      AgentRole = "BACKUP"
	RoleSpecialized AgentRole = "SPECIALIZED"
	RoleMonitor     AgentRole = "MONITOR"
)

// Capability is a single declared agent capability.
type Capability string

const (
	CapabilityAnalyzeMarket      Capability = "analyze_market"
	CapabilityDiscoverRoutes     Capability = "discover_routes"
	CapabilityAssessRisk         Capability = "assess_risk"
	CapabilityExecuteTransaction Capability = "execute_transactions"
	CapabilityMonitorPerformance Capability = "monitor_performance"
)

// AgentCapabilities are the typed capability flags of an agent, computed once
// at construction.
type AgentCapabilities struct {
	CanAnalyzeMarket       bool     `json:"can_analyze_market"`
	CanDiscoverRoutes      bool     `json:"can_discover_routes"`
	CanAssessRisk          bool     `json:"can_assess_risk"`
	CanExecuteTransactions bool     `json:"can_execute_transactions"`
	CanMonitorPerformance  bool     `json:"can_monitor_performance"`
	SupportedNetworks      []string `json:"supported_networks,omitempty"`
	SupportedProtocols     []string `json:"supported_protocols,omitempty"`
}

// NewCapabilities builds the flag set from declared capabilities.
func NewCapabilities(caps []Capability, networks, protocols []string) AgentCapabilities {
	c := AgentCapabilities{
		SupportedNetworks:  append([]string(nil), networks...),
		SupportedProtocols: append([]string(nil), protocols...),
	}
	for _, cp := range caps {
		switch cp {
		case CapabilityAnalyzeMarket:
			c.CanAnalyzeMarket = true
		case CapabilityDiscoverRoutes:
			c.CanDiscoverRoutes = true
		case CapabilityAssessRisk:
			c.CanAssessRisk = true
		case CapabilityExecuteTransaction:
			c.CanExecuteTransactions = true
		case CapabilityMonitorPerformance:
			c.CanMonitorPerformance = true
		}
	}
	return c
}

// Has reports whether the flag for cp is set.
func (c AgentCapabilities) Has(cp Capability) bool {
	switch cp {
	case CapabilityAnalyzeMarket:
		return c.CanAnalyzeMarket
	case CapabilityDiscoverRoutes:
		return c.CanDiscoverRoutes
	case CapabilityAssessRisk:
		return c.CanAssessRisk
	case CapabilityExecuteTransaction:
		return c.CanExecuteTransactions
	case CapabilityMonitorPerformance:
		return c.CanMonitorPerformance
	}
	return false
}

// List returns the set flags as capabilities in a stable order.
func (c AgentCapabilities) List() []Capability {
	var out []Capability
	for _, cp := range []Capability{
		CapabilityAnalyzeMarket,
		CapabilityDiscoverRoutes,
		CapabilityAssessRisk,
		CapabilityExecuteTransaction,
		CapabilityMonitorPerformance,
	} {
		if c.Has(cp) {
			out = append(out, cp)
		}
	}
	return out
}

// ExpectedCapabilities returns the capability every agent of type t must declare.
func ExpectedCapabilities(t AgentType) []Capability {
	switch t {
	case AgentTypeRouteDiscovery:
		return []Capability{CapabilityDiscoverRoutes}
	case AgentTypeRiskAssessment, AgentTypeSecurity:
		return []Capability{CapabilityAssessRisk}
	case AgentTypeMarketIntelligence:
		return []Capability{CapabilityAnalyzeMarket}
	case AgentTypeExecutionStrategy:
		return []Capability{CapabilityExecuteTransaction}
	case AgentTypePerformanceMonitor:
		return []Capability{CapabilityMonitorPerformance}
	}
	return nil
}

// DefaultCapabilities is what an agent of type t declares when its config
// names none. Route discovery and execution agents also read quotes and gas
// prices, so they analyse the market and take part in consensus rounds.
func DefaultCapabilities(t AgentType) []Capability {
	caps := ExpectedCapabilities(t)
	switch t {
	case AgentTypeRouteDiscovery, AgentTypeExecutionStrategy:
		caps = append(caps, CapabilityAnalyzeMarket)
	}
	return caps
}

// Severity grades an analysed error.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ErrorAnalysis is the outcome of classifying an agent failure.
type ErrorAnalysis struct {
	Severity        Severity  `json:"severity"`
	Category        string    `json:"category"`
	Code            ErrorCode `json:"code"`
	Recommendations []string  `json:"recommendations,omitempty"`
	AutoRecoverable bool      `json:"auto_recoverable"`
}

// ErrorRecord is one entry of an agent's error history.
type ErrorRecord struct {
	Time     time.Time `json:"time"`
	Message  string    `json:"message"`
	Severity Severity  `json:"severity"`
	Category string    `json:"category"`
}

// AgentMetrics is a copy of an agent's counters.
type AgentMetrics struct {
	TasksCompleted      int64         `json:"tasks_completed"`
	TasksFailed         int64         `json:"tasks_failed"`
	TasksInProgress     int           `json:"tasks_in_progress"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	SuccessRate         float64       `json:"success_rate"`
	LastActivity        time.Time     `json:"last_activity"`
	Errors              []ErrorRecord `json:"errors,omitempty"`
}

// HealthReport is the detailed result of an agent health check.
type HealthReport struct {
	AgentID     string         `json:"agent_id"`
	Healthy     bool           `json:"healthy"`
	Status      AgentStatus    `json:"status"`
	BreakerOpen bool           `json:"breaker_open"`
	Issues      []string       `json:"issues,omitempty"`
	Metrics     map[string]any `json:"metrics,omitempty"`
	CheckedAt   time.Time      `json:"checked_at"`
}

// Task is a unit of work submitted to an agent outside the message queue.
type Task struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Payload  any             `json:"payload,omitempty"`
	Priority MessagePriority `json:"priority"`
}
