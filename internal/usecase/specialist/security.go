package specialist

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"swapmesh/internal/domain"
	"swapmesh/internal/usecase/agent"
)

// CategorySecurityThreat marks errors that look like an attack rather than
// a fault.
const CategorySecurityThreat = "security_threat"

// Security monitor defaults.
const (
	DefaultAlertWindow    = 5 * time.Minute
	DefaultAlertThreshold = 3
	maxAlertHistory       = 100
)

var threatKeywords = []string{"reentrancy", "exploit", "phishing", "signature", "unauthorized"}

// ThreatRules flags routes that touch blocked venues or move the price too far.
type ThreatRules struct {
	BlockedBridges   []string `yaml:"blocked_bridges"`
	BlockedProtocols []string `yaml:"blocked_protocols"`
	MaxPriceImpact   float64  `yaml:"max_price_impact"`
}

// Inspect returns one finding per rule the route breaks.
func (t ThreatRules) Inspect(r domain.Route) []string {
	var findings []string
	for _, b := range r.Bridges {
		if containsFold(t.BlockedBridges, b) {
			findings = append(findings, "blocked bridge "+b)
		}
	}
	for _, p := range r.Protocols {
		if containsFold(t.BlockedProtocols, p) {
			findings = append(findings, "blocked protocol "+p)
		}
	}
	if t.MaxPriceImpact > 0 && r.PriceImpact > t.MaxPriceImpact {
		findings = append(findings, fmt.Sprintf("price impact %.2f%% above %.2f%%", r.PriceImpact, t.MaxPriceImpact))
	}
	return findings
}

func containsFold(list []string, s string) bool {
	return slices.ContainsFunc(list, func(v string) bool { return strings.EqualFold(v, s) })
}

// SecurityMonitor correlates failures reported by other agents and screens
// proposed routes. Repeated failures of one agent inside the alert window,
// or a single critical one, raise a SecurityAlert to the coordinator.
type SecurityMonitor struct {
	*agent.Base
	rules     ThreatRules
	window    time.Duration
	threshold int
	now       func() time.Time

	mu        sync.Mutex
	signals   map[string][]time.Time
	lastAlert map[string]time.Time
	alerts    []domain.SecurityAlert
}

// SecurityOption configures a SecurityMonitor.
type SecurityOption func(*SecurityMonitor)

// WithAlertWindow sets the correlation window and failure threshold.
func WithAlertWindow(window time.Duration, threshold int) SecurityOption {
	return func(a *SecurityMonitor) {
		if window > 0 {
			a.window = window
		}
		if threshold > 0 {
			a.threshold = threshold
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) SecurityOption {
	return func(a *SecurityMonitor) { a.now = now }
}

// NewSecurityMonitor creates a security agent enforcing rules.
func NewSecurityMonitor(cfg agent.Config, rules ThreatRules, logger *slog.Logger, opts ...SecurityOption) *SecurityMonitor {
	a := &SecurityMonitor{
		rules:     rules,
		window:    DefaultAlertWindow,
		threshold: DefaultAlertThreshold,
		now:       time.Now,
		signals:   make(map[string][]time.Time),
		lastAlert: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.Base = agent.NewBase(prepare(cfg, domain.AgentTypeSecurity), securityBehavior{a}, logger)
	return a
}

// securityBehavior adds threat classification to the agent's error analysis.
type securityBehavior struct{ *SecurityMonitor }

func (securityBehavior) AnalyzeError(err error, base domain.ErrorAnalysis) (domain.ErrorAnalysis, bool) {
	if !containsAnyFold(err.Error(), threatKeywords) {
		return base, false
	}
	return domain.ErrorAnalysis{
		Severity:        domain.SeverityHigh,
		Category:        CategorySecurityThreat,
		Code:            domain.CodeSecurity,
		Recommendations: []string{"quarantine the affected route", "review recent signatures"},
		AutoRecoverable: false,
	}, true
}

func containsAnyFold(s string, subs []string) bool {
	s = strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func (a *SecurityMonitor) Initialize(context.Context) error { return nil }

func (a *SecurityMonitor) ProcessMessage(ctx context.Context, msg domain.AgentMessage) error {
	switch msg.Type {
	case domain.MessageSecurityEvent:
		if sig, ok := payloadAs[domain.AgentSignal](msg); ok {
			return a.observe(ctx, sig)
		}
		if alert, ok := payloadAs[domain.SecurityAlert](msg); ok {
			a.Logger().Info("peer security alert", "from", msg.From, "agent_id", alert.AgentID, "route_id", alert.RouteID, "reason", alert.Reason)
		}
	case domain.MessageErrorReport:
		a.Logger().Info("error report received", "from", msg.From)
	case domain.MessageRouteProposal:
		route, ok := payloadAs[domain.Route](msg)
		if !ok {
			return domain.NewSubSystemError("agent", "SecurityMonitor.ProcessMessage", domain.ErrInvalidInput,
				fmt.Sprintf("route proposal payload %T", msg.Payload))
		}
		if findings := a.rules.Inspect(route); len(findings) > 0 {
			return a.raise(ctx, "route:"+route.ID, domain.SecurityAlert{
				RouteID:  route.ID,
				Severity: domain.SeverityHigh,
				Reason:   strings.Join(findings, "; "),
			})
		}
	case domain.MessageConsensusRequest:
		req, _ := payloadAs[domain.ConsensusRequest](msg)
		return answerConsensus(ctx, a.Base, msg, func(r domain.Route) domain.ScoreBreakdown {
			s := DefaultScorer{}.Score(r, req.EffectiveCriteria())
			if findings := a.rules.Inspect(r); len(findings) > 0 {
				s.Security = 0
				s.Reliability = clamp(s.Reliability-25*float64(len(findings)), 0, 100)
			}
			s.Overall = 0
			return s
		}, "no threat rule violations")
	default:
		a.Logger().Debug("security agent ignoring message", "type", string(msg.Type), "from", msg.From)
	}
	return nil
}

func (a *SecurityMonitor) HandleTask(_ context.Context, task domain.Task) (any, error) {
	if task.Type != TaskInspectRoute {
		return nil, domain.NewSubSystemError("agent", "SecurityMonitor.HandleTask", domain.ErrInvalidInput, "unknown task "+task.Type)
	}
	route, ok := task.Payload.(domain.Route)
	if !ok {
		return nil, domain.NewSubSystemError("agent", "SecurityMonitor.HandleTask", domain.ErrInvalidInput,
			fmt.Sprintf("payload %T is not a route", task.Payload))
	}
	return a.rules.Inspect(route), nil
}

func (a *SecurityMonitor) Cleanup(context.Context) error { return nil }

// Alerts returns the alerts raised so far, oldest first.
func (a *SecurityMonitor) Alerts() []domain.SecurityAlert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.alerts)
}

// observe counts failure signals per agent and raises an alert when the
// threshold is reached inside the window.
func (a *SecurityMonitor) observe(ctx context.Context, sig domain.AgentSignal) error {
	failing := sig.Kind == domain.SignalError ||
		(sig.Kind == domain.SignalStatusChange && sig.To == domain.StatusError)
	if !failing || sig.AgentID == "" {
		return nil
	}
	now := a.now()
	a.mu.Lock()
	recent := a.signals[sig.AgentID][:0]
	for _, t := range a.signals[sig.AgentID] {
		if now.Sub(t) < a.window {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	a.signals[sig.AgentID] = recent
	count := len(recent)
	a.mu.Unlock()

	switch {
	case sig.Severity == domain.SeverityCritical:
		return a.raise(ctx, "agent:"+sig.AgentID, domain.SecurityAlert{
			AgentID:  sig.AgentID,
			Severity: domain.SeverityCritical,
			Reason:   "critical failure: " + sig.Error,
			Count:    count,
		})
	case count >= a.threshold:
		return a.raise(ctx, "agent:"+sig.AgentID, domain.SecurityAlert{
			AgentID:  sig.AgentID,
			Severity: domain.SeverityHigh,
			Reason:   fmt.Sprintf("%d failures within %s", count, a.window),
			Count:    count,
		})
	}
	return nil
}

// raise records alert and sends it to the coordinator unless the same key
// already alerted inside the window.
func (a *SecurityMonitor) raise(ctx context.Context, key string, alert domain.SecurityAlert) error {
	now := a.now()
	a.mu.Lock()
	if last, ok := a.lastAlert[key]; ok && now.Sub(last) < a.window {
		a.mu.Unlock()
		return nil
	}
	a.lastAlert[key] = now
	alert.Time = now
	a.alerts = append(a.alerts, alert)
	if len(a.alerts) > maxAlertHistory {
		a.alerts = a.alerts[len(a.alerts)-maxAlertHistory:]
	}
	a.mu.Unlock()

	a.Logger().Warn("security alert", "agent_id", alert.AgentID, "route_id", alert.RouteID,
		"severity", string(alert.Severity), "reason", alert.Reason)
	priority := domain.PriorityHigh
	if alert.Severity == domain.SeverityCritical {
		priority = domain.PriorityCritical
	}
	return a.Emit(ctx, domain.NewMessage(a.ID(), domain.CoordinatorID, domain.MessageSecurityEvent, alert, priority))
}
