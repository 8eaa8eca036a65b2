package domain

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNewMessage(t *testing.T) {
	a := NewMessage("market-1", BroadcastID, MessageMarketData, map[string]float64{"ETH": 3000}, PriorityHigh)
	b := NewMessage("market-1", BroadcastID, MessageMarketData, nil, PriorityHigh)

	if a.ID == "" || a.ID == b.ID {
		t.Errorf("ids not unique: %q %q", a.ID, b.ID)
	}
	if a.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
	if a.From != "market-1" || a.To != BroadcastID || a.Priority != PriorityHigh {
		t.Errorf("message = %+v", a)
	}
}

func TestNewIDSortsByCreation(t *testing.T) {
	prev := NewID()
	for range 50 {
		next := NewID()
		if strings.Compare(next, prev) <= 0 {
			t.Fatalf("id %s not after %s", next, prev)
		}
		prev = next
	}
}

func TestRequiredCapability(t *testing.T) {
	if got := MessageAnalysisRequest.RequiredCapability(); got != CapabilityAnalyzeMarket {
		t.Errorf("analysis request = %q", got)
	}
	if got := MessageExecutionRequest.RequiredCapability(); got != CapabilityExecuteTransaction {
		t.Errorf("execution request = %q", got)
	}
	if got := MessageMarketData.RequiredCapability(); got != "" {
		t.Errorf("market data = %q", got)
	}
}

func TestPriorityString(t *testing.T) {
	for p, want := range map[MessagePriority]string{
		PriorityLow:         "LOW",
		PriorityMedium:      "MEDIUM",
		PriorityHigh:        "HIGH",
		PriorityCritical:    "CRITICAL",
		MessagePriority(99): "UNKNOWN",
	} {
		if got := p.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", p, got, want)
		}
	}
}

func TestAgentMessageJSON(t *testing.T) {
	msg := NewMessage("route-1", "risk-1", MessageAnalysisRequest, nil, PriorityMedium)
	msg.TargetType = AgentTypeRiskAssessment

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"type":"ANALYSIS_REQUEST"`, `"target_type":"risk_assessment"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("json missing %s: %s", want, data)
		}
	}
	if strings.Contains(string(data), "correlation_id") {
		t.Errorf("empty correlation id should be omitted: %s", data)
	}
}
