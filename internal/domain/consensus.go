package domain

import "time"

// Route is a candidate cross-chain swap route.
type Route struct {
	ID            string        `json:"id"`
	FromChain     string        `json:"from_chain"`
	ToChain       string        `json:"to_chain"`
	FromToken     string        `json:"from_token"`
	ToToken       string        `json:"to_token"`
	AmountIn      float64       `json:"amount_in"`
	ExpectedOut   float64       `json:"expected_out"`
	Protocols     []string      `json:"protocols,omitempty"`
	Bridges       []string      `json:"bridges,omitempty"`
	Hops          int           `json:"hops"`
	GasUnits      uint64        `json:"gas_units,omitempty"`
	FeeUSD        float64       `json:"fee_usd"`
	EstimatedTime time.Duration `json:"estimated_time"`
	PriceImpact   float64       `json:"price_impact"` // percent
	Slippage      float64       `json:"slippage"`     // percent
	Liquidity     float64       `json:"liquidity_usd"`
}

// RiskAssessment is a risk agent's verdict on a route. Score is 0 (safe) to 100.
type RiskAssessment struct {
	RouteID string   `json:"route_id"`
	Score   float64  `json:"score"`
	Level   string   `json:"level"`
	Factors []string `json:"factors,omitempty"`
}

// ExecutionStrategy is an execution plan for a route.
type ExecutionStrategy struct {
	RouteID       string        `json:"route_id"`
	Name          string        `json:"name"`
	GasPriceGwei  float64       `json:"gas_price_gwei"`
	SplitCount    int           `json:"split_count"`
	MEVProtection bool          `json:"mev_protection"`
	Deadline      time.Duration `json:"deadline"`
}

// DecisionCriteria are relative weights of the scoring factors. They should sum to 1.
type DecisionCriteria struct {
	Cost        float64 `json:"cost" yaml:"cost"`
	Time        float64 `json:"time" yaml:"time"`
	Security    float64 `json:"security" yaml:"security"`
	Reliability float64 `json:"reliability" yaml:"reliability"`
	Slippage    float64 `json:"slippage" yaml:"slippage"`
}

// DefaultCriteria returns the default factor weights.
func DefaultCriteria() DecisionCriteria {
	return DecisionCriteria{Cost: 0.25, Time: 0.20, Security: 0.30, Reliability: 0.15, Slippage: 0.10}
}

// Criterion names one scoring factor.
type Criterion string

const (
	CriterionCost        Criterion = "cost"
	CriterionTime        Criterion = "time"
	CriterionSecurity    Criterion = "security"
	CriterionReliability Criterion = "reliability"
	CriterionSlippage    Criterion = "slippage"
)

// Criteria lists the factors in a stable order.
var Criteria = []Criterion{CriterionCost, CriterionTime, CriterionSecurity, CriterionReliability, CriterionSlippage}

// Weight returns the weight of factor c.
func (d DecisionCriteria) Weight(c Criterion) float64 {
	switch c {
	case CriterionCost:
		return d.Cost
	case CriterionTime:
		return d.Time
	case CriterionSecurity:
		return d.Security
	case CriterionReliability:
		return d.Reliability
	case CriterionSlippage:
		return d.Slippage
	}
	return 0
}

// Focus is the user's primary optimisation goal.
type Focus string

const (
	FocusNone     Focus = ""
	FocusSpeed    Focus = "speed"
	FocusSecurity Focus = "security"
	FocusCost     Focus = "cost"
)

// UserPreferences customise a consensus round.
type UserPreferences struct {
	Focus         Focus             `json:"focus,omitempty"`
	RiskTolerance string            `json:"risk_tolerance,omitempty"`
	Weights       *DecisionCriteria `json:"weights,omitempty"`
}

// ScoreBreakdown is an agent's scoring of a route. Overall is 0-1, the
// factor scores are 0-100. Missing factors count as zero.
type ScoreBreakdown struct {
	Overall     float64 `json:"overall"`
	Cost        float64 `json:"cost"`
	Time        float64 `json:"time"`
	Security    float64 `json:"security"`
	Reliability float64 `json:"reliability"`
	Slippage    float64 `json:"slippage"`
}

// Factor returns the 0-100 score for c.
func (s ScoreBreakdown) Factor(c Criterion) float64 {
	switch c {
	case CriterionCost:
		return s.Cost
	case CriterionTime:
		return s.Time
	case CriterionSecurity:
		return s.Security
	case CriterionReliability:
		return s.Reliability
	case CriterionSlippage:
		return s.Slippage
	}
	return 0
}

// Weighted returns the criteria-weighted factor average, normalised to 0-1.
func (s ScoreBreakdown) Weighted(d DecisionCriteria) float64 {
	var sum, total float64
	for _, c := range Criteria {
		w := d.Weight(c)
		sum += w * s.Factor(c)
		total += w
	}
	if total == 0 {
		return 0
	}
	return sum / total / 100
}

// ConsensusRequest asks participants to vote on a route.
type ConsensusRequest struct {
	ID          string              `json:"id"`
	Routes      []Route             `json:"routes"`
	Assessments []RiskAssessment    `json:"assessments,omitempty"`
	Strategies  []ExecutionStrategy `json:"strategies,omitempty"`
	Criteria    DecisionCriteria    `json:"criteria"`
	Deadline    time.Time           `json:"deadline"`
	Preferences *UserPreferences    `json:"preferences,omitempty"`
}

// EffectiveCriteria returns the user's weights when given, otherwise Criteria.
func (r *ConsensusRequest) EffectiveCriteria() DecisionCriteria {
	if r.Preferences != nil && r.Preferences.Weights != nil {
		return *r.Preferences.Weights
	}
	return r.Criteria
}

// HasRoute reports whether id is one of the request's candidate routes.
func (r *ConsensusRequest) HasRoute(id string) bool {
	for _, rt := range r.Routes {
		if rt.ID == id {
			return true
		}
	}
	return false
}

// AssessmentFor returns the risk assessment of routeID, if any.
func (r *ConsensusRequest) AssessmentFor(routeID string) (RiskAssessment, bool) {
	for _, a := range r.Assessments {
		if a.RouteID == routeID {
			return a, true
		}
	}
	return RiskAssessment{}, false
}

// StrategyFor returns the execution strategy of routeID, if any.
func (r *ConsensusRequest) StrategyFor(routeID string) (ExecutionStrategy, bool) {
	for _, s := range r.Strategies {
		if s.RouteID == routeID {
			return s, true
		}
	}
	return ExecutionStrategy{}, false
}

// ConsensusResponse is one agent's vote.
type ConsensusResponse struct {
	RequestID        string         `json:"request_id"`
	AgentID          string         `json:"agent_id"`
	RecommendedRoute string         `json:"recommended_route"`
	Scores           ScoreBreakdown `json:"scores"`
	Confidence       float64        `json:"confidence"`
	Reasoning        string         `json:"reasoning,omitempty"`
}

// ConflictLevel grades disagreement between participants.
type ConflictLevel string

const (
	ConflictNone   ConflictLevel = "none"
	ConflictLow    ConflictLevel = "low"
	ConflictMedium ConflictLevel = "medium"
	ConflictHigh   ConflictLevel = "high"
)

// ResolutionMethod names how the winning route was chosen.
type ResolutionMethod string

const (
	ResolutionSingle             ResolutionMethod = "single_response"
	ResolutionWeightedMajority   ResolutionMethod = "weighted_majority"
	ResolutionConfidenceBoosted  ResolutionMethod = "confidence_boosted"
	ResolutionDominantCriterion  ResolutionMethod = "dominant_criterion"
	ResolutionConfidenceTieBreak ResolutionMethod = "confidence_tiebreak"
	ResolutionLeaderTieBreak     ResolutionMethod = "leader_tiebreak"
)

// RouteScore is the aggregated support for one route.
type RouteScore struct {
	RouteID       string         `json:"route_id"`
	Score         float64        `json:"score"`
	WeightedScore float64        `json:"weighted_score"`
	Weight        float64        `json:"weight"`
	Votes         int            `json:"votes"`
	AvgConfidence float64        `json:"avg_confidence"`
	Factors       ScoreBreakdown `json:"factors"`
}

// ConsensusResult is the outcome of a consensus round.
type ConsensusResult struct {
	RequestID     string           `json:"request_id"`
	SelectedRoute string           `json:"selected_route"`
	Confidence    float64          `json:"confidence"`
	Conflict      ConflictLevel    `json:"conflict"`
	Resolution    ResolutionMethod `json:"resolution"`
	Ranking       []RouteScore     `json:"ranking"`
	Responses     int              `json:"responses"`
	Participants  int              `json:"participants"`
	// Degraded is set when the quorum was not met and the round proceeded anyway.
	Degraded bool `json:"degraded,omitempty"`
	// Synthetic is set when the vote was fabricated in demo mode.
	Synthetic bool          `json:"synthetic,omitempty"`
	Duration  time.Duration `json:"duration"`
}
