// Package consensus turns the votes of a consensus round into a single route
// decision. Aggregate is pure: it reads only its arguments.
package consensus

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"swapmesh/internal/domain"
)

// Conflict thresholds.
const (
	highConflictGap      = 0.05
	mediumConflictGap    = 0.15
	diversityThreshold   = 0.6
	confidenceSpreadMax  = 0.2
	dominantCriterionMin = 0.4
	factorLeadPoints     = 20.0
	confidenceGapMin     = 0.2
	boostedConfidenceMin = 0.8
	focusMultiplier      = 2.0
	unhealthyMultiplier  = 0.5
	failurePenaltyStep   = 0.1
	failurePenaltyFloor  = 0.5
)

// AgentWeight is the weighting input for one participant.
type AgentWeight struct {
	AgentID      string
	Type         domain.AgentType
	Priority     int
	Healthy      bool
	SuccessRate  float64
	FailureCount int
}

// Weigher looks up the weighting input of a participant.
type Weigher interface {
	AgentWeight(agentID string) (AgentWeight, bool)
}

// WeigherFunc adapts a function to Weigher.
type WeigherFunc func(agentID string) (AgentWeight, bool)

// AgentWeight implements Weigher.
func (f WeigherFunc) AgentWeight(agentID string) (AgentWeight, bool) { return f(agentID) }

// defaultWeight applies to participants the weigher does not know.
func defaultWeight(agentID string) AgentWeight {
	return AgentWeight{AgentID: agentID, Priority: 1, Healthy: true, SuccessRate: 1}
}

// Weight returns the static weight of an agent for the given focus.
func Weight(w AgentWeight, focus domain.Focus) float64 {
	priority := math.Max(float64(w.Priority), 1)
	health := 1.0
	if !w.Healthy {
		health = unhealthyMultiplier
	}
	success := clamp01(w.SuccessRate)
	penalty := math.Max(failurePenaltyFloor, 1-failurePenaltyStep*float64(w.FailureCount))
	return priority * health * success * penalty * FocusMultiplier(w.Type, focus)
}

// FocusMultiplier boosts the agent types that matter most for a user focus.
func FocusMultiplier(t domain.AgentType, focus domain.Focus) float64 {
	switch focus {
	case domain.FocusSpeed:
		if t == domain.AgentTypeRouteDiscovery || t == domain.AgentTypeExecutionStrategy {
			return focusMultiplier
		}
	case domain.FocusSecurity:
		if t == domain.AgentTypeSecurity || t == domain.AgentTypeRiskAssessment {
			return focusMultiplier
		}
	case domain.FocusCost:
		if t == domain.AgentTypeMarketIntelligence || t == domain.AgentTypeRouteDiscovery {
			return focusMultiplier
		}
	}
	return 1
}

type tally struct {
	routeID       string
	weightedScore float64
	confWeighted  float64
	weight        float64
	votes         int
	confSum       float64
	factorW       [5]float64
	factorPlain   [5]float64
}

func (t *tally) add(resp domain.ConsensusResponse, confidence, cw float64) {
	t.weightedScore += finite(resp.Scores.Overall) * cw
	t.confWeighted += confidence * cw
	t.weight += cw
	t.votes++
	t.confSum += confidence
	for i, c := range domain.Criteria {
		f := finite(resp.Scores.Factor(c))
		t.factorW[i] += f * cw
		t.factorPlain[i] += f
	}
}

func (t *tally) factors() domain.ScoreBreakdown {
	var out [5]float64
	for i := range out {
		if t.weight > 0 {
			out[i] = t.factorW[i] / t.weight
		} else if t.votes > 0 {
			out[i] = t.factorPlain[i] / float64(t.votes)
		}
	}
	avg := 0.0
	if t.weight > 0 {
		avg = t.weightedScore / t.weight
	}
	return domain.ScoreBreakdown{
		Overall: avg, Cost: out[0], Time: out[1], Security: out[2], Reliability: out[3], Slippage: out[4],
	}
}

// Aggregate combines responses into a decision. Responses that do not belong
// to req or that name an unknown route are ignored. The outcome does not
// depend on the order of responses.
func Aggregate(req *domain.ConsensusRequest, responses []domain.ConsensusResponse, weigher Weigher) (domain.ConsensusResult, error) {
	if req == nil {
		return domain.ConsensusResult{}, domain.NewSubSystemError("consensus", "consensus.Aggregate", domain.ErrInvalidInput, "nil request")
	}
	valid := validResponses(req, responses)
	if len(valid) == 0 {
		return domain.ConsensusResult{}, domain.NewSubSystemError("consensus", "consensus.Aggregate", domain.ErrNoResponses,
			fmt.Sprintf("request %s: %d received", req.ID, len(responses)))
	}

	var focus domain.Focus
	if req.Preferences != nil {
		focus = req.Preferences.Focus
	}

	tallies := make(map[string]*tally)
	var totalWeight float64
	confidences := make([]float64, 0, len(valid))
	for _, resp := range valid {
		w := defaultWeight(resp.AgentID)
		if weigher != nil {
			if found, ok := weigher.AgentWeight(resp.AgentID); ok {
				w = found
			}
		}
		confidence := clamp01(resp.Confidence)
		cw := Weight(w, focus) * confidence

		t, exists := tallies[resp.RecommendedRoute]
		if !exists {
			t = &tally{routeID: resp.RecommendedRoute}
			tallies[resp.RecommendedRoute] = t
		}
		t.add(resp, confidence, cw)
		totalWeight += cw
		confidences = append(confidences, confidence)
	}

	ranking := make([]domain.RouteScore, 0, len(tallies))
	for _, t := range tallies {
		rs := domain.RouteScore{
			RouteID:       t.routeID,
			WeightedScore: t.weightedScore,
			Weight:        t.weight,
			Votes:         t.votes,
			AvgConfidence: t.confSum / float64(t.votes),
			Factors:       t.factors(),
		}
		if totalWeight > 0 {
			rs.Score = t.weightedScore / totalWeight
		} else {
			rs.Score = float64(t.votes) / float64(len(valid))
		}
		ranking = append(ranking, rs)
	}
	slices.SortFunc(ranking, func(a, b domain.RouteScore) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.RouteID, b.RouteID)
	})

	result := domain.ConsensusResult{
		RequestID: req.ID,
		Ranking:   ranking,
		Responses: len(valid),
	}

	if len(valid) == 1 {
		result.SelectedRoute = ranking[0].RouteID
		result.Conflict = domain.ConflictNone
		result.Resolution = domain.ResolutionSingle
		result.Confidence = ranking[0].AvgConfidence
		return result, nil
	}

	result.Conflict = classifyConflict(ranking, len(valid), confidences)
	winner, method := resolve(ranking, result.Conflict, req.EffectiveCriteria())
	result.SelectedRoute = winner.RouteID
	result.Resolution = method
	if winner.Weight > 0 {
		result.Confidence = tallies[winner.RouteID].confWeighted / winner.Weight
	} else {
		result.Confidence = winner.AvgConfidence
	}
	return result, nil
}

// validResponses drops foreign and unknown-route responses, keeps one vote
// per agent and returns them in a canonical order.
func validResponses(req *domain.ConsensusRequest, responses []domain.ConsensusResponse) []domain.ConsensusResponse {
	out := make([]domain.ConsensusResponse, 0, len(responses))
	for _, r := range responses {
		if r.RequestID != "" && r.RequestID != req.ID {
			continue
		}
		if !req.HasRoute(r.RecommendedRoute) {
			continue
		}
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b domain.ConsensusResponse) int {
		if c := cmp.Compare(a.AgentID, b.AgentID); c != 0 {
			return c
		}
		if c := cmp.Compare(a.RecommendedRoute, b.RecommendedRoute); c != 0 {
			return c
		}
		return cmp.Compare(b.Confidence, a.Confidence)
	})
	return slices.CompactFunc(out, func(a, b domain.ConsensusResponse) bool {
		return a.AgentID == b.AgentID
	})
}

func classifyConflict(ranking []domain.RouteScore, votes int, confidences []float64) domain.ConflictLevel {
	if len(ranking) < 2 {
		return domain.ConflictNone
	}
	gap := ranking[0].Score - ranking[1].Score
	diversity := 1 - float64(ranking[0].Votes)/float64(votes)
	switch {
	case gap < highConflictGap:
		return domain.ConflictHigh
	case gap < mediumConflictGap, diversity > diversityThreshold, stdDev(confidences) > confidenceSpreadMax:
		return domain.ConflictMedium
	}
	return domain.ConflictLow
}

func resolve(ranking []domain.RouteScore, level domain.ConflictLevel, criteria domain.DecisionCriteria) (domain.RouteScore, domain.ResolutionMethod) {
	leader := ranking[0]
	switch level {
	case domain.ConflictHigh:
		runner := ranking[1]
		if c, w := dominantCriterion(criteria); w > dominantCriterionMin {
			if runner.Factors.Factor(c)-leader.Factors.Factor(c) > factorLeadPoints {
				return runner, domain.ResolutionDominantCriterion
			}
		}
		if math.Abs(leader.AvgConfidence-runner.AvgConfidence) > confidenceGapMin {
			if runner.AvgConfidence > leader.AvgConfidence {
				return runner, domain.ResolutionConfidenceTieBreak
			}
			return leader, domain.ResolutionConfidenceTieBreak
		}
		return leader, domain.ResolutionLeaderTieBreak
	case domain.ConflictMedium:
		if leader.AvgConfidence > boostedConfidenceMin {
			return leader, domain.ResolutionConfidenceBoosted
		}
	}
	return leader, domain.ResolutionWeightedMajority
}

func dominantCriterion(d domain.DecisionCriteria) (domain.Criterion, float64) {
	var total float64
	for _, c := range domain.Criteria {
		total += d.Weight(c)
	}
	if total <= 0 {
		return "", 0
	}
	best, bestW := domain.Criteria[0], -1.0
	for _, c := range domain.Criteria {
		if w := d.Weight(c) / total; w > bestW {
			best, bestW = c, w
		}
	}
	return best, bestW
}

func stdDev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var v float64
	for _, x := range xs {
		v += (x - mean) * (x - mean)
	}
	return math.Sqrt(v / float64(len(xs)))
}

// clamp01 bounds v to [0,1]. NaN counts as 0.
func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(1, math.Max(0, v))
}

// finite maps NaN and infinities to 0 so a malformed score adds nothing.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
