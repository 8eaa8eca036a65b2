package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonschema"

	"swapmesh/internal/domain"
	"swapmesh/internal/usecase/multiagent"
)

// consensusSchema describes the body of a consensus request.
const consensusSchema = `{
  "type": "object",
  "required": ["routes"],
  "properties": {
    "routes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "from_chain", "to_chain", "hops"],
        "properties": {
          "id":             {"type": "string", "minLength": 1},
          "from_chain":     {"type": "string", "minLength": 1},
          "to_chain":       {"type": "string", "minLength": 1},
          "from_token":     {"type": "string"},
          "to_token":       {"type": "string"},
          "amount_in":      {"type": "number", "minimum": 0},
          "expected_out":   {"type": "number", "minimum": 0},
          "protocols":      {"type": "array", "items": {"type": "string"}},
          "bridges":        {"type": "array", "items": {"type": "string"}},
          "hops":           {"type": "integer", "minimum": 1},
          "gas_units":      {"type": "integer", "minimum": 0},
          "fee_usd":        {"type": "number", "minimum": 0},
          "estimated_time": {"type": "integer", "minimum": 0},
          "price_impact":   {"type": "number", "minimum": 0},
          "slippage":       {"type": "number", "minimum": 0},
          "liquidity_usd":  {"type": "number", "minimum": 0}
        }
      }
    },
    "assessments": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["route_id", "score"],
        "properties": {
          "route_id": {"type": "string"},
          "score":    {"type": "number", "minimum": 0, "maximum": 100}
        }
      }
    },
    "criteria": {
      "type": "object",
      "properties": {
        "cost":        {"type": "number", "minimum": 0},
        "time":        {"type": "number", "minimum": 0},
        "security":    {"type": "number", "minimum": 0},
        "reliability": {"type": "number", "minimum": 0},
        "slippage":    {"type": "number", "minimum": 0}
      }
    },
    "preferences": {
      "type": "object",
      "properties": {
        "focus":          {"enum": ["", "speed", "security", "cost"]},
        "risk_tolerance": {"type": "string"}
      }
    }
  }
}`

// ConsensusBody is the JSON form of a consensus request.
type ConsensusBody struct {
	Routes      []domain.Route             `json:"routes"`
	Assessments []domain.RiskAssessment    `json:"assessments,omitempty"`
	Strategies  []domain.ExecutionStrategy `json:"strategies,omitempty"`
	Criteria    *domain.DecisionCriteria   `json:"criteria,omitempty"`
	Preferences *domain.UserPreferences    `json:"preferences,omitempty"`
}

// ConsensusDecoder validates and decodes consensus request bodies.
type ConsensusDecoder struct {
	schema *jsonschema.Schema
}

func NewConsensusDecoder() (*ConsensusDecoder, error) {
	schema, err := jsonschema.NewCompiler().Compile([]byte(consensusSchema))
	if err != nil {
		return nil, fmt.Errorf("compile consensus schema: %w", err)
	}
	return &ConsensusDecoder{schema: schema}, nil
}

// Decode checks raw against the schema and converts it to coordinator input.
func (d *ConsensusDecoder) Decode(raw []byte) (multiagent.ConsensusInput, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return multiagent.ConsensusInput{}, fmt.Errorf("%w: invalid JSON: %w", domain.ErrInvalidInput, err)
	}
	if result := d.schema.Validate(doc); !result.IsValid() {
		return multiagent.ConsensusInput{}, fmt.Errorf("%w: %s", domain.ErrInvalidInput, result.Error())
	}

	var body ConsensusBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return multiagent.ConsensusInput{}, fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	}
	return multiagent.ConsensusInput{
		Routes:      body.Routes,
		Assessments: body.Assessments,
		Strategies:  body.Strategies,
		Criteria:    body.Criteria,
		Preferences: body.Preferences,
	}, nil
}
