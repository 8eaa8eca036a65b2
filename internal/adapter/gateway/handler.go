package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"swapmesh/internal/domain"
	"swapmesh/internal/usecase/multiagent"
)

const maxBodyBytes = 1 << 20

// Coordinator is the part of the coordinator the gateway exposes.
type Coordinator interface {
	RequestConsensus(ctx context.Context, in multiagent.ConsensusInput) (domain.ConsensusResult, error)
	GetSystemHealth() multiagent.SystemHealth
	GetTelemetryReport() multiagent.TelemetryReport
}

// API binds coordinator operations to HTTP routes and RPC methods.
type API struct {
	coord   Coordinator
	decoder *ConsensusDecoder
}

func NewAPI(coord Coordinator) (*API, error) {
	decoder, err := NewConsensusDecoder()
	if err != nil {
		return nil, err
	}
	return &API{coord: coord, decoder: decoder}, nil
}

// Mount registers the API on s:
//
//	GET  /healthz             liveness; 503 when the system is unhealthy
//	GET  /api/v1/health       system health report
//	GET  /api/v1/telemetry    telemetry report
//	POST /api/v1/consensus    run a consensus round over the posted routes
func (a *API) Mount(s *Server) {
	s.RegisterPublicRoute("/healthz", http.HandlerFunc(a.handleLiveness))
	s.RegisterHTTPRoute("/api/v1/health", getOnly(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, a.coord.GetSystemHealth())
	}))
	s.RegisterHTTPRoute("/api/v1/telemetry", getOnly(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, a.coord.GetTelemetryReport())
	}))
	s.RegisterHTTPRoute("/api/v1/consensus", http.HandlerFunc(a.handleConsensus))

	s.RegisterHandler(MethodHealth, func(context.Context, *ClientInfo, json.RawMessage) (any, error) {
		return a.coord.GetSystemHealth(), nil
	})
	s.RegisterHandler(MethodTelemetry, func(context.Context, *ClientInfo, json.RawMessage) (any, error) {
		return a.coord.GetTelemetryReport(), nil
	})
	s.RegisterHandler(MethodConsensus, func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (any, error) {
		in, err := a.decoder.Decode(payload)
		if err != nil {
			return nil, err
		}
		return a.coord.RequestConsensus(ctx, in)
	})
}

func (a *API) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	health := a.coord.GetSystemHealth()
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy":       health.Healthy,
		"active_agents": health.ActiveAgents,
		"total_agents":  health.TotalAgents,
	})
}

func (a *API) handleConsensus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	in, err := a.decoder.Decode(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := a.coord.RequestConsensus(r.Context(), in)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// statusFor maps coordinator errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAuthInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrInsufficientQuorum),
		errors.Is(err, domain.ErrNoResponses),
		errors.Is(err, domain.ErrNoParticipants),
		errors.Is(err, domain.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrCancelled), errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func getOnly(fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  string(domain.ErrorCodeOf(err)),
	})
}
