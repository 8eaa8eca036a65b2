package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swapmesh/internal/domain"
	"swapmesh/internal/usecase/multiagent"
)

type stubCoordinator struct {
	last multiagent.ConsensusInput
	err  error
}

func (s *stubCoordinator) RequestConsensus(_ context.Context, in multiagent.ConsensusInput) (domain.ConsensusResult, error) {
	s.last = in
	if s.err != nil {
		return domain.ConsensusResult{}, s.err
	}
	return domain.ConsensusResult{SelectedRoute: in.Routes[0].ID, Confidence: 0.7, Responses: 2, Participants: 2}, nil
}

func (s *stubCoordinator) GetSystemHealth() multiagent.SystemHealth {
	return multiagent.SystemHealth{Healthy: true, TotalAgents: 6, ActiveAgents: 6}
}

func (s *stubCoordinator) GetTelemetryReport() multiagent.TelemetryReport {
	return multiagent.TelemetryReport{Counters: multiagent.Counters{ConsensusRequests: 5}}
}

func newTestServer(t *testing.T, coord *stubCoordinator) *Server {
	t.Helper()
	s, err := New("swapmesh-test", "0.0.0", coord, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return s
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	switch c := res.Content[0].(type) {
	case mcp.TextContent:
		return c.Text
	case *mcp.TextContent:
		return c.Text
	}
	t.Fatalf("unexpected content type %T", res.Content[0])
	return ""
}

func TestConsensusTool(t *testing.T) {
	coord := &stubCoordinator{}
	s := newTestServer(t, coord)

	body := `{"routes":[{"id":"across-fast","from_chain":"ethereum","to_chain":"optimism","hops":1}],"preferences":{"focus":"speed"}}`
	res, err := s.handleConsensus(context.Background(), callRequest(ToolConsensus, map[string]any{"request": body}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	var out domain.ConsensusResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	assert.Equal(t, "across-fast", out.SelectedRoute)
	require.NotNil(t, coord.last.Preferences)
	assert.Equal(t, domain.FocusSpeed, coord.last.Preferences.Focus)
}

func TestConsensusToolErrors(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		err  error
		want string
	}{
		{name: "missing argument", args: map[string]any{}, want: "request"},
		{name: "schema violation", args: map[string]any{"request": `{"routes":[]}`}, want: "invalid input"},
		{
			name: "coordinator failure",
			args: map[string]any{"request": `{"routes":[{"id":"r","from_chain":"a","to_chain":"b","hops":1}]}`},
			err:  domain.ErrInsufficientQuorum,
			want: string(domain.CodeQuorum),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &stubCoordinator{err: tt.err})
			res, err := s.handleConsensus(context.Background(), callRequest(ToolConsensus, tt.args))
			require.NoError(t, err)
			assert.True(t, res.IsError)
			assert.Contains(t, resultText(t, res), tt.want)
		})
	}
}

func TestReportTools(t *testing.T) {
	s := newTestServer(t, &stubCoordinator{})

	res, err := s.handleHealth(context.Background(), callRequest(ToolHealth, nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), `"total_agents": 6`)

	res, err = s.handleTelemetry(context.Background(), callRequest(ToolTelemetry, nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), `"consensus_requests": 5`)
}

func TestToolsListed(t *testing.T) {
	s := newTestServer(t, &stubCoordinator{})
	resp := s.MCP().HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	for _, name := range []string{ToolConsensus, ToolHealth, ToolTelemetry} {
		assert.Contains(t, string(data), name)
	}
}
