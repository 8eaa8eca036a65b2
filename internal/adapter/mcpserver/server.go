// Package mcpserver exposes the coordinator to MCP clients over stdio so an
// assistant can request route consensus and inspect the mesh.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"swapmesh/internal/adapter/gateway"
	"swapmesh/internal/domain"
)

const (
	ToolConsensus = "request_route_consensus"
	ToolHealth    = "system_health"
	ToolTelemetry = "telemetry_report"
)

// Server wraps an MCP server bound to a coordinator.
type Server struct {
	coord   gateway.Coordinator
	decoder *gateway.ConsensusDecoder
	mcp     *server.MCPServer
	logger  *slog.Logger
}

// New builds the MCP server and registers its tools.
func New(name, version string, coord gateway.Coordinator, logger *slog.Logger) (*Server, error) {
	decoder, err := gateway.NewConsensusDecoder()
	if err != nil {
		return nil, err
	}
	s := &Server{
		coord:   coord,
		decoder: decoder,
		mcp:     server.NewMCPServer(name, version, server.WithToolCapabilities(false)),
		logger:  logger,
	}

	s.mcp.AddTool(mcp.NewTool(ToolConsensus,
		mcp.WithDescription("Ask the agent mesh to vote on candidate cross-chain routes and return the selected route with its confidence and ranking."),
		mcp.WithString("request",
			mcp.Required(),
			mcp.Description(`JSON object: {"routes":[{"id","from_chain","to_chain","hops",...}], "assessments":[...], "criteria":{...}, "preferences":{"focus":"speed|security|cost"}}`),
		),
	), s.handleConsensus)
	s.mcp.AddTool(mcp.NewTool(ToolHealth,
		mcp.WithDescription("Report the health of every agent in the mesh."),
	), s.handleHealth)
	s.mcp.AddTool(mcp.NewTool(ToolTelemetry,
		mcp.WithDescription("Report routing and consensus counters plus per-agent telemetry."),
	), s.handleTelemetry)

	return s, nil
}

// ServeStdio blocks serving MCP over stdin/stdout.
func (s *Server) ServeStdio() error {
	s.logger.Info("mcp server listening on stdio")
	return server.ServeStdio(s.mcp)
}

// MCP returns the underlying server.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

func (s *Server) handleConsensus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := req.RequireString("request")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	in, err := s.decoder.Decode([]byte(raw))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result, err := s.coord.RequestConsensus(ctx, in)
	if err != nil {
		s.logger.Warn("mcp consensus failed", "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", domain.ErrorCodeOf(err), err)), nil
	}
	return jsonResult(result)
}

func (s *Server) handleHealth(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.coord.GetSystemHealth())
}

func (s *Server) handleTelemetry(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.coord.GetTelemetryReport())
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
