// Package mcpserver exposes every catalog capability as a Model Context
// Protocol tool. Calls go through the same dispatcher as HTTP requests, so
// validation, credential gating and timeouts are identical.
package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"toolgate/internal/dispatch"
	"toolgate/internal/envelope"
)

// Server wraps an MCP server bound to a dispatcher.
type Server struct {
	mcp        *server.MCPServer
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

type Config struct {
	Name    string
	Version string
	Logger  *slog.Logger
}

// New registers one MCP tool per capability. Tool names are capability IDs
// and input schemas are the same JSON Schemas served by /api/info.
func New(d *dispatch.Dispatcher, cfg Config) (*Server, error) {
	if cfg.Name == "" {
		cfg.Name = "toolgate"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		mcp:        server.NewMCPServer(cfg.Name, cfg.Version, server.WithToolCapabilities(false)),
		dispatcher: d,
		logger:     cfg.Logger,
	}
	tools, err := Tools(d)
	if err != nil {
		return nil, err
	}
	for _, t := range tools {
		s.mcp.AddTool(t, s.handler(t.Name))
	}
	s.logger.Info("mcp tools registered", "count", len(tools))
	return s, nil
}

// Tools builds the MCP tool definitions for the dispatcher's catalog.
func Tools(d *dispatch.Dispatcher) ([]mcp.Tool, error) {
	descs := d.Catalog().Descriptors()
	out := make([]mcp.Tool, 0, len(descs))
	for _, desc := range descs {
		schema, err := desc.Input.JSON()
		if err != nil {
			return nil, err
		}
		out = append(out, mcp.NewToolWithRawSchema(desc.ID, desc.Description, schema))
	}
	return out, nil
}

// handler dispatches one tool call. Failures are reported as tool errors
// carrying the same {"detail","type"} body the HTTP surface returns.
func (s *Server) handler(id string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out := s.dispatcher.DispatchArgs(ctx, "mcp-"+uuid.NewString(), id, req.GetArguments())
		if !out.OK() {
			body, _ := envelope.FromError(out.Err)
			data, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			return mcp.NewToolResultError(string(data)), nil
		}
		data, err := json.Marshal(out.Result)
		if err != nil {
			return nil, err
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

// HTTPHandler returns the streamable HTTP transport, for mounting under
// the gateway's router.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp)
}

// ServeStdio serves MCP over stdin/stdout until the client disconnects.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}
