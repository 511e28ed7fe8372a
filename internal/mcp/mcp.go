// Package mcp exposes the lifecycle read surface over the Model Context
// Protocol.
//
// Every tool and resource is read-only and tenant-scoped: the tenant comes
// from the bearer token the HTTP layer validated, never from arguments.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/hakobi/internal/ctxutil"
	"github.com/ashita-ai/hakobi/internal/ledger"
	"github.com/ashita-ai/hakobi/internal/lifecycle"
	"github.com/ashita-ai/hakobi/internal/model"
)

// History is the slice of the engine the MCP server reads from.
type History interface {
	Timeline(ctx context.Context, tenantID, requestID uuid.UUID) (model.Timeline, error)
	Ledger(ctx context.Context, tenantID, requestID uuid.UUID) (ledger.Ledger, error)
}

var _ History = (*lifecycle.Engine)(nil)

// Server wraps the MCP server with the lifecycle read surface.
type Server struct {
	mcpServer *mcpserver.MCPServer
	history   History
	reader    lifecycle.Reader
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools and
// prompts.
func New(history History, reader lifecycle.Reader, logger *slog.Logger, version string) *Server {
	s := &Server{
		history: history,
		reader:  reader,
		logger:  logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"hakobi",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// tenant returns the caller's tenant, or an error when the context carries
// no claims.
func tenant(ctx context.Context) (uuid.UUID, error) {
	id := ctxutil.TenantIDFromContext(ctx)
	if id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("mcp: unauthenticated")
	}
	return id, nil
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
