package mcp

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/hakobi/internal/model"
)

func (s *Server) registerTools() {
	readOnly := []mcplib.ToolOption{
		mcplib.WithReadOnlyHintAnnotation(true),
		mcplib.WithIdempotentHintAnnotation(true),
		mcplib.WithOpenWorldHintAnnotation(false),
	}
	tool := func(name string, opts ...mcplib.ToolOption) mcplib.Tool {
		return mcplib.NewTool(name, append(opts, readOnly...)...)
	}

	// hakobi_timeline: reconstructed audit trail of one request.
	s.mcpServer.AddTool(
		tool("hakobi_timeline",
			mcplib.WithDescription(`Explain who did what, and when, for one pickup request.

Returns the ordered steps (created, assigned, picked up, delivered, finalized,
cancelled) with actor names, timestamps and detail. Steps implied by the final
state but never recorded as events carry provenance "inferred" and no time.
A courier attached after finalization shows as retroactive.`),
			mcplib.WithString("request_id", mcplib.Description("Request UUID"), mcplib.Required()),
		),
		s.handleTimeline,
	)

	// hakobi_ledger: the three proof slots of one request.
	s.mcpServer.AddTool(
		tool("hakobi_ledger",
			mcplib.WithDescription("Show the pickup, delivery and finalization proof recorded for a request, each with its own actor, time and quantity."),
			mcplib.WithString("request_id", mcplib.Description("Request UUID"), mcplib.Required()),
		),
		s.handleLedger,
	)

	// hakobi_list_requests: active requests.
	s.mcpServer.AddTool(
		tool("hakobi_list_requests",
			mcplib.WithDescription("List active pickup requests, newest first."),
			mcplib.WithString("status",
				mcplib.Description("Filter by status"),
				mcplib.Enum("pending", "assigned", "in_progress", "picked_up"),
			),
			mcplib.WithString("requester_id", mcplib.Description("Filter by requester")),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleListRequests,
	)

	// hakobi_list_assignments: courier workload.
	s.mcpServer.AddTool(
		tool("hakobi_list_assignments",
			mcplib.WithDescription("List courier assignments. Without a status, only active assignments are returned."),
			mcplib.WithString("courier_id", mcplib.Description("Filter by courier")),
			mcplib.WithString("status",
				mcplib.Description("Filter by status"),
				mcplib.Enum("assigned", "in_progress", "picked_up", "delivered", "completed", "replaced", "cancelled"),
			),
			mcplib.WithNumber("limit", mcplib.Min(1), mcplib.Max(100), mcplib.DefaultNumber(20)),
		),
		s.handleListAssignments,
	)

	// hakobi_get_processed: one finalized record.
	s.mcpServer.AddTool(
		tool("hakobi_get_processed",
			mcplib.WithDescription("Fetch a processed record: the outcome, the frozen request snapshot, the courier and the finalization proof."),
			mcplib.WithString("processed_id", mcplib.Description("Processed record UUID"), mcplib.Required()),
		),
		s.handleGetProcessed,
	)
}

func uuidArg(request mcplib.CallToolRequest, key string) (uuid.UUID, error) {
	raw := request.GetString(key, "")
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%s is required", key)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", key, raw)
	}
	return id, nil
}

func (s *Server) handleTimeline(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	tenantID, err := tenant(ctx)
	if err != nil {
		return nil, err
	}
	id, err := uuidArg(request, "request_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	tl, err := s.history.Timeline(ctx, tenantID, id)
	if err != nil {
		return errorResult(fmt.Sprintf("timeline failed: %v", err)), nil
	}
	return jsonResult(tl)
}

func (s *Server) handleLedger(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	tenantID, err := tenant(ctx)
	if err != nil {
		return nil, err
	}
	id, err := uuidArg(request, "request_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	l, err := s.history.Ledger(ctx, tenantID, id)
	if err != nil {
		return errorResult(fmt.Sprintf("ledger failed: %v", err)), nil
	}
	return jsonResult(l)
}

func (s *Server) handleListRequests(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	tenantID, err := tenant(ctx)
	if err != nil {
		return nil, err
	}
	f := model.RequestFilter{
		RequesterID: request.GetString("requester_id", ""),
		Page:        model.Page{Limit: request.GetInt("limit", 20)}.Clamp(),
	}
	if v := request.GetString("status", ""); v != "" {
		st := model.RequestStatus(v)
		if !st.Valid() {
			return errorResult("unknown status " + v), nil
		}
		f.Status = &st
	}
	items, total, err := s.reader.ListRequests(ctx, tenantID, f)
	if err != nil {
		return errorResult(fmt.Sprintf("list requests failed: %v", err)), nil
	}
	return jsonResult(model.PagedResult[model.Request]{Items: items, Total: total, Limit: f.Limit, Offset: f.Offset})
}

func (s *Server) handleListAssignments(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	tenantID, err := tenant(ctx)
	if err != nil {
		return nil, err
	}
	f := model.AssignmentFilter{
		CourierID: request.GetString("courier_id", ""),
		Page:      model.Page{Limit: request.GetInt("limit", 20)}.Clamp(),
	}
	if v := request.GetString("status", ""); v != "" {
		st := model.AssignmentStatus(v)
		if !st.Valid() {
			return errorResult("unknown status " + v), nil
		}
		f.Status = &st
	}
	items, total, err := s.reader.ListAssignments(ctx, tenantID, f)
	if err != nil {
		return errorResult(fmt.Sprintf("list assignments failed: %v", err)), nil
	}
	return jsonResult(model.PagedResult[model.Assignment]{Items: items, Total: total, Limit: f.Limit, Offset: f.Offset})
}

func (s *Server) handleGetProcessed(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	tenantID, err := tenant(ctx)
	if err != nil {
		return nil, err
	}
	id, err := uuidArg(request, "processed_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	p, err := s.reader.GetProcessed(ctx, tenantID, id)
	if err != nil {
		return errorResult(fmt.Sprintf("get processed failed: %v", err)), nil
	}
	return jsonResult(p)
}
