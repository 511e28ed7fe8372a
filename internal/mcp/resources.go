package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	timelineURIPrefix = "hakobi://requests/"
	timelineURISuffix = "/timeline"
)

func (s *Server) registerResources() {
	// hakobi://requests/{id}/timeline: reconstructed timeline as a resource.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			timelineURIPrefix+"{id}"+timelineURISuffix,
			"Request Timeline",
			mcplib.WithTemplateDescription("Gap-tolerant audit trail for one pickup request"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleTimelineResource,
	)
}

// parseTimelineURI extracts the request id from hakobi://requests/{id}/timeline.
func parseTimelineURI(uri string) (uuid.UUID, error) {
	rest, ok := strings.CutPrefix(uri, timelineURIPrefix)
	if !ok {
		return uuid.Nil, fmt.Errorf("invalid timeline URI: %s", uri)
	}
	raw, ok := strings.CutSuffix(rest, timelineURISuffix)
	if !ok {
		return uuid.Nil, fmt.Errorf("invalid timeline URI: %s", uri)
	}
	if raw == "" {
		return uuid.Nil, fmt.Errorf("invalid timeline URI: empty request id")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid timeline URI: request id %q is not a UUID", raw)
	}
	return id, nil
}

func (s *Server) handleTimelineResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	tenantID, err := tenant(ctx)
	if err != nil {
		return nil, err
	}
	id, err := parseTimelineURI(request.Params.URI)
	if err != nil {
		return nil, err
	}
	tl, err := s.history.Timeline(ctx, tenantID, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: timeline: %w", err)
	}
	data, err := json.MarshalIndent(tl, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal timeline: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
