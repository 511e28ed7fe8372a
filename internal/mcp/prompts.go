package mcp

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// audit-request: walks an assistant through explaining one request.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("audit-request",
			mcplib.WithPromptDescription("Explain the history of a pickup request and flag anything unusual"),
			mcplib.WithArgument("request_id",
				mcplib.ArgumentDescription("Request UUID"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleAuditRequestPrompt,
	)
}

func (s *Server) handleAuditRequestPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	raw := request.Params.Arguments["request_id"]
	if raw == "" {
		return nil, fmt.Errorf("request_id argument is required")
	}
	if _, err := uuid.Parse(raw); err != nil {
		return nil, fmt.Errorf("request_id %q is not a UUID", raw)
	}

	return &mcplib.GetPromptResult{
		Description: "Audit request " + raw,
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Audit pickup request %[1]s.

1. CALL hakobi_timeline with request_id="%[1]s".
2. CALL hakobi_ledger with request_id="%[1]s".
3. Summarize who did what and when, in order.
4. Call out anything an auditor would ask about:
   - steps with provenance "inferred", which were never recorded as they happened
   - a courier attached retroactively after finalization
   - proof missing on a stage that happened
   - quantities that differ between pickup and finalization
Only report what the timeline and ledger show. Never infer a step that is not there.`, raw),
				},
			},
		},
	}, nil
}
