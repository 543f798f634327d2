package verifier

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/ppah/kit"
)

// RegisterMCP registers the operator tools on an MCP server. The MCP
// transport is expected to be local to the operator; tools take no report
// token.
func (v *Verifier) RegisterMCP(srv *mcp.Server) {
	v.registerSecurityReportTool(srv)
	v.registerListSessionsTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// --- security_report ---

type securityReportRequest struct {
	SessionID string `json:"session_id"`
}

func (v *Verifier) registerSecurityReportTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "ppah_security_report",
		Description: "Security report of a monitored session: status, freeze reason, segment count, last trust score and anomalies.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string", "description": "Session ID returned by session init"},
		}, []string{"session_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		rr := req.(*securityReportRequest)
		return v.SecurityReport(ctx, rr.SessionID)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var rr securityReportRequest
		if err := json.Unmarshal(req.Params.Arguments, &rr); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{
			Request:   &rr,
			EnrichCtx: func(ctx context.Context) context.Context { return kit.WithSessionID(ctx, rr.SessionID) },
		}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- list_sessions ---

type listSessionsRequest struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

func (v *Verifier) registerListSessionsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "ppah_list_sessions",
		Description: "List monitored sessions, most recently active first. Session keys are never returned.",
		InputSchema: inputSchema(map[string]any{
			"status": map[string]any{"type": "string", "enum": []any{"active", "frozen", "terminated"}, "description": "Filter by status"},
			"limit":  map[string]any{"type": "integer", "description": "Max results (default 50)"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		rr := req.(*listSessionsRequest)
		return v.ListSessions(ctx, rr.Status, rr.Limit)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var rr listSessionsRequest
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &rr); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: &rr}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
