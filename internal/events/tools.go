package events

import (
	"context"
	"time"

	"github.com/jamesprial/upsguard/internal/safety"
	"github.com/jamesprial/upsguard/internal/tools"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const toolNameUPSEvents = "ups_events"

// EventTools returns the tool registrations for reading the event journal.
func EventTools(journal *Journal, audit *safety.AuditLogger) []tools.Registration {
	return []tools.Registration{
		upsEvents(journal, audit),
	}
}

func upsEvents(journal *Journal, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool(toolNameUPSEvents,
		mcp.WithDescription("List recent UPS events (status changes, shutdown warnings and cancellations), newest first."),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of events to return (default: 50, 0 = all retained)"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		limit := req.GetInt("limit", 50)
		params := map[string]any{"limit": limit}

		if limit < 0 {
			tools.LogAudit(audit, toolNameUPSEvents, params, "error: invalid limit", start)
			return tools.ErrorResult("limit must not be negative"), nil
		}

		recent := journal.Recent(limit)
		tools.LogAudit(audit, toolNameUPSEvents, params, "ok", start)
		return tools.JSONResult(recent), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}
