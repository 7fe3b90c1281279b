package history

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jamesprial/upsguard/internal/safety"
	"github.com/jamesprial/upsguard/internal/tools"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	toolNameHistoryQuery   = "history_query"
	toolNameHistoryStats   = "history_stats"
	toolNameHistoryCompact = "history_compact"
	toolNameHistoryPrune   = "history_prune"

	defaultLookbackHours = 24
	maxLookbackHours     = 24 * 366
)

// DestructiveTools lists the history tools that require confirmation.
var DestructiveTools = []string{toolNameHistoryCompact, toolNameHistoryPrune}

// HistoryTools returns the tool registrations for reading and maintaining
// the telemetry history.
func HistoryTools(store Store, confirm *safety.ConfirmationTracker, audit *safety.AuditLogger) []tools.Registration {
	return []tools.Registration{
		historyQuery(store, audit),
		historyStats(store, audit),
		historyCompact(store, confirm, audit),
		historyPrune(store, confirm, audit),
	}
}

// queryResult wraps the entries returned by history_query.
type queryResult struct {
	Hours   int     `json:"hours"`
	Count   int     `json:"count"`
	Entries []Entry `json:"entries"`
}

func lookbackHours(req mcp.CallToolRequest) (int, error) {
	hours := req.GetInt("hours", defaultLookbackHours)
	if hours <= 0 || hours > maxLookbackHours {
		return 0, fmt.Errorf("hours must be between 1 and %d", maxLookbackHours)
	}
	return hours, nil
}

func historyQuery(store Store, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool(toolNameHistoryQuery,
		mcp.WithDescription("Return persisted UPS history samples from the lookback window, oldest first."),
		mcp.WithNumber("hours",
			mcp.Description("Lookback window in hours (default: 24)"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		params := map[string]any{"hours": req.GetInt("hours", defaultLookbackHours)}

		hours, err := lookbackHours(req)
		if err != nil {
			tools.LogAudit(audit, toolNameHistoryQuery, params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		entries, err := store.QueryRange(ctx, hours)
		if err != nil {
			tools.LogAudit(audit, toolNameHistoryQuery, params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		tools.LogAudit(audit, toolNameHistoryQuery, params, "ok", start)
		return tools.JSONResult(queryResult{Hours: hours, Count: len(entries), Entries: entries}), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func historyStats(store Store, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool(toolNameHistoryStats,
		mcp.WithDescription("Summarise UPS history over a lookback window: voltage, load and charge ranges, sample count and outage count."),
		mcp.WithNumber("hours",
			mcp.Description("Lookback window in hours (default: 24)"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		params := map[string]any{"hours": req.GetInt("hours", defaultLookbackHours)}

		hours, err := lookbackHours(req)
		if err != nil {
			tools.LogAudit(audit, toolNameHistoryStats, params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		stats, err := store.Aggregate(ctx, hours)
		if err != nil {
			tools.LogAudit(audit, toolNameHistoryStats, params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		tools.LogAudit(audit, toolNameHistoryStats, params, "ok", start)
		return tools.JSONResult(stats), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func historyCompact(store Store, confirm *safety.ConfirmationTracker, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool(toolNameHistoryCompact,
		mcp.WithDescription("Downsample online-normal history to one sample per 5 minutes. Non-normal samples are never removed. Requires confirmation."),
		mcp.WithString(tools.ConfirmationParam,
			mcp.Description("Confirmation token returned by a prior call to this tool"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		token := req.GetString(tools.ConfirmationParam, "")
		params := map[string]any{}

		desc := fmt.Sprintf("This will delete every online sample (%s) except the earliest in each %d-second window.", strings.Join(NominalStatuses, ", "), CompactionBucket)
		if prompt := tools.RequireConfirmation(confirm, token, toolNameHistoryCompact, "history", desc); prompt != nil {
			return prompt, nil
		}

		removed, err := store.Compact(ctx)
		if err != nil {
			tools.LogAudit(audit, toolNameHistoryCompact, params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		tools.LogAudit(audit, toolNameHistoryCompact, params, "ok", start)
		return tools.JSONResult(map[string]any{"removed": removed}), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func historyPrune(store Store, confirm *safety.ConfirmationTracker, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool(toolNameHistoryPrune,
		mcp.WithDescription("Permanently delete history older than the given number of days. Requires confirmation."),
		mcp.WithNumber("days",
			mcp.Required(),
			mcp.Description("Delete samples older than this many days"),
		),
		mcp.WithString(tools.ConfirmationParam,
			mcp.Description("Confirmation token returned by a prior call to this tool"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		days := req.GetInt("days", 0)
		token := req.GetString(tools.ConfirmationParam, "")
		params := map[string]any{"days": days}

		if days <= 0 {
			tools.LogAudit(audit, toolNameHistoryPrune, params, "error: invalid days", start)
			return tools.ErrorResult("days must be a positive integer"), nil
		}

		desc := fmt.Sprintf("This will permanently delete every history sample older than %d days.", days)
		if prompt := tools.RequireConfirmation(confirm, token, toolNameHistoryPrune, strconv.Itoa(days), desc); prompt != nil {
			return prompt, nil
		}

		removed, err := store.DeleteOlderThan(ctx, days)
		if err != nil {
			tools.LogAudit(audit, toolNameHistoryPrune, params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		tools.LogAudit(audit, toolNameHistoryPrune, params, "ok", start)
		return tools.JSONResult(map[string]any{"removed": removed, "days": days}), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}
