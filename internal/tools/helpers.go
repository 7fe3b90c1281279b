// Package tools provides shared helper utilities for MCP tool handlers.
package tools

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jamesprial/upsguard/internal/safety"
	"github.com/mark3labs/mcp-go/mcp"
)

// ConfirmationParam is the argument name every confirmation-gated tool
// accepts.
const ConfirmationParam = "confirmation_token"

// JSONResult marshals v to indented JSON and returns an mcp.CallToolResult.
func JSONResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultText(fmt.Sprintf("error marshaling result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

// ErrorResult returns an mcp.CallToolResult that describes an error condition.
func ErrorResult(msg string) *mcp.CallToolResult {
	return mcp.NewToolResultText(fmt.Sprintf("error: %s", msg))
}

// LogAudit logs a tool invocation to the audit logger, silently ignoring a nil logger.
func LogAudit(audit *safety.AuditLogger, toolName string, params map[string]any, result string, start time.Time) {
	if audit == nil {
		return
	}
	_ = audit.Log(safety.AuditEntry{
		Timestamp: start,
		Actor:     safety.ActorOperator,
		Tool:      toolName,
		Params:    params,
		Result:    result,
		Duration:  time.Since(start),
	})
}

// ConfirmPrompt issues a confirmation request and returns the prompt result.
func ConfirmPrompt(confirm *safety.ConfirmationTracker, toolName, resource, description string) *mcp.CallToolResult {
	token := confirm.RequestConfirmation(toolName, resource, description)
	return mcp.NewToolResultText(fmt.Sprintf(
		"Confirmation required for %s on %q.\n\n%s\n\nTo proceed, call %s again with %s=%q.",
		toolName, resource, description, toolName, ConfirmationParam, token,
	))
}

// RequireConfirmation returns nil when the call may proceed: either the tool
// is not gated or token was issued for this tool and resource. Otherwise it
// returns the prompt to send back to the caller.
func RequireConfirmation(confirm *safety.ConfirmationTracker, token, toolName, resource, description string) *mcp.CallToolResult {
	if confirm == nil || !confirm.NeedsConfirmation(toolName) {
		return nil
	}
	return RequireResourceConfirmation(confirm, token, toolName, resource, description)
}

// RequireResourceConfirmation is RequireConfirmation for tools where only
// some resources are destructive. The caller decides that the call is gated,
// so the tracker's tool list is not consulted. A nil tracker never gates.
func RequireResourceConfirmation(confirm *safety.ConfirmationTracker, token, toolName, resource, description string) *mcp.CallToolResult {
	if confirm == nil || confirm.Confirm(token, toolName, resource) {
		return nil
	}
	return ConfirmPrompt(confirm, toolName, resource, description)
}
