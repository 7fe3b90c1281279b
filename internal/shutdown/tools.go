package shutdown

import (
	"context"
	"time"

	"github.com/jamesprial/upsguard/internal/hostctl"
	"github.com/jamesprial/upsguard/internal/safety"
	"github.com/jamesprial/upsguard/internal/tools"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	toolNameStatus = "shutdown_status"
	toolNameAbort  = "shutdown_abort"
)

// DescribeFunc reports the host identity shown by shutdown_status.
type DescribeFunc func(ctx context.Context) (hostctl.HostInfo, error)

// statusView is the shutdown_status payload. Durations are whole seconds.
type statusView struct {
	Armed            bool              `json:"armed"`
	RemainingSeconds int64             `json:"remaining_seconds"`
	Action           hostctl.Action    `json:"action,omitempty"`
	ArmedAt          *time.Time        `json:"armed_at,omitempty"`
	LastEvaluated    *time.Time        `json:"last_evaluated,omitempty"`
	LastDispatch     *time.Time        `json:"last_dispatch,omitempty"`
	LastDispatchErr  string            `json:"last_dispatch_error,omitempty"`
	Policy           policyView        `json:"policy"`
	Host             *hostctl.HostInfo `json:"host,omitempty"`
	HostErr          string            `json:"host_error,omitempty"`
}

type policyView struct {
	Enabled          bool           `json:"enabled"`
	BatteryThreshold float64        `json:"battery_threshold_percent"`
	RuntimeThreshold float64        `json:"runtime_threshold_seconds"`
	CountdownSeconds int64          `json:"countdown_seconds"`
	Action           hostctl.Action `json:"action"`
	DelaySeconds     int64          `json:"delay_seconds"`
}

// ShutdownTools returns the tool registrations for the power-loss monitor.
// describe may be nil, in which case no host identity is reported.
func ShutdownTools(m *Monitor, describe DescribeFunc, audit *safety.AuditLogger) []tools.Registration {
	return []tools.Registration{
		shutdownStatus(m, describe, audit),
		shutdownAbort(m, audit),
	}
}

func shutdownStatus(m *Monitor, describe DescribeFunc, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool(toolNameStatus,
		mcp.WithDescription("Show the power-loss monitor: whether a shutdown countdown is armed, seconds remaining, the configured policy and the host it protects."),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		s := m.State()
		view := statusView{
			Armed:            s.Armed,
			RemainingSeconds: s.RemainingSeconds,
			Action:           s.Action,
			ArmedAt:          s.ArmedAt,
			LastEvaluated:    s.LastEvaluated,
			LastDispatch:     s.LastDispatch,
			LastDispatchErr:  s.LastDispatchErr,
			Policy: policyView{
				Enabled:          s.Policy.Enabled,
				BatteryThreshold: s.Policy.BatteryThreshold,
				RuntimeThreshold: s.Policy.RuntimeThreshold,
				CountdownSeconds: int64(s.Policy.Countdown / time.Second),
				Action:           s.Policy.Action,
				DelaySeconds:     int64(s.Policy.Delay / time.Second),
			},
		}
		if describe != nil {
			if info, err := describe(ctx); err != nil {
				view.HostErr = err.Error()
			} else {
				view.Host = &info
			}
		}

		tools.LogAudit(audit, toolNameStatus, nil, "ok", start)
		return tools.JSONResult(view), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func shutdownAbort(m *Monitor, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool(toolNameAbort,
		mcp.WithDescription("Abort a pending automatic shutdown. Disarms the countdown immediately and cancels any platform shutdown already scheduled."),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		wasArmed := m.Abort(ctx)

		msg := "no countdown was armed; platform shutdown cancel requested"
		if wasArmed {
			msg = "shutdown countdown aborted"
		}
		tools.LogAudit(audit, toolNameAbort, map[string]any{"was_armed": wasArmed}, "ok", start)
		return mcp.NewToolResultText(msg), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}
