package ups

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jamesprial/upsguard/internal/nut"
	"github.com/jamesprial/upsguard/internal/safety"
	"github.com/jamesprial/upsguard/internal/tools"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/time/rate"
)

const (
	toolNameStatus     = "ups_status"
	toolNameDevices    = "ups_devices"
	toolNameCommands   = "ups_commands"
	toolNameRunCommand = "ups_run_command"
	toolNameConnect    = "ups_connect"
	toolNameDisconnect = "ups_disconnect"
)

// ToolDeps carries what the UPS tools need besides the watchdog.
type ToolDeps struct {
	Filter  *safety.Filter
	Confirm *safety.ConfirmationTracker
	Audit   *safety.AuditLogger
	// Limiter throttles ups_run_command. Nil means unlimited.
	Limiter *rate.Limiter
}

// UPSTools returns the tool registrations for the NUT connection.
func UPSTools(w *Watchdog, deps ToolDeps) []tools.Registration {
	return []tools.Registration{
		upsStatus(w, deps.Audit),
		upsDevices(w, deps.Audit),
		upsCommands(w, deps.Filter, deps.Audit),
		upsRunCommand(w, deps),
		upsConnect(w, deps.Audit),
		upsDisconnect(w, deps.Audit),
	}
}

func upsStatus(w *Watchdog, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool(toolNameStatus,
		mcp.WithDescription("Show the latest UPS telemetry (status flags, battery charge and runtime, voltages, load, power) and the health of the polling connection."),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		status := w.Status()
		tools.LogAudit(audit, toolNameStatus, nil, "ok", start)
		return tools.JSONResult(status), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func upsDevices(w *Watchdog, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool(toolNameDevices,
		mcp.WithDescription("List the UPS devices served by the connected NUT server."),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		var devices []nut.Device
		err := w.WithSession(ctx, func(ctx context.Context, s nut.Session, _ string) error {
			var err error
			devices, err = s.ListDevices(ctx)
			return err
		})
		if err != nil {
			tools.LogAudit(audit, toolNameDevices, nil, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}
		tools.LogAudit(audit, toolNameDevices, nil, "ok", start)
		return tools.JSONResult(devices), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

// commandInfo describes one instant command as seen by the caller.
type commandInfo struct {
	Name        string `json:"name"`
	Allowed     bool   `json:"allowed"`
	Destructive bool   `json:"destructive"`
}

func upsCommands(w *Watchdog, filter *safety.Filter, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool(toolNameCommands,
		mcp.WithDescription("List the instant commands the polled UPS supports, marking which are allowed by policy and which need confirmation."),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		var names []string
		err := w.WithSession(ctx, func(ctx context.Context, s nut.Session, device string) error {
			var err error
			names, err = s.ListCommands(ctx, device)
			return err
		})
		if err != nil {
			tools.LogAudit(audit, toolNameCommands, nil, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		out := make([]commandInfo, 0, len(names))
		for _, n := range names {
			out = append(out, commandInfo{
				Name:        n,
				Allowed:     filter == nil || filter.IsAllowed(n),
				Destructive: safety.IsDestructiveCommand(n),
			})
		}
		tools.LogAudit(audit, toolNameCommands, nil, "ok", start)
		return tools.JSONResult(out), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func upsRunCommand(w *Watchdog, deps ToolDeps) tools.Registration {
	tool := mcp.NewTool(toolNameRunCommand,
		mcp.WithDescription("Run an instant command (INSTCMD) on the polled UPS, e.g. beeper.mute or test.battery.start. Commands that cut or cycle the load require confirmation."),
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("Instant command name as listed by ups_commands"),
		),
		mcp.WithString(tools.ConfirmationParam,
			mcp.Description("Confirmation token from a previous call (required for destructive commands)"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		command := req.GetString("command", "")
		params := map[string]any{"command": command}

		if command == "" {
			tools.LogAudit(deps.Audit, toolNameRunCommand, params, "error: missing command", start)
			return tools.ErrorResult("command is required"), nil
		}
		if deps.Filter != nil && !deps.Filter.IsAllowed(command) {
			tools.LogAudit(deps.Audit, toolNameRunCommand, params, "denied: filtered", start)
			return tools.ErrorResult(fmt.Sprintf("command %q is not allowed by policy", command)), nil
		}

		device := w.Device()
		resource := device + ":" + command
		// Gated per command: only destructive instant commands need a token.
		if safety.IsDestructiveCommand(command) {
			desc := fmt.Sprintf("Instant command %s affects the power delivered by UPS %s.", command, device)
			token := req.GetString(tools.ConfirmationParam, "")
			if prompt := tools.RequireResourceConfirmation(deps.Confirm, token, toolNameRunCommand, resource, desc); prompt != nil {
				tools.LogAudit(deps.Audit, toolNameRunCommand, params, "confirmation requested", start)
				return prompt, nil
			}
		}

		if deps.Limiter != nil && !deps.Limiter.Allow() {
			tools.LogAudit(deps.Audit, toolNameRunCommand, params, "denied: rate limited", start)
			return tools.ErrorResult("too many commands, try again shortly"), nil
		}

		err := w.WithSession(ctx, func(ctx context.Context, s nut.Session, device string) error {
			return s.RunCommand(ctx, device, command)
		})
		if err != nil {
			tools.LogAudit(deps.Audit, toolNameRunCommand, params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		tools.LogAudit(deps.Audit, toolNameRunCommand, params, "ok", start)
		return mcp.NewToolResultText(fmt.Sprintf("Command %s sent to %s.", command, device)), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func upsConnect(w *Watchdog, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool(toolNameConnect,
		mcp.WithDescription("Connect (or reconnect) to a NUT server and start polling a UPS on it."),
		mcp.WithString("host",
			mcp.Required(),
			mcp.Description("NUT server host name or address"),
		),
		mcp.WithNumber("port",
			mcp.Description("NUT server port (default: 3493)"),
		),
		mcp.WithString("device",
			mcp.Description("UPS name on the server (default: keep the current device)"),
		),
		mcp.WithString("username",
			mcp.Description("NUT user name"),
		),
		mcp.WithString("password",
			mcp.Description("NUT password"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		target := nut.Target{
			Host:     req.GetString("host", ""),
			Port:     req.GetInt("port", nut.DefaultPort),
			Username: req.GetString("username", ""),
			Password: req.GetString("password", ""),
		}
		device := req.GetString("device", "")
		params := map[string]any{"host": target.Host, "port": target.Port, "device": device, "username": target.Username}

		if target.Host == "" {
			tools.LogAudit(audit, toolNameConnect, params, "error: missing host", start)
			return tools.ErrorResult("host is required"), nil
		}
		if target.Port < 1 || target.Port > 65535 {
			tools.LogAudit(audit, toolNameConnect, params, "error: invalid port", start)
			return tools.ErrorResult("port must be between 1 and 65535"), nil
		}

		if err := w.Connect(ctx, target, device); err != nil {
			msg := err.Error()
			if errors.Is(err, nut.ErrAuthFailed) {
				msg = "authentication failed: check the NUT user name and password"
			}
			tools.LogAudit(audit, toolNameConnect, params, "error: "+err.Error(), start)
			return tools.ErrorResult(msg), nil
		}

		tools.LogAudit(audit, toolNameConnect, params, "ok", start)
		return mcp.NewToolResultText(fmt.Sprintf("Connected to %s, polling %s.", target.Address(), w.Device())), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func upsDisconnect(w *Watchdog, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool(toolNameDisconnect,
		mcp.WithDescription("Close the NUT session. Polling reports \"not connected\" until ups_connect is called again."),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		if !w.Disconnect() {
			tools.LogAudit(audit, toolNameDisconnect, nil, "ok: not connected", start)
			return mcp.NewToolResultText("Not connected."), nil
		}
		tools.LogAudit(audit, toolNameDisconnect, nil, "ok", start)
		return mcp.NewToolResultText("Disconnected."), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}
