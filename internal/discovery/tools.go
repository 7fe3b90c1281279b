package discovery

import (
	"context"
	"time"

	"github.com/jamesprial/upsguard/internal/safety"
	"github.com/jamesprial/upsguard/internal/tools"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const toolNameScan = "nut_scan"

// DiscoveryTools returns the tool registrations for network discovery.
func DiscoveryTools(defaults Options, audit *safety.AuditLogger) []tools.Registration {
	return []tools.Registration{
		nutScan(defaults, audit),
	}
}

func nutScan(defaults Options, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool(toolNameScan,
		mcp.WithDescription("Scan an IPv4 subnet (at most a /22) for NUT servers and list the UPS devices each one serves."),
		mcp.WithString("subnet",
			mcp.Required(),
			mcp.Description("Subnet in CIDR notation, e.g. 192.168.1.0/24"),
		),
		mcp.WithNumber("port",
			mcp.Description("NUT port to probe (default: 3493)"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		subnet := req.GetString("subnet", "")
		opts := defaults
		opts.Port = req.GetInt("port", defaults.Port)
		params := map[string]any{"subnet": subnet, "port": opts.Port}

		if subnet == "" {
			tools.LogAudit(audit, toolNameScan, params, "error: missing subnet", start)
			return tools.ErrorResult("subnet is required"), nil
		}

		hosts, err := Scan(ctx, subnet, opts)
		if err != nil {
			tools.LogAudit(audit, toolNameScan, params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		tools.LogAudit(audit, toolNameScan, params, "ok", start)
		return tools.JSONResult(hosts), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}
