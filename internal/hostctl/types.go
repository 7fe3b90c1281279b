// Package hostctl performs host power actions (power off, hibernate, suspend)
// when the safety monitor's countdown expires, and describes the host it runs
// on for status reporting.
package hostctl

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Action is a host power action.
type Action string

const (
	// ActionPowerOff shuts the host down.
	ActionPowerOff Action = "poweroff"
	// ActionHibernate suspends the host to disk.
	ActionHibernate Action = "hibernate"
	// ActionSuspend suspends the host to RAM.
	ActionSuspend Action = "suspend"
)

// ParseAction converts a configuration value to an Action. Matching is case
// insensitive and accepts a few common aliases.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "poweroff", "shutdown", "halt":
		return ActionPowerOff, nil
	case "hibernate", "suspend-to-disk":
		return ActionHibernate, nil
	case "suspend", "sleep", "suspend-to-ram":
		return ActionSuspend, nil
	default:
		return "", fmt.Errorf("unknown host action %q (want poweroff, hibernate or suspend)", s)
	}
}

// Controller carries out host power actions.
//
// Execute starts action after delay. Implementations may return before the
// host actually goes down. Abort cancels a pending action where the platform
// supports it.
type Controller interface {
	Execute(ctx context.Context, action Action, delay time.Duration) error
	Abort(ctx context.Context) error
}

// HostInfo summarises the machine upsguard runs on.
type HostInfo struct {
	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platform_version"`
	KernelVersion   string `json:"kernel_version"`
	UptimeSeconds   uint64 `json:"uptime_seconds"`
	BootTime        uint64 `json:"boot_time"`
}
