package hostctl

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/host"
)

// Describe reports the host's identity and uptime.
func Describe(ctx context.Context) (HostInfo, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return HostInfo{}, fmt.Errorf("describe host: %w", err)
	}
	return HostInfo{
		Hostname:        info.Hostname,
		OS:              info.OS,
		Platform:        info.Platform,
		PlatformVersion: info.PlatformVersion,
		KernelVersion:   info.KernelVersion,
		UptimeSeconds:   info.Uptime,
		BootTime:        info.BootTime,
	}, nil
}
