//go:build libvirt

package hostctl

import (
	"context"
	"fmt"
	"net"

	"github.com/digitalocean/go-libvirt"
)

// Libvirt implements Hypervisor against a libvirt daemon reached through its
// Unix domain socket.
//
// Build with -tags libvirt to include it:
//
//	go build -tags libvirt ./...
type Libvirt struct {
	l *libvirt.Libvirt
}

var _ Hypervisor = (*Libvirt)(nil)

// DialLibvirt connects to the libvirt socket at socketPath.
func DialLibvirt(socketPath string) (*Libvirt, error) {
	if socketPath == "" {
		return nil, fmt.Errorf("libvirt socket path must not be empty")
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial libvirt socket %q: %w", socketPath, err)
	}

	l := libvirt.New(conn)
	if err := l.Connect(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("libvirt connect: %w", err)
	}
	return &Libvirt{l: l}, nil
}

// Close disconnects from the daemon.
func (h *Libvirt) Close() error {
	if err := h.l.Disconnect(); err != nil {
		return fmt.Errorf("libvirt disconnect: %w", err)
	}
	return nil
}

// RunningGuests lists active domains.
func (h *Libvirt) RunningGuests(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("list guests: %w", err)
	}
	domains, _, err := h.l.ConnectListAllDomains(1, libvirt.ConnectListDomainsRunning)
	if err != nil {
		return nil, fmt.Errorf("list guests: %w", err)
	}
	names := make([]string, 0, len(domains))
	for _, d := range domains {
		names = append(names, d.Name)
	}
	return names, nil
}

// State returns the current state of the named domain.
func (h *Libvirt) State(ctx context.Context, name string) (GuestState, error) {
	dom, err := h.lookup(ctx, name)
	if err != nil {
		return "", err
	}
	state, _, err := h.l.DomainGetState(dom, 0)
	if err != nil {
		return "", fmt.Errorf("guest %q: get state: %w", name, err)
	}
	return guestState(libvirt.DomainState(state)), nil
}

// Shutdown requests an ACPI shutdown.
func (h *Libvirt) Shutdown(ctx context.Context, name string) error {
	dom, err := h.lookup(ctx, name)
	if err != nil {
		return err
	}
	if err := h.l.DomainShutdown(dom); err != nil {
		return fmt.Errorf("shutdown guest %q: %w", name, err)
	}
	return nil
}

// Save performs a managed save.
func (h *Libvirt) Save(ctx context.Context, name string) error {
	dom, err := h.lookup(ctx, name)
	if err != nil {
		return err
	}
	if err := h.l.DomainManagedSave(dom, 0); err != nil {
		return fmt.Errorf("save guest %q: %w", name, err)
	}
	return nil
}

// Pause suspends the domain's vCPUs.
func (h *Libvirt) Pause(ctx context.Context, name string) error {
	dom, err := h.lookup(ctx, name)
	if err != nil {
		return err
	}
	if err := h.l.DomainSuspend(dom); err != nil {
		return fmt.Errorf("pause guest %q: %w", name, err)
	}
	return nil
}

func (h *Libvirt) lookup(ctx context.Context, name string) (libvirt.Domain, error) {
	if err := ctx.Err(); err != nil {
		return libvirt.Domain{}, fmt.Errorf("guest %q: %w", name, err)
	}
	dom, err := h.l.DomainLookupByName(name)
	if err != nil {
		return libvirt.Domain{}, fmt.Errorf("guest %q not found: %w", name, err)
	}
	return dom, nil
}

func guestState(s libvirt.DomainState) GuestState {
	switch s {
	case libvirt.DomainRunning:
		return GuestRunning
	case libvirt.DomainPaused:
		return GuestPaused
	case libvirt.DomainCrashed:
		return GuestCrashed
	case libvirt.DomainPmsuspended:
		return GuestSleeping
	default:
		return GuestShutoff
	}
}
