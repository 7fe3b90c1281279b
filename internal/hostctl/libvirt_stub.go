//go:build !libvirt

package hostctl

import (
	"context"
	"errors"
	"fmt"
)

var errNoLibvirt = errors.New("libvirt support not compiled: rebuild with -tags libvirt")

// Libvirt is a placeholder compiled when the "libvirt" build tag is absent.
type Libvirt struct{}

var _ Hypervisor = (*Libvirt)(nil)

// DialLibvirt always fails in stub mode.
func DialLibvirt(socketPath string) (*Libvirt, error) {
	return nil, fmt.Errorf("%w (socket: %s)", errNoLibvirt, socketPath)
}

func (*Libvirt) Close() error { return nil }

func (*Libvirt) RunningGuests(context.Context) ([]string, error) { return nil, errNoLibvirt }

func (*Libvirt) State(context.Context, string) (GuestState, error) { return "", errNoLibvirt }

func (*Libvirt) Shutdown(context.Context, string) error { return errNoLibvirt }

func (*Libvirt) Save(context.Context, string) error { return errNoLibvirt }

func (*Libvirt) Pause(context.Context, string) error { return errNoLibvirt }
