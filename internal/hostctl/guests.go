package hostctl

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// GuestState is the run state of a virtual machine.
type GuestState string

// Guest states reported by a Hypervisor.
const (
	GuestRunning  GuestState = "running"
	GuestPaused   GuestState = "paused"
	GuestShutoff  GuestState = "shutoff"
	GuestCrashed  GuestState = "crashed"
	GuestSleeping GuestState = "pmsuspended"
)

// Hypervisor is the set of guest operations the guest-aware controller needs.
type Hypervisor interface {
	// RunningGuests returns the names of every running guest.
	RunningGuests(ctx context.Context) ([]string, error)
	State(ctx context.Context, name string) (GuestState, error)
	// Shutdown sends an ACPI power-button request.
	Shutdown(ctx context.Context, name string) error
	// Save writes guest memory to disk and stops it; the guest resumes from
	// the image on its next start.
	Save(ctx context.Context, name string) error
	Pause(ctx context.Context, name string) error
	Close() error
}

const guestPollInterval = 2 * time.Second

// GuestController puts running virtual machines into a safe state before
// handing the host action to the wrapped controller:
//
//	poweroff  -> ACPI shutdown, then wait up to the guest timeout
//	hibernate -> managed save
//	suspend   -> pause
//
// Guest failures are logged and never block the host action.
type GuestController struct {
	hv           Hypervisor
	next         Controller
	guestTimeout time.Duration
	poll         time.Duration
	log          zerolog.Logger
}

var _ Controller = (*GuestController)(nil)

// NewGuestController wraps next with guest handling through hv.
func NewGuestController(hv Hypervisor, next Controller, guestTimeout time.Duration, log zerolog.Logger) *GuestController {
	if hv == nil || next == nil {
		panic("hostctl: NewGuestController called with nil hypervisor or controller")
	}
	return &GuestController{
		hv:           hv,
		next:         next,
		guestTimeout: guestTimeout,
		poll:         guestPollInterval,
		log:          log.With().Str("component", "hostctl").Logger(),
	}
}

// Execute secures the guests and then runs the host action.
func (g *GuestController) Execute(ctx context.Context, action Action, delay time.Duration) error {
	g.secureGuests(ctx, action)
	return g.next.Execute(ctx, action, delay)
}

// Abort forwards to the wrapped controller. Guests already stopped or saved
// are left as they are.
func (g *GuestController) Abort(ctx context.Context) error {
	return g.next.Abort(ctx)
}

func (g *GuestController) secureGuests(ctx context.Context, action Action) {
	names, err := g.hv.RunningGuests(ctx)
	if err != nil {
		g.log.Error().Err(err).Msg("listing running guests failed, continuing with host action")
		return
	}
	if len(names) == 0 {
		return
	}
	g.log.Warn().Strs("guests", names).Str("action", string(action)).Msg("securing guests before host power action")

	var pending []string
	for _, name := range names {
		var err error
		switch action {
		case ActionPowerOff:
			err = g.hv.Shutdown(ctx, name)
			if err == nil {
				pending = append(pending, name)
			}
		case ActionHibernate:
			err = g.hv.Save(ctx, name)
		case ActionSuspend:
			err = g.hv.Pause(ctx, name)
		default:
			err = fmt.Errorf("unknown action %q", action)
		}
		if err != nil {
			g.log.Error().Err(err).Str("guest", name).Msg("securing guest failed")
		}
	}

	if len(pending) > 0 {
		g.waitShutoff(ctx, pending)
	}
}

// waitShutoff polls until every guest is off or the guest timeout passes.
func (g *GuestController) waitShutoff(ctx context.Context, names []string) {
	deadline := time.NewTimer(g.guestTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()

	for {
		var still []string
		for _, name := range names {
			state, err := g.hv.State(ctx, name)
			if err != nil || state == GuestShutoff || state == GuestCrashed {
				continue
			}
			still = append(still, name)
		}
		if len(still) == 0 {
			g.log.Info().Msg("all guests shut down")
			return
		}
		names = still

		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			g.log.Warn().Strs("guests", names).Dur("timeout", g.guestTimeout).Msg("guests still running after timeout")
			return
		case <-ticker.C:
		}
	}
}
