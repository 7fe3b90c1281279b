// Package ups polls one UPS on a NUT server at a fixed interval and hands
// each reading to the monitor's consumers.
package ups

import (
	"context"
	"errors"
	"time"

	"github.com/jamesprial/upsguard/internal/nut"
)

// ErrNotConnected is reported by a tick when no session exists.
var ErrNotConnected = errors.New("not connected")

// Phase is the watchdog's position in its polling cycle.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhasePolling  Phase = "polling"
	PhaseHealthy  Phase = "healthy"
	PhaseDegraded Phase = "degraded"
)

// Consumer receives every successful reading. Consume must not block for
// long; it runs on the polling goroutine after the session lock is released.
type Consumer interface {
	Consume(ctx context.Context, t nut.Telemetry, at time.Time)
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(ctx context.Context, t nut.Telemetry, at time.Time)

// Consume calls f.
func (f ConsumerFunc) Consume(ctx context.Context, t nut.Telemetry, at time.Time) { f(ctx, t, at) }

// Dialer opens an authenticated session to target.
type Dialer func(ctx context.Context, target nut.Target) (nut.Session, error)

// NUTDialer returns a Dialer backed by nut.Dial.
func NUTDialer(opts nut.Options) Dialer {
	return func(ctx context.Context, target nut.Target) (nut.Session, error) {
		c, err := nut.Dial(ctx, target, opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Status is a snapshot of the watchdog.
type Status struct {
	Phase               Phase          `json:"phase"`
	Connected           bool           `json:"connected"`
	Server              string         `json:"server,omitempty"`
	Device              string         `json:"device"`
	LastSuccess         *time.Time     `json:"last_success,omitempty"`
	LastError           string         `json:"last_error,omitempty"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	Latest              *nut.Telemetry `json:"latest,omitempty"`
}
