// Package events carries one-way notifications from the monitor to its
// outward sinks: the log, an in-memory journal and an MQTT broker.
package events

import (
	"sync"
	"time"

	"github.com/jamesprial/upsguard/internal/nut"
)

// Kind identifies what happened.
type Kind string

const (
	KindTelemetry         Kind = "telemetry-updated"
	KindShutdownWarning   Kind = "shutdown-warning"
	KindShutdownCancelled Kind = "shutdown-cancelled"
	KindStatusChanged     Kind = "status-changed"
)

// Reasons attached to a shutdown-cancelled event.
const (
	CancelRecovered = "recovered"
	CancelAborted   = "aborted"
	CancelDisabled  = "disabled"
)

// Event is a single notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind Kind      `json:"kind"`
	Time time.Time `json:"time"`

	Telemetry *nut.Telemetry `json:"telemetry,omitempty"`

	RemainingSeconds *int64 `json:"remaining_seconds,omitempty"`
	Action           string `json:"action,omitempty"`
	Reason           string `json:"reason,omitempty"`

	PreviousStatus string `json:"previous_status,omitempty"`
	CurrentStatus  string `json:"current_status,omitempty"`
}

// TelemetryUpdated builds a telemetry-updated event.
func TelemetryUpdated(t nut.Telemetry, at time.Time) Event {
	return Event{Kind: KindTelemetry, Time: at, Telemetry: &t}
}

// ShutdownWarning builds a shutdown-warning event.
func ShutdownWarning(remaining int64, action string, at time.Time) Event {
	return Event{Kind: KindShutdownWarning, Time: at, RemainingSeconds: &remaining, Action: action}
}

// ShutdownCancelled builds a shutdown-cancelled event.
func ShutdownCancelled(reason string, at time.Time) Event {
	return Event{Kind: KindShutdownCancelled, Time: at, Reason: reason}
}

// StatusChanged builds a status-changed event.
func StatusChanged(previous, current string, at time.Time) Event {
	return Event{Kind: KindStatusChanged, Time: at, PreviousStatus: previous, CurrentStatus: current}
}

// Sink receives events. Publish must not block the caller for long and never
// reports failure; no acknowledgement is expected.
type Sink interface {
	Publish(e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(e Event)

// Publish calls f(e).
func (f SinkFunc) Publish(e Event) { f(e) }

// Bus fans every event out to all attached sinks in attachment order.
type Bus struct {
	mu    sync.RWMutex
	sinks []Sink
}

var _ Sink = (*Bus)(nil)

// NewBus returns a Bus with the given sinks attached.
func NewBus(sinks ...Sink) *Bus {
	b := &Bus{}
	for _, s := range sinks {
		b.Attach(s)
	}
	return b
}

// Attach adds a sink. Nil sinks are ignored.
func (b *Bus) Attach(s Sink) {
	if s == nil {
		return
	}
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Publish delivers e to every sink.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()
	for _, s := range sinks {
		s.Publish(e)
	}
}
