package events

import (
	"context"
	"sync"
	"time"

	"github.com/jamesprial/upsguard/internal/nut"
	"github.com/rs/zerolog"
)

// LogSink writes events to a zerolog logger. Telemetry updates are logged at
// debug level, everything else at warn or info.
type LogSink struct {
	log zerolog.Logger
}

var _ Sink = (*LogSink)(nil)

// NewLogSink returns a LogSink writing to log.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "events").Logger()}
}

// Publish logs e.
func (s *LogSink) Publish(e Event) {
	switch e.Kind {
	case KindTelemetry:
		ev := s.log.Debug().Str("kind", string(e.Kind))
		if e.Telemetry != nil {
			ev = ev.Str("status", e.Telemetry.Status)
			if e.Telemetry.BatteryCharge != nil {
				ev = ev.Float64("battery_charge", *e.Telemetry.BatteryCharge)
			}
			if e.Telemetry.BatteryRuntime != nil {
				ev = ev.Float64("battery_runtime", *e.Telemetry.BatteryRuntime)
			}
		}
		ev.Msg("telemetry updated")
	case KindShutdownWarning:
		ev := s.log.Warn().Str("kind", string(e.Kind)).Str("action", e.Action)
		if e.RemainingSeconds != nil {
			ev = ev.Int64("remaining_seconds", *e.RemainingSeconds)
		}
		ev.Msg("host power action pending")
	case KindShutdownCancelled:
		s.log.Info().Str("kind", string(e.Kind)).Str("reason", e.Reason).Msg("host power action cancelled")
	case KindStatusChanged:
		s.log.Info().Str("kind", string(e.Kind)).
			Str("previous", e.PreviousStatus).
			Str("current", e.CurrentStatus).
			Msg("ups status changed")
	default:
		s.log.Info().Str("kind", string(e.Kind)).Msg("event")
	}
}

// Journal keeps the most recent notable events in a fixed-size ring.
// Telemetry updates are not retained.
type Journal struct {
	mu    sync.Mutex
	ring  []Event
	next  int
	count int
}

var _ Sink = (*Journal)(nil)

// NewJournal returns a Journal holding up to capacity events.
func NewJournal(capacity int) *Journal {
	if capacity <= 0 {
		capacity = 100
	}
	return &Journal{ring: make([]Event, capacity)}
}

// Publish records e unless it is a telemetry update.
func (j *Journal) Publish(e Event) {
	if e.Kind == KindTelemetry {
		return
	}
	j.mu.Lock()
	j.ring[j.next] = e
	j.next = (j.next + 1) % len(j.ring)
	if j.count < len(j.ring) {
		j.count++
	}
	j.mu.Unlock()
}

// Recent returns up to limit events, newest first. A non-positive limit
// returns everything retained.
func (j *Journal) Recent(limit int) []Event {
	j.mu.Lock()
	defer j.mu.Unlock()

	n := j.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, 0, n)
	for i := 1; i <= n; i++ {
		idx := (j.next - i + len(j.ring)) % len(j.ring)
		out = append(out, j.ring[idx])
	}
	return out
}

// Publisher turns watchdog telemetry into telemetry-updated events, plus a
// status-changed event whenever ups.status differs from the previous record.
type Publisher struct {
	sink Sink

	mu         sync.Mutex
	lastStatus string
	seen       bool
}

// NewPublisher returns a Publisher emitting to sink.
func NewPublisher(sink Sink) *Publisher {
	if sink == nil {
		panic("events: NewPublisher called with nil sink")
	}
	return &Publisher{sink: sink}
}

// Consume publishes the record and any status transition.
func (p *Publisher) Consume(_ context.Context, t nut.Telemetry, at time.Time) {
	p.mu.Lock()
	previous, seen := p.lastStatus, p.seen
	p.lastStatus, p.seen = t.Status, true
	p.mu.Unlock()

	p.sink.Publish(TelemetryUpdated(t, at))
	if seen && previous != t.Status {
		p.sink.Publish(StatusChanged(previous, t.Status, at))
	}
}
