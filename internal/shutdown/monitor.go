// Package shutdown arms a countdown when the UPS battery runs low and asks
// the host controller to power the machine down when it expires.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jamesprial/upsguard/internal/events"
	"github.com/jamesprial/upsguard/internal/hostctl"
	"github.com/jamesprial/upsguard/internal/nut"
	"github.com/jamesprial/upsguard/internal/safety"
	"github.com/rs/zerolog"
)

// DefaultActionTimeout bounds a single host action dispatch.
const DefaultActionTimeout = 2 * time.Minute

// Policy configures when the monitor arms and what it does on expiry.
type Policy struct {
	Enabled bool `json:"enabled"`

	// Charge percentage and runtime seconds below which the UPS is critical.
	BatteryThreshold float64 `json:"battery_threshold"`
	RuntimeThreshold float64 `json:"runtime_threshold"`

	Countdown time.Duration  `json:"countdown"`
	Action    hostctl.Action `json:"action"`
	Delay     time.Duration  `json:"delay"` // passed to the host controller
}

// DefaultPolicy returns a disabled policy with conservative thresholds.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:          false,
		BatteryThreshold: 20,
		RuntimeThreshold: 300,
		Countdown:        60 * time.Second,
		Action:           hostctl.ActionPowerOff,
	}
}

// Validate reports the first problem with p.
func (p Policy) Validate() error {
	switch {
	case p.BatteryThreshold < 0 || p.BatteryThreshold > 100:
		return fmt.Errorf("battery threshold %.1f out of range 0..100", p.BatteryThreshold)
	case p.RuntimeThreshold < 0:
		return errors.New("runtime threshold must not be negative")
	case p.Countdown < 0:
		return errors.New("countdown must not be negative")
	case p.Delay < 0:
		return errors.New("action delay must not be negative")
	}
	if _, err := hostctl.ParseAction(string(p.Action)); err != nil {
		return err
	}
	return nil
}

// Critical reports whether a reading crosses either threshold. A missing
// charge counts as full and a missing runtime as unlimited.
func (p Policy) Critical(t nut.Telemetry) bool {
	charge := 100.0
	if t.BatteryCharge != nil {
		charge = *t.BatteryCharge
	}
	runtime := math.Inf(1)
	if t.BatteryRuntime != nil {
		runtime = *t.BatteryRuntime
	}
	return charge < p.BatteryThreshold || runtime < p.RuntimeThreshold
}

// State is a point-in-time view of the monitor.
type State struct {
	Armed            bool           `json:"armed"`
	RemainingSeconds int64          `json:"remaining_seconds"`
	Action           hostctl.Action `json:"action,omitempty"`
	ArmedAt          *time.Time     `json:"armed_at,omitempty"`
	LastEvaluated    *time.Time     `json:"last_evaluated,omitempty"`
	LastDispatch     *time.Time     `json:"last_dispatch,omitempty"`
	LastDispatchErr  string         `json:"last_dispatch_error,omitempty"`
	Policy           Policy         `json:"policy"`
}

// Monitor is the power-loss state machine. Evaluate is driven by the
// watchdog once per successful tick; Abort and SetPolicy may be called from
// any goroutine.
type Monitor struct {
	host          hostctl.Controller
	sink          events.Sink
	audit         *safety.AuditLogger
	log           zerolog.Logger
	actionTimeout time.Duration

	mu           sync.Mutex
	policy       Policy
	armed        bool
	remaining    int64
	action       hostctl.Action
	armedAt      time.Time
	decAt        time.Time // countdown time accounted for so far
	lastEval     time.Time
	lastDispatch time.Time
	lastErr      string

	wg sync.WaitGroup
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithAudit records dispatched host actions in the audit log.
func WithAudit(audit *safety.AuditLogger) Option {
	return func(m *Monitor) { m.audit = audit }
}

// WithActionTimeout bounds each host action dispatch.
func WithActionTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.actionTimeout = d
		}
	}
}

// NewMonitor returns a disarmed monitor. host and sink must not be nil.
func NewMonitor(policy Policy, host hostctl.Controller, sink events.Sink, log zerolog.Logger, opts ...Option) *Monitor {
	if host == nil || sink == nil {
		panic("shutdown: NewMonitor called with nil host controller or sink")
	}
	m := &Monitor{
		host:          host,
		sink:          sink,
		log:           log.With().Str("component", "shutdown").Logger(),
		actionTimeout: DefaultActionTimeout,
		policy:        policy,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Consume adapts Evaluate to the watchdog's consumer signature.
func (m *Monitor) Consume(_ context.Context, t nut.Telemetry, at time.Time) {
	m.Evaluate(t, at)
}

// Evaluate applies one telemetry reading taken at now.
func (m *Monitor) Evaluate(t nut.Telemetry, now time.Time) {
	var (
		emit     []events.Event
		dispatch bool
		action   hostctl.Action
		delay    time.Duration
	)

	m.mu.Lock()
	if !m.policy.Enabled {
		m.mu.Unlock()
		return
	}
	critical := m.policy.Critical(t)

	switch {
	case critical && !m.armed:
		m.armed = true
		m.remaining = int64(m.policy.Countdown / time.Second)
		m.action = m.policy.Action
		m.armedAt = now
		m.decAt = now
		emit = append(emit, events.ShutdownWarning(m.remaining, string(m.action), now))
		m.log.Warn().
			Str("status", t.Status).
			Int64("remaining_seconds", m.remaining).
			Str("action", string(m.action)).
			Msg("battery critical, shutdown countdown armed")

	case critical && m.armed:
		emit = append(emit, events.ShutdownWarning(m.remaining, string(m.action), now))
		if m.remaining == 0 {
			dispatch, action, delay = true, m.action, m.policy.Delay
			m.armed = false
			m.log.Error().Str("action", string(action)).Msg("shutdown countdown expired, dispatching host action")
		} else {
			// Whole seconds only; the leftover fraction carries to the next tick.
			elapsed := int64(now.Sub(m.decAt) / time.Second)
			if elapsed > 0 {
				m.remaining -= elapsed
				m.decAt = m.decAt.Add(time.Duration(elapsed) * time.Second)
			}
			if m.remaining < 0 {
				m.remaining = 0
			}
		}

	case !critical && m.armed:
		m.armed = false
		m.remaining = 0
		emit = append(emit, events.ShutdownCancelled(events.CancelRecovered, now))
		m.log.Info().Str("status", t.Status).Msg("power recovered, shutdown countdown cancelled")
	}
	m.lastEval = now
	m.mu.Unlock()

	for _, e := range emit {
		m.sink.Publish(e)
	}
	if dispatch {
		m.dispatch(action, delay, now)
	}
}

// dispatch runs the host action on its own goroutine so a slow or panicking
// controller can never hold the monitor or stall the watchdog.
func (m *Monitor) dispatch(action hostctl.Action, delay time.Duration, at time.Time) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		start := time.Now()
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("host action panicked: %v", r)
			}
			m.finishDispatch(action, delay, at, start, err)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), m.actionTimeout)
		defer cancel()
		err = m.host.Execute(ctx, action, delay)
	}()
}

func (m *Monitor) finishDispatch(action hostctl.Action, delay time.Duration, at, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error: " + err.Error()
		m.log.Error().Err(err).Str("action", string(action)).Msg("host action failed")
	} else {
		m.log.Warn().Str("action", string(action)).Msg("host action issued")
	}

	m.mu.Lock()
	m.lastDispatch = at
	m.lastErr = ""
	if err != nil {
		m.lastErr = err.Error()
	}
	m.mu.Unlock()

	if m.audit != nil {
		_ = m.audit.Log(safety.AuditEntry{
			Timestamp: time.Now().UTC(),
			Actor:     safety.ActorMonitor,
			Tool:      "host_" + string(action),
			Params:    map[string]any{"delay_seconds": int64(delay / time.Second)},
			Result:    result,
			Duration:  time.Since(start),
		})
	}
}

// Abort disarms the countdown regardless of the current reading and asks the
// host controller to cancel any scheduled platform action. It reports
// whether a countdown was running.
func (m *Monitor) Abort(ctx context.Context) bool {
	now := time.Now()
	m.mu.Lock()
	wasArmed := m.armed
	m.armed = false
	m.remaining = 0
	m.mu.Unlock()

	if wasArmed {
		m.sink.Publish(events.ShutdownCancelled(events.CancelAborted, now))
		m.log.Warn().Msg("shutdown countdown aborted by operator")
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				m.log.Error().Interface("panic", r).Msg("host abort panicked")
			}
		}()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.actionTimeout)
		defer cancel()
		if err := m.host.Abort(ctx); err != nil {
			m.log.Warn().Err(err).Msg("host abort failed")
		}
	}()
	return wasArmed
}

// SetPolicy replaces the policy. Disabling the monitor while armed disarms
// it with a cancellation event.
func (m *Monitor) SetPolicy(p Policy) {
	now := time.Now()
	m.mu.Lock()
	m.policy = p
	cancelled := m.armed && !p.Enabled
	if cancelled {
		m.armed = false
		m.remaining = 0
	}
	m.mu.Unlock()

	if cancelled {
		m.sink.Publish(events.ShutdownCancelled(events.CancelDisabled, now))
		m.log.Info().Msg("shutdown monitor disabled, countdown cancelled")
	}
}

// State returns a snapshot.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := State{
		Armed:           m.armed,
		Action:          m.action,
		LastDispatchErr: m.lastErr,
		Policy:          m.policy,
	}
	if m.armed {
		s.RemainingSeconds = m.remaining
		s.ArmedAt = timePtr(m.armedAt)
	}
	if !m.lastEval.IsZero() {
		s.LastEvaluated = timePtr(m.lastEval)
	}
	if !m.lastDispatch.IsZero() {
		s.LastDispatch = timePtr(m.lastDispatch)
	}
	return s
}

// Wait blocks until every in-flight host action and abort has returned.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

func timePtr(t time.Time) *time.Time { return &t }
