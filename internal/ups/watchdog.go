package ups

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jamesprial/upsguard/internal/nut"
	"github.com/rs/zerolog"
)

// Default timings.
const (
	DefaultInterval     = 2 * time.Second
	DefaultFetchTimeout = 5 * time.Second
)

// Config configures a Watchdog.
type Config struct {
	Device       string
	Interval     time.Duration
	FetchTimeout time.Duration
}

// Watchdog drives one telemetry source on a fixed interval.
//
// The session lock is held for one tick's exchange, including the single
// reconnect and retry, and never across ticks. A fetch that times out tears
// the session down, so a wedged server costs at most one tick.
type Watchdog struct {
	dial         Dialer
	consumers    []Consumer
	interval     time.Duration
	fetchTimeout time.Duration
	log          zerolog.Logger
	now          func() time.Time

	mu        sync.Mutex
	session   nut.Session
	target    nut.Target
	hasTarget bool
	device    string

	statusMu sync.RWMutex
	status   Status
}

// NewWatchdog returns an idle watchdog with no session. Call Connect to
// establish one.
func NewWatchdog(cfg Config, dial Dialer, log zerolog.Logger, consumers ...Consumer) *Watchdog {
	if dial == nil {
		panic("ups: NewWatchdog called with nil dialer")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	w := &Watchdog{
		dial:         dial,
		interval:     cfg.Interval,
		fetchTimeout: cfg.FetchTimeout,
		log:          log.With().Str("component", "watchdog").Logger(),
		now:          time.Now,
		device:       cfg.Device,
	}
	for _, c := range consumers {
		if c != nil {
			w.consumers = append(w.consumers, c)
		}
	}
	w.status = Status{Phase: PhaseIdle, Device: cfg.Device}
	return w
}

// Run ticks every interval until ctx is cancelled. Failed ticks are logged
// and not retried outside the cadence.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info().Dur("interval", w.interval).Str("device", w.Device()).Msg("watchdog started")
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("watchdog stopped")
			return
		case <-ticker.C:
			if err := w.Tick(ctx); err != nil && !errors.Is(err, ErrNotConnected) {
				w.log.Warn().Err(err).Msg("poll failed")
			}
		}
	}
}

// Tick performs one polling cycle.
func (w *Watchdog) Tick(ctx context.Context) error {
	w.setPhase(PhasePolling)

	w.mu.Lock()
	if w.session == nil {
		w.mu.Unlock()
		w.recordFailure(ErrNotConnected)
		return ErrNotConnected
	}
	device := w.device

	t, err := w.fetch(ctx, device)
	if err != nil && !nut.IsTimeout(err) && ctx.Err() == nil {
		w.log.Debug().Err(err).Msg("fetch failed, reconnecting once")
		if rerr := w.reconnectLocked(ctx); rerr != nil {
			err = fmt.Errorf("%w (reconnect: %v)", err, rerr)
		} else {
			t, err = w.fetch(ctx, device)
		}
	}
	if err != nil && nut.IsTimeout(err) {
		w.log.Warn().Err(err).Msg("fetch timed out, dropping session")
		_ = w.session.Close()
		w.session = nil
	}
	connected := w.session != nil
	w.mu.Unlock()

	if err != nil {
		w.recordFailure(err)
		if !connected {
			w.setConnected(false, "")
		}
		return fmt.Errorf("poll %s: %w", device, err)
	}

	at := w.now()
	w.recordSuccess(t, at)
	for _, c := range w.consumers {
		c.Consume(ctx, t, at)
	}
	return nil
}

func (w *Watchdog) fetch(ctx context.Context, device string) (nut.Telemetry, error) {
	ctx, cancel := context.WithTimeout(ctx, w.fetchTimeout)
	defer cancel()
	return w.session.FetchTelemetry(ctx, device)
}

// reconnectLocked replaces the session with a fresh one. On failure the old
// session is kept for the next tick. Callers hold w.mu.
func (w *Watchdog) reconnectLocked(ctx context.Context) error {
	if !w.hasTarget {
		return errors.New("no server configured")
	}
	ctx, cancel := context.WithTimeout(ctx, w.fetchTimeout)
	defer cancel()

	s, err := w.dial(ctx, w.target)
	if err != nil {
		return err
	}
	if w.session != nil {
		_ = w.session.Close()
	}
	w.session = s
	return nil
}

// Connect dials target, replacing any existing session. device, when not
// empty, changes the polled UPS. Authentication failures are returned as
// nut.ErrAuthFailed and leave the current session untouched.
func (w *Watchdog) Connect(ctx context.Context, target nut.Target, device string) error {
	ctx, cancel := context.WithTimeout(ctx, w.fetchTimeout)
	defer cancel()

	s, err := w.dial(ctx, target)
	if err != nil {
		return fmt.Errorf("connect %s: %w", target.Address(), err)
	}

	w.mu.Lock()
	old := w.session
	w.session = s
	w.target = target
	w.hasTarget = true
	if device != "" {
		w.device = device
	}
	device = w.device
	w.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	w.setConnected(true, target.Address())
	w.statusMu.Lock()
	w.status.Device = device
	w.statusMu.Unlock()

	w.log.Info().Str("server", target.Address()).Str("device", device).Msg("connected to nut server")
	return nil
}

// Disconnect closes the session. It waits for an in-flight tick, which is
// bounded by the fetch timeout.
func (w *Watchdog) Disconnect() bool {
	w.mu.Lock()
	s := w.session
	w.session = nil
	w.mu.Unlock()

	if s == nil {
		return false
	}
	_ = s.Close()
	w.setConnected(false, "")
	w.log.Info().Msg("disconnected from nut server")
	return true
}

// WithSession runs fn against the live session under the session lock with
// the fetch timeout applied. Timeouts tear the session down as in Tick.
func (w *Watchdog) WithSession(ctx context.Context, fn func(ctx context.Context, s nut.Session, device string) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.session == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, w.fetchTimeout)
	defer cancel()

	err := fn(ctx, w.session, w.device)
	if err != nil && nut.IsTimeout(err) {
		_ = w.session.Close()
		w.session = nil
		w.setConnected(false, "")
	}
	return err
}

// Device returns the polled UPS name.
func (w *Watchdog) Device() string {
	w.statusMu.RLock()
	defer w.statusMu.RUnlock()
	return w.status.Device
}

// Status returns a snapshot. It never waits on the session lock.
func (w *Watchdog) Status() Status {
	w.statusMu.RLock()
	defer w.statusMu.RUnlock()
	s := w.status
	if s.Latest != nil {
		latest := *s.Latest
		s.Latest = &latest
	}
	return s
}

func (w *Watchdog) setPhase(p Phase) {
	w.statusMu.Lock()
	w.status.Phase = p
	w.statusMu.Unlock()
}

func (w *Watchdog) setConnected(connected bool, server string) {
	w.statusMu.Lock()
	w.status.Connected = connected
	if server != "" {
		w.status.Server = server
	}
	w.statusMu.Unlock()
}

func (w *Watchdog) recordSuccess(t nut.Telemetry, at time.Time) {
	w.statusMu.Lock()
	w.status.Phase = PhaseHealthy
	w.status.Connected = true
	w.status.LastSuccess = &at
	w.status.LastError = ""
	w.status.ConsecutiveFailures = 0
	w.status.Latest = &t
	w.statusMu.Unlock()
}

func (w *Watchdog) recordFailure(err error) {
	w.statusMu.Lock()
	w.status.Phase = PhaseDegraded
	w.status.LastError = err.Error()
	w.status.ConsecutiveFailures++
	if errors.Is(err, ErrNotConnected) {
		w.status.Connected = false
	}
	w.statusMu.Unlock()
}
