package ups

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jamesprial/upsguard/internal/nut"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

// mockSession implements nut.Session with function fields.
type mockSession struct {
	id int

	mu          sync.Mutex
	fetches     int
	closed      bool
	fetchFunc   func(ctx context.Context, device string) (nut.Telemetry, error)
	devicesFunc func(ctx context.Context) ([]nut.Device, error)
	cmdsFunc    func(ctx context.Context, device string) ([]string, error)
	runFunc     func(ctx context.Context, device, command string) error
}

func (m *mockSession) FetchTelemetry(ctx context.Context, device string) (nut.Telemetry, error) {
	m.mu.Lock()
	m.fetches++
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nut.Telemetry{}, errors.New("use of closed session")
	}
	if m.fetchFunc != nil {
		return m.fetchFunc(ctx, device)
	}
	return nut.Telemetry{Status: "OL"}, nil
}

func (m *mockSession) ListDevices(ctx context.Context) ([]nut.Device, error) {
	if m.devicesFunc != nil {
		return m.devicesFunc(ctx)
	}
	return nil, nil
}

func (m *mockSession) ListCommands(ctx context.Context, device string) ([]string, error) {
	if m.cmdsFunc != nil {
		return m.cmdsFunc(ctx, device)
	}
	return nil, nil
}

func (m *mockSession) RunCommand(ctx context.Context, device, command string) error {
	if m.runFunc != nil {
		return m.runFunc(ctx, device, command)
	}
	return nil
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *mockSession) fetchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

func (m *mockSession) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

var _ nut.Session = (*mockSession)(nil)

// scriptedDialer hands out sessions in order and counts dials. Once the
// script is exhausted it returns err.
type scriptedDialer struct {
	mu       sync.Mutex
	sessions []*mockSession
	dials    int
	err      error
}

func (d *scriptedDialer) dial(ctx context.Context, target nut.Target) (nut.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.sessions) == 0 {
		if d.err != nil {
			return nil, d.err
		}
		return nil, nut.ErrConnectionFailed
	}
	s := d.sessions[0]
	d.sessions = d.sessions[1:]
	return s, nil
}

func (d *scriptedDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// collector is a Consumer that records readings.
type collector struct {
	mu       sync.Mutex
	readings []nut.Telemetry
}

func (c *collector) Consume(_ context.Context, t nut.Telemetry, _ time.Time) {
	c.mu.Lock()
	c.readings = append(c.readings, t)
	c.mu.Unlock()
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.readings)
}

var _ Consumer = (*collector)(nil)

var timeoutErr = &nut.IOError{Op: "read", Err: context.DeadlineExceeded}

var testTarget = nut.Target{Host: "10.0.0.5"}

func newTestWatchdog(t *testing.T, d *scriptedDialer, consumers ...Consumer) *Watchdog {
	t.Helper()
	w := NewWatchdog(Config{Device: "ups", FetchTimeout: time.Second}, d.dial, zerolog.Nop(), consumers...)
	return w
}

func connect(t *testing.T, w *Watchdog) {
	t.Helper()
	if err := w.Connect(context.Background(), testTarget, ""); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
}

// ---------------------------------------------------------------------------
// Tick
// ---------------------------------------------------------------------------

func Test_Tick_NoSessionReportsNotConnected(t *testing.T) {
	d := &scriptedDialer{}
	w := newTestWatchdog(t, d)

	err := w.Tick(context.Background())
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Tick() error = %v, want ErrNotConnected", err)
	}
	if d.count() != 0 {
		t.Errorf("dials = %d, want none without a session", d.count())
	}
	s := w.Status()
	if s.Phase != PhaseDegraded || s.Connected || s.LastError != "not connected" {
		t.Errorf("status = %+v", s)
	}
}

func Test_Tick_SuccessFansOutToConsumers(t *testing.T) {
	charge := 97.0
	sess := &mockSession{fetchFunc: func(_ context.Context, device string) (nut.Telemetry, error) {
		if device != "ups" {
			t.Errorf("fetched device %q, want ups", device)
		}
		return nut.Telemetry{Status: "OL CHRG", BatteryCharge: &charge}, nil
	}}
	d := &scriptedDialer{sessions: []*mockSession{sess}}
	a, b := &collector{}, &collector{}
	w := newTestWatchdog(t, d, a, b)
	connect(t, w)

	if err := w.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	if a.count() != 1 || b.count() != 1 {
		t.Errorf("consumer readings = %d, %d; want 1 each", a.count(), b.count())
	}
	s := w.Status()
	if s.Phase != PhaseHealthy || !s.Connected || s.ConsecutiveFailures != 0 {
		t.Errorf("status = %+v", s)
	}
	if s.Latest == nil || s.Latest.Status != "OL CHRG" || s.LastSuccess == nil {
		t.Errorf("latest = %+v", s.Latest)
	}
}

func Test_Tick_FailureReconnectsOnceAndRetries(t *testing.T) {
	first := &mockSession{id: 1, fetchFunc: func(context.Context, string) (nut.Telemetry, error) {
		return nut.Telemetry{}, &nut.IOError{Op: "read", Err: errors.New("connection reset by peer")}
	}}
	second := &mockSession{id: 2}
	d := &scriptedDialer{sessions: []*mockSession{first, second}}
	c := &collector{}
	w := newTestWatchdog(t, d, c)
	connect(t, w)

	if err := w.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	if d.count() != 2 {
		t.Errorf("dials = %d, want connect + one reconnect", d.count())
	}
	if !first.isClosed() {
		t.Error("replaced session was not closed")
	}
	if second.fetchCount() != 1 || c.count() != 1 {
		t.Errorf("retry fetches = %d, readings = %d; want 1 and 1", second.fetchCount(), c.count())
	}
}

func Test_Tick_RetryFailureLeavesSession(t *testing.T) {
	failing := func(context.Context, string) (nut.Telemetry, error) {
		return nut.Telemetry{}, &nut.ServerError{Command: "LIST VAR ups", Code: "DATA-STALE"}
	}
	first := &mockSession{fetchFunc: failing}
	d := &scriptedDialer{sessions: []*mockSession{first}, err: errors.New("connection refused")}
	c := &collector{}
	w := newTestWatchdog(t, d, c)
	connect(t, w)

	if err := w.Tick(context.Background()); err == nil {
		t.Fatal("Tick() error = nil, want failure")
	}
	if first.fetchCount() != 1 || first.isClosed() {
		t.Errorf("fetches = %d closed = %v; want the session kept for the next tick", first.fetchCount(), first.isClosed())
	}
	if c.count() != 0 {
		t.Error("consumers received a reading from a failed tick")
	}

	// The next tick tries the reconnect again.
	_ = w.Tick(context.Background())
	if d.count() != 3 {
		t.Errorf("dials = %d, want 3", d.count())
	}
	if s := w.Status(); s.ConsecutiveFailures != 2 || s.Phase != PhaseDegraded {
		t.Errorf("status = %+v", s)
	}
}

func Test_Tick_TimeoutTearsDownSession(t *testing.T) {
	stuck := &mockSession{fetchFunc: func(context.Context, string) (nut.Telemetry, error) {
		return nut.Telemetry{}, timeoutErr
	}}
	fresh := &mockSession{}
	d := &scriptedDialer{sessions: []*mockSession{stuck, fresh}}
	w := newTestWatchdog(t, d)
	connect(t, w)

	if err := w.Tick(context.Background()); !nut.IsTimeout(err) {
		t.Fatalf("Tick() error = %v, want timeout", err)
	}
	if !stuck.isClosed() {
		t.Error("timed-out session not closed")
	}
	if d.count() != 1 {
		t.Errorf("dials = %d, want no reconnect on timeout", d.count())
	}

	// Next tick starts from no session and never touches the old socket.
	if err := w.Tick(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("second Tick() error = %v, want ErrNotConnected", err)
	}
	if stuck.fetchCount() != 1 {
		t.Errorf("torn-down session fetched %d times, want 1", stuck.fetchCount())
	}
	if w.Status().Connected {
		t.Error("status still connected after teardown")
	}

	connect(t, w)
	if err := w.Tick(context.Background()); err != nil {
		t.Errorf("Tick() after reconnect error = %v", err)
	}
	if fresh.fetchCount() != 1 {
		t.Errorf("fresh session fetches = %d, want 1", fresh.fetchCount())
	}
}

func Test_Tick_WedgedServerBoundedByFetchTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	var conns []net.Conn
	var mu sync.Mutex
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			// Never reply.
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	defer func() {
		mu.Lock()
		for _, c := range conns {
			c.Close()
		}
		mu.Unlock()
	}()

	addr := ln.Addr().(*net.TCPAddr)
	w := NewWatchdog(Config{Device: "ups", FetchTimeout: 150 * time.Millisecond}, NUTDialer(nut.Options{}), zerolog.Nop())
	if err := w.Connect(context.Background(), nut.Target{Host: "127.0.0.1", Port: addr.Port}, ""); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	start := time.Now()
	err = w.Tick(context.Background())
	if !nut.IsTimeout(err) {
		t.Fatalf("Tick() error = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Tick took %v with a wedged server", elapsed)
	}

	// The lock was released: administrative calls see no session at once.
	done := make(chan error, 1)
	go func() { done <- w.WithSession(context.Background(), func(context.Context, nut.Session, string) error { return nil }) }()
	select {
	case err := <-done:
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("WithSession() error = %v, want ErrNotConnected", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WithSession blocked after a timed-out tick")
	}
}

// ---------------------------------------------------------------------------
// Connect, Disconnect, WithSession
// ---------------------------------------------------------------------------

func Test_Connect_AuthFailureKeepsCurrentSession(t *testing.T) {
	current := &mockSession{}
	d := &scriptedDialer{sessions: []*mockSession{current}, err: nut.ErrAuthFailed}
	w := newTestWatchdog(t, d)
	connect(t, w)

	err := w.Connect(context.Background(), nut.Target{Host: "other"}, "")
	if !errors.Is(err, nut.ErrAuthFailed) {
		t.Fatalf("Connect() error = %v, want ErrAuthFailed", err)
	}
	if current.isClosed() {
		t.Error("current session closed by a failed connect")
	}
	if err := w.Tick(context.Background()); err != nil {
		t.Errorf("Tick() error = %v", err)
	}
}

func Test_Connect_ReplacesSessionAndDevice(t *testing.T) {
	first, second := &mockSession{}, &mockSession{}
	d := &scriptedDialer{sessions: []*mockSession{first, second}}
	w := newTestWatchdog(t, d)
	connect(t, w)

	if err := w.Connect(context.Background(), nut.Target{Host: "10.0.0.6", Port: 3494}, "rack"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !first.isClosed() {
		t.Error("old session not closed")
	}
	s := w.Status()
	if s.Device != "rack" || s.Server != "10.0.0.6:3494" || !s.Connected {
		t.Errorf("status = %+v", s)
	}
}

func Test_Disconnect(t *testing.T) {
	sess := &mockSession{}
	d := &scriptedDialer{sessions: []*mockSession{sess}}
	w := newTestWatchdog(t, d)

	if w.Disconnect() {
		t.Error("Disconnect() = true with no session")
	}
	connect(t, w)
	if !w.Disconnect() {
		t.Error("Disconnect() = false with a session")
	}
	if !sess.isClosed() || w.Status().Connected {
		t.Error("session not closed or status still connected")
	}
	if err := w.Tick(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Tick() error = %v, want ErrNotConnected", err)
	}
}

func Test_WithSession_TimeoutTearsDown(t *testing.T) {
	sess := &mockSession{}
	d := &scriptedDialer{sessions: []*mockSession{sess}}
	w := newTestWatchdog(t, d)
	connect(t, w)

	err := w.WithSession(context.Background(), func(ctx context.Context, s nut.Session, device string) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("WithSession context has no deadline")
		}
		return timeoutErr
	})
	if !nut.IsTimeout(err) {
		t.Fatalf("WithSession() error = %v", err)
	}
	if !sess.isClosed() {
		t.Error("session kept after timeout")
	}
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func Test_Run_TicksUntilCancelled(t *testing.T) {
	sess := &mockSession{}
	d := &scriptedDialer{sessions: []*mockSession{sess}}
	c := &collector{}
	w := NewWatchdog(Config{Device: "ups", Interval: 10 * time.Millisecond}, d.dial, zerolog.Nop(), c)
	connect(t, w)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for c.count() < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d readings after 2s", c.count())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
