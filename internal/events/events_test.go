package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jamesprial/upsguard/internal/nut"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

// recorder is a Sink that keeps everything it receives.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

// mockToken implements mqtt.Token.
type mockToken struct {
	err      error
	timedOut bool
}

func (t *mockToken) Wait() bool { return !t.timedOut }

func (t *mockToken) WaitTimeout(time.Duration) bool { return !t.timedOut }

func (t *mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (t *mockToken) Error() error { return t.err }

var _ mqtt.Token = (*mockToken)(nil)

type published struct {
	topic    string
	retained bool
	payload  []byte
}

// mockPublisher implements publisher.
type mockPublisher struct {
	mu      sync.Mutex
	msgs    []published
	token   *mockToken
	publish chan struct{}
}

func (m *mockPublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	m.mu.Lock()
	m.msgs = append(m.msgs, published{topic: topic, retained: retained, payload: payload.([]byte)})
	m.mu.Unlock()
	if m.publish != nil {
		m.publish <- struct{}{}
	}
	if m.token != nil {
		return m.token
	}
	return &mockToken{}
}

var _ publisher = (*mockPublisher)(nil)

var now = time.Date(2026, 5, 2, 8, 30, 0, 0, time.UTC)

// ---------------------------------------------------------------------------
// Bus
// ---------------------------------------------------------------------------

func Test_Bus_FansOutInOrder(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	bus := NewBus(a, nil, b)

	bus.Publish(ShutdownCancelled(CancelRecovered, now))
	bus.Publish(ShutdownWarning(30, "poweroff", now))

	for name, r := range map[string]*recorder{"a": a, "b": b} {
		got := r.kinds()
		if len(got) != 2 || got[0] != KindShutdownCancelled || got[1] != KindShutdownWarning {
			t.Errorf("sink %s got %v", name, got)
		}
	}
}

func Test_SinkFunc(t *testing.T) {
	var got Event
	NewBus(SinkFunc(func(e Event) { got = e })).Publish(StatusChanged("OL", "OB DISCHRG", now))

	if got.PreviousStatus != "OL" || got.CurrentStatus != "OB DISCHRG" {
		t.Errorf("event = %+v", got)
	}
}

// ---------------------------------------------------------------------------
// Journal
// ---------------------------------------------------------------------------

func Test_Journal_RingNewestFirst(t *testing.T) {
	j := NewJournal(3)
	j.Publish(TelemetryUpdated(nut.Telemetry{Status: "OL"}, now))
	for i := int64(1); i <= 5; i++ {
		j.Publish(ShutdownWarning(i, "poweroff", now))
	}

	got := j.Recent(0)
	if len(got) != 3 {
		t.Fatalf("Recent(0) returned %d events, want 3", len(got))
	}
	for i, want := range []int64{5, 4, 3} {
		if *got[i].RemainingSeconds != want {
			t.Errorf("Recent()[%d].RemainingSeconds = %d, want %d", i, *got[i].RemainingSeconds, want)
		}
	}

	if got := j.Recent(1); len(got) != 1 || *got[0].RemainingSeconds != 5 {
		t.Errorf("Recent(1) = %+v", got)
	}
}

func Test_Journal_SkipsTelemetry(t *testing.T) {
	j := NewJournal(10)
	j.Publish(TelemetryUpdated(nut.Telemetry{Status: "OL"}, now))

	if got := j.Recent(0); len(got) != 0 {
		t.Errorf("Recent() = %v, want no telemetry events", got)
	}
}

// ---------------------------------------------------------------------------
// Publisher
// ---------------------------------------------------------------------------

func Test_Publisher_StatusTransitions(t *testing.T) {
	r := &recorder{}
	p := NewPublisher(r)
	ctx := context.Background()

	p.Consume(ctx, nut.Telemetry{Status: "OL"}, now)
	p.Consume(ctx, nut.Telemetry{Status: "OL"}, now.Add(time.Second))
	p.Consume(ctx, nut.Telemetry{Status: "OB DISCHRG"}, now.Add(2*time.Second))

	want := []Kind{KindTelemetry, KindTelemetry, KindTelemetry, KindStatusChanged}
	got := r.kinds()
	if len(got) != len(want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("kinds[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	last := r.events[len(r.events)-1]
	if last.PreviousStatus != "OL" || last.CurrentStatus != "OB DISCHRG" {
		t.Errorf("status-changed = %+v", last)
	}
}

// ---------------------------------------------------------------------------
// LogSink
// ---------------------------------------------------------------------------

func Test_LogSink_WritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))

	sink.Publish(ShutdownWarning(42, "hibernate", now))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["level"] != "warn" || line["remaining_seconds"] != float64(42) || line["action"] != "hibernate" {
		t.Errorf("log line = %v", line)
	}
	if line["component"] != "events" {
		t.Errorf("component = %v, want events", line["component"])
	}
}

// ---------------------------------------------------------------------------
// MQTTSink
// ---------------------------------------------------------------------------

func Test_MQTTSink_Topics(t *testing.T) {
	s := newMQTTSink(&mockPublisher{}, "home/ups/", 1, zerolog.Nop())

	tests := map[Kind]string{
		KindTelemetry:         "home/ups/telemetry",
		KindStatusChanged:     "home/ups/status",
		KindShutdownWarning:   "home/ups/shutdown/warning",
		KindShutdownCancelled: "home/ups/shutdown/cancelled",
	}
	for kind, want := range tests {
		if got := s.Topic(kind); got != want {
			t.Errorf("Topic(%s) = %q, want %q", kind, got, want)
		}
	}

	if got := newMQTTSink(&mockPublisher{}, "", 0, zerolog.Nop()).Topic(KindTelemetry); got != "upsguard/telemetry" {
		t.Errorf("default prefix topic = %q", got)
	}
}

func Test_MQTTSink_RunPublishesJSON(t *testing.T) {
	pub := &mockPublisher{publish: make(chan struct{}, 4)}
	s := newMQTTSink(pub, "ups", 0, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	charge := 87.0
	s.Publish(TelemetryUpdated(nut.Telemetry{Status: "OL", BatteryCharge: &charge}, now))
	s.Publish(StatusChanged("OL", "OB", now))

	for i := 0; i < 2; i++ {
		select {
		case <-pub.publish:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d messages published", i)
		}
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if pub.msgs[0].topic != "ups/telemetry" || !strings.Contains(string(pub.msgs[0].payload), `"battery_charge":87`) {
		t.Errorf("telemetry message = %s %s", pub.msgs[0].topic, pub.msgs[0].payload)
	}
	if pub.msgs[0].retained {
		t.Error("telemetry should not be retained")
	}
	if pub.msgs[1].topic != "ups/status" || !pub.msgs[1].retained {
		t.Errorf("status message = %+v", pub.msgs[1])
	}
}

func Test_MQTTSink_PublishNeverBlocks(t *testing.T) {
	s := newMQTTSink(&mockPublisher{}, "ups", 0, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		// Run is not started, so the queue fills and the rest are dropped.
		for i := 0; i < mqttQueueSize*3; i++ {
			s.Publish(ShutdownWarning(int64(i), "poweroff", now))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked with a full queue")
	}
}

func Test_MQTTSink_SendErrors(t *testing.T) {
	tests := []struct {
		name  string
		token *mockToken
		want  string
	}{
		{name: "broker error", token: &mockToken{err: errors.New("not connected")}, want: "not connected"},
		{name: "timeout", token: &mockToken{timedOut: true}, want: "timed out"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newMQTTSink(&mockPublisher{token: tt.token}, "ups", 0, zerolog.Nop())
			err := s.send(ShutdownCancelled(CancelAborted, now))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("send() error = %v, want %q", err, tt.want)
			}
		})
	}
}
