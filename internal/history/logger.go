package history

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/jamesprial/upsguard/internal/nut"
	"github.com/rs/zerolog"
)

// SamplingPolicy decides which telemetry records are worth persisting.
type SamplingPolicy struct {
	// VoltageVelocity is the rate of change, in volts per second, above which
	// a sample is persisted.
	VoltageVelocity float64
	// LoadDelta is the load change, in percentage points, above which a
	// sample is persisted.
	LoadDelta float64
	// ChargeDelta is the battery charge change, in percentage points, above
	// which a sample is persisted.
	ChargeDelta float64
	// Heartbeat forces a sample through once this long has passed since the
	// last persisted one.
	Heartbeat time.Duration
}

// DefaultSamplingPolicy returns the standard thresholds.
func DefaultSamplingPolicy() SamplingPolicy {
	return SamplingPolicy{
		VoltageVelocity: 0.5,
		LoadDelta:       5,
		ChargeDelta:     2,
		Heartbeat:       600 * time.Second,
	}
}

// Reasons a sample was persisted.
const (
	ReasonFirst     = "first"
	ReasonStatus    = "status"
	ReasonVoltage   = "voltage"
	ReasonLoad      = "load"
	ReasonCharge    = "charge"
	ReasonHeartbeat = "heartbeat"
)

// sample is the in-memory baseline: the last record that was persisted.
type sample struct {
	at            time.Time
	status        string
	inputVoltage  *float64
	outputVoltage *float64
	load          *float64
	charge        *float64
}

// Logger consumes telemetry and persists the samples that differ enough from
// the last persisted one.
type Logger struct {
	store  Store
	policy SamplingPolicy
	log    zerolog.Logger

	mu       sync.Mutex
	baseline *sample
}

// NewLogger returns a Logger writing to store.
func NewLogger(store Store, policy SamplingPolicy, log zerolog.Logger) *Logger {
	if store == nil {
		panic("history: NewLogger called with nil store")
	}
	return &Logger{
		store:  store,
		policy: policy,
		log:    log.With().Str("component", "history").Logger(),
	}
}

// Consume evaluates one telemetry record observed at at. Storage failures are
// logged and leave the baseline where it was.
func (l *Logger) Consume(ctx context.Context, t nut.Telemetry, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	candidate := sample{
		at:            at,
		status:        t.Status,
		inputVoltage:  t.InputVoltage,
		outputVoltage: t.OutputVoltage,
		load:          t.Load,
		charge:        t.BatteryCharge,
	}

	reason, ok := l.policy.decide(l.baseline, candidate)
	if !ok {
		return
	}

	entry := Entry{
		Timestamp:     at.Unix(),
		InputVoltage:  t.InputVoltage,
		OutputVoltage: t.OutputVoltage,
		LoadPercent:   t.Load,
		BatteryCharge: t.BatteryCharge,
		Status:        t.Status,
	}
	id, err := l.store.Insert(ctx, entry)
	if err != nil {
		l.log.Error().Err(err).Str("reason", reason).Msg("failed to persist history sample")
		return
	}
	l.baseline = &candidate
	l.log.Debug().Int64("id", id).Str("reason", reason).Str("status", t.Status).Msg("history sample persisted")
}

// ShouldPersist reports whether a record observed at at would be persisted
// against the current baseline, without storing it.
func (l *Logger) ShouldPersist(t nut.Telemetry, at time.Time) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.policy.decide(l.baseline, sample{
		at:            at,
		status:        t.Status,
		inputVoltage:  t.InputVoltage,
		outputVoltage: t.OutputVoltage,
		load:          t.Load,
		charge:        t.BatteryCharge,
	})
}

// decide applies the sampling rules in order and returns the first one that
// fires.
func (p SamplingPolicy) decide(base *sample, next sample) (string, bool) {
	if base == nil {
		return ReasonFirst, true
	}
	if next.status != base.status {
		return ReasonStatus, true
	}

	elapsed := next.at.Sub(base.at).Seconds()
	if elapsed > 0 {
		velocity := math.Max(
			delta(base.inputVoltage, next.inputVoltage),
			delta(base.outputVoltage, next.outputVoltage),
		) / elapsed
		if velocity > p.VoltageVelocity {
			return ReasonVoltage, true
		}
	}
	if delta(base.load, next.load) > p.LoadDelta {
		return ReasonLoad, true
	}
	if delta(base.charge, next.charge) > p.ChargeDelta {
		return ReasonCharge, true
	}
	if next.at.Sub(base.at) >= p.Heartbeat {
		return ReasonHeartbeat, true
	}
	return "", false
}

// delta is |b-a|, or 0 when either side is missing.
func delta(a, b *float64) float64 {
	if a == nil || b == nil {
		return 0
	}
	return math.Abs(*b - *a)
}
