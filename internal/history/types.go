// Package history persists a sampled projection of UPS telemetry and owns the
// compaction and retention rules applied to it.
package history

import (
	"context"
)

// NominalStatuses are the statuses whose entries may be compacted away:
// online, optionally recharging. Entries carrying any other flag (OB, LB,
// RB, BYPASS, ...) are permanent.
var NominalStatuses = []string{"OL", "OL CHRG", "CHRG OL"}

// CompactionBucket is the width, in seconds, of a compaction window.
const CompactionBucket = 300

// Entry is one persisted telemetry sample.
type Entry struct {
	ID            int64    `json:"id"`
	Timestamp     int64    `json:"timestamp"` // unix seconds
	InputVoltage  *float64 `json:"input_voltage,omitempty"`
	OutputVoltage *float64 `json:"output_voltage,omitempty"`
	LoadPercent   *float64 `json:"load_percent,omitempty"`
	BatteryCharge *float64 `json:"battery_charge,omitempty"`
	Status        string   `json:"status"`
}

// Stats summarises the entries inside a lookback window. Min/max/avg fields
// are nil when no entry in the window carried the value.
type Stats struct {
	Hours int `json:"hours"`

	MinInputVoltage *float64 `json:"min_input_voltage,omitempty"`
	MaxInputVoltage *float64 `json:"max_input_voltage,omitempty"`
	AvgInputVoltage *float64 `json:"avg_input_voltage,omitempty"`

	MinOutputVoltage *float64 `json:"min_output_voltage,omitempty"`
	MaxOutputVoltage *float64 `json:"max_output_voltage,omitempty"`
	AvgOutputVoltage *float64 `json:"avg_output_voltage,omitempty"`

	MaxLoad *float64 `json:"max_load,omitempty"`
	AvgLoad *float64 `json:"avg_load,omitempty"`

	MinBatteryCharge *float64 `json:"min_battery_charge,omitempty"`
	AvgBatteryCharge *float64 `json:"avg_battery_charge,omitempty"`

	Count   int64 `json:"count"`
	Outages int64 `json:"outages"`
}

// Store is the storage engine behind the history logger. Insert, Compact and
// DeleteOlderThan must not run concurrently on the same store.
type Store interface {
	Insert(ctx context.Context, e Entry) (int64, error)
	QueryRange(ctx context.Context, hours int) ([]Entry, error)
	DeleteOlderThan(ctx context.Context, days int) (int64, error)
	Compact(ctx context.Context) (int64, error)
	Aggregate(ctx context.Context, hours int) (Stats, error)
	Close() error
}
