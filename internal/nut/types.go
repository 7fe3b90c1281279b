// Package nut implements a client for the Network UPS Tools (NUT) text
// protocol and the parser that turns variable listings into telemetry.
package nut

import (
	"context"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is the port upsd listens on unless configured otherwise.
const DefaultPort = 3493

// Target identifies a single NUT server. It is immutable for the lifetime of
// a Client.
type Target struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"-"`
}

// Address returns host:port, substituting DefaultPort when Port is unset.
func (t Target) Address() string {
	port := t.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// Device is one entry of a LIST UPS response.
type Device struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Telemetry is a snapshot of one UPS at one instant. Every numeric field is
// optional: nil means the device did not report it, which is distinct from
// zero.
type Telemetry struct {
	Status string `json:"status"`

	BatteryCharge  *float64 `json:"battery_charge,omitempty"`
	BatteryRuntime *float64 `json:"battery_runtime,omitempty"` // seconds
	BatteryVoltage *float64 `json:"battery_voltage,omitempty"`
	BatteryCurrent *float64 `json:"battery_current,omitempty"`
	BatteryType    *string  `json:"battery_type,omitempty"`

	InputVoltage      *float64 `json:"input_voltage,omitempty"`
	InputVoltageFault *float64 `json:"input_voltage_fault,omitempty"`
	InputFrequency    *float64 `json:"input_frequency,omitempty"`

	OutputVoltage          *float64 `json:"output_voltage,omitempty"`
	OutputVoltageNominal   *float64 `json:"output_voltage_nominal,omitempty"`
	OutputFrequency        *float64 `json:"output_frequency,omitempty"`
	OutputFrequencyNominal *float64 `json:"output_frequency_nominal,omitempty"`
	OutputCurrent          *float64 `json:"output_current,omitempty"`

	Load             *float64 `json:"ups_load,omitempty"`
	RealPower        *float64 `json:"ups_realpower,omitempty"`
	RealPowerNominal *float64 `json:"ups_realpower_nominal,omitempty"`
	PowerWatts       *float64 `json:"power_watts,omitempty"`
	AmbientTemp      *float64 `json:"ambient_temp,omitempty"`

	Manufacturer  *string `json:"ups_mfr,omitempty"`
	Model         *string `json:"ups_model,omitempty"`
	Serial        *string `json:"ups_serial,omitempty"`
	Firmware      *string `json:"ups_firmware,omitempty"`
	UPSType       *string `json:"ups_type,omitempty"`
	BeeperStatus  *string `json:"ups_beeper_status,omitempty"`
	DriverName    *string `json:"driver_name,omitempty"`
	DriverVersion *string `json:"driver_version,omitempty"`

	// Extended holds every variable outside the fixed vocabulary, verbatim.
	Extended map[string]string `json:"extended_vars,omitempty"`
}

// Status flags reported in ups.status.
const (
	FlagOnline     = "OL"
	FlagOnBattery  = "OB"
	FlagLowBattery = "LB"
)

// Flags splits the status string into its space-separated tokens.
func (t Telemetry) Flags() []string {
	return strings.Fields(t.Status)
}

// HasFlag reports whether flag is one of the status tokens.
func (t Telemetry) HasFlag(flag string) bool {
	for _, f := range t.Flags() {
		if f == flag {
			return true
		}
	}
	return false
}

// Online reports whether the UPS is running from mains power.
func (t Telemetry) Online() bool { return t.HasFlag(FlagOnline) }

// OnBattery reports whether the UPS is discharging its battery.
func (t Telemetry) OnBattery() bool { return t.HasFlag(FlagOnBattery) }

// LowBattery reports whether the UPS itself has raised the low-battery flag.
func (t Telemetry) LowBattery() bool { return t.HasFlag(FlagLowBattery) }

// Session is a live, authenticated conversation with one NUT server. A
// Session is not safe for concurrent use.
type Session interface {
	FetchTelemetry(ctx context.Context, device string) (Telemetry, error)
	ListDevices(ctx context.Context) ([]Device, error)
	ListCommands(ctx context.Context, device string) ([]string, error)
	RunCommand(ctx context.Context, device, command string) error
	Close() error
}
