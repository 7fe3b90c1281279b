package nut

import (
	"strconv"
	"strings"
)

type fieldSetter func(t *Telemetry, value string)

func number(field func(t *Telemetry) **float64) fieldSetter {
	return func(t *Telemetry, value string) {
		v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return
		}
		*field(t) = &v
	}
}

func text(field func(t *Telemetry) **string) fieldSetter {
	return func(t *Telemetry, value string) {
		v := value
		*field(t) = &v
	}
}

// knownVariables maps NUT variable names onto Telemetry fields. Anything not
// listed here lands in Telemetry.Extended.
var knownVariables = map[string]fieldSetter{
	"ups.status": func(t *Telemetry, v string) { t.Status = v },

	"battery.charge":  number(func(t *Telemetry) **float64 { return &t.BatteryCharge }),
	"battery.runtime": number(func(t *Telemetry) **float64 { return &t.BatteryRuntime }),
	"battery.voltage": number(func(t *Telemetry) **float64 { return &t.BatteryVoltage }),
	"battery.current": number(func(t *Telemetry) **float64 { return &t.BatteryCurrent }),
	"battery.type":    text(func(t *Telemetry) **string { return &t.BatteryType }),

	"input.voltage":       number(func(t *Telemetry) **float64 { return &t.InputVoltage }),
	"input.voltage.fault": number(func(t *Telemetry) **float64 { return &t.InputVoltageFault }),
	"input.frequency":     number(func(t *Telemetry) **float64 { return &t.InputFrequency }),

	"output.voltage":           number(func(t *Telemetry) **float64 { return &t.OutputVoltage }),
	"output.voltage.nominal":   number(func(t *Telemetry) **float64 { return &t.OutputVoltageNominal }),
	"output.frequency":         number(func(t *Telemetry) **float64 { return &t.OutputFrequency }),
	"output.frequency.nominal": number(func(t *Telemetry) **float64 { return &t.OutputFrequencyNominal }),
	"output.current":           number(func(t *Telemetry) **float64 { return &t.OutputCurrent }),

	"ups.load":              number(func(t *Telemetry) **float64 { return &t.Load }),
	"ups.realpower":         number(func(t *Telemetry) **float64 { return &t.RealPower }),
	"ups.realpower.nominal": number(func(t *Telemetry) **float64 { return &t.RealPowerNominal }),
	"ambient.temperature":   number(func(t *Telemetry) **float64 { return &t.AmbientTemp }),

	"ups.mfr":           text(func(t *Telemetry) **string { return &t.Manufacturer }),
	"ups.model":         text(func(t *Telemetry) **string { return &t.Model }),
	"ups.serial":        text(func(t *Telemetry) **string { return &t.Serial }),
	"ups.firmware":      text(func(t *Telemetry) **string { return &t.Firmware }),
	"ups.type":          text(func(t *Telemetry) **string { return &t.UPSType }),
	"ups.beeper.status": text(func(t *Telemetry) **string { return &t.BeeperStatus }),
	"driver.name":       text(func(t *Telemetry) **string { return &t.DriverName }),
	"driver.version":    text(func(t *Telemetry) **string { return &t.DriverVersion }),
}

// ParseVariables builds a Telemetry from a LIST VAR response. It never fails:
// unrecognised lines are skipped and unparseable numbers are left nil.
func ParseVariables(raw string) Telemetry {
	var t Telemetry
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(line, "VAR ") {
			continue
		}
		parts := strings.SplitN(line, " ", 4)
		if len(parts) < 4 {
			continue
		}
		key, value := parts[2], unquote(parts[3])

		if set, ok := knownVariables[key]; ok {
			set(&t, value)
			continue
		}
		if t.Extended == nil {
			t.Extended = make(map[string]string)
		}
		t.Extended[key] = value
	}
	t.PowerWatts = derivePower(t)
	return t
}

// derivePower prefers the reported real power and otherwise estimates it from
// the nominal rating and load percentage.
func derivePower(t Telemetry) *float64 {
	if t.RealPower != nil {
		v := *t.RealPower
		return &v
	}
	if t.RealPowerNominal != nil && t.Load != nil {
		v := *t.RealPowerNominal * (*t.Load / 100)
		return &v
	}
	return nil
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, `"`)
	return strings.TrimSuffix(s, `"`)
}

// parseDevices reads "UPS <name> "<description>"" lines.
func parseDevices(raw string) []Device {
	devices := []Device{}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(line, "UPS ") {
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		if len(parts) < 2 || parts[1] == "" {
			continue
		}
		d := Device{Name: parts[1]}
		if len(parts) == 3 {
			d.Description = unquote(parts[2])
		}
		devices = append(devices, d)
	}
	return devices
}

// parseCommands reads "CMD <device> <command>" lines.
func parseCommands(raw string) []string {
	commands := []string{}
	for _, line := range strings.Split(raw, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 3 || fields[0] != "CMD" {
			continue
		}
		commands = append(commands, fields[2])
	}
	return commands
}
