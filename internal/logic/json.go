package logic

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// maxMs is the largest millisecond count a time.Duration can hold.
const maxMs = math.MaxInt64 / int64(time.Millisecond)

// ConfigJSON is the wire representation of a Configuration.
// Durations travel as whole milliseconds.
type ConfigJSON struct {
	Ignition            bool        `json:"ignition"`
	StrokeMode          StrokeMode  `json:"stroke_mode"`
	ControlMode         ControlMode `json:"control_mode"`
	FiringDelayMs       int64       `json:"firing_delay_ms"`
	FiringDurationMs    int64       `json:"firing_duration_ms"`
	FiringDurationMinMs int64       `json:"firing_duration_min_ms"`
	FiringDurationMaxMs int64       `json:"firing_duration_max_ms"`
	TargetRPM           float64     `json:"target_rpm"`
	Kp                  float64     `json:"kp"`
	Ki                  float64     `json:"ki"`
	Kd                  float64     `json:"kd"`
}

// TelemetryJSON is the wire representation of a Telemetry snapshot.
type TelemetryJSON struct {
	Timestamp string             `json:"timestamp"`
	Sensor    [NumCylinders]bool `json:"sensor"`
	Solenoid  [NumCylinders]bool `json:"solenoid"`
	Stroke    [NumCylinders]int  `json:"stroke"`
	RPM       float64            `json:"rpm"`
}

// NewConfigJSON converts a Configuration to its wire form.
func NewConfigJSON(c Configuration) ConfigJSON {
	return ConfigJSON{
		Ignition:            c.Ignition,
		StrokeMode:          c.StrokeMode,
		ControlMode:         c.ControlMode,
		FiringDelayMs:       c.FiringDelay.Milliseconds(),
		FiringDurationMs:    c.FiringDuration.Milliseconds(),
		FiringDurationMinMs: c.FiringDurationMin.Milliseconds(),
		FiringDurationMaxMs: c.FiringDurationMax.Milliseconds(),
		TargetRPM:           c.TargetRPM,
		Kp:                  c.Gains.Kp,
		Ki:                  c.Gains.Ki,
		Kd:                  c.Gains.Kd,
	}
}

// Configuration converts the wire form back to a Configuration.
func (j ConfigJSON) Configuration() Configuration {
	return Configuration{
		Ignition:          j.Ignition,
		StrokeMode:        j.StrokeMode,
		ControlMode:       j.ControlMode,
		FiringDelay:       time.Duration(j.FiringDelayMs) * time.Millisecond,
		FiringDuration:    time.Duration(j.FiringDurationMs) * time.Millisecond,
		FiringDurationMin: time.Duration(j.FiringDurationMinMs) * time.Millisecond,
		FiringDurationMax: time.Duration(j.FiringDurationMaxMs) * time.Millisecond,
		TargetRPM:         j.TargetRPM,
		Gains:             Gains{Kp: j.Kp, Ki: j.Ki, Kd: j.Kd},
	}
}

// FormatConfig returns the JSON payload for a configuration.
func FormatConfig(c Configuration) ([]byte, error) {
	return json.Marshal(NewConfigJSON(c))
}

// MergeConfig decodes a (possibly partial) JSON configuration on top of base.
// Fields absent from data keep their value from base. Millisecond fields that
// do not fit a time.Duration are rejected; otherwise the result is not validated.
func MergeConfig(base Configuration, data []byte) (Configuration, error) {
	j := NewConfigJSON(base)
	if err := json.Unmarshal(data, &j); err != nil {
		return base, fmt.Errorf("%w: decode: %v", ErrInvalidConfig, err)
	}
	for _, f := range []struct {
		name string
		ms   int64
	}{
		{"firing_delay_ms", j.FiringDelayMs},
		{"firing_duration_ms", j.FiringDurationMs},
		{"firing_duration_min_ms", j.FiringDurationMinMs},
		{"firing_duration_max_ms", j.FiringDurationMaxMs},
	} {
		if f.ms > maxMs || f.ms < -maxMs {
			return base, fmt.Errorf("%w: %s %d out of range", ErrInvalidConfig, f.name, f.ms)
		}
	}
	return j.Configuration(), nil
}

// NewTelemetryJSON converts a Telemetry snapshot to its wire form.
func NewTelemetryJSON(t Telemetry) TelemetryJSON {
	return TelemetryJSON{
		Timestamp: t.Timestamp.UTC().Format(time.RFC3339Nano),
		Sensor:    t.Sensor,
		Solenoid:  t.Solenoid,
		Stroke:    t.Stroke,
		RPM:       t.RPM,
	}
}

// FormatTelemetry returns the JSON payload for a telemetry snapshot.
func FormatTelemetry(t Telemetry) ([]byte, error) {
	return json.Marshal(NewTelemetryJSON(t))
}
