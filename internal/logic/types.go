// Package logic contains the pure engine control rules: configuration, stroke
// sequencing, RPM estimation and the feedback law.
// This package has NO external dependencies (no GPIO, MQTT, OS, timers or locks).
// Time is always injectable via time.Time parameters.
package logic

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// NumCylinders is the number of cylinders the controller drives.
const NumCylinders = 2

// ErrInvalidConfig is returned (wrapped) for configuration updates rejected at the boundary.
var ErrInvalidConfig = errors.New("invalid configuration")

// ErrUnknownCylinder is returned for cylinder indexes outside [0, NumCylinders).
var ErrUnknownCylinder = errors.New("unknown cylinder")

// StrokeMode selects two-stroke or four-stroke sequencing.
type StrokeMode string

const (
	TwoStroke  StrokeMode = "2-stroke"
	FourStroke StrokeMode = "4-stroke"
)

// Valid reports whether m is a known stroke mode.
func (m StrokeMode) Valid() bool {
	return m == TwoStroke || m == FourStroke
}

// StrokesPerCycle returns 2 for two-stroke and 4 for four-stroke.
func (m StrokeMode) StrokesPerCycle() int {
	if m == FourStroke {
		return 4
	}
	return 2
}

// InitialStrokes returns the per-cylinder stroke counts a cylinder bank starts
// from (and is reset to) in this mode.
func (m StrokeMode) InitialStrokes() [NumCylinders]int {
	if m == FourStroke {
		return [NumCylinders]int{1, 3}
	}
	return [NumCylinders]int{1, 2}
}

// ControlMode selects whether firing duration is set directly or by the PID loop.
type ControlMode string

const (
	Raw      ControlMode = "raw"
	Feedback ControlMode = "feedback"
)

// Valid reports whether m is a known control mode.
func (m ControlMode) Valid() bool {
	return m == Raw || m == Feedback
}

// Gains are the PID coefficients.
type Gains struct {
	Kp float64
	Ki float64
	Kd float64
}

// Configuration is the operator-facing engine configuration.
type Configuration struct {
	Ignition          bool
	StrokeMode        StrokeMode
	ControlMode       ControlMode
	FiringDelay       time.Duration
	FiringDuration    time.Duration
	FiringDurationMin time.Duration
	FiringDurationMax time.Duration
	TargetRPM         float64
	Gains             Gains
}

// DefaultConfiguration returns the startup configuration.
func DefaultConfiguration() Configuration {
	return Configuration{
		Ignition:          true,
		StrokeMode:        TwoStroke,
		ControlMode:       Raw,
		FiringDelay:       10 * time.Millisecond,
		FiringDuration:    10 * time.Millisecond,
		FiringDurationMin: 1 * time.Millisecond,
		FiringDurationMax: 100 * time.Millisecond,
		TargetRPM:         150,
		Gains:             Gains{Kp: 0.25, Ki: 0.01, Kd: 0.01},
	}
}

// Validate checks the configuration. Raw-mode durations are not required to lie
// within [FiringDurationMin, FiringDurationMax]; only the bounds themselves are checked.
func (c Configuration) Validate() error {
	if !c.StrokeMode.Valid() {
		return fmt.Errorf("%w: unknown stroke mode %q", ErrInvalidConfig, c.StrokeMode)
	}
	if !c.ControlMode.Valid() {
		return fmt.Errorf("%w: unknown control mode %q", ErrInvalidConfig, c.ControlMode)
	}
	if c.FiringDelay < 0 {
		return fmt.Errorf("%w: negative firing delay %v", ErrInvalidConfig, c.FiringDelay)
	}
	if c.FiringDuration < 0 {
		return fmt.Errorf("%w: negative firing duration %v", ErrInvalidConfig, c.FiringDuration)
	}
	if c.FiringDurationMin < 0 {
		return fmt.Errorf("%w: negative minimum firing duration %v", ErrInvalidConfig, c.FiringDurationMin)
	}
	if c.FiringDurationMin > c.FiringDurationMax {
		return fmt.Errorf("%w: minimum firing duration %v exceeds maximum %v",
			ErrInvalidConfig, c.FiringDurationMin, c.FiringDurationMax)
	}
	if c.TargetRPM < 0 || math.IsNaN(c.TargetRPM) || math.IsInf(c.TargetRPM, 0) {
		return fmt.Errorf("%w: target rpm %v", ErrInvalidConfig, c.TargetRPM)
	}
	for name, g := range map[string]float64{"kp": c.Gains.Kp, "ki": c.Gains.Ki, "kd": c.Gains.Kd} {
		if math.IsNaN(g) || math.IsInf(g, 0) {
			return fmt.Errorf("%w: gain %s is not finite", ErrInvalidConfig, name)
		}
	}
	return nil
}

// Telemetry is a point-in-time view of the cylinder bank and engine speed.
type Telemetry struct {
	Timestamp time.Time
	Sensor    [NumCylinders]bool
	Solenoid  [NumCylinders]bool
	Stroke    [NumCylinders]int
	RPM       float64
}
