package logic

import (
	"math"
	"time"
)

// PID is a discrete PID controller with a fixed sample period.
type PID struct {
	Gains Gains
	// IntegralLimit bounds the accumulated integral when > 0.
	IntegralLimit float64

	dt       float64
	integral float64
	prevErr  float64
	primed   bool
}

// NewPID creates a controller sampled every period.
func NewPID(gains Gains, period time.Duration) *PID {
	return &PID{Gains: gains, dt: period.Seconds()}
}

// Update returns the controller output for one sample.
func (p *PID) Update(setpoint, measurement float64) float64 {
	err := setpoint - measurement

	p.integral += err * p.dt
	if p.IntegralLimit > 0 {
		p.integral = math.Max(-p.IntegralLimit, math.Min(p.IntegralLimit, p.integral))
	}

	// No derivative kick on the first sample after a reset
	var deriv float64
	if p.primed && p.dt > 0 {
		deriv = (err - p.prevErr) / p.dt
	}
	p.prevErr = err
	p.primed = true

	return p.Gains.Kp*err + p.Gains.Ki*p.integral + p.Gains.Kd*deriv
}

// Reset clears the integral and derivative history.
func (p *PID) Reset() {
	p.integral = 0
	p.prevErr = 0
	p.primed = false
}

// Integral returns the accumulated integral term.
func (p *PID) Integral() float64 {
	return p.integral
}

// FiringDuration converts a controller output in milliseconds into a whole
// millisecond duration clamped to [lower, upper].
func FiringDuration(outputMs float64, lower, upper time.Duration) time.Duration {
	ms := math.Round(outputMs)
	lo := float64(lower / time.Millisecond)
	hi := float64(upper / time.Millisecond)
	if math.IsNaN(ms) || ms < lo {
		ms = lo
	} else if ms > hi {
		ms = hi
	}
	d := time.Duration(ms) * time.Millisecond
	// Sub-millisecond bounds
	if d < lower {
		d = lower
	}
	if d > upper {
		d = upper
	}
	return d
}
