package logic

import (
	"fmt"
	"time"
)

// DefaultDebounce is the cooldown after a rising edge during which further
// rising edges on the same sensor are ignored.
const DefaultDebounce = 150 * time.Millisecond

// Cylinder is the sequencing state of a single cylinder.
type Cylinder struct {
	// Last observed sensor level
	Sensor bool
	// Last commanded solenoid level
	Solenoid bool
	// Position in the stroke cycle, 1..StrokesPerCycle
	Stroke int
	// Rising edges before this instant are treated as bounce
	CooldownUntil time.Time
	// Four-stroke only: the next qualifying stroke is skipped when set
	SkipNext bool
}

// CooldownActive reports whether the debounce window is still open at now.
func (c Cylinder) CooldownActive(now time.Time) bool {
	return now.Before(c.CooldownUntil)
}

// Edge is a single sensor transition.
type Edge struct {
	Cylinder int
	Level    bool
	Time     time.Time
}

// Outcome describes what a processed edge did.
type Outcome struct {
	// Stroke is true for a rising edge that passed the debounce filter.
	// The caller records its timestamp in the RPM window.
	Stroke bool
	// Fire is true when the caller must schedule a firing for the cylinder.
	Fire bool
}

// Sequencer tracks stroke position for each cylinder and decides when to fire.
type Sequencer struct {
	debounce  time.Duration
	mode      StrokeMode
	cylinders [NumCylinders]Cylinder
}

// NewSequencer creates a sequencer in the given stroke mode.
func NewSequencer(mode StrokeMode, debounce time.Duration) *Sequencer {
	s := &Sequencer{debounce: debounce}
	s.Reset(mode)
	return s
}

// Reset switches stroke mode, reinitialises stroke counts and clears the
// alternation flags. Sensor and solenoid levels are preserved.
func (s *Sequencer) Reset(mode StrokeMode) {
	s.mode = mode
	initial := mode.InitialStrokes()
	for i := range s.cylinders {
		s.cylinders[i].Stroke = initial[i]
		s.cylinders[i].SkipNext = false
	}
}

// Mode returns the current stroke mode.
func (s *Sequencer) Mode() StrokeMode {
	return s.mode
}

// Process applies a sensor edge. Stroke counting continues while ignition is
// off so the cycle position keeps tracking mechanical motion; only firing is
// suppressed.
func (s *Sequencer) Process(e Edge, ignition bool) (Outcome, error) {
	if e.Cylinder < 0 || e.Cylinder >= NumCylinders {
		return Outcome{}, fmt.Errorf("%w: %d", ErrUnknownCylinder, e.Cylinder)
	}
	c := &s.cylinders[e.Cylinder]
	c.Sensor = e.Level

	if !e.Level || c.CooldownActive(e.Time) {
		return Outcome{}, nil
	}
	c.CooldownUntil = e.Time.Add(s.debounce)

	c.Stroke++
	if c.Stroke > s.mode.StrokesPerCycle() {
		c.Stroke = 1
	}

	fire := true
	if s.mode == FourStroke {
		fire = !c.SkipNext
		c.SkipNext = !c.SkipNext
	}

	return Outcome{Stroke: true, Fire: fire && ignition}, nil
}

// SetSolenoid records the last commanded solenoid level for a cylinder.
func (s *Sequencer) SetSolenoid(cylinder int, level bool) error {
	if cylinder < 0 || cylinder >= NumCylinders {
		return fmt.Errorf("%w: %d", ErrUnknownCylinder, cylinder)
	}
	s.cylinders[cylinder].Solenoid = level
	return nil
}

// Cylinders returns a copy of the per-cylinder state.
func (s *Sequencer) Cylinders() [NumCylinders]Cylinder {
	return s.cylinders
}
