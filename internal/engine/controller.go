// Package engine owns the live controller state and ties the pure control
// rules in internal/logic to the hardware, timers and observers.
//
// All configuration, cylinder, RPM-window and PID state lives in one Controller
// guarded by a single mutex. Sensor callbacks, scheduler timers, the periodic
// tick and configuration updates may run concurrently; hardware writes happen
// outside the lock.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/ignition-controller/internal/eventlog"
	"github.com/sweeney/ignition-controller/internal/gpio"
	"github.com/sweeney/ignition-controller/internal/logic"
)

// DefaultTick is the control loop period.
const DefaultTick = 100 * time.Millisecond

// ErrSensorFault is reported when a position sensor cannot be trusted.
// It is fatal: the controller stops firing and the process must exit.
var ErrSensorFault = errors.New("sensor fault")

// Pins maps cylinders to GPIO lines.
type Pins struct {
	Sensors   [logic.NumCylinders]int
	Solenoids [logic.NumCylinders]int
}

// DefaultPins returns the BCM wiring of the reference engine.
func DefaultPins() Pins {
	return Pins{
		Sensors:   [logic.NumCylinders]int{gpio.DefaultSensorPin0, gpio.DefaultSensorPin1},
		Solenoids: [logic.NumCylinders]int{gpio.DefaultSolenoidPin0, gpio.DefaultSolenoidPin1},
	}
}

// Options configures a Controller. Zero values select defaults.
type Options struct {
	Defaults      logic.Configuration
	Pins          Pins
	Debounce      time.Duration
	RPMWindow     time.Duration
	Tick          time.Duration
	IntegralLimit float64
	Clock         Clock
	Log           *eventlog.Log
	Logger        zerolog.Logger
}

// TickResult is what one control loop iteration produced.
type TickResult struct {
	Telemetry logic.Telemetry
	// Config is set only when the feedback controller changed the firing duration.
	Config *logic.Configuration
}

// Controller is the engine control loop state.
type Controller struct {
	hal    gpio.HAL
	pins   Pins
	clock  Clock
	log    *eventlog.Log
	logger zerolog.Logger
	sched  *Scheduler
	faults chan error

	// outMu orders each solenoid's write with the level recorded for it.
	outMu [logic.NumCylinders]sync.Mutex

	mu       sync.Mutex
	defaults logic.Configuration
	cfg      logic.Configuration
	seq      *logic.Sequencer
	rpm      *logic.RPMEstimator
	pid      *logic.PID
	lastRPM  float64
	overlaps int
	faulted  bool
	subs     []func(logic.Configuration)
}

// New creates a controller in the default configuration. Call Start to claim
// the hardware.
func New(hal gpio.HAL, opts Options) (*Controller, error) {
	if err := opts.Defaults.Validate(); err != nil {
		return nil, fmt.Errorf("defaults: %w", err)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = logic.DefaultDebounce
	}
	if opts.RPMWindow <= 0 {
		opts.RPMWindow = logic.DefaultRPMWindow
	}
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if opts.Log == nil {
		opts.Log = eventlog.New(eventlog.DefaultCapacity, opts.Logger)
	}

	pid := logic.NewPID(opts.Defaults.Gains, opts.Tick)
	pid.IntegralLimit = opts.IntegralLimit

	c := &Controller{
		hal:      hal,
		pins:     opts.Pins,
		clock:    opts.Clock,
		log:      opts.Log,
		logger:   opts.Logger.With().Str("component", "engine").Logger(),
		faults:   make(chan error, 1),
		defaults: opts.Defaults,
		cfg:      opts.Defaults,
		seq:      logic.NewSequencer(opts.Defaults.StrokeMode, opts.Debounce),
		rpm:      logic.NewRPMEstimator(opts.RPMWindow),
		pid:      pid,
	}
	c.sched = NewScheduler(c.clock, solenoidBank{c}, c.firingFailed)
	return c, nil
}

// Start drives every solenoid low and begins watching the sensors.
func (c *Controller) Start() error {
	for i := 0; i < logic.NumCylinders; i++ {
		if err := c.setSolenoid(i, false); err != nil {
			return fmt.Errorf("init solenoid %d: %w", i, err)
		}
	}
	for i := 0; i < logic.NumCylinders; i++ {
		if err := c.hal.Watch(c.pins.Sensors[i], c.sensorHandler(i)); err != nil {
			return fmt.Errorf("watch sensor %d: %w", i, err)
		}
	}
	return nil
}

func (c *Controller) sensorHandler(cylinder int) gpio.EdgeFunc {
	return func(level bool, err error) {
		if err != nil {
			c.fault(fmt.Errorf("%w: cylinder %d: %v", ErrSensorFault, cylinder, err))
			return
		}
		if err := c.OnSensorEdge(cylinder, level); err != nil && !errors.Is(err, ErrSensorFault) {
			c.logger.Error().Err(err).Int("cylinder", cylinder).Msg("sensor edge")
		}
	}
}

// fault latches the controller into the faulted state and reports err once.
func (c *Controller) fault(err error) {
	c.mu.Lock()
	already := c.faulted
	c.faulted = true
	c.mu.Unlock()
	if already {
		return
	}
	c.log.Addf("FATAL: %v", err)
	select {
	case c.faults <- err:
	default:
	}
}

// Faults delivers the first fatal sensor fault.
func (c *Controller) Faults() <-chan error {
	return c.faults
}

// OnSensorEdge feeds a sensor transition into the stroke sequencer and
// schedules a firing when one is due.
func (c *Controller) OnSensorEdge(cylinder int, level bool) error {
	c.mu.Lock()
	if c.faulted {
		c.mu.Unlock()
		return ErrSensorFault
	}
	now := c.clock.Now()
	out, err := c.seq.Process(logic.Edge{Cylinder: cylinder, Level: level, Time: now}, c.cfg.Ignition)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if out.Stroke {
		c.rpm.Record(now)
	}
	delay, duration := c.cfg.FiringDelay, c.cfg.FiringDuration
	c.mu.Unlock()

	if !out.Fire {
		return nil
	}
	f := c.sched.Schedule(cylinder, delay, duration)
	if f.Overlaps {
		// Edges are arriving faster than delay+duration; kept permissive.
		c.mu.Lock()
		c.overlaps++
		n := c.overlaps
		c.mu.Unlock()
		c.logger.Warn().Int("cylinder", cylinder).Int("overlaps", n).
			Dur("delay", delay).Dur("duration", duration).
			Msg("firing scheduled while a previous firing is in flight")
	}
	return nil
}

// Tick runs one control loop iteration: prune the RPM window, recompute RPM,
// run the feedback controller when enabled, and build the telemetry snapshot.
func (c *Controller) Tick() TickResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	rpm := c.rpm.Tick(now)
	c.lastRPM = rpm

	var changed *logic.Configuration
	if c.cfg.ControlMode == logic.Feedback {
		out := c.pid.Update(c.cfg.TargetRPM, rpm)
		d := logic.FiringDuration(out, c.cfg.FiringDurationMin, c.cfg.FiringDurationMax)
		if d != c.cfg.FiringDuration {
			c.cfg.FiringDuration = d
			cfg := c.cfg
			changed = &cfg
		}
	}

	return TickResult{Telemetry: c.telemetryLocked(now), Config: changed}
}

func (c *Controller) telemetryLocked(now time.Time) logic.Telemetry {
	t := logic.Telemetry{Timestamp: now, RPM: c.lastRPM}
	for i, cyl := range c.seq.Cylinders() {
		t.Sensor[i] = cyl.Sensor
		t.Solenoid[i] = cyl.Solenoid
		t.Stroke[i] = cyl.Stroke
	}
	return t
}

// Telemetry returns the current levels and stroke counts with the RPM from the last tick.
func (c *Controller) Telemetry() logic.Telemetry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.telemetryLocked(c.clock.Now())
}

// Configuration returns a copy of the current configuration.
func (c *Controller) Configuration() logic.Configuration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Defaults returns the configuration that mode transitions reset to.
func (c *Controller) Defaults() logic.Configuration {
	return c.defaults
}

// Firings returns the firings currently in flight.
func (c *Controller) Firings() []Firing {
	return c.sched.Active()
}

// Overlaps returns how many firings were scheduled while another firing for
// the same cylinder was still in flight.
func (c *Controller) Overlaps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overlaps
}

// Subscribe registers fn to receive every accepted configuration update.
func (c *Controller) Subscribe(fn func(logic.Configuration)) {
	c.mu.Lock()
	c.subs = append(c.subs, fn)
	c.mu.Unlock()
}

// ApplyConfiguration replaces the configuration. Invalid configurations are
// rejected and the prior configuration stays authoritative.
func (c *Controller) ApplyConfiguration(next logic.Configuration) (logic.Configuration, error) {
	return c.commit(func(logic.Configuration) (logic.Configuration, error) {
		return next, nil
	})
}

// ApplyJSON merges a (possibly partial) JSON configuration onto the current one and applies it.
func (c *Controller) ApplyJSON(data []byte) (logic.Configuration, error) {
	return c.commit(func(cur logic.Configuration) (logic.Configuration, error) {
		return logic.MergeConfig(cur, data)
	})
}

func (c *Controller) commit(build func(cur logic.Configuration) (logic.Configuration, error)) (logic.Configuration, error) {
	c.mu.Lock()
	prev := c.cfg
	next, err := build(prev)
	if err == nil {
		err = next.Validate()
	}
	if err != nil {
		c.mu.Unlock()
		c.log.Addf("configuration rejected: %v", err)
		return prev, err
	}

	reset := logic.Transition(prev, next)
	next = reset.ApplyDefaults(next, c.defaults)
	c.pid.Gains = next.Gains
	if reset.Has(logic.ResetPID) {
		c.pid.Reset()
	}
	if reset.Has(logic.ResetStrokes) {
		c.seq.Reset(next.StrokeMode)
	}
	c.cfg = next
	subs := make([]func(logic.Configuration), len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	c.report(prev, next, reset)
	for _, fn := range subs {
		fn(next)
	}
	return next, nil
}

func (c *Controller) report(prev, next logic.Configuration, reset logic.Reset) {
	if prev.ControlMode != next.ControlMode {
		c.log.Addf("control mode %s -> %s, firing parameters reset", prev.ControlMode, next.ControlMode)
	}
	if reset.Has(logic.ResetStrokes) {
		c.log.Addf("stroke mode %s -> %s, stroke counts reset", prev.StrokeMode, next.StrokeMode)
	}
	if prev.Ignition != next.Ignition {
		state := "OFF"
		if next.Ignition {
			state = "ON"
		}
		c.log.Addf("ignition %s", state)
	}
	c.logger.Debug().Interface("config", logic.NewConfigJSON(next)).Msg("configuration applied")
}

// setSolenoid drives the solenoid and records the level once the write succeeded.
// Writes to one solenoid are serialised; the engine lock is not held during I/O.
func (c *Controller) setSolenoid(cylinder int, level bool) error {
	if cylinder < 0 || cylinder >= logic.NumCylinders {
		return fmt.Errorf("%w: %d", logic.ErrUnknownCylinder, cylinder)
	}
	c.outMu[cylinder].Lock()
	defer c.outMu[cylinder].Unlock()
	if err := c.hal.Write(c.pins.Solenoids[cylinder], level); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq.SetSolenoid(cylinder, level)
}

func (c *Controller) firingFailed(f Firing, level bool, err error) {
	action := "de-energize"
	if level {
		action = "energize"
	}
	c.log.Addf("cylinder %d: solenoid %s failed: %v", f.Cylinder, action, err)
}

// solenoidBank adapts the controller to the scheduler's output side.
type solenoidBank struct{ c *Controller }

func (b solenoidBank) SetSolenoid(cylinder int, level bool) error {
	return b.c.setSolenoid(cylinder, level)
}
