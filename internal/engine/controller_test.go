package engine

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/ignition-controller/internal/eventlog"
	"github.com/sweeney/ignition-controller/internal/gpio"
	"github.com/sweeney/ignition-controller/internal/logic"
)

const (
	sensor0   = gpio.DefaultSensorPin0
	sensor1   = gpio.DefaultSensorPin1
	solenoid0 = gpio.DefaultSolenoidPin0
	solenoid1 = gpio.DefaultSolenoidPin1
)

type harness struct {
	ctrl  *Controller
	hal   *gpio.Fake
	clock *ManualClock
	log   *eventlog.Log
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	clk := NewManualClock(t0)
	log := eventlog.New(50, zerolog.Nop())
	log.SetClock(clk.Now)
	hal := gpio.NewFake()

	opts := Options{
		Defaults: logic.DefaultConfiguration(),
		Pins:     DefaultPins(),
		Clock:    clk,
		Log:      log,
		Logger:   zerolog.Nop(),
	}
	for _, m := range mutate {
		m(&opts)
	}

	ctrl, err := New(hal, opts)
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())
	return &harness{ctrl: ctrl, hal: hal, clock: clk, log: log}
}

// pulse delivers a rising then falling edge on pin.
func (h *harness) pulse(pin int) {
	h.hal.Edge(pin, true)
	h.hal.Edge(pin, false)
}

func (h *harness) apply(t *testing.T, payload string) logic.Configuration {
	t.Helper()
	cfg, err := h.ctrl.ApplyJSON([]byte(payload))
	require.NoError(t, err)
	return cfg
}

func (h *harness) logged(substr string) int {
	n := 0
	for _, e := range h.log.Entries() {
		if strings.Contains(e.Text, substr) {
			n++
		}
	}
	return n
}

func TestStartClaimsHardware(t *testing.T) {
	h := newHarness(t)
	assert.True(t, h.hal.Watched(sensor0))
	assert.True(t, h.hal.Watched(sensor1))
	assert.Equal(t, []bool{false}, h.hal.WritesTo(solenoid0))
	assert.Equal(t, []bool{false}, h.hal.WritesTo(solenoid1))
}

func TestNewRejectsInvalidDefaults(t *testing.T) {
	defaults := logic.DefaultConfiguration()
	defaults.FiringDurationMin = time.Second
	_, err := New(gpio.NewFake(), Options{Defaults: defaults})
	assert.ErrorIs(t, err, logic.ErrInvalidConfig)
}

func TestStartReportsWatchFailure(t *testing.T) {
	hal := gpio.NewFake()
	require.NoError(t, hal.Watch(sensor1, func(bool, error) {}))
	ctrl, err := New(hal, Options{Defaults: logic.DefaultConfiguration(), Pins: DefaultPins(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	assert.Error(t, ctrl.Start())
}

func TestEdgeFiresSolenoidWithDelayAndDuration(t *testing.T) {
	h := newHarness(t)

	h.hal.Edge(sensor0, true)
	tel := h.ctrl.Telemetry()
	assert.True(t, tel.Sensor[0])
	assert.Equal(t, 2, tel.Stroke[0])
	assert.False(t, tel.Solenoid[0])
	require.Len(t, h.ctrl.Firings(), 1)

	h.clock.Advance(10 * time.Millisecond)
	assert.True(t, h.hal.Level(solenoid0))
	assert.True(t, h.ctrl.Telemetry().Solenoid[0])

	h.clock.Advance(10 * time.Millisecond)
	assert.False(t, h.hal.Level(solenoid0))
	assert.False(t, h.ctrl.Telemetry().Solenoid[0])
	assert.Equal(t, []bool{false, true, false}, h.hal.WritesTo(solenoid0))
	assert.Empty(t, h.ctrl.Firings())

	// Cylinder 1 was never touched.
	assert.Equal(t, []bool{false}, h.hal.WritesTo(solenoid1))
}

func TestFallingEdgeOnlyUpdatesSensor(t *testing.T) {
	h := newHarness(t)
	h.hal.Edge(sensor1, false)

	tel := h.ctrl.Telemetry()
	assert.False(t, tel.Sensor[1])
	assert.Equal(t, 2, tel.Stroke[1])
	assert.Empty(t, h.ctrl.Firings())
}

func TestTwoStrokeWrap(t *testing.T) {
	h := newHarness(t)

	var strokes []int
	for i := 0; i < 4; i++ {
		h.pulse(sensor0)
		strokes = append(strokes, h.ctrl.Telemetry().Stroke[0])
		h.clock.Advance(200 * time.Millisecond)
	}
	assert.Equal(t, []int{2, 1, 2, 1}, strokes)
}

func TestDebounceIgnoresBounce(t *testing.T) {
	h := newHarness(t)

	h.pulse(sensor0)
	h.clock.Advance(50 * time.Millisecond)
	h.pulse(sensor0)

	assert.Equal(t, 2, h.ctrl.Telemetry().Stroke[0])
	assert.Equal(t, []bool{false, true, false}, h.hal.WritesTo(solenoid0))

	// Cylinders debounce independently.
	h.pulse(sensor1)
	assert.Equal(t, 1, h.ctrl.Telemetry().Stroke[1])
}

func TestFourStrokeFiresEveryOtherStroke(t *testing.T) {
	h := newHarness(t)
	h.apply(t, `{"stroke_mode":"4-stroke"}`)
	assert.Equal(t, [2]int{1, 3}, h.ctrl.Telemetry().Stroke)
	assert.Equal(t, 1, h.logged("stroke counts reset"))

	var strokes []int
	fired := 0
	for i := 0; i < 4; i++ {
		h.pulse(sensor0)
		strokes = append(strokes, h.ctrl.Telemetry().Stroke[0])
		fired += len(h.ctrl.Firings())
		h.clock.Advance(200 * time.Millisecond)
	}
	assert.Equal(t, []int{2, 3, 4, 1}, strokes)
	assert.Equal(t, 2, fired)
	assert.Equal(t, []bool{false, true, false, true, false}, h.hal.WritesTo(solenoid0))
}

func TestStrokeModeChangeResetsCounts(t *testing.T) {
	h := newHarness(t)
	h.pulse(sensor0)
	h.clock.Advance(200 * time.Millisecond)

	h.apply(t, `{"stroke_mode":"4-stroke"}`)
	assert.Equal(t, [2]int{1, 3}, h.ctrl.Telemetry().Stroke)

	h.apply(t, `{"stroke_mode":"2-stroke"}`)
	assert.Equal(t, [2]int{1, 2}, h.ctrl.Telemetry().Stroke)

	// Same mode again is not a transition.
	h.apply(t, `{"stroke_mode":"2-stroke"}`)
	assert.Equal(t, 2, h.logged("stroke counts reset"))
}

func TestIgnitionOffKeepsCountingWithoutFiring(t *testing.T) {
	h := newHarness(t)
	h.apply(t, `{"ignition":false}`)
	assert.Equal(t, 1, h.logged("ignition OFF"))

	h.pulse(sensor0)
	h.clock.Advance(200 * time.Millisecond)
	h.pulse(sensor0)
	h.clock.Advance(200 * time.Millisecond)

	assert.Equal(t, 1, h.ctrl.Telemetry().Stroke[0])
	assert.Empty(t, h.ctrl.Firings())
	assert.Equal(t, []bool{false}, h.hal.WritesTo(solenoid0))

	h.apply(t, `{"ignition":true}`)
	h.pulse(sensor0)
	assert.Len(t, h.ctrl.Firings(), 1)
}

func TestFiringUsesParametersCapturedAtSchedule(t *testing.T) {
	h := newHarness(t)
	h.pulse(sensor0)
	h.apply(t, `{"firing_delay_ms":50,"firing_duration_ms":50}`)

	h.clock.Advance(20 * time.Millisecond)
	assert.Equal(t, []bool{false, true, false}, h.hal.WritesTo(solenoid0))
}

func TestRPMFromRisingEdges(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Debounce = 10 * time.Millisecond })
	h.apply(t, `{"ignition":false}`)

	for i := 0; i < 22; i++ {
		pin := sensor0
		if i%2 == 1 {
			pin = sensor1
		}
		h.pulse(pin)
		if i < 21 {
			h.clock.Advance(50 * time.Millisecond)
		}
	}

	res := h.ctrl.Tick()
	assert.InDelta(t, 600.0, res.Telemetry.RPM, 1e-9)
	assert.Nil(t, res.Config)

	h.clock.Advance(2 * time.Second)
	assert.Zero(t, h.ctrl.Tick().Telemetry.RPM)
}

func TestFeedbackAdjustsDuration(t *testing.T) {
	h := newHarness(t)
	cfg := h.apply(t, `{"control_mode":"feedback"}`)
	assert.Equal(t, logic.Feedback, cfg.ControlMode)

	// rpm 0, target 150: 0.25*150 + 0.01*15 = 37.65 -> 38ms
	res := h.ctrl.Tick()
	require.NotNil(t, res.Config)
	assert.Equal(t, 38*time.Millisecond, res.Config.FiringDuration)
	assert.Equal(t, 38*time.Millisecond, h.ctrl.Configuration().FiringDuration)

	// 0.25*150 + 0.01*30 = 37.8 -> 38ms, unchanged
	h.clock.Advance(DefaultTick)
	assert.Nil(t, h.ctrl.Tick().Config)

	h.pulse(sensor0)
	require.Len(t, h.ctrl.Firings(), 1)
	assert.Equal(t, 38*time.Millisecond, h.ctrl.Firings()[0].Duration)
}

func TestFeedbackClampsDuration(t *testing.T) {
	h := newHarness(t)
	h.apply(t, `{"control_mode":"feedback"}`)
	h.apply(t, `{"target_rpm":100000}`)

	res := h.ctrl.Tick()
	require.NotNil(t, res.Config)
	assert.Equal(t, 100*time.Millisecond, res.Config.FiringDuration)

	h.apply(t, `{"kp":-1,"ki":0,"kd":0}`)
	res = h.ctrl.Tick()
	require.NotNil(t, res.Config)
	assert.Equal(t, time.Millisecond, res.Config.FiringDuration)
}

func TestRawModeTickLeavesDuration(t *testing.T) {
	h := newHarness(t)
	h.apply(t, `{"firing_duration_ms":42}`)
	res := h.ctrl.Tick()
	assert.Nil(t, res.Config)
	assert.Equal(t, 42*time.Millisecond, h.ctrl.Configuration().FiringDuration)
}

func TestControlModeTransitionsResetToDefaults(t *testing.T) {
	h := newHarness(t)
	h.apply(t, `{"firing_delay_ms":30,"firing_duration_ms":40,"target_rpm":300}`)

	cfg := h.apply(t, `{"control_mode":"feedback","ignition":false}`)
	defaults := logic.DefaultConfiguration()
	assert.Equal(t, defaults.FiringDelay, cfg.FiringDelay)
	assert.Equal(t, defaults.FiringDuration, cfg.FiringDuration)
	assert.Equal(t, defaults.TargetRPM, cfg.TargetRPM)
	assert.False(t, cfg.Ignition, "other fields in the same update still apply")

	h.ctrl.Tick()
	h.apply(t, `{"firing_delay_ms":25}`)
	cfg = h.apply(t, `{"control_mode":"raw"}`)
	assert.Equal(t, defaults.FiringDelay, cfg.FiringDelay)
	assert.Equal(t, defaults.FiringDuration, cfg.FiringDuration)

	// Repeating the same mode is not a transition.
	cfg = h.apply(t, `{"control_mode":"raw","firing_delay_ms":25}`)
	assert.Equal(t, 25*time.Millisecond, cfg.FiringDelay)
	assert.Equal(t, 2, h.logged("control mode"))
}

func TestModeTransitionResetsPID(t *testing.T) {
	h := newHarness(t)
	h.apply(t, `{"control_mode":"feedback"}`)
	first := h.ctrl.Tick().Config
	require.NotNil(t, first)
	for i := 0; i < 20; i++ {
		h.clock.Advance(DefaultTick)
		h.ctrl.Tick()
	}

	h.apply(t, `{"control_mode":"raw"}`)
	h.apply(t, `{"control_mode":"feedback"}`)
	res := h.ctrl.Tick()
	require.NotNil(t, res.Config)
	assert.Equal(t, first.FiringDuration, res.Config.FiringDuration)
}

func TestInvalidConfigurationKeepsPrior(t *testing.T) {
	h := newHarness(t)
	before := h.ctrl.Configuration()

	for _, payload := range []string{
		`{"firing_duration_min_ms":50,"firing_duration_max_ms":10}`,
		`{"stroke_mode":"6-stroke"}`,
		`{"firing_delay_ms":-1}`,
		`{"firing_delay_ms":18446744073710}`,
		`{not json`,
	} {
		cfg, err := h.ctrl.ApplyJSON([]byte(payload))
		assert.ErrorIs(t, err, logic.ErrInvalidConfig, payload)
		assert.Equal(t, before, cfg)
	}
	assert.Equal(t, before, h.ctrl.Configuration())
	assert.Equal(t, 5, h.logged("configuration rejected"))
}

func TestApplyConfiguration(t *testing.T) {
	h := newHarness(t)
	next := logic.DefaultConfiguration()
	next.FiringDelay = 3 * time.Millisecond
	next.Ignition = false

	cfg, err := h.ctrl.ApplyConfiguration(next)
	require.NoError(t, err)
	assert.Equal(t, next, cfg)
	assert.Equal(t, next, h.ctrl.Configuration())
}

func TestSubscribersSeeAcceptedUpdates(t *testing.T) {
	h := newHarness(t)
	var got []logic.Configuration
	h.ctrl.Subscribe(func(c logic.Configuration) {
		// Subscribers may call back into the controller.
		assert.Equal(t, c, h.ctrl.Configuration())
		got = append(got, c)
	})

	h.apply(t, `{"target_rpm":200}`)
	_, err := h.ctrl.ApplyJSON([]byte(`{"target_rpm":-5}`))
	require.Error(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, 200.0, got[0].TargetRPM)
}

func TestSolenoidWriteFailureIsLogged(t *testing.T) {
	h := newHarness(t)
	h.hal.FailWrites(solenoid0, errors.New("EBUSY"))

	h.pulse(sensor0)
	h.clock.Advance(10 * time.Millisecond)
	assert.Equal(t, 1, h.logged("cylinder 0: solenoid energize failed: EBUSY"))

	h.hal.FailWrites(solenoid0, nil)
	h.clock.Advance(10 * time.Millisecond)

	// De-energise still ran and the stroke state is untouched.
	assert.Equal(t, []bool{false, false}, h.hal.WritesTo(solenoid0))
	assert.False(t, h.ctrl.Telemetry().Solenoid[0])
	assert.Equal(t, 2, h.ctrl.Telemetry().Stroke[0])
	assert.Empty(t, h.ctrl.Firings())
}

func TestConcurrentSolenoidWritesMatchTelemetry(t *testing.T) {
	h := newHarness(t)

	for round := 0; round < 200; round++ {
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(level bool) {
				defer wg.Done()
				assert.NoError(t, h.ctrl.setSolenoid(0, level))
			}(i%2 == 0)
		}
		wg.Wait()
		assert.Equal(t, h.hal.Level(solenoid0), h.ctrl.Telemetry().Solenoid[0], "round %d", round)
	}
}

func TestOverlappingFiringsAreCounted(t *testing.T) {
	h := newHarness(t)
	h.apply(t, `{"firing_delay_ms":100,"firing_duration_ms":200}`)

	h.pulse(sensor0)
	h.clock.Advance(160 * time.Millisecond)
	h.pulse(sensor0)

	firings := h.ctrl.Firings()
	require.Len(t, firings, 2)
	assert.False(t, firings[0].Overlaps)
	assert.True(t, firings[1].Overlaps)
	assert.Equal(t, 1, h.ctrl.Overlaps())

	h.clock.Advance(time.Second)
	assert.Empty(t, h.ctrl.Firings())
	assert.False(t, h.hal.Level(solenoid0))
}

func TestSensorFaultIsFatal(t *testing.T) {
	h := newHarness(t)
	h.hal.Fail(sensor1, errors.New("event queue overflow"))

	select {
	case err := <-h.ctrl.Faults():
		assert.ErrorIs(t, err, ErrSensorFault)
		assert.Contains(t, err.Error(), "cylinder 1")
	default:
		t.Fatal("expected a fault")
	}
	assert.Equal(t, 1, h.logged("FATAL"))

	// No further firing once faulted.
	assert.ErrorIs(t, h.ctrl.OnSensorEdge(0, true), ErrSensorFault)
	h.hal.Fail(sensor0, errors.New("again"))
	assert.Equal(t, 1, h.logged("FATAL"))
	assert.Empty(t, h.ctrl.Firings())
}

func TestUnknownCylinder(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.ctrl.OnSensorEdge(2, true), logic.ErrUnknownCylinder)
	assert.ErrorIs(t, h.ctrl.setSolenoid(-1, true), logic.ErrUnknownCylinder)
}
