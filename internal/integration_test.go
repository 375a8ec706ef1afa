package internal

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/ignition-controller/internal/engine"
	"github.com/sweeney/ignition-controller/internal/eventlog"
	"github.com/sweeney/ignition-controller/internal/gpio"
	"github.com/sweeney/ignition-controller/internal/logic"
	"github.com/sweeney/ignition-controller/internal/mqtt"
	"github.com/sweeney/ignition-controller/internal/status"
)

// bench couples a controller to fake hardware and a fake broker the way the
// daemon wires them.
type bench struct {
	t       *testing.T
	ctrl    *engine.Controller
	hal     *gpio.Fake
	clock   *engine.ManualClock
	events  *eventlog.Log
	pub     *mqtt.FakePublisher
	tracker *status.Tracker
	step    int
}

func newBench(t *testing.T) *bench {
	t.Helper()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := engine.NewManualClock(start)
	events := eventlog.New(eventlog.DefaultCapacity, zerolog.Nop())
	events.SetClock(clk.Now)
	hal := gpio.NewFake()
	pub := mqtt.NewFakePublisher()
	pub.SetConnected(true)

	ctrl, err := engine.New(hal, engine.Options{
		Defaults: logic.DefaultConfiguration(),
		Pins:     engine.DefaultPins(),
		Clock:    clk,
		Log:      events,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	tracker := status.NewTracker(start, status.Config{TickMs: 100, DebounceMs: 150}, ctrl.Configuration())
	tracker.SetClock(clk.Now)
	ctrl.Subscribe(func(c logic.Configuration) {
		tracker.SetEngine(c)
		require.NoError(t, pub.PublishConfig(c))
	})
	events.Subscribe(func(e eventlog.Entry) {
		require.NoError(t, pub.PublishLog(e))
	})
	require.NoError(t, ctrl.Start())

	return &bench{t: t, ctrl: ctrl, hal: hal, clock: clk, events: events, pub: pub, tracker: tracker}
}

// turn simulates n sensor pulses 100ms apart, alternating cylinders, with a
// control loop tick after each. Each cylinder sees a rising edge every 200ms.
func (b *bench) turn(n int) logic.Telemetry {
	b.t.Helper()
	pins := [logic.NumCylinders]int{gpio.DefaultSensorPin0, gpio.DefaultSensorPin1}
	var tel logic.Telemetry
	for i := 0; i < n; i++ {
		pin := pins[b.step%logic.NumCylinders]
		b.step++
		b.hal.Edge(pin, true)
		b.hal.Edge(pin, false)
		b.clock.Advance(100 * time.Millisecond)

		res := b.ctrl.Tick()
		require.NoError(b.t, b.pub.PublishTelemetry(res.Telemetry))
		if res.Config != nil {
			require.NoError(b.t, b.pub.PublishConfig(*res.Config))
			b.tracker.SetEngine(*res.Config)
		}
		b.tracker.Update(res.Telemetry, b.ctrl.Overlaps())
		tel = res.Telemetry
	}
	return tel
}

func (b *bench) apply(payload string) {
	b.t.Helper()
	_, err := b.ctrl.ApplyJSON([]byte(payload))
	require.NoError(b.t, err)
}

// pulses counts energize commands in a write history.
func pulses(writes []bool) int {
	n := 0
	for _, w := range writes {
		if w {
			n++
		}
	}
	return n
}

func TestIntegrationFullFlow(t *testing.T) {
	b := newBench(t)

	// Two-stroke, raw: every qualifying edge fires 10ms after it for 10ms.
	tel := b.turn(20)
	assert.InDelta(t, 300.0, tel.RPM, 1e-6)
	assert.Equal(t, [2]bool{false, false}, tel.Solenoid, "every firing completed within its step")
	assert.Equal(t, 10, pulses(b.hal.WritesTo(gpio.DefaultSolenoidPin0)))
	assert.Equal(t, 10, pulses(b.hal.WritesTo(gpio.DefaultSolenoidPin1)))
	assert.Zero(t, b.ctrl.Overlaps())
	assert.Len(t, b.pub.Telemetry(), 20)

	// Four-stroke fires on every other qualifying edge.
	b.apply(`{"stroke_mode":"4-stroke"}`)
	assert.Equal(t, [2]int{1, 3}, b.ctrl.Telemetry().Stroke)
	b.turn(8)
	assert.Equal(t, 12, pulses(b.hal.WritesTo(gpio.DefaultSolenoidPin0)))
	assert.Equal(t, 12, pulses(b.hal.WritesTo(gpio.DefaultSolenoidPin1)))

	// Feedback: at 300 rpm against the default 150 rpm target the output
	// goes negative and clamps to the minimum duration.
	b.apply(`{"control_mode":"feedback"}`)
	b.turn(2)
	cfg := b.ctrl.Configuration()
	assert.Equal(t, logic.Feedback, cfg.ControlMode)
	assert.Equal(t, cfg.FiringDurationMin, cfg.FiringDuration)

	configs := b.pub.Configs()
	require.NotEmpty(t, configs)
	last := configs[len(configs)-1]
	assert.Equal(t, cfg.FiringDurationMin, last.FiringDuration, "duration change republished")
	assert.Equal(t, cfg, b.tracker.Snapshot().Engine)

	// Ignition off stops firing but strokes and rpm keep tracking.
	b.apply(`{"ignition":false}`)
	before := pulses(b.hal.WritesTo(gpio.DefaultSolenoidPin0))
	tel = b.turn(12)
	assert.Equal(t, before, pulses(b.hal.WritesTo(gpio.DefaultSolenoidPin0)))
	assert.InDelta(t, 300.0, tel.RPM, 1e-6)

	var texts []string
	for _, e := range b.pub.Logs() {
		texts = append(texts, e.Text)
	}
	assert.Equal(t, []string{
		"stroke mode 2-stroke -> 4-stroke, stroke counts reset",
		"control mode raw -> feedback, firing parameters reset",
		"ignition OFF",
	}, texts)

	// Status document reflects the last tick.
	var sj status.StatusJSON
	require.NoError(t, json.Unmarshal(status.FormatJSON(b.tracker.Snapshot()), &sj))
	assert.True(t, sj.Status.Ready)
	assert.InDelta(t, 300.0, sj.Status.Telemetry.RPM, 1e-6)
	assert.False(t, sj.Status.Engine.Ignition)
}

func TestIntegrationRejectedUpdateKeepsRunning(t *testing.T) {
	b := newBench(t)
	b.turn(4)

	_, err := b.ctrl.ApplyJSON([]byte(`{"firing_duration_min_ms":500}`))
	require.ErrorIs(t, err, logic.ErrInvalidConfig)
	assert.Empty(t, b.pub.Configs())

	b.turn(4)
	assert.Equal(t, 4, pulses(b.hal.WritesTo(gpio.DefaultSolenoidPin0)))

	logs := b.pub.Logs()
	require.Len(t, logs, 1)
	assert.True(t, strings.HasPrefix(logs[0].Text, "configuration rejected"))
}

func TestIntegrationSensorFault(t *testing.T) {
	b := newBench(t)
	b.turn(2)

	require.True(t, b.hal.Fail(gpio.DefaultSensorPin0, assert.AnError))
	select {
	case err := <-b.ctrl.Faults():
		assert.ErrorIs(t, err, engine.ErrSensorFault)
	default:
		t.Fatal("expected a fault")
	}

	// Later edges are ignored.
	writes := len(b.hal.Writes())
	b.turn(4)
	assert.Equal(t, writes, len(b.hal.Writes()))

	logs := b.pub.Logs()
	require.NotEmpty(t, logs)
	assert.True(t, strings.HasPrefix(logs[0].Text, "FATAL: "))
}
