// Package config loads the daemon configuration file.
//
// Every field has a default; a file only needs to name what it changes.
// Command-line flags override the file and are applied by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/sweeney/ignition-controller/internal/engine"
	"github.com/sweeney/ignition-controller/internal/eventlog"
	"github.com/sweeney/ignition-controller/internal/gpio"
	"github.com/sweeney/ignition-controller/internal/logic"
	"github.com/sweeney/ignition-controller/internal/mqtt"
)

// File is the on-disk configuration.
type File struct {
	HAL     HAL     `yaml:"hal"`
	MQTT    MQTT    `yaml:"mqtt"`
	HTTP    HTTP    `yaml:"http"`
	Control Control `yaml:"control"`
	Log     Log     `yaml:"log"`
	Engine  Engine  `yaml:"engine"`
}

// HAL selects the GPIO backend and wiring.
type HAL struct {
	Backend      string                  `yaml:"backend"`
	Chip         string                  `yaml:"chip"`
	SensorPins   [logic.NumCylinders]int `yaml:"sensor_pins"`
	SolenoidPins [logic.NumCylinders]int `yaml:"solenoid_pins"`
}

// MQTT configures the broker connection.
type MQTT struct {
	Broker      string `yaml:"broker"`
	TopicPrefix string `yaml:"topic_prefix"`
	BufferSize  int    `yaml:"buffer_size"`
}

// HTTP configures the status server. An empty address disables it.
type HTTP struct {
	Addr string `yaml:"addr"`
}

// Control tunes the control loop.
type Control struct {
	Tick          time.Duration `yaml:"tick"`
	Debounce      time.Duration `yaml:"debounce"`
	RPMWindow     time.Duration `yaml:"rpm_window"`
	IntegralLimit float64       `yaml:"integral_limit"`
}

// Log configures the structured logger and the event log.
type Log struct {
	Level    string `yaml:"level"`
	Capacity int    `yaml:"capacity"`
}

// Engine holds the startup configuration, which is also what control mode
// transitions reset to.
type Engine struct {
	Ignition          bool          `yaml:"ignition"`
	StrokeMode        string        `yaml:"stroke_mode"`
	ControlMode       string        `yaml:"control_mode"`
	FiringDelay       time.Duration `yaml:"firing_delay"`
	FiringDuration    time.Duration `yaml:"firing_duration"`
	FiringDurationMin time.Duration `yaml:"firing_duration_min"`
	FiringDurationMax time.Duration `yaml:"firing_duration_max"`
	TargetRPM         float64       `yaml:"target_rpm"`
	Kp                float64       `yaml:"kp"`
	Ki                float64       `yaml:"ki"`
	Kd                float64       `yaml:"kd"`
}

// Default returns the built-in configuration.
func Default() File {
	pins := engine.DefaultPins()
	return File{
		HAL: HAL{
			Backend:      gpio.BackendGPIOCDev,
			Chip:         "gpiochip0",
			SensorPins:   pins.Sensors,
			SolenoidPins: pins.Solenoids,
		},
		MQTT: MQTT{
			Broker:      "tcp://localhost:1883",
			TopicPrefix: mqtt.DefaultPrefix,
			BufferSize:  mqtt.DefaultBufferSize,
		},
		HTTP: HTTP{Addr: ":8080"},
		Control: Control{
			Tick:      engine.DefaultTick,
			Debounce:  logic.DefaultDebounce,
			RPMWindow: logic.DefaultRPMWindow,
		},
		Log: Log{
			Level:    zerolog.LevelInfoValue,
			Capacity: eventlog.DefaultCapacity,
		},
		Engine: engineFrom(logic.DefaultConfiguration()),
	}
}

func engineFrom(c logic.Configuration) Engine {
	return Engine{
		Ignition:          c.Ignition,
		StrokeMode:        string(c.StrokeMode),
		ControlMode:       string(c.ControlMode),
		FiringDelay:       c.FiringDelay,
		FiringDuration:    c.FiringDuration,
		FiringDurationMin: c.FiringDurationMin,
		FiringDurationMax: c.FiringDurationMax,
		TargetRPM:         c.TargetRPM,
		Kp:                c.Gains.Kp,
		Ki:                c.Gains.Ki,
		Kd:                c.Gains.Kd,
	}
}

// Load reads path on top of Default. Unknown keys are rejected.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (File, error) {
	f := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("parse config: %w", err)
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// Marshal renders the configuration as YAML.
func (f File) Marshal() ([]byte, error) {
	return yaml.Marshal(f)
}

// Validate checks the file for values the daemon cannot run with.
func (f File) Validate() error {
	switch f.HAL.Backend {
	case gpio.BackendGPIOCDev, gpio.BackendPeriph:
	default:
		return fmt.Errorf("config: unknown hal backend %q", f.HAL.Backend)
	}

	seen := make(map[int]string)
	claim := func(pin int, role string) error {
		if pin < 0 {
			return fmt.Errorf("config: %s pin %d is negative", role, pin)
		}
		if other, ok := seen[pin]; ok {
			return fmt.Errorf("config: pin %d used for both %s and %s", pin, other, role)
		}
		seen[pin] = role
		return nil
	}
	for i := 0; i < logic.NumCylinders; i++ {
		if err := claim(f.HAL.SensorPins[i], fmt.Sprintf("sensor %d", i)); err != nil {
			return err
		}
		if err := claim(f.HAL.SolenoidPins[i], fmt.Sprintf("solenoid %d", i)); err != nil {
			return err
		}
	}

	if f.MQTT.Broker == "" {
		return errors.New("config: mqtt broker is required")
	}
	if f.MQTT.TopicPrefix == "" {
		return errors.New("config: mqtt topic prefix is required")
	}
	if f.MQTT.BufferSize < 0 {
		return fmt.Errorf("config: mqtt buffer size %d is negative", f.MQTT.BufferSize)
	}
	if f.Control.Tick <= 0 {
		return fmt.Errorf("config: tick must be positive, got %v", f.Control.Tick)
	}
	if f.Control.Debounce < 0 {
		return fmt.Errorf("config: debounce %v is negative", f.Control.Debounce)
	}
	if f.Control.RPMWindow <= 0 {
		return fmt.Errorf("config: rpm window must be positive, got %v", f.Control.RPMWindow)
	}
	if f.Control.IntegralLimit < 0 {
		return fmt.Errorf("config: integral limit %v is negative", f.Control.IntegralLimit)
	}
	if _, err := zerolog.ParseLevel(f.Log.Level); err != nil {
		return fmt.Errorf("config: log level: %w", err)
	}
	if f.Log.Capacity < 0 {
		return fmt.Errorf("config: log capacity %d is negative", f.Log.Capacity)
	}
	if err := f.Defaults().Validate(); err != nil {
		return fmt.Errorf("config: engine: %w", err)
	}
	return nil
}

// Defaults converts the engine section to a controller configuration.
func (f File) Defaults() logic.Configuration {
	e := f.Engine
	return logic.Configuration{
		Ignition:          e.Ignition,
		StrokeMode:        logic.StrokeMode(e.StrokeMode),
		ControlMode:       logic.ControlMode(e.ControlMode),
		FiringDelay:       e.FiringDelay,
		FiringDuration:    e.FiringDuration,
		FiringDurationMin: e.FiringDurationMin,
		FiringDurationMax: e.FiringDurationMax,
		TargetRPM:         e.TargetRPM,
		Gains:             logic.Gains{Kp: e.Kp, Ki: e.Ki, Kd: e.Kd},
	}
}

// Pins returns the wiring for the controller.
func (f File) Pins() engine.Pins {
	return engine.Pins{Sensors: f.HAL.SensorPins, Solenoids: f.HAL.SolenoidPins}
}
