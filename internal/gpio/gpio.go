// Package gpio provides edge-triggered GPIO input and GPIO output with hardware abstraction.
// The real implementations use the Linux GPIO character device or periph.io host drivers.
// The fake implementation allows testing without hardware.
package gpio

import "errors"

// EdgeFunc receives the new level of a watched input, or an error if the
// hardware could not report it.
type EdgeFunc func(level bool, err error)

// HAL is the hardware abstraction consumed by the controller.
type HAL interface {
	// Watch requests pin as an input and calls fn on every rising and falling edge.
	// fn may be called from a goroutine owned by the implementation.
	Watch(pin int, fn EdgeFunc) error

	// Write drives pin as an output. The first write claims the line.
	Write(pin int, level bool) error

	// Close drives outputs low and releases all lines.
	Close() error
}

// ErrClosed is returned by operations on a closed HAL.
var ErrClosed = errors.New("gpio: closed")

// Pin definitions (BCM numbering)
const (
	DefaultSensorPin0   = 22
	DefaultSensorPin1   = 27
	DefaultSolenoidPin0 = 17
	DefaultSolenoidPin1 = 18
)

// Backend names accepted by the command line.
const (
	BackendGPIOCDev = "gpiocdev"
	BackendPeriph   = "periph"
)
