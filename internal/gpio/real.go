//go:build linux

package gpio

import (
	"fmt"
	"sync"

	"github.com/warthog618/go-gpiocdev"
)

// Chip drives GPIO through the Linux GPIO character device.
type Chip struct {
	mu      sync.Mutex
	chip    *gpiocdev.Chip
	inputs  map[int]*gpiocdev.Line
	outputs map[int]*gpiocdev.Line
	closed  bool
}

// NewChip opens the named GPIO chip (e.g. "gpiochip0").
func NewChip(name string) (*Chip, error) {
	chip, err := gpiocdev.NewChip(name)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", name, err)
	}
	return &Chip{
		chip:    chip,
		inputs:  make(map[int]*gpiocdev.Line),
		outputs: make(map[int]*gpiocdev.Line),
	}, nil
}

// Watch requests pin as an input with pull-down and edge detection on both edges.
// The kernel reports edges in event order on a single goroutine per line.
func (c *Chip) Watch(pin int, fn EdgeFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, ok := c.inputs[pin]; ok {
		return fmt.Errorf("watch pin %d: already watched", pin)
	}

	handler := func(evt gpiocdev.LineEvent) {
		switch evt.Type {
		case gpiocdev.LineEventRisingEdge:
			fn(true, nil)
		case gpiocdev.LineEventFallingEdge:
			fn(false, nil)
		default:
			fn(false, fmt.Errorf("pin %d: unexpected line event type %d", pin, evt.Type))
		}
	}

	line, err := c.chip.RequestLine(pin,
		gpiocdev.AsInput,
		gpiocdev.WithPullDown,
		gpiocdev.WithBothEdges,
		gpiocdev.WithEventHandler(handler))
	if err != nil {
		return fmt.Errorf("request input pin %d: %w", pin, err)
	}
	c.inputs[pin] = line
	return nil
}

// Write drives pin high or low, requesting it as an output (initially low) on first use.
func (c *Chip) Write(pin int, level bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	line, ok := c.outputs[pin]
	if !ok {
		var err error
		line, err = c.chip.RequestLine(pin, gpiocdev.AsOutput(0))
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("request output pin %d: %w", pin, err)
		}
		c.outputs[pin] = line
	}
	c.mu.Unlock()

	v := 0
	if level {
		v = 1
	}
	if err := line.SetValue(v); err != nil {
		return fmt.Errorf("write pin %d: %w", pin, err)
	}
	return nil
}

// Close releases GPIO resources.
// Outputs are driven low and every line is reconfigured to input with pull-down
// (matching Pi boot defaults) before closing, so no solenoid is left energised.
func (c *Chip) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	for pin, line := range c.outputs {
		if err := line.SetValue(0); err != nil {
			errs = append(errs, fmt.Errorf("drive pin %d low: %w", pin, err))
		}
	}
	for _, lines := range []map[int]*gpiocdev.Line{c.outputs, c.inputs} {
		for pin, line := range lines {
			if err := line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
				errs = append(errs, fmt.Errorf("reconfigure pin %d: %w", pin, err))
			}
			if err := line.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close pin %d: %w", pin, err))
			}
		}
	}
	if c.chip != nil {
		if err := c.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
