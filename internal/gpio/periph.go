package gpio

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	pgpio "periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/host"
)

// edgePoll bounds how long a watcher blocks before re-checking for Close.
const edgePoll = 500 * time.Millisecond

// Periph drives GPIO through periph.io host drivers. It works on boards where
// the character device is unavailable (older kernels, sysfs-only images).
type Periph struct {
	mu      sync.Mutex
	inputs  map[int]pgpio.PinIO
	outputs map[int]pgpio.PinIO
	closed  chan struct{}
	wg      sync.WaitGroup
}

// NewPeriph initialises the periph.io host drivers.
func NewPeriph() (*Periph, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init periph host: %w", err)
	}
	return newPeriph(), nil
}

func newPeriph() *Periph {
	return &Periph{
		inputs:  make(map[int]pgpio.PinIO),
		outputs: make(map[int]pgpio.PinIO),
		closed:  make(chan struct{}),
	}
}

func (p *Periph) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func lookupPin(pin int) (pgpio.PinIO, error) {
	io := gpioreg.ByName(strconv.Itoa(pin))
	if io == nil {
		return nil, fmt.Errorf("pin %d: not found", pin)
	}
	return io, nil
}

// Watch configures pin as a pulled-down input with both-edge detection and
// starts a watcher goroutine that reports each edge with the level read after it.
func (p *Periph) Watch(pin int, fn EdgeFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosed() {
		return ErrClosed
	}
	if _, ok := p.inputs[pin]; ok {
		return fmt.Errorf("watch pin %d: already watched", pin)
	}
	io, err := lookupPin(pin)
	if err != nil {
		return err
	}
	if err := io.In(pgpio.PullDown, pgpio.BothEdges); err != nil {
		return fmt.Errorf("configure input pin %d: %w", pin, err)
	}
	p.inputs[pin] = io

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for !p.isClosed() {
			if !io.WaitForEdge(edgePoll) {
				continue
			}
			fn(io.Read() == pgpio.High, nil)
		}
	}()
	return nil
}

// Write drives pin high or low, configuring it as an output on first use.
// The lock is held across the write so Close cannot release a pin mid-write.
func (p *Periph) Write(pin int, level bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosed() {
		return ErrClosed
	}
	io, ok := p.outputs[pin]
	if !ok {
		var err error
		if io, err = lookupPin(pin); err != nil {
			return err
		}
		p.outputs[pin] = io
	}

	if err := io.Out(pgpio.Level(level)); err != nil {
		return fmt.Errorf("write pin %d: %w", pin, err)
	}
	return nil
}

// Close drives outputs low, stops the watchers and halts every pin.
func (p *Periph) Close() error {
	p.mu.Lock()
	if p.isClosed() {
		p.mu.Unlock()
		return nil
	}
	close(p.closed)
	p.mu.Unlock()

	var errs []error
	for pin, io := range p.outputs {
		if err := io.Out(pgpio.Low); err != nil {
			errs = append(errs, fmt.Errorf("drive pin %d low: %w", pin, err))
		}
	}
	p.wg.Wait()
	for _, pins := range []map[int]pgpio.PinIO{p.outputs, p.inputs} {
		for pin, io := range pins {
			if err := io.Halt(); err != nil {
				errs = append(errs, fmt.Errorf("halt pin %d: %w", pin, err))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
