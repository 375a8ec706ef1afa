package gpio

import (
	"fmt"
	"sync"
)

// Write records a single output write.
type Write struct {
	Pin   int
	Level bool
}

// Fake is a test double that lets tests inject edges and inspect writes.
// It is safe for concurrent use.
type Fake struct {
	mu       sync.Mutex
	handlers map[int]EdgeFunc
	writes   []Write
	levels   map[int]bool
	failures map[int]error

	// Closed tracks if Close was called
	Closed bool
}

// NewFake creates an empty Fake.
func NewFake() *Fake {
	return &Fake{
		handlers: make(map[int]EdgeFunc),
		levels:   make(map[int]bool),
		failures: make(map[int]error),
	}
}

// Watch registers fn for pin.
func (f *Fake) Watch(pin int, fn EdgeFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Closed {
		return ErrClosed
	}
	if _, ok := f.handlers[pin]; ok {
		return fmt.Errorf("watch pin %d: already watched", pin)
	}
	f.handlers[pin] = fn
	return nil
}

// Write records the write, or returns the error set by FailWrites for pin.
func (f *Fake) Write(pin int, level bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Closed {
		return ErrClosed
	}
	if err := f.failures[pin]; err != nil {
		return err
	}
	f.writes = append(f.writes, Write{Pin: pin, Level: level})
	f.levels[pin] = level
	return nil
}

// Close marks the fake as closed and drives every written pin low.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for pin := range f.levels {
		f.levels[pin] = false
	}
	f.Closed = true
	return nil
}

// Edge delivers an edge on pin to its watcher synchronously.
// It reports whether a watcher was registered.
func (f *Fake) Edge(pin int, level bool) bool {
	return f.deliver(pin, level, nil)
}

// Fail delivers a read error on pin to its watcher synchronously.
func (f *Fake) Fail(pin int, err error) bool {
	return f.deliver(pin, false, err)
}

func (f *Fake) deliver(pin int, level bool, err error) bool {
	f.mu.Lock()
	fn, ok := f.handlers[pin]
	f.mu.Unlock()
	if !ok {
		return false
	}
	fn(level, err)
	return true
}

// FailWrites makes every subsequent write to pin return err. A nil err clears it.
func (f *Fake) FailWrites(pin int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, pin)
		return
	}
	f.failures[pin] = err
}

// Writes returns a copy of all recorded writes in order.
func (f *Fake) Writes() []Write {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Write, len(f.writes))
	copy(out, f.writes)
	return out
}

// WritesTo returns the levels written to pin in order.
func (f *Fake) WritesTo(pin int) []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []bool
	for _, w := range f.writes {
		if w.Pin == pin {
			out = append(out, w.Level)
		}
	}
	return out
}

// Level returns the last level written to pin.
func (f *Fake) Level(pin int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.levels[pin]
}

// Watched reports whether pin has a watcher.
func (f *Fake) Watched(pin int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.handlers[pin]
	return ok
}
