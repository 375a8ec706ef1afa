package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Phase is the progress of a firing.
type Phase string

const (
	PhaseScheduled Phase = "scheduled" // waiting out the firing delay
	PhaseEnergized Phase = "energized" // solenoid on, waiting out the duration
)

// Firing is one scheduled energise/de-energise sequence for a cylinder.
// Parameters are captured when the firing is scheduled; later configuration
// changes only affect subsequent firings.
type Firing struct {
	ID          uuid.UUID
	Cylinder    int
	Delay       time.Duration
	Duration    time.Duration
	ScheduledAt time.Time
	Phase       Phase
	// Overlaps is set when another firing for the same cylinder was still in
	// flight at scheduling time. Overlaps are allowed, not suppressed.
	Overlaps bool

	seq uint64
}

// Solenoids is the output side of the scheduler.
type Solenoids interface {
	// SetSolenoid drives the cylinder's solenoid and records the level.
	SetSolenoid(cylinder int, level bool) error
}

// Scheduler runs firings on independent timers. Firings for different
// cylinders, and overlapping firings for the same cylinder, never block each other.
type Scheduler struct {
	clock   Clock
	out     Solenoids
	onError func(f Firing, level bool, err error)

	mu     sync.Mutex
	seq    uint64
	active map[uuid.UUID]*Firing
}

// NewScheduler creates a scheduler that drives out. onError is called for every
// failed output write; the firing continues regardless.
func NewScheduler(clock Clock, out Solenoids, onError func(f Firing, level bool, err error)) *Scheduler {
	if onError == nil {
		onError = func(Firing, bool, error) {}
	}
	return &Scheduler{
		clock:   clock,
		out:     out,
		onError: onError,
		active:  make(map[uuid.UUID]*Firing),
	}
}

// Schedule starts a firing and returns immediately.
func (s *Scheduler) Schedule(cylinder int, delay, duration time.Duration) Firing {
	f := &Firing{
		ID:          uuid.New(),
		Cylinder:    cylinder,
		Delay:       delay,
		Duration:    duration,
		ScheduledAt: s.clock.Now(),
		Phase:       PhaseScheduled,
	}

	s.mu.Lock()
	s.seq++
	f.seq = s.seq
	for _, other := range s.active {
		if other.Cylinder == cylinder {
			f.Overlaps = true
			break
		}
	}
	s.active[f.ID] = f
	snapshot := *f
	s.mu.Unlock()

	s.clock.AfterFunc(delay, func() { s.energize(f.ID) })
	return snapshot
}

func (s *Scheduler) energize(id uuid.UUID) {
	s.mu.Lock()
	f, ok := s.active[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	f.Phase = PhaseEnergized
	snapshot := *f
	s.mu.Unlock()

	if err := s.out.SetSolenoid(snapshot.Cylinder, true); err != nil {
		s.onError(snapshot, true, err)
	}
	// De-energise is attempted even when energising failed.
	s.clock.AfterFunc(snapshot.Duration, func() { s.deenergize(id) })
}

func (s *Scheduler) deenergize(id uuid.UUID) {
	s.mu.Lock()
	f, ok := s.active[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.active, id)
	snapshot := *f
	s.mu.Unlock()

	if err := s.out.SetSolenoid(snapshot.Cylinder, false); err != nil {
		s.onError(snapshot, false, err)
	}
}

// Active returns the firings in flight, oldest first.
func (s *Scheduler) Active() []Firing {
	s.mu.Lock()
	out := make([]Firing, 0, len(s.active))
	for _, f := range s.active {
		out = append(out, *f)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].seq < out[j].seq
	})
	return out
}
