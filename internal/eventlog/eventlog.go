// Package eventlog keeps the operator-facing log: timestamped text entries
// (startup, connection events, firing errors) with the most recent entries retained.
package eventlog

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	ring "github.com/zfjagann/golang-ring"
)

// DefaultCapacity is the number of entries retained when none is configured.
const DefaultCapacity = 100

// Entry is a single log line.
type Entry struct {
	Time time.Time
	Text string
}

// EntryJSON is the wire representation of an Entry.
type EntryJSON struct {
	Timestamp string `json:"timestamp"`
	Clock     string `json:"clock"` // HH:MM:SS local time, as shown on the dashboard
	Text      string `json:"text"`
}

// JSON converts the entry to its wire form.
func (e Entry) JSON() EntryJSON {
	return EntryJSON{
		Timestamp: e.Time.UTC().Format(time.RFC3339),
		Clock:     e.Time.Format("15:04:05"),
		Text:      e.Text,
	}
}

// Log is an append-only ring of entries. It is safe for concurrent use.
type Log struct {
	mu     sync.Mutex
	ring   ring.Ring
	now    func() time.Time
	logger zerolog.Logger
	subs   []func(Entry)
}

// New creates a Log retaining the most recent capacity entries.
// Every entry is also written to logger at info level.
func New(capacity int, logger zerolog.Logger) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &Log{
		now:    time.Now,
		logger: logger.With().Str("component", "eventlog").Logger(),
	}
	l.ring.SetCapacity(capacity)
	return l
}

// SetClock replaces the time source. Used by tests.
func (l *Log) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Subscribe registers fn to be called, outside the lock, for every new entry.
func (l *Log) Subscribe(fn func(Entry)) {
	l.mu.Lock()
	l.subs = append(l.subs, fn)
	l.mu.Unlock()
}

// Add appends text and notifies subscribers.
func (l *Log) Add(text string) Entry {
	l.mu.Lock()
	e := Entry{Time: l.now(), Text: text}
	l.ring.Enqueue(e)
	subs := make([]func(Entry), len(l.subs))
	copy(subs, l.subs)
	l.mu.Unlock()

	l.logger.Info().Time("at", e.Time).Msg(text)
	for _, fn := range subs {
		fn(e)
	}
	return e
}

// Addf formats and appends an entry.
func (l *Log) Addf(format string, args ...interface{}) Entry {
	return l.Add(fmt.Sprintf(format, args...))
}

// Entries returns the retained entries, oldest first.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	values := l.ring.Values()
	out := make([]Entry, 0, len(values))
	for _, v := range values {
		if e, ok := v.(Entry); ok {
			out = append(out, e)
		}
	}
	return out
}

// Capacity returns the number of entries retained.
func (l *Log) Capacity() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ring.Capacity()
}
