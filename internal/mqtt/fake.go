package mqtt

import (
	"sync"

	"github.com/sweeney/ignition-controller/internal/eventlog"
	"github.com/sweeney/ignition-controller/internal/logic"
)

// FakePublisher records published messages for test assertions.
// It is safe for concurrent use; set the error fields before publishing starts.
type FakePublisher struct {
	mu        sync.Mutex
	telemetry []logic.Telemetry
	configs   []logic.Configuration
	logs      []eventlog.Entry
	system    []SystemEvent
	payloads  map[string][][]byte
	topics    Topics

	// PublishError, if set, is returned by every publish except PublishSystem.
	PublishError error

	// PublishSystemError, if set, is returned by PublishSystem.
	PublishSystemError error

	// Closed tracks if Close was called.
	Closed bool

	// Connected controls the return value of IsConnected.
	Connected bool
}

// NewFakePublisher creates a FakePublisher that files payloads under the default topics.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{
		payloads: make(map[string][][]byte),
		topics:   NewTopics(DefaultPrefix),
	}
}

func (f *FakePublisher) record(topic string, payload []byte) {
	f.payloads[topic] = append(f.payloads[topic], payload)
}

// PublishTelemetry records the snapshot.
func (f *FakePublisher) PublishTelemetry(t logic.Telemetry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	payload, err := logic.FormatTelemetry(t)
	if err != nil {
		return err
	}
	f.telemetry = append(f.telemetry, t)
	f.record(f.topics.Telemetry, payload)
	return nil
}

// PublishConfig records the configuration.
func (f *FakePublisher) PublishConfig(c logic.Configuration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	payload, err := logic.FormatConfig(c)
	if err != nil {
		return err
	}
	f.configs = append(f.configs, c)
	f.record(f.topics.Config, payload)
	return nil
}

// PublishLog records the entry.
func (f *FakePublisher) PublishLog(e eventlog.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	payload, err := FormatLogPayload(e)
	if err != nil {
		return err
	}
	f.logs = append(f.logs, e)
	f.record(f.topics.Log, payload)
	return nil
}

// PublishSystem records the system event.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishSystemError != nil {
		return f.PublishSystemError
	}
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.system = append(f.system, event)
	f.record(f.topics.System, payload)
	return nil
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// IsConnected reports whether the fake publisher is "connected".
func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// SetConnected changes the reported connection state.
func (f *FakePublisher) SetConnected(connected bool) {
	f.mu.Lock()
	f.Connected = connected
	f.mu.Unlock()
}

// Telemetry returns the recorded snapshots.
func (f *FakePublisher) Telemetry() []logic.Telemetry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]logic.Telemetry(nil), f.telemetry...)
}

// Configs returns the recorded configurations.
func (f *FakePublisher) Configs() []logic.Configuration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]logic.Configuration(nil), f.configs...)
}

// Logs returns the recorded log entries.
func (f *FakePublisher) Logs() []eventlog.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]eventlog.Entry(nil), f.logs...)
}

// SystemEvents returns the recorded system events.
func (f *FakePublisher) SystemEvents() []SystemEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SystemEvent(nil), f.system...)
}

// Payloads returns the JSON payloads published to topic.
func (f *FakePublisher) Payloads(topic string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.payloads[topic]...)
}

// Reset clears recorded messages and injected errors.
func (f *FakePublisher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.telemetry = nil
	f.configs = nil
	f.logs = nil
	f.system = nil
	f.payloads = make(map[string][][]byte)
	f.Closed = false
	f.PublishError = nil
	f.PublishSystemError = nil
	f.Connected = false
}
