// Package mqtt carries telemetry, configuration and the event log to the
// dashboard, and receives configuration updates from it.
package mqtt

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/sweeney/ignition-controller/internal/eventlog"
	"github.com/sweeney/ignition-controller/internal/logic"
)

// DefaultPrefix is the topic prefix used when none is configured.
const DefaultPrefix = "engine/ignition"

// DefaultBufferSize is the number of messages kept while disconnected.
const DefaultBufferSize = 100

// System event names.
const (
	EventStartup     = "STARTUP"
	EventShutdown    = "SHUTDOWN"
	EventOffline     = "OFFLINE"
	EventReconnected = "RECONNECTED"
)

// ErrNotConnected is returned for messages that are dropped, not buffered,
// while the broker is unreachable.
var ErrNotConnected = errors.New("mqtt: not connected")

// Topics are the topic names under one prefix.
type Topics struct {
	Telemetry string
	Config    string
	ConfigSet string
	Log       string
	System    string
}

// NewTopics derives every topic from prefix.
func NewTopics(prefix string) Topics {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Topics{
		Telemetry: prefix + "/telemetry",
		Config:    prefix + "/config",
		ConfigSet: prefix + "/config/set",
		Log:       prefix + "/log",
		System:    prefix + "/system",
	}
}

// Publisher publishes controller state to MQTT.
type Publisher interface {
	// PublishTelemetry sends one telemetry snapshot. Dropped while disconnected.
	PublishTelemetry(t logic.Telemetry) error

	// PublishConfig sends the current configuration, retained.
	PublishConfig(c logic.Configuration) error

	// PublishLog sends one event log entry.
	PublishLog(e eventlog.Entry) error

	// PublishSystem sends a system lifecycle event.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (startup, shutdown).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string
	Reason     string // e.g. "SIGTERM", "SENSOR_FAULT"
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool
}

// SystemPayload is the payload for system events without a status snapshot
// (last will, reconnect).
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly.
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}

// FormatLogPayload creates the JSON payload for an event log entry.
func FormatLogPayload(e eventlog.Entry) ([]byte, error) {
	return json.Marshal(e.JSON())
}
