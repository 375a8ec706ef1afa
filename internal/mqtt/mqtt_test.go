package mqtt

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/ignition-controller/internal/eventlog"
	"github.com/sweeney/ignition-controller/internal/logic"
)

func TestNewTopics(t *testing.T) {
	topics := NewTopics("garage/engine/")
	assert.Equal(t, Topics{
		Telemetry: "garage/engine/telemetry",
		Config:    "garage/engine/config",
		ConfigSet: "garage/engine/config/set",
		Log:       "garage/engine/log",
		System:    "garage/engine/system",
	}, topics)

	assert.Equal(t, "engine/ignition/telemetry", NewTopics("").Telemetry)
}

func TestFormatSystemPayloadExactJSON(t *testing.T) {
	payload, err := FormatSystemPayload(SystemEvent{
		Timestamp: time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC),
		Event:     EventOffline,
		Reason:    "MQTT_DISCONNECT",
	})
	require.NoError(t, err)
	assert.Equal(t,
		`{"system":{"timestamp":"2026-02-10T08:30:00Z","event":"OFFLINE","reason":"MQTT_DISCONNECT"}}`,
		string(payload))
}

func TestFormatSystemPayloadOmitsReason(t *testing.T) {
	payload, err := FormatSystemPayload(SystemEvent{
		Timestamp: time.Date(2026, 2, 10, 14, 30, 0, 0, time.UTC),
		Event:     EventReconnected,
	})
	require.NoError(t, err)

	var parsed map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &parsed))
	assert.NotContains(t, parsed["system"], "reason")
	assert.Equal(t, "RECONNECTED", parsed["system"]["event"])
}

func TestFormatSystemPayloadTimezoneConversion(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	payload, err := FormatSystemPayload(SystemEvent{
		Timestamp: time.Date(2026, 2, 10, 10, 0, 0, 0, loc),
		Event:     EventStartup,
	})
	require.NoError(t, err)

	var parsed SystemPayload
	require.NoError(t, json.Unmarshal(payload, &parsed))
	assert.Equal(t, "2026-02-10T08:00:00Z", parsed.System.Timestamp)
}

func TestFormatSystemPayloadRaw(t *testing.T) {
	raw := []byte(`{"status":{"event":"STARTUP"}}`)
	payload, err := FormatSystemPayload(SystemEvent{Event: EventStartup, RawPayload: raw})
	require.NoError(t, err)
	assert.Equal(t, raw, payload)
}

func TestFormatLogPayload(t *testing.T) {
	e := eventlog.Entry{Time: time.Date(2026, 2, 10, 8, 30, 5, 0, time.UTC), Text: "ignition OFF"}
	payload, err := FormatLogPayload(e)
	require.NoError(t, err)

	var parsed eventlog.EntryJSON
	require.NoError(t, json.Unmarshal(payload, &parsed))
	assert.Equal(t, "ignition OFF", parsed.Text)
	assert.Equal(t, "2026-02-10T08:30:05Z", parsed.Timestamp)
}

func TestFakePublisherRecordsByTopic(t *testing.T) {
	f := NewFakePublisher()
	topics := NewTopics(DefaultPrefix)

	tel := logic.Telemetry{Timestamp: time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC), RPM: 120}
	require.NoError(t, f.PublishTelemetry(tel))
	require.NoError(t, f.PublishConfig(logic.DefaultConfiguration()))
	require.NoError(t, f.PublishLog(eventlog.Entry{Text: "hello"}))
	require.NoError(t, f.PublishSystem(SystemEvent{Event: EventStartup, Retained: true}))

	assert.Equal(t, []logic.Telemetry{tel}, f.Telemetry())
	assert.Equal(t, []logic.Configuration{logic.DefaultConfiguration()}, f.Configs())
	require.Len(t, f.Logs(), 1)
	require.Len(t, f.SystemEvents(), 1)
	assert.True(t, f.SystemEvents()[0].Retained)

	require.Len(t, f.Payloads(topics.Telemetry), 1)
	var parsedTel logic.TelemetryJSON
	require.NoError(t, json.Unmarshal(f.Payloads(topics.Telemetry)[0], &parsedTel))
	assert.Equal(t, 120.0, parsedTel.RPM)

	var parsedCfg logic.ConfigJSON
	require.NoError(t, json.Unmarshal(f.Payloads(topics.Config)[0], &parsedCfg))
	assert.Equal(t, logic.TwoStroke, parsedCfg.StrokeMode)

	assert.Len(t, f.Payloads(topics.Log), 1)
	assert.Len(t, f.Payloads(topics.System), 1)
}

func TestFakePublisherErrors(t *testing.T) {
	f := NewFakePublisher()
	f.PublishError = errors.New("broker down")

	assert.EqualError(t, f.PublishTelemetry(logic.Telemetry{}), "broker down")
	assert.EqualError(t, f.PublishConfig(logic.DefaultConfiguration()), "broker down")
	assert.EqualError(t, f.PublishLog(eventlog.Entry{}), "broker down")
	assert.NoError(t, f.PublishSystem(SystemEvent{Event: EventShutdown}))
	assert.Empty(t, f.Telemetry())

	f.PublishSystemError = errors.New("system down")
	assert.EqualError(t, f.PublishSystem(SystemEvent{Event: EventShutdown}), "system down")
	assert.Len(t, f.SystemEvents(), 1)
}

func TestFakePublisherReset(t *testing.T) {
	f := NewFakePublisher()
	f.SetConnected(true)
	require.NoError(t, f.PublishConfig(logic.DefaultConfiguration()))
	require.NoError(t, f.Close())
	assert.True(t, f.IsConnected())
	assert.True(t, f.Closed)

	f.Reset()
	assert.Empty(t, f.Configs())
	assert.Empty(t, f.Payloads(NewTopics(DefaultPrefix).Config))
	assert.False(t, f.Closed)
	assert.False(t, f.IsConnected())
}

func TestFakePublisherConcurrent(t *testing.T) {
	f := NewFakePublisher()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = f.PublishTelemetry(logic.Telemetry{})
				_ = f.PublishLog(eventlog.Entry{Text: "x"})
			}
		}()
	}
	wg.Wait()
	assert.Len(t, f.Telemetry(), 200)
	assert.Len(t, f.Logs(), 200)
}

func TestPublishersImplementInterfaces(t *testing.T) {
	var _ Publisher = (*FakePublisher)(nil)
	var _ ConnectionStatus = (*FakePublisher)(nil)
	var _ Publisher = (*RealPublisher)(nil)
	var _ ConnectionStatus = (*RealPublisher)(nil)
}
