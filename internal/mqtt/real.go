package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sweeney/ignition-controller/internal/eventlog"
	"github.com/sweeney/ignition-controller/internal/logic"
)

// Options configures a RealPublisher.
type Options struct {
	Broker string
	Topics Topics
	// ClientID defaults to "ignition-controller-" plus a random suffix.
	ClientID   string
	BufferSize int
	// OnConfigSet receives every payload on Topics.ConfigSet. It runs on the
	// paho router goroutine and must not block.
	OnConfigSet func(payload []byte)
	// Log, when set, receives connection events.
	Log    *eventlog.Log
	Logger zerolog.Logger
}

// RealPublisher publishes to an actual MQTT broker. Messages other than
// telemetry are buffered while disconnected and replayed on reconnect.
type RealPublisher struct {
	client paho.Client
	opts   Options
	logger zerolog.Logger

	mu        sync.Mutex
	buffer    *ringBuffer
	connected bool // has connected at least once
}

// NewRealPublisher creates a publisher for the given broker. The connection is
// retried in the background, so an unreachable broker does not stop the
// engine from running.
func NewRealPublisher(opts Options) (*RealPublisher, error) {
	if opts.ClientID == "" {
		opts.ClientID = "ignition-controller-" + uuid.NewString()[:8]
	}
	p := &RealPublisher{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "mqtt").Logger(),
		buffer: newRingBuffer(opts.BufferSize),
	}

	will, err := FormatSystemPayload(SystemEvent{
		Timestamp: time.Now(),
		Event:     EventOffline,
		Reason:    "MQTT_DISCONNECT",
	})
	if err != nil {
		return nil, fmt.Errorf("format will: %w", err)
	}

	copts := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetBinaryWill(opts.Topics.System, will, 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)

	p.client = paho.NewClient(copts)
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		p.logger.Warn().Str("broker", opts.Broker).Msg("broker not reachable yet, retrying in background")
		return p, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return p, nil
}

func (p *RealPublisher) onConnect(c paho.Client) {
	p.mu.Lock()
	reconnect := p.connected
	p.connected = true
	p.mu.Unlock()

	p.logger.Info().Str("broker", p.opts.Broker).Bool("reconnect", reconnect).Msg("connected")
	if p.opts.Log != nil {
		p.opts.Log.Addf("MQTT connected to %s", p.opts.Broker)
	}

	if p.opts.OnConfigSet != nil {
		token := c.Subscribe(p.opts.Topics.ConfigSet, 1, func(_ paho.Client, m paho.Message) {
			p.opts.OnConfigSet(m.Payload())
		})
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			p.logger.Error().Err(token.Error()).Str("topic", p.opts.Topics.ConfigSet).Msg("subscribe failed")
		}
	}

	if reconnect {
		payload, _ := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: EventReconnected})
		if err := p.send(p.opts.Topics.System, 1, false, payload); err != nil {
			p.logger.Warn().Err(err).Msg("publish reconnect event")
		}
	}
	p.replay()
}

func (p *RealPublisher) onConnectionLost(_ paho.Client, err error) {
	p.logger.Warn().Err(err).Msg("connection lost")
	if p.opts.Log != nil {
		p.opts.Log.Addf("MQTT connection lost: %v", err)
	}
}

func (p *RealPublisher) replay() {
	p.mu.Lock()
	msgs, dropped := p.buffer.drainAll()
	p.mu.Unlock()

	if dropped > 0 {
		p.logger.Warn().Int("dropped", dropped).Msg("buffer overflowed while disconnected")
	}
	for i, m := range msgs {
		if err := p.send(m.topic, m.qos, m.retained, m.payload); err != nil {
			// Put the rest back for the next connection.
			p.mu.Lock()
			for _, rest := range msgs[i:] {
				p.buffer.push(rest)
			}
			p.mu.Unlock()
			p.logger.Warn().Err(err).Int("pending", len(msgs)-i).Msg("replay interrupted")
			return
		}
	}
	if len(msgs) > 0 {
		p.logger.Info().Int("count", len(msgs)).Msg("replayed buffered messages")
	}
}

func (p *RealPublisher) send(topic string, qos byte, retained bool, payload []byte) error {
	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// publish sends now when connected, otherwise buffers the message.
func (p *RealPublisher) publish(topic string, qos byte, retained bool, payload []byte) error {
	if p.client.IsConnectionOpen() {
		err := p.send(topic, qos, retained, payload)
		if err == nil || !errors.Is(err, paho.ErrNotConnected) {
			return err
		}
	}
	p.mu.Lock()
	first := p.buffer.push(bufferedMsg{topic: topic, payload: payload, qos: qos, retained: retained})
	size := p.buffer.capacity
	p.mu.Unlock()
	if first {
		p.logger.Warn().Int("capacity", size).Msg("buffer full, dropping oldest")
	}
	return nil
}

// PublishTelemetry sends a telemetry snapshot, QoS 0, not retained.
func (p *RealPublisher) PublishTelemetry(t logic.Telemetry) error {
	if !p.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	payload, err := logic.FormatTelemetry(t)
	if err != nil {
		return fmt.Errorf("format telemetry: %w", err)
	}
	return p.send(p.opts.Topics.Telemetry, 0, false, payload)
}

// PublishConfig sends the configuration, QoS 1, retained so a dashboard
// connecting later sees the current values.
func (p *RealPublisher) PublishConfig(c logic.Configuration) error {
	payload, err := logic.FormatConfig(c)
	if err != nil {
		return fmt.Errorf("format config: %w", err)
	}
	return p.publish(p.opts.Topics.Config, 1, true, payload)
}

// PublishLog sends one event log entry, QoS 0.
func (p *RealPublisher) PublishLog(e eventlog.Entry) error {
	payload, err := FormatLogPayload(e)
	if err != nil {
		return fmt.Errorf("format log: %w", err)
	}
	return p.publish(p.opts.Topics.Log, 0, false, payload)
}

// PublishSystem sends a system lifecycle event, QoS 1.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.publish(p.opts.Topics.System, 1, event.Retained, payload)
}

// IsConnected reports whether the client currently has an open connection.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
