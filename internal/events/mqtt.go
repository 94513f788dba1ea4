package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// queueSize bounds the events waiting to be published
const queueSize = 64

// MQTTConfig configures the MQTT publisher
type MQTTConfig struct {
	Broker   string `yaml:"broker"`    // host:port
	Topic    string `yaml:"topic"`     // events go to {topic}/{kind}
	ClientID string `yaml:"client_id"`
	QoS      byte   `yaml:"qos"`
}

// MQTTPublisher publishes session events to an MQTT broker.
//
// Publish only enqueues; a background goroutine talks to the broker so a
// slow broker never stalls the control connection.
type MQTTPublisher struct {
	cfg    MQTTConfig
	client mqtt.Client

	queue   chan Event
	done    chan struct{}
	started bool

	mu        sync.RWMutex
	closed    bool
	published map[string]uint64 // count per topic
	dropped   uint64
	errors    uint64
	connected bool
}

// NewMQTTPublisher creates a publisher. Call Connect before publishing.
func NewMQTTPublisher(cfg MQTTConfig) *MQTTPublisher {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	p := newMQTTPublisher(cfg, nil)

	opts.OnConnect = func(c mqtt.Client) {
		p.setConnected(true)
		slog.Info("events: mqtt connection established",
			"broker", cfg.Broker,
			"client_id", cfg.ClientID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		p.setConnected(false)
		slog.Warn("events: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", cfg.Broker,
		)
	}

	p.client = mqtt.NewClient(opts)
	return p
}

// newMQTTPublisher wires a publisher around an existing client
func newMQTTPublisher(cfg MQTTConfig, client mqtt.Client) *MQTTPublisher {
	return &MQTTPublisher{
		cfg:       cfg,
		client:    client,
		queue:     make(chan Event, queueSize),
		done:      make(chan struct{}),
		published: make(map[string]uint64),
	}
}

// Connect establishes the broker connection and starts the publish loop
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	slog.Info("events: connecting to mqtt broker", "broker", p.cfg.Broker)

	token := p.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("events: mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("events: mqtt connection failed: %w", err)
	}

	p.mu.Lock()
	p.connected = true
	p.started = true
	p.mu.Unlock()

	go p.loop()
	return nil
}

// Publish enqueues ev. Events are dropped when the queue is full.
func (p *MQTTPublisher) Publish(ev Event) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return
	}
	select {
	case p.queue <- ev:
		p.mu.RUnlock()
	default:
		p.mu.RUnlock()
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
		slog.Warn("events: queue full, dropping event", "kind", string(ev.Kind), "session_id", ev.SessionID)
	}
}

// Close flushes queued events and disconnects
func (p *MQTTPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	started := p.started
	p.mu.Unlock()

	if started {
		<-p.done
	}

	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250) // 250ms grace period
		slog.Info("events: mqtt disconnected")
	}
	p.setConnected(false)
	return nil
}

func (p *MQTTPublisher) loop() {
	defer close(p.done)
	for ev := range p.queue {
		if err := p.send(ev); err != nil {
			slog.Warn("events: publish failed", "kind", string(ev.Kind), "error", err)
		}
	}
}

func (p *MQTTPublisher) send(ev Event) error {
	if !p.isConnected() {
		p.countError()
		return fmt.Errorf("events: mqtt not connected")
	}

	topic := fmt.Sprintf("%s/%s", p.cfg.Topic, ev.Kind)

	payload, err := ev.ToJSON()
	if err != nil {
		p.countError()
		return fmt.Errorf("events: failed to marshal event: %w", err)
	}

	token := p.client.Publish(topic, p.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		p.countError()
		return fmt.Errorf("events: publish timeout")
	}
	if err := token.Error(); err != nil {
		p.countError()
		return fmt.Errorf("events: publish failed: %w", err)
	}

	p.mu.Lock()
	p.published[topic]++
	p.mu.Unlock()

	slog.Debug("events: published", "topic", topic, "size", len(payload))
	return nil
}

// Stats returns publisher statistics
func (p *MQTTPublisher) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	published := make(map[string]uint64, len(p.published))
	for k, v := range p.published {
		published[k] = v
	}
	return Stats{
		Connected: p.connected,
		Published: published,
		Dropped:   p.dropped,
		Errors:    p.errors,
	}
}

// Stats contains publisher statistics
type Stats struct {
	Connected bool
	Published map[string]uint64
	Dropped   uint64
	Errors    uint64
}

func (p *MQTTPublisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

func (p *MQTTPublisher) isConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *MQTTPublisher) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}
