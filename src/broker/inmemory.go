package broker

import (
	"context"
	"fmt"
	"sync"

	"mqttsink-agent/src/contracts"
)

// PublishedMessage records a Publish call on the InMemoryTransport.
type PublishedMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// InMemoryTransport is a Transport that never leaves the process.
// Published messages are looped back to the handler when their topic is subscribed.
// Tests drive session events with Connect, Drop and Deliver.
type InMemoryTransport struct {
	mu            sync.Mutex
	handler       EventHandler
	started       bool
	connected     bool
	autoConnect   bool
	startErr      error
	startCalls    int
	lastOptions   contracts.SessionOptions
	subscriptions map[string]byte
	published     []PublishedMessage
}

// NewInMemoryTransport creates a transport. With autoConnect, Start immediately
// reports the session as connected.
func NewInMemoryTransport(autoConnect bool) *InMemoryTransport {
	return &InMemoryTransport{
		autoConnect:   autoConnect,
		subscriptions: make(map[string]byte),
	}
}

// SetHandler registers the receiver of session events.
func (t *InMemoryTransport) SetHandler(h EventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// FailStart makes subsequent Start calls return err. Pass nil to clear.
func (t *InMemoryTransport) FailStart(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startErr = err
}

// Start records the options and marks the session started.
func (t *InMemoryTransport) Start(ctx context.Context, opts contracts.SessionOptions) error {
	t.mu.Lock()
	t.startCalls++
	t.lastOptions = opts
	if t.startErr != nil {
		err := t.startErr
		t.mu.Unlock()
		return err
	}
	t.started = true
	auto := t.autoConnect
	t.mu.Unlock()

	if auto {
		t.Connect()
	}
	return nil
}

// Connect marks the session connected and fires OnConnected.
func (t *InMemoryTransport) Connect() {
	t.mu.Lock()
	t.connected = true
	h := t.handler
	t.mu.Unlock()

	if h != nil {
		h.OnConnected()
	}
}

// Drop marks the session disconnected and fires OnDisconnected.
func (t *InMemoryTransport) Drop(err error) {
	t.mu.Lock()
	t.connected = false
	h := t.handler
	t.mu.Unlock()

	if h != nil {
		h.OnDisconnected(err)
	}
}

// Stop simulates a session that gave up: neither started nor connected.
func (t *InMemoryTransport) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = false
	t.connected = false
}

// Deliver hands a message to the handler as if it came from the broker.
func (t *InMemoryTransport) Deliver(topic string, payload []byte) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()

	if h != nil {
		h.OnMessageReceived(topic, payload)
	}
}

// Publish records the message and loops it back if topic is subscribed.
func (t *InMemoryTransport) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return fmt.Errorf("transport not started")
	}
	t.published = append(t.published, PublishedMessage{Topic: topic, Payload: payload, QoS: qos, Retain: retain})
	_, subscribed := t.subscriptions[topic]
	t.mu.Unlock()

	if subscribed {
		t.Deliver(topic, payload)
	}
	return nil
}

// Subscribe records the subscription.
func (t *InMemoryTransport) Subscribe(ctx context.Context, topic string, qos byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return fmt.Errorf("transport not connected")
	}
	t.subscriptions[topic] = qos
	return nil
}

// IsStarted reports whether Start succeeded and the session was not stopped.
func (t *InMemoryTransport) IsStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// IsConnected reports the simulated connection state.
func (t *InMemoryTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Close stops the session.
func (t *InMemoryTransport) Close() error {
	t.Stop()
	return nil
}

// StartCalls returns how many times Start was called.
func (t *InMemoryTransport) StartCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startCalls
}

// LastOptions returns the options of the most recent Start call.
func (t *InMemoryTransport) LastOptions() contracts.SessionOptions {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastOptions
}

// Subscriptions returns a copy of topic -> qos.
func (t *InMemoryTransport) Subscriptions() map[string]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]byte, len(t.subscriptions))
	for k, v := range t.subscriptions {
		out[k] = v
	}
	return out
}

// Published returns a copy of all published messages.
func (t *InMemoryTransport) Published() []PublishedMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]PublishedMessage(nil), t.published...)
}
