// Package broker defines the transports the agent talks to and provides implementations.
package broker

import (
	"context"

	"mqttsink-agent/src/contracts"
)

// QoS levels used by the agent.
const (
	AtMostOnce  byte = 0
	AtLeastOnce byte = 1
	ExactlyOnce byte = 2
)

// EventHandler receives session lifecycle and message events from a Transport.
// Implementations must return promptly; transports call them from their own goroutines.
type EventHandler interface {
	OnConnected()
	OnDisconnected(err error)
	OnMessageReceived(topic string, payload []byte)
}

// Transport is a managed publish/subscribe session that reconnects on its own after a drop.
type Transport interface {
	// SetHandler registers the receiver of session events. Call before Start.
	SetHandler(h EventHandler)

	// Start submits the session. It returns once the request is accepted;
	// connection completion is reported through EventHandler.OnConnected.
	Start(ctx context.Context, opts contracts.SessionOptions) error

	// Publish sends payload to topic.
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error

	// Subscribe registers interest in topic. Messages arrive via EventHandler.OnMessageReceived.
	Subscribe(ctx context.Context, topic string, qos byte) error

	// IsStarted reports whether a session has been submitted and not stopped.
	IsStarted() bool

	// IsConnected reports whether the network session is currently up.
	IsConnected() bool

	// Close stops the session and releases its resources.
	Close() error
}

// WindowForwarder copies flushed windows to a topic chosen when it was built.
type WindowForwarder interface {
	// Forward sends one serialized window keyed by the configuration code that produced it.
	Forward(ctx context.Context, configCode string, window []byte) error

	// Close shuts down the connection gracefully.
	Close() error
}
