// Package supervisor owns the MQTT session: it connects, re-subscribes after every
// (re)connect and feeds received messages into the buffer.
package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mqttsink-agent/src/broker"
	"mqttsink-agent/src/buffer"
	"mqttsink-agent/src/contracts"
	"mqttsink-agent/src/logger"
	"mqttsink-agent/src/metrics"
)

// ReconnectDelay is the fixed pause the transport waits between reconnect attempts.
const ReconnectDelay = 5 * time.Second

// subscribeTimeout bounds the re-subscribe issued from OnConnected.
const subscribeTimeout = 30 * time.Second

// Supervisor connects the transport and routes its events.
// It implements broker.EventHandler and registers itself with the transport on creation.
type Supervisor struct {
	transport     broker.Transport
	buffer        *buffer.Buffer
	logger        logger.Logger
	metrics       *metrics.Metrics
	lastMessageAt atomic.Int64 // unix nanos, 0 = never
	newClientID   func() string
}

// New creates a supervisor and registers it as the transport's event handler.
func New(transport broker.Transport, buf *buffer.Buffer, log logger.Logger, m *metrics.Metrics) *Supervisor {
	s := &Supervisor{
		transport:   transport,
		buffer:      buf,
		logger:      log,
		metrics:     m,
		newClientID: uuid.NewString,
	}
	transport.SetHandler(s)
	return s
}

// Connect submits a managed session to the broker. It returns once the transport
// accepted the request; OnConnected reports the actual connection.
func (s *Supervisor) Connect(ctx context.Context, opts contracts.ConnectOptions) error {
	session := contracts.SessionOptions{
		ClientID:       s.newClientID(),
		Host:           opts.URI,
		Port:           opts.Port,
		TLS:            opts.Secure,
		CleanSession:   true,
		ReconnectDelay: ReconnectDelay,
	}
	if strings.TrimSpace(opts.User) != "" && strings.TrimSpace(opts.Password) != "" {
		session.Username = opts.User
		session.Password = opts.Password
	}

	s.metrics.ConnectRequests.Inc()
	if err := s.transport.Start(ctx, session); err != nil {
		return fmt.Errorf("failed to start mqtt session to %s:%d: %w", opts.URI, opts.Port, err)
	}

	return nil
}

// Publish sends payload to topic.
func (s *Supervisor) Publish(ctx context.Context, topic, payload string, retain bool, qos byte) error {
	if err := s.transport.Publish(ctx, topic, []byte(payload), qos, retain); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe subscribes to topic.
func (s *Supervisor) Subscribe(ctx context.Context, topic string, qos byte) error {
	if err := s.transport.Subscribe(ctx, topic, qos); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	return nil
}

// IsStarted reports whether the transport has a session submitted.
func (s *Supervisor) IsStarted() bool {
	return s.transport.IsStarted()
}

// IsConnected reports whether the transport is connected.
func (s *Supervisor) IsConnected() bool {
	return s.transport.IsConnected()
}

// IsAlive reports whether a message arrived within the last window.
func (s *Supervisor) IsAlive(window time.Duration) bool {
	last := s.lastMessageAt.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(0, last)) <= window
}

// Close releases the transport.
func (s *Supervisor) Close() error {
	s.metrics.Connected.Set(0)
	return s.transport.Close()
}

// OnConnected re-subscribes every buffered topic at QoS 1. The subscribe runs on
// its own goroutine so the transport's dispatch is never held up.
func (s *Supervisor) OnConnected() {
	defer s.recover("OnConnected")

	s.logger.Info("[Supervisor] Connected successfully with MQTT broker")
	s.metrics.Connected.Set(1)

	topics := s.buffer.Topics()
	go func() {
		defer s.recover("subscribe")

		ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
		defer cancel()

		for _, topic := range topics {
			if err := s.Subscribe(ctx, topic, broker.AtLeastOnce); err != nil {
				s.logger.Warn("[Supervisor] %v", err)
				continue
			}
			s.logger.Debug("[Supervisor] Subscribed to %s", topic)
		}
	}()
}

// OnDisconnected only records the drop; the transport reconnects on its own and
// the poll loop restarts a stopped session.
func (s *Supervisor) OnDisconnected(err error) {
	defer s.recover("OnDisconnected")

	s.metrics.Connected.Set(0)
	if err != nil {
		s.logger.Info("[Supervisor] Disconnected from MQTT broker: %v", err)
		return
	}
	s.logger.Info("[Supervisor] Disconnected from MQTT broker")
}

// OnMessageReceived buffers the payload as text under its topic. Messages with a
// blank or unknown topic are logged and dropped.
func (s *Supervisor) OnMessageReceived(topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.MessagesReceived.WithLabelValues(metrics.ResultPanic).Inc()
			s.logger.Warn("[Supervisor] OnMessageReceived panicked: %v", r)
		}
	}()

	s.lastMessageAt.Store(time.Now().UnixNano())

	if strings.TrimSpace(topic) == "" {
		s.metrics.MessagesReceived.WithLabelValues(metrics.ResultBlankTopic).Inc()
		s.logger.Warn("[Supervisor] Receiving message failed: topic is empty")
		return
	}

	value := strings.ToValidUTF8(string(payload), "\uFFFD")
	s.logger.Debug("[Supervisor] Topic: %s. Message received: %s", topic, value)

	if !s.buffer.Append(topic, value) {
		s.metrics.MessagesReceived.WithLabelValues(metrics.ResultUnknownTopic).Inc()
		s.logger.Warn("[Supervisor] Receiving message failed: topic %q not found", topic)
		return
	}

	s.metrics.MessagesReceived.WithLabelValues(metrics.ResultBuffered).Inc()
}

// recover is deferred by the session callbacks. Message delivery counts its own
// panics as a receive outcome.
func (s *Supervisor) recover(callback string) {
	if r := recover(); r != nil {
		s.metrics.CallbackPanics.WithLabelValues(callback).Inc()
		s.logger.Warn("[Supervisor] %s panicked: %v", callback, r)
	}
}
