package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"mqttsink-agent/src/contracts"
	"mqttsink-agent/src/logger"
)

// MQTTTransport is a managed MQTT session built on the Eclipse Paho client.
// Paho reconnects on its own after a drop; Start only has to be called again
// after the session was stopped or its start request failed.
type MQTTTransport struct {
	mu        sync.RWMutex
	client    mqtt.Client
	handler   EventHandler
	started   atomic.Bool
	newClient func(*mqtt.ClientOptions) mqtt.Client
	logger    logger.Logger
}

// NewMQTTTransport creates a transport. No network activity happens until Start.
func NewMQTTTransport(log logger.Logger) *MQTTTransport {
	return &MQTTTransport{
		newClient: mqtt.NewClient,
		logger:    log,
	}
}

// SetHandler registers the receiver of session events.
func (t *MQTTTransport) SetHandler(h EventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Start builds a Paho client from opts and submits the connection.
// Any previous client is disconnected first.
func (t *MQTTTransport) Start(ctx context.Context, opts contracts.SessionOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	clientOpts, err := t.clientOptions(opts)
	if err != nil {
		return err
	}

	client := t.newClient(clientOpts)
	if previous := t.swapClient(client); previous != nil {
		previous.Disconnect(250)
	}

	t.started.Store(true)
	token := client.Connect()

	// With ConnectRetry the token only completes once connected or disconnected,
	// so an error here means the session gave up.
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			t.logger.Warn("[MQTTTransport] Connection to %s:%d failed: %v", opts.Host, opts.Port, err)
			t.mu.RLock()
			current := t.client == client
			t.mu.RUnlock()
			if current {
				t.started.Store(false)
			}
		}
	}()

	return nil
}

// Publish sends payload to topic and waits for the broker acknowledgement.
func (t *MQTTTransport) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	client, err := t.current()
	if err != nil {
		return err
	}
	return waitToken(ctx, client.Publish(topic, qos, retain, payload))
}

// Subscribe registers topic with the session; messages go to the handler.
func (t *MQTTTransport) Subscribe(ctx context.Context, topic string, qos byte) error {
	client, err := t.current()
	if err != nil {
		return err
	}
	return waitToken(ctx, client.Subscribe(topic, qos, t.dispatch))
}

// IsStarted reports whether a session has been submitted and not stopped.
func (t *MQTTTransport) IsStarted() bool {
	return t.started.Load()
}

// IsConnected reports whether the Paho client has a live connection.
func (t *MQTTTransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.client != nil && t.client.IsConnected()
}

// Close disconnects the client, allowing 250ms for in-flight work.
func (t *MQTTTransport) Close() error {
	t.started.Store(false)
	if previous := t.swapClient(nil); previous != nil {
		previous.Disconnect(250)
	}
	return nil
}

// swapClient replaces the current client and returns the old one. Paho's
// Disconnect waits for running message handlers, and dispatch takes t.mu, so the
// old client must be disconnected after the lock is released.
func (t *MQTTTransport) swapClient(next mqtt.Client) mqtt.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	previous := t.client
	t.client = next
	return previous
}

func (t *MQTTTransport) current() (mqtt.Client, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.client == nil {
		return nil, fmt.Errorf("mqtt transport not started")
	}
	return t.client, nil
}

func (t *MQTTTransport) eventHandler() EventHandler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handler
}

func (t *MQTTTransport) dispatch(_ mqtt.Client, msg mqtt.Message) {
	if h := t.eventHandler(); h != nil {
		h.OnMessageReceived(msg.Topic(), msg.Payload())
	}
}

// clientOptions translates session options into Paho options.
func (t *MQTTTransport) clientOptions(opts contracts.SessionOptions) (*mqtt.ClientOptions, error) {
	host := stripScheme(opts.Host)
	if host == "" {
		return nil, fmt.Errorf("broker host is required")
	}
	if opts.Port <= 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("invalid broker port %d", opts.Port)
	}

	scheme := "tcp"
	if opts.TLS {
		scheme = "ssl"
	}

	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}

	o := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, host, opts.Port)).
		SetClientID(opts.ClientID).
		SetCleanSession(opts.CleanSession).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(delay).
		SetConnectRetry(true).
		SetConnectRetryInterval(delay).
		SetDefaultPublishHandler(t.dispatch).
		SetOnConnectHandler(func(mqtt.Client) {
			if h := t.eventHandler(); h != nil {
				h.OnConnected()
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			if h := t.eventHandler(); h != nil {
				h.OnDisconnected(err)
			}
		})

	if opts.Authenticated() {
		o.SetUsername(opts.Username)
		o.SetPassword(opts.Password)
	}

	if opts.TLS {
		o.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: host,
		})
	}

	return o, nil
}

func stripScheme(host string) string {
	host = strings.TrimSpace(host)
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	return strings.TrimSuffix(host, "/")
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
