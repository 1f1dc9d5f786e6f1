package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Record headers set on every forwarded window.
const (
	HeaderContentType = "content-type"
	HeaderConfigCode  = "config-code"
)

// RedpandaForwarder copies flushed windows to a single Kafka-compatible topic
// using franz-go. Records are keyed by configuration code so all windows of one
// agent land on the same partition in flush order.
type RedpandaForwarder struct {
	client *kgo.Client
	topic  string
	mu     sync.RWMutex
	closed bool
}

// NewRedpandaForwarder creates a producer for topic. Client creation does not dial;
// seed brokers (e.g. ["localhost:19092"]) are contacted on the first Forward.
func NewRedpandaForwarder(brokers []string, topic string) (*RedpandaForwarder, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one broker address is required")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, fmt.Errorf("forward topic is required")
	}

	client, err := kgo.NewClient(forwarderOptions(brokers, topic)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka client: %w", err)
	}

	return &RedpandaForwarder{
		client: client,
		topic:  topic,
	}, nil
}

func forwarderOptions(brokers []string, topic string) []kgo.Opt {
	return []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.AllowAutoTopicCreation(),
		// Idempotent writes are the franz-go default and require all-ISR acks.
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.ZstdCompression(), kgo.SnappyCompression(), kgo.NoCompression()),
		kgo.RecordDeliveryTimeout(30 * time.Second),
	}
}

// Topic returns the topic windows are forwarded to.
func (f *RedpandaForwarder) Topic() string {
	return f.topic
}

// Forward produces one serialized window and waits for the acknowledgement.
func (f *RedpandaForwarder) Forward(ctx context.Context, configCode string, window []byte) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return fmt.Errorf("forwarder is closed")
	}

	// Synchronous produce so the poll loop knows the outcome of each window
	results := f.client.ProduceSync(ctx, windowRecord(configCode, window))
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("failed to forward window to %s: %w", f.topic, err)
	}

	return nil
}

// windowRecord leaves Topic empty so the client's default produce topic applies.
func windowRecord(configCode string, window []byte) *kgo.Record {
	return &kgo.Record{
		Key:   []byte(configCode),
		Value: window,
		Headers: []kgo.RecordHeader{
			{Key: HeaderContentType, Value: []byte("application/json")},
			{Key: HeaderConfigCode, Value: []byte(configCode)},
		},
	}
}

// Close shuts down the client. Calling it again is a no-op.
func (f *RedpandaForwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}

	f.closed = true
	f.client.Close()

	return nil
}
