// Package buffer holds received messages in memory until the poll loop cuts a window.
package buffer

import (
	"errors"
	"strings"
	"sync"
	"time"

	"mqttsink-agent/src/contracts"
)

// ErrAlreadyInstalled is returned when Install is called more than once.
var ErrAlreadyInstalled = errors.New("buffer topics already installed")

// Buffer is a thread-safe, per-topic message buffer with snapshot-and-reset windows.
// The topic set is fixed by Install. Append and SnapshotAndReset share one mutex,
// so every Append lands in exactly one window.
type Buffer struct {
	mu          sync.Mutex
	installed   bool
	windowStart *time.Time
	series      []contracts.TopicSeries
	index       map[string]int // topic -> position in series
	now         func() time.Time
}

// New creates an empty buffer. Install must be called before it accepts messages.
func New() *Buffer {
	return &Buffer{
		index: make(map[string]int),
		now:   time.Now,
	}
}

// NewWithClock creates a buffer that reads time from now. Used by tests.
func NewWithClock(now func() time.Time) *Buffer {
	b := New()
	b.now = now
	return b
}

// Install creates one empty series per topic, in the given order.
// Repeated topic names keep their first position and blank names are skipped.
func (b *Buffer) Install(topics []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.installed {
		return ErrAlreadyInstalled
	}

	for _, topic := range topics {
		if strings.TrimSpace(topic) == "" {
			continue
		}
		if _, exists := b.index[topic]; exists {
			continue
		}
		b.index[topic] = len(b.series)
		b.series = append(b.series, contracts.TopicSeries{Topic: topic, Values: []contracts.Message{}})
	}
	b.installed = true

	return nil
}

// Append records value under topic. It returns false and leaves the buffer
// untouched when topic was not installed.
func (b *Buffer) Append(topic, value string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	i, ok := b.index[topic]
	if !ok {
		return false
	}

	receivedAt := b.now()
	b.series[i].Values = append(b.series[i].Values, contracts.Message{Value: value, ReceivedAt: receivedAt})
	if b.windowStart == nil {
		b.windowStart = &receivedAt
	}

	return true
}

// SnapshotAndReset cuts the current window. The returned window is a deep copy
// ending at the returned time; the live buffer is emptied and its next window
// starts at that same time.
func (b *Buffer) SnapshotAndReset() (contracts.Window, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	windowEnd := b.now()

	window := contracts.Window{
		WindowEnd: windowEnd,
		Series:    make([]contracts.TopicSeries, len(b.series)),
	}
	if b.windowStart != nil {
		start := *b.windowStart
		window.WindowStart = &start
	}

	for i, s := range b.series {
		// Hand the old slice to the snapshot and start a fresh one; nothing
		// appends to the old backing array again.
		window.Series[i] = contracts.TopicSeries{Topic: s.Topic, Values: s.Values}
		b.series[i].Values = []contracts.Message{}
	}

	next := windowEnd
	b.windowStart = &next

	return window, windowEnd
}

// Topics returns the installed topics in configured order.
func (b *Buffer) Topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	topics := make([]string, len(b.series))
	for i, s := range b.series {
		topics[i] = s.Topic
	}
	return topics
}

// Len returns the number of messages buffered in the live window.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, s := range b.series {
		n += len(s.Values)
	}
	return n
}

// Installed reports whether Install has been called.
func (b *Buffer) Installed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.installed
}
