// Package contracts defines the data structures shared between the agent's components
// and the payloads it writes to the store.
package contracts

import "time"

// Message is a single payload received on a topic.
type Message struct {
	// Payload decoded as text.
	Value string `json:"value"`
	// Local time the agent received the message.
	ReceivedAt time.Time `json:"receivedAt"`
}

// TopicSeries holds the messages received on one topic, in arrival order.
type TopicSeries struct {
	// Topic name as configured (not a wildcard match of it).
	Topic string `json:"topic"`
	// Messages in the order they were appended.
	Values []Message `json:"values"`
}

// Window is a snapshot of everything buffered between two consecutive flushes.
// It is the document handed to the store's batch insert.
type Window struct {
	// Start of the window. Nil when nothing was ever appended before the cut.
	WindowStart *time.Time `json:"windowStart"`
	// Time of the cut.
	WindowEnd time.Time `json:"windowEnd"`
	// One entry per installed topic, in configured order.
	Series []TopicSeries `json:"series"`
}

// Count returns the total number of messages in the window.
func (w Window) Count() int {
	n := 0
	for _, s := range w.Series {
		n += len(s.Values)
	}
	return n
}

// Empty reports whether the window carries no messages.
func (w Window) Empty() bool {
	return w.Count() == 0
}

// StatusReport is published to the optional status topic alongside the liveness summary.
type StatusReport struct {
	ConfigCode string    `json:"config_code"`
	Broker     string    `json:"broker"`
	Alive      bool      `json:"alive"`
	Started    bool      `json:"started"`
	Connected  bool      `json:"connected"`
	Buffered   int       `json:"buffered"`
	Iteration  int       `json:"iteration"`
	ReportedAt time.Time `json:"reported_at"`
}
