// Package metrics provides the Prometheus collectors exported by the agent.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Message receive results.
const (
	ResultBuffered     = "buffered"
	ResultBlankTopic   = "blank_topic"
	ResultUnknownTopic = "unknown_topic"
	ResultPanic        = "panic"
)

// Window flush results.
const (
	FlushStored   = "stored"
	FlushRejected = "rejected"
	FlushFailed   = "failed"
)

// Metrics groups the agent's collectors so tests can use a private registry.
type Metrics struct {
	MessagesReceived  *prometheus.CounterVec
	WindowsFlushed    *prometheus.CounterVec
	WindowMessages    prometheus.Histogram
	ConfigFetches     *prometheus.CounterVec
	IterationFailures prometheus.Counter
	ConnectRequests   prometheus.Counter
	Connected         prometheus.Gauge
	ForwardFailures   prometheus.Counter
	CallbackPanics    *prometheus.CounterVec
}

// New registers the agent's collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		MessagesReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mqttsink_messages_received_total",
				Help: "Messages delivered by the broker, by outcome",
			},
			[]string{"result"},
		),
		WindowsFlushed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mqttsink_windows_flushed_total",
				Help: "Windows handed to the store, by outcome",
			},
			[]string{"result"},
		),
		WindowMessages: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mqttsink_window_messages",
				Help:    "Number of messages per flushed window",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8), // 1 .. 16384
			},
		),
		ConfigFetches: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mqttsink_config_fetches_total",
				Help: "Remote configuration fetch attempts, by outcome",
			},
			[]string{"result"},
		),
		IterationFailures: f.NewCounter(
			prometheus.CounterOpts{
				Name: "mqttsink_loop_iteration_failures_total",
				Help: "Poll loop iterations that ended with an error",
			},
		),
		ConnectRequests: f.NewCounter(
			prometheus.CounterOpts{
				Name: "mqttsink_connect_requests_total",
				Help: "Start requests issued to the MQTT transport",
			},
		),
		Connected: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "mqttsink_connected",
				Help: "1 while the MQTT session is connected",
			},
		),
		ForwardFailures: f.NewCounter(
			prometheus.CounterOpts{
				Name: "mqttsink_forward_failures_total",
				Help: "Windows that could not be forwarded to Redpanda",
			},
		),
		CallbackPanics: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mqttsink_session_callback_panics_total",
				Help: "Panics recovered in MQTT session callbacks other than message delivery",
			},
			[]string{"callback"},
		),
	}
}

// NewNop returns collectors registered on a throwaway registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
