package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"mqttsink-agent/src/broker"
	"mqttsink-agent/src/buffer"
	"mqttsink-agent/src/config"
	"mqttsink-agent/src/contracts"
	"mqttsink-agent/src/metrics"
	"mqttsink-agent/src/store"
	"mqttsink-agent/src/supervisor"
)

// recordingLogger keeps warnings and errors so tests can assert on them.
type recordingLogger struct {
	mu       sync.Mutex
	warnings []string
	errors   []string
}

func (l *recordingLogger) Debug(msg string, args ...interface{}) {}
func (l *recordingLogger) Info(msg string, args ...interface{})  {}

func (l *recordingLogger) Warn(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warnings = append(l.warnings, fmt.Sprintf(msg, args...))
}

func (l *recordingLogger) Error(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, fmt.Sprintf(msg, args...))
}

func (l *recordingLogger) hasWarning(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}

func (l *recordingLogger) errorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errors)
}

// recordingForwarder is a broker.WindowForwarder that keeps what it was given.
type recordingForwarder struct {
	mu      sync.Mutex
	keys    []string
	windows [][]byte
	err     error
}

func (f *recordingForwarder) Forward(ctx context.Context, configCode string, window []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, configCode)
	f.windows = append(f.windows, window)
	return f.err
}

func (f *recordingForwarder) Close() error { return nil }

func (f *recordingForwarder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.windows)
}

type harness struct {
	agent     *Agent
	store     *store.MemoryStore
	transport *broker.InMemoryTransport
	buffer    *buffer.Buffer
	metrics   *metrics.Metrics
	log       *recordingLogger
}

func testSettings() config.Config {
	return config.Config{
		ConfigCode:           "plant-a",
		ReceiveDataProcedure: "receive_data",
		ConfigRetryDelay:     10 * time.Millisecond,
		StoreTimeout:         time.Second,
	}
}

func validSnapshot(stepMs int, topics ...string) *contracts.ConfigSnapshot {
	port := 1883
	return &contracts.ConfigSnapshot{
		StepLengthMili: &stepMs,
		URI:            "broker.local",
		Port:           &port,
		Topics:         topics,
	}
}

func newHarness(t *testing.T, settings config.Config, autoConnect bool) *harness {
	t.Helper()

	h := &harness{
		store:     store.NewMemoryStore(),
		transport: broker.NewInMemoryTransport(autoConnect),
		buffer:    buffer.New(),
		metrics:   metrics.NewNop(),
		log:       &recordingLogger{},
	}
	sup := supervisor.New(h.transport, h.buffer, h.log, h.metrics)
	h.agent = New(settings, h.store, sup, h.buffer, h.log, h.metrics)
	return h
}

// start runs the agent in the background and returns a function that cancels it
// and returns Run's result.
func (h *harness) start(t *testing.T) func() error {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.agent.Run(ctx)
	}()

	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("Timeout waiting for agent to stop")
			return nil
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("Timeout waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestAgent_InvalidSettings(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.Config)
	}{
		{name: "missing config code", modify: func(c *config.Config) { c.ConfigCode = "  " }},
		{name: "missing receive procedure", modify: func(c *config.Config) { c.ReceiveDataProcedure = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := testSettings()
			tt.modify(&settings)
			h := newHarness(t, settings, true)

			err := h.agent.Run(context.Background())
			if !errors.Is(err, ErrInvalidSettings) {
				t.Fatalf("Expected ErrInvalidSettings, got %v", err)
			}
			if h.store.FetchCalls() != 0 {
				t.Errorf("Expected no config fetch, got %d", h.store.FetchCalls())
			}
			if h.transport.StartCalls() != 0 {
				t.Errorf("Expected no connect, got %d", h.transport.StartCalls())
			}
			if h.log.errorCount() == 0 {
				t.Error("Expected the failure to be logged as an error")
			}
		})
	}
}

func TestAgent_ConfigFetchRetries(t *testing.T) {
	settings := testSettings()
	settings.ConfigRetryDelay = 20 * time.Millisecond
	h := newHarness(t, settings, true)
	h.store.SetConfig("plant-a", validSnapshot(1000, "temp"))
	h.store.FailFetches(errors.New("connection refused"), errors.New("timeout"))

	started := time.Now()
	snapshot, err := h.agent.LoadConfig(context.Background())
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	elapsed := time.Since(started)

	if h.store.FetchCalls() != 3 {
		t.Errorf("Expected exactly 3 fetch calls, got %d", h.store.FetchCalls())
	}
	if elapsed < 40*time.Millisecond {
		t.Errorf("Expected a retry delay between fetches, finished in %v", elapsed)
	}
	if snapshot == nil || snapshot.URI != "broker.local" {
		t.Errorf("Expected the third result to be used, got %v", snapshot)
	}
	if got := testutil.ToFloat64(h.metrics.ConfigFetches.WithLabelValues("error")); got != 2 {
		t.Errorf("Expected 2 failed fetches, got %v", got)
	}
}

func TestAgent_ConfigMissingIsRetried(t *testing.T) {
	h := newHarness(t, testSettings(), true)

	go func() {
		time.Sleep(30 * time.Millisecond)
		h.store.SetConfig("plant-a", validSnapshot(1000, "temp"))
	}()

	snapshot, err := h.agent.LoadConfig(context.Background())
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if snapshot == nil {
		t.Fatal("Expected a configuration")
	}
	if h.store.FetchCalls() < 2 {
		t.Errorf("Expected the missing configuration to be fetched again, got %d calls", h.store.FetchCalls())
	}
	if !h.log.hasWarning("not found") {
		t.Error("Expected a warning for the missing configuration")
	}
}

func TestAgent_CancelDuringConfigRetry(t *testing.T) {
	settings := testSettings()
	settings.ConfigRetryDelay = time.Hour
	h := newHarness(t, settings, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.agent.Run(ctx)
	}()

	waitFor(t, "first fetch", func() bool { return h.store.FetchCalls() == 1 })
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if h.transport.StartCalls() != 0 {
		t.Error("Expected no connect before a configuration was loaded")
	}
}

func TestAgent_BlankTopicsIgnored(t *testing.T) {
	h := newHarness(t, testSettings(), true)
	h.store.SetConfig("plant-a", validSnapshot(10, "temp", " ", "", "humidity"))

	stop := h.start(t)
	waitFor(t, "first flush", func() bool { return h.store.InsertCalls() >= 1 })
	if err := stop(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	topics := h.buffer.Topics()
	if len(topics) != 2 || topics[0] != "temp" || topics[1] != "humidity" {
		t.Errorf("Expected [temp humidity], got %v", topics)
	}
}

func TestAgent_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*contracts.ConfigSnapshot)
		want   string
	}{
		{name: "blank uri", modify: func(c *contracts.ConfigSnapshot) { c.URI = " " }, want: "URI"},
		{name: "missing port", modify: func(c *contracts.ConfigSnapshot) { c.Port = nil }, want: "Port"},
		{name: "port out of range", modify: func(c *contracts.ConfigSnapshot) { p := 70000; c.Port = &p }, want: "Port"},
		{name: "missing step", modify: func(c *contracts.ConfigSnapshot) { c.StepLengthMili = nil }, want: "StepLengthMili"},
		{name: "zero step", modify: func(c *contracts.ConfigSnapshot) { s := 0; c.StepLengthMili = &s }, want: "StepLengthMili"},
		{name: "no topics", modify: func(c *contracts.ConfigSnapshot) { c.Topics = nil }, want: "Topics"},
		{name: "only blank topics", modify: func(c *contracts.ConfigSnapshot) { c.Topics = []string{"", "  "} }, want: "Topics"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testSettings(), true)
			snapshot := validSnapshot(1000, "temp")
			tt.modify(snapshot)
			h.store.SetConfig("plant-a", snapshot)

			err := h.agent.Run(context.Background())
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Expected ErrInvalidConfig, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error to name %s, got %v", tt.want, err)
			}
			if h.transport.StartCalls() != 0 {
				t.Error("Expected no connect with an invalid configuration")
			}
			if h.buffer.Installed() {
				t.Error("Expected no topics installed with an invalid configuration")
			}
		})
	}
}

func TestAgent_FlushesBufferedMessages(t *testing.T) {
	h := newHarness(t, testSettings(), true)
	h.store.SetConfig("plant-a", validSnapshot(10, "temp", "hum"))

	stop := h.start(t)

	waitFor(t, "subscriptions", func() bool { return len(h.transport.Subscriptions()) == 2 })
	h.transport.Deliver("temp", []byte("21.5"))
	h.transport.Deliver("hum", []byte("60"))
	h.transport.Deliver("missing", []byte("x"))

	// The three deliveries may straddle a cut, so gather every stored window.
	var windows []contracts.Window
	collect := func() int {
		windows = windows[:0]
		total := 0
		for _, batch := range h.store.Batches() {
			var w contracts.Window
			if err := json.Unmarshal(batch, &w); err != nil {
				t.Fatalf("Stored batch is not a window: %v", err)
			}
			windows = append(windows, w)
			total += w.Count()
		}
		return total
	}
	waitFor(t, "both messages stored", func() bool { return collect() == 2 })

	if err := stop(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	values := map[string][]string{}
	for _, w := range windows {
		if len(w.Series) != 2 || w.Series[0].Topic != "temp" || w.Series[1].Topic != "hum" {
			t.Fatalf("Expected series temp, hum in order, got %+v", w.Series)
		}
		for _, series := range w.Series {
			for _, m := range series.Values {
				values[series.Topic] = append(values[series.Topic], m.Value)
			}
		}
		if w.WindowStart != nil && w.WindowEnd.Before(*w.WindowStart) {
			t.Errorf("Expected windowEnd >= windowStart, got %v .. %v", w.WindowStart, w.WindowEnd)
		}
	}
	if got := values["temp"]; len(got) != 1 || got[0] != "21.5" {
		t.Errorf("Unexpected temp values: %v", got)
	}
	if got := values["hum"]; len(got) != 1 || got[0] != "60" {
		t.Errorf("Unexpected hum values: %v", got)
	}
	for i := 1; i < len(windows); i++ {
		prev, cur := windows[i-1], windows[i]
		if cur.WindowStart == nil || !cur.WindowStart.Equal(prev.WindowEnd) {
			t.Errorf("Window %d should start where window %d ended", i, i-1)
		}
	}

	if h.transport.IsStarted() {
		t.Error("Expected the session to be closed after shutdown")
	}
	if got := testutil.ToFloat64(h.metrics.WindowsFlushed.WithLabelValues(metrics.FlushStored)); got < 1 {
		t.Errorf("Expected stored windows to be counted, got %v", got)
	}
}

func TestAgent_InsertRejectedKeepsLooping(t *testing.T) {
	h := newHarness(t, testSettings(), true)
	h.store.SetConfig("plant-a", validSnapshot(10, "temp"))
	h.store.RejectInserts(true)

	stop := h.start(t)
	waitFor(t, "several insert attempts", func() bool { return h.store.InsertCalls() >= 3 })
	if err := stop(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if !h.log.hasWarning("returned false") {
		t.Error("Expected a warning for the rejected window")
	}
	if len(h.store.Batches()) != 0 {
		t.Errorf("Expected no accepted batches, got %d", len(h.store.Batches()))
	}
	if got := testutil.ToFloat64(h.metrics.WindowsFlushed.WithLabelValues(metrics.FlushRejected)); got < 3 {
		t.Errorf("Expected rejected windows to be counted, got %v", got)
	}
	if got := testutil.ToFloat64(h.metrics.IterationFailures); got != 0 {
		t.Errorf("A rejected window is not an iteration failure, got %v", got)
	}
}

func TestAgent_InsertErrorKeepsLooping(t *testing.T) {
	h := newHarness(t, testSettings(), true)
	h.store.SetConfig("plant-a", validSnapshot(10, "temp"))
	h.store.FailInserts(errors.New("connection reset"))

	stop := h.start(t)
	waitFor(t, "several insert attempts", func() bool { return h.store.InsertCalls() >= 3 })
	if err := stop(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if !h.log.hasWarning("connection reset") {
		t.Error("Expected the insert error in a warning")
	}
	if got := testutil.ToFloat64(h.metrics.IterationFailures); got < 3 {
		t.Errorf("Expected iteration failures to be counted, got %v", got)
	}
}

func TestAgent_RestartsStoppedSession(t *testing.T) {
	h := newHarness(t, testSettings(), true)
	h.store.SetConfig("plant-a", validSnapshot(10, "temp"))

	stop := h.start(t)
	waitFor(t, "initial connect", func() bool { return h.transport.StartCalls() == 1 && h.transport.IsConnected() })

	h.transport.Stop()
	waitFor(t, "reconnect", func() bool { return h.transport.StartCalls() >= 2 && h.transport.IsStarted() })

	if err := stop(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}

func TestAgent_FailedInitialConnectIsRetried(t *testing.T) {
	h := newHarness(t, testSettings(), true)
	h.store.SetConfig("plant-a", validSnapshot(10, "temp"))
	h.transport.FailStart(errors.New("no route to host"))

	stop := h.start(t)
	waitFor(t, "failed connect attempts", func() bool { return h.transport.StartCalls() >= 2 })
	if h.transport.IsStarted() {
		t.Fatal("Session should not be started while Start fails")
	}

	h.transport.FailStart(nil)
	waitFor(t, "session start", h.transport.IsStarted)

	if err := stop(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !h.log.hasWarning("no route to host") {
		t.Error("Expected the failed connect to be logged")
	}
}

func TestAgent_PublishesStatusReport(t *testing.T) {
	settings := testSettings()
	settings.StatusTopic = "mqttsink/status"
	h := newHarness(t, settings, true)
	h.store.SetConfig("plant-a", validSnapshot(10, "temp"))

	stop := h.start(t)
	waitFor(t, "status report", func() bool { return len(h.transport.Published()) > 0 })
	if err := stop(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	msg := h.transport.Published()[0]
	if msg.Topic != "mqttsink/status" || !msg.Retain || msg.QoS != broker.AtLeastOnce {
		t.Errorf("Unexpected status message: %+v", msg)
	}

	var report contracts.StatusReport
	if err := json.Unmarshal(msg.Payload, &report); err != nil {
		t.Fatalf("Status payload is not JSON: %v", err)
	}
	if report.ConfigCode != "plant-a" || report.Broker != "broker.local:1883" {
		t.Errorf("Unexpected report identity: %+v", report)
	}
	if !report.Started || !report.Connected {
		t.Errorf("Expected a started and connected report, got %+v", report)
	}
	if report.Iteration%livenessEvery != 0 {
		t.Errorf("Status reports go out every %d iterations, got iteration %d", livenessEvery, report.Iteration)
	}
}

func TestAgent_NoStatusReportWhenDisconnected(t *testing.T) {
	settings := testSettings()
	settings.StatusTopic = "mqttsink/status"
	h := newHarness(t, settings, false)
	h.store.SetConfig("plant-a", validSnapshot(10, "temp"))

	stop := h.start(t)
	waitFor(t, "a few iterations", func() bool { return h.store.InsertCalls() >= 12 })
	if err := stop(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if n := len(h.transport.Published()); n != 0 {
		t.Errorf("Expected no status publish while disconnected, got %d", n)
	}
}

func TestAgent_ForwardsWindows(t *testing.T) {
	h := newHarness(t, testSettings(), true)
	h.store.SetConfig("plant-a", validSnapshot(10, "temp"))
	h.store.FailInserts(errors.New("store down"))
	fwd := &recordingForwarder{}
	h.agent.SetForwarder(fwd)

	stop := h.start(t)
	waitFor(t, "forwarded windows", func() bool { return fwd.count() >= 2 })
	if err := stop(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	fwd.mu.Lock()
	defer fwd.mu.Unlock()
	if fwd.keys[0] != "plant-a" {
		t.Errorf("Expected window keyed by plant-a, got %s", fwd.keys[0])
	}
	var w contracts.Window
	if err := json.Unmarshal(fwd.windows[0], &w); err != nil {
		t.Errorf("Forwarded record is not a window: %v", err)
	}
}

func TestAgent_ForwardFailureKeepsLooping(t *testing.T) {
	h := newHarness(t, testSettings(), true)
	h.store.SetConfig("plant-a", validSnapshot(10, "temp"))
	fwd := &recordingForwarder{err: errors.New("leader not available")}
	h.agent.SetForwarder(fwd)

	stop := h.start(t)
	waitFor(t, "stored windows", func() bool { return len(h.store.Batches()) >= 2 })
	if err := stop(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if got := testutil.ToFloat64(h.metrics.ForwardFailures); got < 2 {
		t.Errorf("Expected forward failures to be counted, got %v", got)
	}
	if !h.log.hasWarning("leader not available") {
		t.Error("Expected a warning for the failed forward")
	}
}

func TestAgent_RunAgainSkipsSetup(t *testing.T) {
	h := newHarness(t, testSettings(), true)
	h.store.SetConfig("plant-a", validSnapshot(10, "temp"))

	stop := h.start(t)
	waitFor(t, "first flush", func() bool { return h.store.InsertCalls() >= 1 })
	if err := stop(); err != nil {
		t.Fatalf("First Run returned error: %v", err)
	}

	stop = h.start(t)
	waitFor(t, "restarted session", h.transport.IsStarted)
	if err := stop(); err != nil {
		t.Fatalf("Second Run returned error: %v", err)
	}

	if h.store.FetchCalls() != 1 {
		t.Errorf("Expected the configuration to be fetched once, got %d", h.store.FetchCalls())
	}
	if h.agent.Snapshot() == nil {
		t.Error("Expected the snapshot to be kept")
	}
}

func TestAgent_IterationRecoversFromPanic(t *testing.T) {
	h := newHarness(t, testSettings(), true)
	h.agent.snapshot = validSnapshot(10, "temp")
	h.agent.buffer = nil

	err := h.agent.iterate(context.Background())
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("Expected a recovered panic error, got %v", err)
	}
}
