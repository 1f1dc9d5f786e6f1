// Package agent runs the poll loop: it loads the remote configuration, installs
// the topic set, keeps the MQTT session up and flushes the buffer to the store on
// a fixed cadence.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"mqttsink-agent/src/broker"
	"mqttsink-agent/src/buffer"
	"mqttsink-agent/src/config"
	"mqttsink-agent/src/contracts"
	"mqttsink-agent/src/logger"
	"mqttsink-agent/src/metrics"
	"mqttsink-agent/src/store"
	"mqttsink-agent/src/supervisor"
)

const (
	// livenessEvery is the number of iterations between liveness summaries.
	livenessEvery = 10
	// livenessWindows is how many poll intervals may pass without a message
	// before the broker is reported dead.
	livenessWindows = 10
)

// Agent flushes buffered MQTT messages to the store.
type Agent struct {
	settings   config.Config
	store      store.Store
	supervisor *supervisor.Supervisor
	buffer     *buffer.Buffer
	forwarder  broker.WindowForwarder
	logger     logger.Logger
	metrics    *metrics.Metrics

	configRetryDelay time.Duration

	// Set by setup and kept across Run calls.
	snapshot  *contracts.ConfigSnapshot
	iteration int
}

// New creates an agent. The supervisor must have been built over buf.
func New(settings config.Config, st store.Store, sup *supervisor.Supervisor, buf *buffer.Buffer, log logger.Logger, m *metrics.Metrics) *Agent {
	return &Agent{
		settings:         settings,
		store:            st,
		supervisor:       sup,
		buffer:           buf,
		logger:           log,
		metrics:          m,
		configRetryDelay: settings.ConfigRetryDelay,
	}
}

// SetForwarder makes every flushed window also go to f.
func (a *Agent) SetForwarder(f broker.WindowForwarder) {
	a.forwarder = f
}

// Snapshot returns the loaded configuration, or nil before setup completed.
func (a *Agent) Snapshot() *contracts.ConfigSnapshot {
	return a.snapshot
}

// Run loads the configuration and loops until ctx is cancelled. Invalid settings
// or configuration return ErrInvalidSettings or ErrInvalidConfig without connecting.
// A Run after a previous one reuses the loaded configuration and goes straight to the loop.
func (a *Agent) Run(ctx context.Context) error {
	if a.snapshot == nil {
		if err := a.setup(ctx); err != nil {
			return err
		}
	}

	a.loop(ctx)

	a.logger.Info("[Agent] Shutting down MQTT session")
	if err := a.supervisor.Close(); err != nil {
		a.logger.Warn("[Agent] Failed to close MQTT session: %v", err)
	}
	return nil
}

func (a *Agent) setup(ctx context.Context) error {
	if err := ValidateSettings(a.settings); err != nil {
		a.logger.Error("[Agent] %v", err)
		return err
	}

	a.logger.Info("[Agent] Loading configuration %s", a.settings.ConfigCode)
	snapshot, err := a.LoadConfig(ctx)
	if err != nil {
		return err
	}

	if err := ValidateSnapshot(snapshot); err != nil {
		a.logger.Error("[Agent] %v", err)
		return err
	}
	a.logger.Debug("[Agent] Loaded configuration - %s", snapshot)

	if err := a.buffer.Install(snapshot.Topics); err != nil && !errors.Is(err, buffer.ErrAlreadyInstalled) {
		return fmt.Errorf("failed to install topics: %w", err)
	}
	a.snapshot = snapshot

	a.logger.Info("[Agent] Connecting to the MQTT broker at %s:%d...", snapshot.URI, *snapshot.Port)
	if err := a.supervisor.Connect(ctx, snapshot.ConnectOptions()); err != nil {
		// The loop restarts a stopped session on its first iteration.
		a.logger.Warn("[Agent] %v", err)
	}

	return nil
}

// LoadConfig fetches the configuration for the configured code, retrying every
// ConfigRetryDelay until the store returns one. It only fails when ctx is done.
func (a *Agent) LoadConfig(ctx context.Context) (*contracts.ConfigSnapshot, error) {
	for attempt := 1; ; attempt++ {
		snapshot, err := a.fetchConfig(ctx)
		switch {
		case err != nil:
			a.metrics.ConfigFetches.WithLabelValues("error").Inc()
			a.logger.Warn("[Agent] Loading configuration failed (attempt %d): %v", attempt, err)
		case snapshot == nil:
			a.metrics.ConfigFetches.WithLabelValues("missing").Inc()
			a.logger.Warn("[Agent] Configuration %s not found (attempt %d)", a.settings.ConfigCode, attempt)
		default:
			a.metrics.ConfigFetches.WithLabelValues("ok").Inc()
			return snapshot, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(a.configRetryDelay):
		}
	}
}

func (a *Agent) fetchConfig(ctx context.Context) (*contracts.ConfigSnapshot, error) {
	ctx, cancel := a.withStoreTimeout(ctx)
	defer cancel()
	return a.store.FetchConfig(ctx, a.settings.ConfigCode)
}

func (a *Agent) withStoreTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.settings.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.settings.StoreTimeout)
}

func (a *Agent) loop(ctx context.Context) {
	interval := a.snapshot.PollInterval()
	a.logger.Info("[Agent] Flushing %d topics every %v", len(a.buffer.Topics()), interval)

	for {
		if err := a.iterate(ctx); err != nil {
			a.metrics.IterationFailures.Inc()
			a.logger.Warn("[Agent] Loop iteration failed: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// iterate runs one pass of the loop. Its I/O is detached from ctx so shutdown
// never interrupts a flush halfway.
func (a *Agent) iterate(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	ictx, cancel := a.withStoreTimeout(context.WithoutCancel(ctx))
	defer cancel()

	iteration := a.iteration
	a.iteration++
	if iteration%livenessEvery == 0 {
		a.reportStatus(ictx, iteration)
	}

	if !a.supervisor.IsStarted() {
		a.logger.Debug("[Agent] Restarting MQTT session to %s...", a.snapshot.URI)
		if err := a.supervisor.Connect(ictx, a.snapshot.ConnectOptions()); err != nil {
			return err
		}
	}

	return a.flush(ictx)
}

func (a *Agent) reportStatus(ctx context.Context, iteration int) {
	alive := a.supervisor.IsAlive(livenessWindows * a.snapshot.PollInterval())
	started := a.supervisor.IsStarted()
	connected := a.supervisor.IsConnected()

	a.logger.Info("[Agent] MQTT broker at %s is %s", a.snapshot.URI, choose(alive, "alive", "dead"))
	a.logger.Info("[Agent] MQTT client is currently %s and %s",
		choose(started, "started", "stopped"), choose(connected, "connected", "disconnected"))

	if a.settings.StatusTopic == "" || !connected {
		return
	}

	report := contracts.StatusReport{
		ConfigCode: a.settings.ConfigCode,
		Broker:     fmt.Sprintf("%s:%d", a.snapshot.URI, *a.snapshot.Port),
		Alive:      alive,
		Started:    started,
		Connected:  connected,
		Buffered:   a.buffer.Len(),
		Iteration:  iteration,
		ReportedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(report)
	if err != nil {
		a.logger.Warn("[Agent] Failed to marshal status report: %v", err)
		return
	}
	if err := a.supervisor.Publish(ctx, a.settings.StatusTopic, string(data), true, broker.AtLeastOnce); err != nil {
		a.logger.Warn("[Agent] Failed to publish status report: %v", err)
	}
}

// flush cuts the current window and hands it to the store. A window the store
// rejects or fails to take is dropped.
func (a *Agent) flush(ctx context.Context) error {
	window, end := a.buffer.SnapshotAndReset()
	count := window.Count()

	payload, err := json.Marshal(window)
	if err != nil {
		a.metrics.WindowsFlushed.WithLabelValues(metrics.FlushFailed).Inc()
		return fmt.Errorf("failed to serialize window: %w", err)
	}

	ok, insertErr := a.store.InsertBatch(ctx, payload)
	a.forward(ctx, payload)

	if insertErr != nil {
		a.metrics.WindowsFlushed.WithLabelValues(metrics.FlushFailed).Inc()
		return fmt.Errorf("failed to insert window ending %s (%d messages): %w",
			end.Format(time.RFC3339Nano), count, insertErr)
	}
	if !ok {
		a.metrics.WindowsFlushed.WithLabelValues(metrics.FlushRejected).Inc()
		a.logger.Warn("[Agent] Store failed to save window ending %s (receive function returned false), %d messages dropped",
			end.Format(time.RFC3339Nano), count)
		return nil
	}

	a.metrics.WindowsFlushed.WithLabelValues(metrics.FlushStored).Inc()
	a.metrics.WindowMessages.Observe(float64(count))
	a.logger.Debug("[Agent] Window %s - %s pushed to store (%d messages)",
		formatStart(window.WindowStart), end.Format(time.RFC3339Nano), count)
	return nil
}

func (a *Agent) forward(ctx context.Context, payload []byte) {
	if a.forwarder == nil {
		return
	}
	if err := a.forwarder.Forward(ctx, a.settings.ConfigCode, payload); err != nil {
		a.metrics.ForwardFailures.Inc()
		a.logger.Warn("[Agent] %v", err)
	}
}

func formatStart(t *time.Time) string {
	if t == nil {
		return "<none>"
	}
	return t.Format(time.RFC3339Nano)
}

func choose(cond bool, yes, no string) string {
	if cond {
		return yes
	}
	return no
}
