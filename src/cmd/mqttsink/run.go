package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/thejerf/suture/v4"

	"mqttsink-agent/src/agent"
	"mqttsink-agent/src/broker"
	"mqttsink-agent/src/buffer"
	"mqttsink-agent/src/config"
	"mqttsink-agent/src/logger"
	"mqttsink-agent/src/metrics"
	"mqttsink-agent/src/services"
	"mqttsink-agent/src/store"
	"mqttsink-agent/src/supervisor"
)

func loadSettings(opts *rootOptions) (*config.Config, *logger.ZerologLogger, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return nil, nil, err
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}

	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	return cfg, log, nil
}

func runAgent(ctx context.Context, opts *rootOptions) error {
	cfg, log, err := loadSettings(opts)
	if err != nil {
		return err
	}

	log.Info("Starting mqttsink agent for configuration %s", cfg.ConfigCode)

	if err := agent.ValidateSettings(*cfg); err != nil {
		log.Error("%v", err)
		return err
	}

	st, err := store.NewPostgresStore(cfg.DatabaseURL, cfg.ConfigFunction, cfg.ReceiveDataProcedure)
	if err != nil {
		log.Error("Failed to create store: %v", err)
		return err
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	buf := buffer.New()
	transport := broker.NewMQTTTransport(log)
	sup := supervisor.New(transport, buf, log, m)
	ag := agent.New(*cfg, st, sup, buf, log, m)

	if cfg.Redpanda.Enabled() {
		log.Info("Forwarding windows to Redpanda topic %s at %v", cfg.Redpanda.Topic, cfg.Redpanda.BrokerList())
		fwd, err := broker.NewRedpandaForwarder(cfg.Redpanda.BrokerList(), cfg.Redpanda.Topic)
		if err != nil {
			log.Error("Failed to create Redpanda forwarder: %v", err)
			return err
		}
		defer fwd.Close()
		ag.SetForwarder(fwd)
	}

	tree := services.NewTree(log, services.TreeConfig{})
	agentSvc := services.NewAgentService(ag, log)
	tree.Add(agentSvc)

	if cfg.HTTP.Addr != "" {
		server := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           services.NewRouter(reg, sup),
			ReadHeaderTimeout: 5 * time.Second,
		}
		tree.Add(services.NewHTTPService(server, 10*time.Second))
		log.Info("Serving /metrics and /healthz on %s", cfg.HTTP.Addr)
	}

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			log.Info("Shutdown signal received, stopping agent...")
			cancel()
		case <-ctx.Done():
		}
	}()

	err = tree.Serve(ctx)
	if fatal := agentSvc.Err(); fatal != nil {
		return fatal
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, suture.ErrTerminateSupervisorTree) {
		log.Error("Supervisor stopped with error: %v", err)
		return err
	}

	log.Info("mqttsink agent stopped")
	return nil
}
