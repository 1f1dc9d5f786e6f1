package main

import (
	"context"
	"fmt"
	"io"

	"mqttsink-agent/src/agent"
	"mqttsink-agent/src/config"
	"mqttsink-agent/src/store"
)

func runCheck(ctx context.Context, opts *rootOptions, out io.Writer) error {
	cfg, log, err := loadSettings(opts)
	if err != nil {
		return err
	}

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

	if err := checkConfig(ctx, st, cfg, out); err != nil {
		log.Error("%v", err)
		return err
	}
	return nil
}

// checkConfig reports whether the store is reachable, then fetches the remote
// configuration once and validates it.
func checkConfig(ctx context.Context, st store.Store, cfg *config.Config, out io.Writer) error {
	if err := agent.ValidateSettings(*cfg); err != nil {
		return err
	}

	if cfg.StoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.StoreTimeout)
		defer cancel()
	}

	if p, ok := st.(store.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("database is unreachable: %w", err)
		}
		fmt.Fprintln(out, "Database is reachable")
	}

	snapshot, err := st.FetchConfig(ctx, cfg.ConfigCode)
	if err != nil {
		return fmt.Errorf("failed to fetch configuration %s: %w", cfg.ConfigCode, err)
	}
	if snapshot == nil {
		return fmt.Errorf("%w: configuration %s not found", agent.ErrInvalidConfig, cfg.ConfigCode)
	}
	if err := agent.ValidateSnapshot(snapshot); err != nil {
		return err
	}

	fmt.Fprintf(out, "Configuration %s is valid\n", cfg.ConfigCode)
	fmt.Fprintf(out, "  %s\n", snapshot)
	fmt.Fprintf(out, "  Poll interval: %v\n", snapshot.PollInterval())
	return nil
}
