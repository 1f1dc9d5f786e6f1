// Package main provides the mqttsink binary: an agent that buffers MQTT messages
// and flushes them to Postgres on a fixed cadence.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent until interrupted",
		Long: `Loads the configuration for config_code from the database, subscribes to its
topics and flushes buffered messages to receive_data_procedure every StepLengthMili.

Settings come from mqttsink.yaml (or --config) and MQTTSINK_* environment variables.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), opts)
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Fetch and validate the remote configuration once",
		Long: `Fetches the configuration for config_code, validates it and prints it with the
password masked. Exits non-zero when the configuration is missing or invalid.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	rootCmd := &cobra.Command{
		Use:   "mqttsink",
		Short: "mqttsink - buffers MQTT topics and flushes them to Postgres",
		Long: `mqttsink subscribes to the MQTT topics named by a remote configuration, buffers
every message in memory and periodically hands the buffered window to a Postgres
function. Without a subcommand it runs the agent.`,
		SilenceUsage: true,
		RunE:         runCmd.RunE,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to the YAML settings file")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	rootCmd.AddCommand(runCmd, checkCmd)

	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
