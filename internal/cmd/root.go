// Package cmd provides the CLI commands for Ember.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/emberhost/ember/internal/config"
	"github.com/emberhost/ember/internal/logging"
)

var (
	configPath string
	logLevel   string

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "ember",
	Short: "Ember - durable agent session host",
	Long: `Ember hosts durable AI agent sessions behind a WebSocket gateway.

Sessions survive disconnects: every event is appended to a gapless,
sequence-numbered log, and reconnecting clients replay from the last
sequence number they saw.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		path := configPath
		if path == "" {
			path = config.DefaultConfigPath()
		}
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded

		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		return logging.Initialize(cfg.Log)
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		logging.Close()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sessionsCmd)
}
