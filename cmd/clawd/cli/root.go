// Package cli implements the clawd command-line interface using Cobra.
package cli

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/clawdeploy/clawd/internal/config"
	"github.com/clawdeploy/clawd/internal/log"
)

var (
	verbose    bool
	jsonOut    bool
	configPath string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "clawd",
	Short: "clawd - per-user sandboxed agent instance orchestrator",
	Long: `clawd runs one sandboxed agent instance per user: a Docker
container with its own config bundle, host port and reverse-proxy
route. Lifecycle changes flow through a durable task queue; a
websocket terminal gives users a shell inside their instance.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Missing .env is the normal case outside development.
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}

		if err := log.Init(log.Options{
			Verbose:       verbose,
			JSONFormat:    jsonOut,
			Dir:           cfg.Log.Dir,
			RetentionDays: cfg.Log.RetentionDays,
		}); err != nil {
			cmd.PrintErrf("Warning: failed to initialize file logging: %v\n", err)
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "log in JSON format")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
}
