// Package commands implements the offlineagent CLI.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/jonwraymond/offlineagent/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "offlineagent",
	Short: "Offline-resilience agent for web clients",
	Long: `offlineagent sits between web clients and their backend. It serves
versioned cache generations, answers requests with cache strategies while the
backend is unreachable, and queues writes for replay once it is back.

Use "offlineagent [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/offlineagent/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(queueCmd)
}

// configPath returns the --config flag or the default location.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultPath()
}
