package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jonwraymond/offlineagent/config"
)

var (
	initForce  bool
	initOrigin string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample configuration file",
	Long: `Write a configuration file with default values.

Examples:
  # Initialize at the default location
  offlineagent init --origin https://app.example.com

  # Overwrite an existing file
  offlineagent init --origin https://app.example.com --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
	initCmd.Flags().StringVar(&initOrigin, "origin", "", "Backend base URL")
	_ = initCmd.MarkFlagRequired("origin")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath()
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	cfg := config.Default()
	cfg.Origin = initOrigin
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if err := config.Save(cfg, path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration file created at: %s\n", path)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Add the precache manifest under cache.manifest")
	fmt.Fprintln(out, "  2. Set control.api_key, e.g. secretref:env:OFFLINEAGENT_KEY")
	fmt.Fprintln(out, "  3. Start the agent with: offlineagent start")
	return nil
}
