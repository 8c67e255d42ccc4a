package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/witanlabs/sheetpilot/config"
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored API key",
	Long: `Remove the provider API key from the local config file.

What happens:
  - Other settings in the config file are kept.
  - If nothing but defaults remain, the config file is deleted.
  - If no key is stored, prints "Not logged in." and exits successfully.

Example:
  sheetpilot auth logout`,
	RunE: runLogout,
}

func init() {
	logoutCmd.SilenceUsage = true
	authCmd.AddCommand(logoutCmd)
}

func runLogout(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "Not logged in.")
		return nil
	}

	cfg.APIKey = ""
	if cfg == config.Default() {
		err = config.Delete()
	} else {
		err = config.Save(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to update config: %w", err)
	}

	fmt.Fprintln(os.Stderr, "✓ Logged out")
	return nil
}
