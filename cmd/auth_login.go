package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/witanlabs/sheetpilot/client"
	"github.com/witanlabs/sheetpilot/config"
)

var (
	loginKey      string
	loginProvider string

	// authInput is where an interactively typed key is read from.
	authInput io.Reader = os.Stdin
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store an AI provider API key",
	Long: `Save an API key for the model provider in the local config file.

What happens:
  1. The key is taken from --key, or read from stdin after a prompt.
  2. --provider (default: the configured provider) selects which provider the
     key belongs to and becomes the configured provider.
  3. The config file is written with owner-only permissions.

For non-interactive environments, SHEETPILOT_API_KEY or --api-key work
without storing anything.

Example:
  sheetpilot auth login --provider openai`,
	RunE: runLogin,
}

func init() {
	loginCmd.SilenceUsage = true
	loginCmd.Flags().StringVar(&loginKey, "key", "", "API key to store")
	loginCmd.Flags().StringVar(&loginProvider, "provider", "", "Provider the key belongs to: anthropic, openai or gemini")
	authCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	// only the file is updated; environment overrides are not persisted
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	provider := strings.ToLower(strings.TrimSpace(loginProvider))
	if provider == "" {
		provider = cfg.Provider
	}
	if client.DefaultModel(provider) == "" {
		return fmt.Errorf("unknown provider %q (expected anthropic, openai or gemini)", provider)
	}

	key := strings.TrimSpace(loginKey)
	if key == "" {
		fmt.Fprintf(os.Stderr, "? Paste your %s API key: ", provider)
		line, err := bufio.NewReader(authInput).ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("reading API key: %w", err)
		}
		key = strings.TrimSpace(line)
	}
	if key == "" {
		return fmt.Errorf("no API key given")
	}

	if provider != cfg.Provider {
		// a model name from another provider would not resolve
		cfg.Model = ""
	}
	cfg.Provider = provider
	cfg.APIKey = key
	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Fprintf(os.Stderr, "✓ API key saved for %s\n", provider)
	return nil
}
