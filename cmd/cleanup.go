package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/witanlabs/sheetpilot/internal/script"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove temporary script modules left behind by interrupted runs",
	Long: `Remove every module whose name starts with ` + script.ContainerPrefix + ` from the workbook.

Modules are normally removed right after their script runs; this repairs
workbooks where a crash or a killed process left one behind.

Exit codes:
  - 0: nothing to remove, or everything was removed
  - 1: script access is unavailable or a module could not be removed`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) (err error) {
	cmd.SilenceUsage = true

	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	session, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSession(session, &err)

	engine := script.New(nil, session, script.WithLogger(logger))
	removed, cleanupErr := engine.CleanupOrphans(ctx)

	if jsonOutput {
		out := struct {
			Removed []string `json:"removed"`
			Error   string   `json:"error,omitempty"`
		}{Removed: removed}
		if out.Removed == nil {
			out.Removed = []string{}
		}
		if cleanupErr != nil {
			out.Error = cleanupErr.Error()
		}
		if err := jsonPrint(out); err != nil {
			return err
		}
	} else {
		for _, name := range removed {
			fmt.Printf("removed %s\n", name)
		}
		if cleanupErr != nil {
			fmt.Println(cleanupErr)
		} else if len(removed) == 0 {
			fmt.Println("No temporary modules found.")
		}
	}

	if cleanupErr != nil {
		return &ExitError{Code: 1}
	}
	return nil
}
