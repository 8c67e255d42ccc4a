package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/witanlabs/sheetpilot/config"
	"github.com/witanlabs/sheetpilot/internal/dispatch"
)

var (
	scriptFile      string
	scriptProcedure string
)

var scriptCmd = &cobra.Command{
	Use:   "script",
	Short: "Generate and run one-shot scripts",
	Long: `Generate a script with the model, vet it with the security scanner, and run
it once in a temporary module that is removed afterwards.

Commands:
  generate  Print the generated script and its scan without running it.
  run       Generate (or read with --file) and run a script.

The memory host runs Go scripts in a sandboxed interpreter; the bridge host
runs VBA inside the spreadsheet application.`,
}

var scriptGenerateCmd = &cobra.Command{
	Use:   "generate <request...>",
	Short: "Generate and scan a script without running it",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runScriptGenerate,
}

var scriptRunCmd = &cobra.Command{
	Use:   "run [request...]",
	Short: "Generate and run a script, or run a local script file",
	Long: `Run a script once against the workbook.

Inputs:
  - With a request, the script is generated by the model first.
  - With --file, the file is scanned and run as is; --procedure names the
    entry point and defaults to the file name without extension.

Exit codes:
  - 0: the script ran
  - 1: format error, security rejection, execution error, or system error`,
	RunE: runScriptRun,
}

func init() {
	scriptRunCmd.Flags().StringVar(&scriptFile, "file", "", "Run this script file instead of generating one")
	scriptRunCmd.Flags().StringVar(&scriptProcedure, "procedure", "", "Entry point in --file")
	scriptCmd.AddCommand(scriptGenerateCmd, scriptRunCmd)
	rootCmd.AddCommand(scriptCmd)
}

func runScriptGenerate(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	return withScriptDispatcher(func(ctx context.Context, cfg config.Config, d *dispatch.Dispatcher) error {
		res := runScriptWithRetry(ctx, cfg, d, strings.Join(args, " "), true)
		if err := printResult(res); err != nil {
			if res.Script != nil && !jsonOutput {
				fmt.Println()
				fmt.Println(res.Script.ScriptText)
			}
			return err
		}
		if !jsonOutput && res.Script != nil {
			fmt.Println()
			fmt.Println(res.Script.ScriptText)
		}
		return nil
	})
}

func runScriptRun(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	if scriptFile == "" && len(args) == 0 {
		return fmt.Errorf("a request or --file is required")
	}
	if scriptFile != "" && len(args) > 0 {
		return fmt.Errorf("a request and --file are mutually exclusive")
	}

	return withScriptDispatcher(func(ctx context.Context, cfg config.Config, d *dispatch.Dispatcher) error {
		if scriptFile == "" {
			return printResult(runScriptWithRetry(ctx, cfg, d, strings.Join(args, " "), false))
		}
		b, err := os.ReadFile(scriptFile)
		if err != nil {
			return fmt.Errorf("reading script file: %w", err)
		}
		proc := scriptProcedure
		if proc == "" {
			proc = strings.TrimSuffix(filepath.Base(scriptFile), filepath.Ext(scriptFile))
		}
		return printResult(d.ExecuteScript(ctx, proc, string(b), "file "+filepath.Base(scriptFile)))
	})
}

// runScriptWithRetry re-asks after malformed script responses, bounded like apply.
func runScriptWithRetry(ctx context.Context, cfg config.Config, d *dispatch.Dispatcher, request string, dryRun bool) dispatch.Result {
	res := d.RunScript(ctx, request, dryRun)
	for attempt := 0; attempt < min(max(cfg.MaxFormatRetries, 0), dispatch.MaxFormatRetries); attempt++ {
		if res.Success || res.ErrorType != dispatch.ProtocolFormatError {
			break
		}
		res = d.RunScript(ctx, request, dryRun)
	}
	return res
}

func withScriptDispatcher(fn func(context.Context, config.Config, *dispatch.Dispatcher) error) (err error) {
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	// running a local file needs no provider
	asker, askErr := newAsker(ctx, cfg)
	if askErr != nil && scriptFile == "" {
		return askErr
	}
	session, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSession(session, &err)

	d, err := newDispatcher(cfg, asker, session)
	if err != nil {
		return err
	}
	return fn(ctx, cfg, d)
}
