package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/witanlabs/sheetpilot/internal/diff"
	"github.com/witanlabs/sheetpilot/internal/dispatch"
	"github.com/witanlabs/sheetpilot/internal/host"
	"github.com/witanlabs/sheetpilot/internal/instruction"
)

var (
	applyDryRun bool
	applyYes    bool
	applyDiff   bool

	// confirmInput is where confirmation answers are read from.
	confirmInput io.Reader = os.Stdin
)

var applyCmd = &cobra.Command{
	Use:   "apply <request...>",
	Short: "Apply a natural-language change through validated commands",
	Long: `Ask the model for a command set, validate it, and apply it to the workbook.

Contract:
  - The request is every positional argument joined by spaces.
  - The model must answer with a single JSON command set; anything else is a
    format error and is retried silently up to max_format_retries times.
  - Instructions run strictly in order; the first failure stops the run and
    earlier changes are kept.

Confirmation:
  - Sets containing deleteRows, deleteColumns or clearContent ask for
    confirmation on stderr before anything runs.
  - --yes skips the question.
  - --dry-run never asks and never changes the workbook.

Output:
  - Default mode prints one line per instruction.
  - --diff (memory host only) adds the changed cells and a line diff.
  - --json prints the full result.

Exit codes:
  - 0: every instruction ran (or would run, with --dry-run)
  - 1: format, execution, or system error

Examples:
  sheetpilot apply "bold the header row"
  sheetpilot apply --dry-run "delete row 3"
  sheetpilot -w sales.json apply --diff "sort A1:C20 by column B descending"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runApply,
}

func init() {
	applyCmd.Flags().BoolVar(&applyDryRun, "dry-run", false, "Describe the instructions without changing the workbook")
	applyCmd.Flags().BoolVarP(&applyYes, "yes", "y", false, "Do not ask before destructive instructions")
	applyCmd.Flags().BoolVar(&applyDiff, "diff", false, "Show workbook changes (memory host only)")
	rootCmd.AddCommand(applyCmd)
}

func runApply(cmd *cobra.Command, args []string) (err error) {
	cmd.SilenceUsage = true
	request := strings.Join(args, " ")

	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	asker, err := newAsker(ctx, cfg)
	if err != nil {
		return err
	}
	session, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSession(session, &err)

	var opts []dispatch.Option
	if !applyYes {
		opts = append(opts, dispatch.WithConfirmer(promptConfirmer{in: confirmInput, out: os.Stderr}))
	}
	d, err := newDispatcher(cfg, asker, session, opts...)
	if err != nil {
		return err
	}

	mem, canDiff := session.(*host.Memory)
	if applyDiff && !canDiff {
		fmt.Fprintln(os.Stderr, "Warning: --diff is only available for the memory host")
	}
	var before string
	if applyDiff && canDiff {
		before = mem.Snapshot()
	}

	res := d.ApplyWithRetry(ctx, request, applyDryRun)
	if err := printResult(res); err != nil {
		// earlier instructions may have changed the workbook
		if applyDiff && canDiff {
			printDiff(before, mem.Snapshot())
		}
		return err
	}
	if applyDiff && canDiff && !jsonOutput {
		printDiff(before, mem.Snapshot())
	}
	return nil
}

func printDiff(before, after string) {
	changes := diff.Cells(before, after)
	if len(changes) == 0 && before == after {
		fmt.Println("No workbook changes.")
		return
	}
	fmt.Printf("\nChanged cells (%d):\n", len(changes))
	for _, c := range changes {
		fmt.Printf("  %s: %q -> %q\n", c.Address, c.Before, c.After)
	}
	lines, truncated := diff.Lines(before, after, 0)
	if truncated {
		fmt.Println("(line diff omitted: workbook too large)")
		return
	}
	fmt.Println()
	_ = diff.Write(os.Stdout, lines)
}

// promptConfirmer asks on out and reads a y/N answer from in.
type promptConfirmer struct {
	in  io.Reader
	out io.Writer
}

func (p promptConfirmer) Confirm(ctx context.Context, set instruction.Set) (bool, error) {
	fmt.Fprintln(p.out, "The following instructions change or remove existing data:")
	for _, in := range set.Instructions {
		if in.RequiresConfirmation {
			fmt.Fprintf(p.out, "  - %s\n", in.Description)
		}
	}
	fmt.Fprint(p.out, "Proceed? [y/N] ")

	answer := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(p.in).ReadString('\n')
		answer <- line
	}()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case line := <-answer:
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	}
}
