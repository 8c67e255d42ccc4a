package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/witanlabs/sheetpilot/internal/host"
	"github.com/witanlabs/sheetpilot/internal/security"
)

// scanConcurrency bounds how many files are read and scanned at once.
const scanConcurrency = 8

var scanDialect string

var scanCmd = &cobra.Command{
	Use:   "scan <file>...",
	Short: "Scan script files for disallowed constructs",
	Long: `Run the script security scanner over one or more files.

Dialect:
  - Comment lines are skipped using the script's own syntax: ' and Rem for
    VBA, // for Go.
  - --dialect=auto (default) treats .go files as Go and everything else as VBA.

Output:
  - Default mode prints each file's verdict and issues.
  - --json prints [{"file":"...","scan":{...}}] in argument order.

Exit codes:
  - 0: every file is safe
  - 1: at least one file is unsafe, or a file could not be read

Examples:
  sheetpilot scan macro.bas
  sheetpilot scan --rules team-rules.yaml scripts/*.go`,
	Args: cobra.MinimumNArgs(1),
	RunE: runScan,
}

func init() {
	scanCmd.Flags().StringVar(&scanDialect, "dialect", "auto", "Script dialect: auto, vba or go")
	rootCmd.AddCommand(scanCmd)
}

// dialectFor picks the dialect for path from the --dialect value.
func dialectFor(flag, path string) (host.Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(flag)) {
	case "", "auto":
		if strings.EqualFold(filepath.Ext(path), ".go") {
			return host.DialectGo, nil
		}
		return host.DialectVBA, nil
	case string(host.DialectVBA):
		return host.DialectVBA, nil
	case string(host.DialectGo):
		return host.DialectGo, nil
	default:
		return "", fmt.Errorf("unknown dialect %q (expected auto, vba or go)", flag)
	}
}

type fileScan struct {
	File string              `json:"file"`
	Scan security.ScanResult `json:"scan"`
}

func runScan(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	if _, err := dialectFor(scanDialect, ""); err != nil {
		return err
	}
	scanner, err := newScanner(cfg)
	if err != nil {
		return err
	}

	results, err := scanFiles(context.Background(), scanner, args)
	if err != nil {
		return err
	}

	if jsonOutput {
		if err := jsonPrint(results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			printScan(r)
		}
	}

	for _, r := range results {
		if !r.Scan.Safe {
			return &ExitError{Code: 1}
		}
	}
	return nil
}

// scanFiles scans paths in parallel and returns results in input order.
func scanFiles(ctx context.Context, scanner *security.Scanner, paths []string) ([]fileScan, error) {
	results := make([]fileScan, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(scanConcurrency)
	for i, p := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			b, err := os.ReadFile(p)
			if err != nil {
				return fmt.Errorf("reading %s: %w", p, err)
			}
			d, err := dialectFor(scanDialect, p)
			if err != nil {
				return err
			}
			results[i] = fileScan{File: p, Scan: scanner.ForDialect(d).Scan(string(b))}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func printScan(r fileScan) {
	verdict := "safe"
	if !r.Scan.Safe {
		verdict = "UNSAFE"
	}
	fmt.Printf("%s: %s (%s)\n", r.File, verdict, r.Scan.Level)
	for _, is := range r.Scan.Issues {
		fmt.Printf("  line %d [%s/%s] %s: %s\n", is.LineNumber, is.Level, is.Category, is.Description, is.CodeSnippet)
	}
	if len(r.Scan.Issues) > 0 {
		fmt.Printf("  %s\n", r.Scan.Summary)
	}
}
