package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/witanlabs/sheetpilot/internal/instruction"
	"github.com/witanlabs/sheetpilot/internal/protocol"
)

var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a command-set payload offline",
	Long: `Run the command protocol validator and instruction converter over a
payload without calling a model or touching a workbook.

Inputs:
  - [file] holds the payload; when omitted or "-", stdin is read.
  - The payload must be exactly one JSON object, with no fences or prose.

Output:
  - Default mode prints one line per instruction, marking destructive ones.
  - --json prints {"valid":true,"instructions":{...}} or {"valid":false,"reason":"..."}.

Exit codes:
  - 0: the payload is valid
  - 1: the payload is invalid or could not be read`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

var validateInput io.Reader = os.Stdin

type validateOutput struct {
	Valid        bool             `json:"valid"`
	Reason       string           `json:"reason,omitempty"`
	Instructions *instruction.Set `json:"instructions,omitempty"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	var raw []byte
	var err error
	if len(args) == 0 || args[0] == "-" {
		raw, err = io.ReadAll(validateInput)
	} else {
		raw, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("reading payload: %w", err)
	}

	res := protocol.Validate(string(raw))
	out := validateOutput{Valid: res.Valid, Reason: res.Reason}
	if res.Valid {
		set := instruction.Convert(res.Payload)
		out.Instructions = &set
	}

	if jsonOutput {
		if err := jsonPrint(out); err != nil {
			return err
		}
	} else if !out.Valid {
		fmt.Printf("invalid: %s\n", out.Reason)
	} else {
		if out.Instructions.Summary != "" {
			fmt.Println(out.Instructions.Summary)
		}
		for i, in := range out.Instructions.Instructions {
			mark := ""
			if in.RequiresConfirmation {
				mark = " [confirm]"
			}
			fmt.Printf("%d. %s: %s%s\n", i+1, in.Type, in.Description, mark)
		}
	}

	if !out.Valid {
		return &ExitError{Code: 1}
	}
	return nil
}
