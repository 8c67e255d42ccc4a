package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/witanlabs/sheetpilot/internal/dispatch"
)

// ExitError signals a non-zero exit code without printing an error message.
type ExitError struct{ Code int }

func (e *ExitError) Error() string { return "" }

func jsonPrint(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResult prints a dispatcher result and turns a failure into exit code 1.
func printResult(res dispatch.Result) error {
	if jsonOutput {
		if err := jsonPrint(res); err != nil {
			return err
		}
	} else if res.Success {
		fmt.Println(res.Message)
	} else {
		fmt.Println(formatFailure(res))
	}
	if !res.Success {
		return &ExitError{Code: 1}
	}
	return nil
}

func formatFailure(res dispatch.Result) string {
	if res.ErrorType == "" {
		return res.Error
	}
	return fmt.Sprintf("%s: %s", res.ErrorType, res.Error)
}
