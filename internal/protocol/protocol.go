// Package protocol validates the structured command payload returned by the
// model. The payload must be exactly one JSON object; anything around it,
// markdown fences included, is a protocol violation.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/witanlabs/sheetpilot/internal/address"
)

// Function names with argument rules.
const (
	FuncSetCellValue     = "setCellValue"
	FuncApplyCellFormula = "applyCellFormula"
	FuncSetCellStyle     = "setCellStyle"
	FuncSetCellFormat    = "setCellFormat"
)

// StyleKeys are the style arguments setCellStyle understands.
var StyleKeys = []string{"backgroundColor", "fontColor", "bold", "italic", "underline", "fontSize", "fontName"}

// Command is one requested operation.
type Command struct {
	Function    string         `json:"function"`
	Description string         `json:"description,omitempty"`
	Arguments   map[string]any `json:"arguments"`
}

// CommandSet is the full payload.
type CommandSet struct {
	Version  string    `json:"version"`
	Summary  string    `json:"summary,omitempty"`
	Commands []Command `json:"commands"`
}

// Validated wraps a CommandSet that passed both validation passes. Only
// Validate produces one.
type Validated struct {
	set CommandSet
}

// CommandSet returns a copy of the validated payload.
func (v Validated) CommandSet() CommandSet {
	out := CommandSet{Version: v.set.Version, Summary: v.set.Summary}
	out.Commands = make([]Command, len(v.set.Commands))
	for i, c := range v.set.Commands {
		args := make(map[string]any, len(c.Arguments))
		for k, a := range c.Arguments {
			args[k] = a
		}
		out.Commands[i] = Command{Function: c.Function, Description: c.Description, Arguments: args}
	}
	return out
}

// Result is the outcome of one Validate call.
type Result struct {
	Valid   bool
	Reason  string
	Payload Validated
}

func invalid(format string, args ...any) Result {
	return Result{Reason: fmt.Sprintf(format, args...)}
}

// Validate parses raw and runs the structural and business-rule passes.
// It never panics and has no side effects.
func Validate(raw string) Result {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return invalid("empty")
	}

	doc, err := decodeObject(trimmed)
	if err != nil {
		return invalid("parse error: %v", err)
	}

	set, err := structural(doc)
	if err != nil {
		return invalid("%v", err)
	}

	for i, c := range set.Commands {
		if err := business(c); err != nil {
			return invalid("command %d (%s): %v", i, c.Function, err)
		}
	}

	return Result{Valid: true, Payload: Validated{set: set}}
}

func decodeObject(text string) (map[string]any, error) {
	if !strings.HasPrefix(text, "{") {
		return nil, fmt.Errorf("payload must be a single JSON object with no surrounding text")
	}
	dec := json.NewDecoder(strings.NewReader(text))

	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unexpected content after JSON object")
	}
	if doc == nil {
		return nil, fmt.Errorf("payload must be a JSON object")
	}
	return doc, nil
}

func structural(doc map[string]any) (CommandSet, error) {
	var set CommandSet

	version, ok := doc["version"].(string)
	if !ok || strings.TrimSpace(version) == "" {
		return set, fmt.Errorf("missing required field: version")
	}
	set.Version = version

	if s, ok := doc["summary"].(string); ok {
		set.Summary = s
	}

	rawCommands, ok := doc["commands"].([]any)
	if !ok {
		return set, fmt.Errorf("missing required field: commands")
	}
	if len(rawCommands) == 0 {
		return set, fmt.Errorf("commands must not be empty")
	}

	for i, rc := range rawCommands {
		obj, ok := rc.(map[string]any)
		if !ok {
			return set, fmt.Errorf("command %d: must be an object", i)
		}
		fn, ok := obj["function"].(string)
		if !ok || strings.TrimSpace(fn) == "" {
			return set, fmt.Errorf("command %d: missing required field: function", i)
		}
		args, ok := obj["arguments"].(map[string]any)
		if !ok {
			return set, fmt.Errorf("command %d: missing required field: arguments", i)
		}
		desc, _ := obj["description"].(string)
		set.Commands = append(set.Commands, Command{
			Function:    fn,
			Description: desc,
			Arguments:   args,
		})
	}
	return set, nil
}

func business(c Command) error {
	switch c.Function {
	case FuncSetCellValue:
		if err := checkRange(c.Arguments); err != nil {
			return err
		}
		if v, ok := c.Arguments["value"]; !ok || v == nil {
			return fmt.Errorf("value must not be null")
		}
	case FuncApplyCellFormula:
		if err := checkRange(c.Arguments); err != nil {
			return err
		}
		formula, _ := c.Arguments["formula"].(string)
		if strings.TrimSpace(formula) == "" {
			return fmt.Errorf("formula must not be empty")
		}
		if !strings.HasPrefix(strings.TrimSpace(formula), "=") {
			return fmt.Errorf("formula %q must start with '='", formula)
		}
	case FuncSetCellStyle:
		if err := checkRange(c.Arguments); err != nil {
			return err
		}
		for _, k := range StyleKeys {
			if _, ok := c.Arguments[k]; ok {
				return nil
			}
		}
		return fmt.Errorf("at least one style property is required (%s)", strings.Join(StyleKeys, ", "))
	case FuncSetCellFormat:
		if err := checkRange(c.Arguments); err != nil {
			return err
		}
		format, _ := c.Arguments["format"].(string)
		if strings.TrimSpace(format) == "" {
			return fmt.Errorf("format must not be empty")
		}
	}
	return nil
}

func checkRange(args map[string]any) error {
	raw, ok := args["range"]
	if !ok {
		return fmt.Errorf("missing required argument: range")
	}
	spec, ok := raw.(string)
	if !ok {
		return fmt.Errorf("invalid range %v: must be a string", raw)
	}
	if !address.Valid(spec) {
		return fmt.Errorf("invalid range %q: expected A1, A1:B5, A:A, 1:1 or %s", spec, address.CurrentSelection)
	}
	return nil
}
