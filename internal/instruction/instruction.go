// Package instruction turns a validated command set into typed,
// executable instructions.
package instruction

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/witanlabs/sheetpilot/internal/address"
	"github.com/witanlabs/sheetpilot/internal/protocol"
)

// Type is the closed set of operations the dispatcher can execute.
type Type int

const (
	Unknown Type = iota
	SetCellValue
	SetCellFormat
	ApplyFormula
	SetCellStyle
	InsertRows
	InsertColumns
	DeleteRows
	DeleteColumns
	SortData
	FilterData
	CreateChart
	ApplyConditionalFormatting
	ClearContent
)

var typeNames = map[Type]string{
	Unknown:                    "Unknown",
	SetCellValue:               "SetCellValue",
	SetCellFormat:              "SetCellFormat",
	ApplyFormula:               "ApplyFormula",
	SetCellStyle:               "SetCellStyle",
	InsertRows:                 "InsertRows",
	InsertColumns:              "InsertColumns",
	DeleteRows:                 "DeleteRows",
	DeleteColumns:              "DeleteColumns",
	SortData:                   "SortData",
	FilterData:                 "FilterData",
	CreateChart:                "CreateChart",
	ApplyConditionalFormatting: "ApplyConditionalFormatting",
	ClearContent:               "ClearContent",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// functionTypes maps protocol function names to instruction types.
var functionTypes = map[string]Type{
	"setCellValue":               SetCellValue,
	"setCellFormat":              SetCellFormat,
	"applyCellFormula":           ApplyFormula,
	"setCellStyle":               SetCellStyle,
	"insertRows":                 InsertRows,
	"insertColumns":              InsertColumns,
	"deleteRows":                 DeleteRows,
	"deleteColumns":              DeleteColumns,
	"sortData":                   SortData,
	"filterData":                 FilterData,
	"createChart":                CreateChart,
	"applyConditionalFormatting": ApplyConditionalFormatting,
	"clearContent":               ClearContent,
}

// TypeOf returns the instruction type for a protocol function name.
func TypeOf(function string) Type {
	if t, ok := functionTypes[function]; ok {
		return t
	}
	return Unknown
}

// Functions lists the supported protocol function names.
func Functions() []string {
	out := make([]string, 0, len(functionTypes))
	for t := SetCellValue; t <= ClearContent; t++ {
		for name, ft := range functionTypes {
			if ft == t {
				out = append(out, name)
			}
		}
	}
	return out
}

// RequiresConfirmation reports whether t is destructive. Adding a
// destructive type means adding it here.
func RequiresConfirmation(t Type) bool {
	switch t {
	case DeleteRows, DeleteColumns, ClearContent:
		return true
	default:
		return false
	}
}

// Instruction is one executable unit.
type Instruction struct {
	Type                 Type           `json:"type"`
	Function             string         `json:"function"`
	Description          string         `json:"description"`
	TargetRange          string         `json:"target_range,omitempty"`
	Parameters           map[string]any `json:"parameters"`
	RequiresConfirmation bool           `json:"requires_confirmation"`
}

// HasTarget reports whether a target range was given. Without one the
// current selection is used.
func (in Instruction) HasTarget() bool {
	return in.TargetRange != ""
}

// Set is an ordered list of instructions; order is execution order.
type Set struct {
	Summary      string        `json:"summary"`
	Instructions []Instruction `json:"instructions"`
}

// NeedsConfirmation reports whether any instruction is destructive.
func (s Set) NeedsConfirmation() bool {
	for _, in := range s.Instructions {
		if in.RequiresConfirmation {
			return true
		}
	}
	return false
}

// Convert maps each command to exactly one instruction, preserving order.
// Unknown functions are kept as Unknown so execution can report them.
func Convert(v protocol.Validated) Set {
	cs := v.CommandSet()
	out := Set{
		Summary:      cs.Summary,
		Instructions: make([]Instruction, 0, len(cs.Commands)),
	}
	for _, c := range cs.Commands {
		t := TypeOf(c.Function)
		in := Instruction{
			Type:                 t,
			Function:             c.Function,
			Description:          c.Description,
			TargetRange:          targetRange(t, c.Arguments),
			Parameters:           c.Arguments,
			RequiresConfirmation: RequiresConfirmation(t),
		}
		if strings.TrimSpace(in.Description) == "" {
			in.Description = defaultDescription(in)
		}
		out.Instructions = append(out.Instructions, in)
	}
	return out
}

func targetRange(t Type, args map[string]any) string {
	columns := t == InsertColumns || t == DeleteColumns
	structural := columns || t == InsertRows || t == DeleteRows
	for _, key := range []string{"range", "position"} {
		switch v := args[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return wholeLines(s, columns, structural)
			}
		case float64:
			// row/column operations sometimes carry a bare index
			if n := int(v); n >= 1 {
				return lineSpan(n, columns)
			}
		}
	}
	return ""
}

// wholeLines widens a bare row number ("3") or, for row/column
// operations, a bare column name ("B") to the span Resolve accepts.
func wholeLines(s string, columns, structural bool) string {
	if isASCIIDigits(s) {
		if n, err := strconv.Atoi(s); err == nil && n >= 1 {
			return lineSpan(n, columns)
		}
		return s
	}
	if structural && len(s) <= 3 && isASCIILetters(s) && address.LetterToCol(s) <= address.MaxCols {
		col := strings.ToUpper(s)
		return col + ":" + col
	}
	return s
}

func lineSpan(n int, columns bool) string {
	if columns {
		col := address.ColToLetter(n)
		return col + ":" + col
	}
	return fmt.Sprintf("%d:%d", n, n)
}

func isASCIIDigits(s string) bool {
	return strings.Trim(s, "0123456789") == ""
}

func isASCIILetters(s string) bool {
	return strings.Trim(strings.ToUpper(s), "ABCDEFGHIJKLMNOPQRSTUVWXYZ") == ""
}

func defaultDescription(in Instruction) string {
	target := in.TargetRange
	if target == "" {
		target = "current selection"
	}
	switch in.Type {
	case SetCellValue:
		return fmt.Sprintf("set %s to %s", target, compact(in.Parameters["value"]))
	case ApplyFormula:
		return fmt.Sprintf("apply formula %s to %s", compact(in.Parameters["formula"]), target)
	case SetCellFormat:
		return fmt.Sprintf("format %s as %s", target, compact(in.Parameters["format"]))
	default:
		return fmt.Sprintf("%s %s", in.Function, target)
	}
}

func compact(v any) string {
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
