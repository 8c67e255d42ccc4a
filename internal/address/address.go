// Package address implements the A1-style range grammar shared by the
// protocol validator and the workbook hosts.
package address

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// CurrentSelection is the sentinel range meaning "whatever the user has selected".
const CurrentSelection = "CURRENT_SELECTION"

const (
	MaxRows = 1048576
	MaxCols = 16384 // XFD
)

// Kind tells which shape a parsed range has.
type Kind int

const (
	KindCell Kind = iota
	KindArea
	KindColumns
	KindRows
	KindSelection
)

func (k Kind) String() string {
	switch k {
	case KindCell:
		return "cell"
	case KindArea:
		return "area"
	case KindColumns:
		return "columns"
	case KindRows:
		return "rows"
	case KindSelection:
		return "selection"
	default:
		return "unknown"
	}
}

var (
	// cellRefRe matches a cell reference like A1, $B$2, AA100
	cellRefRe   = regexp.MustCompile(`^\$?([A-Z]{1,3})\$?(\d+)$`)
	colRefRe    = regexp.MustCompile(`^\$?([A-Z]{1,3})$`)
	rowRefRe    = regexp.MustCompile(`^\$?(\d+)$`)
	sheetNameRe = regexp.MustCompile(`^[A-Za-z0-9_.]+$`)
)

// Ref is a parsed range. Rows and columns are 1-indexed. A full-column
// range has zero rows, a full-row range has zero columns.
type Ref struct {
	Sheet    string
	Kind     Kind
	StartRow int
	StartCol int
	EndRow   int
	EndCol   int
}

// Valid reports whether spec matches the range grammar:
// A1, A1:B5, A:A, 1:1 or CURRENT_SELECTION, optionally sheet-qualified.
func Valid(spec string) bool {
	_, err := Parse(spec)
	return err == nil
}

// Parse parses spec into a Ref, normalizing reversed bounds.
func Parse(spec string) (Ref, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Ref{}, fmt.Errorf("empty range")
	}

	var ref Ref
	rangePart := spec
	if i := strings.LastIndex(spec, "!"); i >= 0 {
		sheet, err := parseSheet(spec[:i])
		if err != nil {
			return Ref{}, err
		}
		ref.Sheet = sheet
		rangePart = spec[i+1:]
	}
	rangePart = strings.ToUpper(rangePart)

	if rangePart == CurrentSelection {
		if ref.Sheet != "" {
			return Ref{}, fmt.Errorf("%s cannot be sheet-qualified", CurrentSelection)
		}
		ref.Kind = KindSelection
		return ref, nil
	}

	fromRef, toRef, hasColon := strings.Cut(rangePart, ":")
	if !hasColon {
		row, col, err := ParseCell(fromRef)
		if err != nil {
			return Ref{}, fmt.Errorf("invalid range %q: %w", spec, err)
		}
		ref.Kind = KindCell
		ref.StartRow, ref.StartCol, ref.EndRow, ref.EndCol = row, col, row, col
		return ref, nil
	}

	switch {
	case cellRefRe.MatchString(fromRef):
		sr, sc, err := ParseCell(fromRef)
		if err != nil {
			return Ref{}, fmt.Errorf("invalid start of range %q: %w", spec, err)
		}
		er, ec, err := ParseCell(toRef)
		if err != nil {
			return Ref{}, fmt.Errorf("invalid end of range %q: %w", spec, err)
		}
		ref.Kind = KindArea
		ref.StartRow, ref.StartCol, ref.EndRow, ref.EndCol = sr, sc, er, ec
	case colRefRe.MatchString(fromRef):
		sc, err := parseCol(fromRef)
		if err != nil {
			return Ref{}, fmt.Errorf("invalid range %q: %w", spec, err)
		}
		ec, err := parseCol(toRef)
		if err != nil {
			return Ref{}, fmt.Errorf("invalid range %q: %w", spec, err)
		}
		ref.Kind = KindColumns
		ref.StartCol, ref.EndCol = sc, ec
	case rowRefRe.MatchString(fromRef):
		sr, err := parseRow(fromRef)
		if err != nil {
			return Ref{}, fmt.Errorf("invalid range %q: %w", spec, err)
		}
		er, err := parseRow(toRef)
		if err != nil {
			return Ref{}, fmt.Errorf("invalid range %q: %w", spec, err)
		}
		ref.Kind = KindRows
		ref.StartRow, ref.EndRow = sr, er
	default:
		return Ref{}, fmt.Errorf("invalid range %q", spec)
	}

	// Normalize order
	if ref.StartRow > ref.EndRow {
		ref.StartRow, ref.EndRow = ref.EndRow, ref.StartRow
	}
	if ref.StartCol > ref.EndCol {
		ref.StartCol, ref.EndCol = ref.EndCol, ref.StartCol
	}
	return ref, nil
}

// String formats the ref back into A1 notation.
func (r Ref) String() string {
	var body string
	switch r.Kind {
	case KindSelection:
		return CurrentSelection
	case KindCell:
		body = CellName(r.StartRow, r.StartCol)
	case KindArea:
		from := CellName(r.StartRow, r.StartCol)
		to := CellName(r.EndRow, r.EndCol)
		body = from
		if from != to {
			body = from + ":" + to
		}
	case KindColumns:
		body = ColToLetter(r.StartCol) + ":" + ColToLetter(r.EndCol)
	case KindRows:
		body = strconv.Itoa(r.StartRow) + ":" + strconv.Itoa(r.EndRow)
	}
	if r.Sheet == "" {
		return body
	}
	if sheetNameRe.MatchString(r.Sheet) {
		return r.Sheet + "!" + body
	}
	return "'" + r.Sheet + "'!" + body
}

// Contains reports whether the 1-indexed cell lies inside the ref.
// Selection refs contain nothing; resolve them first.
func (r Ref) Contains(row, col int) bool {
	switch r.Kind {
	case KindCell, KindArea:
		return row >= r.StartRow && row <= r.EndRow && col >= r.StartCol && col <= r.EndCol
	case KindColumns:
		return col >= r.StartCol && col <= r.EndCol
	case KindRows:
		return row >= r.StartRow && row <= r.EndRow
	default:
		return false
	}
}

// Bounded turns full-row and full-column refs into an area clipped to
// maxRow x maxCol, so callers can iterate cells.
func (r Ref) Bounded(maxRow, maxCol int) Ref {
	out := r
	switch r.Kind {
	case KindColumns:
		out.Kind = KindArea
		out.StartRow, out.EndRow = 1, max(maxRow, 1)
	case KindRows:
		out.Kind = KindArea
		out.StartCol, out.EndCol = 1, max(maxCol, 1)
	}
	return out
}

// ParseCell parses "B3" into (3, 2).
func ParseCell(ref string) (row, col int, err error) {
	m := cellRefRe.FindStringSubmatch(strings.ToUpper(ref))
	if m == nil {
		return 0, 0, fmt.Errorf("invalid cell reference %q", ref)
	}
	col, err = parseCol(m[1])
	if err != nil {
		return 0, 0, err
	}
	row, err = parseRow(m[2])
	if err != nil {
		return 0, 0, err
	}
	return row, col, nil
}

// CellName builds "B3" from (3, 2).
func CellName(row, col int) string {
	return ColToLetter(col) + strconv.Itoa(row)
}

// ColToLetter converts a 1-indexed column number to Excel letter(s)
func ColToLetter(col int) string {
	result := ""
	for col > 0 {
		col--
		result = string(rune('A'+col%26)) + result
		col /= 26
	}
	return result
}

// LetterToCol converts Excel letters to a 1-indexed column number.
func LetterToCol(letters string) int {
	col := 0
	for _, c := range strings.ToUpper(letters) {
		col = col*26 + int(c-'A'+1)
	}
	return col
}

func parseSheet(raw string) (string, error) {
	if strings.HasPrefix(raw, "'") && strings.HasSuffix(raw, "'") && len(raw) >= 2 {
		name := raw[1 : len(raw)-1]
		if strings.TrimSpace(name) == "" {
			return "", fmt.Errorf("empty sheet name")
		}
		return name, nil
	}
	if !sheetNameRe.MatchString(raw) {
		return "", fmt.Errorf("invalid sheet name %q (quote names containing spaces)", raw)
	}
	return raw, nil
}

func parseCol(letters string) (int, error) {
	m := colRefRe.FindStringSubmatch(letters)
	if m == nil {
		return 0, fmt.Errorf("invalid column %q", letters)
	}
	col := LetterToCol(m[1])
	if col > MaxCols {
		return 0, fmt.Errorf("column %q is beyond XFD", m[1])
	}
	return col, nil
}

func parseRow(digits string) (int, error) {
	m := rowRefRe.FindStringSubmatch(digits)
	if m == nil {
		return 0, fmt.Errorf("invalid row %q", digits)
	}
	row, err := strconv.Atoi(m[1])
	if err != nil || row < 1 || row > MaxRows {
		return 0, fmt.Errorf("row %q out of range", m[1])
	}
	return row, nil
}
