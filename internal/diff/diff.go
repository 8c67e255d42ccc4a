// Package diff compares two workbook snapshots as produced by
// host.Memory.Snapshot.
package diff

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

type Line struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	OldLine int    `json:"old_line,omitempty"`
	NewLine int    `json:"new_line,omitempty"`
}

const (
	LineContext = "context"
	LineAdded   = "added"
	LineRemoved = "removed"
)

// MaxDiffLines bounds the combined size of the inputs to a line diff.
const MaxDiffLines = 5000

// Lines returns a line diff of before and after. truncated is set, and no
// lines returned, when the inputs exceed maxLines together.
func Lines(before, after string, maxLines int) (lines []Line, truncated bool) {
	if maxLines <= 0 {
		maxLines = MaxDiffLines
	}
	if lineCount(before)+lineCount(after) > maxLines {
		return nil, true
	}

	dmp := diffmatchpatch.New()
	beforeChars, afterChars, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(beforeChars, afterChars, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	oldLine, newLine := 1, 1
	for _, d := range diffs {
		for _, text := range splitLines(d.Text) {
			l := Line{Text: text}
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				l.Type, l.OldLine, l.NewLine = LineContext, oldLine, newLine
			case diffmatchpatch.DiffDelete:
				l.Type, l.OldLine = LineRemoved, oldLine
			case diffmatchpatch.DiffInsert:
				l.Type, l.NewLine = LineAdded, newLine
			}
			if l.OldLine > 0 {
				oldLine++
			}
			if l.NewLine > 0 {
				newLine++
			}
			lines = append(lines, l)
		}
	}
	return lines, false
}

// splitLines drops the empty element a trailing newline leaves behind.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

func lineCount(value string) int {
	if value == "" {
		return 0
	}
	return strings.Count(value, "\n") + 1
}

// Change is one cell whose rendering differs between snapshots. Before or
// After is empty when the cell was created or cleared.
type Change struct {
	Address string `json:"address"`
	Before  string `json:"before,omitempty"`
	After   string `json:"after,omitempty"`
}

// Cells lists changed cells by address. Non-cell lines such as charts and
// filters are ignored; they show up in Lines.
func Cells(before, after string) []Change {
	b, a := cellMap(before), cellMap(after)
	var out []Change
	for addr, old := range b {
		if now, ok := a[addr]; !ok || now != old {
			out = append(out, Change{Address: addr, Before: old, After: now})
		}
	}
	for addr, now := range a {
		if _, ok := b[addr]; !ok {
			out = append(out, Change{Address: addr, After: now})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func cellMap(snapshot string) map[string]string {
	m := map[string]string{}
	for _, line := range strings.Split(snapshot, "\n") {
		addr, rest, ok := strings.Cut(line, " = ")
		// quoted sheet names may contain spaces; other lines with spaces are sheet objects
		if !ok || (strings.Contains(addr, " ") && !strings.HasPrefix(addr, "'")) {
			continue
		}
		m[addr] = rest
	}
	return m
}

// Write prints changed lines with +/- markers; context lines are omitted.
func Write(w io.Writer, lines []Line) error {
	for _, l := range lines {
		var err error
		switch l.Type {
		case LineAdded:
			_, err = fmt.Fprintf(w, "+ %s\n", l.Text)
		case LineRemoved:
			_, err = fmt.Fprintf(w, "- %s\n", l.Text)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
