package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/witanlabs/sheetpilot/internal/address"
	"github.com/witanlabs/sheetpilot/internal/host"
	"github.com/witanlabs/sheetpilot/internal/instruction"
)

// execute maps one instruction onto the workbook surface.
func (d *Dispatcher) execute(ctx context.Context, in instruction.Instruction) error {
	if in.Type == instruction.Unknown {
		return fmt.Errorf("unsupported operation: %s", in.Function)
	}

	target := in.TargetRange
	if target == "" {
		target = address.CurrentSelection
	}
	ref, err := d.workbook.Resolve(ctx, target)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", target, err)
	}
	p := params(in.Parameters)

	switch in.Type {
	case instruction.SetCellValue:
		return d.workbook.SetValue(ctx, ref, p["value"])
	case instruction.SetCellFormat:
		return d.workbook.SetFormat(ctx, ref, p.str("format"))
	case instruction.ApplyFormula:
		return d.workbook.SetFormula(ctx, ref, p.str("formula"))
	case instruction.SetCellStyle:
		style, err := p.style()
		if err != nil {
			return err
		}
		return d.workbook.SetStyle(ctx, ref, style)
	case instruction.InsertRows, instruction.DeleteRows:
		return d.structural(ctx, in.Type, ref, host.Rows, p)
	case instruction.InsertColumns, instruction.DeleteColumns:
		return d.structural(ctx, in.Type, ref, host.Columns, p)
	case instruction.SortData:
		return d.workbook.Sort(ctx, ref, host.SortOptions{
			Column:     strings.ToUpper(p.str("column")),
			Descending: isDescending(p.str("order")),
			HasHeader:  p.boolean("hasHeader"),
		})
	case instruction.FilterData:
		return d.workbook.Filter(ctx, ref, host.FilterOptions{
			Column:   strings.ToUpper(p.str("column")),
			Criteria: p.str("criteria"),
		})
	case instruction.CreateChart:
		chartType := p.str("chartType")
		if chartType == "" {
			chartType = "column"
		}
		return d.workbook.AddChart(ctx, ref, host.ChartOptions{ChartType: chartType, Title: p.str("title")})
	case instruction.ApplyConditionalFormatting:
		return d.workbook.AddConditionalFormat(ctx, ref, host.ConditionalRule{
			Condition: p.str("condition"),
			Operator:  p.str("operator"),
			Value:     p["value"],
			Color:     p.str("color"),
		})
	case instruction.ClearContent:
		return d.workbook.Clear(ctx, ref)
	default:
		return fmt.Errorf("unsupported operation: %s", in.Function)
	}
}

// structural inserts or deletes the rows or columns ref spans. An explicit
// count overrides the span.
func (d *Dispatcher) structural(ctx context.Context, t instruction.Type, ref address.Ref, dim host.Dimension, p params) error {
	at, span := ref.StartRow, ref.EndRow-ref.StartRow+1
	if dim == host.Columns {
		at, span = ref.StartCol, ref.EndCol-ref.StartCol+1
	}
	if at < 1 {
		return fmt.Errorf("%s does not address %s", ref.String(), dim)
	}
	count, err := p.integer("count", span)
	if err != nil {
		return err
	}
	if t == instruction.InsertRows || t == instruction.InsertColumns {
		return d.workbook.Insert(ctx, ref.Sheet, dim, at, count)
	}
	return d.workbook.Delete(ctx, ref.Sheet, dim, at, count)
}

func isDescending(order string) bool {
	switch strings.ToLower(strings.TrimSpace(order)) {
	case "desc", "descending", "z-a":
		return true
	}
	return false
}

// params reads loosely typed model arguments.
type params map[string]any

func (p params) str(key string) string {
	switch v := p[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func (p params) boolean(key string) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(v))
		return b
	}
	return false
}

func (p params) integer(key string, def int) (int, error) {
	switch v := p[key].(type) {
	case nil:
		return def, nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("%s must be a whole number, got %v", key, v)
		}
		return int(v), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("%s must be a number, got %q", key, v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%s must be a number, got %T", key, v)
	}
}

func (p params) style() (host.Style, error) {
	s := host.Style{
		BackgroundColor: p.str("backgroundColor"),
		FontColor:       p.str("fontColor"),
		FontName:        p.str("fontName"),
	}
	if _, ok := p["fontSize"]; ok {
		size, err := strconv.ParseFloat(p.str("fontSize"), 64)
		if err != nil || size <= 0 {
			return host.Style{}, fmt.Errorf("fontSize must be a positive number, got %v", p["fontSize"])
		}
		s.FontSize = size
	}
	for key, dst := range map[string]**bool{"bold": &s.Bold, "italic": &s.Italic, "underline": &s.Underline} {
		if _, ok := p[key]; ok {
			b := p.boolean(key)
			*dst = &b
		}
	}
	return s, nil
}
