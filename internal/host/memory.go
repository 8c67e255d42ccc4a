package host

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/witanlabs/sheetpilot/internal/address"
)

// maxAreaCells bounds how many cells a single mutation may touch.
const maxAreaCells = 1 << 20

// Cell is one stored cell.
type Cell struct {
	Value   any    `json:"value,omitempty"`
	Formula string `json:"formula,omitempty"`
	Format  string `json:"format,omitempty"`
	Style   *Style `json:"style,omitempty"`
}

func (c *Cell) empty() bool {
	return c.Value == nil && c.Formula == "" && c.Format == "" && c.Style == nil
}

// Chart records a chart placed on a sheet.
type Chart struct {
	Range string `json:"range"`
	Type  string `json:"type"`
	Title string `json:"title,omitempty"`
}

// AutoFilter records an applied filter.
type AutoFilter struct {
	Range    string `json:"range"`
	Column   string `json:"column"`
	Criteria string `json:"criteria"`
}

// ConditionalFormat records a conditional formatting rule.
type ConditionalFormat struct {
	Range string          `json:"range"`
	Rule  ConditionalRule `json:"rule"`
}

type cellKey struct{ row, col int }

type sheet struct {
	name    string
	cells   map[cellKey]*Cell
	charts  []Chart
	filters []AutoFilter
	rules   []ConditionalFormat
}

func newSheet(name string) *sheet {
	return &sheet{name: name, cells: map[cellKey]*Cell{}}
}

// extent returns the last used row and column.
func (s *sheet) extent() (maxRow, maxCol int) {
	for k := range s.cells {
		maxRow = max(maxRow, k.row)
		maxCol = max(maxCol, k.col)
	}
	return maxRow, maxCol
}

func (s *sheet) cell(k cellKey) *Cell {
	c, ok := s.cells[k]
	if !ok {
		c = &Cell{}
		s.cells[k] = c
	}
	return c
}

// Memory is a workbook held in process and optionally persisted as JSON.
// Scripts run in an embedded Go interpreter against the same cells.
type Memory struct {
	mu        sync.Mutex
	path      string
	logger    *zap.Logger
	sheets    []*sheet
	active    string
	selection string
	modules   map[string]string
	dirty     bool
}

var (
	_ Session   = (*Memory)(nil)
	_ Scripting = (*Memory)(nil)
)

// NewMemory returns an unsaved workbook with a single empty sheet.
func NewMemory(logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		logger:    logger,
		sheets:    []*sheet{newSheet("Sheet1")},
		active:    "Sheet1",
		selection: "A1",
		modules:   map[string]string{},
	}
}

type sheetDoc struct {
	Name    string              `json:"name"`
	Cells   map[string]*Cell    `json:"cells,omitempty"`
	Charts  []Chart             `json:"charts,omitempty"`
	Filters []AutoFilter        `json:"filters,omitempty"`
	Rules   []ConditionalFormat `json:"conditionalFormats,omitempty"`
}

type workbookDoc struct {
	ActiveSheet string            `json:"activeSheet"`
	Selection   string            `json:"selection"`
	Sheets      []sheetDoc        `json:"sheets"`
	Modules     map[string]string `json:"modules,omitempty"`
}

// LoadMemory opens the workbook at path. A missing file yields an empty
// workbook that is created on Close. An empty path is never persisted.
func LoadMemory(path string, logger *zap.Logger) (*Memory, error) {
	m := NewMemory(logger)
	m.path = path
	if path == "" {
		return m, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			m.dirty = true
			return m, nil
		}
		return nil, err
	}
	var doc workbookDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing workbook %s: %w", path, err)
	}
	if err := m.restore(doc); err != nil {
		return nil, fmt.Errorf("loading workbook %s: %w", path, err)
	}
	m.logger.Debug("workbook loaded", zap.String("path", path), zap.Int("sheets", len(m.sheets)))
	return m, nil
}

func (m *Memory) restore(doc workbookDoc) error {
	if len(doc.Sheets) == 0 {
		return nil
	}
	m.sheets = nil
	for _, sd := range doc.Sheets {
		s := newSheet(sd.Name)
		for name, c := range sd.Cells {
			row, col, err := address.ParseCell(name)
			if err != nil {
				return fmt.Errorf("sheet %q: %w", sd.Name, err)
			}
			if c != nil {
				s.cells[cellKey{row, col}] = c
			}
		}
		s.charts, s.filters, s.rules = sd.Charts, sd.Filters, sd.Rules
		m.sheets = append(m.sheets, s)
	}
	m.active = doc.ActiveSheet
	if m.sheetLocked(m.active) == nil {
		m.active = m.sheets[0].name
	}
	if doc.Selection != "" {
		m.selection = doc.Selection
	}
	if doc.Modules != nil {
		m.modules = doc.Modules
	}
	return nil
}

func (m *Memory) document() workbookDoc {
	doc := workbookDoc{ActiveSheet: m.active, Selection: m.selection}
	if len(m.modules) > 0 {
		doc.Modules = m.modules
	}
	for _, s := range m.sheets {
		sd := sheetDoc{Name: s.name, Charts: s.charts, Filters: s.filters, Rules: s.rules}
		if len(s.cells) > 0 {
			sd.Cells = make(map[string]*Cell, len(s.cells))
			for k, c := range s.cells {
				sd.Cells[address.CellName(k.row, k.col)] = c
			}
		}
		doc.Sheets = append(doc.Sheets, sd)
	}
	return doc
}

// Save writes the workbook atomically using a temp file + rename.
func (m *Memory) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *Memory) saveLocked() error {
	if m.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m.document(), "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, m.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	m.dirty = false
	return nil
}

// Close persists pending changes.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirty {
		return nil
	}
	return m.saveLocked()
}

// AddSheet appends an empty sheet.
func (m *Memory) AddSheet(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("sheet name must not be empty")
	}
	if m.sheetLocked(name) != nil {
		return fmt.Errorf("sheet %q already exists", name)
	}
	m.sheets = append(m.sheets, newSheet(name))
	m.dirty = true
	return nil
}

// Select sets the current selection; a sheet-qualified spec also activates
// that sheet.
func (m *Memory) Select(spec string) error {
	ref, err := address.Parse(spec)
	if err != nil {
		return err
	}
	if ref.Kind == address.KindSelection {
		return fmt.Errorf("cannot select %s", address.CurrentSelection)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ref.Sheet != "" {
		if m.sheetLocked(ref.Sheet) == nil {
			return fmt.Errorf("sheet %q not found", ref.Sheet)
		}
		m.active = ref.Sheet
	}
	ref.Sheet = ""
	m.selection = ref.String()
	m.dirty = true
	return nil
}

// Snapshot renders every non-empty cell and sheet object, one per line in
// sheet, row, column order.
func (m *Memory) Snapshot() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var b strings.Builder
	for _, s := range m.sheets {
		keys := make([]cellKey, 0, len(s.cells))
		for k := range s.cells {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].row != keys[j].row {
				return keys[i].row < keys[j].row
			}
			return keys[i].col < keys[j].col
		})
		qualify := address.Ref{Sheet: s.name, Kind: address.KindCell}
		for _, k := range keys {
			c := s.cells[k]
			if c.empty() {
				continue
			}
			qualify.StartRow, qualify.StartCol, qualify.EndRow, qualify.EndCol = k.row, k.col, k.row, k.col
			fmt.Fprintf(&b, "%s = %s", qualify.String(), cellText(c))
			if c.Format != "" {
				fmt.Fprintf(&b, " [format %s]", c.Format)
			}
			if c.Style != nil {
				style, _ := json.Marshal(c.Style)
				fmt.Fprintf(&b, " [style %s]", style)
			}
			b.WriteByte('\n')
		}
		for _, ch := range s.charts {
			fmt.Fprintf(&b, "%s chart %s %s %q\n", s.name, ch.Type, ch.Range, ch.Title)
		}
		for _, f := range s.filters {
			fmt.Fprintf(&b, "%s filter %s column %s %q\n", s.name, f.Range, f.Column, f.Criteria)
		}
		for _, r := range s.rules {
			fmt.Fprintf(&b, "%s conditional %s %s %s %v %s\n", s.name, r.Range, r.Rule.Condition, r.Rule.Operator, r.Rule.Value, r.Rule.Color)
		}
	}
	return b.String()
}

func (m *Memory) sheetLocked(name string) *sheet {
	for _, s := range m.sheets {
		if s.name == name {
			return s
		}
	}
	return nil
}

func (m *Memory) Context(ctx context.Context) (Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Context{
		Workbook:    filepath.Base(m.path),
		ActiveSheet: m.active,
		Selection:   m.selection,
	}
	if m.path == "" {
		out.Workbook = "(unsaved)"
	}
	for _, s := range m.sheets {
		out.Sheets = append(out.Sheets, s.name)
	}
	s := m.sheetLocked(m.active)
	if s == nil {
		return out, nil
	}
	maxRow, maxCol := s.extent()
	if maxRow == 0 {
		return out, nil
	}
	out.UsedRange = address.Ref{Kind: address.KindArea, StartRow: 1, StartCol: 1, EndRow: maxRow, EndCol: maxCol}.String()

	cols := min(maxCol, 26)
	for col := 1; col <= cols; col++ {
		out.Headers = append(out.Headers, cellText(s.cells[cellKey{1, col}]))
	}
	for row := 2; row <= min(maxRow, 6); row++ {
		line := make([]string, cols)
		for col := 1; col <= cols; col++ {
			line[col-1] = cellText(s.cells[cellKey{row, col}])
		}
		out.Sample = append(out.Sample, line)
	}
	return out, nil
}

func (m *Memory) Resolve(ctx context.Context, spec string) (address.Ref, error) {
	ref, err := address.Parse(spec)
	if err != nil {
		return address.Ref{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ref.Kind == address.KindSelection {
		if ref, err = address.Parse(m.selection); err != nil {
			return address.Ref{}, fmt.Errorf("current selection: %w", err)
		}
	}
	if ref.Sheet == "" {
		ref.Sheet = m.active
	}
	if m.sheetLocked(ref.Sheet) == nil {
		return address.Ref{}, fmt.Errorf("sheet %q not found", ref.Sheet)
	}
	return ref, nil
}

// lookup returns the sheet for a resolved ref and its cell keys.
func (m *Memory) lookup(ref address.Ref) (*sheet, []cellKey, error) {
	if ref.Kind == address.KindSelection {
		return nil, nil, fmt.Errorf("range must be resolved before use")
	}
	name := ref.Sheet
	if name == "" {
		name = m.active
	}
	s := m.sheetLocked(name)
	if s == nil {
		return nil, nil, fmt.Errorf("sheet %q not found", name)
	}
	maxRow, maxCol := s.extent()
	area := ref.Bounded(maxRow, maxCol)
	n := (area.EndRow - area.StartRow + 1) * (area.EndCol - area.StartCol + 1)
	if n > maxAreaCells {
		return nil, nil, fmt.Errorf("range %s covers %d cells, limit is %d", ref.String(), n, maxAreaCells)
	}
	keys := make([]cellKey, 0, n)
	for row := area.StartRow; row <= area.EndRow; row++ {
		for col := area.StartCol; col <= area.EndCol; col++ {
			keys = append(keys, cellKey{row, col})
		}
	}
	return s, keys, nil
}

// mutate runs fn on each cell of ref, creating cells as needed.
func (m *Memory) mutate(ref address.Ref, fn func(*Cell)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, keys, err := m.lookup(ref)
	if err != nil {
		return err
	}
	for _, k := range keys {
		c := s.cell(k)
		fn(c)
		if c.empty() {
			delete(s.cells, k)
		}
	}
	m.dirty = true
	return nil
}

func (m *Memory) Value(ctx context.Context, ref address.Ref) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, keys, err := m.lookup(ref)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	c, ok := s.cells[keys[0]]
	if !ok {
		return nil, nil
	}
	if c.Formula != "" {
		return c.Formula, nil
	}
	return c.Value, nil
}

func (m *Memory) SetValue(ctx context.Context, ref address.Ref, value any) error {
	value = normalize(value)
	return m.mutate(ref, func(c *Cell) {
		c.Value = value
		c.Formula = ""
	})
}

func (m *Memory) SetFormula(ctx context.Context, ref address.Ref, formula string) error {
	if !strings.HasPrefix(formula, "=") {
		return fmt.Errorf("formula %q must start with '='", formula)
	}
	return m.mutate(ref, func(c *Cell) {
		c.Formula = formula
		c.Value = nil
	})
}

func (m *Memory) SetFormat(ctx context.Context, ref address.Ref, format string) error {
	return m.mutate(ref, func(c *Cell) { c.Format = format })
}

func (m *Memory) SetStyle(ctx context.Context, ref address.Ref, style Style) error {
	return m.mutate(ref, func(c *Cell) {
		if c.Style == nil {
			c.Style = &Style{}
		}
		mergeStyle(c.Style, style)
	})
}

func mergeStyle(dst *Style, src Style) {
	if src.BackgroundColor != "" {
		dst.BackgroundColor = src.BackgroundColor
	}
	if src.FontColor != "" {
		dst.FontColor = src.FontColor
	}
	if src.FontName != "" {
		dst.FontName = src.FontName
	}
	if src.FontSize > 0 {
		dst.FontSize = src.FontSize
	}
	if src.Bold != nil {
		dst.Bold = src.Bold
	}
	if src.Italic != nil {
		dst.Italic = src.Italic
	}
	if src.Underline != nil {
		dst.Underline = src.Underline
	}
}

func (m *Memory) Insert(ctx context.Context, sheetName string, dim Dimension, at, count int) error {
	if at < 1 || count < 1 {
		return fmt.Errorf("insert %s: position and count must be positive", dim)
	}
	return m.shift(sheetName, dim, func(i int) (int, bool) {
		if i >= at {
			return i + count, true
		}
		return i, true
	})
}

func (m *Memory) Delete(ctx context.Context, sheetName string, dim Dimension, at, count int) error {
	if at < 1 || count < 1 {
		return fmt.Errorf("delete %s: position and count must be positive", dim)
	}
	end := at + count - 1
	return m.shift(sheetName, dim, func(i int) (int, bool) {
		switch {
		case i < at:
			return i, true
		case i <= end:
			return 0, false
		default:
			return i - count, true
		}
	})
}

// shift remaps every row or column index of a sheet; move returns false to drop.
func (m *Memory) shift(sheetName string, dim Dimension, move func(int) (int, bool)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sheetName == "" {
		sheetName = m.active
	}
	s := m.sheetLocked(sheetName)
	if s == nil {
		return fmt.Errorf("sheet %q not found", sheetName)
	}
	next := make(map[cellKey]*Cell, len(s.cells))
	for k, c := range s.cells {
		idx := k.row
		if dim == Columns {
			idx = k.col
		}
		to, keep := move(idx)
		if !keep {
			continue
		}
		if dim == Columns {
			if to > address.MaxCols {
				return fmt.Errorf("shift would move cells beyond column %s", address.ColToLetter(address.MaxCols))
			}
			k.col = to
		} else {
			if to > address.MaxRows {
				return fmt.Errorf("shift would move cells beyond row %d", address.MaxRows)
			}
			k.row = to
		}
		next[k] = c
	}
	s.cells = next
	m.dirty = true
	return nil
}

func (m *Memory) Sort(ctx context.Context, ref address.Ref, opts SortOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, keys, err := m.lookup(ref)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	first, last := keys[0], keys[len(keys)-1]

	keyCol := first.col
	if opts.Column != "" {
		keyCol = address.LetterToCol(opts.Column)
		if keyCol < first.col || keyCol > last.col {
			return fmt.Errorf("sort column %s is outside %s", opts.Column, ref.String())
		}
	}
	startRow := first.row
	if opts.HasHeader {
		startRow++
	}
	if startRow > last.row {
		return nil
	}

	rows := make([]map[int]*Cell, 0, last.row-startRow+1)
	for row := startRow; row <= last.row; row++ {
		line := map[int]*Cell{}
		for col := first.col; col <= last.col; col++ {
			if c, ok := s.cells[cellKey{row, col}]; ok {
				line[col] = c
				delete(s.cells, cellKey{row, col})
			}
		}
		rows = append(rows, line)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := sortValue(rows[i][keyCol]), sortValue(rows[j][keyCol])
		if a == nil || b == nil {
			return a != nil
		}
		if opts.Descending {
			return compareValues(b, a) < 0
		}
		return compareValues(a, b) < 0
	})
	for i, line := range rows {
		for col, c := range line {
			s.cells[cellKey{startRow + i, col}] = c
		}
	}
	m.dirty = true
	return nil
}

func (m *Memory) Filter(ctx context.Context, ref address.Ref, opts FilterOptions) error {
	return m.record(ref, func(s *sheet, rng string) {
		s.filters = append(s.filters, AutoFilter{Range: rng, Column: opts.Column, Criteria: opts.Criteria})
	})
}

func (m *Memory) AddChart(ctx context.Context, ref address.Ref, opts ChartOptions) error {
	return m.record(ref, func(s *sheet, rng string) {
		s.charts = append(s.charts, Chart{Range: rng, Type: opts.ChartType, Title: opts.Title})
	})
}

func (m *Memory) AddConditionalFormat(ctx context.Context, ref address.Ref, rule ConditionalRule) error {
	rule.Value = normalize(rule.Value)
	return m.record(ref, func(s *sheet, rng string) {
		s.rules = append(s.rules, ConditionalFormat{Range: rng, Rule: rule})
	})
}

func (m *Memory) record(ref address.Ref, add func(*sheet, string)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, _, err := m.lookup(ref)
	if err != nil {
		return err
	}
	local := ref
	local.Sheet = ""
	add(s, local.String())
	m.dirty = true
	return nil
}

// Clear removes values and formulas; formats and styles stay.
func (m *Memory) Clear(ctx context.Context, ref address.Ref) error {
	return m.mutate(ref, func(c *Cell) {
		c.Value = nil
		c.Formula = ""
	})
}

// Scripting

func (m *Memory) Dialect() Dialect { return DialectGo }

func (m *Memory) ScriptAccess(ctx context.Context) error { return nil }

func (m *Memory) AddContainer(ctx context.Context, name string) (Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.modules[name]; ok {
		return Container{}, fmt.Errorf("module %q already exists", name)
	}
	m.modules[name] = ""
	m.dirty = true
	return Container{Name: name}, nil
}

func (m *Memory) InjectSource(ctx context.Context, c Container, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.modules[c.Name]; !ok {
		return fmt.Errorf("module %q not found", c.Name)
	}
	m.modules[c.Name] = text
	m.dirty = true
	return nil
}

func (m *Memory) RunProcedure(ctx context.Context, qualifiedName string) error {
	module, proc, ok := strings.Cut(qualifiedName, ".")
	if !ok || proc == "" {
		return fmt.Errorf("procedure %q must be qualified as Module.Procedure", qualifiedName)
	}
	m.mu.Lock()
	src, found := m.modules[module]
	m.mu.Unlock()
	if !found {
		return fmt.Errorf("module %q not found", module)
	}
	// the lock is released so the script can call back into the sheet
	return m.runScript(ctx, src, proc)
}

func (m *Memory) RemoveContainer(ctx context.Context, c Container) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.modules[c.Name]; !ok {
		return fmt.Errorf("module %q not found", c.Name)
	}
	delete(m.modules, c.Name)
	m.dirty = true
	return nil
}

func (m *Memory) ListContainers(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.modules))
	for name := range m.modules {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// helpers

func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	}
	return v
}

func cellText(c *Cell) string {
	if c == nil {
		return ""
	}
	if c.Formula != "" {
		return c.Formula
	}
	return display(c.Value)
}

func display(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

func sortValue(c *Cell) any {
	if c == nil {
		return nil
	}
	if c.Formula != "" {
		return c.Formula
	}
	return c.Value
}

// compareValues orders numbers before text, text before booleans, and
// blanks last.
func compareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch x := a.(type) {
	case float64:
		y := b.(float64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case bool:
		y := b.(bool)
		if x == y {
			return 0
		}
		if !x {
			return -1
		}
		return 1
	case nil:
		return 0
	default:
		return strings.Compare(strings.ToLower(display(a)), strings.ToLower(display(b)))
	}
}

func rank(v any) int {
	switch v.(type) {
	case float64:
		return 0
	case bool:
		return 2
	case nil:
		return 3
	default:
		return 1
	}
}
