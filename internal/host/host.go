// Package host defines the spreadsheet capability surface the core drives
// and the concrete hosts that implement it.
package host

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/witanlabs/sheetpilot/internal/address"
)

// Dimension selects rows or columns for insert and delete.
type Dimension int

const (
	Rows Dimension = iota
	Columns
)

func (d Dimension) String() string {
	if d == Columns {
		return "columns"
	}
	return "rows"
}

// Style is a partial cell style; zero fields are left unchanged.
type Style struct {
	BackgroundColor string  `json:"backgroundColor,omitempty"`
	FontColor       string  `json:"fontColor,omitempty"`
	FontName        string  `json:"fontName,omitempty"`
	FontSize        float64 `json:"fontSize,omitempty"`
	Bold            *bool   `json:"bold,omitempty"`
	Italic          *bool   `json:"italic,omitempty"`
	Underline       *bool   `json:"underline,omitempty"`
}

// SortOptions sorts the rows of a range by one column.
type SortOptions struct {
	Column     string `json:"column"`
	Descending bool   `json:"descending,omitempty"`
	HasHeader  bool   `json:"hasHeader,omitempty"`
}

// FilterOptions applies an auto filter on one column.
type FilterOptions struct {
	Column   string `json:"column"`
	Criteria string `json:"criteria"`
}

// ChartOptions describes a chart built from a range.
type ChartOptions struct {
	ChartType string `json:"chartType"`
	Title     string `json:"title,omitempty"`
}

// ConditionalRule is a single conditional formatting rule.
type ConditionalRule struct {
	Condition string `json:"condition"`
	Operator  string `json:"operator,omitempty"`
	Value     any    `json:"value,omitempty"`
	Color     string `json:"color,omitempty"`
}

// Context is what the prompt builder tells the model about the workbook.
type Context struct {
	Workbook    string     `json:"workbook"`
	ActiveSheet string     `json:"activeSheet"`
	Sheets      []string   `json:"sheets"`
	Selection   string     `json:"selection"`
	UsedRange   string     `json:"usedRange"`
	Headers     []string   `json:"headers,omitempty"`
	Sample      [][]string `json:"sample,omitempty"`
}

// Workbook is the mutation surface. Implementations are not required to be
// safe for concurrent document mutation; callers serialize.
type Workbook interface {
	Context(ctx context.Context) (Context, error)
	// Resolve turns a range spec into a sheet-qualified ref; the
	// CURRENT_SELECTION sentinel becomes the live selection.
	Resolve(ctx context.Context, spec string) (address.Ref, error)
	Value(ctx context.Context, ref address.Ref) (any, error)
	SetValue(ctx context.Context, ref address.Ref, value any) error
	SetFormula(ctx context.Context, ref address.Ref, formula string) error
	SetFormat(ctx context.Context, ref address.Ref, format string) error
	SetStyle(ctx context.Context, ref address.Ref, style Style) error
	// Insert adds count rows or columns before index at (1-indexed).
	Insert(ctx context.Context, sheet string, dim Dimension, at, count int) error
	// Delete removes count rows or columns starting at index at.
	Delete(ctx context.Context, sheet string, dim Dimension, at, count int) error
	Sort(ctx context.Context, ref address.Ref, opts SortOptions) error
	Filter(ctx context.Context, ref address.Ref, opts FilterOptions) error
	AddChart(ctx context.Context, ref address.Ref, opts ChartOptions) error
	AddConditionalFormat(ctx context.Context, ref address.Ref, rule ConditionalRule) error
	Clear(ctx context.Context, ref address.Ref) error
}

// Dialect names the script language a host executes.
type Dialect string

const (
	DialectVBA Dialect = "vba"
	DialectGo  Dialect = "go"
)

// Container is a temporary code module holding one generated script.
type Container struct {
	Name string `json:"name"`
}

// Scripting is the optional script-editing capability.
type Scripting interface {
	Dialect() Dialect
	// ScriptAccess reports whether script editing is permitted right now,
	// e.g. whether the user trusts programmatic access to the macro project.
	ScriptAccess(ctx context.Context) error
	AddContainer(ctx context.Context, name string) (Container, error)
	InjectSource(ctx context.Context, c Container, text string) error
	// RunProcedure runs "Container.Procedure".
	RunProcedure(ctx context.Context, qualifiedName string) error
	RemoveContainer(ctx context.Context, c Container) error
	ListContainers(ctx context.Context) ([]string, error)
}

// Session is an open host.
type Session interface {
	Workbook
	Close() error
}

// Kinds of host Open understands.
const (
	KindMemory = "memory"
	KindBridge = "bridge"
)

// Options selects and configures a host.
type Options struct {
	Kind         string
	WorkbookPath string
	BridgeURL    string
	Logger       *zap.Logger
}

// Open picks the host once at startup so the core never branches on host identity.
func Open(ctx context.Context, opts Options) (Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	switch opts.Kind {
	case KindMemory, "":
		return LoadMemory(opts.WorkbookPath, logger)
	case KindBridge:
		if opts.BridgeURL == "" {
			return nil, fmt.Errorf("bridge host requires a bridge URL")
		}
		return DialBridge(ctx, opts.BridgeURL, logger)
	default:
		return nil, fmt.Errorf("unknown host %q (expected %s or %s)", opts.Kind, KindMemory, KindBridge)
	}
}
