// Package script generates macro-style scripts with the model, vets them
// with the security scanner and runs each one exactly once in a temporary
// module that is always removed afterwards.
package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/witanlabs/sheetpilot/client"
	"github.com/witanlabs/sheetpilot/internal/host"
	"github.com/witanlabs/sheetpilot/internal/prompt"
	"github.com/witanlabs/sheetpilot/internal/security"
)

// ContainerPrefix marks temporary modules created by the engine.
const ContainerPrefix = "SPTmp_"

var procedureNameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,63}$`)

// ErrScriptAccessUnavailable means the host does not allow script editing.
var ErrScriptAccessUnavailable = errors.New("script access unavailable: enable trusted access to the macro project and try again")

// FormatError is a malformed or incomplete script response.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string { return "invalid script response: " + e.Reason }

// RejectedError is a script the scanner refused.
type RejectedError struct {
	Scan security.ScanResult
}

func (e *RejectedError) Error() string { return e.Scan.Summary }

// Generated is a model-written script that passed parsing. Scan holds the
// scanner verdict.
type Generated struct {
	ProcedureName string              `json:"procedure_name"`
	ScriptText    string              `json:"script_text"`
	Description   string              `json:"description"`
	RiskLevel     string              `json:"risk_level"`
	Scan          security.ScanResult `json:"scan"`
}

// ExecutionResult is the outcome of one InjectAndExecute call.
type ExecutionResult struct {
	Success       bool          `json:"success"`
	ProcedureName string        `json:"procedure_name"`
	Container     string        `json:"container,omitempty"`
	Elapsed       time.Duration `json:"elapsed"`
	Error         string        `json:"error,omitempty"`
	Err           error         `json:"-"`
}

// Engine runs the script lifecycle against one host.
type Engine struct {
	asker     client.Asker
	workbook  host.Workbook
	scripting host.Scripting
	scanner   *security.Scanner
	log       *ExecutionLog
	logger    *zap.Logger
	now       func() time.Time
	suffix    func() string
}

type Option func(*Engine)

func WithScanner(s *security.Scanner) Option { return func(e *Engine) { e.scanner = s } }

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithLogCapacity(n int) Option { return func(e *Engine) { e.log = NewExecutionLog(n) } }

// New builds an engine. Script execution requires wb to implement
// host.Scripting; without it every execution fails with
// ErrScriptAccessUnavailable.
func New(asker client.Asker, wb host.Workbook, opts ...Option) *Engine {
	e := &Engine{
		asker:    asker,
		workbook: wb,
		scanner:  security.NewScanner(),
		log:      NewExecutionLog(DefaultLogCapacity),
		logger:   zap.NewNop(),
		now:      time.Now,
		suffix:   func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:8] },
	}
	e.scripting, _ = wb.(host.Scripting)
	for _, opt := range opts {
		opt(e)
	}
	e.scanner = e.scanner.ForDialect(e.Dialect())
	return e
}

// Dialect is the language generated scripts are written in.
func (e *Engine) Dialect() host.Dialect {
	if e.scripting == nil {
		return host.DialectVBA
	}
	return e.scripting.Dialect()
}

// Scan runs the engine's scanner over text.
func (e *Engine) Scan(text string) security.ScanResult {
	return e.scanner.Scan(text)
}

// History returns the execution log, oldest first.
func (e *Engine) History() []LogEntry {
	return e.log.Entries()
}

// Generate asks the model for a script and vets it. A *FormatError means the
// response was unusable; a *RejectedError carries the failed scan alongside
// the parsed script.
func (e *Engine) Generate(ctx context.Context, userRequest string) (Generated, error) {
	wctx, err := e.workbook.Context(ctx)
	if err != nil {
		return Generated{}, fmt.Errorf("reading workbook context: %w", err)
	}
	opts := prompt.ScriptOptions{Dialect: e.Dialect(), Denylist: e.scanner.Denylist()}
	if opts.Dialect == host.DialectGo {
		opts.Imports = host.ScriptImports()
	}

	raw, err := e.asker.Ask(ctx, prompt.Script(wctx, userRequest, opts))
	if err != nil {
		return Generated{}, err
	}

	g, err := ParseResponse(raw)
	if err != nil {
		return Generated{}, err
	}
	g.Scan = e.scanner.Scan(g.ScriptText)
	e.logger.Debug("script generated",
		zap.String("procedure", g.ProcedureName),
		zap.String("risk", g.RiskLevel),
		zap.Stringer("scan_level", g.Scan.Level),
		zap.Int("issues", len(g.Scan.Issues)))
	if !g.Scan.Safe {
		return g, &RejectedError{Scan: g.Scan}
	}
	return g, nil
}

// ParseResponse extracts the script fields from a model response. Markdown
// fences and surrounding prose are tolerated.
func ParseResponse(raw string) (Generated, error) {
	obj, ok := firstObject(stripFences(raw))
	if !ok {
		return Generated{}, &FormatError{Reason: "no JSON object found"}
	}
	var fields struct {
		ProcedureName string `json:"procedureName"`
		ScriptText    string `json:"scriptText"`
		Description   string `json:"description"`
		RiskLevel     string `json:"riskLevel"`
	}
	if err := json.Unmarshal([]byte(obj), &fields); err != nil {
		return Generated{}, &FormatError{Reason: err.Error()}
	}
	if strings.TrimSpace(fields.ProcedureName) == "" {
		return Generated{}, &FormatError{Reason: "missing required field: procedureName"}
	}
	if strings.TrimSpace(fields.ScriptText) == "" {
		return Generated{}, &FormatError{Reason: "missing required field: scriptText"}
	}
	if !procedureNameRe.MatchString(fields.ProcedureName) {
		return Generated{}, &FormatError{Reason: fmt.Sprintf("invalid procedure name %q", fields.ProcedureName)}
	}
	if strings.TrimSpace(fields.RiskLevel) == "" {
		fields.RiskLevel = "unknown"
	}
	return Generated{
		ProcedureName: fields.ProcedureName,
		ScriptText:    fields.ScriptText,
		Description:   fields.Description,
		RiskLevel:     strings.ToLower(fields.RiskLevel),
	}, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// firstObject returns the first balanced {...} in s, honoring JSON strings.
func firstObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// InjectAndExecute runs scriptText once in a fresh temporary module and
// removes the module on every path. The text is scanned again first.
func (e *Engine) InjectAndExecute(ctx context.Context, procedureName, scriptText, userRequest string) ExecutionResult {
	start := e.now()
	container, err := e.execute(ctx, procedureName, scriptText)
	elapsed := e.now().Sub(start)

	res := ExecutionResult{
		Success:       err == nil,
		ProcedureName: procedureName,
		Container:     container,
		Elapsed:       elapsed,
		Err:           err,
	}
	entry := LogEntry{
		Timestamp:     start,
		ProcedureName: procedureName,
		ScriptText:    scriptText,
		UserRequest:   userRequest,
		Success:       res.Success,
		ElapsedMs:     elapsed.Milliseconds(),
	}
	if err != nil {
		res.Error = err.Error()
		entry.ErrorMessage = res.Error
		e.logger.Warn("script execution failed", zap.String("procedure", procedureName), zap.String("container", container), zap.Duration("elapsed", elapsed), zap.Error(err))
	} else {
		e.logger.Info("script executed", zap.String("procedure", procedureName), zap.String("container", container), zap.Duration("elapsed", elapsed))
	}
	e.log.Add(entry)
	return res
}

func (e *Engine) execute(ctx context.Context, procedureName, scriptText string) (container string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("script host panicked: %v", r)
		}
	}()

	if e.scripting == nil {
		return "", ErrScriptAccessUnavailable
	}
	if accessErr := e.scripting.ScriptAccess(ctx); accessErr != nil {
		return "", fmt.Errorf("%w (%v)", ErrScriptAccessUnavailable, accessErr)
	}
	if !procedureNameRe.MatchString(procedureName) {
		return "", &FormatError{Reason: fmt.Sprintf("invalid procedure name %q", procedureName)}
	}
	if scan := e.scanner.Scan(scriptText); !scan.Safe {
		return "", &RejectedError{Scan: scan}
	}

	container = e.containerName()
	c, err := e.scripting.AddContainer(ctx, container)
	if err != nil {
		return container, fmt.Errorf("creating module %s: %w", container, err)
	}
	defer func() {
		// cleanup must run even when ctx is already cancelled
		rmErr := e.scripting.RemoveContainer(context.WithoutCancel(ctx), c)
		if rmErr == nil {
			return
		}
		e.logger.Error("temporary module left behind", zap.String("container", container), zap.Error(rmErr))
		rm := fmt.Errorf("removing module %s: %w", container, rmErr)
		if err == nil {
			err = rm
		} else {
			err = fmt.Errorf("%w; %v", err, rm)
		}
	}()

	if err := e.scripting.InjectSource(ctx, c, scriptText); err != nil {
		return container, fmt.Errorf("injecting script into %s: %w", container, err)
	}
	if err := e.scripting.RunProcedure(ctx, container+"."+procedureName); err != nil {
		return container, fmt.Errorf("running %s: %w", procedureName, err)
	}
	return container, nil
}

func (e *Engine) containerName() string {
	return ContainerPrefix + e.now().Format("20060102150405") + "_" + e.suffix()
}

// CleanupOrphans removes temporary modules left behind by earlier runs and
// returns their names.
func (e *Engine) CleanupOrphans(ctx context.Context) ([]string, error) {
	if e.scripting == nil {
		return nil, ErrScriptAccessUnavailable
	}
	if err := e.scripting.ScriptAccess(ctx); err != nil {
		return nil, fmt.Errorf("%w (%v)", ErrScriptAccessUnavailable, err)
	}
	names, err := e.scripting.ListContainers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing modules: %w", err)
	}
	var removed []string
	var errs []error
	for _, name := range names {
		if !strings.HasPrefix(name, ContainerPrefix) {
			continue
		}
		if err := e.scripting.RemoveContainer(ctx, host.Container{Name: name}); err != nil {
			errs = append(errs, fmt.Errorf("removing module %s: %w", name, err))
			continue
		}
		removed = append(removed, name)
	}
	if len(removed) > 0 {
		e.logger.Info("removed orphaned modules", zap.Strings("containers", removed))
	}
	return removed, errors.Join(errs...)
}
