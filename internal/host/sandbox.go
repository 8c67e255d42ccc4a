package host

import (
	"bytes"
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"

	"github.com/witanlabs/sheetpilot/internal/address"
)

// scriptImports are the packages a workbook script may import. "sheet" is
// the workbook binding; the rest are pure stdlib packages with no I/O.
var scriptImports = map[string]bool{
	"sheet":   true,
	"errors":  true,
	"fmt":     true,
	"math":    true,
	"sort":    true,
	"strconv": true,
	"strings": true,
	"time":    true,
	"unicode": true,
}

var packageClauseRe = regexp.MustCompile(`(?m)^\s*package\s+(\w+)`)

// ScriptImports lists what a script may import, sorted.
func ScriptImports() []string {
	out := make([]string, 0, len(scriptImports))
	for p := range scriptImports {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func wrapScript(src string) (string, error) {
	m := packageClauseRe.FindStringSubmatch(src)
	if m == nil {
		return "package main\n\n" + src, nil
	}
	if m[1] != "main" {
		return "", fmt.Errorf("script must be package main, got package %s", m[1])
	}
	return src, nil
}

func checkImports(src string) error {
	f, err := parser.ParseFile(token.NewFileSet(), "script.go", src, parser.ImportsOnly)
	if err != nil {
		return fmt.Errorf("parse script: %w", err)
	}
	var forbidden []string
	for _, imp := range f.Imports {
		p, err := strconv.Unquote(imp.Path.Value)
		if err != nil || !scriptImports[p] {
			forbidden = append(forbidden, imp.Path.Value)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports %s (allowed: %s)", strings.Join(forbidden, ", "), strings.Join(ScriptImports(), ", "))
	}
	return nil
}

func scriptSymbols() interp.Exports {
	out := interp.Exports{}
	for key, syms := range stdlib.Symbols {
		i := strings.LastIndex(key, "/")
		if i < 0 {
			continue
		}
		if scriptImports[key[:i]] {
			out[key] = syms
		}
	}
	return out
}

// runScript interprets src and calls proc, which must be func() or
// func() error. Cancelling ctx abandons the call; the interpreted
// goroutine finishes on its own.
func (m *Memory) runScript(ctx context.Context, src, proc string) error {
	src, err := wrapScript(src)
	if err != nil {
		return err
	}
	if err := checkImports(src); err != nil {
		return err
	}

	var out bytes.Buffer
	i := interp.New(interp.Options{Stdout: &out, Stderr: &out})
	if err := i.Use(scriptSymbols()); err != nil {
		return fmt.Errorf("failed to load stdlib: %w", err)
	}
	if err := i.Use(m.sheetExports(ctx)); err != nil {
		return fmt.Errorf("failed to load sheet bindings: %w", err)
	}
	if _, err := i.EvalWithContext(ctx, src); err != nil {
		return fmt.Errorf("compile script: %w", err)
	}
	v, err := i.Eval("main." + proc)
	if err != nil {
		return fmt.Errorf("procedure %s not found: %w", proc, err)
	}

	var call func() error
	switch fn := v.Interface().(type) {
	case func():
		call = func() error { fn(); return nil }
	case func() error:
		call = fn
	default:
		return fmt.Errorf("procedure %s has incorrect signature (expected func() or func() error)", proc)
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("script panicked: %v", r)
			}
		}()
		done <- call()
	}()

	select {
	case err := <-done:
		if out.Len() > 0 {
			m.logger.Debug("script output", zap.String("procedure", proc), zap.String("output", out.String()))
		}
		return err
	case <-ctx.Done():
		return fmt.Errorf("script %s: %w", proc, ctx.Err())
	}
}

// sheetExports binds the "sheet" package to this workbook. Every call
// resolves its address against the live sheet, so CURRENT_SELECTION works.
func (m *Memory) sheetExports(ctx context.Context) interp.Exports {
	resolve := func(spec string) (address.Ref, error) { return m.Resolve(ctx, spec) }
	on := func(spec string, fn func(address.Ref) error) error {
		ref, err := resolve(spec)
		if err != nil {
			return err
		}
		return fn(ref)
	}

	get := func(spec string) any {
		ref, err := resolve(spec)
		if err != nil {
			return nil
		}
		v, _ := m.Value(ctx, ref)
		return v
	}
	set := func(spec string, value any) error {
		return on(spec, func(r address.Ref) error { return m.SetValue(ctx, r, value) })
	}
	setFormula := func(spec, formula string) error {
		return on(spec, func(r address.Ref) error { return m.SetFormula(ctx, r, formula) })
	}
	setFormat := func(spec, format string) error {
		return on(spec, func(r address.Ref) error { return m.SetFormat(ctx, r, format) })
	}
	setBold := func(spec string, bold bool) error {
		return on(spec, func(r address.Ref) error { return m.SetStyle(ctx, r, Style{Bold: &bold}) })
	}
	setFill := func(spec, color string) error {
		return on(spec, func(r address.Ref) error { return m.SetStyle(ctx, r, Style{BackgroundColor: color}) })
	}
	clearRange := func(spec string) error {
		return on(spec, func(r address.Ref) error { return m.Clear(ctx, r) })
	}
	selection := func() string {
		ref, err := resolve(address.CurrentSelection)
		if err != nil {
			return ""
		}
		ref.Sheet = ""
		return ref.String()
	}
	usedRange := func() string {
		c, _ := m.Context(ctx)
		return c.UsedRange
	}
	lastRow := func() int {
		m.mu.Lock()
		defer m.mu.Unlock()
		s := m.sheetLocked(m.active)
		if s == nil {
			return 0
		}
		row, _ := s.extent()
		return row
	}

	return interp.Exports{
		"sheet/sheet": {
			"Get":        reflect.ValueOf(get),
			"Set":        reflect.ValueOf(set),
			"SetFormula": reflect.ValueOf(setFormula),
			"SetFormat":  reflect.ValueOf(setFormat),
			"SetBold":    reflect.ValueOf(setBold),
			"SetFill":    reflect.ValueOf(setFill),
			"Clear":      reflect.ValueOf(clearRange),
			"Selection":  reflect.ValueOf(selection),
			"UsedRange":  reflect.ValueOf(usedRange),
			"LastRow":    reflect.ValueOf(lastRow),
		},
	}
}
