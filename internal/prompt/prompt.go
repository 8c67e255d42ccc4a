// Package prompt builds the model prompts for the command and script paths.
package prompt

import (
	"strings"
	"text/template"

	"github.com/witanlabs/sheetpilot/client"
	"github.com/witanlabs/sheetpilot/internal/host"
	"github.com/witanlabs/sheetpilot/internal/instruction"
)

const commandSystem = `You translate spreadsheet requests into a JSON command set.

Respond with exactly one JSON object and nothing else: no markdown fences, no prose.
Shape:
{"version":"1.0","summary":"<one line>","commands":[{"function":"<name>","description":"<what it does>","arguments":{...}}]}

Functions: {{join .Functions ", "}}.
Argument rules:
- setCellValue: "range", "value" (not null)
- applyCellFormula: "range", "formula" starting with "="
- setCellStyle: "range" and at least one of backgroundColor, fontColor, bold, italic, underline, fontSize, fontName
- setCellFormat: "range", "format" (number format code)
- insertRows, insertColumns, deleteRows, deleteColumns: "position" (e.g. "3:3" or "B:B"), optional "count"
- sortData: "range", "column" (letter), "order" ("asc" or "desc"), "hasHeader"
- filterData: "range", "column", "criteria"
- createChart: "range", "chartType", optional "title"
- applyConditionalFormatting: "range", "condition", "operator", "value", "color"
- clearContent: "range"
Ranges are A1, A1:B5, A:A, 1:1, optionally prefixed with Sheet1! or 'My Sheet'!, or CURRENT_SELECTION for the user's selection.
{{- if .Retry}}

Your previous answer could not be parsed. Return only the JSON object.
{{- end}}
`

const scriptSystem = `You write a single {{.Language}} procedure that performs a spreadsheet request.

Respond with exactly one JSON object:
{"procedureName":"<Identifier>","scriptText":"<full source>","description":"<what it does>","riskLevel":"low|medium|high"}

Rules:
- procedureName starts with a letter, then letters, digits or underscores, at most 64 characters.
- Only read and write workbook ranges. Never touch files, the network, the registry, other processes or the macro project.
- These identifiers are forbidden and cause rejection: {{join .Denylist ", "}}.
{{- if .Imports}}
- Allowed imports: {{join .Imports ", "}}. The "sheet" package provides Get, Set, SetFormula, SetFormat, SetBold, SetFill, Clear, Selection, UsedRange and LastRow; addresses are A1 strings.
{{- end}}

Template:
{{.Template}}
`

const vbaTemplate = `Sub ProcedureName()
    On Error GoTo Fail
    Dim ws As Worksheet
    Set ws = ActiveSheet
    ' work with ws.Range(...) only
    Exit Sub
Fail:
    Err.Raise Err.Number, "ProcedureName", Err.Description
End Sub`

const goTemplate = `package main

import "sheet"

func ProcedureName() error {
	// work with sheet.Get / sheet.Set only
	return sheet.Set("A1", "done")
}`

const contextUser = `Workbook: {{.Ctx.Workbook}}
Active sheet: {{.Ctx.ActiveSheet}}{{if .Ctx.Sheets}} (sheets: {{join .Ctx.Sheets ", "}}){{end}}
Selection: {{.Ctx.Selection}}
Used range: {{if .Ctx.UsedRange}}{{.Ctx.UsedRange}}{{else}}(empty){{end}}
{{- if .Ctx.Headers}}
Headers: {{join .Ctx.Headers " | "}}
{{- end}}
{{- range .Ctx.Sample}}
Row: {{join . " | "}}
{{- end}}

Request: {{.Request}}
`

var funcs = template.FuncMap{"join": strings.Join}

var (
	commandTmpl = template.Must(template.New("commands").Funcs(funcs).Parse(commandSystem))
	scriptTmpl  = template.Must(template.New("script").Funcs(funcs).Parse(scriptSystem))
	userTmpl    = template.Must(template.New("user").Funcs(funcs).Parse(contextUser))
)

func render(t *template.Template, data any) string {
	var b strings.Builder
	// templates are fixed and data is plain values, so execution cannot fail
	_ = t.Execute(&b, data)
	return b.String()
}

func user(c host.Context, request string) string {
	return render(userTmpl, struct {
		Ctx     host.Context
		Request string
	}{c, strings.TrimSpace(request)})
}

// Commands builds the structured-command prompt. retry adds a reminder that
// the previous answer was malformed.
func Commands(c host.Context, request string, retry bool) client.Prompt {
	return client.Prompt{
		System: render(commandTmpl, struct {
			Functions []string
			Retry     bool
		}{instruction.Functions(), retry}),
		User: user(c, request),
	}
}

// ScriptOptions describes the target dialect.
type ScriptOptions struct {
	Dialect  host.Dialect
	Denylist []string
	// Imports lists what Go scripts may import; ignored for VBA.
	Imports []string
}

// Script builds the script-generation prompt.
func Script(c host.Context, request string, opts ScriptOptions) client.Prompt {
	data := struct {
		Language string
		Denylist []string
		Imports  []string
		Template string
	}{Language: "VBA", Denylist: opts.Denylist, Template: vbaTemplate}
	if opts.Dialect == host.DialectGo {
		data.Language = "Go"
		data.Imports = opts.Imports
		data.Template = goTemplate
	}
	return client.Prompt{System: render(scriptTmpl, data), User: user(c, request)}
}
