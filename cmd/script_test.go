package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/witanlabs/sheetpilot/client"
	"github.com/witanlabs/sheetpilot/config"
	"github.com/witanlabs/sheetpilot/internal/host"
	"github.com/witanlabs/sheetpilot/internal/script"
)

const fillScript = `package main

import "sheet"

func Fill() error {
	return sheet.Set("A1", 42)
}
`

func scriptAnswer(t *testing.T, name, text string) string {
	t.Helper()
	b, err := json.Marshal(map[string]string{
		"procedureName": name,
		"scriptText":    text,
		"description":   "fill A1",
		"riskLevel":     "low",
	})
	if err != nil {
		t.Fatalf("encoding answer: %v", err)
	}
	return string(b)
}

func workbookModules(t *testing.T, path string) []string {
	t.Helper()
	m, err := host.LoadMemory(path, nil)
	if err != nil {
		t.Fatalf("loading workbook: %v", err)
	}
	names, err := m.ListContainers(context.Background())
	if err != nil {
		t.Fatalf("listing modules: %v", err)
	}
	return names
}

func TestRunScriptGenerate_PrintsScriptWithoutRunning(t *testing.T) {
	resetCmdTestGlobals(t)
	path := tempWorkbook(t, seededWorkbook)
	answering(scriptAnswer(t, "Fill", fillScript))

	out, err := captureStdout(t, func() error {
		return runScriptGenerate(newTestCommand(), []string{"put", "42", "in", "A1"})
	})
	if err != nil {
		t.Fatalf("runScriptGenerate: %v\n%s", err, out)
	}
	if !strings.HasPrefix(out, "would run Fill") || !strings.Contains(out, `sheet.Set("A1", 42)`) {
		t.Fatalf("unexpected output:\n%s", out)
	}
	if v := cellValue(t, path, "Sheet1!A1"); v != "x" {
		t.Fatalf("generate must not run the script, A1 = %#v", v)
	}
}

func TestRunScriptGenerate_RejectedScript(t *testing.T) {
	resetCmdTestGlobals(t)
	tempWorkbook(t, seededWorkbook)
	answering(scriptAnswer(t, "Wipe", "package main\n\nimport \"os\"\n\nfunc Wipe() error {\n\treturn os.RemoveAll(\"/\")\n}\n"))

	out, err := captureStdout(t, func() error {
		return runScriptGenerate(newTestCommand(), []string{"clean up"})
	})
	if code := exitCode(t, err); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.HasPrefix(out, "SecurityRejection: ") || !strings.Contains(out, "os.RemoveAll") {
		t.Fatalf("expected the rejection and the offending script, got:\n%s", out)
	}
}

func TestRunScriptRun_Generated(t *testing.T) {
	resetCmdTestGlobals(t)
	path := tempWorkbook(t, seededWorkbook)
	answering(scriptAnswer(t, "Fill", fillScript))

	out, err := captureStdout(t, func() error {
		return runScriptRun(newTestCommand(), []string{"put 42 in A1"})
	})
	if err != nil {
		t.Fatalf("runScriptRun: %v\n%s", err, out)
	}
	if !strings.HasPrefix(out, "ran Fill in "+script.ContainerPrefix) {
		t.Fatalf("unexpected output %q", out)
	}
	if v := cellValue(t, path, "Sheet1!A1"); v != float64(42) {
		t.Fatalf("expected A1 = 42, got %#v", v)
	}
	if names := workbookModules(t, path); len(names) != 0 {
		t.Fatalf("temporary modules left behind: %v", names)
	}
}

func TestRunScriptRun_FormatErrorIsRetried(t *testing.T) {
	resetCmdTestGlobals(t)
	tempWorkbook(t, seededWorkbook)
	prompts := answering("Here you go: Sub Fill()", scriptAnswer(t, "Fill", fillScript))

	if out, err := captureStdout(t, func() error {
		return runScriptRun(newTestCommand(), []string{"put 42 in A1"})
	}); err != nil {
		t.Fatalf("runScriptRun: %v\n%s", err, out)
	}
	if len(*prompts) != 2 {
		t.Fatalf("expected one retry, got %d model calls", len(*prompts))
	}
}

func TestRunScriptRun_FileNeedsNoProvider(t *testing.T) {
	resetCmdTestGlobals(t)
	path := tempWorkbook(t, seededWorkbook)
	newAsker = func(context.Context, config.Config) (client.Asker, error) {
		return nil, errors.New("no API key configured")
	}
	scriptFile = filepath.Join(t.TempDir(), "Fill.go")
	if err := os.WriteFile(scriptFile, []byte(fillScript), 0o644); err != nil {
		t.Fatalf("writing script: %v", err)
	}

	out, err := captureStdout(t, func() error {
		return runScriptRun(newTestCommand(), nil)
	})
	if err != nil {
		t.Fatalf("runScriptRun: %v\n%s", err, out)
	}
	if !strings.HasPrefix(out, "ran Fill in ") {
		t.Fatalf("expected the procedure to default to the file name, got %q", out)
	}
	if v := cellValue(t, path, "Sheet1!A1"); v != float64(42) {
		t.Fatalf("expected A1 = 42, got %#v", v)
	}
}

func TestRunScriptRun_FileRejected(t *testing.T) {
	resetCmdTestGlobals(t)
	path := tempWorkbook(t, seededWorkbook)
	newAsker = func(context.Context, config.Config) (client.Asker, error) {
		return nil, errors.New("no API key configured")
	}
	scriptFile = filepath.Join(t.TempDir(), "evil.go")
	scriptProcedure = "Fill"
	evil := strings.Replace(fillScript, `return sheet.Set("A1", 42)`, `syscall.Exit(1); return nil`, 1)
	if err := os.WriteFile(scriptFile, []byte(evil), 0o644); err != nil {
		t.Fatalf("writing script: %v", err)
	}

	out, err := captureStdout(t, func() error {
		return runScriptRun(newTestCommand(), nil)
	})
	if code := exitCode(t, err); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.HasPrefix(out, "SecurityRejection: ") {
		t.Fatalf("unexpected output %q", out)
	}
	if names := workbookModules(t, path); len(names) != 0 {
		t.Fatalf("a rejected script must never be injected: %v", names)
	}
}

func TestRunScriptRun_ArgumentRules(t *testing.T) {
	resetCmdTestGlobals(t)

	err := runScriptRun(newTestCommand(), nil)
	if err == nil || !strings.Contains(err.Error(), "is required") {
		t.Fatalf("expected a missing input error, got %v", err)
	}

	scriptFile = "Fill.go"
	err = runScriptRun(newTestCommand(), []string{"put 42 in A1"})
	if err == nil || !strings.Contains(err.Error(), "mutually exclusive") {
		t.Fatalf("expected an exclusivity error, got %v", err)
	}
}

func TestRunScriptRun_MissingProviderWithoutFile(t *testing.T) {
	resetCmdTestGlobals(t)
	tempWorkbook(t, seededWorkbook)
	newAsker = func(context.Context, config.Config) (client.Asker, error) {
		return nil, errors.New("no API key configured")
	}

	err := runScriptRun(newTestCommand(), []string{"put 42 in A1"})
	if err == nil || !strings.Contains(err.Error(), "no API key configured") {
		t.Fatalf("expected the provider error, got %v", err)
	}
}
