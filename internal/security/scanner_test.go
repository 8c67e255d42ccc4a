package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witanlabs/sheetpilot/internal/host"
)

func TestScan_ShellIsDangerous(t *testing.T) {
	res := Scan("Sub Run()\n    x = Shell(\"cmd.exe /c dir\")\nEnd Sub")

	assert.False(t, res.Safe)
	assert.Equal(t, LevelDangerous, res.Level)
	require.NotEmpty(t, res.Issues)

	var found bool
	for _, is := range res.Issues {
		if is.Category == CategorySystemCall && is.Level == LevelDangerous {
			found = true
			assert.Equal(t, 2, is.LineNumber)
			assert.Contains(t, is.CodeSnippet, "Shell(")
		}
	}
	assert.True(t, found, "expected a Dangerous SystemCall issue, got %+v", res.Issues)
}

func TestScan_CleanScriptIsSafe(t *testing.T) {
	script := `Sub FillTotals()
    Range("A1").Value = 100
    Range("B1").Formula = "=SUM(A1:A10)"
    Range("C1").Font.Bold = True
End Sub`
	res := Scan(script)

	assert.True(t, res.Safe)
	assert.Equal(t, LevelSafe, res.Level)
	assert.Empty(t, res.Issues)
	assert.Equal(t, "No security issues found.", res.Summary)
}

func TestScan_WordBoundary(t *testing.T) {
	res := Scan("Dim ShellSort As Long\nshellCount = 1")
	assert.True(t, res.Safe)
	assert.Empty(t, res.Issues)

	res = Scan("x = shell(\"calc\")")
	assert.False(t, res.Safe, "matching is case-insensitive")
}

func TestScan_CommentLinesSkipped(t *testing.T) {
	script := strings.Join([]string{
		"' Shell(\"cmd\") is not allowed",
		"Rem Kill \"c:\\file.txt\"",
		"REM CreateObject",
		"Range(\"A1\").Value = 1",
	}, "\n")
	res := Scan(script)
	assert.True(t, res.Safe)
	assert.Empty(t, res.Issues)

	goScript := "// exec.Command(\"rm\")\nreturn sheet.Set(\"A1\", 1)"
	res = NewScanner(WithDialect(host.DialectGo)).Scan(goScript)
	assert.True(t, res.Safe)
	assert.Empty(t, res.Issues)
}

func TestScan_CommentMarkersFollowDialect(t *testing.T) {
	// VBA has no // comments
	res := Scan(`// Shell "calc"`)
	assert.False(t, res.Safe)

	// Go has no ' or Rem comments
	goScanner := NewScanner(WithDialect(host.DialectGo))
	for _, line := range []string{`rem "os/exec"`, `' Kill "a.txt"`, `REM os.RemoveAll("/")`} {
		res := goScanner.Scan(line)
		assert.False(t, res.Safe, line)
		assert.Equal(t, LevelDangerous, res.Level, line)
	}
}

func TestScan_MediumThreshold(t *testing.T) {
	three := strings.Join([]string{
		"SendKeys \"{ENTER}\"",
		"AppActivate \"Notepad\"",
		"v = GetSetting(\"app\", \"sec\", \"key\")",
	}, "\n")
	res := Scan(three)
	require.Len(t, res.Issues, 3)
	assert.Equal(t, LevelMedium, res.Level)
	assert.True(t, res.Safe)
	assert.Contains(t, res.Summary, "allowed with warnings")

	four := three + "\nApplication.Run \"Other\""
	res = Scan(four)
	require.Len(t, res.Issues, 4)
	assert.Equal(t, LevelMedium, res.Level)
	assert.False(t, res.Safe)
	assert.Contains(t, res.Summary, "Script rejected")
}

func TestScan_RegexChecks(t *testing.T) {
	res := Scan(`path = "C:\tools\setup.exe"`)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, CategoryExternalExecution, res.Issues[0].Category)
	assert.Equal(t, LevelHigh, res.Issues[0].Level)
	assert.False(t, res.Safe)

	res = Scan(`Range("A1").Value = "https://example.com/report"`)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, CategoryNetworkAccess, res.Issues[0].Category)
	assert.Equal(t, LevelMedium, res.Issues[0].Level)
	assert.True(t, res.Safe)
}

func TestScan_GoDialect(t *testing.T) {
	script := `import "os/exec"

func Run() {
	exec.Command("rm", "-rf", "/").Run()
}`
	res := Scan(script)
	assert.False(t, res.Safe)
	assert.Equal(t, LevelDangerous, res.Level)

	// an import alias spelled like a VBA comment must not hide the import
	hidden := "package main\n\nimport (\n\trem \"os/exec\"\n\t\"sheet\"\n)\n\nfunc Run() error {\n\t_ = rem.Command(\"sh\", \"-c\", \"id\").Run()\n\treturn sheet.Set(\"A1\", 1)\n}\n"
	res = NewScanner(WithDialect(host.DialectGo)).Scan(hidden)
	assert.False(t, res.Safe)
	assert.Equal(t, LevelDangerous, res.Level)
	require.NotEmpty(t, res.Issues)
	assert.Equal(t, 4, res.Issues[0].LineNumber)
}

func TestScanner_ForDialect(t *testing.T) {
	rules, err := ParseRules([]byte("deny:\n  - pattern: Workbooks.Add\n    category: DangerousFunction\n"))
	require.NoError(t, err)
	vba := NewScanner(WithRules(rules))
	goScanner := vba.ForDialect(host.DialectGo)

	assert.Equal(t, host.DialectVBA, vba.Dialect())
	assert.Equal(t, host.DialectGo, goScanner.Dialect())
	assert.Same(t, vba, vba.ForDialect(host.DialectVBA))
	// rules carry over
	assert.False(t, goScanner.Scan("Workbooks.Add").Safe)
	assert.True(t, goScanner.Scan("// Workbooks.Add").Safe)
	assert.False(t, vba.Scan("// Workbooks.Add").Safe)
}

func TestScan_SummaryGroupsByLevel(t *testing.T) {
	res := Scan("Kill \"a.txt\"\nSendKeys \"x\"\nurl = \"http://x.test\"")
	assert.Equal(t, LevelDangerous, res.Level)
	assert.True(t, strings.HasPrefix(res.Summary, "Found 3 issue(s): 1 Dangerous, 2 Medium."), res.Summary)
}

func TestScan_Deterministic(t *testing.T) {
	script := "CreateObject(\"WScript.Shell\").Run \"calc\""
	assert.Equal(t, Scan(script), Scan(script))
}

func TestScanner_WithRules(t *testing.T) {
	rules, err := ParseRules([]byte(`
deny:
  - pattern: Workbooks.Add
    category: DangerousFunction
suspicious:
  - pattern: Application.Wait
    category: SuspiciousPattern
    description: blocking wait
`))
	require.NoError(t, err)

	s := NewScanner(WithRules(rules))
	res := s.Scan("Workbooks.Add")
	assert.False(t, res.Safe)
	assert.Contains(t, s.Denylist(), "Workbooks.Add")

	res = s.Scan("Application.Wait Now + 1")
	require.Len(t, res.Issues, 1)
	assert.Equal(t, "blocking wait", res.Issues[0].Description)

	// the default scanner is unaffected
	assert.True(t, Scan("Workbooks.Add").Safe)
}

func TestLoadRules_Invalid(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("deny:\n  - pattern: \"a b\"\n    category: SystemCall\n"), 0o644))
	_, err := LoadRules(bad)
	assert.ErrorContains(t, err, "deny[0]")

	badCat := filepath.Join(dir, "cat.yaml")
	require.NoError(t, os.WriteFile(badCat, []byte("suspicious:\n  - pattern: Foo\n    category: Nope\n"), 0o644))
	_, err = LoadRules(badCat)
	assert.ErrorContains(t, err, "unknown category")

	_, err = LoadRules(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{"low": LevelLow, "Medium": LevelMedium, "HIGH": LevelHigh, "critical": LevelDangerous} {
		got, ok := ParseLevel(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseLevel("whatever")
	assert.False(t, ok)
	assert.True(t, LevelSafe < LevelLow && LevelLow < LevelMedium && LevelMedium < LevelHigh && LevelHigh < LevelDangerous)
}
