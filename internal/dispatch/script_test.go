package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witanlabs/sheetpilot/internal/host"
)

func scriptAnswer(t *testing.T, name, text string) string {
	t.Helper()
	b, err := json.Marshal(map[string]string{
		"procedureName": name,
		"scriptText":    text,
		"description":   "test script",
		"riskLevel":     "low",
	})
	require.NoError(t, err)
	return string(b)
}

const fillScript = `package main

import "sheet"

func Fill() error {
	return sheet.Set("A1", 42)
}
`

func containers(t *testing.T, m *host.Memory) []string {
	t.Helper()
	names, err := m.ListContainers(context.Background())
	require.NoError(t, err)
	return names
}

func TestRunScript_Executes(t *testing.T) {
	m := host.NewMemory(nil)
	asker := &scriptedAsker{answers: []string{scriptAnswer(t, "Fill", fillScript)}}
	d := New(asker, m)

	res := d.RunScript(context.Background(), "put 42 in A1", false)
	require.True(t, res.Success, res.Error)
	require.NotNil(t, res.Execution)
	assert.True(t, strings.HasPrefix(res.Execution.Container, "SPTmp_"))
	assert.Contains(t, asker.prompts[0].System, "single Go procedure")

	ref, err := m.Resolve(context.Background(), "A1")
	require.NoError(t, err)
	v, err := m.Value(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, float64(42), v)
	assert.Empty(t, containers(t, m))
	assert.Len(t, d.Engine().History(), 1)
}

func TestRunScript_DryRun(t *testing.T) {
	m := host.NewMemory(nil)
	d := New(&scriptedAsker{answers: []string{scriptAnswer(t, "Fill", fillScript)}}, m)

	res := d.RunScript(context.Background(), "put 42 in A1", true)
	require.True(t, res.Success, res.Error)
	require.NotNil(t, res.Script)
	assert.Equal(t, fillScript, res.Script.ScriptText)
	assert.Contains(t, res.Message, "would run Fill")
	assert.Nil(t, res.Execution)
	assert.Empty(t, d.Engine().History())
	assert.Empty(t, m.Snapshot())
}

func TestRunScript_ErrorMapping(t *testing.T) {
	t.Run("format", func(t *testing.T) {
		d := New(&scriptedAsker{answers: []string{`{"scriptText":"x"}`}}, host.NewMemory(nil))
		res := d.RunScript(context.Background(), "x", false)
		assert.Equal(t, ProtocolFormatError, res.ErrorType)
		assert.True(t, res.CanRetry)
	})
	t.Run("rejected", func(t *testing.T) {
		m := host.NewMemory(nil)
		bad := "package main\n\nimport \"os\"\n\nfunc Wipe() { os.RemoveAll(\"/\") }\n"
		d := New(&scriptedAsker{answers: []string{scriptAnswer(t, "Wipe", bad)}}, m)
		res := d.RunScript(context.Background(), "x", false)
		assert.Equal(t, SecurityRejection, res.ErrorType)
		assert.False(t, res.CanRetry)
		require.NotNil(t, res.Script)
		assert.Equal(t, res.Script.Scan.Summary, res.Error)
		assert.Empty(t, containers(t, m))
	})
	t.Run("execution", func(t *testing.T) {
		m := host.NewMemory(nil)
		failing := "package main\n\nimport \"errors\"\n\nfunc Boom() error { return errors.New(\"no data\") }\n"
		d := New(&scriptedAsker{answers: []string{scriptAnswer(t, "Boom", failing)}}, m)
		res := d.RunScript(context.Background(), "x", false)
		assert.Equal(t, OperationExecutionError, res.ErrorType)
		assert.Contains(t, res.Error, "no data")
		assert.Contains(t, res.Error, "retry not available")
		assert.Empty(t, containers(t, m))
	})
	t.Run("no script access", func(t *testing.T) {
		res := New(&scriptedAsker{answers: []string{scriptAnswer(t, "Fill", fillScript)}}, &recordingHost{}).
			RunScript(context.Background(), "x", false)
		assert.Equal(t, SystemError, res.ErrorType)
		assert.Contains(t, res.Error, "script access unavailable")
	})
}

func TestExecuteScript(t *testing.T) {
	m := host.NewMemory(nil)
	d := New(nil, m)

	res := d.ExecuteScript(context.Background(), "Fill", fillScript, "from file")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "from file", d.Engine().History()[0].UserRequest)

	res = d.ExecuteScript(context.Background(), "Fill", "func Fill() { syscall.Exit(1) }", "from file")
	assert.Equal(t, SecurityRejection, res.ErrorType)
}
