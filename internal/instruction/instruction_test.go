package instruction

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witanlabs/sheetpilot/internal/protocol"
)

func mustValidate(t *testing.T, raw string) protocol.Validated {
	t.Helper()
	res := protocol.Validate(raw)
	require.True(t, res.Valid, res.Reason)
	return res.Payload
}

func TestConvert_SingleSetCellValue(t *testing.T) {
	set := Convert(mustValidate(t, `{"version":"1.0","commands":[{"function":"setCellValue","arguments":{"range":"A1","value":100}}]}`))

	require.Len(t, set.Instructions, 1)
	in := set.Instructions[0]
	assert.Equal(t, SetCellValue, in.Type)
	assert.Equal(t, "A1", in.TargetRange)
	assert.False(t, in.RequiresConfirmation)
	assert.Equal(t, float64(100), in.Parameters["value"])
	assert.Equal(t, "set A1 to 100", in.Description)
}

func TestConvert_OnePerCommandInOrder(t *testing.T) {
	var cmds []string
	var want []Type
	for name, typ := range functionTypes {
		cmds = append(cmds, fmt.Sprintf(`{"function":%q,"arguments":{"range":"A1","value":1,"formula":"=1","bold":true,"format":"0"}}`, name))
		want = append(want, typ)
	}
	cmds = append(cmds, `{"function":"mysteryOp","arguments":{}}`)
	want = append(want, Unknown)

	raw := `{"version":"1.0","summary":"all","commands":[` + strings.Join(cmds, ",") + `]}`
	set := Convert(mustValidate(t, raw))

	assert.Equal(t, "all", set.Summary)
	require.Len(t, set.Instructions, len(want))
	for i, in := range set.Instructions {
		assert.Equal(t, want[i], in.Type, "position %d", i)
	}
	assert.Equal(t, "mysteryOp", set.Instructions[len(want)-1].Function)
}

func TestConvert_ConfirmationIffDestructive(t *testing.T) {
	destructive := map[Type]bool{DeleteRows: true, DeleteColumns: true, ClearContent: true}
	for name, typ := range functionTypes {
		set := Convert(mustValidate(t, fmt.Sprintf(`{"version":"1.0","commands":[{"function":%q,"arguments":{"range":"A1","value":1,"formula":"=1","bold":true,"format":"0"}}]}`, name)))
		require.Len(t, set.Instructions, 1)
		assert.Equal(t, destructive[typ], set.Instructions[0].RequiresConfirmation, name)
		assert.Equal(t, destructive[typ], set.NeedsConfirmation(), name)
	}
	assert.False(t, RequiresConfirmation(Unknown))
}

func TestConvert_TargetRange(t *testing.T) {
	tests := []struct {
		name string
		cmd  string
		want string
	}{
		{"range preferred", `{"function":"insertRows","arguments":{"range":"B2","position":"5:5"}}`, "B2"},
		{"position fallback", `{"function":"deleteRows","arguments":{"position":"3:3"}}`, "3:3"},
		{"numeric row", `{"function":"deleteRows","arguments":{"position":3}}`, "3:3"},
		{"numeric column", `{"function":"insertColumns","arguments":{"position":2}}`, "B:B"},
		{"digit string row", `{"function":"deleteRows","arguments":{"position":"3"}}`, "3:3"},
		{"digit string padded", `{"function":"insertRows","arguments":{"position":" 12 "}}`, "12:12"},
		{"digit string column", `{"function":"deleteColumns","arguments":{"position":"3"}}`, "C:C"},
		{"letter string column", `{"function":"deleteColumns","arguments":{"position":"B"}}`, "B:B"},
		{"lowercase letters", `{"function":"insertColumns","arguments":{"range":"ab"}}`, "AB:AB"},
		{"letters beyond last column", `{"function":"insertColumns","arguments":{"position":"ZZZ"}}`, "ZZZ"},
		{"zero row kept", `{"function":"deleteRows","arguments":{"position":"0"}}`, "0"},
		{"letters left alone outside row ops", `{"function":"clearContent","arguments":{"range":"TAX"}}`, "TAX"},
		{"digits widened for any target", `{"function":"clearContent","arguments":{"range":"7"}}`, "7:7"},
		{"none", `{"function":"clearContent","arguments":{}}`, ""},
		{"blank range", `{"function":"clearContent","arguments":{"range":""}}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := Convert(mustValidate(t, `{"version":"1.0","commands":[`+tt.cmd+`]}`))
			require.Len(t, set.Instructions, 1)
			assert.Equal(t, tt.want, set.Instructions[0].TargetRange)
			assert.Equal(t, tt.want != "", set.Instructions[0].HasTarget())
		})
	}
}

func TestConvert_ParametersVerbatim(t *testing.T) {
	set := Convert(mustValidate(t, `{"version":"1.0","commands":[{"function":"sortData","description":"sort by total","arguments":{"range":"A1:D20","column":"D","order":"desc","hasHeader":true}}]}`))
	in := set.Instructions[0]
	assert.Equal(t, "sort by total", in.Description)
	assert.Equal(t, map[string]any{"range": "A1:D20", "column": "D", "order": "desc", "hasHeader": true}, in.Parameters)
}

func TestFunctions(t *testing.T) {
	fns := Functions()
	assert.Len(t, fns, len(functionTypes))
	assert.Equal(t, "setCellValue", fns[0])
	assert.Equal(t, "clearContent", fns[len(fns)-1])
}
