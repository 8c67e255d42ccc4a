package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validPayload = `{"version":"1.0","summary":"tidy up","commands":[
	{"function":"setCellValue","description":"put 100 in A1","arguments":{"range":"A1","value":100}},
	{"function":"deleteRows","description":"delete row 3","arguments":{"position":"3:3"}}
]}`

func TestRunValidate_HumanOutputFromStdin(t *testing.T) {
	resetCmdTestGlobals(t)
	validateInput = strings.NewReader(validPayload)

	out, err := captureStdout(t, func() error {
		return runValidate(newTestCommand(), nil)
	})
	if err != nil {
		t.Fatalf("runValidate: %v", err)
	}
	for _, want := range []string{
		"tidy up",
		"1. SetCellValue: put 100 in A1\n",
		"2. DeleteRows: delete row 3 [confirm]\n",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestRunValidate_JSONFromFile(t *testing.T) {
	resetCmdTestGlobals(t)
	jsonOutput = true
	path := filepath.Join(t.TempDir(), "payload.json")
	if err := os.WriteFile(path, []byte(validPayload), 0o644); err != nil {
		t.Fatalf("writing payload: %v", err)
	}

	out, err := captureStdout(t, func() error {
		return runValidate(newTestCommand(), []string{path})
	})
	if err != nil {
		t.Fatalf("runValidate: %v", err)
	}
	var got struct {
		Valid        bool `json:"valid"`
		Instructions struct {
			Instructions []struct {
				Type                 string `json:"type"`
				RequiresConfirmation bool   `json:"requires_confirmation"`
			} `json:"instructions"`
		} `json:"instructions"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decoding output: %v\n%s", err, out)
	}
	if !got.Valid || len(got.Instructions.Instructions) != 2 {
		t.Fatalf("unexpected output: %s", out)
	}
	if !got.Instructions.Instructions[1].RequiresConfirmation {
		t.Fatalf("expected deleteRows to require confirmation: %s", out)
	}
}

func TestRunValidate_InvalidExitsOne(t *testing.T) {
	for name, payload := range map[string]string{
		"prose":         "Sure! Here is the plan.",
		"fenced":        "```json\n" + validPayload + "\n```",
		"bad range":     `{"version":"1.0","commands":[{"function":"setCellValue","arguments":{"range":"ZZZZ","value":1}}]}`,
		"no commands":   `{"version":"1.0","commands":[]}`,
		"trailing text": validPayload + " thanks",
	} {
		t.Run(name, func(t *testing.T) {
			resetCmdTestGlobals(t)
			validateInput = strings.NewReader(payload)

			out, err := captureStdout(t, func() error {
				return runValidate(newTestCommand(), []string{"-"})
			})
			if code := exitCode(t, err); code != 1 {
				t.Fatalf("expected exit code 1, got %d", code)
			}
			if !strings.HasPrefix(out, "invalid: ") {
				t.Fatalf("expected an invalid line, got %q", out)
			}
		})
	}
}

func TestRunValidate_InvalidJSONCarriesReason(t *testing.T) {
	resetCmdTestGlobals(t)
	jsonOutput = true
	validateInput = strings.NewReader(`{"version":"1.0","commands":[{"function":"setCellValue","arguments":{"range":"ZZZZ","value":1}}]}`)

	out, err := captureStdout(t, func() error {
		return runValidate(newTestCommand(), nil)
	})
	if code := exitCode(t, err); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	var got validateOutput
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decoding output: %v\n%s", err, out)
	}
	if got.Valid || !strings.Contains(got.Reason, "ZZZZ") || got.Instructions != nil {
		t.Fatalf("unexpected output: %+v", got)
	}
}

func TestRunValidate_MissingFile(t *testing.T) {
	resetCmdTestGlobals(t)

	err := runValidate(newTestCommand(), []string{filepath.Join(t.TempDir(), "missing.json")})
	if err == nil || !strings.Contains(err.Error(), "reading payload") {
		t.Fatalf("expected a read error, got %v", err)
	}
}
