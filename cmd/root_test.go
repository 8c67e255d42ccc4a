package cmd

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/witanlabs/sheetpilot/client"
	"github.com/witanlabs/sheetpilot/config"
	"github.com/witanlabs/sheetpilot/internal/host"
)

var sheetpilotEnv = []string{
	"SHEETPILOT_PROVIDER",
	"SHEETPILOT_MODEL",
	"SHEETPILOT_API_KEY",
	"SHEETPILOT_BASE_URL",
	"SHEETPILOT_HOST",
	"SHEETPILOT_BRIDGE_URL",
	"SHEETPILOT_WORKBOOK",
	"SHEETPILOT_MAX_FORMAT_RETRIES",
	"SHEETPILOT_RULES",
	"SHEETPILOT_DEBUG",
}

// resetCmdTestGlobals isolates a test from flag state, the environment and
// the user's config directory.
func resetCmdTestGlobals(t *testing.T) {
	t.Helper()
	origProvider, origModel, origAPIKey := providerName, modelName, apiKey
	origHost, origBridge, origWorkbook, origRules := hostKind, bridgeURL, workbookPath, rulesPath
	origDebug, origLogJSON, origJSON := debug, logJSON, jsonOutput
	origAsker, origLogger := newAsker, logger
	origDryRun, origYes, origDiff, origConfirm := applyDryRun, applyYes, applyDiff, confirmInput
	origScriptFile, origProcedure := scriptFile, scriptProcedure
	origValidateInput, origScanDialect := validateInput, scanDialect
	origLoginKey, origLoginProvider, origAuthInput := loginKey, loginProvider, authInput

	resetChanged := func() {
		rootCmd.PersistentFlags().VisitAll(func(f *pflag.Flag) { f.Changed = false })
	}
	t.Cleanup(func() {
		providerName, modelName, apiKey = origProvider, origModel, origAPIKey
		hostKind, bridgeURL, workbookPath, rulesPath = origHost, origBridge, origWorkbook, origRules
		debug, logJSON, jsonOutput = origDebug, origLogJSON, origJSON
		newAsker, logger = origAsker, origLogger
		applyDryRun, applyYes, applyDiff, confirmInput = origDryRun, origYes, origDiff, origConfirm
		scriptFile, scriptProcedure = origScriptFile, origProcedure
		validateInput, scanDialect = origValidateInput, origScanDialect
		loginKey, loginProvider, authInput = origLoginKey, origLoginProvider, origAuthInput
		resetChanged()
	})

	providerName, modelName, apiKey = "", "", ""
	hostKind, bridgeURL, workbookPath, rulesPath = hostFlag(host.KindMemory), "", "", ""
	debug, logJSON, jsonOutput = false, false, false
	applyDryRun, applyYes, applyDiff = false, false, false
	scriptFile, scriptProcedure = "", ""
	scanDialect = "auto"
	loginKey, loginProvider = "", ""
	newAsker = func(context.Context, config.Config) (client.Asker, error) {
		t.Fatal("unexpected model call")
		return nil, nil
	}
	resetChanged()

	for _, k := range sheetpilotEnv {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	t.Setenv("SHEETPILOT_CONFIG_DIR", t.TempDir())
}

// setFlag sets a persistent root flag the way the command line would.
func setFlag(t *testing.T, name, value string) {
	t.Helper()
	if err := rootCmd.PersistentFlags().Set(name, value); err != nil {
		t.Fatalf("setting --%s: %v", name, err)
	}
}

// answering replaces the model with one that returns answers in order,
// repeating the last, and records the prompts it was sent.
func answering(answers ...string) *[]client.Prompt {
	var prompts []client.Prompt
	newAsker = func(context.Context, config.Config) (client.Asker, error) {
		return client.AskerFunc(func(ctx context.Context, p client.Prompt) (string, error) {
			prompts = append(prompts, p)
			i := min(len(prompts), len(answers)) - 1
			return answers[i], nil
		}), nil
	}
	return &prompts
}

func tempWorkbook(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "book.json")
	if content != "" {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("writing workbook: %v", err)
		}
	}
	setFlag(t, "workbook", path)
	return path
}

func captureStdout(t *testing.T, fn func() error) (string, error) {
	t.Helper()
	orig := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("creating stdout pipe: %v", err)
	}
	os.Stdout = w

	runErr := fn()

	if closeErr := w.Close(); closeErr != nil {
		t.Fatalf("closing write pipe: %v", closeErr)
	}
	os.Stdout = orig

	out, readErr := io.ReadAll(r)
	if readErr != nil {
		t.Fatalf("reading captured stdout: %v", readErr)
	}
	if closeErr := r.Close(); closeErr != nil {
		t.Fatalf("closing read pipe: %v", closeErr)
	}
	return string(out), runErr
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	if err == nil {
		return 0
	}
	exitErr, ok := err.(*ExitError)
	if !ok {
		t.Fatalf("expected *ExitError, got %T: %v", err, err)
	}
	return exitErr.Code
}

func newTestCommand() *cobra.Command {
	return &cobra.Command{}
}

func TestResolveConfig_Defaults(t *testing.T) {
	resetCmdTestGlobals(t)

	cfg, err := resolveConfig()
	if err != nil {
		t.Fatalf("resolveConfig: %v", err)
	}
	if cfg != config.Default() {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestResolveConfig_FlagsOverrideEnvOverrideFile(t *testing.T) {
	resetCmdTestGlobals(t)

	file := config.Default()
	file.Provider = "openai"
	file.Model = "file-model"
	file.Workbook = "file.json"
	if err := config.Save(file); err != nil {
		t.Fatalf("saving config: %v", err)
	}
	t.Setenv("SHEETPILOT_MODEL", "env-model")
	t.Setenv("SHEETPILOT_API_KEY", "env-key")
	t.Setenv("SHEETPILOT_MAX_FORMAT_RETRIES", "2")

	setFlag(t, "api-key", "flag-key")
	setFlag(t, "debug", "true")

	cfg, err := resolveConfig()
	if err != nil {
		t.Fatalf("resolveConfig: %v", err)
	}
	if cfg.Provider != "openai" || cfg.Workbook != "file.json" {
		t.Fatalf("file values lost: %+v", cfg)
	}
	if cfg.Model != "env-model" || cfg.MaxFormatRetries != 2 {
		t.Fatalf("env values not applied: %+v", cfg)
	}
	if cfg.APIKey != "flag-key" || !cfg.Debug {
		t.Fatalf("flag values not applied: %+v", cfg)
	}
}

func TestResolveConfig_UnchangedFlagsDoNotOverride(t *testing.T) {
	resetCmdTestGlobals(t)
	t.Setenv("SHEETPILOT_HOST", "bridge")

	cfg, err := resolveConfig()
	if err != nil {
		t.Fatalf("resolveConfig: %v", err)
	}
	// --host defaults to memory but was never given
	if cfg.Host != host.KindBridge {
		t.Fatalf("expected env host to win over a default flag, got %q", cfg.Host)
	}
}

func TestResolveConfig_BadConfigFile(t *testing.T) {
	resetCmdTestGlobals(t)
	p, err := config.Path()
	if err != nil {
		t.Fatalf("config.Path: %v", err)
	}
	if err := os.WriteFile(p, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	_, err = resolveConfig()
	if err == nil || !strings.Contains(err.Error(), "loading config") {
		t.Fatalf("expected a loading error, got %v", err)
	}
}

func TestHostFlag(t *testing.T) {
	var h hostFlag
	for _, v := range []string{"memory", " Bridge "} {
		if err := h.Set(v); err != nil {
			t.Fatalf("Set(%q): %v", v, err)
		}
	}
	if h.String() != host.KindBridge {
		t.Fatalf("expected normalized value, got %q", h.String())
	}
	if err := h.Set("excel"); err == nil {
		t.Fatal("expected an error for an unknown host")
	}
	if h.String() != host.KindBridge {
		t.Fatalf("a rejected value must not change the flag, got %q", h.String())
	}
	if h.Type() != "host" {
		t.Fatalf("unexpected type %q", h.Type())
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"apply", "script", "scan", "validate", "cleanup", "auth"}
	for _, name := range want {
		found := false
		for _, c := range rootCmd.Commands() {
			if c.Name() == name {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected %q to be registered on the root command", name)
		}
	}
}

func TestHelp_ContractSectionsPresent(t *testing.T) {
	for _, tc := range []struct {
		cmd      *cobra.Command
		required []string
	}{
		{applyCmd, []string{"Contract:", "Confirmation:", "Output:", "Exit codes:", "Examples:", "--dry-run never asks"}},
		{scriptRunCmd, []string{"Inputs:", "Exit codes:", "--procedure"}},
		{validateCmd, []string{"Inputs:", "Output:", "Exit codes:", `{"valid":false,"reason":"..."}`}},
		{scanCmd, []string{"Output:", "Exit codes:", "Examples:"}},
		{cleanupCmd, []string{"Exit codes:"}},
	} {
		for _, needle := range tc.required {
			if !strings.Contains(tc.cmd.Long, needle) {
				t.Fatalf("expected %s help text to contain %q", tc.cmd.Name(), needle)
			}
		}
	}
}
