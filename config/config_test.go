package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_ConfigFileIsDirectory(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("SHEETPILOT_CONFIG_DIR", tmp)

	cfgPath := filepath.Join(tmp, "config.json")
	if err := os.Mkdir(cfgPath, 0o755); err != nil {
		t.Fatalf("setup config dir: %v", err)
	}

	if _, err := Load(); err == nil {
		t.Fatalf("expected read error when config file is a directory")
	} else if os.IsNotExist(err) {
		t.Fatalf("expected non-ENOENT error, got %v", err)
	}
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	t.Setenv("SHEETPILOT_CONFIG_DIR", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != Default() {
		t.Fatalf("got %+v, want defaults", cfg)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("SHEETPILOT_CONFIG_DIR", tmp)

	cfg := Default()
	cfg.Provider = "openai"
	cfg.APIKey = "sk-test"
	cfg.MaxFormatRetries = 0
	if err := Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(filepath.Join(tmp, "config.json"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("config file mode = %o, want 600", perm)
	}

	got, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != cfg {
		t.Fatalf("got %+v, want %+v", got, cfg)
	}

	if err := Delete(); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := Delete(); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("SHEETPILOT_CONFIG_DIR", tmp)
	if err := os.WriteFile(filepath.Join(tmp, "config.json"), []byte(`{"model":"gpt-4.1-mini"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model != "gpt-4.1-mini" || cfg.Provider != "anthropic" || cfg.MaxFormatRetries != 1 {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("SHEETPILOT_PROVIDER", "gemini")
	t.Setenv("SHEETPILOT_MAX_FORMAT_RETRIES", "2")
	t.Setenv("SHEETPILOT_DEBUG", "true")

	cfg, err := ApplyEnv(Default())
	if err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Provider != "gemini" || cfg.MaxFormatRetries != 2 || !cfg.Debug {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Workbook != "workbook.json" {
		t.Fatalf("unset variables must keep existing values, got workbook %q", cfg.Workbook)
	}

	t.Setenv("SHEETPILOT_MAX_FORMAT_RETRIES", "lots")
	if _, err := ApplyEnv(Default()); err == nil {
		t.Fatalf("expected error for a non-numeric retry count")
	}
}
