package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment override, e.g. SHEETPILOT_PROVIDER.
const EnvPrefix = "SHEETPILOT_"

type Config struct {
	Provider         string `json:"provider,omitempty" env:"PROVIDER"`
	Model            string `json:"model,omitempty" env:"MODEL"`
	APIKey           string `json:"api_key,omitempty" env:"API_KEY"`
	BaseURL          string `json:"base_url,omitempty" env:"BASE_URL"`
	Host             string `json:"host,omitempty" env:"HOST"`
	BridgeURL        string `json:"bridge_url,omitempty" env:"BRIDGE_URL"`
	Workbook         string `json:"workbook,omitempty" env:"WORKBOOK"`
	MaxFormatRetries int    `json:"max_format_retries" env:"MAX_FORMAT_RETRIES"`
	Rules            string `json:"rules,omitempty" env:"RULES"`
	Debug            bool   `json:"debug,omitempty" env:"DEBUG"`
}

// Default is the configuration used when neither the file nor the
// environment set a value.
func Default() Config {
	return Config{
		Provider:         "anthropic",
		Host:             "memory",
		Workbook:         "workbook.json",
		MaxFormatRetries: 1,
	}
}

func dir() (string, error) {
	if v := os.Getenv("SHEETPILOT_CONFIG_DIR"); v != "" {
		return v, nil
	}
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "sheetpilot"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "sheetpilot"), nil
}

// Path returns the location of the config file.
func Path() (string, error) {
	d, err := dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "config.json"), nil
}

// Load reads the config file over Default. Returns Default if the file does not exist.
func Load() (Config, error) {
	cfg := Default()
	p, err := Path()
	if err != nil {
		return Config{}, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", p, err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with any SHEETPILOT_* variables that are set.
func ApplyEnv(cfg Config) (Config, error) {
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("reading environment: %w", err)
	}
	return cfg, nil
}

// LoadWithEnv is Load followed by ApplyEnv.
func LoadWithEnv() (Config, error) {
	cfg, err := Load()
	if err != nil {
		return Config{}, err
	}
	return ApplyEnv(cfg)
}

// Save writes the config to disk atomically using a temp file + rename.
func Save(cfg Config) error {
	p, err := Path()
	if err != nil {
		return err
	}
	d := filepath.Dir(p)
	if err := os.MkdirAll(d, 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	tmp := p + ".tmp"
	// the file may hold an API key
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	// Remove dest first for Windows compat (os.Rename fails if dest exists on Windows).
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Delete removes the config file.
func Delete() error {
	p, err := Path()
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
