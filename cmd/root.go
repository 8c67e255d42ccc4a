package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/witanlabs/sheetpilot/client"
	"github.com/witanlabs/sheetpilot/config"
	"github.com/witanlabs/sheetpilot/internal/dispatch"
	"github.com/witanlabs/sheetpilot/internal/host"
	"github.com/witanlabs/sheetpilot/internal/logging"
	"github.com/witanlabs/sheetpilot/internal/script"
	"github.com/witanlabs/sheetpilot/internal/security"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	providerName string
	modelName    string
	apiKey       string
	hostKind     = hostFlag(host.KindMemory)
	bridgeURL    string
	workbookPath string
	rulesPath    string
	debug        bool
	logJSON      bool
	jsonOutput   bool

	logger = zap.NewNop()
)

// newAsker is replaced in tests.
var newAsker = func(ctx context.Context, cfg config.Config) (client.Asker, error) {
	return client.NewAsker(ctx, client.Options{
		Provider: cfg.Provider,
		Model:    cfg.Model,
		APIKey:   cfg.APIKey,
		BaseURL:  cfg.BaseURL,
		Logger:   logger,
	})
}

var rootCmd = &cobra.Command{
	Use:   "sheetpilot",
	Short: "SheetPilot: natural-language spreadsheet automation",
	Long: `Describe a spreadsheet change in plain language and SheetPilot asks a model
for either a validated command set or a vetted one-shot script, then applies
it to the workbook.

Configuration is read from the config file, then SHEETPILOT_* environment
variables, then flags; later sources win.`,
	Version:       Version,
	SilenceErrors: true,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	// Assigned here rather than in the literal: resolveConfig reads rootCmd,
	// which would otherwise be an initialization cycle.
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return err
		}
		l, err := logging.New(logging.Options{Debug: cfg.Debug, JSON: logJSON})
		if err != nil {
			return err
		}
		logger = l
		return nil
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&providerName, "provider", "", "AI provider: anthropic, openai or gemini (env: SHEETPILOT_PROVIDER)")
	pf.StringVar(&modelName, "model", "", "Model name; defaults per provider (env: SHEETPILOT_MODEL)")
	pf.StringVar(&apiKey, "api-key", "", "Provider API key (env: SHEETPILOT_API_KEY)")
	pf.Var(&hostKind, "host", "Spreadsheet host: memory or bridge (env: SHEETPILOT_HOST)")
	pf.StringVar(&bridgeURL, "bridge-url", "", "Websocket URL of the spreadsheet add-in (env: SHEETPILOT_BRIDGE_URL)")
	pf.StringVarP(&workbookPath, "workbook", "w", "", "Workbook file for the memory host (env: SHEETPILOT_WORKBOOK)")
	pf.StringVar(&rulesPath, "rules", "", "YAML file with extra scanner rules (env: SHEETPILOT_RULES)")
	pf.BoolVar(&debug, "debug", false, "Enable debug logging (env: SHEETPILOT_DEBUG)")
	pf.BoolVar(&logJSON, "log-json", false, "Write logs as JSON")
	pf.BoolVar(&jsonOutput, "json", false, "Output raw JSON instead of human-formatted summaries")
}

// hostFlag is a pflag.Value restricted to the known host kinds.
type hostFlag string

var _ pflag.Value = (*hostFlag)(nil)

func (h *hostFlag) String() string { return string(*h) }

func (h *hostFlag) Set(v string) error {
	v = strings.ToLower(strings.TrimSpace(v))
	switch v {
	case host.KindMemory, host.KindBridge:
		*h = hostFlag(v)
		return nil
	default:
		return fmt.Errorf("must be %q or %q", host.KindMemory, host.KindBridge)
	}
}

func (h *hostFlag) Type() string { return "host" }

// resolveConfig layers the config file, the environment and changed flags.
func resolveConfig() (config.Config, error) {
	cfg, err := config.LoadWithEnv()
	if err != nil {
		return config.Config{}, fmt.Errorf("loading config: %w", err)
	}
	pf := rootCmd.PersistentFlags()
	for _, o := range []struct {
		flag string
		dst  *string
		val  string
	}{
		{"provider", &cfg.Provider, providerName},
		{"model", &cfg.Model, modelName},
		{"api-key", &cfg.APIKey, apiKey},
		{"host", &cfg.Host, hostKind.String()},
		{"bridge-url", &cfg.BridgeURL, bridgeURL},
		{"workbook", &cfg.Workbook, workbookPath},
		{"rules", &cfg.Rules, rulesPath},
	} {
		if pf.Changed(o.flag) {
			*o.dst = o.val
		}
	}
	if pf.Changed("debug") {
		cfg.Debug = debug
	}
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func openSession(ctx context.Context, cfg config.Config) (host.Session, error) {
	return host.Open(ctx, host.Options{
		Kind:         cfg.Host,
		WorkbookPath: cfg.Workbook,
		BridgeURL:    cfg.BridgeURL,
		Logger:       logger,
	})
}

func newScanner(cfg config.Config) (*security.Scanner, error) {
	if cfg.Rules == "" {
		return security.NewScanner(), nil
	}
	rules, err := security.LoadRules(cfg.Rules)
	if err != nil {
		return nil, err
	}
	return security.NewScanner(security.WithRules(rules)), nil
}

// newDispatcher wires the scanner, engine and dispatcher for one session.
func newDispatcher(cfg config.Config, asker client.Asker, wb host.Workbook, opts ...dispatch.Option) (*dispatch.Dispatcher, error) {
	scanner, err := newScanner(cfg)
	if err != nil {
		return nil, err
	}
	engine := script.New(asker, wb, script.WithScanner(scanner), script.WithLogger(logger))
	opts = append([]dispatch.Option{
		dispatch.WithEngine(engine),
		dispatch.WithMaxFormatRetries(cfg.MaxFormatRetries),
		dispatch.WithLogger(logger),
	}, opts...)
	return dispatch.New(asker, wb, opts...), nil
}

// closeSession persists the workbook; a failure is reported but does not
// replace an earlier error.
func closeSession(s host.Session, err *error) {
	if cerr := s.Close(); cerr != nil {
		if *err == nil {
			*err = fmt.Errorf("saving workbook: %w", cerr)
			return
		}
		fmt.Fprintf(os.Stderr, "Warning: saving workbook: %v\n", cerr)
	}
}

func Execute() error {
	return rootCmd.Execute()
}
