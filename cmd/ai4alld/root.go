package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"ai4all/internal/config"
)

// cliOptions collects the persistent flags. Zero values leave the config
// file (or the built-in default) in charge.
type cliOptions struct {
	configPath string
	addr       string
	manifest   string
	modelsDir  string
	runtime    string
	indexPath  string
	historyDSN string
	lruPath    string
	logLevel   string
	logFormat  string
	budgetMB   int
	marginMB   int
	workers    int

	corsOrigins string
	turnTimeout time.Duration
}

func defaultOptions() *cliOptions {
	return &cliOptions{
		configPath:  envStr("AI4ALL_CONFIG", ""),
		addr:        envStr("AI4ALL_ADDR", ""),
		manifest:    envStr("AI4ALL_MANIFEST", ""),
		modelsDir:   envStr("AI4ALL_MODELS_DIR", ""),
		runtime:     envStr("AI4ALL_RUNTIME", ""),
		indexPath:   envStr("AI4ALL_INDEX_PATH", ""),
		historyDSN:  envStr("AI4ALL_HISTORY_DSN", ""),
		lruPath:     envStr("AI4ALL_LRU_PATH", ""),
		logLevel:    envStr("AI4ALL_LOG_LEVEL", ""),
		logFormat:   envStr("AI4ALL_LOG_FORMAT", ""),
		budgetMB:    envInt("AI4ALL_BUDGET_MB", 0),
		marginMB:    envInt("AI4ALL_MARGIN_MB", 0),
		workers:     envInt("AI4ALL_WORKERS", 0),
		corsOrigins: envStr("AI4ALL_CORS_ORIGINS", ""),
		turnTimeout: envDuration("AI4ALL_TURN_TIMEOUT", 0),
	}
}

// resolveConfig loads the config file, if any, and lets non-empty flags
// override it before defaults are applied.
func resolveConfig(o *cliOptions) (config.Config, error) {
	var cfg config.Config
	if o.configPath != "" {
		c, err := config.Load(o.configPath)
		if err != nil {
			return cfg, fmt.Errorf("config %s: %w", o.configPath, err)
		}
		cfg = c
	}
	str := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	num := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}
	str(&cfg.Addr, o.addr)
	str(&cfg.Manifest, o.manifest)
	str(&cfg.ModelsDir, o.modelsDir)
	str(&cfg.Runtime, o.runtime)
	str(&cfg.IndexPath, o.indexPath)
	str(&cfg.HistoryDSN, o.historyDSN)
	str(&cfg.LRUPath, o.lruPath)
	str(&cfg.LogLevel, o.logLevel)
	str(&cfg.LogFormat, o.logFormat)
	num(&cfg.BudgetMB, o.budgetMB)
	num(&cfg.MarginMB, o.marginMB)
	num(&cfg.Workers, o.workers)
	if origins := splitCSV(o.corsOrigins); len(origins) > 0 {
		cfg.CORSOrigins = origins
	}
	cfg = config.ApplyDefaults(cfg)
	return cfg, cfg.Validate()
}

// newLogger builds the root logger. format is console or json.
func newLogger(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), err
	}
	var out io.Writer = w
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Str("service", "ai4alld").Logger(), nil
}

// app is what PersistentPreRunE hands to subcommands.
type app struct {
	cfg config.Config
	log zerolog.Logger
}

func buildRootCmd() *cobra.Command { return buildRootCmdWith(defaultOptions()) }

func buildRootCmdWith(o *cliOptions) *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "ai4alld",
		Short:         "Local multi-engine inference daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(o)
			if err != nil {
				return err
			}
			log, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			a.cfg, a.log = cfg, log
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&o.configPath, "config", o.configPath, "Config file (.yaml, .toml or .json; defaults AI4ALL_CONFIG)")
	pf.StringVar(&o.addr, "addr", o.addr, "HTTP listen address, e.g. :8080 (defaults AI4ALL_ADDR)")
	pf.StringVar(&o.manifest, "manifest", o.manifest, "Model manifest file (defaults AI4ALL_MANIFEST)")
	pf.StringVar(&o.modelsDir, "models-dir", o.modelsDir, "Directory to scan for *.gguf and *.onnx models when no manifest is given")
	pf.StringVar(&o.runtime, "runtime", o.runtime, "Engine runtime: mock|llama|onnx")
	pf.StringVar(&o.indexPath, "index-path", o.indexPath, "Retrieval index snapshot file")
	pf.StringVar(&o.historyDSN, "history-dsn", o.historyDSN, "Turn history store: memory, sqlite:<path> or postgres://...")
	pf.StringVar(&o.lruPath, "lru-path", o.lruPath, "File recording recently used models for warmup")
	pf.StringVar(&o.logLevel, "log-level", o.logLevel, "Log level: debug|info|warn|error")
	pf.StringVar(&o.logFormat, "log-format", o.logFormat, "Log format: console|json")
	pf.IntVar(&o.budgetMB, "budget-mb", o.budgetMB, "Memory budget in MB for all engines (0=unlimited)")
	pf.IntVar(&o.marginMB, "margin-mb", o.marginMB, "Reserved memory margin in MB to keep free")
	pf.IntVar(&o.workers, "workers", o.workers, "Native worker goroutines (0=one per CPU)")

	root.AddCommand(
		newServeCmd(a, o),
		newModelsCmd(a),
		newIndexCmd(a),
		&cobra.Command{
			Use:   "version",
			Short: "Print the build version",
			Args:  cobra.NoArgs,
			PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
			RunE: func(cmd *cobra.Command, args []string) error {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "ai4alld", version)
				return err
			},
		},
	)
	return root
}
