package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/loccen/tinder-swipe/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagDatabase   string
	flagVerbose    bool
	flagQuiet      bool
	flagJSONLog    bool
)

// resolvedCfg holds the effective configuration loaded by PersistentPreRunE.
// It is available to all subcommands after the root pre-run phase completes.
var resolvedCfg *config.Config

// resolvedCfgPath is the config file path Resolve loaded from, kept so serve
// can point the file watcher at the same file.
var resolvedCfgPath string

// appLogger and appLogLevel are built once in PersistentPreRunE. The level
// lives in a LevelVar so the config watcher can adjust it without rebuilding
// handlers.
var (
	appLogger   *slog.Logger
	appLogLevel = new(slog.LevelVar)
)

// httpClientTimeout is the default timeout for outbound HTTP requests.
// Prevents hung connections from stalling a tick indefinitely. The Linode
// boot wait and PikPak readiness probes poll in short requests, so a single
// request never needs longer than this.
const httpClientTimeout = 30 * time.Second

// defaultHTTPClient returns an HTTP client with a sensible timeout.
func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: httpClientTimeout}
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tinder-swipe",
		Short: "Download orchestrator for confirmed media tasks",
		Long: `tinder-swipe drives confirmed download tasks through a PikPak drive
transfer and an aria2 download, routed over a short-lived Linode proxy VM
that is provisioned on demand and destroyed when work drains.`,
		Version: version,
		// Silence Cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		// PersistentPreRunE resolves configuration and builds the process
		// logger before every command runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initApp(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagDatabase, "database", "", "SQLite database path")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "log errors only")
	cmd.PersistentFlags().BoolVar(&flagJSONLog, "json-log", false, "force JSON log output")

	// Register subcommands.
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newDestroyCmd())

	return cmd
}

// initApp resolves the effective configuration from the four-layer override
// chain and builds the process logger. --verbose/--quiet/--json-log are
// folded into CLIOverrides so the precedence logic lives in one place.
func initApp(cmd *cobra.Command) error {
	cli := config.CLIOverrides{
		ConfigPath: flagConfigPath,
	}

	// Only pass overrides the user explicitly set.
	if cmd.Flags().Changed("database") {
		cli.DatabasePath = &flagDatabase
	}

	if listen := cmd.Flags().Lookup("listen"); listen != nil && listen.Changed {
		v := listen.Value.String()
		cli.Listen = &v
	}

	if flagVerbose {
		level := "debug"
		cli.LogLevel = &level
	}

	if flagQuiet {
		level := "error"
		cli.LogLevel = &level
	}

	if flagJSONLog {
		format := "json"
		cli.LogFormat = &format
	}

	env := config.ReadEnvOverrides()
	resolvedCfgPath = config.ResolveConfigPath(env, cli)

	cfg, err := config.Resolve(env, cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = cfg
	appLogger = buildLogger(cfg)

	return nil
}

// buildLogger creates the process slog.Logger from the resolved config.
// Format "auto" picks a text handler when stderr is a terminal and JSON
// otherwise, so journald and container logs stay machine-parseable without
// anyone setting a flag.
func buildLogger(cfg *config.Config) *slog.Logger {
	appLogLevel.Set(parseLogLevel(cfg.Core.LogLevel))

	opts := &slog.HandlerOptions{Level: appLogLevel}

	format := cfg.Core.LogFormat
	if format == "" || format == "auto" {
		if isatty.IsTerminal(os.Stderr.Fd()) {
			format = "text"
		} else {
			format = "json"
		}
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

// parseLogLevel maps a config log level string to a slog.Level. Unknown
// values fall back to info; config validation rejects them before this runs,
// so the fallback only matters for the watcher's reload path.
func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
