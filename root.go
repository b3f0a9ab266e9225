package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/webrequestd/webrequestd/internal/config"
	"github.com/webrequestd/webrequestd/internal/store"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagDBPath     string
	flagListenAddr string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg holds the effective configuration loaded by PersistentPreRunE.
// It is available to all subcommands after the root pre-run phase completes.
var resolvedCfg *config.Resolved

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webrequestd",
		Short: "Persistent web request queue",
		Long: `A persistent, policy-driven web request daemon. Callers register URLs,
the daemon fetches them under per-domain retry and throughput policies,
and every accepted response is stored for later retrieval.`,
		Version: version,
		// Silence Cobra's default error/usage printing; main() handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		// PersistentPreRunE resolves configuration before every command so
		// subcommands only ever see validated, typed values.
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return loadConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagDBPath, "db", "", "database file path")
	cmd.PersistentFlags().StringVar(&flagListenAddr, "listen", "", "API listen address (host:port)")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	// Register subcommands.
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newTickCmd())
	cmd.AddCommand(newAddCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newPolicyCmd())

	return cmd
}

// loadConfig resolves the effective configuration from defaults, the config
// file, environment variables, and CLI flags, in that order, and stores the
// result in resolvedCfg for use by subcommands. The log flags fold into the
// override chain so they face the same validation as file values.
func loadConfig() error {
	cli := config.CLIOverrides{
		ConfigPath: flagConfigPath,
		DBPath:     flagDBPath,
		ListenAddr: flagListenAddr,
	}

	if flagVerbose {
		cli.LogLevel = "debug"
	}

	if flagQuiet {
		cli.LogLevel = "error"
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = resolved

	return nil
}

// buildLogger creates an slog.Logger from the resolved config. The log
// flags were already folded into the override chain, so LogLevel reflects
// --verbose and --quiet. Format "auto" picks text on a terminal and JSON
// otherwise, keeping piped daemon logs machine-readable.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo
	format := "auto"

	if resolvedCfg != nil {
		switch resolvedCfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}

		format = resolvedCfg.LogFormat
	}

	opts := &slog.HandlerOptions{Level: level}

	if format == "json" || (format == "auto" && !stderrIsTerminal()) {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// stderrIsTerminal reports whether stderr is attached to a terminal.
func stderrIsTerminal() bool {
	fd := os.Stderr.Fd()

	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// openStore opens the configured database, seeding new domains with the
// configured default policy and retry interval.
func openStore(logger *slog.Logger) (*store.Store, error) {
	seed := seedPolicy(resolvedCfg.Defaults)

	st, err := store.Open(resolvedCfg.DBPath, store.Options{
		Logger:         logger,
		DefaultPolicy:  &seed,
		DefaultTimeout: resolvedCfg.Tick.DomainTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	return st, nil
}

// seedPolicy converts the configured new-domain defaults into a policy row.
func seedPolicy(d config.ResolvedPolicy) store.DomainPolicy {
	return store.DomainPolicy{
		FetchTimeout:  d.FetchTimeout,
		Retries:       d.Retries,
		RetryMinDelay: d.RetryMinDelay,
		RetryMaxDelay: d.RetryMaxDelay,
		RetryHTTP:     d.RetryHTTP,
		RetryProxies:  d.RetryProxies,
		BPSLimit:      d.BPSLimit,
		ProxyDefault:  d.ProxyDefault,
	}
}

// pidFilePath is where serve records its PID, next to the database so one
// database maps to one daemon.
func pidFilePath() string {
	return resolvedCfg.DBPath + ".pid"
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
