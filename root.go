package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/crdrive/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// CLIFlags are the persistent flags shared by every command.
type CLIFlags struct {
	ConfigPath string
	Server     string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext is what PersistentPreRunE hands to every command through the
// cobra context: parsed flags, the resolved config and the logger.
type CLIContext struct {
	Flags  CLIFlags
	Cfg    *config.Resolved
	Logger *slog.Logger
	// Level backs Logger's handler, so a config reload can change it live.
	Level *slog.LevelVar
	// Stderr receives status lines and progress.
	Stderr io.Writer
}

type cliContextKey struct{}

// mustCLIContext returns the CLIContext stored by PersistentPreRunE.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("BUG: CLIContext missing from command context")
	}

	return cc
}

// newRootCmd builds the root command with every subcommand registered.
func newRootCmd() *cobra.Command {
	var flags CLIFlags

	cmd := &cobra.Command{
		Use:     "crdrive",
		Short:   "crdrive cloud drive client",
		Long:    "Sign in to a crdrive server, share the session across processes, and upload files.",
		Version: version,
		// Errors are printed by main; usage only on flag errors.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := newCLIContext(cmd, flags)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "config file path")
	pf.StringVar(&flags.Server, "server", "", "API base URL (overrides [server] base_url)")
	pf.BoolVar(&flags.JSON, "json", false, "output in JSON format")
	pf.BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(
		newLoginCmd(),
		newRegisterCmd(),
		newLogoutCmd(),
		newWhoamiCmd(),
		newLsCmd(),
		newMkdirCmd(),
		newRenameCmd(),
		newRmCmd(),
		newGetCmd(),
		newPoliciesCmd(),
		newUploadCmd(),
		newHistoryCmd(),
		newWatchCmd(),
		newReloadCmd(),
		newConfigCmd(),
	)

	return cmd
}

// newCLIContext resolves the config chain and builds the logger.
func newCLIContext(cmd *cobra.Command, flags CLIFlags) (*CLIContext, error) {
	cli := config.CLIOverrides{ConfigPath: flags.ConfigPath}

	if cmd.Flags().Changed("server") {
		cli.Server = &flags.Server
	}

	cfg, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	stderr := cmd.ErrOrStderr()
	logger, level := buildLogger(cfg, flags, stderr)

	logger.Debug("config resolved",
		slog.String("config_path", cfg.ConfigPath),
		slog.String("base_url", cfg.BaseURL),
		slog.String("broadcast", cfg.Broadcast),
	)

	return &CLIContext{
		Flags:  flags,
		Cfg:    cfg,
		Logger: logger,
		Level:  level,
		Stderr: stderr,
	}, nil
}

// buildLogger creates the process logger. The config level is the baseline;
// --verbose and --quiet override it.
func buildLogger(cfg *config.Resolved, flags CLIFlags, w io.Writer) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	level.Set(logLevel(cfg, flags))

	if w == nil {
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg != nil && cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler), level
}

func logLevel(cfg *config.Resolved, flags CLIFlags) slog.Level {
	level := slog.LevelInfo

	if cfg != nil {
		switch cfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	return level
}
