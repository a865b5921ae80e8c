package main

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/crdrive/internal/config"
	"github.com/tonimelisma/crdrive/internal/metrics"
	"github.com/tonimelisma/crdrive/internal/session"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep the session alive and follow sign-ins from other processes",
		Long: `Run in the foreground, reacting to logins, refreshes and logouts made by
other crdrive processes and probing the session every liveness_interval.
Send SIGHUP (or run 'crdrive reload') to re-read the config file.`,
		RunE: runWatch,
	}
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	release, err := acquirePIDFile(filepath.Join(cc.Cfg.DataDir, pidFileName))
	if err != nil {
		return err
	}
	defer release()

	a, err := newApp(cc)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := shutdownContext(cmd.Context(), cc.Logger)

	onHangup(ctx, func() { reloadConfig(cc, a.holder) })

	unsubscribe := a.store.Subscribe(sessionReporter(cc))
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)

	if addr := cc.Cfg.MetricsAddr; addr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, addr, a.registry, cc.Logger)
		})
	}

	g.Go(func() error {
		return a.syncer.Run(gctx)
	})

	cc.Statusf("Watching session (broadcast: %s). Press Ctrl-C to stop.\n", cc.Cfg.Broadcast)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// sessionReporter prints sign-in state transitions.
func sessionReporter(cc *CLIContext) func(session.Snapshot) {
	var (
		mu   sync.Mutex
		seen bool
		last bool
	)

	return func(s session.Snapshot) {
		mu.Lock()
		defer mu.Unlock()

		if !s.Initialized || (seen && s.Authenticated == last) {
			return
		}

		first := !seen
		seen, last = true, s.Authenticated

		switch {
		case s.Authenticated:
			cc.Statusf("Signed in as %s.\n", describeUser(s))
		case first:
			cc.Statusf("Not signed in. Waiting for a login.\n")
		default:
			cc.Statusf("Signed out.\n")
		}
	}
}

// reloadConfig re-resolves the config file and applies what can change
// without a restart: the log level and the liveness interval.
func reloadConfig(cc *CLIContext, holder *config.Holder) {
	cli := config.CLIOverrides{ConfigPath: holder.Path()}
	if cc.Flags.Server != "" {
		cli.Server = &cc.Flags.Server
	}

	cfg, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		cc.Logger.Warn("config reload failed, keeping previous config", slog.String("error", err.Error()))
		return
	}

	holder.Update(cfg)
	cc.Level.Set(logLevel(cfg, cc.Flags))

	cc.Logger.Info("config reloaded",
		slog.String("path", cfg.ConfigPath),
		slog.String("log_level", cc.Level.Level().String()),
		slog.Duration("liveness_interval", holder.Config().LivenessInterval),
	)
}

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask the running 'crdrive watch' to re-read its config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			pid, err := signalWatcher(filepath.Join(cc.Cfg.DataDir, pidFileName))
			if err != nil {
				return err
			}

			cc.Statusf("Sent reload to watch process %d.\n", pid)

			return nil
		},
	}
}
