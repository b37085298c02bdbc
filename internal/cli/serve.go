package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/fedlog/internal/config"
	"github.com/roach88/fedlog/internal/eventlog"
	"github.com/roach88/fedlog/internal/hlc"
	"github.com/roach88/fedlog/internal/identity"
	"github.com/roach88/fedlog/internal/peers"
	"github.com/roach88/fedlog/internal/server"
	"github.com/roach88/fedlog/internal/store"
	"github.com/roach88/fedlog/internal/syncer"
	"github.com/roach88/fedlog/internal/transport"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen  string
	DataDir string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run this instance",
		Long: `Run this instance: the federation HTTP API, the sync engine and the
config watcher. A missing identity key is generated on first start.

Policy and log level changes in the config file apply without a restart.
Runs until interrupted (Ctrl-C or SIGTERM).

Example:
  fedlog serve
  fedlog serve --listen 0.0.0.0:7777 --data-dir /var/lib/fedlog`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&opts.DataDir, "data-dir", "", "data directory (overrides config)")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.Instance.ListenAddr = opts.Listen
	}
	if opts.DataDir != "" {
		cfg.Instance.DataDir = opts.DataDir
	}

	logger, level := newLogger(cmd.ErrOrStderr(), cfg.Log, opts.Verbose)
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.Instance.DataDir, 0o700); err != nil {
		return WrapExitError(ExitCommandError, "failed to create data directory", err)
	}

	id, created, err := identity.LoadOrGenerate(cfg.KeyPath())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load identity", err)
	}
	if created {
		logger.Info("generated identity", "path", cfg.KeyPath(), "fingerprint", id.Fingerprint())
	}

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()
	logger.Debug("database ready", "path", cfg.DBPath())

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := hlc.New(id.NodeID(), hlc.WithMaxDrift(cfg.Sync.MaxDrift.Std()))
	log, err := eventlog.New(ctx, st, clock, id, eventlog.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open event log", err)
	}
	defer log.Close()

	registry := peers.New(st, cfg.Policy, peers.WithLogger(logger))
	engine := syncer.New(log, registry, id, transport.New(), cfg.SyncerConfig(), syncer.WithLogger(logger))
	srv := server.New(engine, server.WithLogger(logger))

	ln, err := net.Listen("tcp", cfg.Instance.ListenAddr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "fedlog %s listening on %s\n", id.Fingerprint(), ln.Addr())
	fmt.Fprintln(out, "Press Ctrl-C to stop.")
	logger.Info("instance starting",
		"node_id", id.NodeID().String(),
		"endpoint", cfg.Endpoint(),
		"min_auth_tier", cfg.Policy.MinTier.String(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx, ln) })
	g.Go(func() error { return engine.Run(gctx) })

	path := opts.configPath()
	if _, statErr := os.Stat(path); statErr == nil {
		watcher := config.NewWatcher(path, func(next *config.Config) {
			registry.SetPolicy(next.Policy)
			if !opts.Verbose {
				level.Set(parseLevel(next.Log.Level))
			}
			logger.Info("config reloaded", "path", path)
		}, logger)
		g.Go(func() error { return watcher.Run(gctx) })
	} else {
		logger.Debug("no config file, hot reload disabled", "path", path)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "instance error", err)
	}

	logger.Info("instance stopped")
	return nil
}
