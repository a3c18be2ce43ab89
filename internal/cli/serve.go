package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/httpapi"
	"github.com/roach88/tillsync/internal/metrics"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/remote/memory"
)

const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Offline bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine with its HTTP control API",
		Long: `Run the sync engine in the foreground and expose its HTTP API.

Endpoints: GET /health, /status, /operations, /metrics and
POST /connectivity, /sync. The engine drains the queue whenever
connectivity returns and on the configured drain interval.

Without postgres.dsn the engine talks to an in-process server, which is
useful for trying the API but keeps nothing after exit.

With connectivity.flag_file set, connectivity follows that file and
POST /connectivity is refused. Otherwise it starts online (or offline
with --offline) and is switched through the API.

Exit codes:
  0 - Stopped by signal
  2 - Command error (bad config, server unreachable, address in use)

Examples:
  tillsync serve --db ./till.db --addr :8088
  tillsync serve --offline
  TILLSYNC_CONNECTIVITY_FLAG_FILE=/run/till/online tillsync serve`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, cmd)
		},
	}

	cmd.Flags().String("addr", "", "HTTP listen address (default :8088)")
	cmd.Flags().BoolVar(&opts.Offline, "offline", false, "start with connectivity switched off")
	_ = rootOpts.viper.BindPFlag("http.addr", cmd.Flags().Lookup("addr"))

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	logger := opts.Logger

	st, err := opts.openStore(true)
	if err != nil {
		return out.Fail(ExitCommandError, CodeStorage, "failed to open database", err)
	}
	defer st.Close()

	var svc remote.Service
	if opts.Config.PostgresDSN != "" {
		pg, err := opts.openPostgres(ctx)
		if err != nil {
			return out.Fail(ExitCommandError, CodeRemote, "failed to connect to server", err)
		}
		defer pg.Close()
		svc = pg
	} else {
		logger.Warn("postgres.dsn not set, using in-process server")
		svc = memory.New()
	}

	provider, sw, cleanup, err := opts.connectivity(!opts.Offline)
	if err != nil {
		return out.Fail(ExitCommandError, CodeConfig, "failed to watch connectivity flag", err)
	}
	defer cleanup()

	m := metrics.NewCollector()
	eng, err := opts.newEngine(ctx, st, svc, provider, m)
	if err != nil {
		return out.Fail(ExitCommandError, CodeStorage, "failed to start engine", err)
	}
	defer eng.Close()
	if err := eng.Start(ctx); err != nil {
		return out.Fail(ExitCommandError, CodeStorage, "failed to start engine", err)
	}

	// A nil *ManualProvider must reach the handler as a nil interface.
	var control httpapi.Switch
	if sw != nil {
		control = sw
	}

	srv := &http.Server{
		Addr:              opts.Config.HTTPAddr,
		Handler:           httpapi.New(eng, control, m, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", "addr", srv.Addr, "db", opts.Config.DBPath)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return out.Fail(ExitCommandError, CodeConfig, "http server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return nil
}
