package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/engine"
	"github.com/roach88/tillsync/internal/network"
	"github.com/roach88/tillsync/internal/retry"
)

// SyncReport is what the sync command prints.
type SyncReport struct {
	Drain  retry.Report  `json:"drain"`
	Status engine.Status `json:"status"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Drain the local queue to the server once",
		Long: `Connect to the server and push every due operation in the local queue.

The command treats the device as online for the duration of the run.
Operations whose retry delay has not elapsed are left for a later run.

Exit codes:
  0 - Queue drained (some operations may still be scheduled for retry)
  1 - One or more operations failed permanently during this run
  2 - Command error (database not found, server unreachable)

Examples:
  tillsync sync --db ./till.db
  TILLSYNC_POSTGRES_DSN=postgres://till@localhost/shop tillsync sync --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), rootOpts, cmd)
		},
	}
	return cmd
}

func runSync(ctx context.Context, opts *RootOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	out := opts.formatter(cmd)

	st, err := opts.openStore(false)
	if err != nil {
		return out.Fail(ExitCommandError, CodeStorage, "failed to open database", err)
	}
	defer st.Close()

	svc, err := opts.openPostgres(ctx)
	if err != nil {
		return out.Fail(ExitCommandError, CodeRemote, "failed to connect to server", err)
	}
	defer svc.Close()

	eng, err := opts.newEngine(ctx, st, svc, network.NewManualProvider(true), nil)
	if err != nil {
		return out.Fail(ExitCommandError, CodeStorage, "failed to start engine", err)
	}
	defer eng.Close()

	if err := eng.Start(ctx); err != nil {
		return out.Fail(ExitCommandError, CodeStorage, "failed to start engine", err)
	}
	eng.WaitIdle()

	out.VerboseLog("draining queue")
	report, err := eng.Sync(ctx)
	if err != nil {
		return out.Fail(ExitCommandError, CodeRemote, "sync failed", err)
	}
	status, err := eng.SyncStatus(ctx)
	if err != nil {
		return out.Fail(ExitCommandError, CodeStorage, "failed to read queue", err)
	}

	result := SyncReport{Drain: report, Status: status}
	if err := out.Success(result, func(w io.Writer) { writeSyncText(w, result) }); err != nil {
		return err
	}
	if report.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d operations failed", report.Failed))
	}
	return nil
}

func writeSyncText(w io.Writer, r SyncReport) {
	fmt.Fprintf(w, "drained %d: %d synced, %d retrying, %d deferred, %d failed\n",
		r.Drain.Drained, r.Drain.Synced, r.Drain.Retried, r.Drain.Deferred, r.Drain.Failed)
	fmt.Fprintf(w, "still queued: %d (%d scheduled retries)\n", r.Status.PendingSync, r.Status.ScheduledRetries)
	if r.Status.Failed > 0 {
		fmt.Fprintf(w, "failed total: %d (see tillsync queue --failed)\n", r.Status.Failed)
	}
}
